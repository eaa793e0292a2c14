package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"bitriver-relay/internal/stream"
)

// ErrInvalidJob is returned by Start when a job cannot be launched.
var ErrInvalidJob = errors.New("invalid ingest job")

// Job describes the ingest process for one stream.
type Job struct {
	StreamID         stream.ID
	StreamName       string
	SourceURL        string
	OutputIP         string
	OutputPort       int
	VideoSSRC        uint32
	AudioSSRC        uint32
	VideoPayloadType uint8
	AudioPayloadType uint8
}

// OutputURL is the rtp:// endpoint the process pushes to.
func (j Job) OutputURL() string {
	return "rtp://" + net.JoinHostPort(j.OutputIP, strconv.Itoa(j.OutputPort))
}

// Validate reports missing or out of range fields.
func (j Job) Validate() error {
	if strings.TrimSpace(j.SourceURL) == "" {
		return fmt.Errorf("%w: source url is required", ErrInvalidJob)
	}
	if net.ParseIP(j.OutputIP) == nil {
		return fmt.Errorf("%w: output ip %q", ErrInvalidJob, j.OutputIP)
	}
	if j.OutputPort < 1 || j.OutputPort > 65535 {
		return fmt.Errorf("%w: output port %d", ErrInvalidJob, j.OutputPort)
	}
	if j.VideoSSRC == 0 {
		return fmt.Errorf("%w: video ssrc is required", ErrInvalidJob)
	}
	return nil
}

// Launcher starts ingest processes.
type Launcher interface {
	// Start launches the process for job. The process is supervised until ctx
	// is cancelled or Stop is called on the returned Process.
	Start(ctx context.Context, job Job) (Process, error)
}

// Process is a supervised ingest process.
type Process interface {
	// Done is closed once supervision has ended and no child is running.
	Done() <-chan struct{}
	// Stop ends supervision and waits for the child to exit.
	Stop()
}

// NoopLauncher accepts every job without starting anything.
type NoopLauncher struct{}

// Start validates job and returns a Process that ends with ctx.
func (NoopLauncher) Start(ctx context.Context, job Job) (Process, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(done)
	}()
	return &process{cancel: cancel, done: done}, nil
}

type process struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *process) Done() <-chan struct{} {
	return p.done
}

func (p *process) Stop() {
	p.cancel()
	<-p.done
}
