package ingeststub

import (
	"context"
	"sync"

	"bitriver-relay/internal/ingest"
)

// Options controls a Launcher.
type Options struct {
	// Err, when set, is returned from every Start call.
	Err error
	// Packets is how many video packets, and audio packets when the job has
	// an audio SSRC, are sent to a job's output after it starts.
	Packets int
}

// Launcher implements ingest.Launcher without spawning processes.
type Launcher struct {
	mu      sync.Mutex
	opts    Options
	jobs    []ingest.Job
	stopped int
	sendErr error
}

var _ ingest.Launcher = (*Launcher)(nil)

func NewLauncher(opts Options) *Launcher {
	return &Launcher{opts: opts}
}

// Fail makes later Start calls return err.
func (l *Launcher) Fail(err error) {
	l.mu.Lock()
	l.opts.Err = err
	l.mu.Unlock()
}

func (l *Launcher) Start(ctx context.Context, job ingest.Job) (ingest.Process, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	if l.opts.Err != nil {
		err := l.opts.Err
		l.mu.Unlock()
		return nil, err
	}
	l.jobs = append(l.jobs, job)
	packets := l.opts.Packets
	l.mu.Unlock()

	proc := &process{launcher: l, done: make(chan struct{}), stop: make(chan struct{})}
	go proc.run(ctx, job, packets)
	return proc, nil
}

// Jobs returns the jobs started so far.
func (l *Launcher) Jobs() []ingest.Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ingest.Job(nil), l.jobs...)
}

// Stopped counts processes whose supervision ended.
func (l *Launcher) Stopped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// SendErr reports the first error hit while feeding packets.
func (l *Launcher) SendErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sendErr
}

type process struct {
	launcher *Launcher
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func (p *process) run(ctx context.Context, job ingest.Job, packets int) {
	defer func() {
		p.launcher.mu.Lock()
		p.launcher.stopped++
		p.launcher.mu.Unlock()
		close(p.done)
	}()
	if err := feed(job, packets); err != nil {
		p.launcher.mu.Lock()
		if p.launcher.sendErr == nil {
			p.launcher.sendErr = err
		}
		p.launcher.mu.Unlock()
	}
	select {
	case <-ctx.Done():
	case <-p.stop:
	}
}

func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func feed(job ingest.Job, packets int) error {
	for seq := 1; seq <= packets; seq++ {
		pkt := Packet{SSRC: job.VideoSSRC, PayloadType: job.VideoPayloadType, Sequence: uint16(seq)}
		if err := SendRTP(job.OutputIP, job.OutputPort, pkt); err != nil {
			return err
		}
		if job.AudioSSRC != 0 {
			pkt = Packet{SSRC: job.AudioSSRC, PayloadType: job.AudioPayloadType, Sequence: uint16(seq)}
			if err := SendRTP(job.OutputIP, job.OutputPort, pkt); err != nil {
				return err
			}
		}
	}
	return nil
}
