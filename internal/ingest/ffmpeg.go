package ingest

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"bitriver-relay/internal/observability/metrics"
)

// FFmpegOptions configures FFmpegLauncher.
type FFmpegOptions struct {
	Binary       string
	IncludeAudio bool
	// RestartDelay is the pause before a process that exited is started
	// again. Zero disables restarts.
	RestartDelay time.Duration
	Logger       *slog.Logger
	Recorder     *metrics.Recorder
	// OnExit is called after every exit of the child process.
	OnExit func(job Job, err error)
}

// FFmpegLauncher runs one ffmpeg process per job.
type FFmpegLauncher struct {
	opts    FFmpegOptions
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewFFmpegLauncher returns a launcher using opts.
func NewFFmpegLauncher(opts FFmpegOptions) *FFmpegLauncher {
	if opts.Binary == "" {
		opts.Binary = "ffmpeg"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &FFmpegLauncher{opts: opts, command: exec.CommandContext}
}

// BuildArgs returns the ffmpeg arguments that re-encode job's source into
// RTP flows for the plain transport.
func BuildArgs(job Job, includeAudio bool) []string {
	videoPT := job.VideoPayloadType
	if videoPT == 0 {
		videoPT = 96
	}
	args := []string{
		"-re",
		"-i", job.SourceURL,
		"-map", "0:v:0",
		"-c:v", "libx264",
		"-b:v", "4000k",
		"-maxrate", "4000k",
		"-bufsize", "8000k",
		"-pix_fmt", "yuv420p",
		"-g", "60",
		"-f", "rtp",
		"-payload_type", strconv.Itoa(int(videoPT)),
		"-ssrc", strconv.FormatUint(uint64(job.VideoSSRC), 10),
		"-max_muxing_queue_size", "1024",
		"-fps_mode", "passthrough",
		job.OutputURL(),
	}
	if includeAudio && job.AudioSSRC != 0 {
		audioPT := job.AudioPayloadType
		if audioPT == 0 {
			audioPT = 97
		}
		args = append(args,
			"-map", "0:a:0",
			"-c:a", "libopus",
			"-ar", "48000",
			"-ac", "2",
			"-f", "rtp",
			"-payload_type", strconv.Itoa(int(audioPT)),
			"-ssrc", strconv.FormatUint(uint64(job.AudioSSRC), 10),
			job.OutputURL(),
		)
	}
	return args
}

// Start launches ffmpeg for job. An error is returned only when the first
// launch fails; later failures are logged and retried.
func (l *FFmpegLauncher) Start(ctx context.Context, job Job) (Process, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	args := BuildArgs(job, l.opts.IncludeAudio)
	logger := l.opts.Logger.With("stream_id", job.StreamID.String(), "stream", job.StreamName)

	ctx, cancel := context.WithCancel(ctx)
	first, err := l.launch(ctx, job, args, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	proc := &process{cancel: cancel, done: make(chan struct{})}
	go l.supervise(ctx, job, args, first, logger, proc.done)
	return proc, nil
}

func (l *FFmpegLauncher) launch(ctx context.Context, job Job, args []string, logger *slog.Logger) (*run, error) {
	cmd := l.command(ctx, l.opts.Binary, args...)
	r := &run{cmd: cmd, stdout: newLogWriter(logger, "stdout"), stderr: newLogWriter(logger, "stderr")}
	cmd.Stdout = r.stdout
	cmd.Stderr = r.stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	l.opts.Recorder.ObserveIngestStart(job.StreamName)
	logger.Info("ingest process started", "pid", cmd.Process.Pid, "source", job.SourceURL, "output", job.OutputURL())
	return r, nil
}

func (l *FFmpegLauncher) supervise(ctx context.Context, job Job, args []string, current *run, logger *slog.Logger, done chan struct{}) {
	defer close(done)
	for {
		err := current.wait()
		if ctx.Err() != nil {
			// Killed on shutdown.
			err = nil
		}
		if err != nil {
			logger.Warn("ingest process exited with error", "error", err)
		} else {
			logger.Info("ingest process exited")
		}
		l.opts.Recorder.ObserveIngestExit(job.StreamName, err)
		if l.opts.OnExit != nil {
			l.opts.OnExit(job, err)
		}

		for {
			if l.opts.RestartDelay <= 0 || !sleepContext(ctx, l.opts.RestartDelay) {
				return
			}
			next, err := l.launch(ctx, job, args, logger)
			if err == nil {
				current = next
				break
			}
			if ctx.Err() != nil {
				return
			}
			logger.Error("ingest process restart failed", "error", err)
		}
	}
}

// run is one ffmpeg invocation and the writers draining its output.
type run struct {
	cmd    *exec.Cmd
	stdout *logWriter
	stderr *logWriter
}

// wait blocks until the process exits and its output has been copied, then
// logs any unterminated last line.
func (r *run) wait() error {
	err := r.cmd.Wait()
	r.stdout.Flush()
	r.stderr.Flush()
	return err
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// maxLogLine bounds the partial line a logWriter holds while waiting for a
// line terminator.
const maxLogLine = 4096

// logWriter turns process output into one debug record per line. ffmpeg ends
// progress lines with a carriage return, so both terminators split.
type logWriter struct {
	logger *slog.Logger
	mu     sync.Mutex
	buf    []byte
}

func newLogWriter(logger *slog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger.With("output", stream)}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexAny(w.buf, "\r\n")
		if idx == -1 {
			break
		}
		w.emit(w.buf[:idx])
		w.buf = w.buf[idx+1:]
	}
	if len(w.buf) >= maxLogLine {
		w.emit(w.buf)
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

// Flush logs the buffered partial line, if any.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emit(w.buf)
	w.buf = nil
}

func (w *logWriter) emit(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	w.logger.Debug(string(line))
}
