package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"

	"bitriver-relay/internal/observability/logging"
)

func testJob() Job {
	return Job{
		StreamID:   1,
		StreamName: "Blackjack 1",
		SourceURL:  "rtmp://127.0.0.1:1935/live/stream",
		OutputIP:   "127.0.0.1",
		OutputPort: 5004,
		VideoSSRC:  1234,
		AudioSSRC:  5678,
	}
}

func TestBuildArgsVideoOnly(t *testing.T) {
	args := BuildArgs(testJob(), false)
	want := []string{
		"-re", "-i", "rtmp://127.0.0.1:1935/live/stream",
		"-map", "0:v:0", "-c:v", "libx264",
		"-b:v", "4000k", "-maxrate", "4000k", "-bufsize", "8000k",
		"-pix_fmt", "yuv420p", "-g", "60",
		"-f", "rtp", "-payload_type", "96", "-ssrc", "1234",
		"-max_muxing_queue_size", "1024", "-fps_mode", "passthrough",
		"rtp://127.0.0.1:5004",
	}
	if !slices.Equal(args, want) {
		t.Fatalf("unexpected args:\n got %v\nwant %v", args, want)
	}
}

func TestBuildArgsWithAudio(t *testing.T) {
	job := testJob()
	job.AudioPayloadType = 111
	args := BuildArgs(job, true)
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-map 0:a:0 -c:a libopus -ar 48000 -ac 2 -f rtp -payload_type 111 -ssrc 5678 rtp://127.0.0.1:5004") {
		t.Fatalf("expected audio leg, got %s", joined)
	}
	if strings.Count(joined, "rtp://127.0.0.1:5004") != 2 {
		t.Fatalf("expected both legs to target the plain endpoint, got %s", joined)
	}
}

func TestJobValidate(t *testing.T) {
	cases := map[string]func(*Job){
		"source": func(j *Job) { j.SourceURL = " " },
		"ip":     func(j *Job) { j.OutputIP = "localhost" },
		"port":   func(j *Job) { j.OutputPort = 0 },
		"ssrc":   func(j *Job) { j.VideoSSRC = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			job := testJob()
			mutate(&job)
			if err := job.Validate(); !errors.Is(err, ErrInvalidJob) {
				t.Fatalf("expected ErrInvalidJob, got %v", err)
			}
		})
	}
}

func TestNoopLauncherEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	proc, err := NoopLauncher{}.Start(ctx, testJob())
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	select {
	case <-proc.Done():
		t.Fatal("process ended before cancellation")
	default:
	}
	cancel()
	select {
	case <-proc.Done():
	case <-time.After(time.Second):
		t.Fatal("process did not end after cancellation")
	}
	proc.Stop()
}

// helperCommand re-executes the test binary as a fake ffmpeg.
func helperCommand(mode string) func(ctx context.Context, name string, args ...string) *exec.Cmd {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess", "--")
		cmd.Env = append(os.Environ(), "BITRIVER_RELAY_INGEST_HELPER="+mode)
		return cmd
	}
}

func TestHelperProcess(t *testing.T) {
	switch os.Getenv("BITRIVER_RELAY_INGEST_HELPER") {
	case "":
		return
	case "exit":
		fmt.Fprintln(os.Stderr, "Input/output error")
		os.Exit(1)
	case "sleep":
		time.Sleep(time.Minute)
		os.Exit(0)
	}
}

func TestFFmpegLauncherRestartsAfterExit(t *testing.T) {
	var (
		mu    sync.Mutex
		exits []error
	)
	launcher := NewFFmpegLauncher(FFmpegOptions{
		RestartDelay: 10 * time.Millisecond,
		Logger:       logging.Discard(),
		OnExit: func(job Job, err error) {
			mu.Lock()
			exits = append(exits, err)
			mu.Unlock()
		},
	})
	launcher.command = helperCommand("exit")

	proc, err := launcher.Start(context.Background(), testJob())
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		mu.Lock()
		n := len(exits)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected the process to be restarted, saw %d exits", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
	proc.Stop()

	mu.Lock()
	defer mu.Unlock()
	if exits[0] == nil {
		t.Fatal("expected the first exit to carry the exit status")
	}
}

func TestFFmpegLauncherWithoutRestartStopsAfterExit(t *testing.T) {
	launcher := NewFFmpegLauncher(FFmpegOptions{Logger: logging.Discard()})
	launcher.command = helperCommand("exit")

	proc, err := launcher.Start(context.Background(), testJob())
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	select {
	case <-proc.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("expected supervision to end after the process exited")
	}
}

func TestFFmpegLauncherStopKillsProcess(t *testing.T) {
	exited := make(chan error, 1)
	launcher := NewFFmpegLauncher(FFmpegOptions{
		RestartDelay: time.Millisecond,
		Logger:       logging.Discard(),
		OnExit:       func(_ Job, err error) { exited <- err },
	})
	launcher.command = helperCommand("sleep")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proc, err := launcher.Start(ctx, testJob())
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	cancel()
	select {
	case <-proc.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("expected cancellation to stop the process")
	}
	if err := <-exited; err != nil {
		t.Fatalf("expected shutdown exit to be reported as clean, got %v", err)
	}
}

func TestFFmpegLauncherReportsMissingBinary(t *testing.T) {
	launcher := NewFFmpegLauncher(FFmpegOptions{Binary: "bitriver-relay-no-such-ffmpeg", Logger: logging.Discard()})
	if _, err := launcher.Start(context.Background(), testJob()); err == nil {
		t.Fatal("expected start to fail for a missing binary")
	}
}

func TestFFmpegLauncherStreamsRTP(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ffmpeg test in short mode")
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	job := testJob()
	job.SourceURL = "testsrc=size=320x240:rate=30"
	job.OutputPort = conn.LocalAddr().(*net.UDPAddr).Port

	launcher := NewFFmpegLauncher(FFmpegOptions{Logger: logging.Discard()})
	launcher.command = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		// Synthetic source instead of an RTMP server.
		return exec.CommandContext(ctx, name, append([]string{"-f", "lavfi"}, args...)...)
	}
	proc, err := launcher.Start(context.Background(), job)
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer proc.Stop()

	buf := make([]byte, 1500)
	_ = conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("expected RTP from ffmpeg: %v", err)
		}
		var packet rtp.Packet
		if err := packet.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if packet.SSRC != job.VideoSSRC || packet.PayloadType != 96 {
			t.Fatalf("unexpected packet ssrc=%d pt=%d", packet.SSRC, packet.PayloadType)
		}
		return
	}
}

func logMessages(t *testing.T, buf *bytes.Buffer) []string {
	t.Helper()
	var out []string
	dec := json.NewDecoder(buf)
	for dec.More() {
		var rec struct {
			Msg    string `json:"msg"`
			Output string `json:"output"`
		}
		if err := dec.Decode(&rec); err != nil {
			t.Fatalf("decode log record: %v", err)
		}
		if rec.Output != "stderr" {
			t.Fatalf("expected output=stderr, got %q", rec.Output)
		}
		out = append(out, rec.Msg)
	}
	return out
}

func TestLogWriterJoinsSplitLines(t *testing.T) {
	var buf bytes.Buffer
	w := newLogWriter(logging.New(logging.Config{Writer: &buf, Level: "debug"}), "stderr")

	for _, chunk := range []string{"Input #0, flv", ", from 'rtmp://", "127.0.0.1'\nframe=  1 fps", "=30\rframe=  2 fps=30\r", "\n", "Exiting normally"} {
		if n, err := w.Write([]byte(chunk)); err != nil || n != len(chunk) {
			t.Fatalf("Write(%q) = %d, %v", chunk, n, err)
		}
	}
	w.Flush()

	want := []string{"Input #0, flv, from 'rtmp://127.0.0.1'", "frame=  1 fps=30", "frame=  2 fps=30", "Exiting normally"}
	if got := logMessages(t, &buf); !slices.Equal(got, want) {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestLogWriterBoundsUnterminatedLine(t *testing.T) {
	var buf bytes.Buffer
	w := newLogWriter(logging.New(logging.Config{Writer: &buf, Level: "debug"}), "stderr")

	w.Write(bytes.Repeat([]byte("x"), maxLogLine+10))
	if got := logMessages(t, &buf); len(got) != 1 || len(got[0]) != maxLogLine+10 {
		t.Fatalf("expected one record for the oversized line, got %d", len(got))
	}
	w.Flush()
	if buf.Len() != 0 {
		t.Fatalf("expected nothing left to flush, got %q", buf.String())
	}
}
