package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bitriver-relay/internal/auth"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	streams := cfg.Streams()
	if len(streams) != 1 {
		t.Fatalf("expected one default stream, got %d", len(streams))
	}
	s := streams[0]
	if s.ID != 1 || s.Name != "Blackjack 1" || s.Port != 5004 || s.VideoSSRC != 1234 || s.AudioSSRC != 5678 {
		t.Fatalf("unexpected default stream %+v", s)
	}
	if cfg.Signaling.AuthTimeout != time.Second || !cfg.Signaling.ErrorResponses {
		t.Fatalf("unexpected signaling defaults %+v", cfg.Signaling)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Workers[0].Name != "Blackjack" {
		t.Fatalf("expected default worker, got %+v", cfg.Workers)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	hash, err := auth.HashViewerKey("backstage-pass")
	if err != nil {
		t.Fatalf("hash viewer key: %v", err)
	}
	path := writeConfig(t, `
server:
  addr: ":8443"
signaling:
  auth_timeout: 1500ms
  error_responses: false
workers:
  - id: 1
    name: Poker
    streams:
      - id: 7
        name: Poker table
        port: 6004
        video_ssrc: 11
        audio_ssrc: 22
        source_url: rtmp://ingest.local/live/poker
        viewer_key_hash: "`+hash+`"
      - id: 8
        name: Poker side
        port: 6006
        video_ssrc: 33
        audio_ssrc: 44
        source_url: rtmp://ingest.local/live/side
ingest:
  driver: none
logging:
  level: debug
  format: text
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Addr != ":8443" {
		t.Fatalf("expected addr override, got %q", cfg.Server.Addr)
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Fatalf("expected untouched defaults to survive, got %s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Signaling.AuthTimeout != 1500*time.Millisecond || cfg.Signaling.ErrorResponses {
		t.Fatalf("unexpected signaling config %+v", cfg.Signaling)
	}
	streams := cfg.Streams()
	if len(streams) != 2 {
		t.Fatalf("expected two streams, got %d", len(streams))
	}
	if streams[0].ListenIP != "127.0.0.1" || streams[0].VideoPayloadType != 96 || streams[0].AudioPayloadType != 97 {
		t.Fatalf("expected stream defaults to be applied, got %+v", streams[0])
	}
	if streams[0].ViewerKeyHash != hash {
		t.Fatalf("expected viewer key hash to be loaded")
	}
	if len(cfg.Media.Codecs) != 2 {
		t.Fatalf("expected default codecs to survive, got %d", len(cfg.Media.Codecs))
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "signaling:\n  auth_timeot: 1s\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{
			name:     "zero auth timeout",
			mutate:   func(c *Config) { c.Signaling.AuthTimeout = 0 },
			errorMsg: "auth_timeout",
		},
		{
			name:     "connect limit without window",
			mutate:   func(c *Config) { c.Server.RateLimit.ConnectWindow = 0 },
			errorMsg: "connect_window",
		},
		{
			name:     "inverted rtc range",
			mutate:   func(c *Config) { c.Media.RTCMinPort, c.Media.RTCMaxPort = 6000, 5000 },
			errorMsg: "rtc port range",
		},
		{
			name:     "no workers",
			mutate:   func(c *Config) { c.Workers = nil },
			errorMsg: "at least one worker",
		},
		{
			name: "duplicate stream id",
			mutate: func(c *Config) {
				dup := c.Workers[0].Streams[0]
				dup.Port = 6004
				c.Workers[0].Streams = append(c.Workers[0].Streams, dup)
			},
			errorMsg: "duplicate id",
		},
		{
			name: "shared endpoint",
			mutate: func(c *Config) {
				other := c.Workers[0].Streams[0]
				other.ID = 2
				c.Workers[0].Streams = append(c.Workers[0].Streams, other)
			},
			errorMsg: "already used",
		},
		{
			name:     "equal ssrcs",
			mutate:   func(c *Config) { c.Workers[0].Streams[0].AudioSSRC = 1234 },
			errorMsg: "distinct",
		},
		{
			name:     "bad viewer key hash",
			mutate:   func(c *Config) { c.Workers[0].Streams[0].ViewerKeyHash = "plain" },
			errorMsg: "viewer key hash",
		},
		{
			name:     "missing source url",
			mutate:   func(c *Config) { c.Workers[0].Streams[0].SourceURL = "" },
			errorMsg: "source_url",
		},
		{
			name:     "unknown ingest driver",
			mutate:   func(c *Config) { c.Ingest.Driver = "gstreamer" },
			errorMsg: "driver",
		},
		{
			name:     "redis without addr",
			mutate:   func(c *Config) { c.Events.Queue = "redis" },
			errorMsg: "redis.addr",
		},
		{
			name:     "postgres without dsn",
			mutate:   func(c *Config) { c.Events.Store = "postgres" },
			errorMsg: "postgres.dsn",
		},
		{
			name:     "unknown log format",
			mutate:   func(c *Config) { c.Logging.Format = "xml" },
			errorMsg: "format",
		},
		{
			name:     "unsupported codec",
			mutate:   func(c *Config) { c.Media.Codecs[0].MimeType = "video/VP8" },
			errorMsg: "codecs",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error containing %q", tt.errorMsg)
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Fatalf("expected error containing %q, got %v", tt.errorMsg, err)
			}
		})
	}
}
