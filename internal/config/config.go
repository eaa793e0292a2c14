// Package config loads the relay's YAML configuration. A file only needs to
// carry the settings it changes: it is decoded over Default().
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bitriver-relay/internal/auth"
	"bitriver-relay/internal/media"
	"bitriver-relay/internal/stream"
)

// Config is the complete relay configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Signaling SignalingConfig `yaml:"signaling"`
	Media     MediaConfig     `yaml:"media"`
	Workers   []WorkerConfig  `yaml:"workers"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains the HTTP listener settings.
type ServerConfig struct {
	Addr            string          `yaml:"addr"`
	TLSCertFile     string          `yaml:"tls_cert_file"`
	TLSKeyFile      string          `yaml:"tls_key_file"`
	AllowedOrigins  []string        `yaml:"allowed_origins"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	IdleTimeout     time.Duration   `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig throttles the HTTP surface. ConnectLimit bounds WebSocket
// connection attempts per client IP within ConnectWindow; counters live in
// Redis when RedisAddr is set so several relays share them.
type RateLimitConfig struct {
	GlobalRPS     float64       `yaml:"global_rps"`
	GlobalBurst   int           `yaml:"global_burst"`
	ConnectLimit  int           `yaml:"connect_limit"`
	ConnectWindow time.Duration `yaml:"connect_window"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisTimeout  time.Duration `yaml:"redis_timeout"`
}

// SignalingConfig controls WebSocket sessions.
type SignalingConfig struct {
	AuthTimeout     time.Duration `yaml:"auth_timeout"`
	ErrorResponses  bool          `yaml:"error_responses"`
	MessageRate     float64       `yaml:"message_rate"`
	MessageBurst    int           `yaml:"message_burst"`
	MaxSessions     int           `yaml:"max_sessions"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	SendBuffer      int           `yaml:"send_buffer"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

// ListenIPConfig is a local address and the address announced to viewers.
type ListenIPConfig struct {
	IP          string `yaml:"ip"`
	AnnouncedIP string `yaml:"announced_ip"`
}

// MediaConfig is shared by every worker and router.
type MediaConfig struct {
	LogLevel   string                     `yaml:"log_level"`
	RTCMinPort int                        `yaml:"rtc_min_port"`
	RTCMaxPort int                        `yaml:"rtc_max_port"`
	ListenIPs  []ListenIPConfig           `yaml:"listen_ips"`
	EnableUDP  bool                       `yaml:"enable_udp"`
	EnableTCP  bool                       `yaml:"enable_tcp"`
	PreferUDP  bool                       `yaml:"prefer_udp"`
	Codecs     []media.RTPCodecCapability `yaml:"codecs"`
}

// WorkerConfig describes one media worker and the streams routed on it.
type WorkerConfig struct {
	ID      int            `yaml:"id"`
	Name    string         `yaml:"name"`
	Streams []StreamConfig `yaml:"streams"`
}

// StreamConfig describes one ingest stream.
type StreamConfig struct {
	ID               stream.ID `yaml:"id"`
	Name             string    `yaml:"name"`
	ListenIP         string    `yaml:"listen_ip"`
	Port             int       `yaml:"port"`
	VideoSSRC        uint32    `yaml:"video_ssrc"`
	AudioSSRC        uint32    `yaml:"audio_ssrc"`
	VideoPayloadType uint8     `yaml:"video_payload_type"`
	AudioPayloadType uint8     `yaml:"audio_payload_type"`
	SourceURL        string    `yaml:"source_url"`
	ViewerKeyHash    string    `yaml:"viewer_key_hash"`
}

// IngestConfig selects how ingest processes are launched.
type IngestConfig struct {
	Driver       string        `yaml:"driver"`
	Binary       string        `yaml:"binary"`
	IncludeAudio bool          `yaml:"include_audio"`
	RestartDelay time.Duration `yaml:"restart_delay"`
}

// EventsConfig selects the session event queue and audit store.
type EventsConfig struct {
	Queue    string      `yaml:"queue"`
	Buffer   int         `yaml:"buffer"`
	Redis    RedisConfig `yaml:"redis"`
	Store    string      `yaml:"store"`
	JSONPath string      `yaml:"json_path"`
	// JSONMaxEvents bounds the JSON store; zero keeps the store's default.
	JSONMaxEvents int            `yaml:"json_max_events"`
	Postgres      PostgresConfig `yaml:"postgres"`
}

// RedisConfig configures the Redis Streams queue.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Addrs        []string      `yaml:"addrs"`
	MasterName   string        `yaml:"master_name"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	Stream       string        `yaml:"stream"`
	Group        string        `yaml:"group"`
	MaxLen       int64         `yaml:"max_len"`
	PoolSize     int           `yaml:"pool_size"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
	TLSCAFile    string        `yaml:"tls_ca_file"`
	TLSCertFile  string        `yaml:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file"`
	TLSInsecure  bool          `yaml:"tls_insecure_skip_verify"`
}

// PostgresConfig configures the Postgres audit store.
type PostgresConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"max_conns"`
	MinConns          int32         `yaml:"min_conns"`
	MaxConnLifetime   time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `yaml:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `yaml:"health_check_period"`
	AcquireTimeout    time.Duration `yaml:"acquire_timeout"`
	ApplicationName   string        `yaml:"application_name"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default reproduces the single-worker, single-stream deployment the relay
// ships with.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":3000",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit: RateLimitConfig{
				ConnectLimit:  30,
				ConnectWindow: time.Minute,
				RedisTimeout:  2 * time.Second,
			},
		},
		Signaling: SignalingConfig{
			AuthTimeout:     time.Second,
			ErrorResponses:  true,
			MessageRate:     50,
			MessageBurst:    20,
			MaxSessions:     1000,
			MaxMessageBytes: 64 << 10,
			SendBuffer:      32,
			PingInterval:    30 * time.Second,
			PongTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
		},
		Media: MediaConfig{
			LogLevel:   "error",
			RTCMinPort: 5000,
			RTCMaxPort: 5800,
			ListenIPs:  []ListenIPConfig{{IP: "127.0.0.1"}},
			EnableUDP:  true,
			EnableTCP:  true,
			PreferUDP:  true,
			Codecs:     media.DefaultMediaCodecs(),
		},
		Workers: []WorkerConfig{{
			ID:   1,
			Name: "Blackjack",
			Streams: []StreamConfig{{
				ID:               1,
				Name:             "Blackjack 1",
				ListenIP:         "127.0.0.1",
				Port:             5004,
				VideoSSRC:        1234,
				AudioSSRC:        5678,
				VideoPayloadType: 96,
				AudioPayloadType: 97,
				SourceURL:        "rtmp://127.0.0.1:1935/live/stream",
			}},
		}},
		Ingest: IngestConfig{
			Driver: "ffmpeg",
			Binary: "ffmpeg",
		},
		Events: EventsConfig{
			Queue:  "memory",
			Buffer: 256,
			Store:  "none",
			Redis: RedisConfig{
				Stream: "bitriver:relay:events",
				Group:  "relay-audit",
				MaxLen: 100000,
			},
			Postgres: PostgresConfig{
				MaxConns:        10,
				AcquireTimeout:  5 * time.Second,
				ApplicationName: "bitriver-relay",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over Default and validates the result. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := decode(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	cfg.applyStreamDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyStreamDefaults fills per-stream fields a file may leave out, since
// listed workers replace the default ones wholesale.
func (c *Config) applyStreamDefaults() {
	for i := range c.Workers {
		for j := range c.Workers[i].Streams {
			s := &c.Workers[i].Streams[j]
			if s.ListenIP == "" {
				s.ListenIP = "127.0.0.1"
			}
			if s.VideoPayloadType == 0 {
				s.VideoPayloadType = 96
			}
			if s.AudioPayloadType == 0 {
				s.AudioPayloadType = 97
			}
		}
	}
}

// Streams flattens the configured streams across workers.
func (c *Config) Streams() []StreamConfig {
	var out []StreamConfig
	for _, w := range c.Workers {
		out = append(out, w.Streams...)
	}
	return out
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Signaling.Validate(); err != nil {
		return fmt.Errorf("signaling config: %w", err)
	}
	if err := c.Media.Validate(); err != nil {
		return fmt.Errorf("media config: %w", err)
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	if err := c.Ingest.Validate(); err != nil {
		return fmt.Errorf("ingest config: %w", err)
	}
	if c.Ingest.Driver == "ffmpeg" {
		for _, s := range c.Streams() {
			if strings.TrimSpace(s.SourceURL) == "" {
				return fmt.Errorf("stream %d: source_url is required with the ffmpeg ingest driver", s.ID)
			}
		}
	}
	if err := c.Events.Validate(); err != nil {
		return fmt.Errorf("events config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates the HTTP listener.
func (s *ServerConfig) Validate() error {
	if strings.TrimSpace(s.Addr) == "" {
		return errors.New("addr cannot be empty")
	}
	if (s.TLSCertFile == "") != (s.TLSKeyFile == "") {
		return errors.New("tls_cert_file and tls_key_file must be set together")
	}
	if s.ReadTimeout < 0 || s.WriteTimeout < 0 || s.IdleTimeout < 0 || s.ShutdownTimeout < 0 {
		return errors.New("timeouts cannot be negative")
	}
	rl := s.RateLimit
	if rl.GlobalRPS < 0 || rl.GlobalBurst < 0 || rl.ConnectLimit < 0 {
		return errors.New("rate_limit values cannot be negative")
	}
	if rl.ConnectLimit > 0 && rl.ConnectWindow <= 0 {
		return errors.New("rate_limit.connect_window must be positive when connect_limit is set")
	}
	return nil
}

// Validate validates session limits.
func (s *SignalingConfig) Validate() error {
	if s.AuthTimeout <= 0 {
		return fmt.Errorf("auth_timeout must be positive, got %s", s.AuthTimeout)
	}
	if s.MessageRate < 0 {
		return fmt.Errorf("message_rate cannot be negative, got %v", s.MessageRate)
	}
	if s.MessageRate > 0 && s.MessageBurst < 1 {
		return fmt.Errorf("message_burst must be at least 1 when message_rate is set, got %d", s.MessageBurst)
	}
	if s.MaxSessions < 0 {
		return fmt.Errorf("max_sessions cannot be negative, got %d", s.MaxSessions)
	}
	if s.MaxMessageBytes < 1024 {
		return fmt.Errorf("max_message_bytes must be at least 1024, got %d", s.MaxMessageBytes)
	}
	if s.SendBuffer < 1 {
		return fmt.Errorf("send_buffer must be at least 1, got %d", s.SendBuffer)
	}
	if s.PingInterval <= 0 || s.PongTimeout <= s.PingInterval {
		return fmt.Errorf("pong_timeout (%s) must exceed a positive ping_interval (%s)", s.PongTimeout, s.PingInterval)
	}
	if s.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive, got %s", s.WriteTimeout)
	}
	return nil
}

// Validate validates the media engine settings.
func (m *MediaConfig) Validate() error {
	if m.RTCMinPort < 0 || m.RTCMaxPort > 65535 || m.RTCMinPort > m.RTCMaxPort {
		return fmt.Errorf("rtc port range %d-%d is invalid", m.RTCMinPort, m.RTCMaxPort)
	}
	if len(m.ListenIPs) == 0 {
		return errors.New("at least one listen ip is required")
	}
	for _, ip := range m.ListenIPs {
		if net.ParseIP(ip.IP) == nil {
			return fmt.Errorf("listen ip %q is invalid", ip.IP)
		}
		if ip.AnnouncedIP != "" && net.ParseIP(ip.AnnouncedIP) == nil {
			return fmt.Errorf("announced ip %q is invalid", ip.AnnouncedIP)
		}
	}
	if !m.EnableUDP && !m.EnableTCP {
		return errors.New("enable_udp or enable_tcp must be set")
	}
	if _, err := media.BuildRouterCapabilities(m.Codecs); err != nil {
		return fmt.Errorf("codecs: %w", err)
	}
	return nil
}

func (c *Config) validateWorkers() error {
	if len(c.Workers) == 0 {
		return errors.New("at least one worker is required")
	}
	workerIDs := make(map[int]struct{}, len(c.Workers))
	streamIDs := make(map[stream.ID]struct{})
	endpoints := make(map[string]stream.ID)
	for _, w := range c.Workers {
		if _, dup := workerIDs[w.ID]; dup {
			return fmt.Errorf("worker %d: duplicate id", w.ID)
		}
		workerIDs[w.ID] = struct{}{}
		if strings.TrimSpace(w.Name) == "" {
			return fmt.Errorf("worker %d: name cannot be empty", w.ID)
		}
		for _, s := range w.Streams {
			if err := s.Validate(); err != nil {
				return fmt.Errorf("worker %d stream %d: %w", w.ID, s.ID, err)
			}
			if _, dup := streamIDs[s.ID]; dup {
				return fmt.Errorf("stream %d: duplicate id", s.ID)
			}
			streamIDs[s.ID] = struct{}{}
			endpoint := net.JoinHostPort(s.ListenIP, fmt.Sprint(s.Port))
			if other, dup := endpoints[endpoint]; dup {
				return fmt.Errorf("stream %d: endpoint %s already used by stream %d", s.ID, endpoint, other)
			}
			endpoints[endpoint] = s.ID
		}
	}
	return nil
}

// Validate validates one stream.
func (s *StreamConfig) Validate() error {
	if s.ID <= 0 {
		return errors.New("id must be positive")
	}
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("name cannot be empty")
	}
	if net.ParseIP(s.ListenIP) == nil {
		return fmt.Errorf("listen_ip %q is invalid", s.ListenIP)
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	if s.VideoSSRC == 0 || s.AudioSSRC == 0 || s.VideoSSRC == s.AudioSSRC {
		return fmt.Errorf("video_ssrc (%d) and audio_ssrc (%d) must be distinct and non-zero", s.VideoSSRC, s.AudioSSRC)
	}
	for _, pt := range []uint8{s.VideoPayloadType, s.AudioPayloadType} {
		if pt < 96 || pt > 127 {
			return fmt.Errorf("payload types must be dynamic (96-127), got %d", pt)
		}
	}
	if s.VideoPayloadType == s.AudioPayloadType {
		return errors.New("video and audio payload types must differ")
	}
	if s.ViewerKeyHash != "" {
		if err := auth.ValidateViewerKeyHash(s.ViewerKeyHash); err != nil {
			return err
		}
	}
	return nil
}

// Validate validates the ingest driver.
func (i *IngestConfig) Validate() error {
	switch i.Driver {
	case "ffmpeg":
		if strings.TrimSpace(i.Binary) == "" {
			return errors.New("binary cannot be empty with the ffmpeg driver")
		}
	case "none":
	default:
		return fmt.Errorf("driver must be 'ffmpeg' or 'none', got '%s'", i.Driver)
	}
	if i.RestartDelay < 0 {
		return fmt.Errorf("restart_delay cannot be negative, got %s", i.RestartDelay)
	}
	return nil
}

// Validate validates the event pipeline.
func (e *EventsConfig) Validate() error {
	switch e.Queue {
	case "memory":
	case "redis":
		if strings.TrimSpace(e.Redis.Addr) == "" && len(e.Redis.Addrs) == 0 {
			return errors.New("redis.addr is required for the redis queue")
		}
	default:
		return fmt.Errorf("queue must be 'memory' or 'redis', got '%s'", e.Queue)
	}
	if e.Buffer < 1 {
		return fmt.Errorf("buffer must be at least 1, got %d", e.Buffer)
	}
	switch e.Store {
	case "none":
	case "json":
		if strings.TrimSpace(e.JSONPath) == "" {
			return errors.New("json_path is required for the json store")
		}
		if e.JSONMaxEvents < 0 {
			return fmt.Errorf("json_max_events cannot be negative, got %d", e.JSONMaxEvents)
		}
	case "postgres":
		if strings.TrimSpace(e.Postgres.DSN) == "" {
			return errors.New("postgres.dsn is required for the postgres store")
		}
		if e.Postgres.MinConns < 0 || e.Postgres.MaxConns < 0 || (e.Postgres.MaxConns > 0 && e.Postgres.MinConns > e.Postgres.MaxConns) {
			return fmt.Errorf("postgres pool bounds %d-%d are invalid", e.Postgres.MinConns, e.Postgres.MaxConns)
		}
	default:
		return fmt.Errorf("store must be 'none', 'json' or 'postgres', got '%s'", e.Store)
	}
	return nil
}

// Validate validates logging configuration.
func (l *LoggingConfig) Validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}
	switch strings.ToLower(l.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}
	return nil
}
