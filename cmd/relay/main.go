// Command relay starts the BitRiver relay: media workers and ingest for the
// configured streams, the signaling WebSocket gateway and the status API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"bitriver-relay/internal/bootstrap"
	"bitriver-relay/internal/config"
	"bitriver-relay/internal/events"
	"bitriver-relay/internal/ingest"
	"bitriver-relay/internal/media"
	"bitriver-relay/internal/media/local"
	"bitriver-relay/internal/observability/logging"
	"bitriver-relay/internal/observability/metrics"
	"bitriver-relay/internal/server"
	"bitriver-relay/internal/serverutil"
	"bitriver-relay/internal/signaling"
	"bitriver-relay/internal/storage"
	"bitriver-relay/internal/stream"
)

const envPrefix = "BITRIVER_RELAY_"

// cliFlags holds command-line overrides. Zero values leave the environment
// and the config file in charge.
type cliFlags struct {
	configPath      string
	addr            string
	logLevel        string
	logFormat       string
	tlsCert         string
	tlsKey          string
	allowedOrigins  string
	ingestDriver    string
	ffmpegBinary    string
	queueDriver     string
	redisAddr       string
	storeDriver     string
	jsonPath        string
	postgresDSN     string
	maxSessions     int
	authTimeout     time.Duration
	shutdownTimeout time.Duration
	connectLimit    int
	noErrorReplies  bool
}

func parseFlags(fs *flag.FlagSet, args []string) (cliFlags, error) {
	var f cliFlags
	fs.StringVar(&f.configPath, "config", "", "path to the YAML configuration file")
	fs.StringVar(&f.addr, "addr", "", "HTTP listen address")
	fs.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", "", "log format (json or text)")
	fs.StringVar(&f.tlsCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&f.tlsKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&f.allowedOrigins, "allowed-origins", "", "comma separated browser origins allowed to connect")
	fs.StringVar(&f.ingestDriver, "ingest-driver", "", "ingest driver (ffmpeg or none)")
	fs.StringVar(&f.ffmpegBinary, "ffmpeg", "", "path to the ffmpeg binary")
	fs.StringVar(&f.queueDriver, "event-queue", "", "session event queue (memory or redis)")
	fs.StringVar(&f.redisAddr, "event-redis-addr", "", "Redis address for the event queue")
	fs.StringVar(&f.storeDriver, "event-store", "", "session event store (none, json or postgres)")
	fs.StringVar(&f.jsonPath, "event-json-path", "", "path of the JSON event store")
	fs.StringVar(&f.postgresDSN, "postgres-dsn", "", "Postgres connection string for the event store")
	fs.IntVar(&f.maxSessions, "max-sessions", 0, "maximum concurrent signaling sessions")
	fs.DurationVar(&f.authTimeout, "auth-timeout", 0, "time a new connection has to send clientConnect")
	fs.DurationVar(&f.shutdownTimeout, "shutdown-timeout", 0, "graceful shutdown bound")
	fs.IntVar(&f.connectLimit, "rate-connect-limit", 0, "signaling connection attempts per IP per window")
	fs.BoolVar(&f.noErrorReplies, "no-error-responses", false, "log failed requests without replying to the client")
	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	return f, nil
}

func main() {
	flags, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("relay stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}

// loadConfig reads the config file named by the flag or
// BITRIVER_RELAY_CONFIG and layers environment variables and flags over it.
func loadConfig(f cliFlags) (config.Config, error) {
	cfg, err := config.Load(firstNonEmpty(f.configPath, os.Getenv(envPrefix+"CONFIG")))
	if err != nil {
		return config.Config{}, err
	}
	applyOverrides(&cfg, f)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config, f cliFlags) {
	cfg.Server.Addr = firstNonEmpty(f.addr, os.Getenv(envPrefix+"ADDR"), cfg.Server.Addr)
	cfg.Server.TLSCertFile = firstNonEmpty(f.tlsCert, os.Getenv(envPrefix+"TLS_CERT"), cfg.Server.TLSCertFile)
	cfg.Server.TLSKeyFile = firstNonEmpty(f.tlsKey, os.Getenv(envPrefix+"TLS_KEY"), cfg.Server.TLSKeyFile)
	if origins := splitAndTrim(firstNonEmpty(f.allowedOrigins, os.Getenv(envPrefix+"ALLOWED_ORIGINS"))); origins != nil {
		cfg.Server.AllowedOrigins = origins
	}
	cfg.Server.ShutdownTimeout = resolveDuration(f.shutdownTimeout, envPrefix+"SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	if limit := resolveInt(f.connectLimit, envPrefix+"RATE_CONNECT_LIMIT"); limit > 0 {
		cfg.Server.RateLimit.ConnectLimit = limit
	}
	cfg.Server.RateLimit.RedisAddr = firstNonEmpty(os.Getenv(envPrefix+"RATE_REDIS_ADDR"), cfg.Server.RateLimit.RedisAddr)

	cfg.Signaling.AuthTimeout = resolveDuration(f.authTimeout, envPrefix+"AUTH_TIMEOUT", cfg.Signaling.AuthTimeout)
	if maxSessions := resolveInt(f.maxSessions, envPrefix+"MAX_SESSIONS"); maxSessions > 0 {
		cfg.Signaling.MaxSessions = maxSessions
	}
	if resolveBool(f.noErrorReplies, envPrefix+"NO_ERROR_RESPONSES") {
		cfg.Signaling.ErrorResponses = false
	}

	cfg.Ingest.Driver = strings.ToLower(firstNonEmpty(f.ingestDriver, os.Getenv(envPrefix+"INGEST_DRIVER"), cfg.Ingest.Driver))
	cfg.Ingest.Binary = firstNonEmpty(f.ffmpegBinary, os.Getenv(envPrefix+"FFMPEG"), cfg.Ingest.Binary)

	cfg.Events.Queue = strings.ToLower(firstNonEmpty(f.queueDriver, os.Getenv(envPrefix+"EVENT_QUEUE"), cfg.Events.Queue))
	cfg.Events.Redis.Addr = firstNonEmpty(f.redisAddr, os.Getenv(envPrefix+"EVENT_REDIS_ADDR"), cfg.Events.Redis.Addr)
	cfg.Events.Redis.Password = firstNonEmpty(os.Getenv(envPrefix+"EVENT_REDIS_PASSWORD"), cfg.Events.Redis.Password)
	cfg.Events.Store = strings.ToLower(firstNonEmpty(f.storeDriver, os.Getenv(envPrefix+"EVENT_STORE"), cfg.Events.Store))
	cfg.Events.JSONPath = firstNonEmpty(f.jsonPath, os.Getenv(envPrefix+"EVENT_JSON_PATH"), cfg.Events.JSONPath)
	cfg.Events.Postgres.DSN = firstNonEmpty(f.postgresDSN, os.Getenv(envPrefix+"POSTGRES_DSN"), os.Getenv("DATABASE_URL"), cfg.Events.Postgres.DSN)
	if cfg.Events.Store == "none" && f.storeDriver == "" && os.Getenv(envPrefix+"EVENT_STORE") == "" && cfg.Events.Postgres.DSN != "" {
		cfg.Events.Store = "postgres"
	}

	cfg.Logging.Level = firstNonEmpty(f.logLevel, os.Getenv(envPrefix+"LOG_LEVEL"), cfg.Logging.Level)
	cfg.Logging.Format = firstNonEmpty(f.logFormat, os.Getenv(envPrefix+"LOG_FORMAT"), cfg.Logging.Format)
}

// run wires every component and blocks until ctx is cancelled or the HTTP
// server fails.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	recorder := metrics.Default()

	engine := local.New(local.WithLogger(logger), local.WithRecorder(recorder))
	defer engine.Close()

	queue, err := configureQueue(ctx, cfg.Events, logger)
	if err != nil {
		return fmt.Errorf("event queue: %w", err)
	}
	defer queue.Close()
	publisher := events.NewPublisher(queue, logging.WithComponent(logger, "events"), recorder)

	store, err := configureStore(ctx, cfg.Events)
	if err != nil {
		return fmt.Errorf("event store: %w", err)
	}
	if store != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.Close(closeCtx); err != nil {
				logger.Warn("event store close failed", "error", err)
			}
		}()
	}

	registry := stream.NewRegistry(stream.Config{
		Logger:   logger,
		Recorder: recorder,
		OnRemove: func(id stream.ID, clientID string, cause stream.RemovalCause) {
			publisher.Publish(context.Background(), events.Event{Type: events.ClientRemoved, StreamID: id, ClientID: clientID, Detail: string(cause)})
		},
	})

	orchestrator, err := bootstrap.New(bootstrap.Options{
		Engine:    engine,
		Registry:  registry,
		Launcher:  configureLauncher(cfg.Ingest, publisher, logger, recorder),
		Publisher: publisher,
		Logger:    logger,
		Recorder:  recorder,
	})
	if err != nil {
		return err
	}
	result, err := orchestrator.Run(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	logger.Info("streams ready", "streams", len(result.Streams), "workers", len(result.Workers))

	protocol, err := signaling.NewProtocol(signaling.ProtocolConfig{
		Registry:        registry,
		Publisher:       publisher,
		Logger:          logger,
		Recorder:        recorder,
		TransportConfig: transportConfig(cfg.Media),
		ErrorResponses:  cfg.Signaling.ErrorResponses,
	})
	if err != nil {
		result.Close()
		return err
	}
	origins, err := server.NewOriginPolicy(cfg.Server.AllowedOrigins)
	if err != nil {
		result.Close()
		return err
	}
	sc := cfg.Signaling
	gateway, err := signaling.NewGateway(signaling.GatewayConfig{
		Protocol:        protocol,
		Logger:          logger,
		Recorder:        recorder,
		AuthTimeout:     sc.AuthTimeout,
		MessageRate:     sc.MessageRate,
		MessageBurst:    sc.MessageBurst,
		MaxSessions:     sc.MaxSessions,
		MaxMessageBytes: sc.MaxMessageBytes,
		SendBuffer:      sc.SendBuffer,
		PingInterval:    sc.PingInterval,
		PongTimeout:     sc.PongTimeout,
		WriteTimeout:    sc.WriteTimeout,
		CheckOrigin:     origins.CheckOrigin,
	})
	if err != nil {
		result.Close()
		return err
	}

	rl := cfg.Server.RateLimit
	srv, err := server.New(server.Config{
		Addr:      cfg.Server.Addr,
		TLS:       server.TLSConfig{CertFile: cfg.Server.TLSCertFile, KeyFile: cfg.Server.TLSKeyFile},
		Logger:    logger,
		Metrics:   recorder,
		Signaling: gateway,
		Streams:   registry,
		Events:    store,
		Origins:   origins,
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     rl.GlobalRPS,
			GlobalBurst:   rl.GlobalBurst,
			ConnectLimit:  rl.ConnectLimit,
			ConnectWindow: rl.ConnectWindow,
			RedisAddr:     rl.RedisAddr,
			RedisPassword: rl.RedisPassword,
			RedisTimeout:  rl.RedisTimeout,
		},
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	})
	if err != nil {
		result.Close()
		return err
	}
	defer srv.Close()
	srv.HTTPServer().RegisterOnShutdown(gateway.Shutdown)

	g, gctx := errgroup.WithContext(ctx)
	if store != nil {
		worker := storage.NewEventWorker(store, queue, logger, recorder)
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		tlsCfg := srv.TLS()
		return serverutil.Run(gctx, serverutil.Config{
			Server:          srv.HTTPServer(),
			TLS:             serverutil.TLSConfig{CertFile: tlsCfg.CertFile, KeyFile: tlsCfg.KeyFile},
			Logger:          logger,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		})
	})
	g.Go(func() error {
		// Ingest processes and workers outlive the HTTP server only until
		// the group is cancelled.
		<-gctx.Done()
		result.Close()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func configureQueue(ctx context.Context, cfg config.EventsConfig, logger *slog.Logger) (events.Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Queue)) {
	case "redis":
		rc := cfg.Redis
		return events.NewRedisQueue(ctx, events.RedisQueueConfig{
			Addr:         rc.Addr,
			Addrs:        rc.Addrs,
			MasterName:   rc.MasterName,
			Username:     rc.Username,
			Password:     rc.Password,
			Stream:       rc.Stream,
			Group:        rc.Group,
			MaxLen:       rc.MaxLen,
			Buffer:       cfg.Buffer,
			PoolSize:     rc.PoolSize,
			BlockTimeout: rc.BlockTimeout,
			TLS: events.RedisTLSConfig{
				CAFile:             rc.TLSCAFile,
				CertFile:           rc.TLSCertFile,
				KeyFile:            rc.TLSKeyFile,
				InsecureSkipVerify: rc.TLSInsecure,
			},
			Logger: logging.WithComponent(logger, "event-queue"),
		})
	case "", "memory":
		return events.NewMemoryQueue(cfg.Buffer), nil
	default:
		return nil, fmt.Errorf("unsupported event queue driver %q", cfg.Queue)
	}
}

// configureStore returns nil for the "none" driver.
func configureStore(ctx context.Context, cfg config.EventsConfig) (storage.Repository, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Store)) {
	case "", "none":
		return nil, nil
	case "json":
		repo, err := storage.NewJSONRepository(cfg.JSONPath, storage.WithMaxEvents(cfg.JSONMaxEvents))
		if err != nil {
			return nil, err
		}
		return repo, nil
	case "postgres":
		pc := cfg.Postgres
		repo, err := storage.NewPostgresRepository(ctx, pc.DSN,
			storage.WithPostgresPoolLimits(pc.MaxConns, pc.MinConns),
			storage.WithPostgresPoolDurations(pc.MaxConnLifetime, pc.MaxConnIdleTime, pc.HealthCheckPeriod),
			storage.WithPostgresAcquireTimeout(pc.AcquireTimeout),
			storage.WithPostgresApplicationName(pc.ApplicationName),
		)
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported event store driver %q", cfg.Store)
	}
}

func configureLauncher(cfg config.IngestConfig, publisher *events.Publisher, logger *slog.Logger, recorder *metrics.Recorder) ingest.Launcher {
	if cfg.Driver != "ffmpeg" {
		return ingest.NoopLauncher{}
	}
	return ingest.NewFFmpegLauncher(ingest.FFmpegOptions{
		Binary:       cfg.Binary,
		IncludeAudio: cfg.IncludeAudio,
		RestartDelay: cfg.RestartDelay,
		Logger:       logging.WithComponent(logger, "ingest"),
		Recorder:     recorder,
		OnExit: func(job ingest.Job, err error) {
			evt := events.Event{Type: events.IngestExited, StreamID: job.StreamID}
			if err != nil {
				evt.Detail = err.Error()
			}
			publisher.Publish(context.Background(), evt)
		},
	})
}

func transportConfig(mc config.MediaConfig) media.WebRTCTransportConfig {
	ips := make([]media.ListenIP, 0, len(mc.ListenIPs))
	for _, ip := range mc.ListenIPs {
		ips = append(ips, media.ListenIP{IP: ip.IP, AnnouncedIP: ip.AnnouncedIP})
	}
	return media.WebRTCTransportConfig{
		ListenIPs: ips,
		EnableUDP: mc.EnableUDP,
		EnableTCP: mc.EnableTCP,
		PreferUDP: mc.PreferUDP,
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
