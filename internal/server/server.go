package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"bitriver-relay/internal/observability/logging"
	"bitriver-relay/internal/observability/metrics"
	"bitriver-relay/internal/storage"
	"bitriver-relay/internal/stream"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	Signaling http.Handler
	Streams   *stream.Registry
	// Events backs GET /api/events. Nil serves an empty list.
	Events    storage.Repository
	Origins   *OriginPolicy
	RateLimit RateLimitConfig
	Security  SecurityConfig

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
	tlsCertFile string
	tlsKeyFile  string
}

func New(cfg Config) (*Server, error) {
	if cfg.Signaling == nil {
		return nil, errors.New("signaling handler is required")
	}
	if cfg.Streams == nil {
		return nil, errors.New("stream registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "http")
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	origins := cfg.Origins
	if origins == nil {
		origins = &OriginPolicy{allowed: map[string]struct{}{}}
	}
	rl := newRateLimiter(cfg.RateLimit)

	h := &handlers{streams: cfg.Streams, events: cfg.Events, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/api/streams", h.listStreams)
	mux.HandleFunc("/api/streams/", h.getStream)
	mux.HandleFunc("/api/events", h.listEvents)
	signaling := connectLimitMiddleware(rl, logger, cfg.Signaling)
	mux.Handle("/ws", signaling)
	mux.Handle("/", rootHandler(signaling))

	handlerChain := http.Handler(mux)
	handlerChain = corsMiddleware(origins, logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = rateLimitMiddleware(rl, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:            logger,
		DisableRemoteAddr: true,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			return []any{"remote_ip", extractClientIP(r)}
		},
	})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      logger,
		metrics:     recorder,
		rateLimiter: rl,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}
	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// HTTPServer exposes the configured server for serverutil.Run.
func (s *Server) HTTPServer() *http.Server { return s.httpServer }

// Handler is the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) TLS() TLSConfig {
	return TLSConfig{CertFile: s.tlsCertFile, KeyFile: s.tlsKeyFile}
}

// Close releases the rate limiter's Redis client, if any.
func (s *Server) Close() error {
	return s.rateLimiter.Close()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// rootHandler upgrades WebSocket requests on "/" and answers everything else
// with 404.
func rootHandler(signaling http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" && isWebSocketUpgrade(r) {
			signaling.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s not found", r.URL.Path))
	})
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}
	return clientIP(r.RemoteAddr)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
