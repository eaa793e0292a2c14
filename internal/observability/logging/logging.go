package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"bitriver-relay/internal/observability/metrics"
)

type Config struct {
	Level  string
	Format string
	Writer io.Writer
}

type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Init builds a logger from cfg and installs it as the slog default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New builds a structured logger. JSON is the default format and stdout the
// default writer.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	options := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	switch LogFormat(strings.ToLower(strings.TrimSpace(cfg.Format))) {
	case FormatText:
		return slog.New(slog.NewTextHandler(writer, options))
	default:
		return slog.New(slog.NewJSONHandler(writer, options))
	}
}

// Discard returns a logger that drops every record. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func parseLevel(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent annotates logger with a component field.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	sessionIDKey contextKey = "session_id"
	clientIDKey  contextKey = "client_id"
	streamIDKey  contextKey = "stream_id"
	loggerKey    contextKey = "logger"
)

var contextFields = []contextKey{requestIDKey, sessionIDKey, clientIDKey, streamIDKey}

func withValue(ctx context.Context, key contextKey, value string) context.Context {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ctx
	}
	return context.WithValue(ctx, key, trimmed)
}

func valueFrom(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(key).(string)
	return value, ok && value != ""
}

// ContextWithRequestID stores a non-empty HTTP request ID on ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return withValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request ID stored on ctx.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	return valueFrom(ctx, requestIDKey)
}

// ContextWithSessionID stores a non-empty signaling session ID on ctx.
func ContextWithSessionID(ctx context.Context, id string) context.Context {
	return withValue(ctx, sessionIDKey, id)
}

// SessionIDFromContext returns the signaling session ID stored on ctx.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	return valueFrom(ctx, sessionIDKey)
}

// ContextWithClientID stores the authenticated client ID on ctx.
func ContextWithClientID(ctx context.Context, id string) context.Context {
	return withValue(ctx, clientIDKey, id)
}

// ClientIDFromContext returns the authenticated client ID stored on ctx.
func ClientIDFromContext(ctx context.Context) (string, bool) {
	return valueFrom(ctx, clientIDKey)
}

// ContextWithStreamID stores a non-empty stream ID on ctx.
func ContextWithStreamID(ctx context.Context, id string) context.Context {
	return withValue(ctx, streamIDKey, id)
}

// StreamIDFromContext returns the stream ID stored on ctx.
func StreamIDFromContext(ctx context.Context) (string, bool) {
	return valueFrom(ctx, streamIDKey)
}

// ContextWithLogger attaches logger to ctx.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext returns the logger attached to ctx, if any.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return nil
}

// WithContext annotates logger with the identifiers held in ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	for _, key := range contextFields {
		if value, ok := valueFrom(ctx, key); ok {
			logger = logger.With(string(key), value)
		}
	}
	return logger
}

// RequestLoggerConfig configures RequestLogger.
type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	AdditionalFields  func(*http.Request, int, time.Duration) []any
}

// RequestLogger logs method, path, status and duration of each request.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	baseLogger := cfg.Logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := metrics.NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(recorder, r)

			duration := time.Since(start)
			requestLogger := WithContext(r.Context(), baseLogger)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.Status(),
				"duration_ms", duration.Milliseconds(),
			}
			if !cfg.DisableRemoteAddr {
				attrs = append(attrs, "remote_addr", r.RemoteAddr)
			}
			if cfg.AdditionalFields != nil {
				attrs = append(attrs, cfg.AdditionalFields(r, recorder.Status(), duration)...)
			}
			requestLogger.Info("request completed", attrs...)
		})
	}
}
