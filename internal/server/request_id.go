package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"bitriver-relay/internal/observability/logging"
)

type idGenerator func() string

func requestIDMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return requestIDMiddlewareWithGenerator(logger, uuid.NewString, next)
}

func requestIDMiddlewareWithGenerator(logger *slog.Logger, generator idGenerator, next http.Handler) http.Handler {
	if generator == nil {
		generator = uuid.NewString
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if requestID == "" {
			requestID = generator()
		}
		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		if streamID := strings.TrimSpace(r.URL.Query().Get("stream")); streamID != "" {
			ctx = logging.ContextWithStreamID(ctx, streamID)
		}
		ctx = logging.ContextWithLogger(ctx, logging.WithContext(ctx, logger))

		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggerWithRequestContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if ctxLogger := logging.LoggerFromContext(ctx); ctxLogger != nil {
		return ctxLogger
	}
	return logging.WithContext(ctx, logger)
}

// loggerFromRequest returns the request-scoped logger annotated with the
// path and client address.
func loggerFromRequest(r *http.Request, base *slog.Logger) *slog.Logger {
	return loggerWithRequestContext(r.Context(), base).With("path", r.URL.Path, "remote_ip", extractClientIP(r))
}
