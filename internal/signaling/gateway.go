package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"bitriver-relay/internal/observability/logging"
	"bitriver-relay/internal/observability/metrics"
)

// DefaultAuthTimeout is how long a new connection may stay silent before it
// is closed.
const DefaultAuthTimeout = 1000 * time.Millisecond

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Protocol *Protocol
	Logger   *slog.Logger
	Recorder *metrics.Recorder

	// AuthTimeout bounds the wait for the first message.
	AuthTimeout time.Duration
	// MessageRate limits messages per second after authentication. Zero
	// disables the limiter.
	MessageRate  float64
	MessageBurst int
	// MaxRateWait is how long a message may queue behind the limiter before
	// it is rejected.
	MaxRateWait time.Duration
	// MaxSessions caps concurrent connections. Zero means unlimited.
	MaxSessions     int
	MaxMessageBytes int64
	SendBuffer      int
	// PingInterval controls heartbeat pings; PongTimeout is the read deadline
	// a pong extends. A zero PingInterval disables heartbeats.
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	// CheckOrigin vets the Origin header of upgrade requests. Nil accepts
	// every origin.
	CheckOrigin func(r *http.Request) bool
}

// Gateway accepts signaling WebSocket connections.
type Gateway struct {
	protocol *Protocol
	logger   *slog.Logger
	recorder *metrics.Recorder
	upgrader websocket.Upgrader
	sessions *semaphore.Weighted

	authTimeout     time.Duration
	messageRate     float64
	messageBurst    int
	maxRateWait     time.Duration
	maxMessageBytes int64
	sendBuffer      int
	pingInterval    time.Duration
	pongTimeout     time.Duration
	writeTimeout    time.Duration

	mu       sync.Mutex
	conns    map[*connection]struct{}
	draining bool
}

// NewGateway applies defaults to cfg and returns a Gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Protocol == nil {
		return nil, errors.New("signaling: protocol is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		protocol:        cfg.Protocol,
		logger:          logging.WithComponent(logger, "signaling"),
		recorder:        cfg.Recorder,
		authTimeout:     cfg.AuthTimeout,
		messageRate:     cfg.MessageRate,
		messageBurst:    cfg.MessageBurst,
		maxRateWait:     cfg.MaxRateWait,
		maxMessageBytes: cfg.MaxMessageBytes,
		sendBuffer:      cfg.SendBuffer,
		pingInterval:    cfg.PingInterval,
		pongTimeout:     cfg.PongTimeout,
		writeTimeout:    cfg.WriteTimeout,
		conns:           make(map[*connection]struct{}),
	}
	if g.authTimeout <= 0 {
		g.authTimeout = DefaultAuthTimeout
	}
	if g.messageBurst < 1 {
		g.messageBurst = 1
	}
	if g.maxRateWait <= 0 {
		g.maxRateWait = time.Second
	}
	if g.maxMessageBytes <= 0 {
		g.maxMessageBytes = 64 << 10
	}
	if g.sendBuffer <= 0 {
		g.sendBuffer = 32
	}
	if g.writeTimeout <= 0 {
		g.writeTimeout = 10 * time.Second
	}
	if g.pingInterval > 0 && g.pongTimeout <= g.pingInterval {
		g.pongTimeout = 2 * g.pingInterval
	}
	if cfg.MaxSessions > 0 {
		g.sessions = semaphore.NewWeighted(int64(cfg.MaxSessions))
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}
	return g, nil
}

// ServeHTTP upgrades the request and runs the session until the connection
// closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.isDraining() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if g.sessions != nil && !g.sessions.TryAcquire(1) {
		g.logger.Warn("session limit reached", "remote", r.RemoteAddr)
		http.Error(w, "too many sessions", http.StatusServiceUnavailable)
		return
	}
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		g.release()
		g.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer g.release()

	sessionID := uuid.NewString()
	ctx := logging.ContextWithSessionID(context.Background(), sessionID)
	c := newConnection(g, ws, sessionID)
	if !g.track(c) {
		c.close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer g.untrack(c)
	g.recorder.SessionOpened()
	defer g.recorder.SessionClosed()
	c.serve(ctx)
}

// Shutdown closes every open session with a going-away frame and refuses new
// connections. Hijacked sockets are invisible to http.Server.Shutdown, so
// it is registered through RegisterOnShutdown.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	g.draining = true
	conns := make([]*connection, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()
	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	if len(conns) > 0 {
		g.logger.Info("closed signaling sessions for shutdown", "sessions", len(conns))
	}
}

// Sessions reports the number of open connections.
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func (g *Gateway) isDraining() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.draining
}

func (g *Gateway) track(c *connection) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining {
		return false
	}
	g.conns[c] = struct{}{}
	return true
}

func (g *Gateway) untrack(c *connection) {
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
}

func (g *Gateway) release() {
	if g.sessions != nil {
		g.sessions.Release(1)
	}
}

func (g *Gateway) newLimiter() *rate.Limiter {
	if g.messageRate <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(g.messageRate), g.messageBurst)
}
