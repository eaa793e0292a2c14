package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	stateConnecting int32 = iota
	stateFirstMessage
	stateClosed
)

// connection carries one WebSocket. serve runs the read loop on the calling
// goroutine; writeLoop owns all data frames.
type connection struct {
	gateway *Gateway
	ws      *websocket.Conn
	id      string
	logger  *slog.Logger

	state   atomic.Int32
	send    chan []byte
	done    chan struct{}
	closing sync.Once
	written chan struct{}
}

func newConnection(g *Gateway, ws *websocket.Conn, id string) *connection {
	return &connection{
		gateway: g,
		ws:      ws,
		id:      id,
		logger:  g.logger.With("session_id", id, "remote", ws.RemoteAddr().String()),
		send:    make(chan []byte, g.sendBuffer),
		done:    make(chan struct{}),
		written: make(chan struct{}),
	}
}

// Send implements Sender. It blocks while the send buffer is full so replies
// keep their order.
func (c *connection) Send(msg Outbound) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return websocket.ErrCloseSent
	}
}

func (c *connection) serve(ctx context.Context) {
	g := c.gateway
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.ws.SetReadLimit(g.maxMessageBytes)
	if g.pingInterval > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(g.pongTimeout))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(g.pongTimeout))
		})
	}
	go c.writeLoop()
	defer func() {
		c.close(websocket.CloseNormalClosure, "")
		<-c.written
	}()

	session := g.protocol.NewSession(c.id, c)
	timer := time.AfterFunc(g.authTimeout, func() {
		if c.state.CompareAndSwap(stateConnecting, stateClosed) {
			c.logger.Warn("client did not authenticate in time")
			g.recorder.ObserveAuthentication("timeout")
			c.close(websocket.ClosePolicyViolation, "authentication timeout")
		}
	})
	defer timer.Stop()

	_, payload, err := c.ws.ReadMessage()
	if err != nil || !c.state.CompareAndSwap(stateConnecting, stateFirstMessage) {
		return
	}
	timer.Stop()

	authed, err := session.Authenticate(ctx, payload)
	if err != nil {
		c.close(websocket.ClosePolicyViolation, "authentication failed")
		return
	}
	defer authed.Close(context.WithoutCancel(ctx))

	limiter := g.newLimiter()
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		if err := c.wait(ctx, limiter); err != nil {
			_ = authed.RateLimited(ctx, err)
			continue
		}
		_ = authed.Handle(ctx, payload)
	}
}

// wait applies the limiter. Messages are handled in arrival order, so a
// burst delays later messages instead of reordering them.
func (c *connection) wait(ctx context.Context, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.gateway.maxRateWait)
	defer cancel()
	return limiter.Wait(waitCtx)
}

func (c *connection) writeLoop() {
	defer close(c.written)
	g := c.gateway
	var ping <-chan time.Time
	if g.pingInterval > 0 {
		ticker := time.NewTicker(g.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	for {
		select {
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(g.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ping:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.writeTimeout)); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			return
		}
	}
}

// close sends a close frame and tears the socket down, which also unblocks a
// pending read.
func (c *connection) close(code int, reason string) {
	c.closing.Do(func() {
		c.state.Store(stateClosed)
		close(c.done)
		if code != websocket.CloseAbnormalClosure {
			msg := websocket.FormatCloseMessage(code, reason)
			if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				c.logger.Debug("websocket close frame failed", "error", err)
			}
		}
		_ = c.ws.Close()
	})
}
