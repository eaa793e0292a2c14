package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bitriver-relay/internal/observability/metrics"
)

// Publisher stamps events and hands them to a Queue without letting queue
// failures reach the caller. A nil Publisher discards events.
type Publisher struct {
	queue    Queue
	logger   *slog.Logger
	recorder *metrics.Recorder
	timeout  time.Duration
	now      func() time.Time
}

// NewPublisher wraps queue. A nil queue yields a Publisher that drops events.
func NewPublisher(queue Queue, logger *slog.Logger, recorder *metrics.Recorder) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		queue:    queue,
		logger:   logger,
		recorder: recorder,
		timeout:  2 * time.Second,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Publish assigns an ID and timestamp when missing and enqueues the event.
// Errors are logged and counted.
func (p *Publisher) Publish(ctx context.Context, event Event) {
	if p == nil || p.queue == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now()
	}
	// Session contexts end with the connection; the last events of a session
	// are still delivered.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	err := p.queue.Publish(publishCtx, event)
	p.recorder.ObserveSessionEvent(string(event.Type), err)
	if err != nil {
		p.logger.Warn("publish session event failed", "type", event.Type, "stream_id", event.StreamID, "client_id", event.ClientID, "error", err)
	}
}
