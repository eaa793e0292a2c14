package storage

import (
	"context"
	"log/slog"
	"time"

	"bitriver-relay/internal/events"
	"bitriver-relay/internal/observability/metrics"
)

// EventWorker drains an events.Queue into a Repository.
type EventWorker struct {
	queue    events.Queue
	store    Repository
	logger   *slog.Logger
	recorder *metrics.Recorder
	timeout  time.Duration
}

// NewEventWorker prepares a worker that persists events delivered via queue.
func NewEventWorker(store Repository, queue events.Queue, logger *slog.Logger, recorder *metrics.Recorder) *EventWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventWorker{queue: queue, store: store, logger: logger, recorder: recorder, timeout: 5 * time.Second}
}

// Run blocks until ctx is cancelled or the queue closes. Events that fail to
// persist are logged and dropped.
func (w *EventWorker) Run(ctx context.Context) {
	if w.queue == nil || w.store == nil {
		return
	}
	sub := w.queue.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			w.persist(ctx, evt)
		}
	}
}

func (w *EventWorker) persist(ctx context.Context, evt events.Event) {
	appendCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	started := time.Now()
	err := w.store.Append(appendCtx, evt)
	w.recorder.ObserveStoreWrite(time.Since(started), err)
	if err != nil {
		w.logger.Error("failed to persist session event", "id", evt.ID, "type", evt.Type, "error", err)
	}
}
