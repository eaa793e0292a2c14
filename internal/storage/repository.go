package storage

import (
	"context"
	"errors"

	"bitriver-relay/internal/events"
	"bitriver-relay/internal/stream"
)

const (
	// DefaultRecentLimit is used when a Filter does not set Limit.
	DefaultRecentLimit = 50
	// MaxRecentLimit caps the number of events a single Recent call returns.
	MaxRecentLimit = 500
)

// ErrInvalidEvent is returned by Append for events without an ID or type.
var ErrInvalidEvent = errors.New("invalid event")

// Filter narrows Recent. A nil StreamID matches every stream.
type Filter struct {
	StreamID *stream.ID
	Limit    int
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultRecentLimit
	case f.Limit > MaxRecentLimit:
		return MaxRecentLimit
	default:
		return f.Limit
	}
}

func (f Filter) matches(evt events.Event) bool {
	return f.StreamID == nil || evt.StreamID == *f.StreamID
}

// Repository persists the session audit trail. Append must be idempotent by
// event ID because queues redeliver.
type Repository interface {
	Ping(ctx context.Context) error
	Append(ctx context.Context, evt events.Event) error
	// Recent returns matching events, newest first.
	Recent(ctx context.Context, filter Filter) ([]events.Event, error)
	Close(ctx context.Context) error
}

func validateEvent(evt events.Event) error {
	if evt.ID == "" {
		return errors.Join(ErrInvalidEvent, errors.New("id is required"))
	}
	if evt.Type == "" {
		return errors.Join(ErrInvalidEvent, errors.New("type is required"))
	}
	return nil
}

// NopRepository discards events.
type NopRepository struct{}

func (NopRepository) Ping(context.Context) error                 { return nil }
func (NopRepository) Append(context.Context, events.Event) error { return nil }
func (NopRepository) Close(context.Context) error                { return nil }

func (NopRepository) Recent(context.Context, Filter) ([]events.Event, error) {
	return nil, nil
}
