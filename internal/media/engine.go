package media

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by operations on a handle that has been closed.
	ErrClosed = errors.New("media handle closed")
	// ErrIncompatibleCapabilities is returned when a client cannot receive a producer's codec.
	ErrIncompatibleCapabilities = errors.New("rtp capabilities incompatible with producer")
	// ErrProducerNotFound is returned when a consumer references an unknown producer.
	ErrProducerNotFound = errors.New("producer not found")
)

// Engine creates media workers.
type Engine interface {
	CreateWorker(ctx context.Context, cfg WorkerConfig) (Worker, error)
}

// Worker hosts routers.
type Worker interface {
	ID() string
	CreateRouter(ctx context.Context, cfg RouterConfig) (Router, error)
	Close() error
}

// Router scopes codec capabilities and the producer/consumer relationships of
// one stream.
type Router interface {
	ID() string
	RTPCapabilities() RTPCapabilities
	CreatePlainTransport(ctx context.Context, cfg PlainTransportConfig) (PlainTransport, error)
	CreateWebRTCTransport(ctx context.Context, cfg WebRTCTransportConfig) (WebRTCTransport, error)
	CanConsume(producerID string, caps RTPCapabilities) bool
	Close() error
}

// Closable is implemented by every handle whose teardown other components
// observe.
//
// OnClose registers fn to run once after the handle closes and returns a
// function that cancels the registration. If the handle is already closed fn
// runs immediately on the calling goroutine. Observers run without any engine
// lock held, so they may call back into the engine.
type Closable interface {
	Close() error
	Closed() bool
	OnClose(fn func()) (unsubscribe func())
}

// Transport is a network endpoint owned by a router.
type Transport interface {
	Closable
	ID() string
}

// PlainTransport receives RTP from the ingest process.
type PlainTransport interface {
	Transport
	Tuple() TransportTuple
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
}

// WebRTCTransport delivers media to one client.
type WebRTCTransport interface {
	Transport
	Params() TransportParams
	Connect(ctx context.Context, dtls DTLSParameters) error
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
}

// Producer is one inbound media flow.
type Producer interface {
	Closable
	ID() string
	Kind() Kind
	RTPParameters() RTPParameters
}

// Consumer is one outbound media flow to a client.
type Consumer interface {
	Closable
	ID() string
	ProducerID() string
	Kind() Kind
	Type() string
	RTPParameters() RTPParameters
	Paused() bool
	Resume(ctx context.Context) error
}
