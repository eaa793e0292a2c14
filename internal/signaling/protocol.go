package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitriver-relay/internal/events"
	"bitriver-relay/internal/media"
	"bitriver-relay/internal/stream"
)

// Handle processes one message received after authentication. Failures are
// logged, counted and, when enabled, answered with an error message; the
// returned error is the same failure for callers that want it. The
// connection stays open either way.
func (a *AuthenticatedSession) Handle(ctx context.Context, payload []byte) error {
	var msg Inbound
	if err := json.Unmarshal(payload, &msg); err != nil {
		return a.fail(ctx, "", nil, badRequest("invalid payload"))
	}
	started := time.Now()
	err := a.dispatch(ctx, msg)
	if err != nil {
		return a.fail(ctx, msg.Action, msg.StreamID, err)
	}
	a.protocol.recorder.ObserveMessage(actionLabel(msg.Action), "ok")
	a.logger.Debug("signaling message handled", "action", msg.Action, "duration", time.Since(started))
	return nil
}

func (a *AuthenticatedSession) dispatch(ctx context.Context, msg Inbound) error {
	switch msg.Action {
	case ActionCreateConsumerTransport:
		return a.createConsumerTransport(ctx, msg)
	case ActionConnectConsumerTransport:
		return a.connectConsumerTransport(ctx, msg)
	case ActionReadyForConsume:
		return a.readyForConsume()
	case ActionConsume:
		return a.consume(ctx, msg)
	case ActionResume:
		return a.resume(ctx, msg)
	case ActionClientConnect:
		return badRequest("session already authenticated")
	case "":
		return badRequest("action is required")
	default:
		return badRequest("unknown action %q", msg.Action)
	}
}

// RateLimited reports a message dropped by the connection's limiter.
func (a *AuthenticatedSession) RateLimited(ctx context.Context, err error) error {
	return a.fail(ctx, "", nil, fmt.Errorf("%w: %v", ErrRateLimited, err))
}

func (a *AuthenticatedSession) fail(ctx context.Context, action string, streamID *stream.ID, err error) error {
	p := a.protocol
	code := ErrorCode(err)
	label := actionLabel(action)
	p.recorder.ObserveMessage(label, code)
	logger := a.logger.With("action", action, "code", code)
	if streamID != nil {
		logger = logger.With("stream_id", streamID.String())
	}
	if code == CodeEngineFailure {
		logger.Error("signaling request failed", "error", err)
	} else {
		logger.Warn("signaling request rejected", "error", err)
	}

	evt := events.Event{Type: events.RequestFailed, SessionID: a.id, ClientID: a.clientID, Detail: code + ": " + label}
	if streamID != nil {
		evt.StreamID = *streamID
	}
	p.publisher.Publish(ctx, evt)

	if p.errorResponses {
		reply := Outbound{Action: ActionError, Code: code, Message: err.Error(), RequestAction: action}
		if sendErr := a.sender.Send(reply); sendErr != nil {
			logger.Debug("error response not delivered", "error", sendErr)
		}
	}
	return err
}

// lookup resolves the stream a message targets and records it as touched so
// that the client is removed from it on close.
func (a *AuthenticatedSession) lookup(msg Inbound) (*stream.Stream, error) {
	if msg.StreamID == nil {
		return nil, badRequest("streamId is required")
	}
	st, ok := a.protocol.registry.Get(*msg.StreamID)
	if !ok {
		return nil, fmt.Errorf("stream %d: %w", *msg.StreamID, stream.ErrStreamNotFound)
	}
	a.touched[st.ID()] = struct{}{}
	return st, nil
}

func (a *AuthenticatedSession) engineCall(op string, fn func() error) error {
	started := time.Now()
	err := fn()
	a.protocol.recorder.ObserveEngineCall(op, time.Since(started), err)
	return err
}

func (a *AuthenticatedSession) createConsumerTransport(ctx context.Context, msg Inbound) error {
	p := a.protocol
	st, err := a.lookup(msg)
	if err != nil {
		return err
	}
	cfg := p.transportConfig
	cfg.AppData = map[string]any{"clientId": a.clientID, "streamId": int(st.ID())}

	var transport media.WebRTCTransport
	err = a.engineCall("create_webrtc_transport", func() error {
		var err error
		transport, err = st.Router().CreateWebRTCTransport(ctx, cfg)
		return err
	})
	if err != nil {
		return fmt.Errorf("create consumer transport: %w", err)
	}
	if err := p.registry.RegisterConsumerTransport(st.ID(), a.clientID, transport); err != nil {
		_ = transport.Close()
		return err
	}

	params := transport.Params()
	a.logger.Info("consumer transport created", "stream_id", st.ID().String(), "transport_id", transport.ID())
	p.publisher.Publish(ctx, events.Event{Type: events.TransportCreated, SessionID: a.id, ClientID: a.clientID, StreamID: st.ID(), ResourceID: transport.ID()})
	return a.sender.Send(Outbound{Action: ActionConsumerTransportCreated, Params: params})
}

func (a *AuthenticatedSession) connectConsumerTransport(ctx context.Context, msg Inbound) error {
	p := a.protocol
	st, err := a.lookup(msg)
	if err != nil {
		return err
	}
	if msg.DTLSParameters == nil {
		return badRequest("dtlsParameters are required")
	}
	transport, ok := p.registry.GetConsumerTransport(st.ID(), a.clientID)
	if !ok {
		return stream.ErrTransportNotFound
	}
	err = a.engineCall("connect_webrtc_transport", func() error {
		return transport.Connect(ctx, *msg.DTLSParameters)
	})
	if err != nil {
		return fmt.Errorf("connect consumer transport: %w", err)
	}
	a.logger.Info("consumer transport connected", "stream_id", st.ID().String(), "transport_id", transport.ID())
	p.publisher.Publish(ctx, events.Event{Type: events.TransportConnected, SessionID: a.id, ClientID: a.clientID, StreamID: st.ID(), ResourceID: transport.ID()})
	return nil
}

// readyForConsume always announces the video producer; clients request audio
// on their own.
func (a *AuthenticatedSession) readyForConsume() error {
	return a.sender.Send(Outbound{Action: ActionProducers, Kind: string(media.KindVideo)})
}

func (a *AuthenticatedSession) consume(ctx context.Context, msg Inbound) error {
	p := a.protocol
	st, err := a.lookup(msg)
	if err != nil {
		return err
	}
	kind, err := media.ParseKind(msg.Kind)
	if err != nil {
		return badRequest("%v", err)
	}
	if msg.RTPCapabilities == nil {
		return badRequest("rtpCapabilities are required")
	}
	transport, ok := p.registry.GetConsumerTransport(st.ID(), a.clientID)
	if !ok {
		return stream.ErrTransportNotFound
	}
	producer, ok := st.Producer(kind)
	if !ok {
		return fmt.Errorf("%s: %w", kind, media.ErrProducerNotFound)
	}
	if !st.Router().CanConsume(producer.ID(), *msg.RTPCapabilities) {
		return fmt.Errorf("%s producer %s: %w", kind, producer.ID(), media.ErrIncompatibleCapabilities)
	}

	var consumer media.Consumer
	err = a.engineCall("consume", func() error {
		var err error
		consumer, err = transport.Consume(ctx, media.ConsumeOptions{
			ProducerID:      producer.ID(),
			RTPCapabilities: *msg.RTPCapabilities,
			// Video starts paused until the client resumes it.
			Paused:  kind == media.KindVideo,
			AppData: map[string]any{"clientId": a.clientID},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", kind, err)
	}
	if err := p.registry.RegisterConsumer(st.ID(), a.clientID, kind, consumer); err != nil {
		_ = consumer.Close()
		return err
	}

	p.recorder.ObserveConsumer(string(kind))
	a.logger.Info("consumer created", "stream_id", st.ID().String(), "kind", kind, "consumer_id", consumer.ID())
	p.publisher.Publish(ctx, events.Event{Type: events.ConsumerCreated, SessionID: a.id, ClientID: a.clientID, StreamID: st.ID(), Kind: string(kind), ResourceID: consumer.ID()})
	return a.sender.Send(Outbound{Action: ActionConsumed, Params: ConsumedParams{
		ID:             consumer.ID(),
		ProducerID:     producer.ID(),
		Kind:           consumer.Kind(),
		RTPParameters:  consumer.RTPParameters(),
		Type:           consumer.Type(),
		ProducerPaused: consumer.Paused(),
		AppData:        map[string]any{"clientId": a.clientID},
	}})
}

func (a *AuthenticatedSession) resume(ctx context.Context, msg Inbound) error {
	p := a.protocol
	st, err := a.lookup(msg)
	if err != nil {
		return err
	}
	kind, err := media.ParseKind(msg.Kind)
	if err != nil {
		return badRequest("%v", err)
	}
	consumer, ok := p.registry.GetConsumer(st.ID(), a.clientID, kind)
	if !ok {
		return fmt.Errorf("%s: %w", kind, stream.ErrConsumerNotFound)
	}
	err = a.engineCall("resume_consumer", func() error {
		return consumer.Resume(ctx)
	})
	if err != nil {
		if errors.Is(err, media.ErrClosed) {
			return fmt.Errorf("%s: %w", kind, stream.ErrConsumerNotFound)
		}
		return fmt.Errorf("resume %s: %w", kind, err)
	}
	a.logger.Info("consumer resumed", "stream_id", st.ID().String(), "kind", kind, "consumer_id", consumer.ID())
	p.publisher.Publish(ctx, events.Event{Type: events.ConsumerResumed, SessionID: a.id, ClientID: a.clientID, StreamID: st.ID(), Kind: string(kind), ResourceID: consumer.ID()})
	return nil
}
