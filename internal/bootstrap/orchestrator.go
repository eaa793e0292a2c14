// Package bootstrap builds the relay's producer side at start-up: media
// workers, one router per stream, the plain ingest transport with its video
// and audio producers, and the ingest process feeding it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bitriver-relay/internal/config"
	"bitriver-relay/internal/events"
	"bitriver-relay/internal/ingest"
	"bitriver-relay/internal/media"
	"bitriver-relay/internal/observability/logging"
	"bitriver-relay/internal/observability/metrics"
	"bitriver-relay/internal/stream"
)

// Options wires the orchestrator's collaborators. Engine, Registry and
// Launcher are required.
type Options struct {
	Engine    media.Engine
	Registry  *stream.Registry
	Launcher  ingest.Launcher
	Publisher *events.Publisher
	Logger    *slog.Logger
	Recorder  *metrics.Recorder
}

// Orchestrator runs the one-time start-up sequence.
type Orchestrator struct {
	engine    media.Engine
	registry  *stream.Registry
	launcher  ingest.Launcher
	publisher *events.Publisher
	logger    *slog.Logger
	recorder  *metrics.Recorder
}

// New validates opts and returns an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Engine == nil {
		return nil, errors.New("bootstrap: media engine is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("bootstrap: stream registry is required")
	}
	if opts.Launcher == nil {
		return nil, errors.New("bootstrap: ingest launcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		engine:    opts.Engine,
		registry:  opts.Registry,
		launcher:  opts.Launcher,
		publisher: opts.Publisher,
		logger:    logging.WithComponent(logger, "bootstrap"),
		recorder:  opts.Recorder,
	}, nil
}

// Result holds what Run created.
type Result struct {
	Workers   []media.Worker
	Streams   []*stream.Stream
	Processes []ingest.Process
}

// Close stops the ingest processes and closes the workers, which releases
// every router and transport beneath them.
func (r *Result) Close() {
	if r == nil {
		return
	}
	for _, p := range r.Processes {
		p.Stop()
	}
	for _, w := range r.Workers {
		_ = w.Close()
	}
}

// Run creates every configured worker and stream in order. Streams are added
// to the registry as soon as they are complete, so sessions for early
// streams may start before later ones exist. A media engine failure aborts
// the sequence: streams already added are withdrawn from the registry and
// what was created is released. An ingest process that fails to start is
// logged; its stream stays registered.
func (o *Orchestrator) Run(ctx context.Context, cfg config.Config) (*Result, error) {
	result := &Result{}
	abort := func(err error) (*Result, error) {
		for _, st := range result.Streams {
			o.registry.Remove(st)
		}
		result.Close()
		o.logger.Error("bootstrap aborted", "streams_withdrawn", len(result.Streams), "error", err)
		return nil, err
	}
	for _, wc := range cfg.Workers {
		worker, err := o.createWorker(ctx, cfg.Media, wc)
		if err != nil {
			return abort(err)
		}
		result.Workers = append(result.Workers, worker)
		o.logger.Info("worker created", "worker_id", wc.ID, "worker", wc.Name, "engine_id", worker.ID())

		for _, sc := range wc.Streams {
			st, err := o.createStream(ctx, worker, cfg.Media, sc)
			if err != nil {
				return abort(fmt.Errorf("stream %d: %w", sc.ID, err))
			}
			if err := o.registry.Add(st); err != nil {
				return abort(fmt.Errorf("stream %d: %w", sc.ID, err))
			}
			result.Streams = append(result.Streams, st)

			if proc := o.startIngest(ctx, st, sc); proc != nil {
				result.Processes = append(result.Processes, proc)
			}
		}
	}
	return result, nil
}

func (o *Orchestrator) createWorker(ctx context.Context, mc config.MediaConfig, wc config.WorkerConfig) (media.Worker, error) {
	started := time.Now()
	worker, err := o.engine.CreateWorker(ctx, media.WorkerConfig{
		Name:       wc.Name,
		LogLevel:   mc.LogLevel,
		RTCMinPort: mc.RTCMinPort,
		RTCMaxPort: mc.RTCMaxPort,
	})
	o.recorder.ObserveEngineCall("create_worker", time.Since(started), err)
	if err != nil {
		return nil, fmt.Errorf("create worker %d: %w", wc.ID, err)
	}
	return worker, nil
}

func (o *Orchestrator) createStream(ctx context.Context, worker media.Worker, mc config.MediaConfig, sc config.StreamConfig) (*stream.Stream, error) {
	logger := o.logger.With("stream_id", sc.ID.String(), "stream", sc.Name)

	started := time.Now()
	router, err := worker.CreateRouter(ctx, media.RouterConfig{MediaCodecs: mc.Codecs})
	o.recorder.ObserveEngineCall("create_router", time.Since(started), err)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	logger.Info("router created", "router_id", router.ID())

	started = time.Now()
	transport, err := router.CreatePlainTransport(ctx, media.PlainTransportConfig{
		ListenIP: media.ListenIP{IP: sc.ListenIP},
		Port:     sc.Port,
		RTCPMux:  true,
		Comedia:  false,
	})
	o.recorder.ObserveEngineCall("create_plain_transport", time.Since(started), err)
	if err != nil {
		_ = router.Close()
		return nil, fmt.Errorf("create producer transport: %w", err)
	}
	logger.Info("producer transport created", "transport_id", transport.ID(), "port", sc.Port)

	video, err := o.produce(ctx, transport, mc.Codecs, media.KindVideo, sc.VideoPayloadType, sc.VideoSSRC)
	if err != nil {
		_ = router.Close()
		return nil, err
	}
	audio, err := o.produce(ctx, transport, mc.Codecs, media.KindAudio, sc.AudioPayloadType, sc.AudioSSRC)
	if err != nil {
		_ = router.Close()
		return nil, err
	}
	logger.Info("producers created", "video_producer_id", video.ID(), "audio_producer_id", audio.ID())

	st, err := stream.NewStream(sc.ID, sc.Name, router, stream.Producers{
		Transport: transport,
		Video:     video,
		Audio:     audio,
	}, stream.Options{ViewerKeyHash: sc.ViewerKeyHash})
	if err != nil {
		_ = router.Close()
		return nil, err
	}
	return st, nil
}

func (o *Orchestrator) produce(ctx context.Context, transport media.PlainTransport, codecs []media.RTPCodecCapability, kind media.Kind, payloadType uint8, ssrc uint32) (media.Producer, error) {
	codec, err := ProducerCodec(codecs, kind, payloadType)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	producer, err := transport.Produce(ctx, media.ProduceOptions{
		Kind: kind,
		RTPParameters: media.RTPParameters{
			Codecs:           []media.RTPCodecParameters{codec},
			HeaderExtensions: []media.RTPHeaderExtension{},
			Encodings:        []media.RTPEncodingParameters{{SSRC: ssrc}},
		},
		AppData: map[string]any{"type": string(kind)},
	})
	o.recorder.ObserveEngineCall("produce", time.Since(started), err)
	if err != nil {
		return nil, fmt.Errorf("create %s producer: %w", kind, err)
	}
	return producer, nil
}

func (o *Orchestrator) startIngest(ctx context.Context, st *stream.Stream, sc config.StreamConfig) ingest.Process {
	job := ingest.Job{
		StreamID:         st.ID(),
		StreamName:       st.Name(),
		SourceURL:        sc.SourceURL,
		OutputIP:         sc.ListenIP,
		OutputPort:       sc.Port,
		VideoSSRC:        sc.VideoSSRC,
		AudioSSRC:        sc.AudioSSRC,
		VideoPayloadType: sc.VideoPayloadType,
		AudioPayloadType: sc.AudioPayloadType,
	}
	proc, err := o.launcher.Start(ctx, job)
	if err != nil {
		o.logger.Error("ingest process failed to start", "stream_id", st.ID().String(), "error", err)
		o.publisher.Publish(ctx, events.Event{Type: events.IngestExited, StreamID: st.ID(), Detail: err.Error()})
		return nil
	}
	o.publisher.Publish(ctx, events.Event{Type: events.IngestStarted, StreamID: st.ID(), Detail: job.SourceURL})
	return proc
}

// ProducerCodec derives the codec a producer of kind sends from the router's
// configured codecs, pinned to payloadType.
func ProducerCodec(codecs []media.RTPCodecCapability, kind media.Kind, payloadType uint8) (media.RTPCodecParameters, error) {
	for _, c := range codecs {
		if c.Kind != kind {
			continue
		}
		params := make(map[string]any, len(c.Parameters)+1)
		for k, v := range c.Parameters {
			params[k] = v
		}
		if strings.EqualFold(c.MimeType, "audio/opus") && c.Channels == 2 {
			params["sprop-stereo"] = 1
		}
		return media.RTPCodecParameters{
			MimeType:    c.MimeType,
			PayloadType: payloadType,
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
			Parameters:  params,
		}, nil
	}
	return media.RTPCodecParameters{}, fmt.Errorf("no %s codec configured", kind)
}
