package pionengine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/standevel/linkup-api/internal/engine"
)

// Engine implements engine.Engine on pion's ORTC API. It runs in
// process: a worker is a webrtc settings context rather than a
// separate OS process, so unexpected worker deaths are rare and a
// clean Close never counts as one.
type Engine struct {
	logger *slog.Logger
}

// New creates a pion-backed engine.
func New(logger *slog.Logger) *Engine {
	return &Engine{logger: logger}
}

// NewWorker creates a worker bound to its own UDP port slice.
func (e *Engine) NewWorker(_ context.Context, opts engine.WorkerOptions) (engine.Worker, error) {
	settings := webrtc.SettingEngine{}
	settings.SetLite(true)

	if opts.MinPort != 0 || opts.MaxPort != 0 {
		if opts.MaxPort < opts.MinPort {
			return nil, fmt.Errorf("invalid UDP port range %d-%d", opts.MinPort, opts.MaxPort)
		}
		if err := settings.SetEphemeralUDPPortRange(opts.MinPort, opts.MaxPort); err != nil {
			return nil, fmt.Errorf("failed to set UDP port range %d-%d: %w", opts.MinPort, opts.MaxPort, err)
		}
	}

	if opts.AnnouncedIP != "" {
		settings.SetNAT1To1IPs([]string{opts.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	w := &worker{
		id:       uuid.NewString(),
		settings: settings,
		logger:   e.logger,
	}

	e.logger.Info("Media worker created",
		slog.String("worker_id", w.id),
		slog.Int("min_port", int(opts.MinPort)),
		slog.Int("max_port", int(opts.MaxPort)),
	)

	return w, nil
}

// worker is one engine execution context. Routers created from the same
// worker share its settings and therefore its UDP port slice.
type worker struct {
	id       string
	settings webrtc.SettingEngine
	logger   *slog.Logger

	mu     sync.Mutex
	died   []func(error)
	closed bool
}

func (w *worker) ID() string { return w.id }

func (w *worker) OnDied(fn func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.died = append(w.died, fn)
}

func (w *worker) CreateRouter(_ context.Context, codecs []engine.RouterCodec) (engine.Router, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("worker %s is closed", w.id)
	}

	if len(codecs) == 0 {
		return nil, fmt.Errorf("router needs at least one codec")
	}

	mediaEngine := &webrtc.MediaEngine{}
	payloadType := uint8(96)
	for _, c := range codecs {
		codecType, err := codecTypeOf(c.Kind)
		if err != nil {
			return nil, err
		}
		params := webrtc.RTPCodecParameters{
			RTPCodecCapability: c.Capability,
			PayloadType:        webrtc.PayloadType(payloadType),
		}
		if err := mediaEngine.RegisterCodec(params, codecType); err != nil {
			return nil, fmt.Errorf("failed to register codec %s: %w", c.Capability.MimeType, err)
		}
		payloadType++
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(w.settings),
	)

	r := &router{
		id:            uuid.NewString(),
		workerID:      w.id,
		api:           api,
		codecs:        codecs,
		logger:        w.logger,
		producers:     make(map[string]*producer),
		dataProducers: make(map[string]*dataProducer),
	}

	w.logger.Info("Router created",
		slog.String("router_id", r.id),
		slog.String("worker_id", w.id),
		slog.Int("codecs", len(codecs)),
	)

	return r, nil
}

// Close shuts the worker down deliberately. Death observers only fire
// for unexpected deaths, never for a clean Close.
func (w *worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// die reports an unexpected failure to every death observer once.
func (w *worker) die(cause error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	died := make([]func(error), len(w.died))
	copy(died, w.died)
	w.mu.Unlock()

	for _, fn := range died {
		fn(cause)
	}
}

func codecTypeOf(kind engine.MediaKind) (webrtc.RTPCodecType, error) {
	switch kind {
	case engine.KindAudio:
		return webrtc.RTPCodecTypeAudio, nil
	case engine.KindVideo:
		return webrtc.RTPCodecTypeVideo, nil
	default:
		return 0, fmt.Errorf("unknown media kind %q", kind)
	}
}

// router holds the codec table and the registries consulted by
// CanConsume and by cross-transport consume/consumeData lookups.
type router struct {
	id       string
	workerID string
	api      *webrtc.API
	codecs   []engine.RouterCodec
	logger   *slog.Logger

	mu            sync.Mutex
	producers     map[string]*producer
	dataProducers map[string]*dataProducer
	closed        bool
}

func (r *router) Capabilities() engine.RTPCapabilities {
	caps := engine.RTPCapabilities{}
	for _, c := range r.codecs {
		caps.Codecs = append(caps.Codecs, c.Capability)
	}
	return caps
}

func (r *router) CanConsume(producerID string, caps engine.RTPCapabilities) bool {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	for _, c := range caps.Codecs {
		if codecsMatch(p.capability, c) {
			return true
		}
	}
	return false
}

// codecsMatch applies the router-level compatibility rule: same mime
// type, same clock rate, and compatible channel count.
func codecsMatch(a, b webrtc.RTPCodecCapability) bool {
	if !strings.EqualFold(a.MimeType, b.MimeType) {
		return false
	}
	if a.ClockRate != b.ClockRate {
		return false
	}
	if a.Channels != 0 && b.Channels != 0 && a.Channels != b.Channels {
		return false
	}
	return true
}

func (r *router) registerProducer(p *producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *router) unregisterProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *router) producerByID(id string) (*producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *router) registerDataProducer(dp *dataProducer) {
	r.mu.Lock()
	r.dataProducers[dp.id] = dp
	r.mu.Unlock()
}

func (r *router) unregisterDataProducer(id string) {
	r.mu.Lock()
	delete(r.dataProducers, id)
	r.mu.Unlock()
}

func (r *router) dataProducerByID(id string) (*dataProducer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dp, ok := r.dataProducers[id]
	return dp, ok
}

func (r *router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	producers := make([]*producer, 0, len(r.producers))
	for _, p := range r.producers {
		producers = append(producers, p)
	}
	r.mu.Unlock()

	for _, p := range producers {
		_ = p.Close()
	}
	return nil
}
