package pionengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/standevel/linkup-api/internal/engine"
)

const sctpMaxMessageSize = 262144

// CreateTransport builds the ICE/DTLS/SCTP bundle for one client and
// gathers local candidates before returning, so the caller can hand the
// full transport descriptor back over signaling in one response.
func (r *router) CreateTransport(ctx context.Context) (engine.Transport, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("router %s is closed", r.id)
	}

	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create ICE gatherer: %w", err)
	}

	ice := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(ice, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create DTLS transport: %w", err)
	}
	sctp := r.api.NewSCTPTransport(dtls)

	var gatherOnce sync.Once
	gatherDone := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			gatherOnce.Do(func() { close(gatherDone) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		return nil, fmt.Errorf("failed to gather ICE candidates: %w", err)
	}
	select {
	case <-gatherDone:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, fmt.Errorf("ICE gathering interrupted: %w", ctx.Err())
	}

	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		return nil, fmt.Errorf("failed to read ICE candidates: %w", err)
	}
	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		return nil, fmt.Errorf("failed to read ICE parameters: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		return nil, fmt.Errorf("failed to read DTLS parameters: %w", err)
	}

	t := &transport{
		id:            uuid.NewString(),
		router:        r,
		gatherer:      gatherer,
		ice:           ice,
		dtls:          dtls,
		sctp:          sctp,
		iceParams:     iceParams,
		dtlsParams:    dtlsParams,
		candidates:    candidates,
		logger:        r.logger,
		producers:     make(map[string]*producer),
		consumers:     make(map[string]*consumer),
		dataProducers: make(map[string]*dataProducer),
		dataConsumers: make(map[string]*dataConsumer),
	}

	ice.OnConnectionStateChange(func(state webrtc.ICETransportState) {
		switch state {
		case webrtc.ICETransportStateDisconnected,
			webrtc.ICETransportStateFailed,
			webrtc.ICETransportStateClosed:
			t.closeWithReason("ice " + state.String())
		}
	})
	dtls.OnStateChange(func(state webrtc.DTLSTransportState) {
		switch state {
		case webrtc.DTLSTransportStateFailed,
			webrtc.DTLSTransportStateClosed:
			t.closeWithReason("dtls " + state.String())
		}
	})

	r.logger.Debug("Transport created",
		slog.String("transport_id", t.id),
		slog.String("router_id", r.id),
		slog.Int("candidates", len(candidates)),
	)

	return t, nil
}

// transport is one client's ICE/DTLS/SCTP stack.
type transport struct {
	id         string
	router     *router
	gatherer   *webrtc.ICEGatherer
	ice        *webrtc.ICETransport
	dtls       *webrtc.DTLSTransport
	sctp       *webrtc.SCTPTransport
	iceParams  webrtc.ICEParameters
	dtlsParams webrtc.DTLSParameters
	candidates []webrtc.ICECandidate
	logger     *slog.Logger

	mu            sync.Mutex
	closed        bool
	onClose       []func(string)
	producers     map[string]*producer
	consumers     map[string]*consumer
	dataProducers map[string]*dataProducer
	dataConsumers map[string]*dataConsumer
	nextChannelID uint16
}

func (t *transport) ID() string                            { return t.id }
func (t *transport) ICEParameters() engine.ICEParameters   { return t.iceParams }
func (t *transport) ICECandidates() []engine.ICECandidate  { return t.candidates }
func (t *transport) DTLSParameters() engine.DTLSParameters { return t.dtlsParams }

func (t *transport) OnClose(fn func(reason string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = append(t.onClose, fn)
}

func (t *transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Connect starts the ICE, DTLS and SCTP stacks against the client's
// parameters. pion cannot learn the remote ICE credentials from the
// wire, so the connect payload must carry them.
func (t *transport) Connect(_ context.Context, params engine.ConnectParameters) error {
	if t.isClosed() {
		return fmt.Errorf("transport %s is closed", t.id)
	}
	if params.ICEParameters == nil {
		return fmt.Errorf("remote ICE parameters are required")
	}

	role := webrtc.ICERoleControlled
	if err := t.ice.Start(t.gatherer, *params.ICEParameters, &role); err != nil {
		return fmt.Errorf("failed to start ICE: %w", err)
	}
	if err := t.dtls.Start(params.DTLSParameters); err != nil {
		return fmt.Errorf("failed to start DTLS: %w", err)
	}
	if err := t.sctp.Start(webrtc.SCTPCapabilities{MaxMessageSize: sctpMaxMessageSize}); err != nil {
		return fmt.Errorf("failed to start SCTP: %w", err)
	}
	return nil
}

func (t *transport) Close() error {
	t.closeWithReason("closed by application")
	return nil
}

// closeWithReason tears the transport down exactly once and cascades to
// every entity riding on it before firing the close observers.
func (t *transport) closeWithReason(reason string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	onClose := make([]func(string), len(t.onClose))
	copy(onClose, t.onClose)
	producers := make([]*producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	dataProducers := make([]*dataProducer, 0, len(t.dataProducers))
	for _, dp := range t.dataProducers {
		dataProducers = append(dataProducers, dp)
	}
	dataConsumers := make([]*dataConsumer, 0, len(t.dataConsumers))
	for _, dc := range t.dataConsumers {
		dataConsumers = append(dataConsumers, dc)
	}
	t.mu.Unlock()

	for _, p := range producers {
		_ = p.Close()
	}
	for _, c := range consumers {
		_ = c.Close()
	}
	for _, dp := range dataProducers {
		_ = dp.Close()
	}
	for _, dc := range dataConsumers {
		_ = dc.Close()
	}

	_ = t.sctp.Stop()
	_ = t.dtls.Stop()
	_ = t.ice.Stop()
	_ = t.gatherer.Close()

	t.logger.Debug("Transport closed",
		slog.String("transport_id", t.id),
		slog.String("reason", reason),
	)

	for _, fn := range onClose {
		fn(reason)
	}
}

func (t *transport) removeProducer(id string) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *transport) removeConsumer(id string) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

func (t *transport) removeDataProducer(id string) {
	t.mu.Lock()
	delete(t.dataProducers, id)
	t.mu.Unlock()
}

func (t *transport) removeDataConsumer(id string) {
	t.mu.Lock()
	delete(t.dataConsumers, id)
	t.mu.Unlock()
}

// allocChannelID hands out SCTP stream identifiers for data channels
// created on this transport.
func (t *transport) allocChannelID() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextChannelID
	t.nextChannelID += 2
	return id
}
