package pionengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/standevel/linkup-api/internal/engine"
)

// Produce wires an RTP receiver for media the client pushes over this
// transport and starts the forwarding loop feeding its consumers.
func (t *transport) Produce(_ context.Context, kind engine.MediaKind, params engine.RTPSendParameters, appData map[string]any) (engine.Producer, error) {
	if t.isClosed() {
		return nil, fmt.Errorf("transport %s is closed", t.id)
	}

	codecType, err := codecTypeOf(kind)
	if err != nil {
		return nil, err
	}
	if len(params.Encodings) == 0 {
		return nil, fmt.Errorf("rtp parameters carry no encodings")
	}

	receiver, err := t.router.api.NewRTPReceiver(codecType, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("failed to create RTP receiver: %w", err)
	}

	recvParams := webrtc.RTPReceiveParameters{}
	for _, enc := range params.Encodings {
		recvParams.Encodings = append(recvParams.Encodings, webrtc.RTPDecodingParameters{
			RTPCodingParameters: enc.RTPCodingParameters,
		})
	}
	if err := receiver.Receive(recvParams); err != nil {
		return nil, fmt.Errorf("failed to start RTP receiver: %w", err)
	}

	capability := t.router.capabilityFor(kind, params)
	p := &producer{
		id:         uuid.NewString(),
		kind:       kind,
		capability: capability,
		appData:    appData,
		receiver:   receiver,
		transport:  t,
		logger:     t.logger,
		consumers:  make(map[string]*consumer),
	}

	t.mu.Lock()
	t.producers[p.id] = p
	t.mu.Unlock()
	t.router.registerProducer(p)

	go p.forwardLoop()

	t.logger.Debug("Producer created",
		slog.String("producer_id", p.id),
		slog.String("transport_id", t.id),
		slog.String("kind", string(kind)),
	)

	return p, nil
}

// capabilityFor picks the codec capability a producer was published
// with: the first codec of its parameters when present, otherwise the
// router's first codec of the same kind.
func (r *router) capabilityFor(kind engine.MediaKind, params engine.RTPSendParameters) webrtc.RTPCodecCapability {
	if len(params.Codecs) > 0 {
		return params.Codecs[0].RTPCodecCapability
	}
	for _, c := range r.codecs {
		if c.Kind == kind {
			return c.Capability
		}
	}
	return webrtc.RTPCodecCapability{}
}

// Consume attaches an RTP sender on this transport to an existing
// producer. Compatibility is the session layer's job via CanConsume;
// here an unknown producer is the only failure.
func (t *transport) Consume(_ context.Context, producerID string, _ engine.RTPCapabilities) (engine.Consumer, error) {
	if t.isClosed() {
		return nil, fmt.Errorf("transport %s is closed", t.id)
	}

	p, ok := t.router.producerByID(producerID)
	if !ok {
		return nil, fmt.Errorf("producer %s not found", producerID)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(p.capability, uuid.NewString(), "linkup")
	if err != nil {
		return nil, fmt.Errorf("failed to create local track: %w", err)
	}
	sender, err := t.router.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("failed to create RTP sender: %w", err)
	}
	if err := sender.Send(sender.GetParameters()); err != nil {
		return nil, fmt.Errorf("failed to start RTP sender: %w", err)
	}

	// Drain RTCP so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	c := &consumer{
		id:         uuid.NewString(),
		producerID: producerID,
		kind:       p.kind,
		track:      track,
		sender:     sender,
		transport:  t,
	}
	c.paused.Store(true)

	t.mu.Lock()
	t.consumers[c.id] = c
	t.mu.Unlock()
	p.attach(c)

	t.logger.Debug("Consumer created",
		slog.String("consumer_id", c.id),
		slog.String("producer_id", producerID),
		slog.String("transport_id", t.id),
	)

	return c, nil
}

// producer forwards RTP from its receiver track to every attached,
// unpaused consumer.
type producer struct {
	id         string
	kind       engine.MediaKind
	capability webrtc.RTPCodecCapability
	appData    map[string]any
	receiver   *webrtc.RTPReceiver
	transport  *transport
	logger     *slog.Logger

	mu        sync.Mutex
	consumers map[string]*consumer
	onClose   []func()
	closed    bool
}

func (p *producer) ID() string              { return p.id }
func (p *producer) Kind() engine.MediaKind  { return p.kind }
func (p *producer) AppData() map[string]any { return p.appData }

func (p *producer) OnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = append(p.onClose, fn)
}

func (p *producer) attach(c *consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers[c.id] = c
}

func (p *producer) detach(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
}

func (p *producer) forwardLoop() {
	track := p.receiver.Track()
	if track == nil {
		return
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}

		p.mu.Lock()
		consumers := make([]*consumer, 0, len(p.consumers))
		for _, c := range p.consumers {
			consumers = append(consumers, c)
		}
		p.mu.Unlock()

		for _, c := range consumers {
			if c.Paused() {
				continue
			}
			if err := c.track.WriteRTP(pkt); err != nil {
				p.logger.Debug("Dropping RTP packet for consumer",
					slog.String("consumer_id", c.id),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Close stops the producer and cascades to every consumer referencing
// it before firing the producer's own close observers.
func (p *producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	consumers := make([]*consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	onClose := make([]func(), len(p.onClose))
	copy(onClose, p.onClose)
	p.mu.Unlock()

	for _, c := range consumers {
		c.closeByProducer()
	}

	_ = p.receiver.Stop()
	p.transport.removeProducer(p.id)
	p.transport.router.unregisterProducer(p.id)

	for _, fn := range onClose {
		fn()
	}
	return nil
}

// consumer sends one producer's RTP to its client, gated by the paused
// flag until the client resumes it.
type consumer struct {
	id         string
	producerID string
	kind       engine.MediaKind
	track      *webrtc.TrackLocalStaticRTP
	sender     *webrtc.RTPSender
	transport  *transport
	paused     atomic.Bool

	mu              sync.Mutex
	onProducerClose []func()
	closed          bool
}

func (c *consumer) ID() string             { return c.id }
func (c *consumer) ProducerID() string     { return c.producerID }
func (c *consumer) Kind() engine.MediaKind { return c.kind }
func (c *consumer) Paused() bool           { return c.paused.Load() }

func (c *consumer) RTPParameters() engine.RTPSendParameters {
	return c.sender.GetParameters()
}

func (c *consumer) Resume() error {
	c.paused.Store(false)
	return nil
}

func (c *consumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProducerClose = append(c.onProducerClose, fn)
}

func (c *consumer) Close() error {
	if !c.markClosed() {
		return nil
	}
	if p, ok := c.transport.router.producerByID(c.producerID); ok {
		p.detach(c.id)
	}
	_ = c.sender.Stop()
	c.transport.removeConsumer(c.id)
	return nil
}

// closeByProducer is the producer-close cascade path: same teardown as
// Close, plus the producer-close observers fire.
func (c *consumer) closeByProducer() {
	if !c.markClosed() {
		return
	}
	_ = c.sender.Stop()
	c.transport.removeConsumer(c.id)

	c.mu.Lock()
	observers := make([]func(), len(c.onProducerClose))
	copy(observers, c.onProducerClose)
	c.mu.Unlock()
	for _, fn := range observers {
		fn()
	}
}

func (c *consumer) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}
