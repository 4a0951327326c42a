package room

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/standevel/linkup-api/internal/engine"
	"github.com/standevel/linkup-api/internal/metrics"
)

// TransportState tracks a transport through its lifecycle. Closed
// transports stay in the room so lookups can tell "closed" from
// "never existed".
type TransportState string

const (
	TransportCreated    TransportState = "created"
	TransportConnecting TransportState = "connecting"
	TransportConnected  TransportState = "connected"
	TransportClosed     TransportState = "closed"
)

// ConsumerState tracks a consumer from its paused start to resumed
// delivery.
type ConsumerState string

const (
	ConsumerPaused ConsumerState = "paused"
	ConsumerActive ConsumerState = "active"
)

// Transport is one client's media leg inside a room.
type Transport struct {
	id      string
	ownerID string
	raw     engine.Transport
	state   TransportState
}

// Producer is one published media stream.
type Producer struct {
	id          string
	ownerID     string
	transportID string
	kind        engine.MediaKind
	raw         engine.Producer
	appData     map[string]any
}

// Consumer is one subscription to a producer.
type Consumer struct {
	id          string
	ownerID     string
	transportID string
	producerID  string
	raw         engine.Consumer
	state       ConsumerState
}

// DataProducer is one published data channel.
type DataProducer struct {
	id          string
	ownerID     string
	transportID string
	label       string
	protocol    string
	raw         engine.DataProducer
}

// DataConsumer is one subscription to a data producer.
type DataConsumer struct {
	id             string
	ownerID        string
	transportID    string
	dataProducerID string
	raw            engine.DataConsumer
}

// TransportInfo carries the connection parameters a client needs to
// reach its transport.
type TransportInfo struct {
	ID             string
	ICEParameters  engine.ICEParameters
	ICECandidates  []engine.ICECandidate
	DTLSParameters engine.DTLSParameters
}

// ProducerInfo describes one producer to other room members.
type ProducerInfo struct {
	ID      string
	OwnerID string
	Kind    engine.MediaKind
	AppData map[string]any
}

// ConsumerInfo carries what a client needs to receive a consumer.
type ConsumerInfo struct {
	ID            string
	ProducerID    string
	Kind          engine.MediaKind
	RTPParameters engine.RTPSendParameters
	AppData       map[string]any
}

// DataConsumerInfo carries what a client needs to receive a data
// consumer.
type DataConsumerInfo struct {
	ID             string
	DataProducerID string
	Label          string
}

// Info is a counting snapshot for monitoring.
type Info struct {
	ID            string    `json:"id"`
	Transports    int       `json:"transports"`
	Producers     int       `json:"producers"`
	Consumers     int       `json:"consumers"`
	DataProducers int       `json:"dataProducers"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ConsumerClosedHook observes consumers torn down because their
// producer went away, so the signaling layer can tell the owner.
type ConsumerClosedHook func(roomID, ownerID, consumerID, producerID string)

// Room is one media session backed by a single router.
type Room struct {
	id             string
	workerID       string
	router         engine.Router
	logger         *slog.Logger
	metrics        *metrics.Metrics
	createdAt      time.Time
	consumerClosed ConsumerClosedHook

	mu            sync.Mutex
	closed        bool
	transports    map[string]*Transport
	producers     map[string]*Producer
	consumers     map[string]*Consumer
	dataProducers map[string]*DataProducer
	dataConsumers map[string]*DataConsumer
}

func newRoom(id, workerID string, router engine.Router, logger *slog.Logger, m *metrics.Metrics, hook ConsumerClosedHook) *Room {
	return &Room{
		id:             id,
		workerID:       workerID,
		router:         router,
		logger:         logger,
		metrics:        m,
		createdAt:      time.Now(),
		consumerClosed: hook,
		transports:     make(map[string]*Transport),
		producers:      make(map[string]*Producer),
		consumers:      make(map[string]*Consumer),
		dataProducers:  make(map[string]*DataProducer),
		dataConsumers:  make(map[string]*DataConsumer),
	}
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// RouterCapabilities returns the RTP capabilities clients load their
// device with.
func (r *Room) RouterCapabilities() engine.RTPCapabilities {
	return r.router.Capabilities()
}

// CreateTransport creates a media transport owned by one connection.
func (r *Room) CreateTransport(ctx context.Context, ownerID string) (TransportInfo, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return TransportInfo{}, ErrRoomClosed
	}
	r.mu.Unlock()

	raw, err := r.router.CreateTransport(ctx)
	if err != nil {
		return TransportInfo{}, fmt.Errorf("failed to create transport: %w", err)
	}

	t := &Transport{
		id:      raw.ID(),
		ownerID: ownerID,
		raw:     raw,
		state:   TransportCreated,
	}

	r.mu.Lock()
	r.transports[t.id] = t
	r.mu.Unlock()

	transportID := t.id
	raw.OnClose(func(reason string) {
		r.handleTransportClosed(transportID, reason)
	})

	r.metrics.AddTransports(1)
	r.logger.Debug("Transport created",
		slog.String("room_id", r.id),
		slog.String("transport_id", t.id),
		slog.String("owner_id", ownerID),
	)

	return TransportInfo{
		ID:             t.id,
		ICEParameters:  raw.ICEParameters(),
		ICECandidates:  raw.ICECandidates(),
		DTLSParameters: raw.DTLSParameters(),
	}, nil
}

// ConnectTransport completes the client's DTLS handshake parameters.
func (r *Room) ConnectTransport(ctx context.Context, transportID string, params engine.ConnectParameters) error {
	r.mu.Lock()
	t, ok := r.transports[transportID]
	if !ok {
		r.mu.Unlock()
		return ErrTransportNotFound
	}
	if t.state == TransportClosed {
		r.mu.Unlock()
		return ErrTransportClosed
	}
	t.state = TransportConnecting
	r.mu.Unlock()

	if err := t.raw.Connect(ctx, params); err != nil {
		r.mu.Lock()
		if t.state == TransportConnecting {
			t.state = TransportCreated
		}
		r.mu.Unlock()
		return fmt.Errorf("failed to connect transport: %w", err)
	}

	r.mu.Lock()
	if t.state == TransportConnecting {
		t.state = TransportConnected
	}
	r.mu.Unlock()
	return nil
}

// Produce publishes media on a transport. The producer id it returns
// is what other members consume by.
func (r *Room) Produce(ctx context.Context, transportID, ownerID string, kind engine.MediaKind, params engine.RTPSendParameters, appData map[string]any) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("invalid media kind %q", kind)
	}

	r.mu.Lock()
	t, ok := r.transports[transportID]
	if !ok {
		r.mu.Unlock()
		return "", ErrTransportNotFound
	}
	if t.state == TransportClosed {
		r.mu.Unlock()
		return "", ErrTransportClosed
	}
	r.mu.Unlock()

	raw, err := t.raw.Produce(ctx, kind, params, appData)
	if err != nil {
		return "", fmt.Errorf("failed to produce: %w", err)
	}

	p := &Producer{
		id:          raw.ID(),
		ownerID:     ownerID,
		transportID: transportID,
		kind:        kind,
		raw:         raw,
		appData:     appData,
	}

	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()

	producerID := p.id
	raw.OnClose(func() {
		r.handleProducerClosed(producerID)
	})

	r.metrics.AddProducers(1)
	r.logger.Debug("Producer created",
		slog.String("room_id", r.id),
		slog.String("producer_id", p.id),
		slog.String("owner_id", ownerID),
		slog.String("kind", string(kind)),
	)

	return p.id, nil
}

// Consume subscribes a transport to an existing producer. The
// capability check runs before anything is created, so a rejected
// consume leaves no state behind. New consumers start paused.
func (r *Room) Consume(ctx context.Context, transportID, ownerID, producerID string, caps engine.RTPCapabilities) (ConsumerInfo, error) {
	r.mu.Lock()
	t, ok := r.transports[transportID]
	if !ok {
		r.mu.Unlock()
		return ConsumerInfo{}, ErrTransportNotFound
	}
	if t.state == TransportClosed {
		r.mu.Unlock()
		return ConsumerInfo{}, ErrTransportClosed
	}
	p, ok := r.producers[producerID]
	if !ok {
		r.mu.Unlock()
		return ConsumerInfo{}, ErrProducerNotFound
	}
	r.mu.Unlock()

	if !r.router.CanConsume(producerID, caps) {
		return ConsumerInfo{}, ErrIncompatibleCapabilities
	}

	raw, err := t.raw.Consume(ctx, producerID, caps)
	if err != nil {
		return ConsumerInfo{}, fmt.Errorf("failed to consume: %w", err)
	}

	c := &Consumer{
		id:          raw.ID(),
		ownerID:     ownerID,
		transportID: transportID,
		producerID:  producerID,
		raw:         raw,
		state:       ConsumerPaused,
	}

	r.mu.Lock()
	r.consumers[c.id] = c
	r.mu.Unlock()

	consumerID := c.id
	raw.OnProducerClose(func() {
		r.handleConsumerClosed(consumerID)
	})

	r.metrics.AddConsumers(1)
	r.logger.Debug("Consumer created",
		slog.String("room_id", r.id),
		slog.String("consumer_id", c.id),
		slog.String("producer_id", producerID),
		slog.String("owner_id", ownerID),
	)

	return ConsumerInfo{
		ID:            c.id,
		ProducerID:    producerID,
		Kind:          raw.Kind(),
		RTPParameters: raw.RTPParameters(),
		AppData:       p.appData,
	}, nil
}

// ResumeConsumer starts media flowing to a paused consumer. Resuming
// an already active consumer is a no-op.
func (r *Room) ResumeConsumer(consumerID string) error {
	r.mu.Lock()
	c, ok := r.consumers[consumerID]
	if !ok {
		r.mu.Unlock()
		return ErrConsumerNotFound
	}
	if c.state == ConsumerActive {
		r.mu.Unlock()
		return nil
	}
	c.state = ConsumerActive
	r.mu.Unlock()

	if err := c.raw.Resume(); err != nil {
		return fmt.Errorf("failed to resume consumer: %w", err)
	}
	return nil
}

// OtherProducers lists every producer except the excluded one, sorted
// by id for stable responses. Producers closed before the call never
// appear.
func (r *Room) OtherProducers(excludeProducerID string) []ProducerInfo {
	r.mu.Lock()
	infos := make([]ProducerInfo, 0, len(r.producers))
	for _, p := range r.producers {
		if p.id == excludeProducerID {
			continue
		}
		infos = append(infos, ProducerInfo{ID: p.id, OwnerID: p.ownerID, Kind: p.kind, AppData: p.appData})
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// ProduceData publishes a data channel on a transport.
func (r *Room) ProduceData(ctx context.Context, transportID, ownerID, label, protocol string) (string, error) {
	r.mu.Lock()
	t, ok := r.transports[transportID]
	if !ok {
		r.mu.Unlock()
		return "", ErrTransportNotFound
	}
	if t.state == TransportClosed {
		r.mu.Unlock()
		return "", ErrTransportClosed
	}
	r.mu.Unlock()

	raw, err := t.raw.ProduceData(ctx, label, protocol)
	if err != nil {
		return "", fmt.Errorf("failed to produce data: %w", err)
	}

	dp := &DataProducer{
		id:          raw.ID(),
		ownerID:     ownerID,
		transportID: transportID,
		label:       label,
		protocol:    protocol,
		raw:         raw,
	}

	r.mu.Lock()
	r.dataProducers[dp.id] = dp
	r.mu.Unlock()

	r.logger.Debug("Data producer created",
		slog.String("room_id", r.id),
		slog.String("data_producer_id", dp.id),
		slog.String("owner_id", ownerID),
		slog.String("label", label),
	)

	return dp.id, nil
}

// ConsumeData subscribes a transport to an existing data producer.
func (r *Room) ConsumeData(ctx context.Context, transportID, ownerID, dataProducerID string) (DataConsumerInfo, error) {
	r.mu.Lock()
	t, ok := r.transports[transportID]
	if !ok {
		r.mu.Unlock()
		return DataConsumerInfo{}, ErrTransportNotFound
	}
	if t.state == TransportClosed {
		r.mu.Unlock()
		return DataConsumerInfo{}, ErrTransportClosed
	}
	if _, ok := r.dataProducers[dataProducerID]; !ok {
		r.mu.Unlock()
		return DataConsumerInfo{}, ErrDataProducerNotFound
	}
	r.mu.Unlock()

	raw, err := t.raw.ConsumeData(ctx, dataProducerID)
	if err != nil {
		return DataConsumerInfo{}, fmt.Errorf("failed to consume data: %w", err)
	}

	dc := &DataConsumer{
		id:             raw.ID(),
		ownerID:        ownerID,
		transportID:    transportID,
		dataProducerID: dataProducerID,
		raw:            raw,
	}

	r.mu.Lock()
	r.dataConsumers[dc.id] = dc
	r.mu.Unlock()

	return DataConsumerInfo{
		ID:             dc.id,
		DataProducerID: dataProducerID,
		Label:          raw.Label(),
	}, nil
}

// CloseOwned tears down everything one connection owns and returns the
// ids of the producers that went away, so the caller can tell the rest
// of the room.
func (r *Room) CloseOwned(ownerID string) []string {
	r.mu.Lock()
	var transports []*Transport
	for _, t := range r.transports {
		if t.ownerID == ownerID && t.state != TransportClosed {
			transports = append(transports, t)
		}
	}
	var producerIDs []string
	for _, p := range r.producers {
		if p.ownerID == ownerID {
			producerIDs = append(producerIDs, p.id)
		}
	}
	r.mu.Unlock()

	for _, t := range transports {
		_ = t.raw.Close()
	}

	sort.Strings(producerIDs)
	return producerIDs
}

// Empty reports whether the room has no open transports left.
func (r *Room) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.transports {
		if t.state != TransportClosed {
			return false
		}
	}
	return true
}

// Info returns a counting snapshot of the room.
func (r *Room) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	open := 0
	for _, t := range r.transports {
		if t.state != TransportClosed {
			open++
		}
	}

	return Info{
		ID:            r.id,
		Transports:    open,
		Producers:     len(r.producers),
		Consumers:     len(r.consumers),
		DataProducers: len(r.dataProducers),
		CreatedAt:     r.createdAt,
	}
}

// Close tears down the room and its router.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var transports []*Transport
	for _, t := range r.transports {
		if t.state != TransportClosed {
			transports = append(transports, t)
		}
	}
	r.mu.Unlock()

	for _, t := range transports {
		_ = t.raw.Close()
	}
	_ = r.router.Close()

	r.logger.Info("Room closed",
		slog.String("room_id", r.id),
	)
}

// handleTransportClosed converges room state after a transport went
// away, whether through CloseOwned, an ICE failure or an engine-side
// teardown. The entry stays in the map with state closed.
func (r *Room) handleTransportClosed(transportID, reason string) {
	r.mu.Lock()
	t, ok := r.transports[transportID]
	if !ok || t.state == TransportClosed {
		r.mu.Unlock()
		return
	}
	t.state = TransportClosed

	var producers []*Producer
	for _, p := range r.producers {
		if p.transportID == transportID {
			producers = append(producers, p)
		}
	}
	var consumers []*Consumer
	for _, c := range r.consumers {
		if c.transportID == transportID {
			consumers = append(consumers, c)
		}
	}
	var dataProducers []*DataProducer
	for _, dp := range r.dataProducers {
		if dp.transportID == transportID {
			dataProducers = append(dataProducers, dp)
		}
	}
	for id, dc := range r.dataConsumers {
		if dc.transportID == transportID {
			delete(r.dataConsumers, id)
		}
	}
	r.mu.Unlock()

	for _, p := range producers {
		_ = p.raw.Close()
		r.handleProducerClosed(p.id)
	}
	for _, c := range consumers {
		_ = c.raw.Close()
		r.removeConsumer(c.id)
	}
	for _, dp := range dataProducers {
		_ = dp.raw.Close()
		r.mu.Lock()
		delete(r.dataProducers, dp.id)
		r.mu.Unlock()
	}

	r.metrics.AddTransports(-1)
	r.logger.Debug("Transport closed",
		slog.String("room_id", r.id),
		slog.String("transport_id", transportID),
		slog.String("reason", reason),
	)
}

// handleProducerClosed drops a producer and every consumer feeding off
// it. The consumer-closed hook fires for each one so owners can be
// notified.
func (r *Room) handleProducerClosed(producerID string) {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.producers, producerID)

	var consumers []*Consumer
	for _, c := range r.consumers {
		if c.producerID == producerID {
			consumers = append(consumers, c)
		}
	}
	r.mu.Unlock()

	for _, c := range consumers {
		_ = c.raw.Close()
		if removed, owner := r.removeConsumer(c.id); removed && r.consumerClosed != nil {
			r.consumerClosed(r.id, owner, c.id, producerID)
		}
	}

	r.metrics.AddProducers(-1)
	r.logger.Debug("Producer closed",
		slog.String("room_id", r.id),
		slog.String("producer_id", producerID),
		slog.String("owner_id", p.ownerID),
	)
}

// handleConsumerClosed is the engine-driven path: the consumer learned
// its producer went away before the room did.
func (r *Room) handleConsumerClosed(consumerID string) {
	r.mu.Lock()
	c, ok := r.consumers[consumerID]
	r.mu.Unlock()
	if !ok {
		return
	}

	if removed, owner := r.removeConsumer(consumerID); removed && r.consumerClosed != nil {
		r.consumerClosed(r.id, owner, consumerID, c.producerID)
	}
}

// removeConsumer deletes a consumer entry once, reporting whether this
// call was the one that removed it.
func (r *Room) removeConsumer(consumerID string) (bool, string) {
	r.mu.Lock()
	c, ok := r.consumers[consumerID]
	if !ok {
		r.mu.Unlock()
		return false, ""
	}
	delete(r.consumers, consumerID)
	r.mu.Unlock()

	r.metrics.AddConsumers(-1)
	return true, c.ownerID
}
