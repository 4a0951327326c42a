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

// ProduceData opens a data channel for messages the client pushes over
// this transport and fans every message out to attached data consumers.
func (t *transport) ProduceData(_ context.Context, label, protocol string) (engine.DataProducer, error) {
	if t.isClosed() {
		return nil, fmt.Errorf("transport %s is closed", t.id)
	}

	channelID := t.allocChannelID()
	channel, err := t.router.api.NewDataChannel(t.sctp, &webrtc.DataChannelParameters{
		Label:    label,
		Protocol: protocol,
		ID:       &channelID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}

	dp := &dataProducer{
		id:        uuid.NewString(),
		label:     label,
		protocol:  protocol,
		channel:   channel,
		transport: t,
		logger:    t.logger,
		consumers: make(map[string]*dataConsumer),
	}
	channel.OnMessage(dp.fanOut)

	t.mu.Lock()
	t.dataProducers[dp.id] = dp
	t.mu.Unlock()
	t.router.registerDataProducer(dp)

	t.logger.Debug("Data producer created",
		slog.String("data_producer_id", dp.id),
		slog.String("transport_id", t.id),
		slog.String("label", label),
	)

	return dp, nil
}

// ConsumeData opens an outbound data channel mirroring an existing
// data producer's messages.
func (t *transport) ConsumeData(_ context.Context, dataProducerID string) (engine.DataConsumer, error) {
	if t.isClosed() {
		return nil, fmt.Errorf("transport %s is closed", t.id)
	}

	dp, ok := t.router.dataProducerByID(dataProducerID)
	if !ok {
		return nil, fmt.Errorf("data producer %s not found", dataProducerID)
	}

	channelID := t.allocChannelID()
	channel, err := t.router.api.NewDataChannel(t.sctp, &webrtc.DataChannelParameters{
		Label:    dp.label,
		Protocol: dp.protocol,
		ID:       &channelID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}

	dc := &dataConsumer{
		id:             uuid.NewString(),
		dataProducerID: dataProducerID,
		label:          dp.label,
		channel:        channel,
		transport:      t,
	}

	t.mu.Lock()
	t.dataConsumers[dc.id] = dc
	t.mu.Unlock()
	dp.attach(dc)

	t.logger.Debug("Data consumer created",
		slog.String("data_consumer_id", dc.id),
		slog.String("data_producer_id", dataProducerID),
		slog.String("transport_id", t.id),
	)

	return dc, nil
}

type dataProducer struct {
	id        string
	label     string
	protocol  string
	channel   *webrtc.DataChannel
	transport *transport
	logger    *slog.Logger

	mu        sync.Mutex
	consumers map[string]*dataConsumer
	closed    bool
}

func (dp *dataProducer) ID() string       { return dp.id }
func (dp *dataProducer) Label() string    { return dp.label }
func (dp *dataProducer) Protocol() string { return dp.protocol }

func (dp *dataProducer) attach(dc *dataConsumer) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.consumers[dc.id] = dc
}

func (dp *dataProducer) detach(id string) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	delete(dp.consumers, id)
}

func (dp *dataProducer) fanOut(msg webrtc.DataChannelMessage) {
	dp.mu.Lock()
	consumers := make([]*dataConsumer, 0, len(dp.consumers))
	for _, dc := range dp.consumers {
		consumers = append(consumers, dc)
	}
	dp.mu.Unlock()

	for _, dc := range consumers {
		var err error
		if msg.IsString {
			err = dc.channel.SendText(string(msg.Data))
		} else {
			err = dc.channel.Send(msg.Data)
		}
		if err != nil {
			dp.logger.Debug("Dropping data message for consumer",
				slog.String("data_consumer_id", dc.id),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (dp *dataProducer) Close() error {
	dp.mu.Lock()
	if dp.closed {
		dp.mu.Unlock()
		return nil
	}
	dp.closed = true
	consumers := make([]*dataConsumer, 0, len(dp.consumers))
	for _, dc := range dp.consumers {
		consumers = append(consumers, dc)
	}
	dp.mu.Unlock()

	for _, dc := range consumers {
		_ = dc.Close()
	}

	_ = dp.channel.Close()
	dp.transport.removeDataProducer(dp.id)
	dp.transport.router.unregisterDataProducer(dp.id)
	return nil
}

type dataConsumer struct {
	id             string
	dataProducerID string
	label          string
	channel        *webrtc.DataChannel
	transport      *transport

	mu     sync.Mutex
	closed bool
}

func (dc *dataConsumer) ID() string             { return dc.id }
func (dc *dataConsumer) DataProducerID() string { return dc.dataProducerID }
func (dc *dataConsumer) Label() string          { return dc.label }

func (dc *dataConsumer) Close() error {
	dc.mu.Lock()
	if dc.closed {
		dc.mu.Unlock()
		return nil
	}
	dc.closed = true
	dc.mu.Unlock()

	if dp, ok := dc.transport.router.dataProducerByID(dc.dataProducerID); ok {
		dp.detach(dc.id)
	}
	_ = dc.channel.Close()
	dc.transport.removeDataConsumer(dc.id)
	return nil
}
