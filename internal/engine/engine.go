package engine

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Parameter types exchanged over the signaling channel. They are pion
// ORTC types so every layer above the engine speaks the engine's own
// vocabulary without conversion.
type (
	ICEParameters      = webrtc.ICEParameters
	ICECandidate       = webrtc.ICECandidate
	DTLSParameters     = webrtc.DTLSParameters
	RTPCapabilities    = webrtc.RTPCapabilities
	RTPCodecCapability = webrtc.RTPCodecCapability
	RTPSendParameters  = webrtc.RTPSendParameters
)

// MediaKind identifies the media type of a producer or consumer.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// Valid reports whether k is a recognized media kind.
func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// RouterCodec is one entry of the process-wide router codec table.
type RouterCodec struct {
	Kind       MediaKind
	Capability RTPCodecCapability
}

// WorkerOptions carries the per-worker network configuration.
type WorkerOptions struct {
	MinPort     uint16
	MaxPort     uint16
	ListenIP    string
	AnnouncedIP string
}

// ConnectParameters carries the client side of the transport handshake.
// DTLSParameters are always required; ICEParameters are needed by
// engine implementations that cannot learn the remote ICE credentials
// from the wire on their own.
type ConnectParameters struct {
	DTLSParameters DTLSParameters
	ICEParameters  *ICEParameters
}

// Engine creates workers. It is the single entry point to the media
// engine; everything else is reached through the returned handles.
type Engine interface {
	NewWorker(ctx context.Context, opts WorkerOptions) (Worker, error)
}

// Worker is an engine execution context hosting routers. A worker that
// dies takes all of its routers, transports, producers and consumers
// with it; the died observer is the only notification.
type Worker interface {
	ID() string
	CreateRouter(ctx context.Context, codecs []RouterCodec) (Router, error)
	OnDied(fn func(err error))
	Close() error
}

// Router is a per-room media routing context with a fixed codec set.
type Router interface {
	Capabilities() RTPCapabilities

	// CanConsume reports whether a consumer with the given
	// capabilities could receive the named producer's media.
	CanConsume(producerID string, caps RTPCapabilities) bool

	CreateTransport(ctx context.Context) (Transport, error)
	Close() error
}

// Transport is one negotiated ICE/DTLS conduit between a client and a
// router. The close observer fires exactly once, whether the transport
// is closed explicitly or by an ICE/DTLS failure.
type Transport interface {
	ID() string
	ICEParameters() ICEParameters
	ICECandidates() []ICECandidate
	DTLSParameters() DTLSParameters

	Connect(ctx context.Context, params ConnectParameters) error

	Produce(ctx context.Context, kind MediaKind, params RTPSendParameters, appData map[string]any) (Producer, error)
	Consume(ctx context.Context, producerID string, caps RTPCapabilities) (Consumer, error)
	ProduceData(ctx context.Context, label, protocol string) (DataProducer, error)
	ConsumeData(ctx context.Context, dataProducerID string) (DataConsumer, error)

	OnClose(fn func(reason string))
	Close() error
}

// Producer is a media source bound to one transport. Closing a
// producer closes every consumer referencing it before the close
// observer fires.
type Producer interface {
	ID() string
	Kind() MediaKind
	AppData() map[string]any
	OnClose(fn func())
	Close() error
}

// Consumer is a media sink forwarding one producer. Consumers start
// paused and forward nothing until resumed.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	RTPParameters() RTPSendParameters
	Paused() bool
	Resume() error
	OnProducerClose(fn func())
	Close() error
}

// DataProducer is an application data source bound to one transport.
type DataProducer interface {
	ID() string
	Label() string
	Protocol() string
	Close() error
}

// DataConsumer is an application data sink forwarding one data
// producer.
type DataConsumer interface {
	ID() string
	DataProducerID() string
	Label() string
	Close() error
}
