package signal

import (
	"encoding/json"
	"errors"

	"github.com/standevel/linkup-api/internal/engine"
	"github.com/standevel/linkup-api/internal/room"
)

// Envelope is the wire format for every signaling message in either
// direction.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Request/response event kinds.
const (
	EventCreateRoom           = "CREATE_ROOM"
	EventJoinRoom             = "JOIN_ROOM"
	EventCreateTransport      = "CREATE_TRANSPORT"
	EventConnectTransport     = "CONNECT_TRANSPORT"
	EventProduce              = "PRODUCE"
	EventConsume              = "CONSUME"
	EventResumeConsumer       = "RESUME_CONSUMER"
	EventGetExistingProducers = "GET_EXISTING_PRODUCERS"
	EventCreateDataProducer   = "CREATE_DATA_PRODUCER"
	EventCreateDataConsumer   = "CREATE_DATA_CONSUMER"
	EventSendData             = "SEND_DATA"
)

// Broadcast event kinds.
const (
	EventNewProducer    = "NEW_PRODUCER"
	EventProducerClosed = "PRODUCER_CLOSED"
)

type createRoomRequest struct {
	RoomID string `json:"roomId"`
}

func (r *createRoomRequest) validate() error {
	if r.RoomID == "" {
		return protocolError{"roomId is required"}
	}
	return nil
}

type roomResponse struct {
	RoomID             string                 `json:"roomId"`
	RouterCapabilities engine.RTPCapabilities `json:"routerCapabilities"`
}

type createTransportRequest struct {
	RoomID string `json:"roomId"`
	Type   string `json:"type"`
}

func (r *createTransportRequest) validate() error {
	if r.RoomID == "" {
		return protocolError{"roomId is required"}
	}
	if r.Type != "send" && r.Type != "recv" {
		return protocolError{"type must be 'send' or 'recv'"}
	}
	return nil
}

type transportResponse struct {
	ID             string                `json:"id"`
	ICEParameters  engine.ICEParameters  `json:"iceParameters"`
	ICECandidates  []engine.ICECandidate `json:"iceCandidates"`
	DTLSParameters engine.DTLSParameters `json:"dtlsParameters"`
	RoomID         string                `json:"roomId"`
	Type           string                `json:"type"`
}

type connectTransportRequest struct {
	RoomID         string                `json:"roomId"`
	TransportID    string                `json:"transportId"`
	DTLSParameters engine.DTLSParameters `json:"dtlsParameters"`
	ICEParameters  *engine.ICEParameters `json:"iceParameters,omitempty"`
}

func (r *connectTransportRequest) validate() error {
	if r.RoomID == "" {
		return protocolError{"roomId is required"}
	}
	if r.TransportID == "" {
		return protocolError{"transportId is required"}
	}
	if len(r.DTLSParameters.Fingerprints) == 0 {
		return protocolError{"dtlsParameters is required"}
	}
	return nil
}

type connectTransportResponse struct {
	TransportID string `json:"transportId"`
}

type produceRequest struct {
	RoomID        string                   `json:"roomId"`
	TransportID   string                   `json:"transportId"`
	Kind          string                   `json:"kind"`
	RTPParameters engine.RTPSendParameters `json:"rtpParameters"`
	AppData       map[string]any           `json:"appData,omitempty"`
}

func (r *produceRequest) validate() error {
	if r.RoomID == "" {
		return protocolError{"roomId is required"}
	}
	if r.TransportID == "" {
		return protocolError{"transportId is required"}
	}
	if !engine.MediaKind(r.Kind).Valid() {
		return protocolError{"kind must be 'audio' or 'video'"}
	}
	return nil
}

type produceResponse struct {
	ProducerID string `json:"producerId"`
}

// newProducerBroadcast tells room members a producer appeared.
type newProducerBroadcast struct {
	ProducerID string `json:"producerId"`
	Kind       string `json:"kind"`
	RoomID     string `json:"roomId"`
}

// producerClosedBroadcast tells affected members a producer went away.
type producerClosedBroadcast struct {
	ProducerID string `json:"producerId"`
	ConsumerID string `json:"consumerId,omitempty"`
	RoomID     string `json:"roomId"`
}

type consumeRequest struct {
	RoomID          string                 `json:"roomId"`
	TransportID     string                 `json:"transportId"`
	ProducerID      string                 `json:"producerId"`
	RTPCapabilities engine.RTPCapabilities `json:"rtpCapabilities"`
}

func (r *consumeRequest) validate() error {
	if r.RoomID == "" {
		return protocolError{"roomId is required"}
	}
	if r.TransportID == "" {
		return protocolError{"transportId is required"}
	}
	if r.ProducerID == "" {
		return protocolError{"producerId is required"}
	}
	return nil
}

type consumeResponse struct {
	ID            string                   `json:"id"`
	ProducerID    string                   `json:"producerId"`
	Kind          string                   `json:"kind"`
	RTPParameters engine.RTPSendParameters `json:"rtpParameters"`
	AppData       map[string]any           `json:"appData,omitempty"`
}

type resumeConsumerRequest struct {
	RoomID     string `json:"roomId"`
	ConsumerID string `json:"consumerId"`
}

func (r *resumeConsumerRequest) validate() error {
	if r.RoomID == "" {
		return protocolError{"roomId is required"}
	}
	if r.ConsumerID == "" {
		return protocolError{"consumerId is required"}
	}
	return nil
}

type resumeConsumerResponse struct {
	Message string `json:"message"`
}

type getExistingProducersRequest struct {
	RoomID              string `json:"roomId"`
	ExcludingProducerID string `json:"excludingProducerId"`
}

func (r *getExistingProducersRequest) validate() error {
	if r.RoomID == "" {
		return protocolError{"roomId is required"}
	}
	return nil
}

type existingProducer struct {
	ID      string         `json:"id"`
	AppData map[string]any `json:"appData,omitempty"`
}

type createDataProducerRequest struct {
	RoomID      string `json:"roomId"`
	TransportID string `json:"transportId"`
	Label       string `json:"label"`
	Protocol    string `json:"protocol"`
}

func (r *createDataProducerRequest) validate() error {
	if r.RoomID == "" {
		return protocolError{"roomId is required"}
	}
	if r.TransportID == "" {
		return protocolError{"transportId is required"}
	}
	if r.Label == "" {
		return protocolError{"label is required"}
	}
	return nil
}

type createDataProducerResponse struct {
	DataProducerID string `json:"dataProducerId"`
}

type createDataConsumerRequest struct {
	RoomID         string `json:"roomId"`
	TransportID    string `json:"transportId"`
	DataProducerID string `json:"dataProducerId"`
}

func (r *createDataConsumerRequest) validate() error {
	if r.RoomID == "" {
		return protocolError{"roomId is required"}
	}
	if r.TransportID == "" {
		return protocolError{"transportId is required"}
	}
	if r.DataProducerID == "" {
		return protocolError{"dataProducerId is required"}
	}
	return nil
}

type createDataConsumerResponse struct {
	DataConsumerID string `json:"dataConsumerId"`
}

// protocolError is a malformed or incomplete request. Its reason is
// safe to echo back to the client.
type protocolError struct {
	reason string
}

func (e protocolError) Error() string { return e.reason }

// publicError maps a handler failure to the human-readable reason the
// client sees. Internal faults never leak.
func publicError(err error) string {
	var perr protocolError
	if errors.As(err, &perr) {
		return perr.reason
	}

	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		return "Room not found"
	case errors.Is(err, room.ErrRoomClosed):
		return "Room not found"
	case errors.Is(err, room.ErrTransportNotFound):
		return "Transport not found"
	case errors.Is(err, room.ErrTransportClosed):
		return "Transport is closed"
	case errors.Is(err, room.ErrProducerNotFound):
		return "Producer not found"
	case errors.Is(err, room.ErrConsumerNotFound):
		return "Consumer not found"
	case errors.Is(err, room.ErrDataProducerNotFound):
		return "Data producer not found"
	case errors.Is(err, room.ErrIncompatibleCapabilities):
		return "Cannot consume"
	default:
		return "Internal error"
	}
}
