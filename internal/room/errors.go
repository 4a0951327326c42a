package room

import "errors"

var (
	// ErrRoomNotFound reports a room id no registry entry exists for.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRoomClosed reports an operation on a room that already closed.
	ErrRoomClosed = errors.New("room is closed")

	// ErrTransportNotFound reports a transport id the room never had.
	ErrTransportNotFound = errors.New("transport not found")

	// ErrTransportClosed reports an operation on a transport that
	// already tore down. The room remembers closed transports so this
	// case stays distinguishable from an unknown id.
	ErrTransportClosed = errors.New("transport is closed")

	// ErrProducerNotFound reports a producer id the room does not have.
	ErrProducerNotFound = errors.New("producer not found")

	// ErrConsumerNotFound reports a consumer id the room does not have.
	ErrConsumerNotFound = errors.New("consumer not found")

	// ErrDataProducerNotFound reports a data producer id the room does
	// not have.
	ErrDataProducerNotFound = errors.New("data producer not found")

	// ErrIncompatibleCapabilities reports a consume attempt whose RTP
	// capabilities cannot receive the producer's media.
	ErrIncompatibleCapabilities = errors.New("cannot consume producer with given capabilities")
)
