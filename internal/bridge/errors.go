package bridge

import "errors"

// Sentinel errors for bridge client operations.
var (
	// ErrNotConnected indicates an operation that needs a Connected session.
	ErrNotConnected = errors.New("bridge: not connected")

	// ErrDropped indicates an outbound message was discarded because the
	// session was not Connected. Messages are never queued.
	ErrDropped = errors.New("bridge: message dropped")

	// ErrSuperseded indicates an Open that lost the race to a newer Open or
	// a Close while it was dialling.
	ErrSuperseded = errors.New("bridge: open superseded")

	// ErrInvalidOptions indicates NewClient was given unusable options.
	ErrInvalidOptions = errors.New("bridge: invalid options")
)
