package transport

import "errors"

// Sentinel errors for broker transport operations.
//
// Check with errors.Is():
//
//	if errors.Is(err, transport.ErrConnection) {
//	    // broker unreachable, let the heartbeat retry
//	}
var (
	// ErrConnection indicates the broker could not be reached
	// (DNS failure, refused, timed out).
	ErrConnection = errors.New("transport: connection failed")

	// ErrTransport indicates a send on a closed or broken connection.
	ErrTransport = errors.New("transport: channel closed")

	// ErrProtocol indicates a packet that could not be encoded or decoded.
	// Inbound protocol errors are logged and the connection is kept.
	ErrProtocol = errors.New("transport: protocol error")

	// errPacketTooLarge is fatal: the stream cannot be resynchronised.
	errPacketTooLarge = errors.New("transport: packet exceeds maximum size")
)
