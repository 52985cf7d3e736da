package bridge

import "fmt"

// State is the session state of the bridge client.
type State int

// Session states. The normal cycle is
// Closed → Opening → AwaitingAck → Connected → Closed.
const (
	StateClosed State = iota
	StateOpening
	StateAwaitingAck
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind identifies what happened on the session.
type EventKind int

// Event kinds delivered on Client.Events.
const (
	// EventConnected follows an accepted CONNACK.
	EventConnected EventKind = iota + 1

	// EventConnectRefused follows a CONNACK with a non-zero status.
	EventConnectRefused

	// EventDisconnected follows the loss of a live connection.
	EventDisconnected

	// EventSubscribed follows a SUBACK.
	EventSubscribed

	// EventMessage carries an inbound PUBLISH.
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventConnectRefused:
		return "connect_refused"
	case EventDisconnected:
		return "disconnected"
	case EventSubscribed:
		return "subscribed"
	case EventMessage:
		return "message"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one notification from the bridge client to its owner.
type Event struct {
	Kind EventKind

	// EventMessage.
	Topic   string
	Payload []byte
	Retain  bool

	// EventConnectRefused: CONNACK status and its description.
	Status byte
	Reason string

	// EventSubscribed: granted QoS per filter, in request order.
	Granted []byte

	// EventDisconnected: the transport error.
	Err error
}
