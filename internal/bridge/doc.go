// Package bridge implements the MQTT session on top of a transport
// connection.
//
// The client owns the session state machine
//
//	Closed → Opening → AwaitingAck → Connected → Closed
//
// and the immutable subscription set, which it re-issues as a single
// SUBSCRIBE after every accepted CONNACK. It never reconnects on its own;
// the heartbeat package decides when to Open again.
//
// Publishes and commands use QoS 0. A publish attempted while the session
// is not Connected is dropped (ErrDropped) and, if the session was Closed,
// triggers an Open.
//
// Session events (connected, refused, disconnected, subscribed, inbound
// messages) are delivered on Events() in the order they happened.
package bridge
