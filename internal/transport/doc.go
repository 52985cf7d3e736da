// Package transport owns a single TCP connection to an MQTT 3.1.1 broker.
//
// Frames are encoded and decoded with the paho packets codec. Inbound
// packets are read by one receive loop and handed to one dispatch worker
// through a bounded queue, so handlers see frames in arrival order and a
// slow handler never stalls the socket.
//
// The transport does not reconnect. Session state, CONNECT/CONNACK and
// resubscription belong to the bridge package.
package transport
