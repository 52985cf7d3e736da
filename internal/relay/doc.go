// Package relay connects the bridge client to the entity model and to
// everything downstream of it.
//
// It is the single consumer of the bridge's event channel. Inbound
// messages go through the synchronizer; each accepted update is saved to
// SQLite, exported to InfluxDB when configured, and broadcast to WebSocket
// clients as "entity.updated". Messages no entity claims are broadcast as
// "message.unmatched". Connection changes are broadcast as "bridge.state".
package relay
