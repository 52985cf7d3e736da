// Package api implements the HTTP REST API and WebSocket server for mqttsync.
//
// This package provides:
//   - REST endpoints to read entities, their stored history and the
//     health of the broker session
//   - A command endpoint that publishes entity commands through the bridge
//   - WebSocket hub streaming entity.updated, bridge.state,
//     message.unmatched and command.sent events. Clients may narrow
//     entity events to chosen ids and receive a snapshot of current
//     values when they subscribe to entity.updated
//   - Middleware stack (real IP, request ID, logging, recovery, CORS,
//     body limit)
//
// The server degrades per endpoint: without a store the history endpoint
// answers 503, without a bridge commands answer 503, and reads keep
// working.
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
