// Package heartbeat drives reconnection and keepalive for the bridge client.
//
// The bridge never reconnects on its own. The monitor polls its state on a
// fixed interval and either opens a new session, sends a PINGREQ, or waits
// for a handshake in progress:
//
//	mon, _ := heartbeat.New(heartbeat.Options{Bridge: client, Interval: 30 * time.Second})
//	mon.Start(ctx)
//	defer mon.Stop()
package heartbeat
