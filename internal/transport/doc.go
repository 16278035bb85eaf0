// Package transport provides the physical links between the hub and its agents.
//
// # Overview
//
// Two WebSocket transports share one event model:
//
//   - Reconnecting: client side, one endpoint, reconnects forever with
//     exponential backoff (1s doubling to 30s by default) until Close.
//   - Server: hub side, an http.Handler that accepts many peers and assigns
//     each an opaque PeerID.
//
// # Events
//
// Both transports report everything on a single ordered channel:
//
//	for ev := range t.Events() {
//	    switch ev.Kind {
//	    case transport.EventConnected:
//	    case transport.EventFrame:
//	    case transport.EventDisconnected:
//	    case transport.EventError:
//	    }
//	}
//
// One channel keeps connection changes ordered relative to frames, so a
// consumer never sees a frame from a peer after that peer's disconnect.
//
// # Outbound Queue
//
// Reconnecting.Send never blocks and never drops. Frames wait in a FIFO
// while the socket is down and are written in submission order once it is
// open. A frame is removed from the queue only after a successful write.
//
// # Shutdown
//
// Close is idempotent and non-graceful: sockets are dropped without a
// WebSocket close handshake.
//
// # Logging
//
// WithLogs and MultiPeerWithLogs wrap a transport and log every event and
// send while forwarding calls unchanged.
package transport
