// Package hub multiplexes many remote agents over one multi-peer transport.
//
// # Overview
//
// The Hub consumes the envelope stream of a multi-peer transport and keeps
// a routing table from physical peers to the agent ids they declare in the
// from field of their messages. The table is updated by every inbound
// envelope, so an agent that changes its declared id on the same
// connection is re-routed immediately.
//
// # Presence
//
// A peer is invisible until its first message maps it to an agent.
// Connected emits Presence{true} when a mapping appears or changes and
// Presence{false} when a mapped peer disconnects. On disconnect the hub
// also publishes a synthetic "unregister" envelope from the departed agent
// on Messages, then removes the mapping.
//
// # Request/Reply
//
// GetReply sends a message and waits for the envelope from the same agent
// whose requestId echoes the sent id. A reply of the expected kind
// resolves the wait, a matching "error-rs" rejects it with a
// *envelope.RemoteError, and otherwise the wait times out. The synthetic
// unregister envelope never settles a wait.
//
// # Concurrency
//
// Run owns the event loop and is the only writer of the routing table.
// Send, GetReply and the query methods may be called from any goroutine.
package hub
