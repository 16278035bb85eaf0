// Package gateway runs a coven-hub process.
//
// # Overview
//
// The Gateway owns one hub.Hub served over a WebSocket transport, the
// tunnel.Proxy that forwards HTTP requests to agents, a gRPC server
// carrying the standard health service, and the HTTP server in front of
// all of them. Listeners are plain TCP or, when configured, a tailscale
// node.
//
// # HTTP API
//
//   - GET  /ws (server.ws_path) - agent WebSocket endpoint
//   - GET  /health - liveness check
//   - GET  /health/ready - 200 once at least one agent is routed
//   - GET  /agents - JSON list of routed agents
//   - POST /agents/{agent}/messages - send an envelope, optionally waiting for a reply
//   - GET  /agents/{agent}/proxy/{path...} - tunnel a GET to the agent
//   - GET  /events - Server-Sent Events of presence and inbound envelopes
//   - GET  /metrics - Prometheus metrics when metrics.enabled is set
//
// A message request looks like:
//
//	{"kind": "get-state", "fields": {"verbose": true}, "expect": "state", "timeout_ms": 5000}
//
// Without expect the gateway answers 202 after the envelope is written.
// With expect it answers with the reply envelope, 502 when the agent
// answers error-rs, and 504 when no reply arrives in time.
//
// # gRPC
//
// grpc.health.v1.Health reports SERVING for the empty service name while
// the process is up, and for "coven.hub.agents" while at least one agent
// is routed.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // returns after ctx is cancelled and shutdown completes
package gateway
