// Package envelope translates raw transport frames into structured envelopes
// and back, and provides the correlation helpers shared by the hub and the
// client.
//
// # Wire Format
//
// An envelope travels as one JSON text frame:
//
//	{"event": "<kind>", "data": {"version": 1, "id": "...", "from": "...", "on": 1700000000000, "kind": "<kind>", ...}}
//
// The header fields (version, id, from, on, kind) sit next to the payload
// fields inside data. The set of kinds and their payload shapes is owned by
// the business layer; this package treats kind as an opaque string.
//
// # Parse Policy
//
// Frames that do not start with a JSON object are foreign traffic sharing
// the socket and are skipped silently. Frames that look like envelopes but
// fail validation are logged and dropped. Neither case affects the
// connection or other in-flight requests. Binary frames are passed through
// untouched for the tunnel layer.
//
// # Correlation
//
// A reply carries a requestId field equal to the id of the request it
// answers. Failures are reported with kind "error-rs" and an error text.
// Pending tracks in-flight requests and resolves each at most once.
package envelope
