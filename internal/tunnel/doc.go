// Package tunnel carries simple GET-style HTTP exchanges between the hub
// and its agents over binary transport frames.
//
// # Wire Format
//
// Every message starts with a type byte and a little-endian request id,
// followed by the sender id as a uint16 length-prefixed UTF-8 string:
//
//	request:  0x01 | requestId u32 | fromLen u16 | from | pathLen u16 | path
//	response: 0x02 | requestId u32 | fromLen u16 | from | status u16 |
//	          ctLen u16 | contentType | isLast u8 | bodyLen u32 | body
//
// One request is answered by one or more responses with the same request
// id; the last one has isLast set. Encoding is deterministic.
//
// # Services
//
// Proxy runs on the hub. It serves HTTP requests by sending tunnel
// requests to an agent and assembling the chunked responses. Responder
// runs on the agent. It performs the requested GET against a local base
// URL and streams the body back in chunks.
package tunnel
