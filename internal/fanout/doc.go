// Package fanout provides a generic in-memory broadcaster used to expose
// the hub and client event streams (presence, envelopes, binary frames) to
// any number of independent consumers.
package fanout
