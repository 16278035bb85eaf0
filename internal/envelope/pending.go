// ABOUTME: Pending is the in-flight reply correlation set shared by the hub and the client
// ABOUTME: Each wait resolves at most once: matching reply, matching error-rs, timeout, or cancellation

package envelope

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultReplyTimeout applies when a reply wait is given no positive timeout.
const DefaultReplyTimeout = 10 * time.Second

// ErrReplyTimeout indicates no matching reply arrived in time.
var ErrReplyTimeout = errors.New("timed out waiting for reply")

// RemoteError is the failure reported by the remote side through error-rs.
type RemoteError struct {
	RequestID string
	Text      string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Text
}

type outcome struct {
	env *Envelope
	err error
}

type wait struct {
	from     string
	expected string
	result   chan outcome
}

// Pending tracks requests awaiting their reply. It is safe for concurrent use.
type Pending struct {
	mu    sync.Mutex
	waits map[string]*wait
}

// NewPending creates an empty correlation set.
func NewPending() *Pending {
	return &Pending{waits: make(map[string]*wait)}
}

// Waiter is the handle of one registered request.
type Waiter struct {
	p  *Pending
	id string
	w  *wait
}

// Register starts waiting for a reply to requestID of kind expectedKind.
// When from is non-empty only envelopes sent by from are considered.
// Register before sending so a fast reply cannot be missed.
func (p *Pending) Register(requestID, from, expectedKind string) *Waiter {
	w := &wait{from: from, expected: expectedKind, result: make(chan outcome, 1)}

	p.mu.Lock()
	p.waits[requestID] = w
	p.mu.Unlock()

	return &Waiter{p: p, id: requestID, w: w}
}

// Resolve offers an inbound envelope to the pending waits. It returns true
// if the envelope settled a wait. Envelopes without a matching requestId,
// from another sender, or of an unrelated kind are ignored.
func (p *Pending) Resolve(env *Envelope) bool {
	if env == nil {
		return false
	}
	id := env.RequestID()
	if id == "" {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.waits[id]
	if !ok {
		return false
	}
	if w.from != "" && env.From != w.from {
		return false
	}

	switch env.Kind {
	case w.expected:
		w.result <- outcome{env: env}
	case KindErrorRS:
		w.result <- outcome{err: &RemoteError{RequestID: id, Text: env.ErrorText()}}
	default:
		return false
	}
	delete(p.waits, id)
	return true
}

// Len returns the number of unresolved waits.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waits)
}

// remove drops the wait if it is still unresolved.
func (p *Pending) remove(id string, w *wait) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.waits[id]; ok && cur == w {
		delete(p.waits, id)
		return true
	}
	return false
}

// ID returns the request id being waited on.
func (w *Waiter) ID() string {
	return w.id
}

// Cancel abandons the wait. It is a no-op after resolution.
func (w *Waiter) Cancel() {
	w.p.remove(w.id, w.w)
}

// Wait blocks until the reply arrives, the timeout elapses, or ctx is done.
// A timeout of zero or less uses DefaultReplyTimeout. The wait is removed
// from the set in every case.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) (*Envelope, error) {
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cause error
	select {
	case out := <-w.w.result:
		return out.env, out.err
	case <-timer.C:
		cause = ErrReplyTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	}

	if w.p.remove(w.id, w.w) {
		return nil, cause
	}
	// Resolved while the timer or context fired; the reply came first.
	out := <-w.w.result
	return out.env, out.err
}
