// ABOUTME: Assembler buffers chunked tunnel responses by request id until the last chunk
// ABOUTME: Produces one complete Exchange per request

package tunnel

import "sync"

// Exchange is a fully assembled tunnel response.
type Exchange struct {
	RequestID   uint32
	From        string
	Status      uint16
	ContentType string
	Body        []byte
}

// Assembler collects response chunks. It is safe for concurrent use.
type Assembler struct {
	mu      sync.Mutex
	partial map[uint32]*Exchange
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{partial: make(map[uint32]*Exchange)}
}

// Add appends r to its exchange. It returns the complete exchange and true
// when r is the last chunk. Status and content type come from the first
// chunk.
func (a *Assembler) Add(r Response) (*Exchange, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ex, ok := a.partial[r.RequestID]
	if !ok {
		ex = &Exchange{
			RequestID:   r.RequestID,
			From:        r.From,
			Status:      r.Status,
			ContentType: r.ContentType,
		}
		a.partial[r.RequestID] = ex
	}
	ex.Body = append(ex.Body, r.Body...)

	if !r.IsLast {
		return nil, false
	}
	delete(a.partial, r.RequestID)
	return ex, true
}

// Drop discards any buffered chunks of requestID.
func (a *Assembler) Drop(requestID uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.partial, requestID)
}

// Len returns the number of incomplete exchanges.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.partial)
}
