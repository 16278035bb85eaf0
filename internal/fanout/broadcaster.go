// ABOUTME: Generic in-memory fan-out broadcaster backing the hub and client streams
// ABOUTME: Queued subscribers never lose values; buffered subscribers drop when full

package fanout

import (
	"context"
	"log/slog"
	"sync"

	"github.com/eapache/queue"
	"github.com/google/uuid"
)

// DefaultBufferSize is the channel buffer for each subscriber.
const DefaultBufferSize = 64

// Broadcaster provides in-memory pub/sub of values of type T.
// Subscribers receive every value published after they subscribed, in
// publish order. Publish never blocks. A broadcaster made with New drops
// values for a subscriber whose buffer is full and logs a warning; one made
// with NewQueued holds them in an unbounded per-subscriber FIFO instead.
type Broadcaster[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber[T]
	bufferSize  int
	queued      bool
	closed      bool
	logger      *slog.Logger
}

type subscriber[T any] struct {
	ch chan T

	// Queued mode only. pump owns ch and closes it on exit.
	mu       sync.Mutex
	pending  *queue.Queue
	draining bool
	wake     chan struct{}
	stop     chan struct{}
}

// New creates a broadcaster that drops values for slow subscribers. Pass
// nil logger for default and a non-positive bufferSize for
// DefaultBufferSize.
func New[T any](name string, bufferSize int, logger *slog.Logger) *Broadcaster[T] {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broadcaster[T]{
		subscribers: make(map[string]*subscriber[T]),
		bufferSize:  bufferSize,
		logger:      logger.With("component", "fanout", "stream", name),
	}
}

// NewQueued creates a broadcaster whose subscribers receive every value.
// Values a subscriber has not read yet wait in its own FIFO, so a slow
// reader costs memory rather than messages.
func NewQueued[T any](name string, logger *slog.Logger) *Broadcaster[T] {
	b := New[T](name, 0, logger)
	b.queued = true
	return b
}

// Subscribe registers a subscriber and returns its channel together with a
// subscription ID for later unsubscription. The subscription is removed
// and its channel closed when ctx is cancelled. Subscribing to a closed
// broadcaster returns an already-closed channel.
func (b *Broadcaster[T]) Subscribe(ctx context.Context) (<-chan T, string) {
	subID := uuid.New().String()
	sub := &subscriber[T]{ch: make(chan T, b.bufferSize)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	if b.queued {
		sub.pending = queue.New()
		sub.wake = make(chan struct{}, 1)
		sub.stop = make(chan struct{})
		go sub.pump(ctx)
	}
	b.subscribers[subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return sub.ch, subID
}

// Publish delivers v to every current subscriber and returns how many
// subscribers received or queued it.
func (b *Broadcaster[T]) Publish(v T) int {
	// Sends happen under the read lock so Unsubscribe cannot close a
	// channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for id, sub := range b.subscribers {
		if b.queued {
			sub.push(v)
			delivered++
			continue
		}
		select {
		case sub.ch <- v:
			delivered++
		default:
			b.logger.Warn("subscriber channel full, dropping value", "sub_id", id)
		}
	}
	return delivered
}

// Unsubscribe removes a subscription and closes its channel. Values still
// queued for it are discarded.
func (b *Broadcaster[T]) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	if b.queued {
		close(sub.stop)
	} else {
		close(sub.ch)
	}

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Len returns the number of active subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close ends every subscription. Queued subscribers first receive what is
// already in their FIFO. Later subscriptions receive a closed channel and
// later publishes are no-ops. Safe to call multiple times.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		if b.queued {
			sub.drain()
		} else {
			close(sub.ch)
		}
		delete(b.subscribers, id)
	}

	b.logger.Debug("broadcaster closed")
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	s.pending.Add(v)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber[T]) drain() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest queued value. When the FIFO is empty it reports
// whether the subscriber should finish.
func (s *subscriber[T]) next() (v T, ok, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending.Length() > 0 {
		return s.pending.Remove().(T), true, false
	}
	return v, false, s.draining
}

// pump moves queued values onto ch in order until the subscription is
// removed, its context ends, or the broadcaster closes and the FIFO is empty.
func (s *subscriber[T]) pump(ctx context.Context) {
	defer close(s.ch)
	for {
		v, ok, done := s.next()
		if !ok {
			if done {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
		select {
		case s.ch <- v:
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
