package core

import (
	"context"
	"errors"
	"sync"

	"eventd/metrics"
)

// DefaultBufferCapacity is the default number of payloads the event buffer holds
const DefaultBufferCapacity = 8192

// ErrBufferClosed is returned by Pop once the buffer is closed and drained
var ErrBufferClosed = errors.New("event buffer closed")

// EventBuffer is the bounded queue between ingestion endpoints and the
// consumer. Push never blocks: a full or closed buffer rejects the payload.
// It is safe for any number of producers and consumers.
type EventBuffer struct {
	ch     chan []byte
	mu     sync.RWMutex // guards closed against a concurrent Push on a closed channel
	closed bool
}

// NewEventBuffer creates a buffer holding at most capacity payloads
func NewEventBuffer(capacity int) *EventBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &EventBuffer{ch: make(chan []byte, capacity)}
}

// Push enqueues payload without blocking and reports whether it was accepted
func (b *EventBuffer) Push(payload []byte) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return false
	}
	select {
	case b.ch <- payload:
		metrics.QueueDepth.Inc()
		return true
	default:
		return false
	}
}

// Pop blocks until a payload is available, ctx is done, or the buffer is
// closed and empty
func (b *EventBuffer) Pop(ctx context.Context) ([]byte, error) {
	select {
	case p, ok := <-b.ch:
		if !ok {
			return nil, ErrBufferClosed
		}
		metrics.QueueDepth.Dec()
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of buffered payloads
func (b *EventBuffer) Len() int { return len(b.ch) }

// Cap returns the buffer capacity
func (b *EventBuffer) Cap() int { return cap(b.ch) }

// Closed reports whether Close has been called
func (b *EventBuffer) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Close rejects further pushes. Buffered payloads remain available to Pop.
// Close is idempotent.
func (b *EventBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
