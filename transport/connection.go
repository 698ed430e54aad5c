// Package transport holds the connection abstraction and the fan-out that
// dispatches inbound envelopes by target id.
package transport

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Meander-Cloud/go-peergroup/envelope"
)

var ErrClosed = errors.New("transport: connection closed")

// Connection is a duplex envelope stream.
//
// Send may be called from the tick goroutine only. An implementation that
// keeps the envelope after Send returns must Acquire it; the caller keeps its
// own reference either way and must not mutate the envelope afterwards.
//
// Receive never blocks. It hands one reference to the caller.
type Connection interface {
	Send(e *envelope.Envelope) error
	Receive() (*envelope.Envelope, bool)
	Closed() bool
	Close() error
	String() string
}

// Inbox is a thread-safe FIFO that reader goroutines push into and the tick
// goroutine drains.
type Inbox struct {
	mutex  sync.Mutex
	items  []*envelope.Envelope
	closed atomic.Bool
}

// Push takes ownership of one reference. It refuses, releasing e, once closed.
func (b *Inbox) Push(e *envelope.Envelope) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed.Load() {
		e.Release()
		return false
	}

	b.items = append(b.items, e)
	return true
}

// Pop keeps draining after Close so nothing received before the close is lost.
func (b *Inbox) Pop() (*envelope.Envelope, bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if len(b.items) == 0 {
		return nil, false
	}

	e := b.items[0]
	b.items[0] = nil
	b.items = b.items[1:]
	return e, true
}

func (b *Inbox) Len() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return len(b.items)
}

func (b *Inbox) Close() {
	b.closed.Store(true)
}

func (b *Inbox) Closed() bool {
	return b.closed.Load()
}

// Discard releases everything still queued.
func (b *Inbox) Discard() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for i, e := range b.items {
		e.Release()
		b.items[i] = nil
	}
	b.items = nil
}
