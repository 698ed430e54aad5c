package logcollect

import (
	"sync/atomic"

	"github.com/Meander-Cloud/go-peergroup/envelope"
)

type item struct {
	tag EventType
	e   *envelope.Envelope
}

type node struct {
	next atomic.Pointer[node]
	item item
}

// Queue is an unbounded multi-producer single-consumer FIFO. Push may be
// called from any goroutine; Pop only from the consumer.
//
// Accounting counters follow every push and pop, so Bytes always equals the
// sum of queued envelope lengths.
type Queue struct {
	head atomic.Pointer[node] // last pushed
	tail *node                // consumer side, always a drained stub

	count  atomic.Int64
	bytes  atomic.Int64
	perTag [256]atomic.Int64
}

func NewQueue() *Queue {
	stub := &node{}
	q := &Queue{
		tail: stub,
	}
	q.head.Store(stub)
	return q
}

// Push takes ownership of one reference to e.
func (q *Queue) Push(tag EventType, e *envelope.Envelope) {
	q.count.Add(1)
	q.bytes.Add(int64(e.Len()))
	q.perTag[tag].Add(1)

	n := &node{
		item: item{
			tag: tag,
			e:   e,
		},
	}
	prev := q.head.Swap(n)
	prev.next.Store(n)
}

// Pop hands the reference back to the caller. A producer caught between its
// swap and link makes the queue look momentarily empty.
func (q *Queue) Pop() (EventType, *envelope.Envelope, bool) {
	next := q.tail.next.Load()
	if next == nil {
		return 0, nil, false
	}

	it := next.item
	next.item = item{}
	q.tail = next

	q.count.Add(-1)
	q.bytes.Add(-int64(it.e.Len()))
	q.perTag[it.tag].Add(-1)

	return it.tag, it.e, true
}

func (q *Queue) Len() int64 {
	return q.count.Load()
}

func (q *Queue) Bytes() int64 {
	return q.bytes.Load()
}

func (q *Queue) CountByType(tag EventType) int64 {
	return q.perTag[tag].Load()
}

// Discard releases everything queued.
func (q *Queue) Discard() int {
	n := 0
	for {
		_, e, ok := q.Pop()
		if !ok {
			return n
		}
		e.Release()
		n++
	}
}
