package envelope

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

const minClass = 64

// Pool recycles envelope buffers by power-of-two size class. Buffers grow on
// demand and are never freed for the life of the pool.
type Pool struct {
	mutex sync.Mutex
	free  map[int][]*Envelope

	allocated   atomic.Int64
	outstanding atomic.Int64
}

func NewPool() *Pool {
	return &Pool{
		mutex: sync.Mutex{},
		free:  make(map[int][]*Envelope),
	}
}

func classFor(total int) int {
	if total <= minClass {
		return minClass
	}
	return 1 << bits.Len(uint(total-1))
}

// Rent returns an envelope with room for at least length payload bytes, a
// zeroed target id, and one reference.
func (p *Pool) Rent(length int) *Envelope {
	if length < 0 {
		length = 0
	}
	class := classFor(HeaderLen + length)

	var e *Envelope
	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		list := p.free[class]
		n := len(list)
		if n == 0 {
			return
		}
		e = list[n-1]
		list[n-1] = nil
		p.free[class] = list[:n-1]
	}()

	if e == nil {
		e = &Envelope{
			pool:  p,
			class: class,
			buf:   make([]byte, class),
		}
		p.allocated.Add(1)
	}

	clear(e.buf[:HeaderLen])
	e.length = length
	e.refs.Store(1)
	p.outstanding.Add(1)

	return e
}

// RentCopy rents an envelope for data laid out as header followed by
// payload, as read from the wire.
func (p *Pool) RentCopy(data []byte) *Envelope {
	length := len(data) - HeaderLen
	e := p.Rent(length)
	if length < 0 {
		return e
	}
	copy(e.buf, data)
	return e
}

// RentPayload rents an envelope addressed to nothing carrying a copy of payload.
func (p *Pool) RentPayload(payload []byte) *Envelope {
	e := p.Rent(len(payload))
	copy(e.Payload(), payload)
	return e
}

func (p *Pool) put(e *Envelope) {
	e.length = 0
	p.outstanding.Add(-1)

	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.free[e.class] = append(p.free[e.class], e)
}

// Allocated counts backing buffers ever created.
func (p *Pool) Allocated() int64 {
	return p.allocated.Load()
}

// Outstanding counts envelopes rented and not yet fully released.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}
