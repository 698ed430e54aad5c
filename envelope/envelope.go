// Package envelope implements the pooled, reference-counted message buffer
// that every higher layer builds on.
//
// Lifetime contract: an envelope comes out of Rent holding one reference.
// Anything that keeps an envelope beyond the call that delivered it must
// Acquire first, and every Acquire is paired with exactly one Release. The
// final Release hands the backing buffer back to its pool. Releasing more
// often than that is undefined and is not checked.
package envelope

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/Meander-Cloud/go-peergroup/netid"
)

// HeaderLen is the size of the fixed header carrying the target id.
const HeaderLen = 8

type Envelope struct {
	pool   *Pool
	class  int
	buf    []byte // header + payload, len(buf) == class
	length int    // payload length
	refs   atomic.Int32
}

func (e *Envelope) Target() netid.ID {
	return netid.New(
		binary.LittleEndian.Uint32(e.buf[0:4]),
		binary.LittleEndian.Uint32(e.buf[4:8]),
	)
}

func (e *Envelope) SetTarget(id netid.ID) {
	binary.LittleEndian.PutUint32(e.buf[0:4], id.Hi)
	binary.LittleEndian.PutUint32(e.buf[4:8], id.Lo)
}

// Payload aliases the pooled buffer; it is only valid while a reference is held.
func (e *Envelope) Payload() []byte {
	return e.buf[HeaderLen : HeaderLen+e.length]
}

// Bytes returns header and payload, the form written to the wire.
func (e *Envelope) Bytes() []byte {
	return e.buf[:HeaderLen+e.length]
}

func (e *Envelope) Len() int {
	return e.length
}

// Capacity is the largest payload the backing buffer can hold.
func (e *Envelope) Capacity() int {
	return len(e.buf) - HeaderLen
}

func (e *Envelope) Refs() int32 {
	return e.refs.Load()
}

func (e *Envelope) Acquire() *Envelope {
	e.refs.Add(1)
	return e
}

func (e *Envelope) Release() {
	if e.refs.Add(-1) == 0 {
		e.pool.put(e)
	}
}
