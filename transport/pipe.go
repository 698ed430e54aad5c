package transport

import (
	"github.com/Meander-Cloud/go-peergroup/envelope"
)

// PipeConn is one end of an in-memory connection. Envelopes cross the pipe by
// reference rather than by copy.
type PipeConn struct {
	name string
	in   *Inbox
	peer *PipeConn
}

func Pipe(nameA, nameB string) (*PipeConn, *PipeConn) {
	a := &PipeConn{
		name: nameA,
		in:   &Inbox{},
	}
	b := &PipeConn{
		name: nameB,
		in:   &Inbox{},
	}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *PipeConn) Send(e *envelope.Envelope) error {
	if p.in.Closed() {
		return ErrClosed
	}

	e.Acquire()
	if !p.peer.in.Push(e) {
		return ErrClosed
	}
	return nil
}

func (p *PipeConn) Receive() (*envelope.Envelope, bool) {
	return p.in.Pop()
}

func (p *PipeConn) Closed() bool {
	return p.in.Closed()
}

// Close breaks both directions; the peer can still drain what was already sent.
func (p *PipeConn) Close() error {
	p.in.Close()
	p.peer.in.Close()
	return nil
}

func (p *PipeConn) Pending() int {
	return p.in.Len()
}

func (p *PipeConn) String() string {
	return "pipe<" + p.name + ">"
}
