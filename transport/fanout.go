package transport

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/Meander-Cloud/go-peergroup/envelope"
	m "github.com/Meander-Cloud/go-peergroup/message"
	"github.com/Meander-Cloud/go-peergroup/netid"
)

// Handler receives envelopes addressed to the id it was registered under. The
// envelope is only valid for the duration of the call unless the handler
// acquires it.
type Handler interface {
	ProcessEnvelope(*envelope.Envelope)
}

type HandlerFunc func(*envelope.Envelope)

func (f HandlerFunc) ProcessEnvelope(e *envelope.Envelope) {
	f(e)
}

type Registration struct {
	id      netid.ID
	handler Handler
	active  bool
}

// Unregister takes effect immediately; the entry itself is pruned on the next
// dispatch to its id.
func (r *Registration) Unregister() {
	r.active = false
}

func (r *Registration) ID() netid.ID {
	return r.id
}

type FanoutOptions struct {
	Pool      *envelope.Pool
	LogPrefix string
	LogDebug  bool
}

// Fanout owns a set of connections, drains them on Tick, and dispatches each
// envelope to every handler registered for its target. Outbound envelopes go
// to every connection; the target is advisory for the receiving side.
//
// All methods are invoked on the tick goroutine.
type Fanout struct {
	options     *FanoutOptions
	connections []Connection
	handlers    map[netid.ID][]*Registration

	txseqGen atomic.Uint64
}

func NewFanout(options *FanoutOptions) (*Fanout, error) {
	if options.Pool == nil {
		err := fmt.Errorf("%s: nil Pool", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	f := &Fanout{
		options:     options,
		connections: nil,
		handlers:    make(map[netid.ID][]*Registration),
	}

	return f, nil
}

func (f *Fanout) Pool() *envelope.Pool {
	return f.options.Pool
}

func (f *Fanout) AddConnection(c Connection) {
	f.connections = append(f.connections, c)
	log.Printf("%s: %s: connection added, total=%d", f.options.LogPrefix, c.String(), len(f.connections))
}

func (f *Fanout) RemoveConnection(c Connection) bool {
	for i, cached := range f.connections {
		if cached == c {
			f.connections = append(f.connections[:i], f.connections[i+1:]...)
			log.Printf("%s: %s: connection removed, total=%d", f.options.LogPrefix, c.String(), len(f.connections))
			return true
		}
	}
	return false
}

func (f *Fanout) ConnectionCount() int {
	return len(f.connections)
}

// Register may be called several times for one id; every live handler
// receives each envelope.
func (f *Fanout) Register(id netid.ID, h Handler) *Registration {
	r := &Registration{
		id:      id,
		handler: h,
		active:  true,
	}
	f.handlers[id] = append(f.handlers[id], r)
	return r
}

func (f *Fanout) RegisterFunc(id netid.ID, fn func(*envelope.Envelope)) *Registration {
	return f.Register(id, HandlerFunc(fn))
}

// Tick drains every connection and dispatches what it read. Closed
// connections are dropped once drained. Returns the number of envelopes read.
func (f *Fanout) Tick() int {
	count := 0

	for i := 0; i < len(f.connections); {
		c := f.connections[i]

		// a reader may queue its last frame and close after our final Receive
		closed := c.Closed()

		for {
			e, ok := c.Receive()
			if !ok {
				break
			}
			count++
			f.dispatch(e)
			e.Release()
		}

		if closed {
			f.connections = append(f.connections[:i], f.connections[i+1:]...)
			log.Printf("%s: %s: connection closed, total=%d", f.options.LogPrefix, c.String(), len(f.connections))
			continue
		}
		i++
	}

	return count
}

func (f *Fanout) dispatch(e *envelope.Envelope) {
	target := e.Target()

	regs := f.handlers[target]
	live := regs[:0]
	for _, r := range regs {
		if r.active {
			live = append(live, r)
		}
	}
	for i := len(live); i < len(regs); i++ {
		regs[i] = nil
	}

	if len(live) == 0 {
		delete(f.handlers, target)
		if f.options.LogDebug {
			log.Printf("%s: no handler for target=%s, dropped %d bytes", f.options.LogPrefix, target, e.Len())
		}
		return
	}
	f.handlers[target] = live

	// handlers may register or unregister while being called
	snapshot := make([]*Registration, len(live))
	copy(snapshot, live)
	for _, r := range snapshot {
		if !r.active {
			continue
		}
		r.handler.ProcessEnvelope(e)
	}
}

// Send stamps target into e and writes it to every connection. The caller
// keeps its reference.
func (f *Fanout) Send(target netid.ID, e *envelope.Envelope) error {
	e.SetTarget(target)

	var err error
	for _, c := range f.connections {
		werr := c.Send(e)
		if werr != nil {
			log.Printf("%s: %s: failed to send %d bytes to target=%s, err=%s", f.options.LogPrefix, c.String(), e.Len(), target, werr.Error())
			err = multierr.Append(err, werr)
		}
	}

	return err
}

// SendMessage stamps sequence and time, encodes, and sends.
func (f *Fanout) SendMessage(target netid.ID, messageStruct *m.Message) error {
	messageStruct.Txseq = f.GetNextTxseq()
	messageStruct.Txtime = time.Now().UTC().UnixMilli()

	e, err := m.Encode(f.options.Pool, target, messageStruct)
	if err != nil {
		log.Printf("%s: target=%s, %s", f.options.LogPrefix, target, err.Error())
		return err
	}
	defer e.Release()

	if f.options.LogDebug {
		log.Printf("%s: target=%s, sending kind=%s, %d bytes", f.options.LogPrefix, target, messageStruct.Kind(), e.Len())
	}

	return f.Send(target, e)
}

// invoked on any goroutine
func (f *Fanout) GetNextTxseq() uint64 {
	return f.txseqGen.Add(1)
}

func (f *Fanout) Close() error {
	var err error
	for _, c := range f.connections {
		err = multierr.Append(err, c.Close())
		for {
			e, ok := c.Receive()
			if !ok {
				break
			}
			e.Release()
		}
	}
	f.connections = nil
	return err
}
