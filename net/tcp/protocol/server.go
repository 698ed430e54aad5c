package protocol

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/Meander-Cloud/go-transport/tcp"

	"github.com/Meander-Cloud/go-peergroup/arbiter"
	"github.com/Meander-Cloud/go-peergroup/envelope"
)

type AcceptHandler interface {
	// invoked on arbiter goroutine
	Accepted(*Conn)
}

type ServerOptions struct {
	*tcp.Options
	Arbiter *arbiter.Arbiter
	Pool    *envelope.Pool
	AcceptHandler

	Txid    byte
	RxidMap map[byte]struct{}

	SelfID string
}

type Server struct {
	options    *ServerOptions
	inShutdown atomic.Bool

	// if increment overflow will wrap to zero
	connIDGen atomic.Uint32

	mutex   sync.Mutex
	connMap map[uint32]*Conn // connID -> tcp connection
}

func NewServer(options *ServerOptions) (*Server, error) {
	if options.Arbiter == nil {
		err := fmt.Errorf("%s: nil Arbiter", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.Pool == nil {
		err := fmt.Errorf("%s: nil Pool", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.AcceptHandler == nil {
		err := fmt.Errorf("%s: nil AcceptHandler", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	p := &Server{
		options:    options,
		inShutdown: atomic.Bool{},
		connIDGen:  atomic.Uint32{},
		mutex:      sync.Mutex{},
		connMap:    make(map[uint32]*Conn),
	}

	return p, nil
}

func (p *Server) Options() *ServerOptions {
	return p.options
}

func (p *Server) Close() {
	log.Printf("%s: protocol closing", p.options.LogPrefix)
	p.inShutdown.Store(true)

	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, c := range p.connMap {
		c.Close()
	}

	log.Printf("%s: protocol closed", p.options.LogPrefix)
}

func (p *Server) ReadLoop(conn net.Conn) {
	connID := p.connIDGen.Add(1)
	c := newConn(
		connID,
		conn,
		p.options.Txid,
		describe(connID, p.options.SelfID, "<-", conn),
		p.options.LogPrefix,
		p.options.LogDebug,
	)

	network := conn.RemoteAddr().Network()
	log.Printf("%s: %s: new %s connection", p.options.LogPrefix, c.descriptor, network)

	defer func() {
		func() {
			p.mutex.Lock()
			defer p.mutex.Unlock()

			_, found := p.connMap[connID]
			if !found {
				log.Printf("%s: %s: connID=%d not found in connection map", p.options.LogPrefix, c.descriptor, connID)
				return
			}
			delete(p.connMap, connID)
		}()

		log.Printf("%s: %s: %s connection closed, selfInShutdown=%t", p.options.LogPrefix, c.descriptor, network, p.inShutdown.Load())
	}()

	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		p.connMap[connID] = c
	}()

	err := p.options.Arbiter.Dispatch(
		func() {
			// invoked on arbiter goroutine
			p.options.Accepted(c)
		},
	)
	if err != nil {
		c.Close()
		return
	}

	c.readLoop(p.options.Pool, p.options.RxidMap)
}

// invoked on any goroutine
func (p *Server) ConnectionCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.connMap)
}
