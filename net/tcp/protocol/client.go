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

type ConnectHandler interface {
	// invoked on arbiter goroutine
	Connected(*Conn)
}

type ClientOptions struct {
	*tcp.Options
	Arbiter *arbiter.Arbiter
	Pool    *envelope.Pool
	ConnectHandler

	Txid    byte
	RxidMap map[byte]struct{}

	SelfID string
}

type Client struct {
	options           *ClientOptions
	defaultDescriptor string
	inShutdown        atomic.Bool

	// if increment overflow will wrap to zero
	connIDGen atomic.Uint32

	mutex sync.Mutex
	conn  *Conn // current active tcp connection, if any
}

func NewClient(options *ClientOptions) (*Client, error) {
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

	if options.ConnectHandler == nil {
		err := fmt.Errorf("%s: nil ConnectHandler", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	p := &Client{
		options: options,
		defaultDescriptor: fmt.Sprintf(
			"%s-><%s>",
			options.SelfID,
			options.Address,
		),
		inShutdown: atomic.Bool{},
		connIDGen:  atomic.Uint32{},
		mutex:      sync.Mutex{},
		conn:       nil,
	}

	return p, nil
}

func (p *Client) Options() *ClientOptions {
	return p.options
}

func (p *Client) Close() {
	log.Printf("%s: %s: protocol closing", p.options.LogPrefix, p.defaultDescriptor)
	p.inShutdown.Store(true)

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.conn == nil {
		log.Printf("%s: %s: no active connection", p.options.LogPrefix, p.defaultDescriptor)
		return
	}
	p.conn.Close()

	log.Printf("%s: %s: protocol closed", p.options.LogPrefix, p.defaultDescriptor)
}

func (p *Client) ReadLoop(conn net.Conn) {
	connID := p.connIDGen.Add(1)
	c := newConn(
		connID,
		conn,
		p.options.Txid,
		describe(connID, p.options.SelfID, "->", conn),
		p.options.LogPrefix,
		p.options.LogDebug,
	)

	network := conn.RemoteAddr().Network()
	log.Printf("%s: %s: new %s connection", p.options.LogPrefix, c.descriptor, network)

	defer func() {
		func() {
			p.mutex.Lock()
			defer p.mutex.Unlock()

			if p.conn == nil || p.conn.ConnID != connID {
				return
			}
			p.conn = nil
		}()

		log.Printf("%s: %s: %s connection closed, selfInShutdown=%t", p.options.LogPrefix, c.descriptor, network, p.inShutdown.Load())
	}()

	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()

		if p.conn != nil {
			log.Printf("%s: %s: overriding stale connection %s", p.options.LogPrefix, c.descriptor, p.conn.descriptor)
		}
		p.conn = c
	}()

	err := p.options.Arbiter.Dispatch(
		func() {
			// invoked on arbiter goroutine
			p.options.Connected(c)
		},
	)
	if err != nil {
		c.Close()
		return
	}

	c.readLoop(p.options.Pool, p.options.RxidMap)
}

// invoked on any goroutine
func (p *Client) CheckConnection() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.conn != nil && !p.conn.Closed()
}
