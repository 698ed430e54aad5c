// Package ws carries envelopes over WebSocket connections, one envelope per
// binary message.
package ws

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Meander-Cloud/go-peergroup/envelope"
	"github.com/Meander-Cloud/go-peergroup/transport"
)

const (
	wsWriteDeadline time.Duration = time.Second * 3
	maxMessageLen   int64         = 1 << 20 // 1 MB
)

type Conn struct {
	conn       *websocket.Conn
	descriptor string
	logPrefix  string
	logDebug   bool

	inbox      transport.Inbox
	writeMutex sync.Mutex
}

func newConn(conn *websocket.Conn, descriptor string, logPrefix string, logDebug bool) *Conn {
	conn.SetReadLimit(maxMessageLen)
	return &Conn{
		conn:       conn,
		descriptor: descriptor,
		logPrefix:  logPrefix,
		logDebug:   logDebug,
	}
}

func (c *Conn) Send(e *envelope.Envelope) error {
	if c.inbox.Closed() {
		return transport.ErrClosed
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	c.conn.SetWriteDeadline(time.Now().UTC().Add(wsWriteDeadline))
	err := c.conn.WriteMessage(websocket.BinaryMessage, e.Bytes())
	if err != nil {
		log.Printf("%s: %s: failed to write %d bytes, err=%s", c.logPrefix, c.descriptor, envelope.HeaderLen+e.Len(), err.Error())
		return err
	}

	return nil
}

func (c *Conn) Receive() (*envelope.Envelope, bool) {
	return c.inbox.Pop()
}

func (c *Conn) Closed() bool {
	return c.inbox.Closed()
}

func (c *Conn) Close() error {
	c.inbox.Close()

	c.writeMutex.Lock()
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().UTC().Add(wsWriteDeadline),
	)
	c.writeMutex.Unlock()

	return c.conn.Close()
}

func (c *Conn) String() string {
	return c.descriptor
}

// ReadLoop blocks until the connection ends.
func (c *Conn) ReadLoop(pool *envelope.Pool) {
	defer func() {
		c.inbox.Close()
		c.conn.Close()
		log.Printf("%s: %s: connection closed", c.logPrefix, c.descriptor)
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Printf("%s: %s: read failed, err=%s", c.logPrefix, c.descriptor, err.Error())
			return
		}

		if messageType != websocket.BinaryMessage {
			log.Printf("%s: %s: ignoring message type %d", c.logPrefix, c.descriptor, messageType)
			continue
		}

		if len(data) < envelope.HeaderLen {
			log.Printf("%s: %s: short message of %d bytes dropped", c.logPrefix, c.descriptor, len(data))
			continue
		}

		e := pool.RentCopy(data)
		if c.logDebug {
			log.Printf("%s: %s: read %d bytes, target=%s", c.logPrefix, c.descriptor, len(data), e.Target())
		}

		if !c.inbox.Push(e) {
			return
		}
	}
}

// Dial connects and starts the read goroutine.
func Dial(ctx context.Context, url string, pool *envelope.Pool, logPrefix string, logDebug bool) (*Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		err = fmt.Errorf("%s: failed to dial url=%s, err=%w", logPrefix, url, err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	c := newConn(conn, fmt.Sprintf("ws-><%s>", url), logPrefix, logDebug)
	log.Printf("%s: %s: connected", logPrefix, c.descriptor)

	go c.ReadLoop(pool)

	return c, nil
}

// Handler upgrades inbound requests and passes each connection to accept
// before reading from it. accept is invoked on the request goroutine.
type Handler struct {
	upgrader  websocket.Upgrader
	pool      *envelope.Pool
	accept    func(*Conn)
	logPrefix string
	logDebug  bool

	connIDGen atomic.Uint32
}

func NewHandler(pool *envelope.Pool, accept func(*Conn), logPrefix string, logDebug bool) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pool:      pool,
		accept:    accept,
		logPrefix: logPrefix,
		logDebug:  logDebug,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("%s: upgrade from %s failed, err=%s", h.logPrefix, r.RemoteAddr, err.Error())
		return
	}

	c := newConn(
		conn,
		fmt.Sprintf("[%d]ws<-<%s>", h.connIDGen.Add(1), r.RemoteAddr),
		h.logPrefix,
		h.logDebug,
	)
	log.Printf("%s: %s: new connection", h.logPrefix, c.descriptor)

	h.accept(c)
	c.ReadLoop(h.pool)
}
