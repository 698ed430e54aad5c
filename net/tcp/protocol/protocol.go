package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/Meander-Cloud/go-peergroup/envelope"
	"github.com/Meander-Cloud/go-peergroup/transport"
)

const (
	tcpWriteDeadline time.Duration = time.Second * 3
)

const (
	headerLen     int    = 7
	maxPayloadLen uint32 = 1 << 20 // 1 MB
)

const (
	protocolPattern byte = 0x59
	protocolVersion byte = 0x02
)

const (
	ServerSenderID byte = 0x01
	ClientSenderID byte = 0x02
)

// Conn carries envelopes over one tcp connection. Each frame is a seven byte
// header followed by the envelope bytes:
// 0 - pre-designated bit pattern indicating valid message
// 1 - protocol version
// 2 - sender id
// 3,4,5,6 - payload length of type uint32, little endian byte order
type Conn struct {
	ConnID     uint32
	conn       net.Conn
	txid       byte
	descriptor string
	logPrefix  string
	logDebug   bool

	inbox      transport.Inbox
	writeMutex sync.Mutex
}

func newConn(connID uint32, conn net.Conn, txid byte, descriptor string, logPrefix string, logDebug bool) *Conn {
	return &Conn{
		ConnID:     connID,
		conn:       conn,
		txid:       txid,
		descriptor: descriptor,
		logPrefix:  logPrefix,
		logDebug:   logDebug,
	}
}

// invoked on any goroutine
func (c *Conn) Send(e *envelope.Envelope) error {
	if c.inbox.Closed() {
		return transport.ErrClosed
	}

	body := e.Bytes()
	header := make([]byte, headerLen)
	header[0] = protocolPattern
	header[1] = protocolVersion
	header[2] = c.txid
	binary.LittleEndian.PutUint32(header[3:7], uint32(len(body)))

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	c.conn.SetWriteDeadline(time.Now().UTC().Add(tcpWriteDeadline))
	buffers := net.Buffers{header, body}
	n, err := buffers.WriteTo(c.conn)
	if err != nil {
		log.Printf("%s: %s: failed to write %d bytes, err=%s", c.logPrefix, c.descriptor, headerLen+len(body), err.Error())
		return err
	}
	if c.logDebug {
		log.Printf("%s: %s: wrote %d bytes, header %X", c.logPrefix, c.descriptor, n, header)
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
	return c.conn.Close()
}

func (c *Conn) String() string {
	return c.descriptor
}

// readLoop returns when the connection fails or a frame violates the protocol.
//
// invoked on ReadLoop goroutine
func (c *Conn) readLoop(pool *envelope.Pool, rxidMap map[byte]struct{}) {
	defer func() {
		c.inbox.Close()
		c.conn.Close()
	}()

	header := make([]byte, headerLen)
	for {
		n1, err := io.ReadFull(c.conn, header)
		if err != nil {
			log.Printf("%s: %s: failed to read header bytes, err=%s", c.logPrefix, c.descriptor, err.Error())
			return
		}

		// protocol specific sanity check
		if header[0] != protocolPattern {
			log.Printf("%s: %s: invalid protocol pattern in header bytes %X", c.logPrefix, c.descriptor, header[:n1])
			return
		}
		if header[1] != protocolVersion {
			log.Printf("%s: %s: unsupported protocol version in header bytes %X", c.logPrefix, c.descriptor, header[:n1])
			return
		}
		_, found := rxidMap[header[2]]
		if !found {
			log.Printf("%s: %s: unrecognized sender id in header bytes %X", c.logPrefix, c.descriptor, header[:n1])
			return
		}

		payloadLen := binary.LittleEndian.Uint32(header[3:7])
		if payloadLen > maxPayloadLen || payloadLen < uint32(envelope.HeaderLen) {
			log.Printf("%s: %s: payloadLen=%d in header bytes %X is out of range", c.logPrefix, c.descriptor, payloadLen, header[:n1])
			return
		}

		e := pool.Rent(int(payloadLen) - envelope.HeaderLen)
		_, err = io.ReadFull(c.conn, e.Bytes())
		if err != nil {
			log.Printf("%s: %s: failed to read %d payload bytes, err=%s", c.logPrefix, c.descriptor, payloadLen, err.Error())
			e.Release()
			return
		}
		if c.logDebug {
			log.Printf("%s: %s: read %d payload bytes, target=%s", c.logPrefix, c.descriptor, payloadLen, e.Target())
		}

		if !c.inbox.Push(e) {
			return
		}
	}
}

func describe(connID uint32, selfID string, arrow string, conn net.Conn) string {
	return fmt.Sprintf(
		"[%d]%s%s<%s>",
		connID,
		selfID,
		arrow,
		conn.RemoteAddr().String(),
	)
}
