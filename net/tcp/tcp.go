package tcp

import (
	"github.com/Meander-Cloud/go-transport/tcp"

	"github.com/Meander-Cloud/go-peergroup/arbiter"
	"github.com/Meander-Cloud/go-peergroup/config"
	"github.com/Meander-Cloud/go-peergroup/envelope"
	tp "github.com/Meander-Cloud/go-peergroup/net/tcp/protocol"
)

type Server struct {
	protocol  *tp.Server
	tcpServer *tcp.TcpServer
}

type Client struct {
	protocol  *tp.Client
	tcpClient *tcp.TcpClient
}

func newOptions(c *config.Config, address string, logPrefix string) *tcp.Options {
	return &tcp.Options{
		Address:           address,
		KeepAliveInterval: c.GetTcpKeepAliveInterval(),
		KeepAliveCount:    c.GetTcpKeepAliveCount(),
		DialTimeout:       c.GetTcpDialTimeout(),
		ReconnectInterval: c.GetTcpReconnectInterval(),
		ReconnectLogEvery: c.GetTcpReconnectLogEvery(),
		Protocol:          nil, // set once the protocol exists
		LogPrefix:         logPrefix,
		LogDebug:          c.LogDebug,
	}
}

// NewServer listens on c.ListenAddress; every accepted connection is handed
// to h on the arbiter goroutine.
func NewServer(
	c *config.Config,
	a *arbiter.Arbiter,
	pool *envelope.Pool,
	h tp.AcceptHandler,
	selfID string,
) (*Server, error) {
	s := &Server{
		protocol:  nil,
		tcpServer: nil,
	}

	var err error
	s.protocol, err = tp.NewServer(
		&tp.ServerOptions{
			Options:       newOptions(c, c.ListenAddress, c.LogPrefix+"-TcpServer"),
			Arbiter:       a,
			Pool:          pool,
			AcceptHandler: h,
			Txid:          tp.ServerSenderID,
			RxidMap: map[byte]struct{}{
				tp.ClientSenderID: {},
			},
			SelfID: selfID,
		},
	)
	if err != nil {
		return nil, err
	}
	s.protocol.Options().Protocol = s.protocol

	s.tcpServer, err = tcp.NewTcpServer(s.protocol.Options().Options)
	if err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Server) Shutdown() {
	if s.tcpServer != nil {
		s.tcpServer.Shutdown() // wait
	}
}

func (s *Server) Protocol() *tp.Server {
	return s.protocol
}

// NewClient dials c.ServerAddress and keeps reconnecting; each established
// connection is handed to h on the arbiter goroutine.
func NewClient(
	c *config.Config,
	a *arbiter.Arbiter,
	pool *envelope.Pool,
	h tp.ConnectHandler,
	selfID string,
) (*Client, error) {
	cl := &Client{
		protocol:  nil,
		tcpClient: nil,
	}

	var err error
	cl.protocol, err = tp.NewClient(
		&tp.ClientOptions{
			Options:        newOptions(c, c.ServerAddress, c.LogPrefix+"-TcpClient"),
			Arbiter:        a,
			Pool:           pool,
			ConnectHandler: h,
			Txid:           tp.ClientSenderID,
			RxidMap: map[byte]struct{}{
				tp.ServerSenderID: {},
			},
			SelfID: selfID,
		},
	)
	if err != nil {
		return nil, err
	}
	cl.protocol.Options().Protocol = cl.protocol

	cl.tcpClient, err = tcp.NewTcpClient(cl.protocol.Options().Options)
	if err != nil {
		return nil, err
	}

	return cl, nil
}

func (cl *Client) Shutdown() {
	if cl.tcpClient != nil {
		cl.tcpClient.Shutdown() // wait
	}
}

func (cl *Client) Protocol() *tp.Client {
	return cl.protocol
}
