package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"go.uber.org/multierr"

	"github.com/Meander-Cloud/go-peergroup/arbiter"
	"github.com/Meander-Cloud/go-peergroup/config"
	"github.com/Meander-Cloud/go-peergroup/envelope"
	g "github.com/Meander-Cloud/go-peergroup/group"
	"github.com/Meander-Cloud/go-peergroup/net/tcp"
	tp "github.com/Meander-Cloud/go-peergroup/net/tcp/protocol"
	"github.com/Meander-Cloud/go-peergroup/net/ws"
	"github.com/Meander-Cloud/go-peergroup/room"
)

const (
	WebSocketPath string = "/ws"

	httpShutdownTimeout time.Duration = time.Second * 5
)

// Server hosts the room registry behind a tcp listener, a websocket
// listener, or both.
type Server struct {
	config  *config.Config
	arbiter *arbiter.Arbiter
	pool    *envelope.Pool
	room    *room.Server

	tcpServer  *tcp.Server
	wsHandler  *ws.Handler
	httpServer *http.Server
}

func NewServer(c *config.Config) (*Server, error) {
	err := c.ValidateServer()
	if err != nil {
		return nil, err
	}

	s := &Server{
		config: c,
		pool:   envelope.NewPool(),
	}

	s.room, err = room.NewServer(&room.ServerOptions{
		ServerID:  c.ServerID(),
		Pool:      s.pool,
		LogPrefix: c.LogPrefix + "-Room",
		LogDebug:  c.LogDebug,
	})
	if err != nil {
		return nil, err
	}

	s.arbiter = arbiter.NewArbiter(&arbiter.Options{
		EventChannelLength: c.EventChannelLength,
		LogPrefix:          c.LogPrefix + "-Arbiter",
		LogDebug:           c.LogDebug,
	})

	err = s.arbiter.Dispatch(func() {
		// invoked on arbiter goroutine
		s.arbiter.Every(g.GroupTick, c.GetTickInterval(), func() { s.room.Tick() })
		s.arbiter.Every(g.GroupStatus, c.GetStatusLogInterval(), s.logStatus)
	})
	if err != nil {
		s.arbiter.Shutdown()
		return nil, err
	}

	s.wsHandler = ws.NewHandler(
		s.pool,
		func(conn *ws.Conn) {
			// invoked on http request goroutine
			err := s.arbiter.Dispatch(func() {
				s.room.Accept(conn)
			})
			if err != nil {
				conn.Close()
			}
		},
		c.LogPrefix+"-WebSocket",
		c.LogDebug,
	)

	if c.ListenAddress != "" {
		s.tcpServer, err = tcp.NewServer(c, s.arbiter, s.pool, s, c.ServerID().String())
		if err != nil {
			s.arbiter.Shutdown()
			return nil, err
		}
	}

	if c.WebSocketAddress != "" {
		mux := http.NewServeMux()
		mux.Handle(WebSocketPath, s.wsHandler)
		s.httpServer = &http.Server{
			Addr:    c.WebSocketAddress,
			Handler: mux,
		}

		go func() {
			err := s.httpServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("%s: websocket listener on %s exited, err=%s", c.LogPrefix, c.WebSocketAddress, err.Error())
			}
		}()
	}

	log.Printf("%s: server started, id=%s, tcp=%s, websocket=%s", c.LogPrefix, c.ServerID(), c.ListenAddress, c.WebSocketAddress)
	return s, nil
}

// Accepted hands each tcp connection to the room server.
//
// invoked on arbiter goroutine
func (s *Server) Accepted(conn *tp.Conn) {
	s.room.Accept(conn)
}

// WebSocketHandler serves websocket peers; mount it when the server's own
// listener is not wanted.
func (s *Server) WebSocketHandler() http.Handler {
	return s.wsHandler
}

// TCPConnectionCount counts sockets the tcp listener is reading from.
//
// invoked on any goroutine
func (s *Server) TCPConnectionCount() int {
	if s.tcpServer == nil {
		return 0
	}
	return s.tcpServer.Protocol().ConnectionCount()
}

// invoked on arbiter goroutine
func (s *Server) logStatus() {
	log.Printf(
		"%s: status: connections=%d, tcpSockets=%d, rooms=%d, pool: allocated=%d, outstanding=%d",
		s.config.LogPrefix,
		s.room.ConnectionCount(),
		s.TCPConnectionCount(),
		s.room.RoomCount(),
		s.pool.Allocated(),
		s.pool.Outstanding(),
	)
}

// Do runs f on the arbiter goroutine.
//
// invoked on any goroutine
func (s *Server) Do(f func(*room.Server)) error {
	return s.arbiter.Dispatch(func() {
		f(s.room)
	})
}

// DoWait is Do, returning once f has run.
//
// invoked on any goroutine except the arbiter's
func (s *Server) DoWait(f func(*room.Server)) error {
	done := make(chan struct{})
	err := s.Do(func(r *room.Server) {
		defer close(done)
		f(r)
	})
	if err != nil {
		return err
	}
	<-done
	return nil
}

func (s *Server) Shutdown() error {
	log.Printf("%s: shutting down", s.config.LogPrefix)

	var err error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()

		err = multierr.Append(err, s.httpServer.Shutdown(ctx))
	}

	if s.tcpServer != nil {
		s.tcpServer.Shutdown() // wait
	}

	derr := s.DoWait(func(r *room.Server) {
		s.arbiter.Release(g.GroupTick)
		s.arbiter.Release(g.GroupStatus)
		r.Close()
	})
	if derr != nil {
		err = multierr.Append(err, fmt.Errorf("%s: failed to dispatch shutdown: %w", s.config.LogPrefix, derr))
	}

	s.arbiter.Shutdown() // wait
	return err
}
