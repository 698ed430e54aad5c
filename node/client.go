package node

import (
	"context"
	"fmt"
	"log"

	"go.uber.org/multierr"

	"github.com/Meander-Cloud/go-peergroup/arbiter"
	"github.com/Meander-Cloud/go-peergroup/config"
	"github.com/Meander-Cloud/go-peergroup/envelope"
	g "github.com/Meander-Cloud/go-peergroup/group"
	"github.com/Meander-Cloud/go-peergroup/logcollect"
	m "github.com/Meander-Cloud/go-peergroup/message"
	"github.com/Meander-Cloud/go-peergroup/net/tcp"
	tp "github.com/Meander-Cloud/go-peergroup/net/tcp/protocol"
	"github.com/Meander-Cloud/go-peergroup/net/ws"
	"github.com/Meander-Cloud/go-peergroup/room"
	"github.com/Meander-Cloud/go-peergroup/transport"
)

type unsubscriber interface {
	Unsubscribe()
}

// Client hosts one peer: a room client and a log collector sharing a fanout,
// all owned by the arbiter goroutine and advanced once per tick.
type Client struct {
	config   *config.Config
	arbiter  *arbiter.Arbiter
	pool     *envelope.Pool
	fanout   *transport.Fanout
	room     *room.Client
	registry *logcollect.Registry
	coll     *logcollect.Collector

	tcpClient *tcp.Client
	subs      []unsubscriber
}

func NewClient(c *config.Config) (*Client, error) {
	err := c.ValidateClient()
	if err != nil {
		return nil, err
	}

	cl := &Client{
		config:   c,
		pool:     envelope.NewPool(),
		registry: &logcollect.Registry{},
	}

	cl.fanout, err = transport.NewFanout(&transport.FanoutOptions{
		Pool:      cl.pool,
		LogPrefix: c.LogPrefix + "-Fanout",
		LogDebug:  c.LogDebug,
	})
	if err != nil {
		return nil, err
	}

	cl.room, err = room.NewClient(&room.ClientOptions{
		ServerID:      c.ServerID(),
		Fanout:        cl.fanout,
		BlobCacheSize: c.GetBlobCacheSize(),
		LogPrefix:     c.LogPrefix + "-Room",
		LogDebug:      c.LogDebug,
	})
	if err != nil {
		return nil, err
	}

	cl.coll, err = logcollect.NewCollector(&logcollect.Options{
		SelfID:        cl.room.NetworkID(),
		GroupID:       c.CollectorGroupID(),
		Fanout:        cl.fanout,
		Registry:      cl.registry,
		MemoryCeiling: c.GetCollectorMemoryCeiling(),
		JitterMax:     c.GetCollectorJitterMax(),
		ClockBaseline: c.CollectorClockBaseline,
		PingTimeout:   c.GetPingTimeout(),
		SinkDir:       c.GetCollectorSinkDir(),
		LogPrefix:     c.LogPrefix + "-Collector",
		LogDebug:      c.LogDebug,
	})
	if err != nil {
		return nil, err
	}

	cl.subs = []unsubscriber{
		cl.room.OnPeerAdded.Subscribe(func(p *m.Peer) {
			cl.coll.PeerJoined(p.NetworkID)
		}),
		cl.room.OnPeerRemoved.Subscribe(func(p *m.Peer) {
			cl.coll.PeerLeft(p.NetworkID)
		}),
	}

	cl.arbiter = arbiter.NewArbiter(&arbiter.Options{
		EventChannelLength: c.EventChannelLength,
		LogPrefix:          c.LogPrefix + "-Arbiter",
		LogDebug:           c.LogDebug,
	})

	err = cl.arbiter.Dispatch(func() {
		// invoked on arbiter goroutine
		cl.arbiter.Every(g.GroupTick, c.GetTickInterval(), cl.tick)
		cl.arbiter.Every(g.GroupStatus, c.GetStatusLogInterval(), cl.logStatus)
	})
	if err != nil {
		cl.arbiter.Shutdown()
		return nil, err
	}

	if c.ServerAddress != "" {
		cl.tcpClient, err = tcp.NewClient(c, cl.arbiter, cl.pool, cl, cl.room.NetworkID().String())
		if err != nil {
			cl.arbiter.Shutdown()
			return nil, err
		}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), c.GetTcpDialTimeout())
		defer cancel()

		conn, err := ws.Dial(ctx, c.WebSocketURL, cl.pool, c.LogPrefix+"-WebSocket", c.LogDebug)
		if err != nil {
			cl.arbiter.Shutdown()
			return nil, err
		}

		err = cl.arbiter.Dispatch(func() {
			// invoked on arbiter goroutine
			cl.fanout.AddConnection(conn)
		})
		if err != nil {
			conn.Close()
			cl.arbiter.Shutdown()
			return nil, err
		}
	}

	log.Printf("%s: client started, peer=%s", c.LogPrefix, cl.room.NetworkID())
	return cl, nil
}

// Connected adds each established tcp connection to the fanout.
//
// invoked on arbiter goroutine
func (cl *Client) Connected(conn *tp.Conn) {
	cl.fanout.AddConnection(conn)
}

// invoked on arbiter goroutine
func (cl *Client) tick() {
	cl.fanout.Tick()
	if cl.fanout.ConnectionCount() == 0 {
		cl.room.Disconnected()
	}

	cl.room.Tick()
	cl.coll.Tick()
}

// ServerReachable reports whether the tcp dialer holds a live connection, or
// for websocket whether the fanout still has one.
//
// invoked on any goroutine for tcp, on arbiter goroutine for websocket
func (cl *Client) ServerReachable() bool {
	if cl.tcpClient != nil {
		return cl.tcpClient.Protocol().CheckConnection()
	}
	return cl.fanout.ConnectionCount() > 0
}

// invoked on arbiter goroutine
func (cl *Client) logStatus() {
	r := cl.room.Room()
	roomUUID := "<none>"
	if r != nil {
		roomUUID = r.UUID
	}

	log.Printf(
		"%s: status: room=%s, state=%s, peers=%d, connections=%d, serverReachable=%t, collector: %s, pool: allocated=%d, outstanding=%d",
		cl.config.LogPrefix,
		roomUUID,
		cl.room.State(),
		len(cl.room.Peers()),
		cl.fanout.ConnectionCount(),
		cl.ServerReachable(),
		cl.coll.Status(),
		cl.pool.Allocated(),
		cl.pool.Outstanding(),
	)
}

// Do runs f on the arbiter goroutine, where the room client and collector
// may be used freely.
//
// invoked on any goroutine
func (cl *Client) Do(f func(*room.Client, *logcollect.Collector)) error {
	return cl.arbiter.Dispatch(func() {
		f(cl.room, cl.coll)
	})
}

// DoWait is Do, returning once f has run.
//
// invoked on any goroutine except the arbiter's
func (cl *Client) DoWait(f func(*room.Client, *logcollect.Collector)) error {
	done := make(chan struct{})
	err := cl.Do(func(r *room.Client, coll *logcollect.Collector) {
		defer close(done)
		f(r, coll)
	})
	if err != nil {
		return err
	}
	<-done
	return nil
}

// NewEmitter is safe to call from any goroutine, as is the returned emitter.
func (cl *Client) NewEmitter(eventType logcollect.EventType, header map[string]string) *logcollect.Emitter {
	if header == nil {
		header = make(map[string]string)
	}
	if _, found := header["peer"]; !found {
		header["peer"] = cl.room.NetworkID().String()
	}
	return logcollect.NewEmitter(eventType, cl.registry, header)
}

func (cl *Client) Shutdown() error {
	log.Printf("%s: shutting down", cl.config.LogPrefix)

	if cl.tcpClient != nil {
		cl.tcpClient.Shutdown() // wait
	}

	var err error
	derr := cl.DoWait(func(r *room.Client, coll *logcollect.Collector) {
		cl.arbiter.Release(g.GroupTick)
		cl.arbiter.Release(g.GroupStatus)

		if r.State() != room.StateDisconnected {
			r.Leave()
		}
		for _, s := range cl.subs {
			s.Unsubscribe()
		}

		err = multierr.Append(err, coll.Close())
		r.Close()
		err = multierr.Append(err, cl.fanout.Close())
	})
	if derr != nil {
		err = multierr.Append(err, fmt.Errorf("%s: failed to dispatch shutdown: %w", cl.config.LogPrefix, derr))
	}

	cl.arbiter.Shutdown() // wait
	return err
}
