package node

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-peergroup/config"
	"github.com/Meander-Cloud/go-peergroup/logcollect"
	"github.com/Meander-Cloud/go-peergroup/room"
)

const (
	waitFor   = 5 * time.Second
	pollEvery = 10 * time.Millisecond
)

func startServer(t *testing.T) string {
	s, err := NewServer(&config.Config{
		Host:             "test",
		Instance:         "server",
		Namespace:        "node-test",
		WebSocketAddress: "127.0.0.1:0",
		TickInterval:     5,
		LogPrefix:        "server",
	})
	require.NoError(t, err)

	ts := httptest.NewServer(s.WebSocketHandler())
	t.Cleanup(func() {
		ts.Close()
		assert.NoError(t, s.Shutdown())
	})

	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newClient(t *testing.T, url string, name string) *Client {
	cl, err := NewClient(&config.Config{
		Host:             "test",
		Instance:         name,
		Namespace:        "node-test",
		WebSocketURL:     url,
		TickInterval:     5,
		CollectorSinkDir: t.TempDir(),
		LogPrefix:        name,
	})
	require.NoError(t, err)
	return cl
}

func startClient(t *testing.T, url string, name string) *Client {
	cl := newClient(t, url, name)
	t.Cleanup(func() {
		cl.Shutdown()
	})
	return cl
}

func collectorState(t *testing.T, cl *Client) (logcollect.Mode, uint64) {
	var mode logcollect.Mode
	var clock uint64
	assert.NoError(t, cl.DoWait(func(_ *room.Client, coll *logcollect.Collector) {
		mode = coll.Mode()
		clock = coll.Clock()
	}))
	return mode, clock
}

func joinPair(t *testing.T, a *Client, b *Client) {
	require.NoError(t, a.Do(func(r *room.Client, _ *logcollect.Collector) {
		assert.NoError(t, r.JoinNew("node", false))
	}))
	require.Eventually(t, func() bool {
		state, _, _ := roomState(t, a)
		return state == room.StateJoined
	}, waitFor, pollEvery)

	_, code, _ := roomState(t, a)
	require.NoError(t, b.Do(func(r *room.Client, _ *logcollect.Collector) {
		assert.NoError(t, r.Join(code))
	}))
	require.Eventually(t, func() bool {
		_, _, peersA := roomState(t, a)
		_, _, peersB := roomState(t, b)
		return peersA == 1 && peersB == 1
	}, waitFor, pollEvery)
}

func roomState(t *testing.T, cl *Client) (room.State, string, int) {
	var state room.State
	var code string
	var peers int
	assert.NoError(t, cl.DoWait(func(r *room.Client, _ *logcollect.Collector) {
		state = r.State()
		if rm := r.Room(); rm != nil {
			code = rm.JoinCode
		}
		peers = len(r.Peers())
	}))
	return state, code, peers
}

func TestClientsJoinAndCollect(t *testing.T) {
	url := startServer(t)
	a := startClient(t, url, "a")
	b := startClient(t, url, "b")
	joinPair(t, a, b)

	require.NoError(t, a.Do(func(_ *room.Client, coll *logcollect.Collector) {
		coll.StartCollection()
	}))
	require.Eventually(t, func() bool {
		mode, _ := collectorState(t, b)
		return mode == logcollect.ModeForwarding
	}, waitFor, pollEvery)

	emitter := b.NewEmitter(logcollect.EventTypeApplication, nil)
	require.True(t, emitter.Log("hello", "world"))

	require.Eventually(t, func() bool {
		var written uint64
		assert.NoError(t, a.DoWait(func(_ *room.Client, coll *logcollect.Collector) {
			written = coll.Written()
		}))
		return written == 1
	}, waitFor, pollEvery)
}

func TestPrimaryDepartureReturnsToBuffering(t *testing.T) {
	url := startServer(t)
	a := newClient(t, url, "a")
	b := startClient(t, url, "b")
	joinPair(t, a, b)

	require.NoError(t, a.Do(func(_ *room.Client, coll *logcollect.Collector) {
		coll.StartCollection()
	}))
	require.Eventually(t, func() bool {
		mode, clock := collectorState(t, b)
		return mode == logcollect.ModeForwarding && clock > 0
	}, waitFor, pollEvery)

	assert.NoError(t, a.Shutdown())

	require.Eventually(t, func() bool {
		mode, clock := collectorState(t, b)
		return mode == logcollect.ModeBuffering && clock == 0
	}, waitFor, pollEvery)

	_, _, peers := roomState(t, b)
	assert.Equal(t, 0, peers)
}

func TestTCPReachability(t *testing.T) {
	const address = "127.0.0.1:28931"

	s, err := NewServer(&config.Config{
		Host:          "test",
		Instance:      "server",
		Namespace:     "node-test",
		ListenAddress: address,
		TickInterval:  5,
		LogPrefix:     "server",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, s.Shutdown())
	})

	cl, err := NewClient(&config.Config{
		Host:             "test",
		Instance:         "a",
		Namespace:        "node-test",
		ServerAddress:    address,
		TickInterval:     5,
		CollectorSinkDir: t.TempDir(),
		LogPrefix:        "a",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return cl.ServerReachable() && s.TCPConnectionCount() == 1
	}, waitFor, pollEvery)

	assert.NoError(t, cl.Shutdown())

	assert.False(t, cl.ServerReachable())
	require.Eventually(t, func() bool {
		return s.TCPConnectionCount() == 0
	}, waitFor, pollEvery)
}
