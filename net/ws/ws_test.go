package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-peergroup/envelope"
	"github.com/Meander-Cloud/go-peergroup/netid"
)

func receive(t *testing.T, c *Conn) *envelope.Envelope {
	var got *envelope.Envelope
	require.Eventually(t, func() bool {
		var ok bool
		got, ok = c.Receive()
		return ok
	}, time.Second*2, time.Millisecond*5)
	return got
}

func TestRoundTripOverWebSocket(t *testing.T) {
	pool := envelope.NewPool()

	accepted := make(chan *Conn, 1)
	srv := httptest.NewServer(NewHandler(pool, func(c *Conn) { accepted <- c }, "test", false))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := Dial(context.Background(), url, pool, "test", false)
	require.NoError(t, err)

	var server *Conn
	select {
	case server = <-accepted:
	case <-time.After(time.Second * 2):
		t.Fatal("no connection accepted")
	}

	e := pool.RentPayload([]byte("up"))
	e.SetTarget(netid.New(1, 2))
	require.NoError(t, client.Send(e))
	e.Release()

	got := receive(t, server)
	assert.Equal(t, netid.New(1, 2), got.Target())
	assert.Equal(t, []byte("up"), got.Payload())
	got.Release()

	e = pool.RentPayload([]byte("down"))
	require.NoError(t, server.Send(e))
	e.Release()

	got = receive(t, client)
	assert.Equal(t, []byte("down"), got.Payload())
	got.Release()

	client.Close()
	require.Eventually(t, server.Closed, time.Second*2, time.Millisecond*5)
}
