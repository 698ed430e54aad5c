package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-peergroup/envelope"
	"github.com/Meander-Cloud/go-peergroup/netid"
)

func TestCommandRoundTrip(t *testing.T) {
	pool := envelope.NewPool()
	target := netid.FromName("group")
	dest := netid.New(0xabc, 0xdef)

	e, err := Encode(pool, target, &Message{
		Command: &Command{
			Clock:       5,
			Destination: dest,
		},
	})
	require.NoError(t, err)
	defer e.Release()

	assert.Equal(t, target, e.Target())

	decoded, err := Decode(e)
	require.NoError(t, err)
	require.Equal(t, KindCommand, decoded.Kind())
	assert.EqualValues(t, 5, decoded.Command.Clock)
	assert.Equal(t, dest, decoded.Command.Destination)
}

func TestAcceptedRoundTrip(t *testing.T) {
	pool := envelope.NewPool()

	original := &Message{
		Txseq: 3,
		Accepted: &Accepted{
			Room: &Room{
				UUID:       "r",
				Name:       "lobby",
				JoinCode:   "ABC123",
				Publish:    true,
				Properties: map[string]string{"k": "v"},
			},
			Peers: []*Peer{
				{UUID: "p1", NetworkID: netid.New(1, 1), Properties: map[string]string{"name": "a"}},
			},
		},
	}

	e, err := Encode(pool, netid.New(1, 1), original)
	require.NoError(t, err)
	defer e.Release()

	decoded, err := Decode(e)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	pool := envelope.NewPool()

	e := pool.RentPayload([]byte{0xc1, 0xff, 0x00})
	defer e.Release()

	_, err := Decode(e)
	assert.Error(t, err)
}

func TestDecodeRejectsEmptyMessage(t *testing.T) {
	pool := envelope.NewPool()

	e, err := Encode(pool, netid.Null, &Message{Txseq: 1})
	require.NoError(t, err)
	defer e.Release()

	_, err = Decode(e)
	assert.Error(t, err)
}

func TestPingDirection(t *testing.T) {
	assert.True(t, (&Ping{Source: netid.New(1, 2)}).IsRequest())
	assert.False(t, (&Ping{Source: netid.New(1, 2), Responder: netid.New(3, 4)}).IsRequest())
}
