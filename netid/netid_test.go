package netid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveIsDeterministic(t *testing.T) {
	ns := FromName("peergroup")

	a := Derive(ns, "room.server")
	b := Derive(ns, "room.server")
	c := Derive(ns, "log.collector")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.False(t, a.IsNull())
	assert.False(t, c.IsNull())
}

func TestDeriveDependsOnNamespace(t *testing.T) {
	assert.NotEqual(t, Derive(FromName("a"), "x"), Derive(FromName("b"), "x"))
}

func TestRandomIsNotNull(t *testing.T) {
	seen := make(map[ID]struct{})
	for i := 0; i < 256; i++ {
		id := Random()
		require.False(t, id.IsNull())
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 256)
}

func TestParseString(t *testing.T) {
	id := New(0xdeadbeef, 0x00c0ffee)
	assert.Equal(t, "deadbeef-00c0ffee", id.String())

	parsed, err := Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	parsed, err = Parse("deadbeef00c0ffee")
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = Parse("xyz")
	assert.Error(t, err)

	_, err = Parse("zzzzzzzzzzzzzzzz")
	assert.Error(t, err)
}

func TestUint64RoundTrip(t *testing.T) {
	id := New(7, 9)
	assert.Equal(t, id, FromUint64(id.Uint64()))
	assert.True(t, Null.IsNull())
}
