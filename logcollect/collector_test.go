package logcollect

import (
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-peergroup/envelope"
	m "github.com/Meander-Cloud/go-peergroup/message"
	"github.com/Meander-Cloud/go-peergroup/netid"
	"github.com/Meander-Cloud/go-peergroup/transport"
)

var testGroupID = netid.FromName("log.collector")

type testNode struct {
	name      string
	fanout    *transport.Fanout
	collector *Collector
	registry  *Registry
	jitter    uint64
}

type mesh struct {
	t     *testing.T
	pool  *envelope.Pool
	clock *clock.Mock
	nodes []*testNode
}

func newMesh(t *testing.T) *mesh {
	return &mesh{
		t:     t,
		pool:  envelope.NewPool(),
		clock: clock.NewMock(),
	}
}

// add creates a node connected to every existing node.
func (ms *mesh) add(name string, id uint32) *testNode {
	f, err := transport.NewFanout(&transport.FanoutOptions{
		Pool:      ms.pool,
		LogPrefix: name,
	})
	require.NoError(ms.t, err)

	n := &testNode{
		name:     name,
		fanout:   f,
		registry: &Registry{},
		jitter:   1,
	}

	c, err := NewCollector(&Options{
		SelfID:    netid.New(id, id),
		GroupID:   testGroupID,
		Fanout:    f,
		Registry:  n.registry,
		Clock:     ms.clock,
		Jitter:    func() uint64 { return n.jitter },
		SinkDir:   ms.t.TempDir(),
		LogPrefix: name,
	})
	require.NoError(ms.t, err)
	n.collector = c

	for _, other := range ms.nodes {
		a, b := transport.Pipe(name+"->"+other.name, other.name+"->"+name)
		f.AddConnection(a)
		other.fanout.AddConnection(b)
	}

	ms.nodes = append(ms.nodes, n)
	return n
}

// pump ticks every node until two consecutive rounds read nothing.
func (ms *mesh) pump() {
	idle := 0
	for round := 0; round < 64; round++ {
		moved := 0
		for _, n := range ms.nodes {
			moved += n.fanout.Tick()
			n.collector.Tick()
		}
		if moved == 0 {
			idle++
			if idle == 2 {
				return
			}
		} else {
			idle = 0
		}
	}
	ms.t.Fatal("pump did not settle")
}

func assertModeInvariant(t *testing.T, c *Collector) {
	d := c.Destination()
	switch c.Mode() {
	case ModeWriting:
		assert.Equal(t, c.SelfID(), d)
	case ModeForwarding:
		assert.False(t, d.IsNull())
		assert.NotEqual(t, c.SelfID(), d)
	case ModeBuffering:
		assert.True(t, d.IsNull())
	default:
		t.Fatalf("unknown mode %s", c.Mode())
	}
}

func TestClaimAdoptedByPeers(t *testing.T) {
	ms := newMesh(t)
	a := ms.add("a", 1)
	b := ms.add("b", 2)
	c := ms.add("c", 3)

	a.collector.StartCollection()
	assert.Equal(t, ModeWriting, a.collector.Mode())
	assert.EqualValues(t, 1, a.collector.Clock())
	ms.pump()

	for _, n := range []*testNode{b, c} {
		assert.Equal(t, ModeForwarding, n.collector.Mode())
		assert.Equal(t, a.collector.SelfID(), n.collector.Destination())
		assert.EqualValues(t, 1, n.collector.Clock())
		assertModeInvariant(t, n.collector)
	}

	// failover: b notices a leaving before c does
	b.collector.PeerLeft(a.collector.SelfID())
	assert.Equal(t, ModeBuffering, b.collector.Mode())
	assert.EqualValues(t, 0, b.collector.Clock())
	assert.Equal(t, a.collector.SelfID(), c.collector.Destination())

	c.collector.PeerLeft(b.collector.SelfID())
	assert.Equal(t, ModeForwarding, c.collector.Mode())
	c.collector.PeerLeft(a.collector.SelfID())
	assert.Equal(t, ModeBuffering, c.collector.Mode())
}

func TestSimultaneousClaimConverges(t *testing.T) {
	ms := newMesh(t)
	b := ms.add("b", 2)
	c := ms.add("c", 3)
	b.jitter = 3
	c.jitter = 5

	b.collector.StartCollection()
	c.collector.StartCollection()
	ms.pump()

	assert.Equal(t, c.collector.SelfID(), b.collector.Destination())
	assert.Equal(t, c.collector.SelfID(), c.collector.Destination())
	assert.EqualValues(t, 6, b.collector.Clock())
	assert.EqualValues(t, 6, c.collector.Clock())
	assert.Equal(t, ModeForwarding, b.collector.Mode())
	assert.Equal(t, ModeWriting, c.collector.Mode())
}

func TestAdoptedClockIsMaximumSeen(t *testing.T) {
	ms := newMesh(t)
	a := ms.add("a", 1)

	x := netid.New(10, 10)
	y := netid.New(11, 11)
	commands := []*m.Command{
		{Clock: 3, Destination: x},
		{Clock: 2, Destination: y},
		{Clock: 7, Destination: y},
		{Clock: 7, Destination: x},
		{Clock: 5, Destination: x},
		{Clock: 9, Destination: netid.Null},
		{Clock: 8, Destination: x},
	}

	var maxClock uint64
	var maxDestination netid.ID
	for _, command := range commands {
		if command.Clock > maxClock {
			maxClock = command.Clock
			maxDestination = command.Destination
		}
		a.collector.processCommand(command)

		assert.Equal(t, maxClock, a.collector.Clock())
		assert.Equal(t, maxDestination, a.collector.Destination())
		assertModeInvariant(t, a.collector)
	}
}

func TestCollisionRaisesClockAndReclaims(t *testing.T) {
	ms := newMesh(t)
	a := ms.add("a", 1)
	b := ms.add("b", 2)
	a.jitter = 4

	a.collector.StartCollection()
	ms.pump()
	require.EqualValues(t, 1, b.collector.Clock())

	a.collector.processCommand(&m.Command{Clock: 1, Destination: netid.New(9, 9)})
	assert.EqualValues(t, 5, a.collector.Clock())
	assert.Equal(t, ModeWriting, a.collector.Mode())
	ms.pump()

	assert.EqualValues(t, 5, b.collector.Clock())
	assert.Equal(t, a.collector.SelfID(), b.collector.Destination())
}

func TestPeerJoinedRebroadcastsClaim(t *testing.T) {
	ms := newMesh(t)
	a := ms.add("a", 1)
	a.collector.StartCollection()
	ms.pump()

	late := ms.add("late", 4)
	assert.Equal(t, ModeBuffering, late.collector.Mode())

	a.collector.PeerJoined(late.collector.SelfID())
	ms.pump()
	assert.Equal(t, a.collector.SelfID(), late.collector.Destination())
	assert.EqualValues(t, 1, late.collector.Clock())
}

func TestStopCollectionResigns(t *testing.T) {
	ms := newMesh(t)
	a := ms.add("a", 1)
	b := ms.add("b", 2)

	b.collector.StopCollection()
	assert.EqualValues(t, 0, b.collector.Clock())

	a.collector.StartCollection()
	ms.pump()
	a.collector.StopCollection()
	assert.Equal(t, ModeBuffering, a.collector.Mode())
	assert.EqualValues(t, 2, a.collector.Clock())
	ms.pump()

	assert.Equal(t, ModeBuffering, b.collector.Mode())
	assert.EqualValues(t, 2, b.collector.Clock())
}

func TestForwardedRecordsAreWritten(t *testing.T) {
	ms := newMesh(t)
	a := ms.add("a", 1)
	b := ms.add("b", 2)

	app := NewEmitter(EventTypeApplication, b.registry, map[string]string{"peer": "b"})
	dbg := NewEmitter(EventTypeDebug, b.registry, nil)

	// buffered until someone claims
	require.True(t, app.Log("start", 1, "two", 3.5, true, "dropped"))
	require.True(t, dbg.Log("trace"))
	ms.pump()
	assert.EqualValues(t, 1, b.collector.GetBufferedEventCount(EventTypeApplication))
	assert.EqualValues(t, 1, b.collector.GetBufferedEventCount(EventTypeDebug))

	a.collector.StartCollection()
	ms.pump()

	assert.EqualValues(t, 0, b.collector.QueuedCount())
	assert.EqualValues(t, 0, b.collector.QueuedBytes())
	assert.EqualValues(t, 2, a.collector.Written())

	paths := a.collector.SinkPaths()
	require.Len(t, paths, 2)
	require.NoError(t, a.collector.Close())
	require.NoError(t, b.collector.Close())

	var appRecords int
	for _, path := range paths {
		records, err := ReadSinkFile(path)
		require.NoError(t, err)
		require.Len(t, records, 1)

		record := string(records[0])
		if strings.Contains(record, `"event":"start"`) {
			appRecords++
			assert.Contains(t, record, `"type":"Application"`)
			assert.Contains(t, record, `"peer":"b"`)
			assert.Contains(t, record, `"args":[1,"two",3.5,true]`)
		} else {
			assert.Contains(t, record, `"event":"trace"`)
		}
	}
	assert.Equal(t, 1, appRecords)
	assert.EqualValues(t, 0, ms.pool.Outstanding())
}

func TestEmitterWithoutCollector(t *testing.T) {
	registry := &Registry{}
	e := NewEmitter(EventTypeApplication, registry, nil)
	assert.False(t, e.Log("nothing"))

	ms := newMesh(t)
	a := ms.add("a", 1)
	e = NewEmitter(EventTypeApplication, a.registry, nil)
	assert.True(t, e.Log("something"))

	require.NoError(t, a.collector.Close())
	assert.Nil(t, a.registry.Resolve())
	assert.False(t, e.Log("after close"))
	assert.EqualValues(t, 0, ms.pool.Outstanding())
}

func TestMemoryCeilingDropsOldest(t *testing.T) {
	ms := newMesh(t)
	a := ms.add("a", 1)
	a.collector.options.MemoryCeiling = 256

	pool := ms.pool
	var size int64
	for i := 0; i < 20; i++ {
		e := pool.RentPayload(make([]byte, 40))
		e.Payload()[0] = byte(i)
		size = int64(e.Len())
		a.collector.Enqueue(EventTypeApplication, e)
	}

	a.collector.Tick()
	assert.LessOrEqual(t, a.collector.QueuedBytes(), int64(256))
	kept := 256 / size
	assert.Equal(t, kept, a.collector.QueuedCount())
	assert.EqualValues(t, 20-kept, a.collector.Dropped())

	_, e, ok := a.collector.queue.Pop()
	require.True(t, ok)
	assert.Equal(t, byte(20-kept), e.Payload()[0])
	e.Release()
}

func TestPingPrimaryAndBuffering(t *testing.T) {
	ms := newMesh(t)
	a := ms.add("a", 1)

	var results []PingResult
	a.collector.Ping(func(r PingResult) { results = append(results, r) })
	require.Len(t, results, 1)
	assert.True(t, results[0].Aborted)

	a.collector.StartCollection()
	a.collector.Ping(func(r PingResult) { results = append(results, r) })
	require.Len(t, results, 2)
	assert.False(t, results[1].Aborted)
	assert.Zero(t, results[1].Latency)
}

func TestPingRoundTrip(t *testing.T) {
	ms := newMesh(t)
	a := ms.add("a", 1)
	b := ms.add("b", 2)

	a.collector.StartCollection()
	ms.pump()
	NewEmitter(EventTypeApplication, a.registry, nil).Log("x")
	ms.pump()

	var results []PingResult
	b.collector.Ping(func(r PingResult) { results = append(results, r) })
	assert.Equal(t, 1, b.collector.PendingPingCount())
	ms.clock.Add(50 * time.Millisecond)
	ms.pump()

	require.Len(t, results, 1)
	assert.False(t, results[0].Aborted)
	assert.Equal(t, 50*time.Millisecond, results[0].Latency)
	assert.EqualValues(t, 1, results[0].Written)
	assert.Equal(t, 0, b.collector.PendingPingCount())
}

func TestPingForwardedToDestination(t *testing.T) {
	ms := newMesh(t)
	a := ms.add("a", 1)
	b := ms.add("b", 2)
	c := ms.add("c", 3)

	a.collector.StartCollection()
	ms.pump()

	// c holds a stale view pointing at b
	c.collector.clock = 0
	c.collector.processCommand(&m.Command{Clock: 1, Destination: b.collector.SelfID()})
	require.Equal(t, b.collector.SelfID(), c.collector.Destination())

	var results []PingResult
	c.collector.Ping(func(r PingResult) { results = append(results, r) })
	ms.pump()

	require.Len(t, results, 1)
	assert.False(t, results[0].Aborted)
}

func TestPingWithoutDestinationAborts(t *testing.T) {
	ms := newMesh(t)
	b := ms.add("b", 2)
	c := ms.add("c", 3)

	c.collector.processCommand(&m.Command{Clock: 1, Destination: b.collector.SelfID()})

	var results []PingResult
	c.collector.Ping(func(r PingResult) { results = append(results, r) })
	ms.pump()

	require.Len(t, results, 1)
	assert.True(t, results[0].Aborted)
	assert.False(t, results[0].TimedOut)
}

func TestPingTimesOut(t *testing.T) {
	ms := newMesh(t)
	a := ms.add("a", 1)

	a.collector.processCommand(&m.Command{Clock: 1, Destination: netid.New(42, 42)})

	var results []PingResult
	a.collector.Ping(func(r PingResult) { results = append(results, r) })
	ms.pump()
	assert.Empty(t, results)

	ms.clock.Add(defaultPingTimeout)
	a.collector.Tick()

	require.Len(t, results, 1)
	assert.True(t, results[0].Aborted)
	assert.True(t, results[0].TimedOut)
	assert.Equal(t, 0, a.collector.PendingPingCount())
}

func TestUnknownPingReplyIsDropped(t *testing.T) {
	ms := newMesh(t)
	a := ms.add("a", 1)

	a.collector.processPing(&m.Ping{
		Source:    a.collector.SelfID(),
		Responder: netid.New(5, 5),
		Token:     99,
	})
	assert.Equal(t, 0, a.collector.PendingPingCount())
}

func TestWaitForTransmitComplete(t *testing.T) {
	ms := newMesh(t)
	a := ms.add("a", 1)
	b := ms.add("b", 2)

	a.collector.StartCollection()
	ms.pump()

	e := NewEmitter(EventTypeExperiment, b.registry, nil)
	for i := 0; i < 3; i++ {
		require.True(t, e.Log("sample", i))
	}

	var results []bool
	b.collector.WaitForTransmitComplete(EventTypeExperiment, func(ok bool) { results = append(results, ok) })
	ms.pump()

	require.Equal(t, []bool{true}, results)
	assert.EqualValues(t, 3, a.collector.Written())
	assert.EqualValues(t, 0, b.collector.GetBufferedEventCount(EventTypeExperiment))
}

func TestWaitForTransmitCompleteAfterHandOff(t *testing.T) {
	ms := newMesh(t)
	a := ms.add("a", 1)
	b := ms.add("b", 2)
	c := ms.add("c", 3)

	a.collector.StartCollection()
	ms.pump()
	c.collector.StartCollection()
	ms.pump()
	require.Equal(t, c.collector.SelfID(), b.collector.Destination())
	assert.True(t, b.collector.HasDestinationChanged())

	var results []bool
	b.collector.WaitForTransmitComplete(EventTypeApplication, func(ok bool) { results = append(results, ok) })
	ms.pump()
	assert.Equal(t, []bool{false}, results)
}

func TestWaitForTransmitCompleteBuffering(t *testing.T) {
	ms := newMesh(t)
	a := ms.add("a", 1)

	require.True(t, NewEmitter(EventTypeApplication, a.registry, nil).Log("queued"))

	var results []bool
	a.collector.WaitForTransmitComplete(EventTypeApplication, func(ok bool) { results = append(results, ok) })
	ms.pump()
	assert.Empty(t, results)

	require.NoError(t, a.collector.Close())
	assert.Empty(t, results)
}

func TestReceivedEventsFollowMode(t *testing.T) {
	ms := newMesh(t)
	a := ms.add("a", 1)
	b := ms.add("b", 2)

	e := NewEmitter(EventTypeApplication, a.registry, nil)

	// a forwards to b while b is still buffering
	a.collector.processCommand(&m.Command{Clock: 1, Destination: b.collector.SelfID()})
	require.True(t, e.Log("early"))
	ms.pump()

	assert.EqualValues(t, 0, a.collector.QueuedCount())
	assert.EqualValues(t, 1, b.collector.GetBufferedEventCount(EventTypeApplication))

	b.collector.StartCollection()
	ms.pump()
	assert.EqualValues(t, 1, b.collector.Written())
	assert.EqualValues(t, 0, b.collector.QueuedCount())
}
