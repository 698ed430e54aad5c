package logcollect

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-peergroup/envelope"
)

func TestQueueIsFIFO(t *testing.T) {
	pool := envelope.NewPool()
	q := NewQueue()

	for i := 0; i < 5; i++ {
		q.Push(EventTypeApplication, pool.RentPayload([]byte{byte(i)}))
	}

	for i := 0; i < 5; i++ {
		tag, e, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, EventTypeApplication, tag)
		assert.Equal(t, []byte{byte(i)}, e.Payload())
		e.Release()
	}

	_, _, ok := q.Pop()
	assert.False(t, ok)
	assert.EqualValues(t, 0, pool.Outstanding())
}

func TestQueueAccountingMatchesContents(t *testing.T) {
	pool := envelope.NewPool()
	q := NewQueue()

	const producers = 8
	const perProducer = 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			tag := EventTypeApplication
			if p%2 == 1 {
				tag = EventTypeDebug
			}
			for i := 0; i < perProducer; i++ {
				q.Push(tag, pool.RentPayload(make([]byte, 1+(p*perProducer+i)%37)))
			}
		}(p)
	}
	wg.Wait()

	assert.EqualValues(t, producers*perProducer, q.Len())
	assert.EqualValues(t, producers*perProducer/2, q.CountByType(EventTypeApplication))
	assert.EqualValues(t, producers*perProducer/2, q.CountByType(EventTypeDebug))

	var remaining int64
	popped := 0
	var kept []*envelope.Envelope
	for {
		_, e, ok := q.Pop()
		if !ok {
			break
		}
		popped++
		if popped%3 == 0 {
			e.Release()
			continue
		}
		kept = append(kept, e)
	}
	assert.EqualValues(t, 0, q.Bytes())

	for _, e := range kept {
		q.Push(EventTypeExperiment, e)
		remaining += int64(e.Len())
	}
	assert.Equal(t, remaining, q.Bytes())
	assert.EqualValues(t, len(kept), q.CountByType(EventTypeExperiment))

	assert.Equal(t, len(kept), q.Discard())
	assert.EqualValues(t, 0, q.Bytes())
	assert.EqualValues(t, 0, q.Len())
	assert.EqualValues(t, 0, pool.Outstanding())
}
