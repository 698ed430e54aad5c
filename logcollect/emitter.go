package logcollect

import (
	"maps"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"

	m "github.com/Meander-Cloud/go-peergroup/message"
	"github.com/Meander-Cloud/go-peergroup/netid"
)

const maxArgs int = 4

// Record is one emitted log entry, msgpack on the wire and JSON in sinks.
type Record struct {
	Time   int64             `json:"time" msgpack:"time"` // epoch milliseconds
	Type   string            `json:"type" msgpack:"type"`
	Event  string            `json:"event" msgpack:"event"`
	Header map[string]string `json:"header,omitempty" msgpack:"header,omitempty"`
	Args   []interface{}     `json:"args,omitempty" msgpack:"args,omitempty"`
}

// Registry resolves the collector emitters hand records to. One registry is
// shared by every emitter of a node.
type Registry struct {
	collector atomic.Pointer[Collector]
}

func (r *Registry) Bind(c *Collector) {
	r.collector.Store(c)
}

// Unbind clears the registry only if c is still the bound collector.
func (r *Registry) Unbind(c *Collector) {
	r.collector.CompareAndSwap(c, nil)
}

func (r *Registry) Resolve() *Collector {
	return r.collector.Load()
}

// Emitter is safe for concurrent use.
type Emitter struct {
	eventType EventType
	registry  *Registry
	header    map[string]string
}

func NewEmitter(eventType EventType, registry *Registry, header map[string]string) *Emitter {
	return &Emitter{
		eventType: eventType,
		registry:  registry,
		header:    maps.Clone(header),
	}
}

func (e *Emitter) EventType() EventType {
	return e.eventType
}

// Log records event with up to four positional args; further args are not
// recorded. Without an enabled collector the record is dropped and Log
// reports false.
func (e *Emitter) Log(event string, args ...interface{}) bool {
	c := e.registry.Resolve()
	if c == nil || !c.Enabled() {
		return false
	}

	if len(args) > maxArgs {
		args = args[:maxArgs]
	}

	payload, err := msgpack.Marshal(&Record{
		Time:   c.options.Clock.Now().UTC().UnixMilli(),
		Type:   e.eventType.String(),
		Event:  event,
		Header: e.header,
		Args:   args,
	})
	if err != nil {
		return false
	}

	env, err := m.Encode(c.options.Fanout.Pool(), netid.Null, &m.Message{
		Event: &m.Event{
			Tag:     uint8(e.eventType),
			Payload: payload,
		},
	})
	if err != nil {
		return false
	}

	c.Enqueue(e.eventType, env)
	return true
}
