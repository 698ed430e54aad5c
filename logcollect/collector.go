package logcollect

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand/v2"
	"sort"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/multierr"

	"github.com/Meander-Cloud/go-peergroup/envelope"
	m "github.com/Meander-Cloud/go-peergroup/message"
	"github.com/Meander-Cloud/go-peergroup/netid"
	"github.com/Meander-Cloud/go-peergroup/transport"
)

const (
	defaultMemoryCeiling int64         = 8 << 20
	defaultJitterMax     int           = 16
	defaultPingTimeout   time.Duration = 10 * time.Second
	defaultSinkDir       string        = "."
)

type Mode uint8

const (
	ModeBuffering  Mode = 0
	ModeForwarding Mode = 1
	ModeWriting    Mode = 2
)

func (mode Mode) String() string {
	switch mode {
	case ModeBuffering:
		return "Buffering"
	case ModeForwarding:
		return "Forwarding"
	case ModeWriting:
		return "Writing"
	default:
		return "Unknown Mode"
	}
}

type Options struct {
	// SelfID is this collector's endpoint, normally the peer's network id.
	SelfID netid.ID
	// GroupID is where claims are broadcast; every collector listens on it.
	GroupID netid.ID

	Fanout   *transport.Fanout
	Registry *Registry

	// Clock is used for ping latency, ping expiry, and record timestamps.
	Clock clock.Clock
	// Jitter returns the amount added to the clock on a collision. It must
	// be positive.
	Jitter func() uint64

	MemoryCeiling int64
	JitterMax     int
	ClockBaseline uint64
	PingTimeout   time.Duration
	SinkDir       string

	LogPrefix string
	LogDebug  bool
}

type PingResult struct {
	Latency  time.Duration
	Written  uint64
	Aborted  bool
	TimedOut bool
}

type pendingPing struct {
	start    time.Time
	callback func(PingResult)
}

type transmitWait struct {
	eventType EventType
	callback  func(bool)
	pinging   bool
	done      bool
}

// Collector runs the election for one peer and moves records according to
// the elected destination.
//
// Enqueue and Enabled may be called from any goroutine. Everything else is
// invoked on the tick goroutine.
type Collector struct {
	options *Options
	queue   *Queue
	regs    []*transport.Registration
	enabled atomic.Bool
	dropped atomic.Uint64

	clock       uint64
	destination netid.ID

	firstDestination   netid.ID
	destinationChanged bool

	written uint64
	sinks   map[EventType]*sink

	tokenGen uint32
	pings    map[uint32]*pendingPing
	waits    []*transmitWait
}

func NewCollector(options *Options) (*Collector, error) {
	if options.SelfID.IsNull() {
		err := fmt.Errorf("%s: null SelfID", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.GroupID.IsNull() || options.GroupID == options.SelfID {
		err := fmt.Errorf("%s: invalid GroupID=%s", options.LogPrefix, options.GroupID)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.Fanout == nil {
		err := fmt.Errorf("%s: nil Fanout", options.LogPrefix)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if options.Clock == nil {
		options.Clock = clock.New()
	}
	if options.MemoryCeiling <= 0 {
		options.MemoryCeiling = defaultMemoryCeiling
	}
	if options.JitterMax <= 0 {
		options.JitterMax = defaultJitterMax
	}
	if options.PingTimeout <= 0 {
		options.PingTimeout = defaultPingTimeout
	}
	if options.SinkDir == "" {
		options.SinkDir = defaultSinkDir
	}
	if options.Jitter == nil {
		jitterMax := options.JitterMax
		options.Jitter = func() uint64 {
			return uint64(rand.IntN(jitterMax)) + 1
		}
	}

	c := &Collector{
		options:     options,
		queue:       NewQueue(),
		clock:       options.ClockBaseline,
		destination: netid.Null,
		sinks:       make(map[EventType]*sink),
		pings:       make(map[uint32]*pendingPing),
	}

	c.regs = []*transport.Registration{
		options.Fanout.RegisterFunc(options.SelfID, c.processEnvelope),
		options.Fanout.RegisterFunc(options.GroupID, c.processEnvelope),
	}

	c.enabled.Store(true)
	if options.Registry != nil {
		options.Registry.Bind(c)
	}

	log.Printf("%s: collector self=%s, group=%s, clock=%d", options.LogPrefix, options.SelfID, options.GroupID, c.clock)
	return c, nil
}

// invoked on any goroutine
func (c *Collector) Enabled() bool {
	return c.enabled.Load()
}

// Enqueue takes ownership of one reference to e. Invoked on any goroutine.
func (c *Collector) Enqueue(eventType EventType, e *envelope.Envelope) {
	if !c.enabled.Load() {
		e.Release()
		return
	}
	c.queue.Push(eventType, e)
}

func (c *Collector) SelfID() netid.ID {
	return c.options.SelfID
}

func (c *Collector) Mode() Mode {
	switch {
	case c.destination.IsNull():
		return ModeBuffering
	case c.destination == c.options.SelfID:
		return ModeWriting
	default:
		return ModeForwarding
	}
}

func (c *Collector) IsPrimary() bool {
	return c.Mode() == ModeWriting
}

func (c *Collector) Clock() uint64 {
	return c.clock
}

func (c *Collector) Destination() netid.ID {
	return c.destination
}

func (c *Collector) Written() uint64 {
	return c.written
}

func (c *Collector) QueuedBytes() int64 {
	return c.queue.Bytes()
}

func (c *Collector) QueuedCount() int64 {
	return c.queue.Len()
}

func (c *Collector) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *Collector) GetBufferedEventCount(eventType EventType) int64 {
	return c.queue.CountByType(eventType)
}

func (c *Collector) PendingPingCount() int {
	return len(c.pings)
}

// HasDestinationChanged reports whether a destination other than the first
// one ever adopted has been seen.
func (c *Collector) HasDestinationChanged() bool {
	return c.destinationChanged
}

func (c *Collector) Status() string {
	return fmt.Sprintf(
		"mode=%s, clock=%d, destination=%s, written=%d, queued=%d, queuedBytes=%d, dropped=%d, pings=%d",
		c.Mode(),
		c.clock,
		c.destination,
		c.written,
		c.queue.Len(),
		c.queue.Bytes(),
		c.dropped.Load(),
		len(c.pings),
	)
}

func (c *Collector) setDestination(destination netid.ID) {
	prev := c.Mode()

	if !destination.IsNull() {
		if c.firstDestination.IsNull() {
			c.firstDestination = destination
		} else if destination != c.firstDestination {
			c.destinationChanged = true
		}
	}
	c.destination = destination

	mode := c.Mode()
	if prev == ModeWriting && mode != ModeWriting {
		err := c.closeSinks()
		if err != nil {
			log.Printf("%s: failed to close sinks, err=%s", c.options.LogPrefix, err.Error())
		}
	}

	if prev != mode || c.options.LogDebug {
		log.Printf("%s: %s -> %s, clock=%d, destination=%s", c.options.LogPrefix, prev, mode, c.clock, c.destination)
	}
}

func (c *Collector) broadcastCommand() {
	err := c.options.Fanout.SendMessage(c.options.GroupID, &m.Message{
		Command: &m.Command{
			Clock:       c.clock,
			Destination: c.destination,
		},
	})
	if err != nil {
		log.Printf("%s: failed to broadcast command, clock=%d, err=%s", c.options.LogPrefix, c.clock, err.Error())
	}
}

// StartCollection claims the primary role for this collector.
func (c *Collector) StartCollection() {
	c.clock++
	c.setDestination(c.options.SelfID)
	c.broadcastCommand()
}

// StopCollection resigns. Records that peers forward before they learn of
// the resignation are still accepted and buffered.
func (c *Collector) StopCollection() {
	if !c.IsPrimary() {
		log.Printf("%s: not primary, nothing to stop, destination=%s", c.options.LogPrefix, c.destination)
		return
	}

	c.clock++
	c.setDestination(netid.Null)
	c.broadcastCommand()
}

// PeerJoined re-announces the claim so late joiners learn the destination.
func (c *Collector) PeerJoined(peer netid.ID) {
	if !c.IsPrimary() {
		return
	}
	if c.options.LogDebug {
		log.Printf("%s: peer %s joined, re-announcing claim at clock=%d", c.options.LogPrefix, peer, c.clock)
	}
	c.broadcastCommand()
}

// PeerLeft drops the destination if it was the departed peer. The clock
// returns to its baseline; re-election is left to the application.
func (c *Collector) PeerLeft(peer netid.ID) {
	if peer.IsNull() || peer != c.destination {
		return
	}

	log.Printf("%s: destination %s left, resetting clock %d -> %d", c.options.LogPrefix, peer, c.clock, c.options.ClockBaseline)
	c.clock = c.options.ClockBaseline
	c.setDestination(netid.Null)
}

func (c *Collector) processCommand(command *m.Command) {
	switch {
	case command.Clock > c.clock:
		c.clock = command.Clock
		c.setDestination(command.Destination)

	case command.Clock == c.clock && c.IsPrimary():
		if command.Destination == c.options.SelfID {
			return
		}
		jitter := c.options.Jitter()
		log.Printf("%s: claim collision at clock=%d with %s, jitter=%d", c.options.LogPrefix, c.clock, command.Destination, jitter)
		c.clock += jitter
		c.broadcastCommand()

	default:
		if c.options.LogDebug {
			log.Printf("%s: ignoring stale command, clock=%d, local=%d", c.options.LogPrefix, command.Clock, c.clock)
		}
	}
}

func (c *Collector) processEnvelope(e *envelope.Envelope) {
	messageStruct, err := m.Decode(e)
	if err != nil {
		log.Printf("%s: dropping message, %s", c.options.LogPrefix, err.Error())
		return
	}

	switch messageStruct.Kind() {
	case m.KindEvent:
		// the received buffer may be shared with other readers
		c.Enqueue(EventType(messageStruct.Event.Tag), c.options.Fanout.Pool().RentCopy(e.Bytes()))
	case m.KindCommand:
		c.processCommand(messageStruct.Command)
	case m.KindPing:
		c.processPing(messageStruct.Ping)
	default:
		// room traffic shares the peer address
	}
}

// Ping measures the round trip to the current destination.
func (c *Collector) Ping(callback func(PingResult)) {
	switch c.Mode() {
	case ModeWriting:
		callback(PingResult{
			Latency: 0,
			Written: c.written,
		})
		return
	case ModeBuffering:
		callback(PingResult{
			Aborted: true,
		})
		return
	}

	c.tokenGen++
	token := c.tokenGen
	c.pings[token] = &pendingPing{
		start:    c.options.Clock.Now(),
		callback: callback,
	}

	err := c.options.Fanout.SendMessage(c.destination, &m.Message{
		Ping: &m.Ping{
			Source: c.options.SelfID,
			Token:  token,
		},
	})
	if err != nil {
		log.Printf("%s: failed to send ping, token=%d, err=%s", c.options.LogPrefix, token, err.Error())
	}
}

func (c *Collector) processPing(ping *m.Ping) {
	if !ping.IsRequest() {
		c.processPingReply(ping)
		return
	}

	switch c.Mode() {
	case ModeWriting:
		c.replyPing(ping, false)
	case ModeForwarding:
		if c.options.LogDebug {
			log.Printf("%s: forwarding ping from %s token=%d to %s", c.options.LogPrefix, ping.Source, ping.Token, c.destination)
		}
		c.options.Fanout.SendMessage(c.destination, &m.Message{
			Ping: &m.Ping{
				Source: ping.Source,
				Token:  ping.Token,
			},
		})
	default:
		log.Printf("%s: ping from %s token=%d with no destination", c.options.LogPrefix, ping.Source, ping.Token)
		c.replyPing(ping, true)
	}
}

func (c *Collector) replyPing(ping *m.Ping, aborted bool) {
	c.options.Fanout.SendMessage(ping.Source, &m.Message{
		Ping: &m.Ping{
			Source:    ping.Source,
			Responder: c.options.SelfID,
			Token:     ping.Token,
			Written:   c.written,
			Aborted:   aborted,
		},
	})
}

func (c *Collector) processPingReply(ping *m.Ping) {
	pending, found := c.pings[ping.Token]
	if !found {
		log.Printf("%s: ping reply from %s with unknown token=%d", c.options.LogPrefix, ping.Responder, ping.Token)
		return
	}
	delete(c.pings, ping.Token)

	pending.callback(PingResult{
		Latency: c.options.Clock.Since(pending.start),
		Written: ping.Written,
		Aborted: ping.Aborted,
	})
}

func (c *Collector) expirePings() {
	if len(c.pings) == 0 {
		return
	}

	now := c.options.Clock.Now()
	var expired []uint32
	for token, pending := range c.pings {
		if now.Sub(pending.start) >= c.options.PingTimeout {
			expired = append(expired, token)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })

	for _, token := range expired {
		pending := c.pings[token]
		delete(c.pings, token)

		log.Printf("%s: ping token=%d timed out", c.options.LogPrefix, token)
		pending.callback(PingResult{
			Latency:  now.Sub(pending.start),
			Aborted:  true,
			TimedOut: true,
		})
	}
}

// WaitForTransmitComplete calls back once no records of eventType are
// queued locally and a ping has reached the destination. The result is true
// only if that ping was not aborted and the destination never changed from
// the first one adopted.
func (c *Collector) WaitForTransmitComplete(eventType EventType, callback func(bool)) {
	c.waits = append(c.waits, &transmitWait{
		eventType: eventType,
		callback:  callback,
	})
}

func (c *Collector) advanceWaits() {
	if len(c.waits) == 0 {
		return
	}

	waits := make([]*transmitWait, len(c.waits))
	copy(waits, c.waits)

	for _, w := range waits {
		if w.pinging || c.queue.CountByType(w.eventType) > 0 {
			continue
		}

		w.pinging = true
		c.Ping(func(result PingResult) {
			w.done = true
			w.callback(!result.Aborted && !c.destinationChanged)
		})
	}

	live := c.waits[:0]
	for _, w := range c.waits {
		if !w.done {
			live = append(live, w)
		}
	}
	for i := len(live); i < len(c.waits); i++ {
		c.waits[i] = nil
	}
	c.waits = live
}

func (c *Collector) enforceCeiling() {
	for c.queue.Bytes() > c.options.MemoryCeiling {
		_, e, ok := c.queue.Pop()
		if !ok {
			return
		}
		e.Release()
		c.dropped.Add(1)
	}
}

// Tick enforces the memory ceiling, drains the queue according to the
// current mode, then services pings and transmit waits.
func (c *Collector) Tick() {
	c.enforceCeiling()

	switch c.Mode() {
	case ModeForwarding:
		c.forward()
	case ModeWriting:
		c.write()
	}

	c.expirePings()
	c.advanceWaits()
}

func (c *Collector) forward() {
	if c.options.Fanout.ConnectionCount() == 0 {
		return
	}

	for {
		_, e, ok := c.queue.Pop()
		if !ok {
			return
		}
		c.options.Fanout.Send(c.destination, e)
		e.Release()
	}
}

func (c *Collector) write() {
	touched := make(map[EventType]*sink)

	for {
		eventType, e, ok := c.queue.Pop()
		if !ok {
			break
		}

		s, err := c.writeRecord(eventType, e)
		e.Release()
		if err != nil {
			log.Printf("%s: failed to write %s record, err=%s", c.options.LogPrefix, eventType, err.Error())
			continue
		}
		touched[eventType] = s
	}

	for eventType, s := range touched {
		err := s.Flush()
		if err != nil {
			log.Printf("%s: failed to flush %s sink, err=%s", c.options.LogPrefix, eventType, err.Error())
		}
	}
}

func (c *Collector) writeRecord(eventType EventType, e *envelope.Envelope) (*sink, error) {
	messageStruct, err := m.Decode(e)
	if err != nil {
		return nil, err
	}
	if messageStruct.Event == nil {
		return nil, fmt.Errorf("expected Event, got kind=%s", messageStruct.Kind())
	}

	var record Record
	err = msgpack.Unmarshal(messageStruct.Event.Payload, &record)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(&record)
	if err != nil {
		return nil, err
	}

	s, found := c.sinks[eventType]
	if !found {
		s, err = openSink(c.options.SinkDir, eventType, c.options.Clock.Now())
		if err != nil {
			return nil, err
		}
		c.sinks[eventType] = s
		log.Printf("%s: opened sink %s", c.options.LogPrefix, s.path)
	}

	err = s.Write(data)
	if err != nil {
		return nil, err
	}

	c.written++
	return s, nil
}

// SinkPaths lists the files currently open for writing.
func (c *Collector) SinkPaths() []string {
	paths := make([]string, 0, len(c.sinks))
	for _, s := range c.sinks {
		paths = append(paths, s.path)
	}
	sort.Strings(paths)
	return paths
}

func (c *Collector) closeSinks() error {
	var err error
	for eventType, s := range c.sinks {
		err = multierr.Append(err, s.Close())
		delete(c.sinks, eventType)
	}
	return err
}

// Close stops accepting records, releases what is queued, resolves pending
// pings as aborted, and terminates open sinks.
func (c *Collector) Close() error {
	c.enabled.Store(false)
	if c.options.Registry != nil {
		c.options.Registry.Unbind(c)
	}
	for _, r := range c.regs {
		r.Unregister()
	}

	if c.IsPrimary() {
		c.write()
	}
	n := c.queue.Discard()
	if n > 0 {
		log.Printf("%s: discarded %d queued records", c.options.LogPrefix, n)
	}

	pings := c.pings
	c.pings = make(map[uint32]*pendingPing)
	for _, pending := range pings {
		pending.callback(PingResult{
			Aborted: true,
		})
	}
	c.waits = nil

	return c.closeSinks()
}
