// Package arbiter runs the single goroutine that owns all room and collector
// state. Other goroutines hand work over with Dispatch.
package arbiter

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Meander-Cloud/go-schedule/scheduler"

	g "github.com/Meander-Cloud/go-peergroup/group"
)

const (
	// default for when not provided in Options
	EventChannelLength uint16 = 1024
)

type Options struct {
	EventChannelLength uint16
	LogPrefix          string
	LogDebug           bool
}

type event struct {
	f  func()
	t0 time.Time
}

type Arbiter struct {
	options *Options
	s       *scheduler.Scheduler[g.Group]
	eventpl sync.Pool
	eventch chan *event
}

func NewArbiter(options *Options) *Arbiter {
	eventChannelLength := options.EventChannelLength
	if eventChannelLength == 0 {
		eventChannelLength = EventChannelLength
	}

	a := &Arbiter{
		options: options,
		s: scheduler.NewScheduler[g.Group](
			&scheduler.Options{
				EventChannelLength: eventChannelLength,
				LogPrefix:          options.LogPrefix + "-Scheduler",
				LogDebug:           options.LogDebug,
			},
		),
		eventpl: sync.Pool{
			New: func() any {
				return &event{}
			},
		},
		eventch: make(chan *event, eventChannelLength),
	}

	a.s.ProcessAsync(
		&scheduler.ScheduleAsyncEvent[g.Group]{
			AsyncVariant: scheduler.NewAsyncVariant(
				false,
				nil,
				a.eventch,
				func(_ *scheduler.Scheduler[g.Group], _ *scheduler.AsyncVariant[g.Group], recv interface{}) {
					a.handle(recv)
				},
				func(_ *scheduler.Scheduler[g.Group], v *scheduler.AsyncVariant[g.Group]) {
					log.Printf("%s: eventch released, select count: %d", options.LogPrefix, v.SelectCount)
				},
			),
		},
	)

	// ownership of internal state is transferred to scheduler goroutine
	a.s.RunAsync()

	return a
}

func (a *Arbiter) Shutdown() {
	a.s.Shutdown() // wait
}

func (a *Arbiter) Scheduler() *scheduler.Scheduler[g.Group] {
	return a.s
}

// scheduler goroutine
func (a *Arbiter) handle(recv interface{}) {
	evt, ok := recv.(*event)
	if !ok {
		log.Printf("%s: failed to cast event, recv=%#v", a.options.LogPrefix, recv)
		return
	}
	defer func() {
		evt.f = nil
		evt.t0 = time.Time{}
		a.eventpl.Put(evt)
	}()

	t1 := time.Now().UTC()

	func() {
		defer func() {
			rec := recover()
			if rec != nil {
				log.Printf(
					"%s: functor recovered from panic: %+v",
					a.options.LogPrefix,
					rec,
				)
			}
		}()
		evt.f()
	}()

	if a.options.LogDebug {
		t2 := time.Now().UTC()
		log.Printf(
			"%s: event goQueueWait=%dus, evtFuncElapsed=%dus",
			a.options.LogPrefix,
			t1.Sub(evt.t0).Microseconds(),
			t2.Sub(t1).Microseconds(),
		)
	}
}

// Dispatch queues f for the arbiter goroutine. It never blocks; a full queue
// is reported as an error.
//
// invoked on any goroutine
func (a *Arbiter) Dispatch(f func()) error {
	evt, ok := a.eventpl.Get().(*event)
	if !ok {
		err := fmt.Errorf("%s: failed to cast pooled event", a.options.LogPrefix)
		log.Printf("%s", err.Error())
		return err
	}
	evt.f = f
	evt.t0 = time.Now().UTC()

	select {
	case a.eventch <- evt:
	default:
		err := fmt.Errorf("%s: failed to push to eventch", a.options.LogPrefix)
		log.Printf("%s", err.Error())

		evt.f = nil
		a.eventpl.Put(evt)
		return err
	}

	return nil
}

// Every runs f once per interval until the group is released.
//
// caller must be on arbiter goroutine
func (a *Arbiter) Every(group g.Group, interval time.Duration, f func()) {
	a.s.ProcessSync(
		&scheduler.ScheduleAsyncEvent[g.Group]{
			AsyncVariant: scheduler.TimerAsync(
				true,
				[]g.Group{group},
				interval,
				func() {
					// invoked on arbiter goroutine
					f()
					a.Every(group, interval, f)
				},
				nil,
			),
		},
	)
}

// caller must be on arbiter goroutine
func (a *Arbiter) Release(group g.Group) {
	a.s.ProcessSync(
		&scheduler.ReleaseGroupEvent[g.Group]{
			Group: group,
		},
	)

	log.Printf(
		"%s: released: %s",
		a.options.LogPrefix,
		group,
	)
}
