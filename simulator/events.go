// Package simulator provides a virtual-time discrete-event scheduler for
// running a fixed world of cooperating goroutines, plus network models that
// deliver messages between them with simulated latency and bandwidth.
package simulator

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/unixpickle/essentials"
)

// An EventStream is a uni-directional channel of events delivered through an
// EventLoop.
//
// A stream belongs to exactly one loop.
type EventStream struct {
	loop    *EventLoop
	pending []interface{}
}

// An Event is a message received on an EventStream.
type Event struct {
	Message interface{}
	Stream  *EventStream
}

// A Timer is a single event delivery scheduled in the virtual future.
type Timer struct {
	time  float64
	event *Event
}

// Time returns the virtual time at which the timer fires.
//
// While the loop's clock is below this time, the timer is guaranteed not to
// have fired yet.
func (t *Timer) Time() float64 {
	return t.time
}

// A Handle is one goroutine's access point to an EventLoop.
// Handles must not be shared between goroutines.
type Handle struct {
	*EventLoop

	// Non-nil only while the goroutine is blocked in Poll.
	pollStreams []*EventStream
	pollChan    chan<- *Event
}

// Poll blocks until an event arrives on any of the given streams.
//
// If one of the streams already has a buffered event, it is consumed
// immediately without advancing virtual time.
func (h *Handle) Poll(streams ...*EventStream) *Event {
	ch := make(chan *Event, 1)
	h.modifyHandles(func() {
		if h.pollStreams != nil {
			panic("Handle is shared between goroutines")
		}
		for _, s := range streams {
			if len(s.pending) > 0 {
				msg := s.pending[0]
				essentials.OrderedDelete(&s.pending, 0)
				ch <- &Event{Message: msg, Stream: s}
				return
			}
		}
		h.pollStreams = streams
		h.pollChan = ch
	})
	return <-ch
}

// Schedule arranges for msg to arrive on stream after the given virtual
// delay, and returns the corresponding Timer.
func (h *Handle) Schedule(stream *EventStream, msg interface{}, delay float64) *Timer {
	if stream.loop != h.EventLoop {
		panic("EventStream belongs to a different EventLoop")
	}
	var timer *Timer
	h.modify(func() {
		timer = &Timer{
			time:  h.time + delay,
			event: &Event{Message: msg, Stream: stream},
		}
		if math.IsInf(timer.time, 0) || math.IsNaN(timer.time) {
			panic(fmt.Sprintf("invalid deadline: %f", timer.time))
		}
		h.timers = append(h.timers, timer)
	})
	return timer
}

// Cancel removes a scheduled timer. Canceling a timer that already fired has
// no effect.
func (h *Handle) Cancel(t *Timer) {
	h.modify(func() {
		for i, timer := range h.timers {
			if timer == t {
				essentials.UnorderedDelete(&h.timers, i)
			}
		}
	})
}

// Sleep blocks the goroutine for the given amount of virtual time.
// It is used both for pure delays and to model local computation cost.
func (h *Handle) Sleep(delay float64) {
	stream := h.Stream()
	h.Schedule(stream, nil, delay)
	h.Poll(stream)
}

// An EventLoop schedules events for a group of goroutines sharing one
// virtual clock.
//
// Goroutines must be started through Go(). The clock only advances while
// every live goroutine is blocked in Poll, so simulated machines never race
// the scheduler while doing real work.
type EventLoop struct {
	lock    sync.Mutex
	timers  []*Timer
	handles []*Handle

	time float64

	running  bool
	notifyCh chan struct{}
}

// NewEventLoop creates an event loop with its clock at 0.
func NewEventLoop() *EventLoop {
	return &EventLoop{notifyCh: make(chan struct{}, 1)}
}

// Stream creates a new EventStream on this loop.
func (e *EventLoop) Stream() *EventStream {
	return &EventStream{loop: e}
}

// Go runs f in its own goroutine with a fresh Handle.
func (e *EventLoop) Go(f func(h *Handle)) {
	h := &Handle{EventLoop: e}
	e.lock.Lock()
	e.handles = append(e.handles, h)
	e.lock.Unlock()
	go func() {
		f(h)
		e.modifyHandles(func() {
			for i, handle := range e.handles {
				if handle == h {
					essentials.UnorderedDelete(&e.handles, i)
					return
				}
			}
			panic("cannot free handle that does not exist")
		})
	}()
}

// Run drives the loop until every goroutine started with Go has returned.
//
// Only one goroutine may call Run at a time. If all live goroutines end up
// polling with no deliverable event, Run returns a deadlock error; this is
// how a desynchronized collective round surfaces in tests instead of hanging
// forever.
func (e *EventLoop) Run() error {
	e.lock.Lock()
	if e.running {
		e.lock.Unlock()
		panic("EventLoop is already running")
	}
	e.running = true
	e.lock.Unlock()

	defer func() {
		e.lock.Lock()
		e.running = false
		e.lock.Unlock()
	}()

	for range e.notifyCh {
		if keepGoing, err := e.step(); !keepGoing {
			return err
		}
	}

	panic("unreachable")
}

// MustRun is like Run, but panics on deadlock.
func (e *EventLoop) MustRun() {
	if err := e.Run(); err != nil {
		panic(err)
	}
}

// Time returns the current virtual time.
func (e *EventLoop) Time() float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.time
}

// modify runs f with the loop state locked, assuming f cannot unblock any
// polling goroutine.
func (e *EventLoop) modify(f func()) {
	e.lock.Lock()
	defer e.lock.Unlock()
	f()
}

// modifyHandles is like modify, but wakes the scheduler afterwards because
// f may have changed which goroutines are runnable.
func (e *EventLoop) modifyHandles(f func()) {
	e.lock.Lock()
	defer func() {
		e.lock.Unlock()
		select {
		case e.notifyCh <- struct{}{}:
		default:
		}
	}()
	f()
}

// step fires timers until one of them unblocks a polling goroutine.
//
// The first return value is false when the loop should stop, either because
// all goroutines finished or because of a deadlock.
func (e *EventLoop) step() (bool, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if len(e.handles) == 0 {
		return false, nil
	}

	for _, h := range e.handles {
		if len(h.pollStreams) == 0 {
			// A goroutine is doing real-time work; the clock may not
			// advance under it.
			return true, nil
		}
	}

	for len(e.timers) > 0 {
		timer := e.takeNextTimer()
		e.time = math.Max(e.time, timer.time)
		if e.deliver(timer.event) {
			return true, nil
		}
	}

	return false, errors.New("deadlock: all Handles are polling")
}

// takeNextTimer removes and returns the earliest timer, breaking deadline
// ties at random so that simultaneous deliveries have no fixed order.
func (e *EventLoop) takeNextTimer() *Timer {
	indices := rand.Perm(len(e.timers))
	best := indices[0]
	for _, i := range indices[1:] {
		if e.timers[i].time < e.timers[best].time {
			best = i
		}
	}
	timer := e.timers[best]
	essentials.UnorderedDelete(&e.timers, best)
	return timer
}

// deliver hands an event to one polling goroutine, or buffers it on the
// stream if nobody is listening. Receivers with equal claim are chosen at
// random.
func (e *EventLoop) deliver(event *Event) bool {
	indices := rand.Perm(len(e.handles))
	for _, i := range indices {
		h := e.handles[i]
		for _, stream := range h.pollStreams {
			if stream == event.Stream {
				h.pollChan <- event
				h.pollChan = nil
				h.pollStreams = nil
				return true
			}
		}
	}
	event.Stream.pending = append(event.Stream.pending, event.Message)
	return false
}
