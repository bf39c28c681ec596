// Package reactor provides a cooperative, single-goroutine scheduler with a
// monotonic clock, re-armable one-shot timers and a deferred callback queue.
//
// Everything registered with a Reactor runs on the goroutine that drives it
// (Run or RunUntil), one item at a time and to completion. The only method
// that is safe to call from other goroutines is Post.
package reactor

import (
	"container/heap"
	"context"
	"log"
	"math"
	"sync"
	"time"
)

// Never is a waketime later than any real reactor time. Arming a timer with
// Never disarms it.
const Never = time.Duration(math.MaxInt64)

// TimerResult tells the reactor what to do with a timer after it fired.
type TimerResult struct {
	waketime time.Duration
	rearm    bool
}

// Rearm schedules the timer to fire again at waketime.
func Rearm(waketime time.Duration) TimerResult {
	return TimerResult{waketime: waketime, rearm: true}
}

// Disarm leaves the timer registered but idle until UpdateTimer re-arms it.
func Disarm() TimerResult {
	return TimerResult{}
}

// Waketime returns the next deadline, or Never for Disarm.
func (r TimerResult) Waketime() time.Duration {
	if !r.rearm {
		return Never
	}
	return r.waketime
}

// TimerFunc is invoked when a timer's waketime elapses.
type TimerFunc func(eventtime time.Duration) TimerResult

// CallbackFunc is a deferred callback. eventtime is the reactor time at which
// it runs.
type CallbackFunc func(eventtime time.Duration)

// Timer is a handle to a registered timer.
type Timer struct {
	fn       TimerFunc
	waketime time.Duration
	seq      uint64
	index    int // position in the heap, -1 when disarmed
}

// Waketime returns the armed deadline, or Never.
func (t *Timer) Waketime() time.Duration {
	return t.waketime
}

// Reactor is a cooperative scheduler. Not safe for concurrent use except Post.
type Reactor struct {
	clock Clock

	timers    timerHeap
	seq       uint64
	callbacks []CallbackFunc

	mu    sync.Mutex
	inbox []CallbackFunc
	wake  chan struct{}
}

// New creates a Reactor using the given clock.
func New(clock Clock) *Reactor {
	return &Reactor{
		clock: clock,
		wake:  make(chan struct{}, 1),
	}
}

// Monotonic returns the current reactor time.
func (r *Reactor) Monotonic() time.Duration {
	return r.clock.Monotonic()
}

// RegisterTimer registers fn and arms it for waketime (Never leaves it idle).
func (r *Reactor) RegisterTimer(fn TimerFunc, waketime time.Duration) *Timer {
	t := &Timer{fn: fn, waketime: Never, index: -1}
	r.UpdateTimer(t, waketime)
	return t
}

// UpdateTimer re-arms t for waketime, replacing any previous deadline.
// Never disarms it.
func (r *Reactor) UpdateTimer(t *Timer, waketime time.Duration) {
	if waketime == Never {
		if t.index >= 0 {
			heap.Remove(&r.timers, t.index)
		}
		t.waketime = Never
		return
	}

	r.seq++
	t.waketime = waketime
	t.seq = r.seq
	if t.index >= 0 {
		heap.Fix(&r.timers, t.index)
		return
	}
	heap.Push(&r.timers, t)
}

// RegisterCallback queues fn to run on the next reactor turn, after any
// callbacks already queued.
func (r *Reactor) RegisterCallback(fn CallbackFunc) {
	r.callbacks = append(r.callbacks, fn)
}

// Post queues fn from any goroutine. It runs on the reactor goroutine in the
// order it was posted.
func (r *Reactor) Post(fn CallbackFunc) {
	r.mu.Lock()
	r.inbox = append(r.inbox, fn)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued callbacks and armed timers.
func (r *Reactor) Pending() (callbacks, timers int) {
	r.mu.Lock()
	inbox := len(r.inbox)
	r.mu.Unlock()
	return len(r.callbacks) + inbox, r.timers.Len()
}

// Run drives the reactor against its clock until ctx is cancelled.
func (r *Reactor) Run(ctx context.Context) error {
	wait := time.NewTimer(time.Hour)
	defer wait.Stop()

	for {
		r.runDue(r.clock.Monotonic())

		delay := time.Hour
		if r.timers.Len() > 0 {
			delay = r.timers[0].waketime - r.clock.Monotonic()
		}
		if r.hasQueued() {
			delay = 0
		}
		if delay <= 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}

		if !wait.Stop() {
			select {
			case <-wait.C:
			default:
			}
		}
		wait.Reset(delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.wake:
		case <-wait.C:
		}
	}
}

// RunUntil processes everything due up to and including until, advancing a
// ManualClock to each timer's waketime as it goes. It panics if the reactor
// was not created with a ManualClock.
func (r *Reactor) RunUntil(until time.Duration) {
	mc, ok := r.clock.(*ManualClock)
	if !ok {
		log.Panicf("reactor: RunUntil requires a ManualClock, have %T", r.clock)
	}

	for {
		r.runCallbacks()
		if r.timers.Len() == 0 || r.timers[0].waketime > until {
			break
		}
		if next := r.timers[0].waketime; next > mc.Monotonic() {
			mc.Set(next)
		}
		r.fireNext()
	}
	if until > mc.Monotonic() {
		mc.Set(until)
	}
	r.runCallbacks()
}

// runDue runs queued callbacks and every timer whose waketime is <= now.
func (r *Reactor) runDue(now time.Duration) {
	for {
		r.runCallbacks()
		if r.timers.Len() == 0 || r.timers[0].waketime > now {
			return
		}
		r.fireNext()
	}
}

func (r *Reactor) fireNext() {
	t := heap.Pop(&r.timers).(*Timer)
	t.waketime = Never

	res := t.fn(r.clock.Monotonic())
	if w := res.Waketime(); w != Never && t.index < 0 {
		r.UpdateTimer(t, w)
	}
}

func (r *Reactor) runCallbacks() {
	for {
		r.drainInbox()
		if len(r.callbacks) == 0 {
			return
		}
		fn := r.callbacks[0]
		r.callbacks[0] = nil
		r.callbacks = r.callbacks[1:]
		fn(r.clock.Monotonic())
	}
}

func (r *Reactor) drainInbox() {
	r.mu.Lock()
	posted := r.inbox
	r.inbox = nil
	r.mu.Unlock()

	r.callbacks = append(r.callbacks, posted...)
}

func (r *Reactor) hasQueued() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inbox) > 0 || len(r.callbacks) > 0
}

// timerHeap orders armed timers by waketime, then by arm sequence.
type timerHeap []*Timer

func (h timerHeap) Len() int {
	return len(h)
}

func (h timerHeap) Less(i, j int) bool {
	if h[i].waketime != h[j].waketime {
		return h[i].waketime < h[j].waketime
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
