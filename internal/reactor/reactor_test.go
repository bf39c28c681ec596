package reactor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManual(t *testing.T) (*Reactor, *ManualClock) {
	t.Helper()
	clock := NewManualClock(0)
	return New(clock), clock
}

func TestRegisterTimerNeverStaysIdle(t *testing.T) {
	r, _ := newManual(t)
	fired := 0
	tm := r.RegisterTimer(func(time.Duration) TimerResult {
		fired++
		return Disarm()
	}, Never)

	r.RunUntil(time.Hour)
	assert.Equal(t, 0, fired)
	assert.Equal(t, Never, tm.Waketime())
}

func TestTimerFiresAtWaketime(t *testing.T) {
	r, clock := newManual(t)
	var at time.Duration
	tm := r.RegisterTimer(func(eventtime time.Duration) TimerResult {
		at = eventtime
		return Disarm()
	}, Never)

	r.UpdateTimer(tm, 100*time.Millisecond)
	r.RunUntil(99 * time.Millisecond)
	assert.Zero(t, at, "timer fired early")

	r.RunUntil(time.Second)
	assert.Equal(t, 100*time.Millisecond, at)
	assert.Equal(t, time.Second, clock.Monotonic())
	assert.Equal(t, Never, tm.Waketime())
}

func TestTimerRearmFromResult(t *testing.T) {
	r, _ := newManual(t)
	var fires []time.Duration
	r.RegisterTimer(func(eventtime time.Duration) TimerResult {
		fires = append(fires, eventtime)
		if len(fires) == 3 {
			return Disarm()
		}
		return Rearm(eventtime + 10*time.Millisecond)
	}, 10*time.Millisecond)

	r.RunUntil(time.Second)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}, fires)
}

func TestUpdateTimerNeverCancels(t *testing.T) {
	r, _ := newManual(t)
	fired := false
	tm := r.RegisterTimer(func(time.Duration) TimerResult {
		fired = true
		return Disarm()
	}, 50*time.Millisecond)

	r.RunUntil(25 * time.Millisecond)
	r.UpdateTimer(tm, Never)
	r.RunUntil(time.Second)

	assert.False(t, fired)
	_, timers := r.Pending()
	assert.Zero(t, timers)
}

func TestUpdateTimerReplacesDeadline(t *testing.T) {
	r, _ := newManual(t)
	var at []time.Duration
	tm := r.RegisterTimer(func(eventtime time.Duration) TimerResult {
		at = append(at, eventtime)
		return Disarm()
	}, 50*time.Millisecond)

	r.UpdateTimer(tm, 80*time.Millisecond)
	r.RunUntil(time.Second)
	assert.Equal(t, []time.Duration{80 * time.Millisecond}, at)
}

func TestTiesRunInArmOrder(t *testing.T) {
	r, _ := newManual(t)
	var order []string
	mk := func(name string) TimerFunc {
		return func(time.Duration) TimerResult {
			order = append(order, name)
			return Disarm()
		}
	}

	a := r.RegisterTimer(mk("a"), Never)
	b := r.RegisterTimer(mk("b"), Never)
	c := r.RegisterTimer(mk("c"), Never)
	r.UpdateTimer(b, time.Second)
	r.UpdateTimer(c, time.Second)
	r.UpdateTimer(a, time.Second)

	r.RunUntil(2 * time.Second)
	assert.Equal(t, []string{"b", "c", "a"}, order)
}

func TestCallbacksRunFIFOBeforeTimers(t *testing.T) {
	r, _ := newManual(t)
	var order []string
	r.RegisterTimer(func(time.Duration) TimerResult {
		order = append(order, "timer")
		return Disarm()
	}, 0)
	r.RegisterCallback(func(time.Duration) { order = append(order, "cb1") })
	r.RegisterCallback(func(time.Duration) {
		order = append(order, "cb2")
		r.RegisterCallback(func(time.Duration) { order = append(order, "cb3") })
	})

	r.RunUntil(0)
	assert.Equal(t, []string{"cb1", "cb2", "cb3", "timer"}, order)
}

func TestCallbackFromTimerRunsAtTimerTime(t *testing.T) {
	r, _ := newManual(t)
	var cbAt time.Duration
	r.RegisterTimer(func(eventtime time.Duration) TimerResult {
		r.RegisterCallback(func(now time.Duration) { cbAt = now })
		return Disarm()
	}, 3100*time.Millisecond)

	r.RunUntil(5 * time.Second)
	assert.Equal(t, 3100*time.Millisecond, cbAt)
}

func TestRunUntilPanicsWithoutManualClock(t *testing.T) {
	r := New(NewSystemClock())
	assert.Panics(t, func() { r.RunUntil(time.Second) })
}

func TestTimerResultWaketime(t *testing.T) {
	assert.Equal(t, Never, Disarm().Waketime())
	assert.Equal(t, 5*time.Second, Rearm(5*time.Second).Waketime())
}

func TestRunProcessesPostedCallbacks(t *testing.T) {
	r := New(NewSystemClock())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		i := i
		r.Post(func(time.Duration) {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, []int{0, 1, 2}, got)
}

func TestRunFiresTimersInRealTime(t *testing.T) {
	r := New(NewSystemClock())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan time.Duration, 1)
	r.Post(func(now time.Duration) {
		r.RegisterTimer(func(eventtime time.Duration) TimerResult {
			fired <- eventtime
			return Disarm()
		}, now+20*time.Millisecond)
	})

	go r.Run(ctx)

	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at, 20*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}
