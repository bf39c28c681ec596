package logic

import (
	"errors"
	"testing"
	"time"

	"github.com/sweeney/filament-sensor/internal/reactor"
)

// Test configuration shared by most tests.
const (
	testPauseDelay    = 500 * time.Millisecond
	testEventDelay    = 3 * time.Second
	testDebounceDelay = 100 * time.Millisecond
)

type timerUpdate struct {
	timer    *reactor.Timer
	waketime time.Duration
}

// fakeScheduler records every timer and callback request without running
// anything, so tests can assert exactly what the helper asked for.
type fakeScheduler struct {
	now          time.Duration
	registered   []*reactor.Timer
	registeredAt []time.Duration
	updates      []timerUpdate
	callbacks    []reactor.CallbackFunc
}

func (f *fakeScheduler) Monotonic() time.Duration {
	return f.now
}

func (f *fakeScheduler) RegisterTimer(fn reactor.TimerFunc, waketime time.Duration) *reactor.Timer {
	t := &reactor.Timer{}
	f.registered = append(f.registered, t)
	f.registeredAt = append(f.registeredAt, waketime)
	return t
}

func (f *fakeScheduler) UpdateTimer(t *reactor.Timer, waketime time.Duration) {
	f.updates = append(f.updates, timerUpdate{timer: t, waketime: waketime})
}

func (f *fakeScheduler) RegisterCallback(fn reactor.CallbackFunc) {
	f.callbacks = append(f.callbacks, fn)
}

func (f *fakeScheduler) reset() {
	f.updates = nil
	f.callbacks = nil
}

// runCallbacks runs and clears the queued callbacks at the current time.
func (f *fakeScheduler) runCallbacks() {
	cbs := f.callbacks
	f.callbacks = nil
	for _, cb := range cbs {
		cb(f.now)
	}
}

type fakeAction struct {
	name string
	runs []Event
	err  error
}

func (a *fakeAction) Name() string {
	return a.name
}

func (a *fakeAction) Run(ev Event) error {
	a.runs = append(a.runs, ev)
	return a.err
}

type fakeEngine map[string]*fakeAction

func (e fakeEngine) Lookup(name string) (Action, bool) {
	a, ok := e[name]
	if !ok {
		return nil, false
	}
	return a, true
}

type fakePrinter struct {
	printing bool
}

func (p *fakePrinter) IsPrinting() bool {
	return p.printing
}

type fakePauser struct {
	calls int
	err   error
}

func (p *fakePauser) RequestPause() error {
	p.calls++
	return p.err
}

type harness struct {
	sched   *fakeScheduler
	insert  *fakeAction
	runout  *fakeAction
	printer *fakePrinter
	pauser  *fakePauser
	events  []Event
	errs    []error
	h       *RunoutHelper
}

func testConfig(debounce time.Duration) Config {
	cfg := DefaultConfig()
	cfg.Name = "My Test Config"
	cfg.PauseOnRunout = true
	cfg.PauseDelay = testPauseDelay
	cfg.EventDelay = testEventDelay
	cfg.DebounceDelay = debounce
	cfg.InsertAction = "insert_gcode"
	cfg.RunoutAction = "runout_gcode"
	return cfg
}

// newHarness builds a helper at t=0 and, if ready is set, signals readiness
// at t=0.
func newHarness(t *testing.T, debounce time.Duration, ready bool) *harness {
	t.Helper()
	hs := &harness{
		sched:   &fakeScheduler{},
		insert:  &fakeAction{name: "insert_gcode"},
		runout:  &fakeAction{name: "runout_gcode"},
		printer: &fakePrinter{},
		pauser:  &fakePauser{},
	}
	h, err := NewRunoutHelper(testConfig(debounce), Deps{
		Scheduler: hs.sched,
		Actions:   fakeEngine{"insert_gcode": hs.insert, "runout_gcode": hs.runout},
		Printer:   hs.printer,
		Pauser:    hs.pauser,
		OnEvent:   func(ev Event) { hs.events = append(hs.events, ev) },
		OnError:   func(_ Event, err error) { hs.errs = append(hs.errs, err) },
	})
	if err != nil {
		t.Fatalf("NewRunoutHelper: %v", err)
	}
	hs.h = h

	if len(hs.sched.registered) == 0 || hs.sched.registered[0] != h.debounceTimer {
		t.Fatal("debounce timer was not registered first")
	}
	if hs.sched.registeredAt[0] != reactor.Never {
		t.Errorf("debounce timer registered armed at %v, want Never", hs.sched.registeredAt[0])
	}
	if h.minEventSystime != reactor.Never {
		t.Errorf("minEventSystime before ready: got %v, want Never", h.minEventSystime)
	}

	if ready {
		h.HandleReady()
		want := hs.sched.now + debounce + 2*time.Second
		if h.minEventSystime != want {
			t.Errorf("minEventSystime after ready: got %v, want %v", h.minEventSystime, want)
		}
	}
	return hs
}

func (hs *harness) assertState(t *testing.T, present bool, next *bool) {
	t.Helper()
	if hs.h.filamentPresent != present {
		t.Errorf("filamentPresent: got %v, want %v", hs.h.filamentPresent, present)
	}
	switch {
	case next == nil && hs.h.filamentPresentNext != nil:
		t.Errorf("filamentPresentNext: got %v, want nil", *hs.h.filamentPresentNext)
	case next != nil && hs.h.filamentPresentNext == nil:
		t.Errorf("filamentPresentNext: got nil, want %v", *next)
	case next != nil && *hs.h.filamentPresentNext != *next:
		t.Errorf("filamentPresentNext: got %v, want %v", *hs.h.filamentPresentNext, *next)
	}
}

func (hs *harness) assertSingleUpdate(t *testing.T, waketime time.Duration) {
	t.Helper()
	if len(hs.sched.updates) != 1 {
		t.Fatalf("expected 1 timer update, got %d", len(hs.sched.updates))
	}
	u := hs.sched.updates[0]
	if u.timer != hs.h.debounceTimer {
		t.Error("update was not for the debounce timer")
	}
	if u.waketime != waketime {
		t.Errorf("debounce waketime: got %v, want %v", u.waketime, waketime)
	}
}

func boolPtr(b bool) *bool {
	return &b
}

// --- no debounce ---

func TestNoDebounceInBeforeReady(t *testing.T) {
	hs := newHarness(t, 0, false)

	hs.sched.now = time.Second
	hs.h.NoteFilamentPresent(true)

	hs.assertState(t, true, nil)
	if len(hs.sched.updates) != 0 {
		t.Errorf("expected no timer updates, got %d", len(hs.sched.updates))
	}
	if len(hs.sched.callbacks) != 0 {
		t.Errorf("expected no callbacks before ready, got %d", len(hs.sched.callbacks))
	}
}

func TestNoDebounceInDuringStartupGrace(t *testing.T) {
	hs := newHarness(t, 0, true) // gate opens at 2s

	hs.sched.now = time.Second
	hs.h.NoteFilamentPresent(true)
	hs.assertState(t, true, nil)
	hs.sched.runCallbacks()

	if len(hs.insert.runs) != 0 {
		t.Errorf("insert action ran during startup grace")
	}
	if hs.h.counts.Suppressed != 1 {
		t.Errorf("Suppressed: got %d, want 1", hs.h.counts.Suppressed)
	}
}

func TestNoDebounceInNotPrinting(t *testing.T) {
	hs := newHarness(t, 0, true)

	hs.printer.printing = false
	hs.sched.now = 3 * time.Second
	hs.h.NoteFilamentPresent(true)

	hs.assertState(t, true, nil)
	if len(hs.sched.updates) != 0 {
		t.Errorf("expected no timer updates, got %d", len(hs.sched.updates))
	}
	if len(hs.sched.callbacks) != 1 {
		t.Fatalf("expected 1 callback, got %d", len(hs.sched.callbacks))
	}

	hs.sched.runCallbacks()
	if len(hs.insert.runs) != 1 {
		t.Fatalf("insert runs: got %d, want 1", len(hs.insert.runs))
	}
	if len(hs.runout.runs) != 0 {
		t.Errorf("runout runs: got %d, want 0", len(hs.runout.runs))
	}
	if hs.h.minEventSystime != 6*time.Second {
		t.Errorf("minEventSystime: got %v, want 6s", hs.h.minEventSystime)
	}
	if len(hs.events) != 1 || hs.events[0].Type != EventInsert {
		t.Errorf("expected one INSERT event, got %v", hs.events)
	}
}

func TestNoDebounceInPrinting(t *testing.T) {
	hs := newHarness(t, 0, true)

	hs.printer.printing = true
	hs.sched.now = 3 * time.Second
	hs.h.NoteFilamentPresent(true)
	hs.assertState(t, true, nil)
	hs.sched.runCallbacks()

	if len(hs.insert.runs) != 1 {
		t.Fatalf("insert runs: got %d, want 1", len(hs.insert.runs))
	}
	if !hs.insert.runs[0].Printing {
		t.Error("expected event to record printing=true")
	}
	if hs.pauser.calls != 0 {
		t.Errorf("insert must not request a pause, got %d calls", hs.pauser.calls)
	}
}

func TestNoDebounceOutPrinting(t *testing.T) {
	hs := newHarness(t, 0, true)

	hs.h.filamentPresent = true
	hs.printer.printing = true
	hs.sched.now = 3 * time.Second
	hs.h.NoteFilamentPresent(false)

	hs.assertState(t, false, nil)
	if len(hs.sched.updates) != 0 {
		t.Errorf("expected no timer updates, got %d", len(hs.sched.updates))
	}
	if len(hs.sched.callbacks) != 1 {
		t.Fatalf("expected 1 callback, got %d", len(hs.sched.callbacks))
	}

	hs.sched.runCallbacks()
	if hs.pauser.calls != 1 {
		t.Errorf("pause requests: got %d, want 1", hs.pauser.calls)
	}
	if len(hs.runout.runs) != 0 {
		t.Fatal("runout action ran before pause delay elapsed")
	}

	// Action deferred by the pause delay.
	if len(hs.sched.updates) != 1 || hs.sched.updates[0].timer != hs.h.actionTimer {
		t.Fatalf("expected action timer update, got %v", hs.sched.updates)
	}
	if got := hs.sched.updates[0].waketime; got != 3*time.Second+testPauseDelay {
		t.Errorf("action waketime: got %v, want 3.5s", got)
	}

	hs.sched.now = 3*time.Second + testPauseDelay
	if res := hs.h.runoutActionFired(hs.sched.now); res.Waketime() != reactor.Never {
		t.Errorf("action timer should disarm, got %v", res.Waketime())
	}
	if len(hs.runout.runs) != 1 {
		t.Fatalf("runout runs: got %d, want 1", len(hs.runout.runs))
	}
	if !hs.runout.runs[0].PauseRequested {
		t.Error("expected event to record the pause request")
	}
}

func TestNoDebounceOutNotPrinting(t *testing.T) {
	hs := newHarness(t, 0, true)

	hs.h.filamentPresent = true
	hs.printer.printing = false
	hs.sched.now = 3 * time.Second
	hs.h.NoteFilamentPresent(false)
	hs.assertState(t, false, nil)
	hs.sched.runCallbacks()

	if hs.pauser.calls != 0 {
		t.Errorf("pause requests: got %d, want 0", hs.pauser.calls)
	}
	if len(hs.runout.runs) != 1 {
		t.Fatalf("runout runs: got %d, want 1", len(hs.runout.runs))
	}
	if hs.runout.runs[0].PauseRequested {
		t.Error("no pause should be recorded when not printing")
	}
}

func TestNoDebounceDuplicateSamples(t *testing.T) {
	hs := newHarness(t, 0, true)
	hs.sched.now = 3 * time.Second

	for i := 0; i < 5; i++ {
		hs.h.NoteFilamentPresent(true)
	}
	if len(hs.sched.callbacks) != 1 {
		t.Errorf("expected 1 callback for duplicate samples, got %d", len(hs.sched.callbacks))
	}
}

// --- debounce ---

func TestDebounceInBeforeReady(t *testing.T) {
	hs := newHarness(t, testDebounceDelay, false)

	hs.sched.now = time.Second
	hs.h.NoteFilamentPresent(true)
	hs.assertState(t, false, boolPtr(true))
	hs.assertSingleUpdate(t, time.Second+testDebounceDelay)

	hs.sched.now += testDebounceDelay
	hs.sched.reset()
	if res := hs.h.debounceFired(hs.sched.now); res.Waketime() != reactor.Never {
		t.Errorf("debounce timer should disarm, got %v", res.Waketime())
	}
	hs.assertState(t, true, nil)
	if len(hs.sched.callbacks) != 0 {
		t.Errorf("expected no callbacks before ready, got %d", len(hs.sched.callbacks))
	}
}

func TestDebounceIn(t *testing.T) {
	hs := newHarness(t, testDebounceDelay, true)

	hs.printer.printing = false
	hs.sched.now = 3 * time.Second
	hs.h.NoteFilamentPresent(true)
	hs.assertState(t, false, boolPtr(true))
	hs.assertSingleUpdate(t, 3*time.Second+testDebounceDelay)

	hs.sched.now += testDebounceDelay
	hs.sched.reset()
	if res := hs.h.debounceFired(hs.sched.now); res.Waketime() != reactor.Never {
		t.Errorf("debounce timer should disarm, got %v", res.Waketime())
	}
	hs.assertState(t, true, nil)
	if len(hs.sched.callbacks) != 1 {
		t.Fatalf("expected 1 callback, got %d", len(hs.sched.callbacks))
	}

	hs.sched.runCallbacks()
	if len(hs.insert.runs) != 1 {
		t.Fatalf("insert runs: got %d, want 1", len(hs.insert.runs))
	}
	if want := 3*time.Second + testDebounceDelay + testEventDelay; hs.h.minEventSystime != want {
		t.Errorf("minEventSystime: got %v, want %v", hs.h.minEventSystime, want)
	}
}

func TestDebounceOut(t *testing.T) {
	hs := newHarness(t, testDebounceDelay, true)

	hs.h.filamentPresent = true
	hs.printer.printing = true
	hs.sched.now = 3 * time.Second
	hs.h.NoteFilamentPresent(false)
	hs.assertState(t, true, boolPtr(false))
	hs.assertSingleUpdate(t, 3*time.Second+testDebounceDelay)

	hs.sched.now += testDebounceDelay
	hs.sched.reset()
	hs.h.debounceFired(hs.sched.now)
	hs.assertState(t, false, nil)
	if len(hs.sched.callbacks) != 1 {
		t.Fatalf("expected 1 callback, got %d", len(hs.sched.callbacks))
	}

	hs.sched.runCallbacks()
	if hs.pauser.calls != 1 {
		t.Errorf("pause requests: got %d, want 1", hs.pauser.calls)
	}
	hs.h.runoutActionFired(hs.sched.now + testPauseDelay)
	if len(hs.runout.runs) != 1 {
		t.Errorf("runout runs: got %d, want 1", len(hs.runout.runs))
	}
}

func TestDebounceInCancel(t *testing.T) {
	hs := newHarness(t, testDebounceDelay, true)

	hs.sched.now = 3 * time.Second
	hs.h.NoteFilamentPresent(true)
	hs.assertState(t, false, boolPtr(true))
	hs.assertSingleUpdate(t, 3*time.Second+testDebounceDelay)

	hs.sched.now += testDebounceDelay / 2
	hs.sched.reset()
	hs.h.NoteFilamentPresent(false)
	hs.assertState(t, false, nil)
	hs.assertSingleUpdate(t, reactor.Never)
	if len(hs.sched.callbacks) != 0 {
		t.Errorf("cancel must not enqueue events, got %d", len(hs.sched.callbacks))
	}
}

func TestDebounceOutCancel(t *testing.T) {
	hs := newHarness(t, testDebounceDelay, true)

	hs.h.filamentPresent = true
	hs.printer.printing = true
	hs.sched.now = 3 * time.Second
	hs.h.NoteFilamentPresent(false)
	hs.assertState(t, true, boolPtr(false))
	hs.assertSingleUpdate(t, 3*time.Second+testDebounceDelay)

	hs.sched.now += testDebounceDelay / 2
	hs.sched.reset()
	hs.h.NoteFilamentPresent(true)
	hs.assertState(t, true, nil)
	hs.assertSingleUpdate(t, reactor.Never)
}

func TestDebounceInNoChange(t *testing.T) {
	hs := newHarness(t, testDebounceDelay, true)

	hs.h.filamentPresent = true
	hs.sched.now = 3 * time.Second
	hs.h.NoteFilamentPresent(true)
	hs.assertState(t, true, nil)
	if len(hs.sched.updates) != 0 {
		t.Errorf("expected no timer updates, got %d", len(hs.sched.updates))
	}
}

func TestDebounceOutNoChange(t *testing.T) {
	hs := newHarness(t, testDebounceDelay, true)

	hs.printer.printing = true
	hs.sched.now = 3 * time.Second
	hs.h.NoteFilamentPresent(false)
	hs.assertState(t, false, nil)
	if len(hs.sched.updates) != 0 {
		t.Errorf("expected no timer updates, got %d", len(hs.sched.updates))
	}
}

func TestDebounceInDuplicate(t *testing.T) {
	hs := newHarness(t, testDebounceDelay, true)

	hs.printer.printing = true
	hs.sched.now = 3 * time.Second
	hs.h.NoteFilamentPresent(true)
	hs.assertState(t, false, boolPtr(true))
	hs.assertSingleUpdate(t, 3*time.Second+testDebounceDelay)

	hs.sched.now += testDebounceDelay / 2
	hs.sched.reset()
	hs.h.NoteFilamentPresent(true)
	hs.assertState(t, false, boolPtr(true))
	if len(hs.sched.updates) != 0 {
		t.Errorf("duplicate must not re-arm, got %d updates", len(hs.sched.updates))
	}
}

func TestDebounceOutDuplicate(t *testing.T) {
	hs := newHarness(t, testDebounceDelay, true)

	hs.h.filamentPresent = true
	hs.printer.printing = true
	hs.sched.now = 3 * time.Second
	hs.h.NoteFilamentPresent(false)
	hs.assertState(t, true, boolPtr(false))
	hs.assertSingleUpdate(t, 3*time.Second+testDebounceDelay)

	hs.sched.now += testDebounceDelay / 2
	hs.sched.reset()
	hs.h.NoteFilamentPresent(false)
	hs.assertState(t, true, boolPtr(false))
	if len(hs.sched.updates) != 0 {
		t.Errorf("duplicate must not re-arm, got %d updates", len(hs.sched.updates))
	}
}

// --- event gating ---

func TestEventsWithinEventDelayAreSuppressed(t *testing.T) {
	hs := newHarness(t, 0, true)

	step := func(at time.Duration, present bool) {
		hs.sched.now = at
		hs.h.NoteFilamentPresent(present)
		hs.sched.runCallbacks()
	}

	step(3*time.Second, true)  // dispatched, gate -> 6s
	step(4*time.Second, false) // suppressed
	step(5*time.Second, true)  // suppressed
	step(7*time.Second, false) // dispatched

	if len(hs.insert.runs) != 1 {
		t.Errorf("insert runs: got %d, want 1", len(hs.insert.runs))
	}
	if len(hs.runout.runs) != 1 {
		t.Errorf("runout runs: got %d, want 1", len(hs.runout.runs))
	}
	if hs.h.counts.Suppressed != 2 {
		t.Errorf("Suppressed: got %d, want 2", hs.h.counts.Suppressed)
	}
	if hs.h.minEventSystime != 10*time.Second {
		t.Errorf("minEventSystime: got %v, want 10s", hs.h.minEventSystime)
	}
}

func TestStaleCallbackRevalidates(t *testing.T) {
	hs := newHarness(t, 0, true)

	hs.sched.now = 3 * time.Second
	hs.h.NoteFilamentPresent(true)
	hs.h.NoteFilamentPresent(false) // flips back before the insert callback runs
	if len(hs.sched.callbacks) != 2 {
		t.Fatalf("expected 2 callbacks, got %d", len(hs.sched.callbacks))
	}

	hs.sched.runCallbacks()
	if len(hs.insert.runs) != 0 {
		t.Errorf("stale insert callback ran its action")
	}
	if len(hs.runout.runs) != 1 {
		t.Errorf("runout runs: got %d, want 1", len(hs.runout.runs))
	}
	if hs.h.counts.Suppressed != 0 {
		t.Errorf("stale callback must not count as suppressed, got %d", hs.h.counts.Suppressed)
	}
}

func TestBeforeReadyNoActionsRegardlessOfTransitions(t *testing.T) {
	hs := newHarness(t, 0, false)

	for i := 0; i < 20; i++ {
		hs.sched.now = time.Duration(i) * time.Second
		hs.h.NoteFilamentPresent(i%2 == 0)
		hs.sched.runCallbacks()
	}
	if len(hs.insert.runs)+len(hs.runout.runs) != 0 {
		t.Errorf("actions ran before ready: insert=%d runout=%d", len(hs.insert.runs), len(hs.runout.runs))
	}
	if len(hs.events) != 0 {
		t.Errorf("events dispatched before ready: %d", len(hs.events))
	}
}

func TestHandleReadyOnlyOnce(t *testing.T) {
	hs := newHarness(t, testDebounceDelay, true)
	first := hs.h.minEventSystime

	hs.sched.now = 10 * time.Second
	hs.h.HandleReady()
	if hs.h.minEventSystime != first {
		t.Errorf("second HandleReady moved gate: got %v, want %v", hs.h.minEventSystime, first)
	}
}

func TestActionErrorDoesNotRollBackState(t *testing.T) {
	hs := newHarness(t, 0, true)
	hs.insert.err = errors.New("script failed")

	hs.sched.now = 3 * time.Second
	hs.h.NoteFilamentPresent(true)
	hs.sched.runCallbacks()

	hs.assertState(t, true, nil)
	if hs.h.minEventSystime != 6*time.Second {
		t.Errorf("minEventSystime: got %v, want 6s", hs.h.minEventSystime)
	}
	if len(hs.errs) != 1 {
		t.Fatalf("expected 1 reported error, got %d", len(hs.errs))
	}
	var ae *ActionError
	if !errors.As(hs.errs[0], &ae) {
		t.Fatalf("expected *ActionError, got %T", hs.errs[0])
	}
	if ae.Action != "insert_gcode" || ae.Event != EventInsert {
		t.Errorf("unexpected ActionError: %+v", ae)
	}
	if !errors.Is(hs.errs[0], hs.insert.err) {
		t.Error("ActionError should unwrap to the action's error")
	}
	if hs.h.counts.ActionErrors != 1 {
		t.Errorf("ActionErrors: got %d, want 1", hs.h.counts.ActionErrors)
	}

	// Sampling continues normally.
	hs.sched.now = 7 * time.Second
	hs.h.NoteFilamentPresent(false)
	hs.sched.runCallbacks()
	if len(hs.runout.runs) != 1 {
		t.Errorf("runout runs after failure: got %d, want 1", len(hs.runout.runs))
	}
}

func TestPauseErrorReportedAndActionStillRuns(t *testing.T) {
	hs := newHarness(t, 0, true)
	hs.pauser.err = errors.New("moonraker unreachable")
	hs.h.filamentPresent = true
	hs.printer.printing = true

	hs.sched.now = 3 * time.Second
	hs.h.NoteFilamentPresent(false)
	hs.sched.runCallbacks()
	hs.h.runoutActionFired(hs.sched.now + testPauseDelay)

	if len(hs.errs) != 1 || !errors.Is(hs.errs[0], hs.pauser.err) {
		t.Errorf("expected pause error to be reported, got %v", hs.errs)
	}
	if len(hs.runout.runs) != 1 {
		t.Errorf("runout runs: got %d, want 1", len(hs.runout.runs))
	}
}

func TestPendingRunoutFlushedByNextRunout(t *testing.T) {
	hs := newHarness(t, 0, true)
	hs.h.cfg.PauseDelay = 10 * time.Second // longer than the event delay
	hs.h.filamentPresent = true
	hs.printer.printing = true

	hs.sched.now = 3 * time.Second
	hs.h.NoteFilamentPresent(false)
	hs.sched.runCallbacks()

	hs.sched.now = 7 * time.Second
	hs.h.NoteFilamentPresent(true)
	hs.sched.runCallbacks()
	hs.sched.now = 11 * time.Second
	hs.h.NoteFilamentPresent(false)
	hs.sched.runCallbacks()

	if len(hs.runout.runs) != 1 {
		t.Fatalf("first runout should be flushed, got %d runs", len(hs.runout.runs))
	}
	hs.h.runoutActionFired(21 * time.Second)
	if len(hs.runout.runs) != 2 {
		t.Errorf("runout runs: got %d, want 2", len(hs.runout.runs))
	}
}

func TestDisabledSensorDispatchesNothing(t *testing.T) {
	hs := newHarness(t, 0, true)
	hs.h.SetEnabled(false)
	if hs.h.Enabled() {
		t.Fatal("expected Enabled=false")
	}

	hs.sched.now = 3 * time.Second
	hs.h.NoteFilamentPresent(true)
	hs.sched.runCallbacks()

	if !hs.h.FilamentPresent() {
		t.Error("state should still be tracked while disabled")
	}
	if len(hs.insert.runs) != 0 || len(hs.events) != 0 {
		t.Error("disabled sensor dispatched an event")
	}

	hs.h.SetEnabled(true)
	hs.sched.now = 4 * time.Second
	hs.h.NoteFilamentPresent(false)
	hs.sched.runCallbacks()
	if len(hs.runout.runs) != 1 {
		t.Errorf("runout runs after re-enable: got %d, want 1", len(hs.runout.runs))
	}
}

func TestStatus(t *testing.T) {
	hs := newHarness(t, testDebounceDelay, false)

	s := hs.h.Status()
	if s.Name != "My Test Config" || s.FilamentDetected || !s.Enabled || s.Ready || s.Pending != nil {
		t.Errorf("unexpected initial status: %+v", s)
	}

	hs.h.HandleReady()
	hs.h.NoteFilamentPresent(true)
	s = hs.h.Status()
	if !s.Ready {
		t.Error("expected Ready=true")
	}
	if s.Pending == nil || !*s.Pending {
		t.Errorf("expected pending=true, got %v", s.Pending)
	}
}

func TestNoActionsConfigured(t *testing.T) {
	sched := &fakeScheduler{}
	cfg := DefaultConfig()
	var events []Event
	h, err := NewRunoutHelper(cfg, Deps{
		Scheduler: sched,
		OnEvent:   func(ev Event) { events = append(events, ev) },
	})
	if err != nil {
		t.Fatalf("NewRunoutHelper: %v", err)
	}

	h.HandleReady()
	sched.now = 3 * time.Second
	h.NoteFilamentPresent(true)
	sched.runCallbacks()

	if len(events) != 1 {
		t.Errorf("expected 1 event without actions, got %d", len(events))
	}
}

func TestEventTimestampFromWallClock(t *testing.T) {
	sched := &fakeScheduler{}
	wall := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var got Event
	h, err := NewRunoutHelper(DefaultConfig(), Deps{
		Scheduler: sched,
		OnEvent:   func(ev Event) { got = ev },
		WallClock: func() time.Time { return wall },
	})
	if err != nil {
		t.Fatalf("NewRunoutHelper: %v", err)
	}
	h.HandleReady()
	sched.now = 5 * time.Second
	h.NoteFilamentPresent(true)
	sched.runCallbacks()

	if !got.Timestamp.Equal(wall) {
		t.Errorf("Timestamp: got %v, want %v", got.Timestamp, wall)
	}
	if got.EventTime != 5*time.Second {
		t.Errorf("EventTime: got %v, want 5s", got.EventTime)
	}
	if got.Sensor != "filament_sensor" {
		t.Errorf("Sensor: got %q", got.Sensor)
	}
}

func TestConfigValidation(t *testing.T) {
	engine := fakeEngine{"known": &fakeAction{name: "known"}}
	tests := []struct {
		name   string
		mutate func(*Config)
		deps   Deps
	}{
		{"negative pause delay", func(c *Config) { c.PauseDelay = -time.Millisecond }, Deps{Scheduler: &fakeScheduler{}}},
		{"zero event delay", func(c *Config) { c.EventDelay = 0 }, Deps{Scheduler: &fakeScheduler{}}},
		{"negative debounce", func(c *Config) { c.DebounceDelay = -time.Second }, Deps{Scheduler: &fakeScheduler{}}},
		{"unknown insert action", func(c *Config) { c.InsertAction = "missing" }, Deps{Scheduler: &fakeScheduler{}, Actions: engine}},
		{"unknown runout action", func(c *Config) { c.RunoutAction = "missing" }, Deps{Scheduler: &fakeScheduler{}, Actions: engine}},
		{"action without engine", func(c *Config) { c.RunoutAction = "known" }, Deps{Scheduler: &fakeScheduler{}}},
		{"no scheduler", func(c *Config) {}, Deps{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			h, err := NewRunoutHelper(cfg, tt.deps)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
			if h != nil {
				t.Error("expected nil helper on error")
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.PauseOnRunout {
		t.Error("PauseOnRunout should default to true")
	}
	if cfg.PauseDelay != 500*time.Millisecond {
		t.Errorf("PauseDelay: got %v", cfg.PauseDelay)
	}
	if cfg.EventDelay != 3*time.Second {
		t.Errorf("EventDelay: got %v", cfg.EventDelay)
	}
	if cfg.DebounceDelay != 0 {
		t.Errorf("DebounceDelay: got %v", cfg.DebounceDelay)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestNoteActionFailure(t *testing.T) {
	sched := &fakeScheduler{}
	cfg := DefaultConfig()
	cfg.Name = "spool"
	var reported []error
	h, err := NewRunoutHelper(cfg, Deps{
		Scheduler: sched,
		OnError:   func(ev Event, err error) { reported = append(reported, err) },
	})
	if err != nil {
		t.Fatalf("NewRunoutHelper: %v", err)
	}

	cause := errors.New("klippy not ready")
	h.NoteActionFailure("pause", cause)

	if got := h.Status().Counts.ActionErrors; got != 1 {
		t.Errorf("ActionErrors = %d, want 1", got)
	}
	if len(reported) != 1 {
		t.Fatalf("expected 1 reported error, got %d", len(reported))
	}
	var ae *ActionError
	if !errors.As(reported[0], &ae) || ae.Action != "pause" {
		t.Errorf("expected ActionError for pause, got %v", reported[0])
	}
	if !errors.Is(reported[0], cause) {
		t.Errorf("cause not wrapped: %v", reported[0])
	}
	if h.FilamentPresent() || len(sched.callbacks) != 0 {
		t.Error("failure must not touch sensor state")
	}
}
