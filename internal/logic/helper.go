package logic

import (
	"fmt"
	"time"

	"github.com/sweeney/filament-sensor/internal/reactor"
)

// Deps are the collaborators a RunoutHelper drives.
type Deps struct {
	Scheduler Scheduler
	Actions   ActionEngine // required only when an action name is configured
	Printer   PrintState   // nil = never printing
	Pauser    Pauser       // nil = pause requests are dropped

	// OnEvent is called for every dispatched event, before its action runs.
	OnEvent func(Event)
	// OnError receives action and pause failures.
	OnError func(Event, error)
	// WallClock stamps events. Defaults to time.Now.
	WallClock func() time.Time
}

// ActionError reports a configured action that failed to run.
type ActionError struct {
	Action string
	Event  EventType
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s action %q: %v", e.Event, e.Action, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// RunoutHelper debounces filament presence samples and dispatches
// rate-limited insert and runout events. All methods must be called on the
// scheduler's goroutine.
type RunoutHelper struct {
	cfg     Config
	sched   Scheduler
	printer PrintState
	pauser  Pauser
	onEvent func(Event)
	onError func(Event, error)
	wall    func() time.Time

	insertAction Action
	runoutAction Action

	filamentPresent     bool
	filamentPresentNext *bool
	minEventSystime     time.Duration
	enabled             bool

	debounceTimer *reactor.Timer
	actionTimer   *reactor.Timer
	pendingRunout *Event

	counts EventCounts
}

// NewRunoutHelper validates cfg, resolves its actions and registers the
// debounce timer, initially disarmed.
func NewRunoutHelper(cfg Config, deps Deps) (*RunoutHelper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Scheduler == nil {
		return nil, fmt.Errorf("%w: scheduler is required", ErrInvalidConfig)
	}

	h := &RunoutHelper{
		cfg:             cfg,
		sched:           deps.Scheduler,
		printer:         deps.Printer,
		pauser:          deps.Pauser,
		onEvent:         deps.OnEvent,
		onError:         deps.OnError,
		wall:            deps.WallClock,
		minEventSystime: reactor.Never,
		enabled:         true,
	}
	if h.wall == nil {
		h.wall = time.Now
	}

	var err error
	if h.insertAction, err = resolveAction(deps.Actions, "insert", cfg.InsertAction); err != nil {
		return nil, err
	}
	if h.runoutAction, err = resolveAction(deps.Actions, "runout", cfg.RunoutAction); err != nil {
		return nil, err
	}

	h.debounceTimer = h.sched.RegisterTimer(h.debounceFired, reactor.Never)
	h.actionTimer = h.sched.RegisterTimer(h.runoutActionFired, reactor.Never)
	return h, nil
}

// Validate checks the numeric settings.
func (c Config) Validate() error {
	if c.PauseDelay < 0 {
		return fmt.Errorf("%w: pause_delay must be >= 0, got %v", ErrInvalidConfig, c.PauseDelay)
	}
	if c.EventDelay <= 0 {
		return fmt.Errorf("%w: event_delay must be > 0, got %v", ErrInvalidConfig, c.EventDelay)
	}
	if c.DebounceDelay < 0 {
		return fmt.Errorf("%w: debounce_delay must be >= 0, got %v", ErrInvalidConfig, c.DebounceDelay)
	}
	return nil
}

func resolveAction(engine ActionEngine, kind, name string) (Action, error) {
	if name == "" {
		return nil, nil
	}
	if engine == nil {
		return nil, fmt.Errorf("%w: %s action %q configured without an action engine", ErrInvalidConfig, kind, name)
	}
	a, ok := engine.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown %s action %q", ErrInvalidConfig, kind, name)
	}
	return a, nil
}

// HandleReady opens the event gate after a startup grace period.
func (h *RunoutHelper) HandleReady() {
	if h.ready() {
		return
	}
	h.minEventSystime = h.sched.Monotonic() + h.cfg.DebounceDelay + readyGrace
}

// NoteFilamentPresent processes one raw sensor sample.
func (h *RunoutHelper) NoteFilamentPresent(isPresent bool) {
	if h.filamentPresentNext == nil {
		if isPresent == h.filamentPresent {
			return
		}
	} else if *h.filamentPresentNext == isPresent {
		return
	}

	if h.cfg.DebounceDelay == 0 {
		h.confirm(isPresent)
		return
	}

	if isPresent == h.filamentPresent {
		// Reverted to the stable value while the opposite was pending.
		h.filamentPresentNext = nil
		h.sched.UpdateTimer(h.debounceTimer, reactor.Never)
		return
	}

	next := isPresent
	h.filamentPresentNext = &next
	h.sched.UpdateTimer(h.debounceTimer, h.sched.Monotonic()+h.cfg.DebounceDelay)
}

func (h *RunoutHelper) debounceFired(eventtime time.Duration) reactor.TimerResult {
	if h.filamentPresentNext != nil {
		h.confirm(*h.filamentPresentNext)
	}
	return reactor.Disarm()
}

func (h *RunoutHelper) confirm(isPresent bool) {
	changed := isPresent != h.filamentPresent
	h.filamentPresent = isPresent
	h.filamentPresentNext = nil

	if !changed || !h.ready() {
		return
	}
	if isPresent {
		h.sched.RegisterCallback(h.insertEventHandler)
	} else {
		h.sched.RegisterCallback(h.runoutEventHandler)
	}
}

func (h *RunoutHelper) insertEventHandler(eventtime time.Duration) {
	if !h.filamentPresent || !h.admit(eventtime) {
		return
	}

	ev := h.newEvent(EventInsert, eventtime)
	h.counts.Insert++
	h.notify(ev)
	h.runAction(h.insertAction, ev)
}

func (h *RunoutHelper) runoutEventHandler(eventtime time.Duration) {
	if h.filamentPresent || !h.admit(eventtime) {
		return
	}

	ev := h.newEvent(EventRunout, eventtime)
	h.counts.Runout++

	if !h.cfg.PauseOnRunout || !ev.Printing {
		h.notify(ev)
		h.runAction(h.runoutAction, ev)
		return
	}

	ev.PauseRequested = true
	h.notify(ev)
	if h.pauser != nil {
		if err := h.pauser.RequestPause(); err != nil {
			h.report(ev, fmt.Errorf("request pause: %w", err))
		}
	}
	if h.cfg.PauseDelay == 0 {
		h.runAction(h.runoutAction, ev)
		return
	}

	// A runout still waiting out its pause delay is flushed first.
	if prev := h.pendingRunout; prev != nil {
		h.pendingRunout = nil
		h.runAction(h.runoutAction, *prev)
	}
	h.pendingRunout = &ev
	h.sched.UpdateTimer(h.actionTimer, eventtime+h.cfg.PauseDelay)
}

func (h *RunoutHelper) runoutActionFired(eventtime time.Duration) reactor.TimerResult {
	if ev := h.pendingRunout; ev != nil {
		h.pendingRunout = nil
		h.runAction(h.runoutAction, *ev)
	}
	return reactor.Disarm()
}

// admit applies the enable switch and the min_event_systime gate, advancing
// the gate when the event is let through.
func (h *RunoutHelper) admit(eventtime time.Duration) bool {
	if !h.enabled {
		return false
	}
	if eventtime < h.minEventSystime {
		h.counts.Suppressed++
		return false
	}
	h.minEventSystime = eventtime + h.cfg.EventDelay
	return true
}

func (h *RunoutHelper) newEvent(typ EventType, eventtime time.Duration) Event {
	return Event{
		Timestamp: h.wall(),
		EventTime: eventtime,
		Type:      typ,
		Sensor:    h.cfg.Name,
		Printing:  h.printer != nil && h.printer.IsPrinting(),
	}
}

func (h *RunoutHelper) notify(ev Event) {
	if h.onEvent != nil {
		h.onEvent(ev)
	}
}

func (h *RunoutHelper) runAction(a Action, ev Event) {
	if a == nil {
		return
	}
	if err := a.Run(ev); err != nil {
		h.counts.ActionErrors++
		h.report(ev, &ActionError{Action: a.Name(), Event: ev.Type, Err: err})
	}
}

// NoteActionFailure records a failure that surfaced after an action or pause
// request was handed off, such as a rejected G-code script or a pause the
// printer refused. It counts as an action error and goes to OnError.
func (h *RunoutHelper) NoteActionFailure(action string, err error) {
	h.counts.ActionErrors++
	h.report(Event{Sensor: h.cfg.Name}, &ActionError{Action: action, Err: err})
}

func (h *RunoutHelper) report(ev Event, err error) {
	if h.onError != nil {
		h.onError(ev, err)
	}
}

func (h *RunoutHelper) ready() bool {
	return h.minEventSystime != reactor.Never
}

// SetEnabled turns event dispatch on or off. State tracking continues while
// disabled.
func (h *RunoutHelper) SetEnabled(enabled bool) {
	h.enabled = enabled
}

// Enabled reports whether events are dispatched.
func (h *RunoutHelper) Enabled() bool {
	return h.enabled
}

// FilamentPresent returns the last confirmed reading.
func (h *RunoutHelper) FilamentPresent() bool {
	return h.filamentPresent
}

// Name returns the sensor name.
func (h *RunoutHelper) Name() string {
	return h.cfg.Name
}

// Status returns a snapshot of the helper state.
func (h *RunoutHelper) Status() Status {
	s := Status{
		Name:             h.cfg.Name,
		FilamentDetected: h.filamentPresent,
		Enabled:          h.enabled,
		Ready:            h.ready(),
		Counts:           h.counts,
	}
	if h.filamentPresentNext != nil {
		next := *h.filamentPresentNext
		s.Pending = &next
	}
	return s
}
