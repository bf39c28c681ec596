// Package logic contains the filament runout state machine.
// This package has NO external dependencies (no GPIO, MQTT, HTTP or OS).
// Time and scheduling are always injected through the Scheduler interface.
package logic

import (
	"errors"
	"time"

	"github.com/sweeney/filament-sensor/internal/reactor"
)

// EventType identifies a dispatched filament event.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventRunout EventType = "RUNOUT"
)

// Startup grace added on top of the debounce delay before events may fire.
const readyGrace = 2 * time.Second

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid runout configuration")

// Config is read once by NewRunoutHelper.
type Config struct {
	Name          string
	PauseOnRunout bool
	PauseDelay    time.Duration
	EventDelay    time.Duration
	DebounceDelay time.Duration
	InsertAction  string // empty = no action
	RunoutAction  string // empty = no action
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Name:          "filament_sensor",
		PauseOnRunout: true,
		PauseDelay:    500 * time.Millisecond,
		EventDelay:    3 * time.Second,
	}
}

// Event describes a dispatched insert or runout event.
type Event struct {
	Timestamp      time.Time     // wall clock
	EventTime      time.Duration // reactor time
	Type           EventType
	Sensor         string
	Printing       bool
	PauseRequested bool
}

// Scheduler is the cooperative scheduler the helper runs on.
type Scheduler interface {
	Monotonic() time.Duration
	RegisterTimer(fn reactor.TimerFunc, waketime time.Duration) *reactor.Timer
	UpdateTimer(t *reactor.Timer, waketime time.Duration)
	RegisterCallback(fn reactor.CallbackFunc)
}

// Action is a resolved, user-configured action.
type Action interface {
	Name() string
	Run(event Event) error
}

// ActionEngine resolves configured actions by name.
type ActionEngine interface {
	Lookup(name string) (Action, bool)
}

// PrintState reports whether the host is currently printing.
type PrintState interface {
	IsPrinting() bool
}

// Pauser asks the host to pause the running print.
type Pauser interface {
	RequestPause() error
}

// EventCounts tracks dispatched and suppressed events since startup.
type EventCounts struct {
	Insert       int
	Runout       int
	Suppressed   int
	ActionErrors int
}

// Status is a point-in-time view of the helper.
type Status struct {
	Name             string
	FilamentDetected bool
	Pending          *bool // value awaiting debounce, nil when stable
	Enabled          bool
	Ready            bool
	Counts           EventCounts
}
