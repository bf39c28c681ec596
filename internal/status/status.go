// Package status provides a thread-safe status tracker for the filament-sensor daemon.
// It is read by the HTTP handlers and by the MQTT heartbeat.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/filament-sensor/internal/logic"
)

// NetworkInfo contains network state as reported by pi-helper.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	Pin           int
	PollMs        int64
	DebounceMs    int64
	EventDelayMs  int64
	PauseDelayMs  int64
	PauseOnRunout bool
	InsertAction  string
	RunoutAction  string
	HeartbeatMs   int64
	Broker        string
	Moonraker     string
	HTTPAddr      string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Sensor        logic.Status
	PrintState    string // last state reported by the printer, "" if never seen
	PrinterError  string // last printer query error, "" if healthy
	LastEvent     *logic.Event
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// UpdateSensor stores the helper's status. Called from the event loop after
// every state change.
func (t *Tracker) UpdateSensor(s logic.Status) {
	if s.Pending != nil {
		p := *s.Pending
		s.Pending = &p
	}
	t.mu.Lock()
	t.snap.Sensor = s
	t.mu.Unlock()
}

// SetPrintState records the latest printer state and query error.
func (t *Tracker) SetPrintState(state string, err error) {
	t.mu.Lock()
	t.snap.PrintState = state
	t.snap.PrinterError = ""
	if err != nil {
		t.snap.PrinterError = err.Error()
	}
	t.mu.Unlock()
}

// SetLastEvent records the most recent dispatched event.
func (t *Tracker) SetLastEvent(ev logic.Event) {
	t.mu.Lock()
	t.snap.LastEvent = &ev
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
