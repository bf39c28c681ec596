// Package mqtt provides MQTT publishing with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sweeney/filament-sensor/internal/logic"
)

// Topics are the MQTT topics used for one sensor.
type Topics struct {
	Events string
	System string
}

// TopicsFor returns the default topics for the named sensor.
func TopicsFor(sensor string) Topics {
	return Topics{
		Events: fmt.Sprintf("printer/filament/%s/events", sensor),
		System: fmt.Sprintf("printer/filament/%s/system", sensor),
	}
}

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a filament event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event logic.Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// PublishRaw sends a pre-formatted message, used by configured actions.
	PublishRaw(topic string, payload []byte, retained bool) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// System event names.
const (
	SystemStartup     = "STARTUP"
	SystemShutdown    = "SHUTDOWN"
	SystemHeartbeat   = "HEARTBEAT"
	SystemReconnected = "RECONNECTED"
	SystemOffline     = "OFFLINE"
)

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Filament FilamentPayload `json:"filament"`
}

// FilamentPayload contains the filament event details.
type FilamentPayload struct {
	Timestamp        string `json:"timestamp"`
	Event            string `json:"event"`
	Sensor           string `json:"sensor"`
	FilamentDetected bool   `json:"filament_detected"`
	Printing         bool   `json:"printing"`
	PauseRequested   bool   `json:"pause_requested"`
}

// FormatPayload creates the JSON payload for a filament event.
func FormatPayload(event logic.Event) ([]byte, error) {
	payload := Payload{
		Filament: FilamentPayload{
			Timestamp:        event.Timestamp.UTC().Format(time.RFC3339),
			Event:            string(event.Type),
			Sensor:           event.Sensor,
			FilamentDetected: event.Type == logic.EventInsert,
			Printing:         event.Printing,
			PauseRequested:   event.PauseRequested,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp,omitempty"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	inner := SystemPayloadInner{
		Event:  event.Event,
		Reason: event.Reason,
	}
	if !event.Timestamp.IsZero() {
		inner.Timestamp = event.Timestamp.UTC().Format(time.RFC3339)
	}
	return json.Marshal(SystemPayload{System: inner})
}

// WillPayload is the retained last-will message published by the broker if
// the daemon disappears without a clean shutdown.
func WillPayload() []byte {
	data, _ := FormatSystemPayload(SystemEvent{Event: SystemOffline, Reason: "connection lost"})
	return data
}
