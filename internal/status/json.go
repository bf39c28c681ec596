package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string         `json:"event,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Sensor        SensorJSON     `json:"sensor"`
	Printer       PrinterJSON    `json:"printer"`
	LastEvent     *LastEventJSON `json:"last_event,omitempty"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	StartTime     string         `json:"start_time"`
	Timestamp     string         `json:"timestamp"`
	MQTT          MQTTStatus     `json:"mqtt"`
	Counts        CountsJSON     `json:"event_counts"`
	Network       *NetworkJSON   `json:"network,omitempty"`
	Config        ConfigJSON     `json:"config"`
}

// SensorJSON mirrors the QUERY_FILAMENT_SENSOR view of the helper.
type SensorJSON struct {
	Name             string `json:"name"`
	FilamentDetected bool   `json:"filament_detected"`
	Pending          *bool  `json:"pending,omitempty"`
	Enabled          bool   `json:"enabled"`
	Ready            bool   `json:"ready"`
}

// PrinterJSON reports what the printer connection last saw.
type PrinterJSON struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// LastEventJSON describes the most recent dispatched event.
type LastEventJSON struct {
	Type           string `json:"type"`
	Timestamp      string `json:"timestamp"`
	Printing       bool   `json:"printing"`
	PauseRequested bool   `json:"pause_requested"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	Insert       int `json:"insert"`
	Runout       int `json:"runout"`
	Suppressed   int `json:"suppressed"`
	ActionErrors int `json:"action_errors"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Pin           int    `json:"pin"`
	PollMs        int64  `json:"poll_ms"`
	DebounceMs    int64  `json:"debounce_ms"`
	EventDelayMs  int64  `json:"event_delay_ms"`
	PauseDelayMs  int64  `json:"pause_delay_ms"`
	PauseOnRunout bool   `json:"pause_on_runout"`
	InsertAction  string `json:"insert_action,omitempty"`
	RunoutAction  string `json:"runout_action,omitempty"`
	HeartbeatMs   int64  `json:"heartbeat_ms"`
	Broker        string `json:"broker"`
	Moonraker     string `json:"moonraker,omitempty"`
	HTTPAddr      string `json:"http_addr"`
}

func buildInner(snap Snapshot) StatusInner {
	state := snap.PrintState
	if state == "" {
		state = "unknown"
	}

	inner := StatusInner{
		Sensor: SensorJSON{
			Name:             snap.Sensor.Name,
			FilamentDetected: snap.Sensor.FilamentDetected,
			Pending:          snap.Sensor.Pending,
			Enabled:          snap.Sensor.Enabled,
			Ready:            snap.Sensor.Ready,
		},
		Printer:       PrinterJSON{State: state, Error: snap.PrinterError},
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Insert:       snap.Sensor.Counts.Insert,
			Runout:       snap.Sensor.Counts.Runout,
			Suppressed:   snap.Sensor.Counts.Suppressed,
			ActionErrors: snap.Sensor.Counts.ActionErrors,
		},
		Config: ConfigJSON{
			Pin:           snap.Config.Pin,
			PollMs:        snap.Config.PollMs,
			DebounceMs:    snap.Config.DebounceMs,
			EventDelayMs:  snap.Config.EventDelayMs,
			PauseDelayMs:  snap.Config.PauseDelayMs,
			PauseOnRunout: snap.Config.PauseOnRunout,
			InsertAction:  snap.Config.InsertAction,
			RunoutAction:  snap.Config.RunoutAction,
			HeartbeatMs:   snap.Config.HeartbeatMs,
			Broker:        snap.Config.Broker,
			Moonraker:     snap.Config.Moonraker,
			HTTPAddr:      snap.Config.HTTPAddr,
		},
	}

	if ev := snap.LastEvent; ev != nil {
		inner.LastEvent = &LastEventJSON{
			Type:           string(ev.Type),
			Timestamp:      ev.Timestamp.UTC().Format(time.RFC3339),
			Printing:       ev.Printing,
			PauseRequested: ev.PauseRequested,
		}
	}
	if n := snap.Network; n != nil {
		inner.Network = &NetworkJSON{
			Type:       n.Type,
			IP:         n.IP,
			Status:     n.Status,
			Gateway:    n.Gateway,
			WifiStatus: n.WifiStatus,
			SSID:       n.SSID,
		}
	}
	return inner
}

// FormatJSON returns the indented JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the compact JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
