// Package config loads the daemon configuration from a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/filament-sensor/internal/action"
	"github.com/sweeney/filament-sensor/internal/gpio"
	"github.com/sweeney/filament-sensor/internal/logic"
	"github.com/sweeney/filament-sensor/internal/mqtt"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// DefaultPath is where the daemon looks for its config file.
const DefaultPath = "/etc/filament-sensor/config.yaml"

// Input modes.
const (
	ModePoll = "poll"
	ModeEdge = "edge"
)

// Duration is a time.Duration written as a Go duration string ("500ms", "3s").
type Duration time.Duration

// UnmarshalYAML parses a duration string. Bare numbers are seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if v, err := time.ParseDuration(s); err == nil {
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("line %d: %q is not a duration", value.Line, s)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the whole daemon configuration.
type Config struct {
	Sensor    Sensor    `yaml:"sensor"`
	GPIO      GPIO      `yaml:"gpio"`
	MQTT      MQTT      `yaml:"mqtt"`
	Moonraker Moonraker `yaml:"moonraker"`
	HTTP      HTTP      `yaml:"http"`
	History   History   `yaml:"history"`
	Actions   []Action  `yaml:"actions"`

	// NetworkEnv is the pi-helper env file with network details.
	NetworkEnv string `yaml:"network_env"`
}

// Sensor configures the runout helper.
type Sensor struct {
	Name          string   `yaml:"name"`
	PauseOnRunout bool     `yaml:"pause_on_runout"`
	PauseDelay    Duration `yaml:"pause_delay"`
	EventDelay    Duration `yaml:"event_delay"`
	DebounceDelay Duration `yaml:"debounce_delay"`
	InsertAction  string   `yaml:"insert_action,omitempty"`
	RunoutAction  string   `yaml:"runout_action,omitempty"`
}

// GPIO configures the switch input.
type GPIO struct {
	Chip         string   `yaml:"chip"`
	Pin          int      `yaml:"pin"`
	Bias         string   `yaml:"bias"`
	ActiveLow    bool     `yaml:"active_low"`
	Mode         string   `yaml:"mode"`
	PollInterval Duration `yaml:"poll_interval"`
}

// MQTT configures the broker connection. An empty broker disables MQTT.
type MQTT struct {
	Broker     string   `yaml:"broker"`
	ClientID   string   `yaml:"client_id,omitempty"`
	Username   string   `yaml:"username,omitempty"`
	Password   string   `yaml:"password,omitempty"`
	BufferSize int      `yaml:"buffer_size"`
	Heartbeat  Duration `yaml:"heartbeat"`
}

// Moonraker configures the printer connection. An empty URL disables it.
type Moonraker struct {
	URL          string   `yaml:"url"`
	APIKey       string   `yaml:"api_key,omitempty"`
	PollInterval Duration `yaml:"poll_interval"`
}

// HTTP configures the status server. An empty address disables it.
type HTTP struct {
	Addr string `yaml:"addr"`
}

// History configures the event database. An empty path disables it.
type History struct {
	Path string `yaml:"path"`
}

// Action is one named action.
type Action struct {
	Name  string      `yaml:"name"`
	GCode string      `yaml:"gcode,omitempty"`
	MQTT  *MQTTAction `yaml:"mqtt,omitempty"`
	Log   string      `yaml:"log,omitempty"`
}

// MQTTAction is the MQTT message an action publishes.
type MQTTAction struct {
	Topic    string `yaml:"topic"`
	Payload  string `yaml:"payload"`
	Retained bool   `yaml:"retained,omitempty"`
}

// Default returns the configuration used for missing keys.
func Default() Config {
	core := logic.DefaultConfig()
	return Config{
		Sensor: Sensor{
			Name:          core.Name,
			PauseOnRunout: core.PauseOnRunout,
			PauseDelay:    Duration(core.PauseDelay),
			EventDelay:    Duration(core.EventDelay),
			DebounceDelay: Duration(core.DebounceDelay),
		},
		GPIO: GPIO{
			Chip:         gpio.DefaultChip,
			Pin:          gpio.DefaultPin,
			Bias:         string(gpio.BiasPullUp),
			Mode:         ModePoll,
			PollInterval: Duration(20 * time.Millisecond),
		},
		MQTT: MQTT{
			Broker:     "tcp://localhost:1883",
			BufferSize: 100,
			Heartbeat:  Duration(15 * time.Minute),
		},
		Moonraker: Moonraker{
			URL:          "http://localhost:7125",
			PollInterval: Duration(2 * time.Second),
		},
		HTTP:       HTTP{Addr: ":8080"},
		NetworkEnv: "/run/pi-helper.env",
	}
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default and validates the result.
// Unknown keys are rejected.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if err := c.Core().Validate(); err != nil {
		add("sensor: %v", err)
	}
	if c.GPIO.Pin < 0 {
		add("gpio.pin must not be negative")
	}
	if _, err := gpio.ParseBias(c.GPIO.Bias); err != nil {
		add("gpio.bias: %v", err)
	}
	switch c.GPIO.Mode {
	case ModePoll:
		if c.GPIO.PollInterval <= 0 {
			add("gpio.poll_interval must be positive")
		}
	case ModeEdge:
	default:
		add("gpio.mode must be %q or %q", ModePoll, ModeEdge)
	}
	if c.MQTT.BufferSize < 0 {
		add("mqtt.buffer_size must not be negative")
	}
	if c.MQTT.Heartbeat < 0 {
		add("mqtt.heartbeat must not be negative")
	}
	if c.Moonraker.URL != "" && c.Moonraker.PollInterval <= 0 {
		add("moonraker.poll_interval must be positive")
	}
	if c.Sensor.PauseOnRunout && c.Moonraker.URL == "" {
		add("sensor.pause_on_runout needs moonraker.url")
	}

	names := make(map[string]bool, len(c.Actions))
	for i, a := range c.Actions {
		switch {
		case a.Name == "":
			add("actions[%d]: name is required", i)
		case names[a.Name]:
			add("actions[%d]: duplicate name %q", i, a.Name)
		}
		names[a.Name] = true
		if a.GCode != "" && c.Moonraker.URL == "" {
			add("action %q: gcode needs moonraker.url", a.Name)
		}
		if a.MQTT != nil && (a.MQTT.Topic == "" || c.MQTT.Broker == "") {
			add("action %q: mqtt needs a topic and mqtt.broker", a.Name)
		}
	}
	for _, ref := range []string{c.Sensor.InsertAction, c.Sensor.RunoutAction} {
		if ref != "" && !names[ref] {
			add("sensor refers to undefined action %q", ref)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Core returns the runout helper configuration.
func (c Config) Core() logic.Config {
	return logic.Config{
		Name:          c.Sensor.Name,
		PauseOnRunout: c.Sensor.PauseOnRunout,
		PauseDelay:    c.Sensor.PauseDelay.Std(),
		EventDelay:    c.Sensor.EventDelay.Std(),
		DebounceDelay: c.Sensor.DebounceDelay.Std(),
		InsertAction:  c.Sensor.InsertAction,
		RunoutAction:  c.Sensor.RunoutAction,
	}
}

// GPIOOptions returns the line options for the sensor input.
func (c Config) GPIOOptions() (gpio.Options, error) {
	bias, err := gpio.ParseBias(c.GPIO.Bias)
	if err != nil {
		return gpio.Options{}, err
	}
	return gpio.Options{
		Chip:      c.GPIO.Chip,
		Pin:       c.GPIO.Pin,
		Bias:      bias,
		ActiveLow: c.GPIO.ActiveLow,
	}, nil
}

// MQTTOptions returns the publisher options for the sensor.
func (c Config) MQTTOptions() mqtt.Options {
	clientID := c.MQTT.ClientID
	if clientID == "" {
		clientID = "filament-sensor-" + c.Sensor.Name
	}
	return mqtt.Options{
		Broker:     c.MQTT.Broker,
		ClientID:   clientID,
		Username:   c.MQTT.Username,
		Password:   c.MQTT.Password,
		Topics:     mqtt.TopicsFor(c.Sensor.Name),
		BufferSize: c.MQTT.BufferSize,
	}
}

// ActionSpecs returns the action definitions for the action engine.
func (c Config) ActionSpecs() []action.Spec {
	specs := make([]action.Spec, 0, len(c.Actions))
	for _, a := range c.Actions {
		s := action.Spec{Name: a.Name, GCode: a.GCode, Log: a.Log}
		if a.MQTT != nil {
			s.Topic = a.MQTT.Topic
			s.Payload = a.MQTT.Payload
			s.Retained = a.MQTT.Retained
		}
		specs = append(specs, s)
	}
	return specs
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
