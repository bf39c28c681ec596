// Package action runs the user-configured insert and runout actions.
//
// An action may send a G-code script to the printer, publish an MQTT message
// and write a log line. Every body is a text/template rendered with the
// filament event. Rendering happens on the caller's goroutine; the side
// effects run on a single background worker so the event loop never waits on
// the network.
package action

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"text/template"
	"time"

	"github.com/sweeney/filament-sensor/internal/logic"
)

// ErrQueueFull is returned by Run when the worker is too far behind.
var ErrQueueFull = errors.New("action: queue full")

// ErrClosed is returned by Run after the engine has been closed.
var ErrClosed = errors.New("action: engine closed")

// Spec describes one configured action.
type Spec struct {
	Name     string
	GCode    string // G-code script template
	Topic    string // MQTT topic template
	Payload  string // MQTT payload template
	Retained bool
	Log      string // log line template
}

// GCodeRunner sends G-code to the printer.
type GCodeRunner interface {
	RunGCode(ctx context.Context, script string) error
}

// RawPublisher publishes an arbitrary MQTT message.
type RawPublisher interface {
	PublishRaw(topic string, payload []byte, retained bool) error
}

// Options wires the engine to its outputs.
type Options struct {
	GCode     GCodeRunner  // may be nil if no action sends G-code
	Publisher RawPublisher // may be nil if no action publishes
	QueueSize int
	Timeout   time.Duration // per G-code request

	// OnError receives failures of the background side effects.
	OnError func(name string, err error)
}

// TemplateData is the value templates are executed against.
type TemplateData struct {
	Sensor         string
	Event          string
	Time           time.Time
	Printing       bool
	PauseRequested bool
}

type job struct {
	name     string
	gcode    string
	topic    string
	payload  []byte
	retained bool
	logLine  string
}

// Engine resolves and executes configured actions.
type Engine struct {
	actions map[string]*configured
	gcode   GCodeRunner
	pub     RawPublisher
	timeout time.Duration
	onError func(string, error)

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	done   chan struct{}
}

// NewEngine parses every action template and starts the worker.
func NewEngine(specs []Spec, opts Options) (*Engine, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	e := &Engine{
		actions: make(map[string]*configured, len(specs)),
		gcode:   opts.GCode,
		pub:     opts.Publisher,
		timeout: opts.Timeout,
		onError: opts.OnError,
		jobs:    make(chan job, opts.QueueSize),
		done:    make(chan struct{}),
	}

	for _, s := range specs {
		if s.Name == "" {
			return nil, errors.New("action: name is required")
		}
		if _, dup := e.actions[s.Name]; dup {
			return nil, fmt.Errorf("action %q: defined twice", s.Name)
		}
		a, err := e.compile(s)
		if err != nil {
			return nil, fmt.Errorf("action %q: %w", s.Name, err)
		}
		e.actions[s.Name] = a
	}

	go e.work()
	return e, nil
}

func (e *Engine) compile(s Spec) (*configured, error) {
	if s.GCode == "" && s.Topic == "" && s.Log == "" {
		return nil, errors.New("needs at least one of gcode, mqtt topic or log")
	}
	if s.GCode != "" && e.gcode == nil {
		return nil, errors.New("gcode needs a printer connection")
	}
	if s.Topic != "" && e.pub == nil {
		return nil, errors.New("mqtt message needs a broker connection")
	}

	a := &configured{engine: e, name: s.Name, retained: s.Retained}
	var err error
	if a.gcode, err = parse(s.Name+".gcode", s.GCode); err != nil {
		return nil, err
	}
	if a.topic, err = parse(s.Name+".topic", s.Topic); err != nil {
		return nil, err
	}
	if a.payload, err = parse(s.Name+".payload", s.Payload); err != nil {
		return nil, err
	}
	if a.logLine, err = parse(s.Name+".log", s.Log); err != nil {
		return nil, err
	}
	return a, nil
}

func parse(name, text string) (*template.Template, error) {
	if text == "" {
		return nil, nil
	}
	t, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return t, nil
}

// Lookup returns the action with the given name.
func (e *Engine) Lookup(name string) (logic.Action, bool) {
	a, ok := e.actions[name]
	if !ok {
		return nil, false
	}
	return a, true
}

// Names returns the configured action names in sorted order.
func (e *Engine) Names() []string {
	names := make([]string, 0, len(e.actions))
	for n := range e.actions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close stops accepting work and waits for queued actions to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.jobs)
	}
	e.mu.Unlock()
	<-e.done
}

func (e *Engine) enqueue(j job) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	select {
	case e.jobs <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

func (e *Engine) work() {
	defer close(e.done)
	for j := range e.jobs {
		start := time.Now()
		if err := e.execute(j); err != nil {
			log.Printf("action: %s failed after %v: %v", j.name, time.Since(start), err)
			if e.onError != nil {
				e.onError(j.name, err)
			}
		}
	}
}

func (e *Engine) execute(j job) error {
	if j.logLine != "" {
		log.Printf("action: %s: %s", j.name, j.logLine)
	}

	var errs []error
	if j.gcode != "" {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		if err := e.gcode.RunGCode(ctx, j.gcode); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if j.topic != "" {
		if err := e.pub.PublishRaw(j.topic, j.payload, j.retained); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type configured struct {
	engine   *Engine
	name     string
	gcode    *template.Template
	topic    *template.Template
	payload  *template.Template
	logLine  *template.Template
	retained bool
}

func (a *configured) Name() string { return a.name }

// Run renders the templates for ev and queues the side effects.
func (a *configured) Run(ev logic.Event) error {
	data := TemplateData{
		Sensor:         ev.Sensor,
		Event:          string(ev.Type),
		Time:           ev.Timestamp,
		Printing:       ev.Printing,
		PauseRequested: ev.PauseRequested,
	}

	j := job{name: a.name, retained: a.retained}
	var err error
	if j.gcode, err = render(a.gcode, data); err != nil {
		return err
	}
	if j.topic, err = render(a.topic, data); err != nil {
		return err
	}
	payload, err := render(a.payload, data)
	if err != nil {
		return err
	}
	j.payload = []byte(payload)
	if j.logLine, err = render(a.logLine, data); err != nil {
		return err
	}
	return a.engine.enqueue(j)
}

func render(t *template.Template, data TemplateData) (string, error) {
	if t == nil {
		return "", nil
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}
