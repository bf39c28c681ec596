package main

import (
	"context"
	"log"
	"os"
	"syscall"
	"time"

	"github.com/sweeney/filament-sensor/internal/gpio"
	"github.com/sweeney/filament-sensor/internal/history"
	"github.com/sweeney/filament-sensor/internal/logic"
	"github.com/sweeney/filament-sensor/internal/mqtt"
	"github.com/sweeney/filament-sensor/internal/reactor"
	"github.com/sweeney/filament-sensor/internal/status"
)

const sinkQueueSize = 64

// printerState is the part of printer.Monitor the status snapshot needs.
type printerState interface {
	State() (string, error)
}

// eventRecorder stores dispatched events.
type eventRecorder interface {
	Record(ctx context.Context, ev logic.Event) (history.Entry, error)
}

// daemonDeps are the collaborators of one daemon. Nil fields disable the
// matching feature.
type daemonDeps struct {
	Config     logic.Config
	Clock      reactor.Clock
	Actions    logic.ActionEngine
	Printer    logic.PrintState
	Pauser     logic.Pauser
	PrintState printerState
	Publisher  mqtt.Publisher
	MQTTStatus mqtt.ConnectionStatus
	Recorder   eventRecorder
	Tracker    *status.Tracker
	Network    func() *status.NetworkInfo
	Heartbeat  time.Duration
	Now        func() time.Time
}

// outbound is work for the sink goroutine: exactly one field is set.
type outbound struct {
	event  *logic.Event
	system *systemRequest
}

type systemRequest struct {
	event  string
	reason string
}

// daemon wires the runout helper to its input and outputs. The helper,
// the input and the timers run on the reactor goroutine; MQTT and history
// writes run on the sink goroutine so a slow broker never delays sampling.
type daemon struct {
	reactor    *reactor.Reactor
	helper     *logic.RunoutHelper
	tracker    *status.Tracker
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	printer    printerState
	recorder   eventRecorder
	network    func() *status.NetworkInfo
	heartbeat  time.Duration
	now        func() time.Time

	readFailing bool

	out      chan outbound
	sinkDone chan struct{}
}

func newDaemon(deps daemonDeps) (*daemon, error) {
	if deps.Clock == nil {
		deps.Clock = reactor.NewSystemClock()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Tracker == nil {
		deps.Tracker = status.NewTracker(deps.Now(), status.Config{})
	}

	d := &daemon{
		reactor:    reactor.New(deps.Clock),
		tracker:    deps.Tracker,
		publisher:  deps.Publisher,
		mqttStatus: deps.MQTTStatus,
		printer:    deps.PrintState,
		recorder:   deps.Recorder,
		network:    deps.Network,
		heartbeat:  deps.Heartbeat,
		now:        deps.Now,
		out:        make(chan outbound, sinkQueueSize),
		sinkDone:   make(chan struct{}),
	}

	helper, err := logic.NewRunoutHelper(deps.Config, logic.Deps{
		Scheduler: d.reactor,
		Actions:   deps.Actions,
		Printer:   deps.Printer,
		Pauser:    deps.Pauser,
		OnEvent:   d.onEvent,
		OnError:   d.onError,
		WallClock: deps.Now,
	})
	if err != nil {
		return nil, err
	}
	d.helper = helper
	d.tracker.UpdateSensor(helper.Status())
	return d, nil
}

// start opens the event gate and schedules the heartbeat. Input is attached
// separately with pollInput or edgeInput.
func (d *daemon) start() {
	go d.sink()

	d.reactor.Post(func(eventtime time.Duration) {
		d.helper.HandleReady()
		d.refresh()
	})
	d.enqueue(outbound{system: &systemRequest{event: mqtt.SystemStartup}})

	if d.heartbeat > 0 {
		d.reactor.RegisterTimer(func(eventtime time.Duration) reactor.TimerResult {
			d.refresh()
			d.enqueue(outbound{system: &systemRequest{event: mqtt.SystemHeartbeat}})
			return reactor.Rearm(eventtime + d.heartbeat)
		}, d.reactor.Monotonic()+d.heartbeat)
	}
}

// pollInput samples reader every interval.
func (d *daemon) pollInput(reader gpio.Reader, interval time.Duration) {
	d.reactor.RegisterTimer(func(eventtime time.Duration) reactor.TimerResult {
		d.sample(reader)
		return reactor.Rearm(eventtime + interval)
	}, d.reactor.Monotonic())
}

// note hands an edge-triggered reading to the helper. Safe from any goroutine.
func (d *daemon) note(present bool) {
	d.reactor.Post(func(eventtime time.Duration) {
		d.helper.NoteFilamentPresent(present)
		d.refresh()
	})
}

func (d *daemon) sample(reader gpio.Reader) {
	present, err := reader.Read()
	if err != nil {
		if !d.readFailing {
			log.Printf("gpio read error: %v", err)
		}
		d.readFailing = true
		return
	}
	if d.readFailing {
		log.Printf("gpio read recovered")
		d.readFailing = false
	}
	d.helper.NoteFilamentPresent(present)
	d.refresh()
}

func (d *daemon) refresh() {
	d.tracker.UpdateSensor(d.helper.Status())
}

func (d *daemon) onEvent(ev logic.Event) {
	log.Printf("event: %s sensor=%s printing=%v pause=%v", ev.Type, ev.Sensor, ev.Printing, ev.PauseRequested)
	d.tracker.SetLastEvent(ev)
	d.refresh()
	d.enqueue(outbound{event: &ev})
}

func (d *daemon) onError(ev logic.Event, err error) {
	log.Printf("event: %s: %v", ev.Type, err)
	d.refresh()
}

// pauseFailed reports a pause request the printer rejected. Safe from any
// goroutine.
func (d *daemon) pauseFailed(err error) {
	d.actionFailed("pause", err)
}

// actionFailed reports a side effect that failed on the action worker. Safe
// from any goroutine.
func (d *daemon) actionFailed(name string, err error) {
	d.reactor.Post(func(eventtime time.Duration) {
		d.helper.NoteActionFailure(name, err)
		d.refresh()
	})
}

func (d *daemon) enqueue(o outbound) {
	select {
	case d.out <- o:
	default:
		log.Printf("sink queue full, dropping outbound message")
	}
}

func (d *daemon) sink() {
	defer close(d.sinkDone)
	for o := range d.out {
		switch {
		case o.event != nil:
			d.deliverEvent(*o.event)
		case o.system != nil:
			d.publishSystem(o.system.event, o.system.reason)
		}
	}
}

func (d *daemon) deliverEvent(ev logic.Event) {
	if d.publisher != nil {
		if err := d.publisher.Publish(ev); err != nil {
			log.Printf("publish error: %v", err)
		}
	}
	if d.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := d.recorder.Record(ctx, ev); err != nil {
			log.Printf("history: %v", err)
		}
	}
}

// publishSystem sends a lifecycle event carrying a full status snapshot.
// STARTUP and SHUTDOWN are retained so late subscribers see the last one.
func (d *daemon) publishSystem(event, reason string) {
	if d.mqttStatus != nil {
		d.tracker.SetMQTTConnected(d.mqttStatus.IsConnected())
	}
	if d.printer != nil {
		d.tracker.SetPrintState(d.printer.State())
	}
	if d.network != nil {
		if net := d.network(); net != nil {
			d.tracker.SetNetwork(net)
		}
	}
	if d.publisher == nil {
		return
	}

	snap := d.tracker.Snapshot()
	if event == mqtt.SystemHeartbeat {
		log.Printf("heartbeat: uptime=%v insert=%d runout=%d suppressed=%d",
			snap.Uptime().Truncate(time.Second), snap.Sensor.Counts.Insert, snap.Sensor.Counts.Runout, snap.Sensor.Counts.Suppressed)
	}
	ev := mqtt.SystemEvent{
		Timestamp:  d.now(),
		Event:      event,
		Reason:     reason,
		Retained:   event != mqtt.SystemHeartbeat,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	}
	if err := d.publisher.PublishSystem(ev); err != nil {
		log.Printf("failed to publish %s event: %v", event, err)
		return
	}
	log.Printf("published %s event", event)
}

// stopSink drains queued work and waits for the sink to exit.
func (d *daemon) stopSink() {
	close(d.out)
	<-d.sinkDone
}

// Query returns the helper status from the reactor goroutine.
func (d *daemon) Query(ctx context.Context) (logic.Status, error) {
	return d.call(ctx, func() logic.Status {
		return d.helper.Status()
	})
}

// SetEnabled switches event dispatch on or off, like SET_FILAMENT_SENSOR.
func (d *daemon) SetEnabled(ctx context.Context, enabled bool) (logic.Status, error) {
	return d.call(ctx, func() logic.Status {
		d.helper.SetEnabled(enabled)
		d.refresh()
		return d.helper.Status()
	})
}

func (d *daemon) call(ctx context.Context, fn func() logic.Status) (logic.Status, error) {
	reply := make(chan logic.Status, 1)
	d.reactor.Post(func(eventtime time.Duration) {
		reply <- fn()
	})
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return logic.Status{}, ctx.Err()
	}
}

// runLoop drives the reactor until a signal arrives, then publishes
// SHUTDOWN with the signal name.
func (d *daemon) runLoop(sig <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.reactor.Run(ctx)
	}()

	s := <-sig
	log.Printf("received %v, shutting down", s)
	cancel()
	<-done

	d.stopSink()
	d.publishSystem(mqtt.SystemShutdown, signalName(s))
	return nil
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}
