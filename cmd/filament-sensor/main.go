// Command filament-sensor watches a filament runout switch on a GPIO line,
// pauses the printer through Moonraker when filament runs out and publishes
// insert and runout events to MQTT.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweeney/filament-sensor/internal/action"
	"github.com/sweeney/filament-sensor/internal/config"
	"github.com/sweeney/filament-sensor/internal/gpio"
	"github.com/sweeney/filament-sensor/internal/history"
	"github.com/sweeney/filament-sensor/internal/mqtt"
	"github.com/sweeney/filament-sensor/internal/printer"
	"github.com/sweeney/filament-sensor/internal/reactor"
	"github.com/sweeney/filament-sensor/internal/status"
	"github.com/sweeney/filament-sensor/internal/web"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

// rootOptions holds flags shared by every command.
type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "filament-sensor",
		Short:         "Filament runout sensor daemon",
		Long:          "Debounces a filament switch, pauses the print on runout and publishes events to MQTT.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(opts)
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "path to the YAML config file")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newQueryCommand(opts))
	cmd.AddCommand(newCheckConfigCommand(opts))
	return cmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(opts)
		},
	}
}

func newQueryCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Read the switch once and print whether filament is detected",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			gopts, err := cfg.GPIOOptions()
			if err != nil {
				return err
			}
			reader, err := gpio.NewRealReader(gopts)
			if err != nil {
				return fmt.Errorf("init gpio: %w", err)
			}
			defer reader.Close()
			return printQuery(cmd.OutOrStdout(), cfg.Sensor.Name, reader, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of text")
	return cmd
}

func newCheckConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

// printQuery prints the QUERY_FILAMENT_SENSOR style answer for one reading.
func printQuery(w io.Writer, name string, reader gpio.Reader, asJSON bool) error {
	present, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read gpio: %w", err)
	}
	if asJSON {
		return json.NewEncoder(w).Encode(status.SensorJSON{Name: name, FilamentDetected: present, Enabled: true})
	}
	if present {
		_, err = fmt.Fprintf(w, "Filament Sensor %s: filament detected\n", name)
	} else {
		_, err = fmt.Fprintf(w, "Filament Sensor %s: filament not detected\n", name)
	}
	return err
}

func runDaemon(opts *rootOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	start := time.Now()

	// d is assigned below; the failure hooks only fire after events, which
	// need the daemon.
	var d *daemon
	tracker := status.NewTracker(start, statusConfig(cfg))
	deps := daemonDeps{
		Config:    cfg.Core(),
		Clock:     reactor.NewSystemClock(),
		Tracker:   tracker,
		Heartbeat: cfg.MQTT.Heartbeat.Std(),
		Network:   func() *status.NetworkInfo { return readNetworkInfo(cfg.NetworkEnv) },
	}

	// MQTT
	var publisher *mqtt.RealPublisher
	if cfg.MQTT.Broker != "" {
		publisher, err = mqtt.NewRealPublisher(cfg.MQTTOptions())
		if err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		defer publisher.Close()
		deps.Publisher = publisher
		deps.MQTTStatus = publisher
	}

	// Printer
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var api printer.API
	if cfg.Moonraker.URL != "" {
		client, err := printer.NewClient(cfg.Moonraker.URL, cfg.Moonraker.APIKey)
		if err != nil {
			return fmt.Errorf("init moonraker: %w", err)
		}
		api = client
		monitor := printer.NewMonitor(client, cfg.Moonraker.PollInterval.Std())
		monitor.OnChange = func(state string) {
			log.Printf("printer: state %s", state)
			tracker.SetPrintState(state, nil)
		}
		monitor.OnPauseError = func(err error) { d.pauseFailed(err) }
		go monitor.Run(ctx)
		deps.Printer = monitor
		deps.Pauser = monitor
		deps.PrintState = monitor
	}

	// Actions
	if len(cfg.Actions) > 0 {
		aopts := action.Options{
			GCode: api,
			OnError: func(name string, err error) { d.actionFailed(name, err) },
		}
		if publisher != nil {
			aopts.Publisher = publisher
		}
		engine, err := action.NewEngine(cfg.ActionSpecs(), aopts)
		if err != nil {
			return err
		}
		defer engine.Close()
		deps.Actions = engine
	}

	// History
	var store *history.Store
	if cfg.History.Path != "" {
		store, err = history.Open(cfg.History.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		deps.Recorder = store
	}

	d, err = newDaemon(deps)
	if err != nil {
		return err
	}

	// Input
	gopts, err := cfg.GPIOOptions()
	if err != nil {
		return err
	}
	if cfg.GPIO.Mode == config.ModeEdge {
		gopts.OnChange = d.note
	}
	reader, err := gpio.NewRealReader(gopts)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer reader.Close()

	if net := readNetworkInfo(cfg.NetworkEnv); net != nil {
		tracker.SetNetwork(net)
	}

	d.start()
	if cfg.GPIO.Mode == config.ModeEdge {
		// Edges only report changes; seed the helper with the current level.
		if present, err := reader.Read(); err == nil {
			d.note(present)
		} else {
			log.Printf("gpio read error: %v", err)
		}
	} else {
		d.pollInput(reader, cfg.GPIO.PollInterval.Std())
	}

	// HTTP
	if cfg.HTTP.Addr != "" {
		wopts := web.Options{Sensor: d}
		if store != nil {
			wopts.History = store
		}
		srv := web.New(cfg.HTTP.Addr, tracker, wopts)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http status server listening on %s", cfg.HTTP.Addr)
	}

	log.Printf("started: sensor=%s pin=%d mode=%s debounce=%v event_delay=%v pause_on_runout=%v broker=%s",
		cfg.Sensor.Name, cfg.GPIO.Pin, cfg.GPIO.Mode, cfg.Sensor.DebounceDelay.Std(),
		cfg.Sensor.EventDelay.Std(), cfg.Sensor.PauseOnRunout, cfg.MQTT.Broker)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	return d.runLoop(sigCh)
}

func statusConfig(cfg config.Config) status.Config {
	core := cfg.Core()
	return status.Config{
		Pin:           cfg.GPIO.Pin,
		PollMs:        cfg.GPIO.PollInterval.Std().Milliseconds(),
		DebounceMs:    core.DebounceDelay.Milliseconds(),
		EventDelayMs:  core.EventDelay.Milliseconds(),
		PauseDelayMs:  core.PauseDelay.Milliseconds(),
		PauseOnRunout: core.PauseOnRunout,
		InsertAction:  core.InsertAction,
		RunoutAction:  core.RunoutAction,
		HeartbeatMs:   cfg.MQTT.Heartbeat.Std().Milliseconds(),
		Broker:        cfg.MQTT.Broker,
		Moonraker:     cfg.Moonraker.URL,
		HTTPAddr:      cfg.HTTP.Addr,
	}
}
