package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/filament-sensor/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		switch {
		case days > 0:
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		case h > 0:
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		case m > 0:
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"orUnknown": func(s string) string {
		if s == "" {
			return "unknown"
		}
		return s
	},
	"deref": func(b *bool) bool {
		return b != nil && *b
	},
	"utc": func(t time.Time) string {
		return t.UTC().Format(time.RFC3339)
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Filament Sensor {{.Sensor.Name}}</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.present { color: green; font-weight: bold; }
.absent { color: red; font-weight: bold; }
.muted { color: #888; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Filament Sensor {{.Sensor.Name}}</h1>

<h2>Sensor</h2>
<table>
<tr><th>Filament</th><td id="filament" class="{{if .Sensor.FilamentDetected}}present{{else}}absent{{end}}">{{if .Sensor.FilamentDetected}}detected{{else}}not detected{{end}}</td></tr>
{{if .Sensor.Pending}}<tr><th>Settling</th><td class="muted">{{if deref .Sensor.Pending}}detected{{else}}not detected{{end}}</td></tr>{{end}}
<tr><th>Enabled</th><td>{{if .Sensor.Enabled}}yes{{else}}no{{end}}</td></tr>
<tr><th>Ready</th><td>{{if .Sensor.Ready}}yes{{else}}no{{end}}</td></tr>
</table>

<h2>Printer</h2>
<table>
<tr><th>State</th><td>{{orUnknown .PrintState}}</td></tr>
{{if .PrinterError}}<tr><th>Error</th><td class="disconnected">{{.PrinterError}}</td></tr>{{end}}
{{with .LastEvent}}<tr><th>Last event</th><td>{{.Type}} at {{utc .Timestamp}}{{if .PauseRequested}} (paused){{end}}</td></tr>{{end}}
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Config.Moonraker}}<tr><th>Moonraker</th><td>{{.Config.Moonraker}}</td></tr>{{end}}
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>Event Counts</h2>
<table>
<tr><th>Insert</th><td>{{.Sensor.Counts.Insert}}</td></tr>
<tr><th>Runout</th><td>{{.Sensor.Counts.Runout}}</td></tr>
<tr><th>Suppressed</th><td>{{.Sensor.Counts.Suppressed}}</td></tr>
<tr><th>Action errors</th><td>{{.Sensor.Counts.ActionErrors}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{utc .StartTime}}</td></tr>
<tr><th>GPIO pin</th><td>{{.Config.Pin}}</td></tr>
<tr><th>Debounce</th><td>{{.Config.DebounceMs}}ms</td></tr>
<tr><th>Event delay</th><td>{{.Config.EventDelayMs}}ms</td></tr>
<tr><th>Pause on runout</th><td>{{if .Config.PauseOnRunout}}yes, after {{.Config.PauseDelayMs}}ms{{else}}no{{end}}</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/api/events">Events</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
