// Package web provides an HTTP status and control server for the filament-sensor daemon.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/sweeney/filament-sensor/internal/history"
	"github.com/sweeney/filament-sensor/internal/logic"
	"github.com/sweeney/filament-sensor/internal/status"
)

const (
	defaultEventLimit = 20
	maxEventLimit     = 500
)

// SensorControl queries and toggles the runout helper. Implementations hop
// onto the event loop, so calls may block until it answers.
type SensorControl interface {
	Query(ctx context.Context) (logic.Status, error)
	SetEnabled(ctx context.Context, enabled bool) (logic.Status, error)
}

// EventLog returns recorded events, newest first, and per-type totals.
type EventLog interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
	Counts(ctx context.Context) (map[logic.EventType]int, error)
}

// Options holds the optional collaborators. Endpoints whose collaborator is
// nil answer 503.
type Options struct {
	Sensor  SensorControl
	History EventLog
}

// Server serves the status page and sensor API over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	sensor     SensorControl
	history    EventLog
}

// New creates a Server that reads state from the given tracker.
func New(addr string, tracker *status.Tracker, opts Options) *Server {
	s := &Server{
		tracker: tracker,
		sensor:  opts.Sensor,
		history: opts.History,
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.routes(),
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/index.html", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/index.json", s.handleJSON).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/sensor", s.handleQuerySensor).Methods(http.MethodGet)
	api.HandleFunc("/sensor", s.handleSetSensor).Methods(http.MethodPost)
	return r
}

// Handler returns the router. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		log.Printf("web: render index: %v", err)
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

// EventsJSON is the response of GET /api/events.
type EventsJSON struct {
	Events []history.Entry          `json:"events"`
	Totals map[logic.EventType]int `json:"totals"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "event history is disabled")
		return
	}

	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxEventLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxEventLimit))
			return
		}
		limit = n
	}

	entries, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		log.Printf("web: %v", err)
		writeError(w, http.StatusInternalServerError, "could not read event history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	totals, err := s.history.Counts(r.Context())
	if err != nil {
		log.Printf("web: %v", err)
		writeError(w, http.StatusInternalServerError, "could not read event history")
		return
	}
	writeJSON(w, http.StatusOK, EventsJSON{Events: entries, Totals: totals})
}

// SensorResponse is the response of the /api/sensor endpoints.
type SensorResponse struct {
	Sensor  status.SensorJSON `json:"sensor"`
	Message string            `json:"message"`
}

func (s *Server) handleQuerySensor(w http.ResponseWriter, r *http.Request) {
	if s.sensor == nil {
		writeError(w, http.StatusServiceUnavailable, "sensor is not running")
		return
	}
	st, err := s.sensor.Query(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sensorResponse(st))
}

func (s *Server) handleSetSensor(w http.ResponseWriter, r *http.Request) {
	if s.sensor == nil {
		writeError(w, http.StatusServiceUnavailable, "sensor is not running")
		return
	}

	var enable bool
	switch r.URL.Query().Get("enable") {
	case "1":
		enable = true
	case "0":
		enable = false
	default:
		writeError(w, http.StatusBadRequest, "enable must be 0 or 1")
		return
	}

	st, err := s.sensor.SetEnabled(r.Context(), enable)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	log.Printf("web: sensor %s enabled=%v", st.Name, st.Enabled)
	writeJSON(w, http.StatusOK, sensorResponse(st))
}

func sensorResponse(st logic.Status) SensorResponse {
	msg := fmt.Sprintf("Filament Sensor %s: filament not detected", st.Name)
	if st.FilamentDetected {
		msg = fmt.Sprintf("Filament Sensor %s: filament detected", st.Name)
	}
	return SensorResponse{
		Sensor: status.SensorJSON{
			Name:             st.Name,
			FilamentDetected: st.FilamentDetected,
			Pending:          st.Pending,
			Enabled:          st.Enabled,
			Ready:            st.Ready,
		},
		Message: msg,
	}
}

type errorJSON struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorJSON{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: write response: %v", err)
	}
}
