// Package api serves the bridge's local HTTP surface: session status, device
// and parameter inspection, the event history and a power command endpoint.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"boilerbridge/internal/session"
	"boilerbridge/internal/store"
	"boilerbridge/internal/webboiler"
)

// Session is the slice of the session manager the API reads from.
type Session interface {
	State() session.State
	IsConnected() bool
	LastRefresh() time.Time
	LastLoginAttempt() time.Time
	Devices() []*webboiler.Device
	Device(serial string) *webboiler.Device
	TurnBoiler(ctx context.Context, serial string, on bool) error
}

// Entities exposes the entity count for the status endpoint.
type Entities interface {
	Count() int
}

// Events reads back recorded session events.
type Events interface {
	RecentEvents(limit int) ([]store.Event, error)
}

// Server is the local HTTP API.
type Server struct {
	session    Session
	entities   Entities
	events     Events
	logger     *zap.Logger
	instanceID string
	server     *http.Server
}

// NewServer wires the router. Events and entities may be nil; the
// corresponding endpoints then degrade rather than fail.
func NewServer(sess Session, entities Entities, events Events, instanceID, listen string, logger *zap.Logger) *Server {
	s := &Server{
		session:    sess,
		entities:   entities,
		events:     events,
		logger:     logger.Named("api"),
		instanceID: instanceID,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/api/devices", s.handleDevices).Methods("GET")
	r.HandleFunc("/api/devices/{serial}/parameters", s.handleParameters).Methods("GET")
	r.HandleFunc("/api/devices/{serial}/power", s.handlePower).Methods("POST")
	r.HandleFunc("/api/events", s.handleEvents).Methods("GET")

	handler := cors.New(cors.Options{
		AllowedMethods: []string{"GET", "POST"},
	}).Handler(r)

	s.server = &http.Server{
		Addr:         listen,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse is the JSON shape of /api/status.
type StatusResponse struct {
	State            session.State `json:"state"`
	Connected        bool          `json:"connected"`
	LastRefresh      *time.Time    `json:"last_refresh,omitempty"`
	LastLoginAttempt *time.Time    `json:"last_login_attempt,omitempty"`
	Devices          int           `json:"devices"`
	Entities         int           `json:"entities"`
	InstanceID       string        `json:"instance_id"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		State:      s.session.State(),
		Connected:  s.session.IsConnected(),
		Devices:    len(s.session.Devices()),
		InstanceID: s.instanceID,
	}
	if t := s.session.LastRefresh(); !t.IsZero() {
		resp.LastRefresh = &t
	}
	if t := s.session.LastLoginAttempt(); !t.IsZero() {
		resp.LastLoginAttempt = &t
	}
	if s.entities != nil {
		resp.Entities = s.entities.Count()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// DeviceResponse is one device in /api/devices.
type DeviceResponse struct {
	Serial     string     `json:"serial"`
	Product    string     `json:"product"`
	Type       string     `json:"type"`
	Parameters int        `json:"parameters"`
	Circuits   []string   `json:"circuits,omitempty"`
	LastUpdate *time.Time `json:"last_update,omitempty"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.session.Devices()
	resp := make([]DeviceResponse, 0, len(devices))
	for _, dev := range devices {
		d := DeviceResponse{
			Serial:     dev.Serial,
			Product:    dev.Product,
			Type:       dev.Type,
			Parameters: len(dev.Parameters()),
		}
		for _, c := range dev.Circuits() {
			d.Circuits = append(d.Circuits, c.Title)
		}
		if at := dev.NewestUpdate(); !at.IsZero() {
			d.LastUpdate = &at
		}
		resp = append(resp, d)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// ParameterResponse is one parameter in the per-device listing.
type ParameterResponse struct {
	Name      string     `json:"name"`
	Value     string     `json:"value"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func (s *Server) handleParameters(w http.ResponseWriter, r *http.Request) {
	dev := s.session.Device(mux.Vars(r)["serial"])
	if dev == nil {
		s.writeError(w, http.StatusNotFound, "unknown device")
		return
	}

	params := dev.Parameters()
	resp := make([]ParameterResponse, 0, len(params))
	for _, p := range params {
		pr := ParameterResponse{Name: p.Name, Value: p.Value()}
		if at := p.UpdatedAt(); !at.IsZero() {
			pr.UpdatedAt = &at
		}
		resp = append(resp, pr)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]
	if s.session.Device(serial) == nil {
		s.writeError(w, http.StatusNotFound, "unknown device")
		return
	}

	var body struct {
		On bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.logger.Info("Power command via API",
		zap.String("serial", serial), zap.Bool("on", body.On))

	if err := s.session.TurnBoiler(r.Context(), serial, body.On); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"serial": serial, "on": body.On})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeJSON(w, http.StatusOK, []store.Event{})
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	events, err := s.events.RecentEvents(limit)
	if err != nil {
		s.logger.Error("Failed to read events", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
