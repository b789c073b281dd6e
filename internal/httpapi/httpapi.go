// Package httpapi exposes the daemon's local control surface: device listing,
// command endpoints, and a WebSocket feed of bus events for UI clients.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/trymwestin/arlo/internal/core/state"
)

// DeviceSource lists known devices.
type DeviceSource interface {
	Devices() []state.Device
	Device(deviceID string) (state.Device, bool)
}

// Commander issues device commands.
type Commander interface {
	Arm(ctx context.Context, bs state.Device) error
	Disarm(ctx context.Context, bs state.Device) error
	SetBrightness(ctx context.Context, camera state.Device, level int) error
	SetPower(ctx context.Context, camera state.Device, on bool) error
	Rename(ctx context.Context, device state.Device, name string) error
	StartStream(ctx context.Context, camera state.Device) (string, error)
}

// Server is the HTTP API server.
type Server struct {
	devices  DeviceSource
	cmd      Commander
	bus      *state.EventBus
	corsAll  bool
	log      *slog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// NewServer creates a new HTTP API server.
func NewServer(devices DeviceSource, cmd Commander, bus *state.EventBus, corsAll bool, log *slog.Logger) *Server {
	s := &Server{
		devices: devices,
		cmd:     cmd,
		bus:     bus,
		corsAll: corsAll,
		log:     log,
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if corsAll {
		s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/devices", s.handleGetDevices)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleGetDevice)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)

	s.mux.HandleFunc("POST /api/devices/{id}/arm", s.handleArm)
	s.mux.HandleFunc("POST /api/devices/{id}/disarm", s.handleDisarm)
	s.mux.HandleFunc("POST /api/devices/{id}/brightness", s.handleBrightness)
	s.mux.HandleFunc("POST /api/devices/{id}/power", s.handlePower)
	s.mux.HandleFunc("POST /api/devices/{id}/name", s.handleRename)
	s.mux.HandleFunc("POST /api/devices/{id}/stream", s.handleStartStream)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// device resolves the {id} path value, writing a 404 when unknown.
func (s *Server) device(w http.ResponseWriter, r *http.Request) (state.Device, bool) {
	d, ok := s.devices.Device(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown device: "+r.PathValue("id"))
	}
	return d, ok
}

// --- Handlers ---

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":  "ok",
		"devices": len(s.devices.Devices()),
	})
}

func (s *Server) handleGetDevices(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.devices.Devices())
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, d)
}

func (s *Server) handleArm(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	if err := s.cmd.Arm(r.Context(), d); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleDisarm(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	if err := s.cmd.Disarm(r.Context(), d); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

type brightnessBody struct {
	Level int `json:"level"`
}

func (s *Server) handleBrightness(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	var body brightnessBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Level < -2 || body.Level > 2 {
		s.writeError(w, http.StatusBadRequest, "brightness must be -2..2")
		return
	}
	if err := s.cmd.SetBrightness(r.Context(), d, body.Level); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

type powerBody struct {
	On bool `json:"on"`
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	var body powerBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := s.cmd.SetPower(r.Context(), d, body.On); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

type nameBody struct {
	Name string `json:"name"`
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	var body nameBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.cmd.Rename(r.Context(), d, body.Name); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	url, err := s.cmd.StartStream(r.Context(), d)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, map[string]string{"url": url})
}

// handleEvents upgrades to a WebSocket and pushes bus events until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, unsub := s.bus.Subscribe(128)
	defer unsub()

	// Reader goroutine: we never expect client messages, but reading is what
	// detects the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}
