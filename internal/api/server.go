// Package api provides the HTTP control surface for the edge gateway:
// health/status endpoints, a read-only device inventory view, and
// (when enabled) Prometheus metrics.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carnitrack/edge/internal/domain"
)

const version = "0.1.0"

// DeviceLister is the subset of the device registry the API surfaces.
type DeviceLister interface {
	List() []domain.Device
	Get(deviceID string) (domain.Device, bool)
}

// CloudStatus is the subset of the Cloud client the API surfaces.
type CloudStatus interface {
	IsOnline() bool
}

// PendingCounter reports how many events are still awaiting sync.
type PendingCounter interface {
	PendingEvents(limit int) ([]domain.WeighingEvent, error)
}

// OpenBatchCounter reports how many offline batches are currently open.
type OpenBatchCounter interface {
	OpenCount() int
}

// Server is the edge gateway's HTTP API server.
type Server struct {
	registry       DeviceLister
	cloud          CloudStatus
	events         PendingCounter
	batches        OpenBatchCounter
	metricsEnabled bool
}

// NewServer creates a Server over registry, cloud, the event
// processor, and the offline batch manager.
func NewServer(registry DeviceLister, cloud CloudStatus, events PendingCounter, batches OpenBatchCounter) *Server {
	return &Server{registry: registry, cloud: cloud, events: events, batches: batches}
}

// EnableMetrics turns on the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/api/status", s.handleStatus)
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": version})
	})

	r.Route("/api/devices", func(r chi.Router) {
		r.Get("/", s.handleListDevices)
		r.Get("/{deviceID}", s.handleGetDevice)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// handleStatus reports the admin status surface: device count, Cloud
// reachability, outstanding pending events, and currently open offline
// batches, assembled read-only from the four owning components.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	// SQLite treats a negative LIMIT as "no cap" — the status surface
	// wants the true outstanding count, not a page.
	pending, err := s.events.PendingEvents(-1)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list pending events: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices":       len(s.registry.List()),
		"online":        s.cloud.IsOnline(),
		"pendingEvents": len(pending),
		"openBatches":   s.batches.OpenCount(),
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toDeviceViews(s.registry.List()))
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	d, ok := s.registry.Get(deviceID)
	if !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, toDeviceView(d))
}

// deviceView is the JSON shape of a device, stripped of the live
// socket handle.
type deviceView struct {
	DeviceID             string `json:"deviceId"`
	GlobalDeviceID       string `json:"globalDeviceId,omitempty"`
	DisplayName          string `json:"displayName,omitempty"`
	Status               string `json:"status"`
	TCPConnected         bool   `json:"tcpConnected"`
	HeartbeatCount       int64  `json:"heartbeatCount"`
	EventCount           int64  `json:"eventCount"`
	ActiveCloudSessionID string `json:"activeCloudSessionId,omitempty"`
}

func toDeviceView(d domain.Device) deviceView {
	return deviceView{
		DeviceID:             d.DeviceID,
		GlobalDeviceID:       d.GlobalDeviceID,
		DisplayName:          d.DisplayName,
		Status:               string(d.Status),
		TCPConnected:         d.TCPConnected,
		HeartbeatCount:       d.HeartbeatCount,
		EventCount:           d.EventCount,
		ActiveCloudSessionID: d.ActiveCloudSessionID,
	}
}

func toDeviceViews(devices []domain.Device) []deviceView {
	views := make([]deviceView, len(devices))
	for i, d := range devices {
		views[i] = toDeviceView(d)
	}
	return views
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}

// corsMiddleware adds permissive CORS headers for local operator tooling.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
