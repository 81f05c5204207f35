package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sigfox2mqtt/sigfox2mqtt/internal/coordinator"
	"github.com/sigfox2mqtt/sigfox2mqtt/internal/snapshot"
)

// Source is the slice of coordinator state the handlers read. It is
// satisfied by *coordinator.Coordinator.
type Source interface {
	Snapshot() *snapshot.Set
	Healthy() bool
	State() coordinator.State
	LastSuccess() time.Time
}

// NewRouter assembles all routes on one chi router.
func NewRouter(source Source, registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthHandler(source))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/devices", listDevicesHandler(source))
		r.Get("/devices/{deviceID}", getDeviceHandler(source))
	})

	return r
}

type healthResponse struct {
	State       coordinator.State `json:"state"`
	Available   bool              `json:"available"`
	LastPoll    *time.Time        `json:"last_poll,omitempty"`
	DeviceCount int               `json:"device_count"`
}

// healthHandler reports the poll loop's state. A degraded account is
// still 200 (the process is alive and will retry on the next tick);
// only a reauthentication halt is 503, since no polling will happen
// until the operator intervenes.
func healthHandler(source Source) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		state := source.State()
		resp := healthResponse{
			State:       state,
			Available:   source.Healthy(),
			DeviceCount: source.Snapshot().Len(),
		}
		if last := source.LastSuccess(); !last.IsZero() {
			resp.LastPoll = &last
		}

		status := http.StatusOK
		if state == coordinator.StateReauthRequired {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}

type deviceListResponse struct {
	Taken   *time.Time        `json:"taken,omitempty"`
	Devices []snapshot.Device `json:"devices"`
}

func listDevicesHandler(source Source) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		set := source.Snapshot()
		resp := deviceListResponse{Devices: set.Devices()}
		if taken := set.Taken(); !taken.IsZero() {
			resp.Taken = &taken
		}
		if resp.Devices == nil {
			resp.Devices = []snapshot.Device{}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getDeviceHandler(source Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "deviceID")
		dev, ok := source.Snapshot().Get(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
			return
		}
		writeJSON(w, http.StatusOK, dev)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
