// Package server exposes the bridge's HTTP surface: liveness, Prometheus
// metrics, and a read-only device state snapshot for debugging.
package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/frostbridge/frostbridge/internal/cache"
)

// Health reports whether the bridge should be considered live.
type Health interface {
	Halted() error
}

// HTTPServer serves health, metrics, and the device snapshot.
type HTTPServer struct {
	Server *http.Server
}

func NewHTTPServer(addr string, registry *prometheus.Registry, store *cache.Store, health Health) *HTTPServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler(health))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/devices", devicesHandler(store))

	return &HTTPServer{Server: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

func (s *HTTPServer) ListenAndServe() error {
	return s.Server.ListenAndServe()
}

// healthHandler returns 200 while refresh scheduling is running and 503 once
// it halted on a permanent auth failure, so supervisors restart the process
// after credentials are fixed.
func healthHandler(health Health) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if health != nil {
			if err := health.Halted(); err != nil {
				http.Error(w, "halted: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

type deviceSummary struct {
	DeviceID    string    `json:"deviceId"`
	Name        string    `json:"name"`
	DeviceType  string    `json:"deviceType"`
	Seq         uint64    `json:"seq"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Fresh       bool      `json:"fresh"`
	Unreachable bool      `json:"unreachable"`
	Controls    int       `json:"controls"`
}

func devicesHandler(store *cache.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		states := store.All()
		out := make([]deviceSummary, 0, len(states))
		for _, s := range states {
			out = append(out, deviceSummary{
				DeviceID:    s.Appliance.DeviceID,
				Name:        s.Appliance.Name(),
				DeviceType:  s.Appliance.DeviceType,
				Seq:         s.Seq,
				UpdatedAt:   s.UpdatedAt,
				Fresh:       s.Fresh,
				Unreachable: s.Unreachable,
				Controls:    len(s.Controls),
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
}
