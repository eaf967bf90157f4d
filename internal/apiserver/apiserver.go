// Package apiserver exposes the daemon's operational HTTP surface:
// liveness at /healthz and Prometheus collection at /metrics. It is not
// part of the backup engine's contract (§1 scopes the HTTP surface out of
// the core); it exists purely so the daemon is observable the way the
// teacher's nosd always is.
package apiserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"backer/pkg/httpx"
)

// New builds the router. reg is served at /metrics; ready reports whether
// the daemon has finished initial startup (used to fail /healthz during
// config/lock setup).
func New(log zerolog.Logger, reg *prometheus.Registry, ready func() bool) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if ready != nil && !ready() {
			httpx.WriteTypedError(w, http.StatusServiceUnavailable, "not_ready", "daemon not ready", 0)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return r
}
