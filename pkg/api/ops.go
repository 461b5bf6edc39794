package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"condenser/pkg/httpx"
	"condenser/pkg/pipeline"
	"condenser/pkg/pool"
	"condenser/pkg/store"
)

// Status is the payload served by /statusz.
type Status struct {
	State       string            `json:"state"`
	Version     string            `json:"version"`
	Ready       bool              `json:"ready"`
	Concurrency int               `json:"allowed_concurrency"`
	BatchSize   int               `json:"batch_size"`
	Pool        pool.Metrics      `json:"pool"`
	Progress    pipeline.Progress `json:"progress"`
	Disk        store.DiskMetrics `json:"disk"`
}

// StatusFunc supplies a current Status snapshot.
type StatusFunc func() Status

// Register mounts the operational endpoints on the router.
func Register(r *mux.Router, version string, status StatusFunc) {
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/healthz", httpx.NetHTTPAdapter(Healthz(version)))
	r.Handle("/readyz", httpx.NetHTTPAdapter(readyz(status)))
	r.Handle("/statusz", httpx.NetHTTPAdapter(statusz(status)))
}

// Healthz is a liveness probe: the process is up. Exported so the probe
// command can serve the identical handler over fasthttp.
func Healthz(version string) httpx.HandlerFunc {
	return func(w httpx.ResponseWriter, r *httpx.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
	}
}

// readyz reports whether the pipeline can accept work: store open and the
// session pool still alive.
func readyz(status StatusFunc) httpx.HandlerFunc {
	return func(w httpx.ResponseWriter, r *httpx.Request) {
		s := status()
		if !s.Ready {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.Version})
	}
}

func statusz(status StatusFunc) httpx.HandlerFunc {
	return func(w httpx.ResponseWriter, r *httpx.Request) {
		writeJSON(w, http.StatusOK, status())
	}
}

func writeJSON(w httpx.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}
