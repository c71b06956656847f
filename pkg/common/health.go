package common

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// HealthServer exposes liveness and readiness probes on a dedicated port so
// orchestrators can check the process independently of the main API listener.
type HealthServer struct {
	server *http.Server
	ready  *atomic.Bool
}

// NewHealthServer creates a health server listening on the default health
// port. The ready flag is owned by the caller; readiness reports 503 until it
// is set.
func NewHealthServer(ready *atomic.Bool) *HealthServer {
	mux := http.NewServeMux()

	hs := &HealthServer{
		server: &http.Server{Addr: ":8081", Handler: mux},
		ready:  ready,
	}

	mux.HandleFunc("/v1/health", hs.handleHealth)
	mux.HandleFunc("/v1/readiness", hs.handleReadiness)

	go func() {
		if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// The process keeps running without probes; main logs via defer.
			return
		}
	}()

	return hs
}

// Server returns the underlying http.Server so callers can shut it down.
func (hs *HealthServer) Server() *http.Server { return hs.server }

func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (hs *HealthServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !hs.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
