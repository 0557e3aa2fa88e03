package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/aquemy/ballast/pkg/logging"
	"github.com/aquemy/ballast/pkg/metrics"
	"github.com/aquemy/ballast/pkg/state"
)

// Server is the read-only operator surface: liveness, readiness, a JSON
// status snapshot and the Prometheus scrape endpoint. It is not a second
// proxied listener.
type Server struct {
	state      *state.Context
	aggregator *metrics.Aggregator
	server     *http.Server
	startTime  time.Time
}

// NewServer creates an admin server
func NewServer(st *state.Context, aggregator *metrics.Aggregator, listen string) *Server {
	s := &Server{
		state:      st,
		aggregator: aggregator,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", metrics.Handler())

	s.server = &http.Server{
		Addr:         listen,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the admin server in the background
func (s *Server) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("admin server error", logging.Err(err))
		}
	}()
	logging.Info("admin server listening", logging.String("address", s.server.Addr))
}

// Shutdown stops the admin server
func (s *Server) Shutdown() error {
	return s.server.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports ready while at least one backend is selectable and
// the process is not shutting down.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.state.IsShuttingDown() || len(s.state.RouteTable().Selectable()) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusResponse is the /status payload
type statusResponse struct {
	Strategy          string        `json:"strategy"`
	ListenAddress     string        `json:"listen_address"`
	UptimeSeconds     int64         `json:"uptime_seconds"`
	ActiveConnections int64         `json:"active_connections"`
	Backends          []metrics.Row `json:"backends"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.state.Config()
	writeJSON(w, http.StatusOK, statusResponse{
		Strategy:          cfg.Strategy,
		ListenAddress:     cfg.Proxy.ListenAddress,
		UptimeSeconds:     int64(time.Since(s.startTime).Seconds()),
		ActiveConnections: s.state.ActiveConnections(),
		Backends:          s.aggregator.Snapshot(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
