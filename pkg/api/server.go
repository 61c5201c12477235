// Package api serves the overlay's monitoring endpoints over HTTP:
// component health, liveness/readiness probes, and tracked-operation
// status. It binds its own port so monitoring traffic never competes
// with the mount.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jnweiger/ocffs/pkg/health"
	"github.com/jnweiger/ocffs/pkg/status"
)

// ServerConfig configures the monitoring server.
type ServerConfig struct {
	Address      string        `yaml:"address" json:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// DefaultServerConfig returns the default monitoring-server settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "localhost:8081",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server exposes health and status over HTTP.
type Server struct {
	cfg    ServerConfig
	httpd  *http.Server
	health *health.Tracker
	status *status.Tracker
}

// NewServer wires the monitoring endpoints to the given trackers. Either
// tracker may be nil; its endpoints then answer 503.
func NewServer(cfg ServerConfig, statusTracker *status.Tracker, healthTracker *health.Tracker) *Server {
	s := &Server{cfg: cfg, health: healthTracker, status: statusTracker}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.getOnly(s.handleHealth))
	mux.HandleFunc("/health/components", s.getOnly(s.handleComponents))
	mux.HandleFunc("/health/live", s.getOnly(s.handleLive))
	mux.HandleFunc("/health/ready", s.getOnly(s.handleReady))
	mux.HandleFunc("/status", s.getOnly(s.handleStatus))
	mux.HandleFunc("/status/operations", s.getOnly(s.handleOperations))
	mux.HandleFunc("/status/operations/", s.getOnly(s.handleOperation))
	mux.HandleFunc("/status/history", s.getOnly(s.handleHistory))
	mux.HandleFunc("/info", s.getOnly(s.handleInfo))

	s.httpd = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	log.Printf("api: listening on %s", s.cfg.Address)
	return s.httpd.ListenAndServe()
}

// StartBackground serves from a goroutine, logging any listen failure.
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			log.Printf("api: %v", err)
		}
	}()
}

// Shutdown stops the server, draining in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpd.Shutdown(ctx)
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpd.Handler
}

func (s *Server) getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			s.fail(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.fail(w, http.StatusServiceUnavailable, "health tracking not configured")
		return
	}
	overall := s.health.Overall()
	code := http.StatusOK
	if overall == health.StateUnavailable {
		code = http.StatusServiceUnavailable
	}
	s.reply(w, code, map[string]interface{}{
		"status":     overall,
		"components": len(s.health.Snapshot()),
		"timestamp":  time.Now(),
	})
}

func (s *Server) handleComponents(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.fail(w, http.StatusServiceUnavailable, "health tracking not configured")
		return
	}
	s.reply(w, http.StatusOK, s.health.Snapshot())
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.reply(w, http.StatusOK, map[string]interface{}{"alive": true, "timestamp": time.Now()})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := s.health == nil || s.health.Overall() != health.StateUnavailable
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	s.reply(w, code, map[string]interface{}{"ready": ready, "timestamp": time.Now()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		s.fail(w, http.StatusServiceUnavailable, "status tracking not configured")
		return
	}
	s.reply(w, http.StatusOK, s.status.GetSystemStatus())
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		s.fail(w, http.StatusServiceUnavailable, "status tracking not configured")
		return
	}
	ops := s.status.GetAllOperations()
	s.reply(w, http.StatusOK, map[string]interface{}{"operations": ops, "count": len(ops)})
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		s.fail(w, http.StatusServiceUnavailable, "status tracking not configured")
		return
	}
	opID := strings.TrimPrefix(r.URL.Path, "/status/operations/")
	if opID == "" {
		s.fail(w, http.StatusBadRequest, "operation id required")
		return
	}
	op, err := s.status.GetOperation(opID)
	if err != nil {
		s.fail(w, http.StatusNotFound, "operation not found: "+opID)
		return
	}
	s.reply(w, http.StatusOK, op)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		s.fail(w, http.StatusServiceUnavailable, "status tracking not configured")
		return
	}
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	hist := s.status.GetHistory(limit)
	s.reply(w, http.StatusOK, map[string]interface{}{"history": hist, "count": len(hist)})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.reply(w, http.StatusOK, map[string]interface{}{
		"service": "ocffs",
		"endpoints": []string{
			"/health", "/health/components", "/health/live", "/health/ready",
			"/status", "/status/operations", "/status/operations/{id}", "/status/history",
			"/info",
		},
	})
}

func (s *Server) reply(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("api: encoding response: %v", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, code int, msg string) {
	s.reply(w, code, map[string]interface{}{"error": msg})
}
