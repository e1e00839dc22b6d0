// Package api exposes the daemon HTTP surface over the lifecycle
// coordinator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/kariy/katana-hypervisor/internal/config"
	"github.com/kariy/katana-hypervisor/internal/instance"
	"github.com/kariy/katana-hypervisor/internal/lifecycle"
	"github.com/kariy/katana-hypervisor/internal/ports"
	"github.com/kariy/katana-hypervisor/internal/state"
	"github.com/kariy/katana-hypervisor/internal/tee"
)

// Server is the katanad HTTP API server.
type Server struct {
	cfg       *config.Config
	lifecycle *lifecycle.Manager
	verifier  *tee.Verifier
	mux       *http.ServeMux
	server    *http.Server
	ln        net.Listener
	log       *logrus.Entry
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, lm *lifecycle.Manager, verifier *tee.Verifier) *Server {
	s := &Server{
		cfg:       cfg,
		lifecycle: lm,
		verifier:  verifier,
		mux:       http.NewServeMux(),
		log:       logrus.WithField("subsystem", "api"),
	}
	s.registerRoutes()
	s.server = &http.Server{Handler: s.mux}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /instances", s.handleCreateInstance)
	s.mux.HandleFunc("GET /instances", s.handleListInstances)
	s.mux.HandleFunc("GET /instances/{name}", s.handleGetInstance)
	s.mux.HandleFunc("POST /instances/{name}/start", s.handleStartInstance)
	s.mux.HandleFunc("POST /instances/{name}/stop", s.handleStopInstance)
	s.mux.HandleFunc("DELETE /instances/{name}", s.handleDeleteInstance)
	s.mux.HandleFunc("GET /instances/{name}/logs", s.handleInstanceLogs)
	s.mux.HandleFunc("GET /instances/{name}/logs/stream", s.handleStreamLogs)
	s.mux.HandleFunc("GET /instances/{name}/stats", s.handleInstanceStats)
	s.mux.HandleFunc("POST /instances/{name}/attest", s.handleAttestInstance)

	// Monitor passthrough
	s.mux.HandleFunc("POST /instances/{name}/pause", s.handleMonitorOp(s.lifecycle.Pause))
	s.mux.HandleFunc("POST /instances/{name}/resume", s.handleMonitorOp(s.lifecycle.Resume))
	s.mux.HandleFunc("POST /instances/{name}/suspend", s.handleMonitorOp(s.lifecycle.Suspend))
	s.mux.HandleFunc("POST /instances/{name}/wake", s.handleMonitorOp(s.lifecycle.Wake))
	s.mux.HandleFunc("POST /instances/{name}/reset", s.handleMonitorOp(s.lifecycle.Reset))
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.ln = ln

	s.log.WithField("addr", ln.Addr().String()).Info("API listening")

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("server error")
		}
	}()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.ListenAddr
	}
	return s.ln.Addr().String()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Error envelope

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a typed error to the envelope
// {"error":{"code","message"}} and the matching HTTP status.
func writeError(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	writeJSON(w, status, map[string]errorBody{
		"error": {Code: code, Message: err.Error()},
	})
}

func classifyError(err error) (status int, code string) {
	var (
		notFound      *state.NotFoundError
		exists        *state.AlreadyExistsError
		portTaken     *state.PortUnavailableError
		badTransition *lifecycle.InvalidTransitionError
		badRequest    *lifecycle.ValidationError
		procNotFound  *lifecycle.ProcessNotFoundError
		quotaExceeded *instance.QuotaExceededError
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.As(err, &procNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.As(err, &exists):
		return http.StatusConflict, "CONFLICT"
	case errors.As(err, &portTaken):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, ports.ErrNoPortsAvailable):
		return http.StatusConflict, "CONFLICT"
	case errors.As(err, &badTransition):
		return http.StatusConflict, "CONFLICT"
	case errors.As(err, &badRequest):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.As(err, &quotaExceeded):
		return http.StatusBadRequest, "BAD_REQUEST"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// pathParam extracts a path parameter from the request.
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}
