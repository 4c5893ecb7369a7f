package modhost

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// StatusReport is the full host status served by the status API and the
// status command.
type StatusReport struct {
	Mode        string            `json:"mode"`
	Counts      map[string]int    `json:"counts"`
	Modules     []ModuleInfo      `json:"modules"`
	Breakers    map[string]string `json:"breakers"`
	Health      HealthSummary     `json:"health"`
	GeneratedAt time.Time         `json:"generatedAt"`
}

// ModuleDetail is the per-module view: registry info joined with breaker
// and health state.
type ModuleDetail struct {
	ModuleInfo
	Breaker string        `json:"breaker"`
	Health  *HealthRecord `json:"health,omitempty"`
}

// StatusProvider is the slice of the host the status API reads from.
type StatusProvider interface {
	Status() StatusReport
	Info(name string) (ModuleDetail, error)
	Mode() DegradationMode
	HealthSummary() HealthSummary
	BreakerStates() map[string]CircuitState
}

// StatusServer serves the read-only status API over HTTP. All endpoints
// are GETs; mutations go through the command surface.
type StatusServer struct {
	addr     string
	provider StatusProvider
	logger   Logger
	server   *http.Server
}

// NewStatusServer creates a status server on the given listen address.
func NewStatusServer(addr string, provider StatusProvider, logger Logger) *StatusServer {
	return &StatusServer{addr: addr, provider: provider, logger: logger}
}

// Router builds the chi router serving the status API.
func (s *StatusServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/modules", s.handleModules)
	r.Get("/modules/{name}", s.handleModule)
	r.Get("/health", s.handleHealth)
	r.Get("/breakers", s.handleBreakers)
	r.Get("/mode", s.handleMode)
	r.Get("/status", s.handleStatus)

	return r
}

// Start binds the listen address and serves in the background. A bind
// failure is returned synchronously.
func (s *StatusServer) Start(ctx context.Context) error {
	if s.addr == "" {
		return ErrStatusServerDisabled
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.server = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if serr := s.server.Serve(listener); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			s.logger.Error("Status server terminated", "error", serr)
		}
	}()

	s.logger.Info("Status server listening", "addr", listener.Addr().String())
	return nil
}

// Stop shuts the server down, waiting for in-flight requests up to the
// context deadline.
func (s *StatusServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *StatusServer) handleModules(w http.ResponseWriter, r *http.Request) {
	report := s.provider.Status()

	if stateParam := r.URL.Query().Get("state"); stateParam != "" {
		state, err := ParseLoadState(stateParam)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		filtered := make([]ModuleInfo, 0, len(report.Modules))
		for _, info := range report.Modules {
			if info.State == state {
				filtered = append(filtered, info)
			}
		}
		report.Modules = filtered
	}

	s.writeJSON(w, http.StatusOK, report.Modules)
}

func (s *StatusServer) handleModule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	detail, err := s.provider.Info(name)
	if err != nil {
		if errors.Is(err, ErrModuleNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.provider.HealthSummary())
}

func (s *StatusServer) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	states := s.provider.BreakerStates()
	out := make(map[string]string, len(states))
	for component, state := range states {
		out[component] = state.String()
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *StatusServer) handleMode(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"mode": s.provider.Mode().String()})
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.provider.Status())
}

func (s *StatusServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode status response", "error", err)
	}
}

func (s *StatusServer) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
