package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/bilal/switchify-netmon/internal/decision"
	"github.com/bilal/switchify-netmon/internal/registry"
)

// AgentLister is implemented by the supervisor's registry.
type AgentLister interface {
	Views() []registry.View
}

// LinkStates is implemented by the decision engine.
type LinkStates interface {
	States() map[string]decision.LinkHealth
}

type Server struct {
	srv     *http.Server
	agents  AgentLister
	links   LinkStates
	running atomic.Bool
}

// New wires the handlers; links may be nil.
func New(addr string, agents AgentLister, links LinkStates) *Server {
	s := &Server{agents: agents, links: links}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/agents", s.handleAgents)
	r.Get("/agents/{resource}", s.handleAgent)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) SetRunning(ok bool) {
	s.running.Store(ok)
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Serve blocks until Shutdown is called.
func (s *Server) Serve() error {
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.SetRunning(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	views := s.agents.Views()
	monitoring := 0
	for _, v := range views {
		if v.State == registry.Monitoring.String() {
			monitoring++
		}
	}

	resp := map[string]any{
		"running":    s.running.Load(),
		"agents":     len(views),
		"monitoring": monitoring,
	}
	if s.links != nil {
		resp["links"] = s.links.States()
	}

	status := http.StatusOK
	if !s.running.Load() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agents.Views())
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")
	for _, v := range s.agents.Views() {
		if v.Resource == resource {
			writeJSON(w, http.StatusOK, v)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "no live agent for " + resource})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
