// Package admin is a read-only HTTP introspection surface over a set of
// named wireql pools, adapted from dbbouncer's internal/api.Server: same
// gorilla/mux + promhttp wiring and graceful Start/Stop shape, narrowed
// to introspection only (no tenant CRUD, no pause/resume — wireql pools
// are a library concern, not a service one).
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wireql/wireql"
	"github.com/wireql/wireql/metrics"
)

// Server exposes /pools, /pools/{name}, /metrics and /healthz over a
// registry of named pools.
type Server struct {
	mu      sync.RWMutex
	pools   map[string]*wireql.Pool
	metrics *metrics.Collector

	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates an admin Server. m may be nil, in which case the
// /metrics route is not registered.
func NewServer(m *metrics.Collector) *Server {
	return &Server{
		pools:     make(map[string]*wireql.Pool),
		metrics:   m,
		startTime: time.Now(),
	}
}

// Register adds or replaces a named pool shown by /pools.
func (s *Server) Register(name string, p *wireql.Pool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[name] = p
}

// Unregister removes a named pool, e.g. once the caller has torn it down.
func (s *Server) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pools, name)
}

// Start begins serving the admin surface on addr (e.g. ":6060"). It
// returns once the listener is up; serving happens in a background
// goroutine, matching the teacher's non-blocking Start.
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()
	r.HandleFunc("/pools", s.listPools).Methods("GET")
	r.HandleFunc("/pools/{name}", s.getPool).Methods("GET")
	r.HandleFunc("/healthz", s.healthz).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	slog.Info("wireql admin: listening", "addr", addr)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Warn("wireql admin: server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the admin server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

type poolSummary struct {
	Name    string `json:"name"`
	Size    int    `json:"size"`
	Free    int    `json:"free"`
	Active  int    `json:"active"`
	MinSize int    `json:"min_size"`
	MaxSize int    `json:"max_size"`
}

func summarize(name string, p *wireql.Pool) poolSummary {
	size := p.Size()
	free := p.FreeSize()
	return poolSummary{
		Name:    name,
		Size:    size,
		Free:    free,
		Active:  size - free,
		MinSize: p.MinSize(),
		MaxSize: p.MaxSize(),
	}
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]poolSummary, 0, len(s.pools))
	for name, p := range s.pools {
		out = append(out, summarize(name, p))
		if s.metrics != nil {
			sum := out[len(out)-1]
			// Pool does not expose its waiter count, so the waiting gauge is set to 0.
			s.metrics.SetPoolStats(name, sum.Active, sum.Free, 0)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.mu.RLock()
	p, ok := s.pools[name]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, fmt.Sprintf("pool %q not found", name), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, summarize(name, p))
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := http.StatusOK
	state := "ok"
	for _, p := range s.pools {
		if p.Closing() {
			status = http.StatusServiceUnavailable
			state = "closing"
			break
		}
	}
	writeJSON(w, status, map[string]any{
		"status": state,
		"uptime": time.Since(s.startTime).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
