package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/route-beacon/nlrt/internal/rtable"
	"go.uber.org/zap"
)

// ListenerStatus reports whether the receive loop is still running.
type ListenerStatus interface {
	Running() bool
}

// Pinger abstracts a dependency health check for testability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Clearer empties the routing table and journals the change.
type Clearer interface {
	Clear() int
}

// Deps are the components the HTTP surface reads from or reports on.
type Deps struct {
	Table *rtable.Table
	// Clearer handles DELETE /routes; nil disables it.
	Clearer  Clearer
	Listener ListenerStatus
	// Checks are pinged by /readyz, keyed by the name reported in the response.
	Checks map[string]Pinger
}

type Server struct {
	srv    *http.Server
	deps   Deps
	logger *zap.Logger
}

func NewServer(addr string, deps Deps, logger *zap.Logger) *Server {
	s := &Server{deps: deps, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /routes", s.handleListRoutes)
	mux.HandleFunc("DELETE /routes", s.handleClearRoutes)
	mux.HandleFunc("GET /routes/{destination}/{mask}", s.handleGetRoute)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	if s.deps.Listener != nil && s.deps.Listener.Running() {
		checks["listener"] = "ok"
	} else {
		checks["listener"] = "stopped"
		allOK = false
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for name, p := range s.deps.Checks {
		if p == nil {
			checks[name] = "error"
			allOK = false
			continue
		}
		if err := p.Ping(ctx); err != nil {
			s.logger.Debug("readiness check failed", zap.String("check", name), zap.Error(err))
			checks[name] = "error"
			allOK = false
		} else {
			checks[name] = "ok"
		}
	}

	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, map[string]any{
		"status": status,
		"checks": checks,
	})
}

func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	if s.deps.Table == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "table not available"})
		return
	}
	routes := slices.Collect(s.deps.Table.Dump())
	if routes == nil {
		routes = []rtable.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(routes),
		"routes": routes,
	})
}

func (s *Server) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	if s.deps.Table == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "table not available"})
		return
	}
	mask, err := strconv.Atoi(r.PathValue("mask"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "mask must be an integer"})
		return
	}
	key := rtable.Key{Destination: r.PathValue("destination"), Mask: mask}
	e, ok := s.deps.Table.Lookup(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no route for " + key.String()})
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleClearRoutes(w http.ResponseWriter, r *http.Request) {
	if s.deps.Clearer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "table not available"})
		return
	}
	n := s.deps.Clearer.Clear()
	s.logger.Info("route table cleared", zap.Int("removed", n), zap.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}
