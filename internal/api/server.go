// Package api implements the HTTP Facade (spec component G): the
// external surface over the Variety Monitor, Capability Router, and
// Process Supervisor. Grounded on internal/api/server.go's
// http.ServeMux route table (Go 1.22+ method+path patterns),
// writeJSON/writeError/pathParam/streamJSON helpers, and Start/Stop
// with http.Server.Shutdown.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/viable-systems/vsm-mcp/internal/capability"
	"github.com/viable-systems/vsm-mcp/internal/discovery"
	"github.com/viable-systems/vsm-mcp/internal/logsink"
	"github.com/viable-systems/vsm-mcp/internal/monitor"
	"github.com/viable-systems/vsm-mcp/internal/supervisor"
	"github.com/viable-systems/vsm-mcp/internal/version"
)

// Server is the daemon's HTTP API server.
type Server struct {
	sup                *supervisor.Supervisor
	router             *capability.Router
	mon                *monitor.Monitor
	logs               *logsink.Store
	disc               *discovery.Discovery
	callDefaultTimeout time.Duration

	mux    *http.ServeMux
	server *http.Server
	ln     net.Listener
}

// NewServer wires the facade over the daemon's components. disc may be
// nil, in which case GET /mcp/candidates reports 501. callDefaultTimeout
// is the default per-request timeout for /mcp/execute (spec.md §6
// call_default_timeout_ms, default 30s).
func NewServer(sup *supervisor.Supervisor, router *capability.Router, mon *monitor.Monitor, logs *logsink.Store, disc *discovery.Discovery, callDefaultTimeout time.Duration) *Server {
	if callDefaultTimeout <= 0 {
		callDefaultTimeout = 30 * time.Second
	}
	s := &Server{
		sup:                sup,
		router:             router,
		mon:                mon,
		logs:               logs,
		disc:               disc,
		callDefaultTimeout: callDefaultTimeout,
		mux:                http.NewServeMux(),
	}
	s.registerRoutes()
	s.server = &http.Server{Handler: s.mux}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /capabilities", s.handleCapabilities)
	s.mux.HandleFunc("GET /mcp/servers", s.handleListServers)
	s.mux.HandleFunc("POST /mcp/servers/{id}/stop", s.handleStopServer)
	s.mux.HandleFunc("GET /mcp/servers/{id}/logs", s.handleServerLogs)
	s.mux.HandleFunc("POST /autonomy/trigger", s.handleAutonomyTrigger)
	s.mux.HandleFunc("POST /mcp/execute", s.handleExecute)
	s.mux.HandleFunc("GET /daemon", s.handleDaemonStatus)
	s.mux.HandleFunc("POST /mcp/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /mcp/candidates", s.handleCandidates)
}

// Start begins listening on addr.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln

	log.Printf("vsmd API listening on %s", addr)

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "alive",
		"version":      version.Version(),
		"capabilities": s.router.Capabilities(),
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"capabilities": s.router.Capabilities(),
	})
}

type serverSummary struct {
	ID        string    `json:"id"`
	Package   string    `json:"package"`
	PID       int       `json:"pid"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	records := s.sup.List()
	out := make([]serverSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, serverSummary{
			ID:        rec.ID,
			Package:   rec.Package.String(),
			PID:       rec.PID,
			Status:    string(rec.Status),
			StartedAt: rec.StartedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": out})
}

func (s *Server) handleStopServer(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	mode := supervisor.StopGraceful
	if r.URL.Query().Get("mode") == "immediate" {
		mode = supervisor.StopImmediate
	}
	if err := s.sup.Stop(id, mode); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": true})
}

// handleServerLogs serves a server's bounded stderr ring buffer as
// NDJSON, optionally following live output — grounded on
// internal/api/tasks.go's handleGetTaskLogs follow/backlog pattern.
func (s *Server) handleServerLogs(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	follow := r.URL.Query().Get("follow") == "true" || r.URL.Query().Get("follow") == "1"

	sink, ok := s.logs.Get(id)
	if !ok {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	if !follow {
		for _, line := range sink.Tail(0) {
			streamJSON(w, line)
		}
		return
	}

	ch, backlog, unsub := sink.Subscribe()
	defer unsub()
	for _, line := range backlog {
		streamJSON(w, line)
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case line, ok := <-ch:
			if !ok {
				return
			}
			if err := streamJSON(w, line); err != nil {
				return
			}
		}
	}
}

type triggerRequest struct {
	Capabilities []string `json:"capabilities"`
}

// handleAutonomyTrigger injects a required-capability set and runs one
// monitor tick in the background; it returns immediately (spec.md §6).
// Re-triggering an already-satisfied capability is a no-op, since
// computeGapLocked filters out anything already present in
// router.Capabilities().
func (s *Server) handleAutonomyTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	s.mon.SetRequired(req.Capabilities)
	go s.mon.Tick(context.Background())

	writeJSON(w, http.StatusOK, map[string]any{
		"triggered": true,
		"gap":       map[string]any{"required": req.Capabilities},
	})
}

type executeRequest struct {
	Capability string `json:"capability"`
	Task       any    `json:"task"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.callDefaultTimeout)
	defer cancel()

	result, err := s.router.Execute(ctx, req.Capability, req.Task, s.callDefaultTimeout)
	if err != nil {
		errMsg := err.Error()
		if errors.Is(err, capability.ErrNoProvider) {
			errMsg = fmt.Sprintf("no provider for capability '%s'", req.Capability)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"error":   errMsg,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": json.RawMessage(result)})
}

func (s *Server) handleDaemonStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.mon.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"running":     snap.State != monitor.StateIdle,
		"interval_ms": snap.Interval.Milliseconds(),
		"state":       string(snap.State),
		"checks":      snap.Checks,
		"required":    snap.Required,
		"in_flight":   snap.InFlight,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.router.Refresh(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refreshed": true})
}

// handleCandidates calls Discovery.Search directly for debugging/
// inspection, without installing anything (spec.md's (NEW) endpoint
// table).
func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	if s.disc == nil {
		writeError(w, http.StatusNotImplemented, "discovery is not configured for this deployment")
		return
	}
	capName := r.URL.Query().Get("capability")
	if capName == "" {
		writeError(w, http.StatusBadRequest, "capability query parameter is required")
		return
	}
	candidates, err := s.disc.Search(r.Context(), capName, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": candidates})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

func streamJSON(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return err
}
