package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/viable-systems/vsm-mcp/internal/capability"
	"github.com/viable-systems/vsm-mcp/internal/eventbus"
	"github.com/viable-systems/vsm-mcp/internal/logsink"
	"github.com/viable-systems/vsm-mcp/internal/mapping"
	"github.com/viable-systems/vsm-mcp/internal/monitor"
	"github.com/viable-systems/vsm-mcp/internal/supervisor"
)

type stubInstaller struct{}

func (stubInstaller) Install(ctx context.Context, pkg supervisor.PackageSpec) (string, error) {
	return "", nil
}

type stubAcquirer struct{}

func (stubAcquirer) Acquire(ctx context.Context, capability string) error { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	bus := eventbus.New()
	logs := logsink.NewStore(t.TempDir(), 0)
	sup := supervisor.New(stubInstaller{}, bus, logs, supervisor.Config{})
	router := capability.New(sup, bus, mapping.FromManifests(nil), time.Hour, time.Second)
	mon := monitor.New(router, stubAcquirer{}, monitor.Config{TickInterval: time.Hour})
	return NewServer(sup, router, mon, logs, nil, time.Second)
}

func TestHandleHealthReportsCapabilities(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "alive" {
		t.Errorf("status field = %v, want alive", body["status"])
	}
}

func TestHandleListServersEmpty(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/mcp/servers", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Servers []serverSummary `json:"servers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Servers) != 0 {
		t.Errorf("servers = %v, want empty", body.Servers)
	}
}

func TestHandleExecuteNoProvider(t *testing.T) {
	s := newTestServer(t)
	payload, _ := json.Marshal(executeRequest{Capability: "blockchain", Task: map[string]any{}})
	req := httptest.NewRequest("POST", "/mcp/execute", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["success"] != false {
		t.Errorf("success = %v, want false", body["success"])
	}
}

func TestHandleAutonomyTriggerReturnsImmediately(t *testing.T) {
	s := newTestServer(t)
	payload, _ := json.Marshal(triggerRequest{Capabilities: []string{"blockchain"}})
	req := httptest.NewRequest("POST", "/autonomy/trigger", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["triggered"] != true {
		t.Errorf("triggered = %v, want true", body["triggered"])
	}
}

func TestHandleDaemonStatusReportsState(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/daemon", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["state"] != string(monitor.StateIdle) {
		t.Errorf("state = %v, want idle", body["state"])
	}
}

func TestHandleCandidatesWithoutDiscoveryReturns501(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/mcp/candidates?capability=blockchain", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != 501 {
		t.Errorf("status = %d, want 501", rec.Code)
	}
}
