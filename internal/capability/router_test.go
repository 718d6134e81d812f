package capability

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/viable-systems/vsm-mcp/internal/eventbus"
	"github.com/viable-systems/vsm-mcp/internal/logsink"
	"github.com/viable-systems/vsm-mcp/internal/mapping"
	"github.com/viable-systems/vsm-mcp/internal/supervisor"
)

// fakeInstaller returns a fixed script path for every install request.
type fakeInstaller struct{ execPath string }

func (f *fakeInstaller) Install(ctx context.Context, pkg supervisor.PackageSpec) (string, error) {
	return f.execPath, nil
}

// writeScript writes an executable shell script to dir/name.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

// toolServerScript replies to the initialize handshake, skips the
// initialized notification, then replies to a single tools/list call
// advertising "translate_blockchain" (echoing each request's id), then
// idles until stdin closes.
const toolServerScript = `
read line
id=$(printf '%s\n' "$line" | sed 's/.*"id":\([0-9]*\).*/\1/')
printf '{"jsonrpc":"2.0","id":%s,"result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"echo","version":"1.0"},"capabilities":{"tools":{}}}}\n' "$id"
read line
read line
id=$(printf '%s\n' "$line" | sed 's/.*"id":\([0-9]*\).*/\1/')
printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"translate_blockchain"}]}}\n' "$id"
while read line; do :; done
exit 0
`

func newTestSupervisorWithScript(t *testing.T, bus *eventbus.Bus) *supervisor.Supervisor {
	t.Helper()
	dir := t.TempDir()
	script := writeScript(t, dir, "server.sh", toolServerScript)
	logs := logsink.NewStore(t.TempDir(), 0)
	cfg := supervisor.Config{
		HandshakeTimeout: 2 * time.Second,
		InstallTimeout:   2 * time.Second,
		StopGraceTimeout: 2 * time.Second,
	}
	return supervisor.New(&fakeInstaller{execPath: script}, bus, logs, cfg)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestRouterResolvesAfterServerStarted(t *testing.T) {
	bus := eventbus.New()
	sup := newTestSupervisorWithScript(t, bus)

	mapFn := mapping.FromManifests([]*mapping.Manifest{{
		Rules: []mapping.Rule{{Pattern: "blockchain", Capability: "blockchain"}},
	}})
	router := New(sup, bus, mapFn, time.Hour, 2*time.Second)

	id, err := sup.Spawn(context.Background(), supervisor.PackageSpec{Name: "demo"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	var serverID, toolName string
	waitFor(t, 2*time.Second, func() bool {
		serverID, toolName, err = router.Resolve("blockchain")
		return err == nil
	})
	if serverID != id {
		t.Errorf("serverID = %q, want %q", serverID, id)
	}
	if toolName != "translate_blockchain" {
		t.Errorf("toolName = %q", toolName)
	}
}

func TestRouterRemovesEntriesOnServerStopped(t *testing.T) {
	bus := eventbus.New()
	sup := newTestSupervisorWithScript(t, bus)

	mapFn := mapping.FromManifests(nil) // identity mapping: tool name == capability
	router := New(sup, bus, mapFn, time.Hour, 2*time.Second)

	id, err := sup.Spawn(context.Background(), supervisor.PackageSpec{Name: "demo"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, _, err := router.Resolve("translate_blockchain")
		return err == nil
	})

	if err := sup.Stop(id, supervisor.StopGraceful); err != nil {
		t.Fatalf("stop: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, _, err := router.Resolve("translate_blockchain")
		return err == ErrNotFound
	})
}

func TestRouterListAndCapabilities(t *testing.T) {
	bus := eventbus.New()
	sup := newTestSupervisorWithScript(t, bus)
	mapFn := mapping.FromManifests(nil)
	router := New(sup, bus, mapFn, time.Hour, 2*time.Second)

	if _, err := sup.Spawn(context.Background(), supervisor.PackageSpec{Name: "demo"}); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(router.Capabilities()) > 0
	})

	caps := router.Capabilities()
	if len(caps) != 1 || caps[0] != "translate_blockchain" {
		t.Errorf("capabilities = %v, want [translate_blockchain]", caps)
	}

	entries := router.List()
	if len(entries) != 1 {
		t.Fatalf("list returned %d entries, want 1", len(entries))
	}
	if entries[0].Capability != "translate_blockchain" {
		t.Errorf("entry capability = %q", entries[0].Capability)
	}
	if len(entries[0].Providers) != 1 {
		t.Fatalf("expected 1 provider, got %d", len(entries[0].Providers))
	}
}

func TestRouterExecuteReturnsNoProviderWhenUnresolved(t *testing.T) {
	bus := eventbus.New()
	sup := newTestSupervisorWithScript(t, bus)
	mapFn := mapping.FromManifests(nil)
	router := New(sup, bus, mapFn, time.Hour, 2*time.Second)

	_, err := router.Execute(context.Background(), "nonexistent", nil, 0)
	if err != ErrNoProvider {
		t.Errorf("err = %v, want %v", err, ErrNoProvider)
	}
}
