package acquisition

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/viable-systems/vsm-mcp/internal/discovery"
	"github.com/viable-systems/vsm-mcp/internal/supervisor"
)

type fakeDiscoverer struct {
	candidates []discovery.Candidate
	err        error
}

func (f *fakeDiscoverer) Search(ctx context.Context, capability string, hints map[string]string) ([]discovery.Candidate, error) {
	return f.candidates, f.err
}

type fakeSpawner struct {
	mu        sync.Mutex
	spawned   []string
	stopped   []string
	spawnErrs map[string]error
	nextID    int
}

func (f *fakeSpawner) Spawn(ctx context.Context, pkg supervisor.PackageSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.spawnErrs[pkg.Name]; ok {
		return "", err
	}
	f.nextID++
	id := fmt.Sprintf("server-%d", f.nextID)
	f.spawned = append(f.spawned, pkg.Name)
	return id, nil
}

func (f *fakeSpawner) Stop(serverID string, mode supervisor.StopMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, serverID)
	return nil
}

func (f *fakeSpawner) spawnedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spawned...)
}

func TestAcquireSucceedsOnFirstCandidate(t *testing.T) {
	disc := &fakeDiscoverer{candidates: []discovery.Candidate{
		{Package: "blockchain-tool", Version: "1.0.0", Score: 0.9},
	}}
	spawner := &fakeSpawner{spawnErrs: map[string]error{}}

	var mu sync.Mutex
	reflected := false
	hasProvider := func(capability string) bool {
		mu.Lock()
		defer mu.Unlock()
		return reflected
	}

	coord := New(disc, spawner, hasProvider, 2*time.Second)
	coord.pollEvery = 10 * time.Millisecond

	go func() {
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		reflected = true
		mu.Unlock()
	}()

	if err := coord.Acquire(context.Background(), "blockchain"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if names := spawner.spawnedNames(); len(names) != 1 || names[0] != "blockchain-tool" {
		t.Errorf("spawned = %v, want [blockchain-tool]", names)
	}
	if len(spawner.stopped) != 0 {
		t.Errorf("expected no rollback stop, got %v", spawner.stopped)
	}
}

func TestAcquireRollsBackAndTriesNextCandidateOnTimeout(t *testing.T) {
	disc := &fakeDiscoverer{candidates: []discovery.Candidate{
		{Package: "flaky-tool", Version: "1.0.0", Score: 0.9},
		{Package: "good-tool", Version: "1.0.0", Score: 0.5},
	}}
	spawner := &fakeSpawner{spawnErrs: map[string]error{}}

	// hasProvider only reports true once good-tool has been spawned, so
	// flaky-tool's wait always times out and rolls back.
	hasProvider := func(capability string) bool {
		for _, name := range spawner.spawnedNames() {
			if name == "good-tool" {
				return true
			}
		}
		return false
	}

	coord := New(disc, spawner, hasProvider, 60*time.Millisecond)
	coord.pollEvery = 5 * time.Millisecond

	if err := coord.Acquire(context.Background(), "blockchain"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	names := spawner.spawnedNames()
	if len(names) != 2 {
		t.Fatalf("spawned = %v, want 2 candidates tried", names)
	}
	if len(spawner.stopped) != 1 {
		t.Errorf("expected 1 rollback stop for the flaky candidate, got %v", spawner.stopped)
	}
}

func TestAcquireReturnsErrNoCandidates(t *testing.T) {
	disc := &fakeDiscoverer{candidates: nil}
	spawner := &fakeSpawner{spawnErrs: map[string]error{}}
	coord := New(disc, spawner, func(string) bool { return false }, time.Second)

	err := coord.Acquire(context.Background(), "blockchain")
	if err != ErrNoCandidates {
		t.Errorf("err = %v, want %v", err, ErrNoCandidates)
	}
}

func TestAcquireReturnsErrExhaustedWhenAllCandidatesFail(t *testing.T) {
	disc := &fakeDiscoverer{candidates: []discovery.Candidate{
		{Package: "bad-tool", Version: "1.0.0"},
	}}
	spawner := &fakeSpawner{spawnErrs: map[string]error{"bad-tool": fmt.Errorf("install failed")}}
	coord := New(disc, spawner, func(string) bool { return false }, time.Second)

	if err := coord.Acquire(context.Background(), "blockchain"); err == nil {
		t.Fatal("expected error")
	}
}
