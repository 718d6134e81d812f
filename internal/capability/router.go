// Package capability implements the Capability Router (spec component F):
// a dynamic capability-name → provider registry, rebuilt by calling
// tools/list on every running server and applying a tool→capability
// mapping function, published via swap-in so resolve() never observes a
// partial rebuild. Grounded on internal/router/router.go's atomic
// portProxies map and Start/Stop lifecycle, and on
// internal/lifecycle/manager.go's onStateChange subscription pattern for
// the event-driven refresh triggers.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/viable-systems/vsm-mcp/internal/eventbus"
	"github.com/viable-systems/vsm-mcp/internal/mapping"
	"github.com/viable-systems/vsm-mcp/internal/supervisor"
)

// ErrNotFound is returned by Resolve when no live provider exists.
var ErrNotFound = errors.New("capability: no provider")

// ErrNoProvider is Execute's error when resolve finds nothing.
var ErrNoProvider = errors.New("capability: NoProvider")

// Provider is one (server, tool) pair backing a capability.
type Provider struct {
	Capability string
	ServerID   string
	ToolName   string
	Score      float64
}

// Entry is one capability's full provider list, as returned by List().
type Entry struct {
	Capability string
	Providers  []Provider
}

// Router is the dynamic capability → providers registry.
type Router struct {
	sup   *supervisor.Supervisor
	bus   *eventbus.Bus
	mapFn mapping.Func

	refreshInterval time.Duration
	callTimeout     time.Duration

	snapshot atomic.Pointer[map[string][]Provider]

	mu            sync.Mutex
	serverEntries map[string][]Provider // per-server contribution, keyed by serverID
	failCounts    map[string]int

	unsubscribe func()
}

// New constructs a Router subscribed to bus lifecycle events.
func New(sup *supervisor.Supervisor, bus *eventbus.Bus, mapFn mapping.Func, refreshInterval, callTimeout time.Duration) *Router {
	if refreshInterval <= 0 {
		refreshInterval = 5 * time.Second
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	r := &Router{
		sup:             sup,
		bus:             bus,
		mapFn:           mapFn,
		refreshInterval: refreshInterval,
		callTimeout:     callTimeout,
		serverEntries:   make(map[string][]Provider),
		failCounts:      make(map[string]int),
	}
	empty := map[string][]Provider{}
	r.snapshot.Store(&empty)

	r.unsubscribe = bus.Subscribe(r.onEvent)
	return r
}

func (r *Router) onEvent(ev eventbus.Event) {
	switch ev.Kind {
	case eventbus.ServerStarted:
		r.refreshOne(context.Background(), ev.ServerID)
	case eventbus.ServerStopped, eventbus.ServerFailed:
		r.mu.Lock()
		delete(r.serverEntries, ev.ServerID)
		delete(r.failCounts, ev.ServerID)
		r.mu.Unlock()
		r.publish()
	}
}

// Run drives the periodic full refresh (spec.md §4.F "Refresh triggers",
// trigger 2) until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.unsubscribe()
			return
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

// Refresh rebuilds the capability map from every currently-running server
// (spec.md §4.F, trigger 3 when called directly from HTTP).
func (r *Router) Refresh(ctx context.Context) error {
	for _, rec := range r.sup.List() {
		if rec.Status != supervisor.StatusRunning {
			continue
		}
		r.refreshOne(ctx, rec.ID)
	}
	r.publish()
	return nil
}

// refreshOne calls tools/list on one server and updates its contribution
// to serverEntries. A failing call retains the server's previous entries
// for one cycle before dropping them (spec.md §4.F failure semantics).
func (r *Router) refreshOne(ctx context.Context, serverID string) {
	client, ok := r.sup.Client(serverID)
	if !ok {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	tools, err := client.ListTools(callCtx)
	cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.failCounts[serverID]++
		if r.failCounts[serverID] > 1 {
			delete(r.serverEntries, serverID)
		}
		return
	}
	r.failCounts[serverID] = 0

	var entries []Provider
	for _, tool := range tools {
		for _, sc := range r.mapFn(tool.Name) {
			entries = append(entries, Provider{Capability: sc.Capability, ServerID: serverID, ToolName: tool.Name, Score: sc.Score})
		}
	}
	r.serverEntries[serverID] = entries
	r.publishLocked()
}

// publish rebuilds and swaps in the public map from the current
// serverEntries, acquiring the lock itself.
func (r *Router) publish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishLocked()
}

func (r *Router) publishLocked() {
	built := make(map[string][]Provider)
	for _, entries := range r.serverEntries {
		for _, p := range entries {
			built[p.Capability] = append(built[p.Capability], p)
		}
	}
	for key := range built {
		sort.SliceStable(built[key], func(i, j int) bool { return built[key][i].Score > built[key][j].Score })
	}
	r.snapshot.Store(&built)
}

// List returns a snapshot of every registered capability and its providers.
func (r *Router) List() []Entry {
	m := *r.snapshot.Load()
	out := make([]Entry, 0, len(m))
	for capName, providers := range m {
		out = append(out, Entry{Capability: capName, Providers: providers})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Capability < out[j].Capability })
	return out
}

// Resolve returns the first live provider for capability.
func (r *Router) Resolve(capability string) (serverID, toolName string, err error) {
	m := *r.snapshot.Load()
	for _, p := range m[capability] {
		if r.sup.IsRunning(p.ServerID) {
			return p.ServerID, p.ToolName, nil
		}
	}
	return "", "", ErrNotFound
}

// Execute resolves capability and invokes its tool with args, bounded by
// timeout (0 uses the Router's default callTimeout).
func (r *Router) Execute(ctx context.Context, capability string, args any, timeout time.Duration) (json.RawMessage, error) {
	serverID, toolName, err := r.Resolve(capability)
	if err != nil {
		return nil, ErrNoProvider
	}
	client, ok := r.sup.Client(serverID)
	if !ok {
		return nil, ErrNoProvider
	}
	if timeout <= 0 {
		timeout = r.callTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	result, rerr := client.Call(callCtx, "tools/call", map[string]any{"name": toolName, "arguments": args})
	if rerr != nil {
		return nil, rerr
	}
	return result, nil
}

// Capabilities returns the sorted set of currently registered capability
// names — the Variety Monitor's "router.capabilities()" input.
func (r *Router) Capabilities() []string {
	m := *r.snapshot.Load()
	out := make([]string, 0, len(m))
	for capName := range m {
		out = append(out, capName)
	}
	sort.Strings(out)
	return out
}
