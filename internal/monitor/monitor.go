// Package monitor implements the Variety Monitor (spec component D): a
// single long-lived task that periodically compares a required-capability
// set against the Capability Router's registry and hands any gap to the
// Acquisition Coordinator, one job per missing capability, single-flight
// per capability. The idle/scanning/acting transition discipline ("timer
// triggers a state transition, guarded by a re-checked lock, followed by
// a state-change notification") is grounded on
// internal/lifecycle/manager.go's startIdleTimer/pauseInstance/
// terminateInstance chain; the background ticker is grounded on
// cmd/aegisd/main.go and internal/router/router.go's Start() goroutines.
package monitor

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

// State is one of the monitor's three states.
type State string

const (
	StateIdle     State = "idle"
	StateScanning State = "scanning"
	StateActing   State = "acting"
)

// Router is the subset of capability.Router the monitor needs.
type Router interface {
	Capabilities() []string
}

// Acquirer runs one capability's acquisition job to completion. It is
// satisfied by internal/acquisition.Coordinator.
type Acquirer interface {
	Acquire(ctx context.Context, capability string) error
}

// backoffState tracks a single capability's retry schedule after a
// failed acquisition, mirroring the supervisor's restart policy
// parameters (spec.md §4.D failure semantics: "same parameters as the
// supervisor's restart policy").
type backoffState struct {
	nextAttempt time.Time
	delay       time.Duration
}

// Config holds the monitor's tunables, all with spec.md §6 defaults.
type Config struct {
	TickInterval time.Duration // default 30s
	Concurrency  int           // default 3
	BackoffBase  time.Duration // default 100ms
	BackoffCap   time.Duration // default 30s
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 100 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	return c
}

// Monitor is the Variety Monitor daemon.
type Monitor struct {
	router   Router
	acquirer Acquirer
	cfg      Config

	mu       sync.Mutex
	state    State
	required []string // order is significant: tie-break processing order
	inFlight map[string]bool
	backoff  map[string]*backoffState
	ticker   *time.Ticker
	cancel   context.CancelFunc
	onState  func(State)
	checks   int // number of completed Tick evaluation cycles, for GET /daemon's "checks"
}

// New constructs a disabled Monitor. Call Enable to move it to scanning
// and start its ticking goroutine.
func New(router Router, acquirer Acquirer, cfg Config) *Monitor {
	return &Monitor{
		router:   router,
		acquirer: acquirer,
		cfg:      cfg.withDefaults(),
		state:    StateIdle,
		inFlight: make(map[string]bool),
		backoff:  make(map[string]*backoffState),
	}
}

// OnStateChange registers a callback invoked whenever the monitor's state
// transitions, e.g. for the HTTP facade's GET /daemon endpoint to report
// a live value without polling internal state directly.
func (m *Monitor) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// State returns the monitor's current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetRequired replaces the required-capability set. Order is preserved
// as the tie-break processing order for a tick's gap dispatch.
func (m *Monitor) SetRequired(capabilities []string) {
	m.mu.Lock()
	m.required = append([]string(nil), capabilities...)
	m.mu.Unlock()
}

// Enable transitions idle → scanning and starts the ticking goroutine. A
// no-op if already enabled.
func (m *Monitor) Enable(ctx context.Context) {
	m.mu.Lock()
	if m.ticker != nil {
		m.mu.Unlock()
		return
	}
	m.state = StateScanning
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.ticker = time.NewTicker(m.cfg.TickInterval)
	ticker := m.ticker
	m.mu.Unlock()
	m.notify(StateScanning)

	go m.run(runCtx, ticker)
}

// Disable transitions any state → idle. In-flight acquisitions are
// allowed to finish but will not be retried on failure (spec.md §4.D).
func (m *Monitor) Disable() {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	m.state = StateIdle
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.notify(StateIdle)
}

func (m *Monitor) run(ctx context.Context, ticker *time.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one evaluation cycle: compute the gap, dispatch one
// AcquisitionJob per missing capability not already in flight (bounded
// by Concurrency), and settle back to scanning once all dispatched jobs
// complete, unless Disable ran in the meantime, in which case the monitor
// stays idle. Also callable on demand by the HTTP facade's
// POST /autonomy/trigger, regardless of whether the monitor is
// currently enabled — a forced check is still a check.
func (m *Monitor) Tick(ctx context.Context) {
	m.mu.Lock()
	m.checks++
	missing := m.computeGapLocked()
	if len(missing) == 0 {
		m.mu.Unlock()
		return
	}
	for _, capName := range missing {
		m.inFlight[capName] = true
	}
	m.state = StateActing
	m.mu.Unlock()
	m.notify(StateActing)

	m.dispatch(ctx, missing)

	m.mu.Lock()
	if m.state != StateActing {
		m.mu.Unlock()
		return
	}
	m.state = StateScanning
	m.mu.Unlock()
	m.notify(StateScanning)
}

// computeGapLocked implements missing = required ∖ router.capabilities()
// ∖ in_flight, preserving m.required's order (spec.md §4.D tie-breaks),
// skipping any capability whose backoff has not yet elapsed.
func (m *Monitor) computeGapLocked() []string {
	have := make(map[string]bool)
	for _, c := range m.router.Capabilities() {
		have[c] = true
	}
	now := time.Now()
	var missing []string
	for _, capName := range m.required {
		if have[capName] || m.inFlight[capName] {
			continue
		}
		if b, ok := m.backoff[capName]; ok && now.Before(b.nextAttempt) {
			continue
		}
		missing = append(missing, capName)
	}
	return missing
}

// dispatch runs one AcquisitionJob per capability in missing, in
// parallel subject to Concurrency, clearing in_flight and updating
// per-capability backoff on completion.
func (m *Monitor) dispatch(ctx context.Context, missing []string) {
	sem := make(chan struct{}, m.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, capName := range missing {
		wg.Add(1)
		sem <- struct{}{}
		go func(capName string) {
			defer wg.Done()
			defer func() { <-sem }()
			err := m.acquirer.Acquire(ctx, capName)
			m.settle(capName, err)
		}(capName)
	}
	wg.Wait()
}

// settle clears a capability from in_flight and, on failure, schedules
// its next eligible attempt per the exponential-backoff policy shared
// with the supervisor's restart logic.
func (m *Monitor) settle(capName string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, capName)

	if err == nil {
		delete(m.backoff, capName)
		return
	}
	log.Printf("monitor: acquisition failed for capability %q: %v", capName, err)

	b, ok := m.backoff[capName]
	if !ok {
		b = &backoffState{delay: m.cfg.BackoffBase}
	} else {
		b.delay *= 2
		if b.delay > m.cfg.BackoffCap {
			b.delay = m.cfg.BackoffCap
		}
	}
	b.nextAttempt = time.Now().Add(b.delay)
	m.backoff[capName] = b
}

func (m *Monitor) notify(s State) {
	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Snapshot is a point-in-time view of the monitor's status, for the HTTP
// facade's GET /daemon endpoint (spec.md §6: running/interval_ms/state/checks).
type Snapshot struct {
	State    State         `json:"state"`
	Required []string      `json:"required"`
	InFlight []string      `json:"in_flight"`
	Interval time.Duration `json:"-"`
	Checks   int           `json:"checks"`
}

// Snapshot returns the monitor's current status.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	inFlight := make([]string, 0, len(m.inFlight))
	for c := range m.inFlight {
		inFlight = append(inFlight, c)
	}
	sort.Strings(inFlight)
	return Snapshot{
		State:    m.state,
		Required: append([]string(nil), m.required...),
		InFlight: inFlight,
		Interval: m.cfg.TickInterval,
		Checks:   m.checks,
	}
}
