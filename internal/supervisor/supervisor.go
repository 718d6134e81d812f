// Package supervisor implements the Process Supervisor (spec component
// C): it installs packages, spawns child tool-server processes with piped
// stdio, drives the per-child JSON-RPC handshake, monitors exit, restarts
// per an exponential-backoff policy, and performs graceful or immediate
// shutdown. Grounded on internal/daemon/manager.go's Manager/Process
// (spawn/monitor/restart/stop) fused with internal/lifecycle/manager.go's
// bootInstance rollback-on-failure sequence.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/viable-systems/vsm-mcp/internal/eventbus"
	"github.com/viable-systems/vsm-mcp/internal/idgen"
	"github.com/viable-systems/vsm-mcp/internal/logsink"
	"github.com/viable-systems/vsm-mcp/internal/rpc"
	"github.com/viable-systems/vsm-mcp/internal/transport"
)

// Status is a ServerRecord's lifecycle state.
type Status string

const (
	StatusInstalling Status = "installing"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusUnhealthy  Status = "unhealthy"
	StatusStopping   Status = "stopping"
	StatusExited     Status = "exited"
	StatusFailed     Status = "failed"
)

// StopMode selects how Stop tears a child down.
type StopMode string

const (
	StopGraceful  StopMode = "graceful"
	StopImmediate StopMode = "immediate"
)

var (
	ErrNotFound         = errors.New("supervisor: server not found")
	ErrInstall          = errors.New("supervisor: install failed")
	ErrSpawn            = errors.New("supervisor: spawn failed")
	ErrHandshakeTimeout = errors.New("supervisor: handshake timeout")
)

// PackageSpec identifies a package to install from the registry.
type PackageSpec struct {
	Name    string
	Version string
}

func (p PackageSpec) String() string {
	if p.Version == "" {
		return p.Name
	}
	return p.Name + "@" + p.Version
}

// Installer ensures a package is installed locally and returns the path to
// its launchable executable (an installed binary shim, or the package
// manager's runner). Implemented by internal/packaging.
type Installer interface {
	Install(ctx context.Context, pkg PackageSpec) (execPath string, err error)
}

// ServerRecord is an immutable snapshot of one supervised child, safe to
// share freely (spec.md §3 ServerRecord; List returns copies of these).
type ServerRecord struct {
	ID           string
	Package      PackageSpec
	Command      string
	Args         []string
	Env          []string
	PID          int
	Status       Status
	StartedAt    time.Time
	LastHealthAt time.Time
	RestartCount int
	Capabilities []string
}

// Config bounds the supervisor's timeouts and restart policy.
type Config struct {
	ClientName          string
	ClientVersion       string
	InstallTimeout      time.Duration
	HandshakeTimeout    time.Duration
	RestartMaxAttempts  int
	RestartWindow       time.Duration
	StopGraceTimeout    time.Duration
	EnvAdditions        []string
	WorkDir             string
	MaxChildMemoryBytes int64
	MaxChildCPUPercent  int
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.InstallTimeout == 0 {
		cfg.InstallTimeout = 120 * time.Second
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.RestartMaxAttempts == 0 {
		cfg.RestartMaxAttempts = 5
	}
	if cfg.RestartWindow == 0 {
		cfg.RestartWindow = 60 * time.Second
	}
	if cfg.StopGraceTimeout == 0 {
		cfg.StopGraceTimeout = 5 * time.Second
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "vsm-mcp"
	}
	return cfg
}

// record is the supervisor's private, mutable bookkeeping for one child;
// ServerRecord snapshots are derived from it under Supervisor.mu.
type record struct {
	ServerRecord
	cmd           *exec.Cmd
	tr            io.Closer // the transport, closed on teardown
	client        *rpc.Client
	stdin         io.Closer
	exited        chan struct{}
	stopRequested bool
	restartTimes  []time.Time
}

// Supervisor owns the set of ServerRecords.
type Supervisor struct {
	installer Installer
	bus       *eventbus.Bus
	logs      *logsink.Store
	cfg       Config

	mu      sync.Mutex
	records map[string]*record
}

// New constructs a Supervisor. bus receives lifecycle events; logs
// captures each child's stderr.
func New(installer Installer, bus *eventbus.Bus, logs *logsink.Store, cfg Config) *Supervisor {
	return &Supervisor{
		installer: installer,
		bus:       bus,
		logs:      logs,
		cfg:       cfg.withDefaults(),
		records:   make(map[string]*record),
	}
}

// Spawn installs pkg if needed, launches it, and performs the
// initialization handshake, per spec.md §4.C steps 1-6.
func (s *Supervisor) Spawn(ctx context.Context, pkg PackageSpec) (string, error) {
	installCtx, cancel := context.WithTimeout(ctx, s.cfg.InstallTimeout)
	execPath, err := s.installer.Install(installCtx, pkg)
	cancel()
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInstall, pkg, err)
	}

	id := idgen.ServerID()
	rec := &record{
		ServerRecord: ServerRecord{
			ID:      id,
			Package: pkg,
			Command: execPath,
			Status:  StatusStarting,
		},
		exited: make(chan struct{}),
	}
	s.mu.Lock()
	s.records[id] = rec
	s.mu.Unlock()

	if err := s.launch(ctx, rec); err != nil {
		return "", err
	}
	return id, nil
}

// launch performs steps 3-5 of spawn (process start + handshake), and is
// reused by the restart path, which skips the install step because the
// package is already on disk.
func (s *Supervisor) launch(ctx context.Context, rec *record) error {
	cmd := exec.Command(rec.Command, rec.Args...)
	cmd.Env = mergeEnv(os.Environ(), s.cfg.EnvAdditions)
	cmd.Dir = s.cfg.WorkDir
	// No SysProcAttr is set: the child stays in the parent's process
	// group and is neither detached nor session-leader, so it remains
	// reachable by signal and by waitpid — the forbidden launch options
	// spec.md §4.C names are simply options we never set.
	//
	// MaxChildMemoryBytes/MaxChildCPUPercent are not applied here: both
	// are best-effort per spec.md §4.C, and os/exec has no portable
	// per-child rlimit hook to enforce them with (see DESIGN.md).

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return s.failSpawn(rec, fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.failSpawn(rec, fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.failSpawn(rec, fmt.Errorf("stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return s.failSpawn(rec, fmt.Errorf("%w: %v", ErrSpawn, err))
	}

	s.mu.Lock()
	rec.cmd = cmd
	rec.PID = cmd.Process.Pid
	rec.stdin = stdin
	s.mu.Unlock()

	sink := s.logs.GetOrCreate(rec.ID)
	go logsink.Pump(stderr, sink)

	tr := newTransport(stdin, stdout)
	client := rpc.NewClient(tr, nil, nil)
	s.mu.Lock()
	rec.tr = tr
	rec.client = client
	s.mu.Unlock()

	go s.monitor(rec)

	handshakeCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	result, rerr := client.Initialize(handshakeCtx, s.cfg.ClientName, s.cfg.ClientVersion)
	cancel()
	if rerr != nil {
		s.rollback(rec, fmt.Sprintf("handshake failed: %v", rerr))
		return fmt.Errorf("%w: %v", ErrHandshakeTimeout, rerr)
	}

	caps := capabilityNames(result)

	s.mu.Lock()
	rec.Status = StatusRunning
	rec.StartedAt = time.Now()
	rec.LastHealthAt = rec.StartedAt
	rec.Capabilities = caps
	s.mu.Unlock()

	s.bus.Publish(eventbus.Event{Kind: eventbus.ServerStarted, ServerID: rec.ID, Capabilities: caps})
	return nil
}

func (s *Supervisor) failSpawn(rec *record, cause error) error {
	s.mu.Lock()
	rec.Status = StatusFailed
	s.mu.Unlock()
	s.bus.Publish(eventbus.Event{Kind: eventbus.ServerFailed, ServerID: rec.ID, Reason: cause.Error()})
	return cause
}

// rollback terminates a half-started child and marks it failed, per
// spec.md §4.C step 6.
func (s *Supervisor) rollback(rec *record, reason string) {
	s.mu.Lock()
	cmd := rec.cmd
	rec.stopRequested = true
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
	if rec.tr != nil {
		rec.tr.Close()
	}

	s.mu.Lock()
	rec.Status = StatusFailed
	s.mu.Unlock()
	s.bus.Publish(eventbus.Event{Kind: eventbus.ServerFailed, ServerID: rec.ID, Reason: reason})
}

// monitor waits for the child to exit, applies the restart policy, and
// emits server_stopped, per spec.md §4.C "Monitoring".
func (s *Supervisor) monitor(rec *record) {
	err := rec.cmd.Wait()

	exitCode := -1
	if rec.cmd.ProcessState != nil {
		exitCode = rec.cmd.ProcessState.ExitCode()
	}

	s.mu.Lock()
	stopRequested := rec.stopRequested
	rec.PID = 0
	clean := stopRequested || exitCode == 0
	if clean {
		if rec.Status != StatusFailed { // rollback's failed mark stands
			rec.Status = StatusExited
		}
		if stopRequested {
			rec.RestartCount = 0
		}
	} else {
		rec.Status = StatusFailed
	}
	s.mu.Unlock()
	close(rec.exited)

	exitInfo := fmt.Sprintf("exit_code=%d err=%v", exitCode, err)
	s.bus.Publish(eventbus.Event{Kind: eventbus.ServerStopped, ServerID: rec.ID, ExitInfo: exitInfo})

	if stopRequested || clean {
		return
	}
	s.scheduleRestart(rec)
}

// scheduleRestart applies the exponential-backoff restart policy: start
// at 100ms, double to a 30s cap, bounded to RestartMaxAttempts within a
// rolling RestartWindow.
func (s *Supervisor) scheduleRestart(rec *record) {
	now := time.Now()

	s.mu.Lock()
	rec.restartTimes = pruneWindow(rec.restartTimes, now, s.cfg.RestartWindow)
	attempt := len(rec.restartTimes)
	if attempt >= s.cfg.RestartMaxAttempts {
		s.mu.Unlock()
		return // status is already StatusFailed and terminal
	}
	rec.restartTimes = append(rec.restartTimes, now)
	rec.RestartCount++
	s.mu.Unlock()

	backoff := 100 * time.Millisecond
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
			break
		}
	}

	time.AfterFunc(backoff, func() {
		s.mu.Lock()
		rec.exited = make(chan struct{})
		rec.stopRequested = false
		s.mu.Unlock()
		if err := s.launch(context.Background(), rec); err != nil {
			// launch already marked the record failed and published
			// server_failed; nothing further to do here.
			_ = err
		}
	})
}

func pruneWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	out := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// Stop tears a child down per spec.md §4.C `stop(serverID, mode)`.
func (s *Supervisor) Stop(serverID string, mode StopMode) error {
	s.mu.Lock()
	rec, ok := s.records[serverID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	rec.Status = StatusStopping
	rec.stopRequested = true
	client := rec.client
	stdin := rec.stdin
	cmd := rec.cmd
	exited := rec.exited
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if mode == StopGraceful {
		if client != nil {
			client.Notify("notifications/shutdown", nil) // best-effort; absence is fine
		}
		if stdin != nil {
			stdin.Close()
		}
		select {
		case <-exited:
			return nil
		case <-time.After(s.cfg.StopGraceTimeout):
		}
	}

	cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-exited:
		return nil
	case <-time.After(s.cfg.StopGraceTimeout / 2):
	}
	cmd.Process.Kill()
	<-exited
	return nil
}

// List returns a snapshot of every known ServerRecord.
func (s *Supervisor) List() []ServerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ServerRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.ServerRecord)
	}
	return out
}

// Get returns one ServerRecord by id.
func (s *Supervisor) Get(serverID string) (ServerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[serverID]
	if !ok {
		return ServerRecord{}, false
	}
	return rec.ServerRecord, true
}

// Client returns the live JSON-RPC client for a running server, for the
// Capability Router's execute() and refresh() to call through.
func (s *Supervisor) Client(serverID string) (*rpc.Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[serverID]
	if !ok || rec.client == nil {
		return nil, false
	}
	return rec.client, true
}

// IsRunning reports whether serverID is currently in StatusRunning — the
// liveness check the Router's resolve() relies on.
func (s *Supervisor) IsRunning(serverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[serverID]
	return ok && rec.Status == StatusRunning
}

func mergeEnv(base, additions []string) []string {
	out := make([]string, 0, len(base)+len(additions))
	out = append(out, base...)
	out = append(out, additions...)
	return out
}

// capabilityNames extracts the declared capability keys from an initialize
// result's capabilities object (e.g. {"tools":{},"resources":{}} yields
// ["tools","resources"]). This is the server's self-declared capability
// set, distinct from the Router's tool-name-to-capability mapping.
func capabilityNames(result *rpc.InitializeResult) []string {
	if result == nil || len(result.Capabilities) == 0 {
		return nil
	}
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(result.Capabilities, &asMap); err != nil {
		return nil
	}
	names := make([]string, 0, len(asMap))
	for k := range asMap {
		names = append(names, k)
	}
	return names
}

func newTransport(stdin io.WriteCloser, stdout io.ReadCloser) *transport.Transport {
	return transport.New(stdin, stdout)
}
