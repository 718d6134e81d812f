// Package acquisition implements the Acquisition Coordinator (spec
// component H): given a capability name, ask Discovery for candidates,
// spawn the Supervisor on the best one, wait bounded for the Capability
// Router to reflect a new provider, and roll back (stop the server) if
// the wait times out — falling through to the next candidate on either
// a spawn failure or a reflection timeout. Grounded step-for-step on
// internal/lifecycle/manager.go's bootInstance: handshake-then-wait-for-
// ready-then-rollback-on-any-failure, each rollback step undoing exactly
// the resources acquired so far.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/viable-systems/vsm-mcp/internal/discovery"
	"github.com/viable-systems/vsm-mcp/internal/supervisor"
)

// ErrNoCandidates is returned when Discovery finds nothing for a capability.
var ErrNoCandidates = errors.New("acquisition: no candidates found")

// ErrExhausted is returned when every candidate failed to spawn or never
// reflected in the router within the wait deadline.
var ErrExhausted = errors.New("acquisition: exhausted all candidates")

// Discoverer is the subset of discovery.Discovery the coordinator needs.
type Discoverer interface {
	Search(ctx context.Context, capability string, hints map[string]string) ([]discovery.Candidate, error)
}

// Spawner is the subset of supervisor.Supervisor the coordinator needs.
type Spawner interface {
	Spawn(ctx context.Context, pkg supervisor.PackageSpec) (string, error)
	Stop(serverID string, mode supervisor.StopMode) error
}

// RouterCheck reports whether capability now has a live provider,
// satisfied by capability.Router.Resolve reduced to a boolean.
type RouterCheck func(capability string) bool

// Coordinator implements monitor.Acquirer.
type Coordinator struct {
	discoverer  Discoverer
	spawner     Spawner
	hasProvider RouterCheck
	waitTimeout time.Duration
	pollEvery   time.Duration
}

// New constructs a Coordinator. waitTimeout bounds how long Acquire waits
// for the router to reflect a freshly spawned server (spec.md §6
// acquisition_wait_ms, default 15s).
func New(discoverer Discoverer, spawner Spawner, hasProvider RouterCheck, waitTimeout time.Duration) *Coordinator {
	if waitTimeout <= 0 {
		waitTimeout = 15 * time.Second
	}
	return &Coordinator{
		discoverer:  discoverer,
		spawner:     spawner,
		hasProvider: hasProvider,
		waitTimeout: waitTimeout,
		pollEvery:   100 * time.Millisecond,
	}
}

// Acquire runs one AcquisitionJob for capability: search, try candidates
// best-first, spawn, wait for router reflection, roll back on timeout,
// and fall through to the next candidate on any failure.
func (c *Coordinator) Acquire(ctx context.Context, capability string) error {
	candidates, err := c.discoverer.Search(ctx, capability, nil)
	if err != nil {
		return fmt.Errorf("acquisition: search %q: %w", capability, err)
	}
	if len(candidates) == 0 {
		return ErrNoCandidates
	}

	var lastErr error
	for _, candidate := range candidates {
		if err := c.tryCandidate(ctx, capability, candidate); err != nil {
			lastErr = err
			log.Printf("acquisition: candidate %s@%s for capability %q failed: %v",
				candidate.Package, candidate.Version, capability, err)
			continue
		}
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrExhausted, lastErr)
	}
	return ErrExhausted
}

// tryCandidate spawns one candidate and waits for it to appear in the
// router under capability, rolling back the spawn on timeout — the
// "undo exactly the resources acquired so far" rollback discipline
// bootInstance applies per step.
func (c *Coordinator) tryCandidate(ctx context.Context, capability string, candidate discovery.Candidate) error {
	serverID, err := c.spawner.Spawn(ctx, supervisor.PackageSpec{Name: candidate.Package, Version: candidate.Version})
	if err != nil {
		return fmt.Errorf("spawn: %w", err)
	}

	if err := c.waitForReflection(ctx, capability); err != nil {
		if stopErr := c.spawner.Stop(serverID, supervisor.StopGraceful); stopErr != nil {
			log.Printf("acquisition: rollback stop of %s failed: %v", serverID, stopErr)
		}
		return err
	}
	return nil
}

// waitForReflection polls hasProvider until it reports true or
// waitTimeout elapses.
func (c *Coordinator) waitForReflection(ctx context.Context, capability string) error {
	deadline := time.Now().Add(c.waitTimeout)
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()
	for {
		if c.hasProvider(capability) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s waiting for router to reflect capability %q", c.waitTimeout, capability)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
