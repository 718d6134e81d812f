// Package discovery implements the Discovery component (spec E): given a
// capability name, query one or more external package registries in
// parallel with a bounded deadline, then merge/dedup/rank the results.
// The HTTP call shape (doJSON-style request/decode) is grounded on
// internal/client/client.go's Client.doJSON; the parallel
// bounded-deadline fan-out is grounded on the concurrent, per-task
// context.WithTimeout idiom used throughout internal/lifecycle/manager.go.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Candidate is one package Discovery proposes for a capability.
type Candidate struct {
	Package   string  `json:"package"`
	Version   string  `json:"version"`
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

// Registry is one external package registry Discovery can query.
type Registry interface {
	Name() string
	Search(ctx context.Context, capability string, hints map[string]string) ([]Candidate, error)
}

// Discovery fans a search out across all registered Registries.
type Discovery struct {
	registries []Registry
	deadline   time.Duration
}

// New constructs a Discovery over registries, bounding each registry's
// query to deadline (default 5s if <= 0).
func New(registries []Registry, deadline time.Duration) *Discovery {
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	return &Discovery{registries: registries, deadline: deadline}
}

// Search queries every registered Registry in parallel and returns a
// deduplicated, ranked candidate list. An empty result is a valid outcome,
// never an error (spec.md §4.E).
func (d *Discovery) Search(ctx context.Context, capability string, hints map[string]string) ([]Candidate, error) {
	if len(d.registries) == 0 {
		return []Candidate{}, nil
	}

	type result struct {
		candidates []Candidate
	}
	results := make([]result, len(d.registries))

	var wg sync.WaitGroup
	for i, reg := range d.registries {
		wg.Add(1)
		go func(i int, reg Registry) {
			defer wg.Done()
			qctx, cancel := context.WithTimeout(ctx, d.deadline)
			defer cancel()
			candidates, err := reg.Search(qctx, capability, hints)
			if err != nil {
				return // a failing registry contributes no candidates, not an error
			}
			results[i] = result{candidates: candidates}
		}(i, reg)
	}
	wg.Wait()

	merged := map[string]Candidate{}
	for _, r := range results {
		for _, c := range r.candidates {
			existing, ok := merged[c.Package]
			if !ok || c.Score > existing.Score {
				merged[c.Package] = c
			}
		}
	}

	out := make([]Candidate, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	rank(out, capability)
	return out, nil
}

// rank orders candidates by score descending, then by package name for a
// stable total order on ties — the contract spec.md §4.E requires,
// without prescribing the scoring function itself.
func rank(candidates []Candidate, capability string) {
	for i := range candidates {
		if candidates[i].Score == 0 {
			candidates[i].Score = keywordOverlapScore(candidates[i].Package, capability)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Package < candidates[j].Package
	})
}

func keywordOverlapScore(pkgName, capability string) float64 {
	p := strings.ToLower(pkgName)
	c := strings.ToLower(capability)
	if strings.Contains(p, c) {
		return 1.0
	}
	return 0.1
}

// HTTPRegistry queries one HTTP package registry, e.g. an npm-style or
// OCI-artifact-hub-style search endpoint returning a JSON candidate list.
type HTTPRegistry struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

// NewHTTPRegistry constructs a Registry backed by an HTTP search endpoint
// at baseURL + "/search?capability=...".
func NewHTTPRegistry(name, baseURL string) *HTTPRegistry {
	return &HTTPRegistry{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *HTTPRegistry) Name() string { return r.name }

func (r *HTTPRegistry) Search(ctx context.Context, capability string, hints map[string]string) ([]Candidate, error) {
	url := fmt.Sprintf("%s/search?capability=%s", r.baseURL, capability)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("registry %s: status %d", r.name, resp.StatusCode)
	}

	var body struct {
		Candidates []Candidate `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("registry %s: decode: %w", r.name, err)
	}
	return body.Candidates, nil
}
