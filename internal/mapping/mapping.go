// Package mapping loads declarative tool-name → capability-name manifests
// that the Capability Router's refresh() uses to turn a server's
// tools/list result into capability registrations. Grounded on
// internal/kit/kit.go's manifest load/list/validate shape, repurposed
// from "kit add-on bundle" to "tool → capability mapping rule set."
package mapping

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Rule maps tools whose name matches Pattern (a case-insensitive substring,
// or "*" for any) to Capability, with an optional Score (defaults to 1.0).
type Rule struct {
	Pattern    string  `json:"pattern"`
	Capability string  `json:"capability"`
	Score      float64 `json:"score,omitempty"`
}

// Manifest is one capability-map file: a named rule set, typically one
// per package family (e.g. "blockchain-tools.json").
type Manifest struct {
	Name  string `json:"name"`
	Rules []Rule `json:"rules"`
}

// MapDir returns the directory capability-map manifests are loaded from.
func MapDir(base string) string {
	return filepath.Join(base)
}

// LoadManifest reads one manifest by name from dir/{name}.json.
func LoadManifest(dir, name string) (*Manifest, error) {
	path := filepath.Join(dir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capability map %q: %w", name, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse capability map %q: %w", name, err)
	}
	return &m, nil
}

// LoadAll scans dir/*.json and returns every manifest that parses; broken
// files are skipped, matching ListManifests' tolerance for partial loads.
func LoadAll(dir string) ([]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read capability map dir: %w", err)
	}
	var manifests []*Manifest
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		m, err := LoadManifest(dir, name)
		if err != nil {
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// ScoredCapability is one capability a tool maps to, with a confidence score.
type ScoredCapability struct {
	Capability string
	Score      float64
}

// Func is the pure total function from a tool descriptor to zero-or-more
// capability names spec.md §4.F requires the Router's refresh to apply.
type Func func(toolName string) []ScoredCapability

// FromManifests builds a mapping Func from a set of loaded manifests. A
// tool matches a rule if the rule's Pattern is "*" or a case-insensitive
// substring of the tool name; a tool matching no rule falls back to an
// identity mapping (its own name is treated as its capability), so an
// unconfigured tool-server is still reachable under its literal tool name.
func FromManifests(manifests []*Manifest) Func {
	type compiledRule struct {
		pattern    string
		capability string
		score      float64
	}
	var rules []compiledRule
	for _, m := range manifests {
		for _, r := range m.Rules {
			score := r.Score
			if score == 0 {
				score = 1.0
			}
			rules = append(rules, compiledRule{pattern: strings.ToLower(r.Pattern), capability: r.Capability, score: score})
		}
	}

	return func(toolName string) []ScoredCapability {
		lower := strings.ToLower(toolName)
		var matched []ScoredCapability
		for _, r := range rules {
			if r.pattern == "*" || strings.Contains(lower, r.pattern) {
				matched = append(matched, ScoredCapability{Capability: r.capability, Score: r.score})
			}
		}
		if len(matched) == 0 {
			matched = append(matched, ScoredCapability{Capability: toolName, Score: 1.0})
		}
		return matched
	}
}
