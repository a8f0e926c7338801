// Package worker implements WorkerTypeRegistry and WorkerPool (§4.3): the
// catalogue of worker types and the bounded pool that acquires, tracks, and
// releases them.
//
// TypeRegistry is grounded directly on the teacher's model.Registry
// (capability -> preferred/fallback model lists, first-match-wins Resolve)
// re-keyed from LLM capabilities to worker types, with a keyword-match
// scorer replacing model-name preference since the registry here answers
// "which worker type fits this task description" rather than "which model
// backs this capability".
package worker

import (
	"sort"
	"strings"
	"sync"
)

// Type is one of the five catalogued worker types.
type Type string

const (
	TypeDeveloper Type = "developer"
	TypeTest      Type = "test"
	TypeReview    Type = "review"
	TypeResearch  Type = "research"
	TypeDesign    Type = "design"
)

// TypeConfig is one entry in the registry: a worker type's capability set,
// the keywords that identify it, and its priority for tie-breaking.
type TypeConfig struct {
	Description string
	Keywords    []string
	Priority    int // lower is preferred on a tie
}

// TypeRegistry is a fixed table of worker types with keyword-matchers and a
// priority ordering, as described in §4.3.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[Type]*TypeConfig
	order []Type
}

// NewDefaultRegistry returns a TypeRegistry pre-populated with the five
// catalogued worker types.
func NewDefaultRegistry() *TypeRegistry {
	r := &TypeRegistry{types: make(map[Type]*TypeConfig)}
	r.Set(TypeDeveloper, &TypeConfig{
		Description: "Implements features and fixes in application code",
		Keywords:    []string{"implement", "code", "fix", "build", "feature", "endpoint", "api", "bug"},
		Priority:    0,
	})
	r.Set(TypeTest, &TypeConfig{
		Description: "Writes and runs automated tests",
		Keywords:    []string{"test", "coverage", "unit test", "integration test", "regression"},
		Priority:    1,
	})
	r.Set(TypeReview, &TypeConfig{
		Description: "Reviews code changes for correctness and quality",
		Keywords:    []string{"review", "audit", "lint", "inspect"},
		Priority:    2,
	})
	r.Set(TypeResearch, &TypeConfig{
		Description: "Investigates approaches and gathers context before implementation",
		Keywords:    []string{"research", "investigate", "explore", "evaluate", "compare"},
		Priority:    3,
	})
	r.Set(TypeDesign, &TypeConfig{
		Description: "Produces architecture and interface design",
		Keywords:    []string{"design", "architecture", "schema", "diagram", "spec"},
		Priority:    4,
	})
	return r
}

// Set registers or replaces a worker type's configuration.
func (r *TypeRegistry) Set(t Type, cfg *TypeConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[t]; !exists {
		r.order = append(r.order, t)
	}
	r.types[t] = cfg
}

// Get returns the configuration for t.
func (r *TypeRegistry) Get(t Type) (*TypeConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.types[t]
	return cfg, ok
}

// MatchByText returns the worker type whose keywords maximize a score over
// s, breaking ties by the lower Priority value.
func (r *TypeRegistry) MatchByText(s string) Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lower := strings.ToLower(s)

	type scored struct {
		t        Type
		score    int
		priority int
	}
	var candidates []scored
	for t, cfg := range r.types {
		score := 0
		for _, kw := range cfg.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				score++
			}
		}
		candidates = append(candidates, scored{t: t, score: score, priority: cfg.Priority})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].priority < candidates[j].priority
	})

	if len(candidates) == 0 {
		return TypeDeveloper
	}
	return candidates[0].t
}
