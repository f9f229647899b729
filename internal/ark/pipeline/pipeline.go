// Package pipeline wires the orchestrator's Scholar, Arbiter, and Reflector
// roles to their concrete backends (the lattice store, the validator, and an
// in-process long-term state tracker), the way the teacher's internal/app
// aggregator wires storage and services into one Application rather than
// leaving those roles as bare interfaces for cmd/ to fill in by hand.
package pipeline

import (
	"context"
	"sync"

	arkerrors "github.com/ark-network/ark-core/infrastructure/errors"
	"github.com/ark-network/ark-core/internal/ark/lattice"
	"github.com/ark-network/ark-core/internal/ark/orchestrator"
	"github.com/ark-network/ark-core/internal/ark/scoring"
)

// ScholarInput is implemented by orchestrator.Request.Input values that know
// which lattice selectors the Scholar stage should enrich the request's
// context with. generation.BuildInput implements this.
type ScholarInput interface {
	ScholarSelectors() []lattice.Selectors
}

// Store is the subset of lattice.Store the Scholar stage needs.
type Store interface {
	Query(sel lattice.Selectors) ([]lattice.Node, error)
}

// Scholar implements orchestrator.Enricher by running the request's
// declared selectors against the lattice store and deduplicating the
// results by node id. An input that does not implement ScholarInput is not
// an error — it simply enriches with no context, matching the Builder's own
// tolerance for empty context (spec §4.6 edge case).
type Scholar struct {
	store Store
}

// NewScholar wraps store for use as an orchestrator.Enricher.
func NewScholar(store Store) *Scholar {
	return &Scholar{store: store}
}

// Enrich implements orchestrator.Enricher.
func (s *Scholar) Enrich(ctx context.Context, req *orchestrator.Request) ([]lattice.Node, error) {
	in, ok := req.Input.(ScholarInput)
	if !ok {
		return nil, nil
	}

	seen := make(map[string]lattice.Node)
	for _, sel := range in.ScholarSelectors() {
		nodes, err := s.store.Query(sel)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			seen[n.ID] = n
		}
	}

	out := make([]lattice.Node, 0, len(seen))
	for _, n := range seen {
		out = append(out, n)
	}
	return out, nil
}

// Arbiter implements orchestrator.ArbiterStage by running scoring.Validate
// against the Builder's chosen candidate, using a configurable rule set
// (spec §4.3: "a configurable rule set", configured at wiring time from
// config.Validator.Rulesets and swappable in place via SetRules when
// cmd/arkd reloads configuration on SIGHUP).
type Arbiter struct {
	mu    sync.RWMutex
	rules []scoring.Rule
}

// NewArbiter wraps rules for use as an orchestrator.ArbiterStage.
func NewArbiter(rules []scoring.Rule) *Arbiter {
	return &Arbiter{rules: rules}
}

// SetRules atomically replaces the active rule set, picked up by the next
// Validate call onward. In-flight Validate calls keep running against the
// rule set they already read.
func (a *Arbiter) SetRules(rules []scoring.Rule) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rules = rules
}

// Validate implements orchestrator.ArbiterStage.
func (a *Arbiter) Validate(ctx context.Context, req *orchestrator.Request) (*scoring.Result, error) {
	if req.Candidate == nil {
		return nil, arkerrors.InvalidPayload("arbiter requires a composed candidate")
	}
	record := map[string]interface{}{
		"id":           req.Candidate.ID,
		"score":        req.Candidate.Score,
		"dependencies": req.Candidate.Dependencies,
	}
	if req.Candidate.Artifact != nil {
		record["artifact"] = req.Candidate.Artifact
	}
	a.mu.RLock()
	rules := a.rules
	a.mu.RUnlock()
	return scoring.Validate(rules, record)
}

// nodeStats tracks a node's contribution to finalized requests across the
// process lifetime (spec §4.6 Reflector: "success counters, usage
// optimization insights"). This is deliberately separate from the node's own
// content-addressed fields in lattice.Node — folding a mutable counter into
// content would change content_hash on every reflection, which I2 forbids —
// and per resolved open question (b) it never feeds back into a request's
// already-recorded Scorer/Validator output.
type nodeStats struct {
	Approved int
	Rejected int
}

// Reflector implements orchestrator.ReflectorStage, maintaining in-memory
// success/rejection counters per contributing node. Counters are exposed via
// Stats for observability (e.g. an operator endpoint) but are never
// consulted by the Generation Engine's own scoring.
type Reflector struct {
	mu    sync.Mutex
	stats map[string]*nodeStats
}

// NewReflector creates an empty Reflector.
func NewReflector() *Reflector {
	return &Reflector{stats: make(map[string]*nodeStats)}
}

// UpdateLongTermState implements orchestrator.ReflectorStage.
func (r *Reflector) UpdateLongTermState(ctx context.Context, req *orchestrator.Request) error {
	if req.Candidate == nil {
		return nil
	}
	approved := req.Validation != nil && req.Validation.Approved

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range req.Candidate.Dependencies {
		s, ok := r.stats[id]
		if !ok {
			s = &nodeStats{}
			r.stats[id] = s
		}
		if approved {
			s.Approved++
		} else {
			s.Rejected++
		}
	}
	return nil
}

// Stats returns the current approved/rejected counts for nodeID.
func (r *Reflector) Stats(nodeID string) (approved, rejected int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[nodeID]
	if !ok {
		return 0, 0
	}
	return s.Approved, s.Rejected
}
