package generation

import (
	"context"
	"sync"

	arkerrors "github.com/ark-network/ark-core/infrastructure/errors"
	"github.com/ark-network/ark-core/internal/ark/lattice"
	"github.com/ark-network/ark-core/internal/ark/orchestrator"
)

// BuildInput is the expected shape of an orchestrator.Request's Input field
// when routed through a generation-backed Builder stage.
type BuildInput struct {
	Requirements []string
	Options      map[string]string
}

// ScholarSelectors implements pipeline.ScholarInput: one capability selector
// per requirement, so the Scholar stage's lattice query mirrors what the
// Builder will itself query moments later.
func (in *BuildInput) ScholarSelectors() []lattice.Selectors {
	sels := make([]lattice.Selectors, len(in.Requirements))
	for i, req := range in.Requirements {
		sels[i] = lattice.Selectors{Capability: req}
	}
	return sels
}

// Stage adapts Engine to the orchestrator's Builder and Mirror roles
// (spec §4.6/§4.7): the Builder composes a candidate by running Generate,
// the Mirror role reflects on the last composed candidate.
type Stage struct {
	engine *Engine

	mu          sync.Mutex
	lastResult  map[string]*Result
	lastFactors map[string]map[string]map[string]float64
}

// NewStage wraps engine for use as an orchestrator BuilderStage/MirrorStage.
func NewStage(engine *Engine) *Stage {
	return &Stage{
		engine:      engine,
		lastResult:  make(map[string]*Result),
		lastFactors: make(map[string]map[string]map[string]float64),
	}
}

// Build implements orchestrator.BuilderStage.
func (s *Stage) Build(ctx context.Context, req *orchestrator.Request) ([]orchestrator.Candidate, error) {
	in, ok := req.Input.(*BuildInput)
	if !ok {
		return nil, arkerrors.InvalidPayload("generation builder requires a *generation.BuildInput")
	}

	result, err := s.engine.Generate(in.Requirements, in.Options)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastResult[req.CorrelationID] = result
	s.mu.Unlock()

	return []orchestrator.Candidate{{
		ID:           artifactCandidateID(result),
		Score:        1.0,
		Dependencies: dependencyIDs(result),
		Artifact:     result.ArtifactText,
		Reasoning:    result.Reasoning,
	}}, nil
}

// Reflect implements orchestrator.MirrorStage.
func (s *Stage) Reflect(ctx context.Context, req *orchestrator.Request) (*orchestrator.Reflection, error) {
	s.mu.Lock()
	result := s.lastResult[req.CorrelationID]
	s.mu.Unlock()

	refl := Reflect(result, req.Validation, nil)
	return &orchestrator.Reflection{
		Strengths:    refl.Strengths,
		Weaknesses:   refl.Weaknesses,
		Improvements: refl.Improvements,
		Patterns:     refl.Patterns,
	}, nil
}

func artifactCandidateID(result *Result) string {
	if result.TemplateID != "" {
		return result.TemplateID
	}
	if len(result.ChosenNodes) > 0 {
		return result.ChosenNodes[0].ID
	}
	return "empty-artifact"
}

func dependencyIDs(result *Result) []string {
	ids := make([]string, 0, len(result.ChosenNodes))
	for _, n := range result.ChosenNodes {
		ids = append(ids, n.ID)
	}
	return ids
}
