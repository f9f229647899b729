package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ark-network/ark-core/internal/ark/generation"
	"github.com/ark-network/ark-core/internal/ark/lattice"
	"github.com/ark-network/ark-core/internal/ark/orchestrator"
	"github.com/ark-network/ark-core/internal/ark/scoring"
)

type fakeStore struct {
	nodes map[string]lattice.Node
}

func newFakeStore() *fakeStore { return &fakeStore{nodes: make(map[string]lattice.Node)} }

func (s *fakeStore) add(n lattice.Node) { s.nodes[n.ID] = n }

func (s *fakeStore) Query(sel lattice.Selectors) ([]lattice.Node, error) {
	var out []lattice.Node
	for _, n := range s.nodes {
		if sel.Capability != "" {
			found := false
			for _, c := range n.Capabilities {
				if c == sel.Capability {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, n)
	}
	return out, nil
}

func TestScholarEnrichesFromSelectors(t *testing.T) {
	store := newFakeStore()
	store.add(lattice.Node{ID: "n1", Capabilities: []string{"retry"}})
	store.add(lattice.Node{ID: "n2", Capabilities: []string{"logging"}})

	scholar := NewScholar(store)
	req := &orchestrator.Request{Input: &generation.BuildInput{Requirements: []string{"retry"}}}

	nodes, err := scholar.Enrich(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, "n1", nodes[0].ID)
}

func TestScholarIgnoresUnrecognizedInput(t *testing.T) {
	scholar := NewScholar(newFakeStore())
	req := &orchestrator.Request{Input: "not a ScholarInput"}

	nodes, err := scholar.Enrich(context.Background(), req)
	require.NoError(t, err)
	require.Nil(t, nodes)
}

func TestArbiterValidatesComposedCandidate(t *testing.T) {
	rules := []scoring.Rule{{ID: "has-id", Selector: "id", Operator: scoring.OpExists, Severity: scoring.SeverityError}}
	arbiter := NewArbiter(rules)

	req := &orchestrator.Request{Candidate: &orchestrator.Candidate{ID: "c1"}}
	result, err := arbiter.Validate(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.Approved)
}

func TestArbiterSetRulesAppliesToSubsequentValidate(t *testing.T) {
	arbiter := NewArbiter(nil)
	req := &orchestrator.Request{Candidate: &orchestrator.Candidate{}}

	result, err := arbiter.Validate(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.Approved)

	arbiter.SetRules([]scoring.Rule{{ID: "has-artifact", Selector: "artifact", Operator: scoring.OpExists, Severity: scoring.SeverityError}})

	result, err = arbiter.Validate(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.Approved)
}

func TestArbiterRejectsWithoutCandidate(t *testing.T) {
	arbiter := NewArbiter(nil)
	_, err := arbiter.Validate(context.Background(), &orchestrator.Request{})
	require.Error(t, err)
}

func TestReflectorTracksApprovedAndRejectedCounts(t *testing.T) {
	reflector := NewReflector()

	approvedReq := &orchestrator.Request{
		Candidate:  &orchestrator.Candidate{Dependencies: []string{"n1"}},
		Validation: &scoring.Result{Approved: true},
	}
	require.NoError(t, reflector.UpdateLongTermState(context.Background(), approvedReq))

	rejectedReq := &orchestrator.Request{
		Candidate:  &orchestrator.Candidate{Dependencies: []string{"n1"}},
		Validation: &scoring.Result{Approved: false},
	}
	require.NoError(t, reflector.UpdateLongTermState(context.Background(), rejectedReq))

	approved, rejected := reflector.Stats("n1")
	require.Equal(t, 1, approved)
	require.Equal(t, 1, rejected)
}

func TestReflectorSkipsRequestsWithoutCandidate(t *testing.T) {
	reflector := NewReflector()
	require.NoError(t, reflector.UpdateLongTermState(context.Background(), &orchestrator.Request{}))
	approved, rejected := reflector.Stats("n1")
	require.Zero(t, approved)
	require.Zero(t, rejected)
}
