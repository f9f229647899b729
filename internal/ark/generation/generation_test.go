package generation

import (
	"testing"

	"github.com/stretchr/testify/require"

	arkerrors "github.com/ark-network/ark-core/infrastructure/errors"
	"github.com/ark-network/ark-core/internal/ark/lattice"
)

type fakeStore struct {
	byCapability map[string][]lattice.Node
	byID         map[string]lattice.Node
}

func newFakeStore() *fakeStore {
	return &fakeStore{byCapability: map[string][]lattice.Node{}, byID: map[string]lattice.Node{}}
}

func (f *fakeStore) add(n lattice.Node) {
	f.byID[n.ID] = n
	for _, c := range n.Capabilities {
		f.byCapability[c] = append(f.byCapability[c], n)
	}
}

func (f *fakeStore) Query(sel lattice.Selectors) ([]lattice.Node, error) {
	return f.byCapability[sel.Capability], nil
}

func (f *fakeStore) Get(id string) (*lattice.Node, error) {
	n, ok := f.byID[id]
	if !ok {
		return nil, arkerrors.NotFound("node", id)
	}
	return &n, nil
}

func TestGenerateChoosesHighestScoringCandidatePerRequirement(t *testing.T) {
	store := newFakeStore()
	store.add(lattice.Node{
		ID: "go-lang", Kind: lattice.KindLanguage, Category: "go",
		Capabilities: []string{"http-server"}, Value: "go", Examples: []string{"package main"},
		UpdatedAt: lattice.Timestamp{WallMillis: 1000},
	})
	store.add(lattice.Node{
		ID: "py-lang", Kind: lattice.KindLanguage, Category: "python",
		Capabilities: []string{"http-server"}, Value: "python", Examples: []string{"def main(): pass"},
		UpdatedAt: lattice.Timestamp{WallMillis: 2000},
	})

	eng := New(store)
	result, err := eng.Generate([]string{"http-server"}, map[string]string{"language": "go"})
	require.NoError(t, err)
	require.Len(t, result.ChosenNodes, 1)
	require.Equal(t, "go-lang", result.ChosenNodes[0].ID)
	require.Len(t, result.Reasoning, 1)
}

func TestGenerateFailsWithUnresolvedDependencyWhenNoCandidateMatches(t *testing.T) {
	store := newFakeStore()
	eng := New(store)
	_, err := eng.Generate([]string{"nonexistent"}, nil)
	require.Error(t, err)
	var svcErr *arkerrors.ServiceError
	require.ErrorAs(t, err, &svcErr)
	require.Equal(t, arkerrors.ErrCodeUnresolvedDependency, svcErr.Code)
}

func TestGenerateFailsWhenDependencyIDMissingFromStore(t *testing.T) {
	store := newFakeStore()
	store.add(lattice.Node{
		ID: "web-component", Kind: lattice.KindComponent,
		Capabilities: []string{"web"}, Dependencies: []string{"missing-dep"},
		UpdatedAt: lattice.Timestamp{WallMillis: 1000},
	})
	eng := New(store)
	_, err := eng.Generate([]string{"web"}, nil)
	require.Error(t, err)
	var svcErr *arkerrors.ServiceError
	require.ErrorAs(t, err, &svcErr)
	require.Equal(t, arkerrors.ErrCodeUnresolvedDependency, svcErr.Code)
}

func TestGenerateResolvesTransitiveDependencies(t *testing.T) {
	store := newFakeStore()
	store.add(lattice.Node{ID: "base-runtime", Kind: lattice.KindRuntime, UpdatedAt: lattice.Timestamp{WallMillis: 500}})
	store.add(lattice.Node{
		ID: "mid-lib", Kind: lattice.KindLibrary, Dependencies: []string{"base-runtime"},
		UpdatedAt: lattice.Timestamp{WallMillis: 800},
	})
	store.add(lattice.Node{
		ID: "top-component", Kind: lattice.KindComponent, Capabilities: []string{"web"},
		Dependencies: []string{"mid-lib"}, UpdatedAt: lattice.Timestamp{WallMillis: 1000},
	})

	eng := New(store)
	result, err := eng.Generate([]string{"web"}, nil)
	require.NoError(t, err)
	ids := make([]string, 0)
	for _, n := range result.ChosenNodes {
		ids = append(ids, n.ID)
	}
	require.ElementsMatch(t, []string{"base-runtime", "mid-lib", "top-component"}, ids)
}

func TestGenerateFillsTemplateViaMustacheSubstitution(t *testing.T) {
	store := newFakeStore()
	store.add(lattice.Node{
		ID: "handler-tpl", Kind: lattice.KindTemplate, Capabilities: []string{"handler"},
		Content: "func Handle() { return {{framework}} }",
	})
	eng := New(store)
	result, err := eng.Generate([]string{"handler"}, map[string]string{"framework": "gin"})
	require.NoError(t, err)
	require.Equal(t, "handler-tpl", result.TemplateID)
	require.Equal(t, "func Handle() { return gin }", result.ArtifactText)
}

func TestGenerateConcatenatesExamplesWhenNoTemplateChosen(t *testing.T) {
	store := newFakeStore()
	store.add(lattice.Node{ID: "n1", Kind: lattice.KindPattern, Capabilities: []string{"retry"}, Examples: []string{"retry pattern example"}})
	eng := New(store)
	result, err := eng.Generate([]string{"retry"}, nil)
	require.NoError(t, err)
	require.Empty(t, result.TemplateID)
	require.Contains(t, result.ArtifactText, "retry pattern example")
	require.Contains(t, result.ArtifactText, "n1")
}
