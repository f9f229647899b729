package generation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ark-network/ark-core/internal/ark/lattice"
)

func TestDocumentBuildsStructuredOutline(t *testing.T) {
	store := newFakeStore()
	eng := New(store)

	result := &Result{
		ChosenNodes: []lattice.Node{
			{ID: "n1", Dependencies: []string{"n0"}},
		},
		TemplateID: "tpl1",
		Reasoning:  []string{"requirement \"x\" satisfied by node \"n1\""},
	}

	doc := eng.Document(result, []string{"x"}, map[string]string{"language": "go", "framework": "gin"})
	require.Equal(t, []string{"x"}, doc.Inputs)
	require.Contains(t, doc.Overview, "n1")
	require.Contains(t, doc.Outputs[0], "tpl1")
	require.Contains(t, doc.Dependencies, "n0")
	require.Contains(t, doc.Usage, "go")
	require.Contains(t, doc.Usage, "gin")
	require.Equal(t, result.Reasoning, doc.Notes)
}

func TestDocumentHandlesNoOptions(t *testing.T) {
	store := newFakeStore()
	eng := New(store)
	result := &Result{ChosenNodes: []lattice.Node{{ID: "n1"}}}
	doc := eng.Document(result, []string{"x"}, nil)
	require.Contains(t, doc.Usage, "language-agnostic")
}
