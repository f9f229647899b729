// Package generation implements C7: the Generation and Reflection engines,
// plus the specialized Documentation generator.
package generation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	arkerrors "github.com/ark-network/ark-core/infrastructure/errors"
	"github.com/ark-network/ark-core/internal/ark/lattice"
	"github.com/ark-network/ark-core/internal/ark/scoring"
)

// Result is a GenerationResult (spec §4.7).
type Result struct {
	ArtifactText string         `json:"artifact_text"`
	ChosenNodes  []lattice.Node `json:"chosen_nodes"`
	TemplateID   string         `json:"template_id,omitempty"`
	Reasoning    []string       `json:"reasoning"`
}

// Store is the subset of the lattice store the generation engine needs.
type Store interface {
	Query(sel lattice.Selectors) ([]lattice.Node, error)
	Get(id string) (*lattice.Node, error)
}

// Engine runs the generation algorithm against a lattice store.
type Engine struct {
	store Store
}

// New creates a generation Engine backed by store.
func New(store Store) *Engine {
	return &Engine{store: store}
}

var mustacheVar = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)

// Generate runs the five-step generation algorithm (spec §4.7) over
// requirements, a list of capability tags, using options (e.g. "language",
// "framework", "target_kind") to steer the Scorer's language-fit factor
// and to fill template placeholders.
func (e *Engine) Generate(requirements []string, options map[string]string) (*Result, error) {
	chosenByReq := make(map[string]lattice.Node, len(requirements))
	var reasoning []string
	nodesByID := make(map[string]lattice.Node)

	for _, req := range requirements {
		candidates, err := e.store.Query(lattice.Selectors{Capability: req})
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, arkerrors.UnresolvedDependency(req, "no lattice node satisfies this requirement")
		}

		chosen, score, err := scoreCandidates(candidates, options)
		if err != nil {
			return nil, err
		}
		chosenByReq[req] = chosen
		nodesByID[chosen.ID] = chosen
		reasoning = append(reasoning, fmt.Sprintf("requirement %q satisfied by node %q (score=%.3f)", req, chosen.ID, score))

		if err := e.resolveDependenciesTransitively(chosen, nodesByID); err != nil {
			return nil, err
		}
	}

	chosenNodes := make([]lattice.Node, 0, len(nodesByID))
	for _, n := range nodesByID {
		chosenNodes = append(chosenNodes, n)
	}
	sort.Slice(chosenNodes, func(i, j int) bool { return chosenNodes[i].ID < chosenNodes[j].ID })

	artifact, templateID := renderArtifact(chosenNodes, options)

	return &Result{
		ArtifactText: artifact,
		ChosenNodes:  chosenNodes,
		TemplateID:   templateID,
		Reasoning:    reasoning,
	}, nil
}

// resolveDependenciesTransitively walks node's dependency graph, failing
// with UnresolvedDependency if any referenced id is missing from the
// store (spec §4.7 step 2).
func (e *Engine) resolveDependenciesTransitively(node lattice.Node, seen map[string]lattice.Node) error {
	for _, depID := range node.Dependencies {
		if _, ok := seen[depID]; ok {
			continue
		}
		dep, err := e.store.Get(depID)
		if err != nil {
			return arkerrors.UnresolvedDependency(node.ID, depID)
		}
		seen[depID] = *dep
		if err := e.resolveDependenciesTransitively(*dep, seen); err != nil {
			return err
		}
	}
	return nil
}

// scoreCandidates picks the best-scoring candidate for a requirement using
// the factor weights from spec §9's generation algorithm (relevance 0.4,
// language-fit 0.3, recency 0.2, popularity 0.1). candidates is assumed
// already ordered by the store's own relevance ranking (best first), which
// seeds the relevance factor.
func scoreCandidates(candidates []lattice.Node, options map[string]string) (lattice.Node, float64, error) {
	var oldest, newest int64
	for i, n := range candidates {
		if i == 0 || n.UpdatedAt.WallMillis < oldest {
			oldest = n.UpdatedAt.WallMillis
		}
		if i == 0 || n.UpdatedAt.WallMillis > newest {
			newest = n.UpdatedAt.WallMillis
		}
	}
	span := newest - oldest

	var best lattice.Node
	bestScore := -1.0
	for i, n := range candidates {
		relevance := 1.0
		if len(candidates) > 1 {
			relevance = 1.0 - float64(i)/float64(len(candidates)-1)
		}
		languageFit := languageFitScore(n, options)
		recency := 1.0
		if span > 0 {
			recency = float64(n.UpdatedAt.WallMillis-oldest) / float64(span)
		}
		popularity := popularityHeuristic(n)

		bd, err := scoring.Score(map[string]float64{
			"relevance":    relevance,
			"language_fit": languageFit,
			"recency":      recency,
			"popularity":   popularity,
		}, scoring.DefaultFactorWeights)
		if err != nil {
			return lattice.Node{}, 0, err
		}
		if bd.Weighted > bestScore {
			bestScore = bd.Weighted
			best = n
		}
	}
	return best, bestScore, nil
}

func languageFitScore(n lattice.Node, options map[string]string) float64 {
	lang := strings.ToLower(options["language"])
	if lang == "" {
		return 0.5
	}
	haystack := strings.ToLower(n.Category + " " + strings.Join(n.Capabilities, " ") + " " + n.Value)
	if strings.Contains(haystack, lang) {
		return 1.0
	}
	return 0.2
}

// popularityHeuristic stands in for a usage-count signal the lattice does
// not track: nodes with more capability tags are assumed more broadly
// applicable, hence more "popular".
func popularityHeuristic(n lattice.Node) float64 {
	v := float64(len(n.Capabilities)) / 5.0
	if v > 1 {
		return 1
	}
	return v
}

// renderArtifact fills a template node's content via mustache-style
// substitution if one is among chosenNodes, otherwise concatenates each
// chosen node's examples under a heading comment (spec §4.7 step 4).
func renderArtifact(chosenNodes []lattice.Node, options map[string]string) (text string, templateID string) {
	substitutions := make(map[string]string, len(chosenNodes)+len(options))
	for _, n := range chosenNodes {
		substitutions[n.ID] = n.Value
	}
	for k, v := range options {
		substitutions[k] = v
	}

	for _, n := range chosenNodes {
		if n.Kind == lattice.KindTemplate && n.Content != "" {
			return fillTemplate(n.Content, substitutions), n.ID
		}
	}

	var b strings.Builder
	for _, n := range chosenNodes {
		for _, ex := range n.Examples {
			b.WriteString(fmt.Sprintf("// %s\n%s\n\n", n.ID, ex))
		}
	}
	return b.String(), ""
}

func fillTemplate(content string, substitutions map[string]string) string {
	return mustacheVar.ReplaceAllStringFunc(content, func(match string) string {
		key := mustacheVar.FindStringSubmatch(match)[1]
		if v, ok := substitutions[key]; ok {
			return v
		}
		return match
	})
}
