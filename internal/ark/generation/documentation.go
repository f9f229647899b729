package generation

import (
	"fmt"
	"strings"
)

// Documentation is a structured outline (spec §4.7): documentation
// generation is treated as specialized generation producing this shape,
// never free-form prose.
type Documentation struct {
	Title        string   `json:"title"`
	Overview     string   `json:"overview"`
	Inputs       []string `json:"inputs"`
	Outputs      []string `json:"outputs"`
	Dependencies []string `json:"dependencies"`
	Usage        string   `json:"usage"`
	Notes        []string `json:"notes"`
}

// Document builds a Documentation outline from a generation Result and the
// requirements/options that produced it.
func (e *Engine) Document(result *Result, requirements []string, options map[string]string) *Documentation {
	doc := &Documentation{
		Title:  fmt.Sprintf("Generated artifact (%d node(s))", len(result.ChosenNodes)),
		Inputs: requirements,
	}

	var overview strings.Builder
	overview.WriteString("Assembled from lattice nodes: ")
	ids := make([]string, 0, len(result.ChosenNodes))
	for _, n := range result.ChosenNodes {
		ids = append(ids, n.ID)
	}
	overview.WriteString(strings.Join(ids, ", "))
	doc.Overview = overview.String()

	if result.TemplateID != "" {
		doc.Outputs = append(doc.Outputs, fmt.Sprintf("artifact rendered from template %q", result.TemplateID))
	} else {
		doc.Outputs = append(doc.Outputs, "artifact concatenated from chosen nodes' examples")
	}

	depSet := make(map[string]bool)
	for _, n := range result.ChosenNodes {
		for _, d := range n.Dependencies {
			depSet[d] = true
		}
	}
	for d := range depSet {
		doc.Dependencies = append(doc.Dependencies, d)
	}

	if lang, ok := options["language"]; ok {
		doc.Usage = fmt.Sprintf("Target language: %s.", lang)
	}
	if fw, ok := options["framework"]; ok {
		if doc.Usage != "" {
			doc.Usage += " "
		}
		doc.Usage += fmt.Sprintf("Framework: %s.", fw)
	}
	if doc.Usage == "" {
		doc.Usage = "No language or framework options were supplied; artifact is language-agnostic."
	}

	doc.Notes = result.Reasoning

	return doc
}
