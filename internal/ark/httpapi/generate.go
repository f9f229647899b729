package httpapi

import (
	"net/http"

	arkerrors "github.com/ark-network/ark-core/infrastructure/errors"
	"github.com/ark-network/ark-core/internal/ark/scoring"
)

// handleGenerate implements POST /generate.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Requirements []string          `json:"requirements"`
		Options      map[string]string `json:"options"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, "", err)
		return
	}
	if len(body.Requirements) == 0 {
		writeError(w, "", arkerrors.MissingParameter("requirements"))
		return
	}

	result, err := s.cfg.Generation.Generate(body.Requirements, body.Options)
	if err != nil {
		writeError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleValidate implements POST /validate. ruleset_id looks up the
// configured rule set from config's validator.rulesets table (spec §6.4);
// an unknown or absent ruleset_id validates against an empty rule set,
// which always approves.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action    interface{} `json:"action"`
		RulesetID string      `json:"ruleset_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, "", err)
		return
	}
	if body.Action == nil {
		writeError(w, "", arkerrors.MissingParameter("action"))
		return
	}

	var rules []scoring.Rule
	if body.RulesetID != "" {
		rules = s.cfg.Rulesets[body.RulesetID]
	}

	result, err := scoring.Validate(rules, body.Action)
	if err != nil {
		writeError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
