package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	arkerrors "github.com/ark-network/ark-core/infrastructure/errors"
	"github.com/ark-network/ark-core/internal/ark/lattice"
)

// handleLatticeStats implements GET /lattice/stats.
func (s *Server) handleLatticeStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Store.Stats()
	if err != nil {
		writeError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleLatticeQuery implements POST /lattice/query.
func (s *Server) handleLatticeQuery(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind       string `json:"kind"`
		Category   string `json:"category"`
		Capability string `json:"capability"`
		Text       string `json:"text"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, "", err)
		return
	}

	nodes, err := s.cfg.Store.Query(lattice.Selectors{
		Kind:       lattice.Kind(body.Kind),
		Category:   body.Category,
		Capability: body.Capability,
		Text:       body.Text,
	})
	if err != nil {
		writeError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes})
}

// handleGetNode implements GET /lattice/node/{id}.
func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	node, err := s.cfg.Store.Get(id)
	if err != nil {
		writeError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// handleUpsertNode implements POST /lattice/node (auth-gated per §6.1 — the
// federation signature middleware does not cover this route since it is
// local-operator-facing, not peer-to-peer; deployments front it with their
// own access control as noted in the spec's Non-goals).
func (s *Server) handleUpsertNode(w http.ResponseWriter, r *http.Request) {
	var node lattice.Node
	if err := decodeJSON(r, &node); err != nil {
		writeError(w, "", err)
		return
	}
	if node.ID == "" {
		writeError(w, "", arkerrors.MissingParameter("id"))
		return
	}

	stamped, err := s.cfg.Store.Put(&node)
	if err != nil {
		writeError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, stamped)
}

// handleDeleteNode implements DELETE /lattice/node/{id}.
func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.cfg.Store.Delete(id); err != nil {
		writeError(w, "", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
