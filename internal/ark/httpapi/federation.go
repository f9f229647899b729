package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	arkerrors "github.com/ark-network/ark-core/infrastructure/errors"
	"github.com/ark-network/ark-core/internal/ark/federation/registry"
	"github.com/ark-network/ark-core/internal/ark/federation/sync"
	"github.com/ark-network/ark-core/internal/ark/lattice"
)

// handleFederationInfo implements GET /federation/info: this peer's own
// record, as another peer would see it in the registry.
func (s *Server) handleFederationInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, registry.Peer{
		PeerID:      s.cfg.Identity.PeerID(),
		Role:        registry.Role(s.cfg.Role),
		EndpointURL: s.cfg.EndpointURL,
		PublicKey:   s.cfg.Identity.PublicKey(),
		LastSeen:    time.Now(),
		Reachable:   true,
	})
}

// handleListPeers implements GET /federation/peers.
func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"peers": s.cfg.Registry.All()})
}

// handleAddPeer implements POST /federation/peers.
func (s *Server) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PeerID      string `json:"peer_id"`
		DisplayName string `json:"display_name"`
		Role        string `json:"role"`
		EndpointURL string `json:"endpoint_url"`
		PublicKey   []byte `json:"public_key"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, "", err)
		return
	}
	if body.PeerID == "" || body.EndpointURL == "" || len(body.PublicKey) == 0 {
		writeError(w, "", arkerrors.MissingParameter("peer_id, endpoint_url, and public_key are required"))
		return
	}

	s.cfg.Registry.Upsert(registry.Peer{
		PeerID:      body.PeerID,
		DisplayName: body.DisplayName,
		Role:        registry.Role(body.Role),
		EndpointURL: body.EndpointURL,
		PublicKey:   body.PublicKey,
		LastSeen:    time.Now(),
	})

	p, _ := s.cfg.Registry.Get(body.PeerID)
	writeJSON(w, http.StatusOK, p)
}

// handleRemovePeer implements DELETE /federation/peers/{peer_id}.
func (s *Server) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	peerID := mux.Vars(r)["peer_id"]
	if !s.cfg.Registry.Delete(peerID) {
		writeError(w, "", arkerrors.NotFound("peer", peerID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTriggerSync implements POST /federation/sync: body {peer_id?}. An
// empty peer_id syncs every reachable peer (mirroring one round of the
// engine's own periodic loop); a named peer_id syncs only that peer.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PeerID string `json:"peer_id"`
	}
	_ = decodeJSON(r, &body) // an empty body is valid: sync every reachable peer

	var targets []registry.Peer
	if body.PeerID != "" {
		p, ok := s.cfg.Registry.Get(body.PeerID)
		if !ok {
			writeError(w, "", arkerrors.NotFound("peer", body.PeerID))
			return
		}
		targets = []registry.Peer{p}
	} else {
		targets = s.cfg.Registry.Reachable()
	}

	results := make([]*sync.Result, 0, len(targets))
	for _, p := range targets {
		result, err := s.cfg.SyncEngine.Sync(r.Context(), p)
		if err != nil {
			writeError(w, "", err)
			return
		}
		results = append(results, result)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// handleReceiveManifest implements POST /federation/manifest: the server
// side of Transport.FetchManifest. The caller identifies itself via the
// signature middleware; this peer responds with its own signed manifest,
// which is the data the caller's sync engine actually wants.
func (s *Server) handleReceiveManifest(w http.ResponseWriter, r *http.Request) {
	m, err := s.cfg.Store.Manifest()
	if err != nil {
		writeError(w, "", err)
		return
	}
	signed, err := sync.SignManifest(s.cfg.Identity, m)
	if err != nil {
		writeError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, signed)
}

// handleNodes implements POST /federation/nodes, serving both halves of
// the delta exchange over one route: a body carrying "ids" is a
// Transport.FetchNodes request (return the matching local nodes); a body
// carrying "nodes" is a Transport.PushNodes delivery (apply them locally).
func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs   []string       `json:"ids,omitempty"`
		Nodes []lattice.Node `json:"nodes,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, "", err)
		return
	}

	if len(body.Nodes) > 0 {
		var failed []string
		for i := range body.Nodes {
			if err := s.cfg.Store.ApplyRemote(&body.Nodes[i]); err != nil {
				failed = append(failed, body.Nodes[i].ID)
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"applied": len(body.Nodes) - len(failed), "failed": failed})
		return
	}

	nodes := make([]lattice.Node, 0, len(body.IDs))
	for _, id := range body.IDs {
		n, err := s.cfg.Store.GetRaw(id)
		if err != nil {
			continue
		}
		nodes = append(nodes, *n)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes})
}
