package httpapi

import (
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	arkerrors "github.com/ark-network/ark-core/infrastructure/errors"
	"github.com/ark-network/ark-core/internal/ark/generation"
	"github.com/ark-network/ark-core/internal/ark/orchestrator"
)

// requestStore records completed pipeline requests by correlation id.
// orchestrator.Submit runs the pipeline synchronously end to end, so the
// handler that calls it already holds the final Request by the time it
// returns — no separate locking is needed per-Request, only around the map.
type requestStore struct {
	mu      sync.RWMutex
	records map[string]*orchestrator.Request
}

func newRequestStore() *requestStore {
	return &requestStore{records: make(map[string]*orchestrator.Request)}
}

func (s *requestStore) put(req *orchestrator.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[req.CorrelationID] = req
}

func (s *requestStore) get(cid string) (*orchestrator.Request, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[cid]
	return r, ok
}

// handleSubmitRequest implements POST /requests. It blocks for the
// pipeline's duration (matching orchestrator.Submit's own synchronous
// contract) and returns the finished request's correlation id and state;
// a pipeline error is still recorded (state Failed) rather than discarded,
// so GET /requests/{cid} can report it afterward.
func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Requirements []string          `json:"requirements"`
		Options      map[string]string `json:"options"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, "", err)
		return
	}

	input := &generation.BuildInput{Requirements: body.Requirements, Options: body.Options}

	req, err := s.cfg.Orchestrator.Submit(r.Context(), input)
	if req != nil {
		s.requests.put(req)
	}
	if err != nil {
		cid := ""
		if req != nil {
			cid = req.CorrelationID
		}
		writeError(w, cid, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"correlation_id": req.CorrelationID,
		"state":          req.State,
	})
}

// handleGetRequest implements GET /requests/{cid}.
func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	cid := mux.Vars(r)["cid"]
	req, ok := s.requests.get(cid)
	if !ok {
		writeError(w, cid, arkerrors.NotFound("request", cid))
		return
	}

	history := s.cfg.Bus.History(cid)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"correlation_id": req.CorrelationID,
		"state":          req.State,
		"attempts":       req.Attempts,
		"candidate":      req.Candidate,
		"validation":     req.Validation,
		"reflection":     req.Reflection,
		"fail_reason":    req.FailReason,
		"created_at":     req.CreatedAt,
		"updated_at":     req.UpdatedAt,
		"history":        history,
	})
}

// handleListAgents implements GET /agents: the fixed six-role pipeline,
// reported as always present (this core runs one pipeline instance, not a
// dynamic agent pool).
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	roles := []string{"scanner", "scholar", "builder", "arbiter", "mirror", "reflector"}
	agents := make([]map[string]string, 0, len(roles))
	for _, role := range roles {
		agents = append(agents, map[string]string{"role": role, "status": "active"})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}
