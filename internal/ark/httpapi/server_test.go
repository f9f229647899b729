package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ark-network/ark-core/internal/ark/bus"
	"github.com/ark-network/ark-core/internal/ark/errorbus"
	"github.com/ark-network/ark-core/internal/ark/federation/registry"
	"github.com/ark-network/ark-core/internal/ark/generation"
	"github.com/ark-network/ark-core/internal/ark/identity"
	"github.com/ark-network/ark-core/internal/ark/lattice"
	"github.com/ark-network/ark-core/internal/ark/orchestrator"
	"github.com/ark-network/ark-core/internal/ark/pipeline"
)

// newTestServer wires a Server the same way cmd/arkd/main.go does, against
// a real bbolt-backed store under t.TempDir(), so these tests exercise the
// real request/lattice/generate pipeline rather than handler-only fakes.
func newTestServer(t *testing.T) (*Server, *identity.Identity, *lattice.Store) {
	t.Helper()

	id, err := identity.Generate(nil)
	require.NoError(t, err)

	store, err := lattice.Open(filepath.Join(t.TempDir(), "lattice.db"), id.PeerID(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	messageBus := bus.New(nil)
	errBus, err := errorbus.New(filepath.Join(t.TempDir(), "errors.log"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { errBus.Close() })

	genEngine := generation.New(store)
	genStage := generation.NewStage(genEngine)

	orch := orchestrator.New(orchestrator.Config{
		Enricher:  pipeline.NewScholar(store),
		Builder:   genStage,
		Arbiter:   pipeline.NewArbiter(nil),
		Mirror:    genStage,
		Reflector: pipeline.NewReflector(),
		Bus:       messageBus,
		Escalator: errBus,
	})

	reg := registry.New(registry.Config{})

	server := New(Config{
		Identity:     id,
		Store:        store,
		Bus:          messageBus,
		ErrorBus:     errBus,
		Orchestrator: orch,
		Generation:   genEngine,
		Registry:     reg,
		Role:         "p2p",
		EndpointURL:  "http://localhost:8080",
		ListenAddr:   ":0",
	})
	return server, id, store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpointReportsOK(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := doJSON(t, server.Router(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestListAgentsReturnsSixFixedRoles(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := doJSON(t, server.Router(), http.MethodGet, "/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Agents []map[string]string `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Agents, 6)
}

func TestUpsertAndGetNode(t *testing.T) {
	server, _, _ := newTestServer(t)

	node := lattice.Node{ID: "n1", Kind: lattice.KindLibrary, Capabilities: []string{"retry"}}
	rec := doJSON(t, server.Router(), http.MethodPost, "/lattice/node", node)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, server.Router(), http.MethodGet, "/lattice/node/n1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got lattice.Node
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "n1", got.ID)
}

func TestUpsertNodeMissingIDRejected(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := doJSON(t, server.Router(), http.MethodPost, "/lattice/node", lattice.Node{Kind: lattice.KindLibrary})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMissingNodeReturns404(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := doJSON(t, server.Router(), http.MethodGet, "/lattice/node/absent", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLatticeQueryByCapability(t *testing.T) {
	server, _, _ := newTestServer(t)
	doJSON(t, server.Router(), http.MethodPost, "/lattice/node", lattice.Node{ID: "n1", Kind: lattice.KindLibrary, Capabilities: []string{"retry"}})
	doJSON(t, server.Router(), http.MethodPost, "/lattice/node", lattice.Node{ID: "n2", Kind: lattice.KindLibrary, Capabilities: []string{"logging"}})

	rec := doJSON(t, server.Router(), http.MethodPost, "/lattice/query", map[string]string{"capability": "retry"})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Nodes []lattice.Node `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Nodes, 1)
	require.Equal(t, "n1", body.Nodes[0].ID)
}

func TestDeleteNodeThenGetReturns404(t *testing.T) {
	server, _, _ := newTestServer(t)
	doJSON(t, server.Router(), http.MethodPost, "/lattice/node", lattice.Node{ID: "n1", Kind: lattice.KindLibrary})

	rec := doJSON(t, server.Router(), http.MethodDelete, "/lattice/node/n1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, server.Router(), http.MethodGet, "/lattice/node/n1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitRequestEndToEndReachesFinalized(t *testing.T) {
	server, _, _ := newTestServer(t)
	doJSON(t, server.Router(), http.MethodPost, "/lattice/node", lattice.Node{ID: "n1", Kind: lattice.KindLibrary, Capabilities: []string{"retry"}})

	rec := doJSON(t, server.Router(), http.MethodPost, "/requests", map[string]interface{}{"requirements": []string{"retry"}})
	require.Equal(t, http.StatusOK, rec.Code)

	var submitted struct {
		CorrelationID string `json:"correlation_id"`
		State         string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	require.NotEmpty(t, submitted.CorrelationID)
	require.Equal(t, "finalized", submitted.State)

	rec = doJSON(t, server.Router(), http.MethodGet, "/requests/"+submitted.CorrelationID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitRequestUnresolvedRequirementFails(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := doJSON(t, server.Router(), http.MethodPost, "/requests", map[string]interface{}{"requirements": []string{"nonexistent"}})
	require.NotEqual(t, http.StatusOK, rec.Code)
}

func TestGetUnknownRequestReturns404(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := doJSON(t, server.Router(), http.MethodGet, "/requests/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGenerateEndpointRequiresRequirements(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := doJSON(t, server.Router(), http.MethodPost, "/generate", map[string]interface{}{"requirements": []string{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateEndpointRequiresAction(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := doJSON(t, server.Router(), http.MethodPost, "/validate", map[string]interface{}{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateEndpointApprovesWithUnknownRuleset(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := doJSON(t, server.Router(), http.MethodPost, "/validate", map[string]interface{}{
		"action":     map[string]interface{}{"id": "c1"},
		"ruleset_id": "does-not-exist",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Approved bool `json:"approved"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Approved)
}

func TestFederationRoutesRejectUnsignedRequests(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := doJSON(t, server.Router(), http.MethodGet, "/federation/info", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestResponsesCarrySecurityHeaders(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := doJSON(t, server.Router(), http.MethodGet, "/health", nil)
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestUnsupportedContentTypeRejected(t *testing.T) {
	server, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/lattice/query", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestDisallowedMethodRejected(t *testing.T) {
	server, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPatch, "/health", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
