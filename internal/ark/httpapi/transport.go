package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	arkerrors "github.com/ark-network/ark-core/infrastructure/errors"
	"github.com/ark-network/ark-core/infrastructure/httputil"
	"github.com/ark-network/ark-core/internal/ark/federation/registry"
	"github.com/ark-network/ark-core/internal/ark/federation/sync"
	"github.com/ark-network/ark-core/internal/ark/identity"
	"github.com/ark-network/ark-core/internal/ark/lattice"
)

// DefaultTransportTimeout bounds one outbound federation call.
const DefaultTransportTimeout = 15 * time.Second

// Transport is the sync.Transport implementation that talks to a remote
// peer's §6.1 federation endpoints, signing every outbound request the same
// way requireSignedRequest verifies them.
type Transport struct {
	id     *identity.Identity
	client *http.Client
}

// NewTransport builds a Transport signing outbound calls with id.
func NewTransport(id *identity.Identity, client *http.Client) *Transport {
	return &Transport{id: id, client: httputil.CopyHTTPClientWithTimeout(client, DefaultTransportTimeout, false)}
}

var _ sync.Transport = (*Transport)(nil)

func (t *Transport) do(ctx context.Context, method, baseURL, path string, body []byte, out interface{}) error {
	normalized, _, err := httputil.NormalizeServiceBaseURL(baseURL)
	if err != nil {
		return arkerrors.PeerUnreachable(baseURL, err)
	}
	url := normalized + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return arkerrors.Internal("build federation request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(PeerIDHeader, t.id.PeerID())

	sig, err := t.id.Sign(signingBytes(method, path, body))
	if err != nil {
		return arkerrors.Internal("sign federation request", err)
	}
	req.Header.Set(SignatureHeader, base64.StdEncoding.EncodeToString(sig))

	resp, err := t.client.Do(req)
	if err != nil {
		return arkerrors.PeerUnreachable(baseURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return arkerrors.PeerUnreachable(baseURL, err)
	}

	if resp.StatusCode >= 300 {
		return arkerrors.PeerUnreachable(baseURL, fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return arkerrors.Internal("decode federation response", err)
	}
	return nil
}

// FetchManifest implements sync.Transport.
func (t *Transport) FetchManifest(ctx context.Context, peer registry.Peer) (*sync.SignedManifest, error) {
	var out sync.SignedManifest
	if err := t.do(ctx, http.MethodPost, peer.EndpointURL, "/federation/manifest", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchNodes implements sync.Transport.
func (t *Transport) FetchNodes(ctx context.Context, peer registry.Peer, ids []string) ([]lattice.Node, error) {
	body, err := json.Marshal(map[string]interface{}{"ids": ids})
	if err != nil {
		return nil, arkerrors.Internal("encode node fetch request", err)
	}
	var out struct {
		Nodes []lattice.Node `json:"nodes"`
	}
	if err := t.do(ctx, http.MethodPost, peer.EndpointURL, "/federation/nodes", body, &out); err != nil {
		return nil, err
	}
	return out.Nodes, nil
}

// PushNodes implements sync.Transport.
func (t *Transport) PushNodes(ctx context.Context, peer registry.Peer, nodes []lattice.Node) error {
	body, err := json.Marshal(map[string]interface{}{"nodes": nodes})
	if err != nil {
		return arkerrors.Internal("encode node push request", err)
	}
	return t.do(ctx, http.MethodPost, peer.EndpointURL, "/federation/nodes", body, nil)
}
