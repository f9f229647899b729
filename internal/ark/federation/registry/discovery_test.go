package registry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDiscoverer(t *testing.T) (*MulticastDiscoverer, *Registry) {
	t.Helper()
	r := New(Config{})
	d, err := NewMulticastDiscoverer(DefaultMulticastAddr, Peer{PeerID: "self"}, r, nil)
	require.NoError(t, err)
	return d, r
}

func TestHandleAcceptsFreshAnnouncementWithinSkew(t *testing.T) {
	d, r := newTestDiscoverer(t)
	a := announcement{PeerID: "remote", EndpointURL: "http://remote", ProducedAt: time.Now()}
	raw, err := json.Marshal(a)
	require.NoError(t, err)

	d.handle(raw)
	p, ok := r.Get("remote")
	require.True(t, ok)
	require.Equal(t, "http://remote", p.EndpointURL)
}

func TestHandleRejectsAnnouncementOutsideClockSkew(t *testing.T) {
	d, r := newTestDiscoverer(t)
	a := announcement{PeerID: "remote", EndpointURL: "http://remote", ProducedAt: time.Now().Add(-time.Hour)}
	raw, err := json.Marshal(a)
	require.NoError(t, err)

	d.handle(raw)
	_, ok := r.Get("remote")
	require.False(t, ok)
}

func TestHandleIgnoresSelfAnnouncement(t *testing.T) {
	d, r := newTestDiscoverer(t)
	a := announcement{PeerID: "self", ProducedAt: time.Now()}
	raw, err := json.Marshal(a)
	require.NoError(t, err)

	d.handle(raw)
	require.Empty(t, r.All())
}

func TestNewMulticastDiscovererResolvesAddress(t *testing.T) {
	_, err := NewMulticastDiscoverer("", Peer{PeerID: "self"}, New(Config{}), nil)
	require.NoError(t, err)
}
