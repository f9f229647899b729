package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultProducesRunnableConfig(t *testing.T) {
	c := Default()
	require.Equal(t, "p2p", c.Peer.Role)
	require.Equal(t, 60, c.Federation.SyncPeriodSeconds)
	require.Equal(t, ":8080", c.HTTP.ListenAddr)
	require.Equal(t, 3, c.Orchestrator.MaxRetries)
}

func TestDefaultLoggingFormatFollowsMarbleEnv(t *testing.T) {
	t.Setenv("MARBLE_ENV", "production")
	require.Equal(t, "json", Default().Logging.Format)

	t.Setenv("MARBLE_ENV", "development")
	require.Equal(t, "text", Default().Logging.Format)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.toml"), "")
	require.NoError(t, err)
	require.Equal(t, Default().HTTP.ListenAddr, c.HTTP.ListenAddr)
}

func TestLoadParsesTOMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[peer]
role = "hub"

[federation]
sync_period = 30
max_peers = 50

[http]
listen_addr = ":9090"

[orchestrator]
max_retries = 5

[orchestrator.stage_timeouts]
scholar = 15
builder = 45
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	c, err := Load(path, "")
	require.NoError(t, err)
	require.Equal(t, "hub", c.Peer.Role)
	require.Equal(t, 30, c.Federation.SyncPeriodSeconds)
	require.Equal(t, 50, c.Federation.MaxPeers)
	require.Equal(t, ":9090", c.HTTP.ListenAddr)
	require.Equal(t, 5, c.Orchestrator.MaxRetries)

	timeouts := c.StageTimeouts()
	require.Equal(t, 15*time.Second, timeouts["scholar"])
	require.Equal(t, 45*time.Second, timeouts["builder"])

	// fields absent from the file keep their defaults
	require.Equal(t, Default().Bus.HistorySize, c.Bus.HistorySize)
}

func TestLoadAppliesEnvOverridesAfterFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`[peer]
role = "hub"
`), 0o644))

	t.Setenv("ARK_PEER_ROLE", "spoke")
	t.Setenv("ARK_FEDERATION_SYNC_PERIOD", "15")
	t.Setenv("ARK_HTTP_LISTEN_ADDR", "127.0.0.1:1234")

	c, err := Load(path, "")
	require.NoError(t, err)
	require.Equal(t, "spoke", c.Peer.Role, "env var must override file value")
	require.Equal(t, 15, c.Federation.SyncPeriodSeconds)
	require.Equal(t, "127.0.0.1:1234", c.HTTP.ListenAddr)
}

func TestOverrideIntIgnoresUnparsableValue(t *testing.T) {
	t.Setenv("ARK_FEDERATION_MAX_PEERS", "not-a-number")
	c := Default()
	c.applyEnvOverrides()
	require.Equal(t, Default().Federation.MaxPeers, c.Federation.MaxPeers)
}

func TestSyncPeriodAndPeerTTLConversions(t *testing.T) {
	c := Default()
	c.Federation.SyncPeriodSeconds = 90
	c.Federation.PeerTTLSeconds = 120
	require.Equal(t, 90*time.Second, c.SyncPeriod())
	require.Equal(t, 120*time.Second, c.PeerTTL())
}

func TestStageTimeoutsEmptyWhenUnconfigured(t *testing.T) {
	c := Default()
	require.Empty(t, c.StageTimeouts())
}

func TestManagerCurrentReflectsInitialLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`[peer]
role = "hub"
`), 0o644))

	m, err := NewManager(path, "")
	require.NoError(t, err)
	require.Equal(t, "hub", m.Current().Peer.Role)
}

func TestManagerReloadSwapsInNewConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`[peer]
role = "hub"
`), 0o644))

	m, err := NewManager(path, "")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`[peer]
role = "spoke"
`), 0o644))

	reloaded, err := m.Reload()
	require.NoError(t, err)
	require.Equal(t, "spoke", reloaded.Peer.Role)
	require.Equal(t, "spoke", m.Current().Peer.Role)
}

func TestManagerReloadKeepsPreviousConfigOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`[peer]
role = "hub"
`), 0o644))

	m, err := NewManager(path, "")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`not valid toml {{{`), 0o644))

	_, err = m.Reload()
	require.Error(t, err)
	require.Equal(t, "hub", m.Current().Peer.Role)
}
