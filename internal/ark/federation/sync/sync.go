// Package sync implements C9: the federation sync engine — topology
// modes, two-phase manifest exchange, delta computation, conflict
// resolution, and the §4.9 failure modes.
package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ark-network/ark-core/infrastructure/logging"
	"github.com/ark-network/ark-core/infrastructure/resilience"
	"github.com/ark-network/ark-core/internal/ark/federation/registry"
	"github.com/ark-network/ark-core/internal/ark/identity"
	"github.com/ark-network/ark-core/internal/ark/lattice"
)

// Mode is a peer's federation topology role (spec §4.9).
type Mode string

const (
	ModeP2P   Mode = "p2p"
	ModeHub   Mode = "hub"
	ModeSpoke Mode = "spoke"
)

// DefaultSyncPeriod is how often a P2P or Spoke peer initiates sync.
const DefaultSyncPeriod = 60 * time.Second

// ManifestMismatchThreshold is how many consecutive protocol failures
// against a peer trigger the backoff-to-4x failure mode.
const ManifestMismatchThreshold = 3

// SignedManifest pairs a lattice manifest with a signature over its
// canonical JSON bytes, verified against the sender's public key (I11).
type SignedManifest struct {
	Manifest  lattice.Manifest `json:"manifest"`
	Signature []byte           `json:"signature"`
}

// Transport is how the sync engine talks to a remote peer. httpapi
// implements this over the §6.1 federation HTTP endpoints; tests use an
// in-memory fake.
type Transport interface {
	FetchManifest(ctx context.Context, peer registry.Peer) (*SignedManifest, error)
	FetchNodes(ctx context.Context, peer registry.Peer, ids []string) ([]lattice.Node, error)
	PushNodes(ctx context.Context, peer registry.Peer, nodes []lattice.Node) error
}

// Store is the subset of lattice.Store the sync engine needs. GetRaw
// (unlike Get) returns tombstoned nodes too, which conflict resolution
// needs to compare a delete against an incoming update (spec §4.9:
// "tombstones participate in the same ordering").
type Store interface {
	Manifest() (*lattice.Manifest, error)
	GetRaw(id string) (*lattice.Node, error)
	ApplyRemote(n *lattice.Node) error
}

// Escalator reports failure modes to the error bus (spec §4.9).
type Escalator interface {
	Escalate(correlationID, from, severity, code, message string)
}

// MetricsRecorder mirrors infrastructure/metrics.Metrics' federation
// recorders, kept narrow for the same reason as Escalator.
type MetricsRecorder interface {
	RecordFederationSync(service, peerID, status string, duration time.Duration, conflicts int)
	SetFederationPeersReachable(count int)
}

// Result summarizes one Sync call's outcome (spec §4.9 partial-failure
// semantics: best-effort, incremental, continues past per-node failures).
type Result struct {
	PeerID       string
	NoDelta      bool
	Applied      []string
	Failed       []string
	Pushed       []string
	ConflictsHit int
}

// Engine runs federation sync against known peers.
type Engine struct {
	store     Store
	registry  *registry.Registry
	transport Transport
	escalator Escalator
	metrics   MetricsRecorder
	log       *logging.Logger
	mode      Mode
	syncPeriod time.Duration
	hubPeerID string

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
	failures map[string]int
	backoff  map[string]time.Time

	inFlight int32

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// Config configures an Engine.
type Config struct {
	Store       Store
	Registry    *registry.Registry
	Transport   Transport
	Escalator   Escalator
	Metrics     MetricsRecorder
	Log         *logging.Logger
	Mode        Mode
	SyncPeriod  time.Duration
	HubPeerID string
}

// New creates a sync Engine.
func New(cfg Config) *Engine {
	if cfg.SyncPeriod <= 0 {
		cfg.SyncPeriod = DefaultSyncPeriod
	}
	return &Engine{
		store:       cfg.Store,
		registry:    cfg.Registry,
		transport:   cfg.Transport,
		escalator:   cfg.Escalator,
		metrics:     cfg.Metrics,
		log:         cfg.Log,
		mode:        cfg.Mode,
		syncPeriod:  cfg.SyncPeriod,
		hubPeerID:  cfg.HubPeerID,
		breakers:    make(map[string]*resilience.CircuitBreaker),
		failures:    make(map[string]int),
		backoff:     make(map[string]time.Time),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start launches the periodic sync loop appropriate to the engine's
// topology mode. Hub mode never initiates, so Start is a no-op for it —
// a Hub only responds to inbound syncs driven by httpapi.
func (e *Engine) Start() {
	if e.mode == ModeHub {
		close(e.doneCh)
		return
	}
	go e.loop()
}

// Stop terminates the sync loop.
func (e *Engine) Stop() {
	e.once.Do(func() { close(e.stopCh) })
	<-e.doneCh
}

func (e *Engine) loop() {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.syncPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.runRound()
		}
	}
}

func (e *Engine) runRound() {
	targets := e.targets()
	if e.metrics != nil {
		e.metrics.SetFederationPeersReachable(len(e.registry.Reachable()))
	}
	for _, peer := range targets {
		if d, ok := e.nextAllowed(peer.PeerID); ok && time.Now().Before(d) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, err := e.Sync(ctx, peer)
		cancel()
		if err != nil && e.log != nil {
			e.log.WithFields(map[string]interface{}{"peer_id": peer.PeerID, "error": err.Error()}).Warn("federation sync round failed")
		}
	}
}

// InFlight reports whether a Sync call is currently executing against any
// peer — consulted by identity.Identity.Rotate (via
// SetInFlightSyncCheck) to refuse a key rotation that would invalidate a
// manifest signature mid-exchange (spec §4.1).
func (e *Engine) InFlight() bool {
	return atomic.LoadInt32(&e.inFlight) > 0
}

func (e *Engine) targets() []registry.Peer {
	if e.mode == ModeSpoke {
		p, ok := e.registry.Get(e.hubPeerID)
		if !ok {
			return nil
		}
		return []registry.Peer{p}
	}
	return e.registry.Reachable()
}

func (e *Engine) nextAllowed(peerID string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.backoff[peerID]
	return d, ok
}

func (e *Engine) breakerFor(peerID string) *resilience.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.breakers[peerID]; ok {
		return cb
	}
	cb := resilience.New(resilience.DefaultConfig())
	e.breakers[peerID] = cb
	return cb
}

// Sync runs the two-phase manifest exchange against peer and applies the
// resulting delta (spec §4.9).
func (e *Engine) Sync(ctx context.Context, peer registry.Peer) (*Result, error) {
	atomic.AddInt32(&e.inFlight, 1)
	defer atomic.AddInt32(&e.inFlight, -1)

	start := time.Now()
	result, err := e.sync(ctx, peer)

	applied, failed, conflicts := 0, 0, 0
	if result != nil {
		applied, failed, conflicts = len(result.Applied), len(result.Failed), result.ConflictsHit
	}
	if e.log != nil {
		e.log.LogFederationSync(ctx, peer.PeerID, applied, failed, err)
	}
	if e.metrics != nil {
		status := "success"
		if err != nil {
			status = "failed"
		} else if failed > 0 {
			status = "partial"
		}
		e.metrics.RecordFederationSync("arkd", peer.PeerID, status, time.Since(start), conflicts)
	}
	return result, err
}

func (e *Engine) sync(ctx context.Context, peer registry.Peer) (*Result, error) {
	cb := e.breakerFor(peer.PeerID)

	var remote *SignedManifest
	err := cb.Execute(ctx, func() error {
		var fetchErr error
		remote, fetchErr = e.transport.FetchManifest(ctx, peer)
		return fetchErr
	})
	if err != nil {
		e.registry.MarkUnreachable(peer.PeerID)
		e.recordFailure(peer.PeerID)
		e.escalate(peer.PeerID, "warning", "PeerUnreachable", fmt.Sprintf("peer %s unreachable: %v", peer.PeerID, err))
		return nil, err
	}

	if err := identity.Verify(manifestSigningBytes(&remote.Manifest), remote.Signature, peer.PublicKey); err != nil {
		e.escalate(peer.PeerID, "warning", "InvalidSignature", fmt.Sprintf("dropping manifest from %s: signature invalid", peer.PeerID))
		return nil, err
	}
	e.resetFailures(peer.PeerID)

	local, err := e.store.Manifest()
	if err != nil {
		return nil, err
	}

	result := &Result{PeerID: peer.PeerID}
	if local.ManifestHash == remote.Manifest.ManifestHash {
		result.NoDelta = true
		e.registry.RecordSync(peer.PeerID, 0, 0, 0)
		return result, nil
	}

	toFetch, toPush := delta(local, &remote.Manifest)

	if len(toFetch) > 0 {
		incoming, err := e.transport.FetchNodes(ctx, peer, toFetch)
		if err != nil {
			e.escalate(peer.PeerID, "error", "ManifestMismatch", fmt.Sprintf("fetching nodes from %s failed: %v", peer.PeerID, err))
			return result, err
		}
		for _, n := range incoming {
			conflicted, err := e.applyIncoming(peer, n)
			if err != nil {
				result.Failed = append(result.Failed, n.ID)
				continue
			}
			result.Applied = append(result.Applied, n.ID)
			if conflicted {
				result.ConflictsHit++
			}
		}
	}

	if len(toPush) > 0 {
		outgoing := make([]lattice.Node, 0, len(toPush))
		for _, id := range toPush {
			n, err := e.store.GetRaw(id)
			if err != nil {
				continue
			}
			outgoing = append(outgoing, *n)
		}
		if err := e.transport.PushNodes(ctx, peer, outgoing); err != nil {
			e.escalate(peer.PeerID, "warning", "PushFailed", fmt.Sprintf("pushing nodes to %s failed: %v", peer.PeerID, err))
		} else {
			for _, n := range outgoing {
				result.Pushed = append(result.Pushed, n.ID)
			}
		}
	}

	if len(result.Failed) > 0 {
		e.escalate(peer.PeerID, "error", "PartialSyncFailure", fmt.Sprintf("sync with %s: %d node(s) failed to apply: %v", peer.PeerID, len(result.Failed), result.Failed))
	}

	e.registry.RecordSync(peer.PeerID, uint64(len(result.Pushed)), uint64(len(result.Applied)), uint64(result.ConflictsHit))
	return result, nil
}

// applyIncoming resolves a conflict between the local copy of n (if any)
// and the incoming n, applying the winner. Returns whether a genuine
// conflict (both sides had a value) was resolved.
func (e *Engine) applyIncoming(peer registry.Peer, n lattice.Node) (conflicted bool, err error) {
	local, getErr := e.store.GetRaw(n.ID)
	if getErr != nil {
		// not present locally (or locally tombstoned-and-gone): nothing to
		// compare against, just take the incoming node.
		return false, e.store.ApplyRemote(&n)
	}

	winner := resolve(local, &n)
	if winner == local {
		return true, nil
	}
	return true, e.store.ApplyRemote(winner)
}

// resolve implements the §4.9 conflict resolution rule: later updated_at
// wins; on an exact tie, the node whose origin_peer sorts lexicographically
// larger wins, so both sides converge without coordination. Tombstones
// participate in the same ordering.
func resolve(local, incoming *lattice.Node) *lattice.Node {
	if local.UpdatedAt.Less(incoming.UpdatedAt) {
		return incoming
	}
	if incoming.UpdatedAt.Less(local.UpdatedAt) {
		return local
	}
	if incoming.OriginPeer > local.OriginPeer {
		return incoming
	}
	return local
}

// delta computes, from two manifests, the node ids the initiator should
// fetch (remote has a different or missing-locally hash) and the ids it
// should push (local has a different or missing-remotely hash) — spec
// §4.9 step 2.
func delta(local, remote *lattice.Manifest) (toFetch, toPush []string) {
	localByID := make(map[string]string, len(local.Entries))
	for _, e := range local.Entries {
		localByID[e.NodeID] = e.ContentHash
	}
	remoteByID := make(map[string]string, len(remote.Entries))
	for _, e := range remote.Entries {
		remoteByID[e.NodeID] = e.ContentHash
	}

	for id, hash := range remoteByID {
		if localByID[id] != hash {
			toFetch = append(toFetch, id)
		}
	}
	for id, hash := range localByID {
		if remoteByID[id] != hash {
			toPush = append(toPush, id)
		}
	}
	sort.Strings(toFetch)
	sort.Strings(toPush)
	return toFetch, toPush
}

func (e *Engine) recordFailure(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[peerID]++
	if e.failures[peerID] >= ManifestMismatchThreshold {
		e.backoff[peerID] = time.Now().Add(e.syncPeriod * 4)
		e.escalate(peerID, "error", "ManifestMismatch", fmt.Sprintf("peer %s failed %d consecutive sync attempts, backing off to %s", peerID, e.failures[peerID], e.syncPeriod*4))
	}
}

func (e *Engine) resetFailures(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.failures, peerID)
	delete(e.backoff, peerID)
}

func (e *Engine) escalate(peerID, severity, code, message string) {
	if e.escalator != nil {
		e.escalator.Escalate(peerID, "federation-sync", severity, code, message)
	}
}

// SignManifest produces the SignedManifest for m, for Transport
// implementations to serve from FetchManifest.
func SignManifest(id *identity.Identity, m *lattice.Manifest) (*SignedManifest, error) {
	sig, err := id.Sign(manifestSigningBytes(m))
	if err != nil {
		return nil, err
	}
	return &SignedManifest{Manifest: *m, Signature: sig}, nil
}

// manifestSigningBytes is the canonical byte representation signed/verified
// for a manifest — its own manifest_hash is already a deterministic digest
// of the sorted entries (I10), so signing just that string is sufficient
// and avoids re-serializing the whole entry list.
func manifestSigningBytes(m *lattice.Manifest) []byte {
	return []byte(m.PeerID + "|" + m.ManifestHash)
}
