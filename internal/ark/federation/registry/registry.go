// Package registry implements C8: the federation peer table, static and
// gossip-based peer discovery, and a local-network multicast responder.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/ark-network/ark-core/infrastructure/logging"
)

// Role is a peer's place in the federation topology (spec §3.5).
type Role string

const (
	RoleLocal Role = "local"
	RoleCloud Role = "cloud"
	RoleEdge  Role = "edge"
)

// DefaultPeerTTL is the staleness threshold after which a peer is
// considered unreachable but not yet evicted (I9).
const DefaultPeerTTL = 5 * time.Minute

// DefaultPeerGC is the second TTL after which an unreachable peer is
// finally evicted from the table (I9).
const DefaultPeerGC = 30 * time.Minute

// DefaultMaxPeers bounds the registry's size; gossip merges beyond this
// evict the least-recently-seen peer.
const DefaultMaxPeers = 256

// Stats tracks per-peer sync activity (spec §3.5).
type Stats struct {
	BytesSent       uint64 `json:"bytes_sent"`
	BytesReceived   uint64 `json:"bytes_received"`
	Syncs           uint64 `json:"syncs"`
	ConflictsResolved uint64 `json:"conflicts_resolved"`
}

// Peer is a Peer Record (spec §3.5).
type Peer struct {
	PeerID       string    `json:"peer_id"`
	DisplayName  string    `json:"display_name"`
	Role         Role      `json:"role"`
	EndpointURL  string    `json:"endpoint_url"`
	PublicKey    []byte    `json:"public_key"`
	LastSeen     time.Time `json:"last_seen"`
	Reachable    bool      `json:"reachable"`
	ManifestHash string    `json:"manifest_hash"`
	Stats        Stats     `json:"stats"`
}

// Registry is the peer table, safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	peers    map[string]*Peer
	maxPeers int
	peerTTL  time.Duration
	peerGC   time.Duration
	log      *logging.Logger
}

// Config configures a Registry's TTL/capacity behavior.
type Config struct {
	MaxPeers int
	PeerTTL  time.Duration
	PeerGC   time.Duration
	Log      *logging.Logger
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = DefaultMaxPeers
	}
	if cfg.PeerTTL <= 0 {
		cfg.PeerTTL = DefaultPeerTTL
	}
	if cfg.PeerGC <= 0 {
		cfg.PeerGC = DefaultPeerGC
	}
	return &Registry{
		peers:    make(map[string]*Peer),
		maxPeers: cfg.MaxPeers,
		peerTTL:  cfg.PeerTTL,
		peerGC:   cfg.PeerGC,
		log:      cfg.Log,
	}
}

// Upsert adds or merges a peer record. An incoming record whose LastSeen is
// not newer than the existing one is ignored. A newer record replaces the
// existing one (the common gossip "same peer, fresher observation" case),
// except that an empty ManifestHash or zero Stats in it keeps the existing
// record's values.
func (r *Registry) Upsert(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.peers[p.PeerID]
	if ok && !p.LastSeen.After(existing.LastSeen) {
		return
	}
	if ok {
		if p.ManifestHash == "" {
			p.ManifestHash = existing.ManifestHash
		}
		if p.Stats == (Stats{}) {
			p.Stats = existing.Stats
		}
	}
	stamped := p
	stamped.Reachable = true
	r.peers[p.PeerID] = &stamped

	if len(r.peers) > r.maxPeers {
		r.evictLeastRecentLocked()
	}
}

func (r *Registry) evictLeastRecentLocked() {
	var oldestID string
	var oldestTime time.Time
	first := true
	for id, p := range r.peers {
		if first || p.LastSeen.Before(oldestTime) {
			oldestID = id
			oldestTime = p.LastSeen
			first = false
		}
	}
	if oldestID != "" {
		delete(r.peers, oldestID)
		if r.log != nil {
			r.log.WithFields(map[string]interface{}{"peer_id": oldestID}).Warn("evicted least-recently-seen peer over capacity")
		}
	}
}

// Get returns a copy of the peer record for id, or false if unknown.
func (r *Registry) Get(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// All returns a snapshot of every known peer, ordered by peer_id.
func (r *Registry) All() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Reachable returns every peer currently considered reachable (I9).
func (r *Registry) Reachable() []Peer {
	all := r.All()
	out := all[:0]
	for _, p := range all {
		if p.Reachable {
			out = append(out, p)
		}
	}
	return out
}

// MarkUnreachable flags a peer as unreachable without evicting it — used
// by the sync engine on a PeerUnreachable failure.
func (r *Registry) MarkUnreachable(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.Reachable = false
	}
}

// RecordSync updates a peer's stats after a sync attempt.
func (r *Registry) RecordSync(id string, bytesSent, bytesReceived uint64, conflicts uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.Stats.Syncs++
		p.Stats.BytesSent += bytesSent
		p.Stats.BytesReceived += bytesReceived
		p.Stats.ConflictsResolved += conflicts
		p.LastSeen = time.Now()
		p.Reachable = true
	}
}

// Delete removes a peer from the table outright (an operator-driven
// removal, distinct from the TTL-based eviction in Sweep). Returns false
// if id was not known.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; !ok {
		return false
	}
	delete(r.peers, id)
	return true
}

// Sweep applies the two-stage TTL from I9: peers whose last_seen is older
// than peerTTL are marked unreachable; peers older than peerTTL+peerGC are
// evicted entirely. Call periodically from a maintenance loop.
func (r *Registry) Sweep(now time.Time) (markedUnreachable, evicted []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, p := range r.peers {
		age := now.Sub(p.LastSeen)
		if age > r.peerTTL+r.peerGC {
			delete(r.peers, id)
			evicted = append(evicted, id)
			continue
		}
		if age > r.peerTTL && p.Reachable {
			p.Reachable = false
			markedUnreachable = append(markedUnreachable, id)
		}
	}
	return markedUnreachable, evicted
}

// MergeGossip merges a remote peer list into this registry, the gossip
// discovery source from spec §4.8: union of known peers, capped at
// maxPeers with least-recent eviction.
func (r *Registry) MergeGossip(remote []Peer) {
	for _, p := range remote {
		r.Upsert(p)
	}
}

// LoadStatic seeds the registry from configuration-provided peer URLs
// (the "static" discovery source); callers dial each endpoint separately
// to learn the peer's actual id/public_key and then Upsert it.
func LoadStatic(endpoints []string) []Peer {
	out := make([]Peer, 0, len(endpoints))
	for _, ep := range endpoints {
		out = append(out, Peer{EndpointURL: ep, Role: RoleCloud})
	}
	return out
}
