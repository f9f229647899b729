package lattice

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	arkerrors "github.com/ark-network/ark-core/infrastructure/errors"
	"github.com/ark-network/ark-core/infrastructure/hex"
	"github.com/ark-network/ark-core/infrastructure/logging"
)

var (
	bucketNodes = []byte("nodes")
	bucketMeta  = []byte("meta")
)

// Store is the embedded, single-file capability-node graph (spec §4.2).
// bbolt already serializes writers and gives readers a consistent MVCC
// snapshot, which is exactly the concurrency model the store needs, so no
// additional locking is layered on top of it.
type Store struct {
	db     *bolt.DB
	peerID string
	log    *logging.Logger
}

// Open opens or creates the lattice store file at path.
func Open(path, peerID string, log *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, arkerrors.Internal("create store directory", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, arkerrors.StoreUnavailable("lattice store", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketNodes); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, arkerrors.StoreUnavailable("lattice store", err)
	}
	return &Store{db: db, peerID: peerID, log: log}, nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put upserts a node: stamps updated_at/origin_peer, recomputes content_hash,
// checks for dependency cycles (I3), and persists it. Returns the stamped
// node.
func (s *Store) Put(n *Node) (*Node, error) {
	stamped := *n
	stamped.OriginPeer = s.peerID
	stamped.UpdatedAt = Timestamp{WallMillis: time.Now().UnixMilli(), PeerID: s.peerID}
	stamped.ContentHash = ComputeContentHash(&stamped)

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if err := checkNoCycle(b, &stamped); err != nil {
			return err
		}
		buf, err := json.Marshal(&stamped)
		if err != nil {
			return err
		}
		return b.Put([]byte(stamped.ID), buf)
	})
	if err != nil {
		if se, ok := err.(*arkerrors.ServiceError); ok {
			return nil, se
		}
		return nil, arkerrors.StoreUnavailable("lattice store", err)
	}
	if s.log != nil {
		s.log.WithFields(map[string]interface{}{"node_id": stamped.ID, "kind": stamped.Kind}).Debug("lattice node written")
	}
	return &stamped, nil
}

// checkNoCycle walks the dependency graph starting from n (substituting n's
// own proposed dependency list) and fails with InvalidGraph if it revisits a
// node already on the current path.
func checkNoCycle(b *bolt.Bucket, n *Node) error {
	visiting := map[string]bool{n.ID: true}
	var walk func(deps []string) error
	walk = func(deps []string) error {
		for _, depID := range deps {
			if depID == n.ID || visiting[depID] {
				return arkerrors.InvalidGraph(n.ID, fmt.Sprintf("dependency cycle through %q", depID))
			}
			raw := b.Get([]byte(depID))
			if raw == nil {
				continue // dependency not yet present locally; resolved later by generation
			}
			var dep Node
			if err := json.Unmarshal(raw, &dep); err != nil {
				return err
			}
			visiting[depID] = true
			if err := walk(dep.Dependencies); err != nil {
				return err
			}
			delete(visiting, depID)
		}
		return nil
	}
	return walk(n.Dependencies)
}

// Get fetches a node by id.
func (s *Store) Get(id string) (*Node, error) {
	var n Node
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketNodes).Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &n)
	})
	if err != nil {
		return nil, arkerrors.StoreUnavailable("lattice store", err)
	}
	if !found || n.Tombstone {
		return nil, arkerrors.NotFound("node", id)
	}
	return &n, nil
}

// GetRaw returns the stored node for id even if it is tombstoned, for
// callers (federation conflict resolution) that must compare against a
// deleted node's updated_at rather than treat it as absent.
func (s *Store) GetRaw(id string) (*Node, error) {
	var n Node
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketNodes).Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &n)
	})
	if err != nil {
		return nil, arkerrors.StoreUnavailable("lattice store", err)
	}
	if !found {
		return nil, arkerrors.NotFound("node", id)
	}
	return &n, nil
}

// Delete writes a tombstone for id. Returns NotFound if id is unknown.
func (s *Store) Delete(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		raw := b.Get([]byte(id))
		if raw == nil {
			return arkerrors.NotFound("node", id)
		}
		var n Node
		if err := json.Unmarshal(raw, &n); err != nil {
			return err
		}
		if n.Tombstone {
			return arkerrors.NotFound("node", id)
		}
		n.Tombstone = true
		n.OriginPeer = s.peerID
		n.UpdatedAt = Timestamp{WallMillis: time.Now().UnixMilli(), PeerID: s.peerID}
		n.ContentHash = ComputeContentHash(&n)
		buf, err := json.Marshal(&n)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), buf)
	})
	if se, ok := err.(*arkerrors.ServiceError); ok {
		return se
	}
	if err != nil {
		return arkerrors.StoreUnavailable("lattice store", err)
	}
	return nil
}

// Selectors filters a Query call. Zero-value fields are ignored (not
// matched against).
type Selectors struct {
	Kind       Kind
	Category   string
	Capability string
	Text       string
}

// scored pairs a node with its computed relevance score for ordering.
type scored struct {
	node  Node
	score int
}

// Query returns nodes matching the AND of the given selectors, ordered by
// descending relevance score then descending updated_at.
func (s *Store) Query(sel Selectors) ([]Node, error) {
	start := time.Now()
	results, err := s.queryLocked(sel)
	if s.log != nil {
		s.log.LogLatticeQuery(context.Background(), "query", time.Since(start), err)
	}
	return results, err
}

func (s *Store) queryLocked(sel Selectors) ([]Node, error) {
	var results []scored
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, raw []byte) error {
			var n Node
			if err := json.Unmarshal(raw, &n); err != nil {
				return err
			}
			if n.Tombstone {
				return nil
			}
			score, ok := matchSelectors(&n, sel)
			if !ok {
				return nil
			}
			results = append(results, scored{node: n, score: score})
			return nil
		})
	})
	if err != nil {
		return nil, arkerrors.StoreUnavailable("lattice store", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[j].node.UpdatedAt.Less(results[i].node.UpdatedAt)
	})

	out := make([]Node, len(results))
	for i, r := range results {
		out[i] = r.node
	}
	return out, nil
}

func matchSelectors(n *Node, sel Selectors) (score int, ok bool) {
	if sel.Kind != "" && n.Kind != sel.Kind {
		return 0, false
	}
	if sel.Category != "" && n.Category != sel.Category {
		return 0, false
	}
	if sel.Capability != "" {
		hit := false
		for _, c := range n.Capabilities {
			if c == sel.Capability {
				hit = true
				break
			}
		}
		if !hit {
			return 0, false
		}
		score++
	}
	if sel.Text != "" {
		matched, hits := matchesText(n, sel.Text)
		if !matched {
			return 0, false
		}
		score += hits
	}
	return score, true
}

// Stats totals nodes by kind and category.
type Stats struct {
	Total      int
	ByKind     map[Kind]int
	ByCategory map[string]int
}

// Stats returns totals over live (non-tombstoned) nodes.
func (s *Store) Stats() (*Stats, error) {
	st := &Stats{ByKind: map[Kind]int{}, ByCategory: map[string]int{}}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, raw []byte) error {
			var n Node
			if err := json.Unmarshal(raw, &n); err != nil {
				return err
			}
			if n.Tombstone {
				return nil
			}
			st.Total++
			st.ByKind[n.Kind]++
			st.ByCategory[n.Category]++
			return nil
		})
	})
	if err != nil {
		return nil, arkerrors.StoreUnavailable("lattice store", err)
	}
	return st, nil
}

// Since returns all nodes, including tombstones, with updated_at strictly
// after t. Used by federation sync to compute deltas.
func (s *Store) Since(t Timestamp) ([]Node, error) {
	var out []Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, raw []byte) error {
			var n Node
			if err := json.Unmarshal(raw, &n); err != nil {
				return err
			}
			if t.Less(n.UpdatedAt) {
				out = append(out, n)
			}
			return nil
		})
	})
	if err != nil {
		return nil, arkerrors.StoreUnavailable("lattice store", err)
	}
	return out, nil
}

// ManifestEntry is one line of a Manifest (spec §3.6).
type ManifestEntry struct {
	NodeID      string    `json:"node_id"`
	ContentHash string    `json:"content_hash"`
	UpdatedAt   Timestamp `json:"updated_at"`
}

// Manifest is the peer-signed summary of lattice state exchanged during
// federation sync.
type Manifest struct {
	PeerID       string          `json:"peer_id"`
	ProducedAt   time.Time       `json:"produced_at"`
	Entries      []ManifestEntry `json:"entries"`
	ManifestHash string          `json:"manifest_hash"`
}

// Manifest builds the current manifest, including tombstones so peers can
// converge on deletes. Entries are sorted by node_id (I10: identical lattice
// state across two peers must produce identical manifest_hash).
func (s *Store) Manifest() (*Manifest, error) {
	var entries []ManifestEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, raw []byte) error {
			var n Node
			if err := json.Unmarshal(raw, &n); err != nil {
				return err
			}
			entries = append(entries, ManifestEntry{NodeID: n.ID, ContentHash: n.ContentHash, UpdatedAt: n.UpdatedAt})
			return nil
		})
	})
	if err != nil {
		return nil, arkerrors.StoreUnavailable("lattice store", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].NodeID < entries[j].NodeID })

	buf, err := json.Marshal(entries)
	if err != nil {
		return nil, arkerrors.Internal("marshal manifest entries", err)
	}
	sum := hashBytes(buf)
	return &Manifest{
		PeerID:       s.peerID,
		ProducedAt:   time.Now().UTC(),
		Entries:      entries,
		ManifestHash: hex.EncodeToString(sum[:]),
	}, nil
}

// ApplyRemote writes a node received from federation without re-stamping
// origin_peer/updated_at — those fields are the remote peer's own, and are
// what conflict resolution in federation/sync compares. Still runs the I3
// cycle check so a malformed incoming node cannot corrupt the local graph;
// federation/sync is expected to skip and record nodes this rejects rather
// than fail the whole sync (spec §4.9 partial-failure semantics).
func (s *Store) ApplyRemote(n *Node) error {
	buf, err := json.Marshal(n)
	if err != nil {
		return arkerrors.Internal("marshal remote node", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if err := checkNoCycle(b, n); err != nil {
			return err
		}
		return b.Put([]byte(n.ID), buf)
	})
	if err != nil {
		if se, ok := err.(*arkerrors.ServiceError); ok {
			return se
		}
		return arkerrors.StoreUnavailable("lattice store", err)
	}
	return nil
}

// CompactTombstones permanently removes tombstoned nodes last updated before
// olderThan. This is never called automatically (spec §9's resolved open
// question: unbounded retention by default) — it exists solely for an
// operator-triggered maintenance action.
func (s *Store) CompactTombstones(olderThan time.Time) (int, error) {
	cutoff := olderThan.UnixMilli()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		var toDelete [][]byte
		err := b.ForEach(func(k, raw []byte) error {
			var n Node
			if err := json.Unmarshal(raw, &n); err != nil {
				return err
			}
			if n.Tombstone && n.UpdatedAt.WallMillis < cutoff {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, arkerrors.StoreUnavailable("lattice store", err)
	}
	return removed, nil
}
