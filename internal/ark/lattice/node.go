// Package lattice implements C2: the persistent, embedded capability-node
// graph with query index, manifest emission, and federation delta support.
package lattice

import (
	"crypto/sha256"
	"encoding/json"
	"sort"
	"strings"

	"github.com/ark-network/ark-core/infrastructure/hex"
)

// Kind enumerates the recognized capability-node kinds (spec §3.1).
type Kind string

const (
	KindLanguage  Kind = "language"
	KindFramework Kind = "framework"
	KindPattern   Kind = "pattern"
	KindComponent Kind = "component"
	KindLibrary   Kind = "library"
	KindTemplate  Kind = "template"
	KindCompiler  Kind = "compiler"
	KindRuntime   Kind = "runtime"
)

// Timestamp is the logical clock from spec §3.4: a (wall_millis, peer_id)
// pair, compared lexicographically to give a strict total order even when
// two peers write within the same millisecond.
type Timestamp struct {
	WallMillis int64  `json:"wall_millis"`
	PeerID     string `json:"peer_id"`
}

// Less reports whether t is strictly before other in the total order.
func (t Timestamp) Less(other Timestamp) bool {
	if t.WallMillis != other.WallMillis {
		return t.WallMillis < other.WallMillis
	}
	return t.PeerID < other.PeerID
}

// Equal reports whether t and other are the same logical instant.
func (t Timestamp) Equal(other Timestamp) bool {
	return t.WallMillis == other.WallMillis && t.PeerID == other.PeerID
}

// Node represents a capability node (spec §3.1). Tombstone marks a deletion.
type Node struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	Category      string    `json:"category"`
	Value         string    `json:"value"`
	Capabilities  []string  `json:"capabilities"`
	Dependencies  []string  `json:"dependencies"`
	Examples      []string  `json:"examples,omitempty"`
	Content       string    `json:"content,omitempty"`
	UpdatedAt     Timestamp `json:"updated_at"`
	OriginPeer    string    `json:"origin_peer"`
	ContentHash   string    `json:"content_hash"`
	Tombstone     bool      `json:"tombstone,omitempty"`
}

// contentFields is the normalized, hash-stable projection of a node's
// content — everything except updated_at and origin_peer (I2).
type contentFields struct {
	ID           string   `json:"id"`
	Kind         Kind     `json:"kind"`
	Category     string   `json:"category"`
	Value        string   `json:"value"`
	Capabilities []string `json:"capabilities"`
	Dependencies []string `json:"dependencies"`
	Examples     []string `json:"examples,omitempty"`
	Content      string   `json:"content,omitempty"`
	Tombstone    bool     `json:"tombstone,omitempty"`
}

// ComputeContentHash computes the deterministic content_hash for a node.
// Capability and dependency order is meaningful for dependencies (ordered
// list) but capabilities are sorted before hashing so reordering an
// unordered set does not spuriously change the hash.
func ComputeContentHash(n *Node) string {
	sortedCaps := append([]string(nil), n.Capabilities...)
	sort.Strings(sortedCaps)

	cf := contentFields{
		ID:           n.ID,
		Kind:         n.Kind,
		Category:     n.Category,
		Value:        n.Value,
		Capabilities: sortedCaps,
		Dependencies: n.Dependencies,
		Examples:     n.Examples,
		Content:      n.Content,
		Tombstone:    n.Tombstone,
	}
	// json.Marshal of a struct with fixed field order is deterministic.
	buf, _ := json.Marshal(cf)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// hashBytes is the shared sha256 helper used for both content_hash and
// manifest_hash computation.
func hashBytes(b []byte) [sha256.Size]byte {
	return sha256.Sum256(b)
}

// matchesText reports whether any whitespace-separated token of query is a
// case-insensitive substring of the node's searchable text
// (id|value|capabilities|category joined by spaces), and returns the number
// of matching tokens for relevance scoring.
func matchesText(n *Node, query string) (matched bool, tokenHits int) {
	haystack := strings.ToLower(strings.Join(append([]string{n.ID, n.Value, n.Category}, n.Capabilities...), " "))
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return true, 0
	}
	hits := 0
	for _, tok := range tokens {
		if strings.Contains(haystack, tok) {
			hits++
		}
	}
	return hits > 0, hits
}
