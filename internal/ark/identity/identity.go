// Package identity implements C1: per-peer keypair generation, message and
// manifest signing/verification, peer id derivation, and key rotation with a
// trusted-previous grace period.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	arkerrors "github.com/ark-network/ark-core/infrastructure/errors"
	envelope "github.com/ark-network/ark-core/infrastructure/crypto"
	"github.com/ark-network/ark-core/infrastructure/logging"
	"github.com/ark-network/ark-core/internal/crypto"
)

const envelopeInfo = "ark.identity.key.v1"

// DefaultRotationGrace is how long a rotated-out key remains valid for
// verifying in-flight messages signed before rotation (spec §4.1).
const DefaultRotationGrace = 24 * time.Hour

// rotatedKey is a previously-active keypair kept around only for Verify.
type rotatedKey struct {
	publicKey *ecdsa.PublicKey
	expiresAt time.Time
}

// Identity holds a peer's current signing key plus any keys retained for
// the rotation grace period.
type Identity struct {
	mu             sync.RWMutex
	current        *crypto.KeyPair
	peerID         string
	rotationGrace  time.Duration
	trustedPrev    []rotatedKey
	log            *logging.Logger
	inFlightSyncFn func() bool // returns true if a federation sync is in-flight
}

// New creates an Identity from an existing keypair.
func New(kp *crypto.KeyPair, log *logging.Logger) *Identity {
	id := &Identity{
		current:       kp,
		rotationGrace: DefaultRotationGrace,
		log:           log,
	}
	id.peerID = DerivePeerID(kp.PublicKey)
	return id
}

// Generate creates a brand new Identity with a fresh keypair.
func Generate(log *logging.Logger) (*Identity, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, arkerrors.Internal("generate keypair", err)
	}
	return New(kp, log), nil
}

// DerivePeerID computes the stable peer id for a public key: base64url of
// SHA-256(compressed public key bytes). Satisfies invariant I8.
func DerivePeerID(pub *ecdsa.PublicKey) string {
	hash := crypto.Hash256(crypto.PublicKeyToBytes(pub))
	return base64.RawURLEncoding.EncodeToString(hash)
}

// PeerID returns this identity's stable peer id.
func (id *Identity) PeerID() string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.peerID
}

// PublicKey returns the current public key bytes (compressed, 33 bytes).
func (id *Identity) PublicKey() []byte {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return crypto.PublicKeyToBytes(id.current.PublicKey)
}

// Sign deterministically-enough signs bytes with the current private key.
// ("Deterministic signing" per §4.1 means: given the same key, signing the
// same bytes always verifies under the same public key — not bit-identical
// signatures, which plain ECDSA never guarantees.)
func (id *Identity) Sign(data []byte) ([]byte, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	sig, err := crypto.Sign(id.current.PrivateKey, data)
	if err != nil {
		return nil, arkerrors.Internal("sign", err)
	}
	return sig, nil
}

// Verify checks a signature against a raw public key, independent of any
// locally held identity. This is the form used to verify a remote peer's
// signed manifest/message.
func Verify(data, signature, publicKey []byte) error {
	pub, err := crypto.PublicKeyFromBytes(publicKey)
	if err != nil {
		return arkerrors.InvalidSignature("malformed public key")
	}
	if !crypto.Verify(pub, data, signature) {
		return arkerrors.InvalidSignature("signature does not verify")
	}
	return nil
}

// VerifySelf checks a signature against this identity's current key or any
// key still within its rotation grace period.
func (id *Identity) VerifySelf(data, signature []byte) error {
	id.mu.RLock()
	defer id.mu.RUnlock()

	if crypto.Verify(id.current.PublicKey, data, signature) {
		return nil
	}
	now := time.Now()
	for _, rk := range id.trustedPrev {
		if now.After(rk.expiresAt) {
			continue
		}
		if crypto.Verify(rk.publicKey, data, signature) {
			return nil
		}
	}
	return arkerrors.InvalidSignature("no trusted key verifies this signature")
}

// SetInFlightSyncCheck installs a callback the rotation path consults to
// decide whether a rotation would invalidate an unfinished federation sync.
func (id *Identity) SetInFlightSyncCheck(fn func() bool) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.inFlightSyncFn = fn
}

// Rotate generates a new keypair, retaining the previous public key in the
// trusted-previous list for the grace period so in-flight messages signed
// under the old key continue to verify. Fails with KeyRotationConflict if a
// federation sync is in flight (spec §4.1).
func (id *Identity) Rotate() error {
	id.mu.Lock()
	defer id.mu.Unlock()

	if id.inFlightSyncFn != nil && id.inFlightSyncFn() {
		return arkerrors.KeyRotationConflict(id.peerID)
	}

	newKP, err := crypto.GenerateKeyPair()
	if err != nil {
		return arkerrors.Internal("generate keypair for rotation", err)
	}

	id.trustedPrev = append(id.trustedPrev, rotatedKey{
		publicKey: id.current.PublicKey,
		expiresAt: time.Now().Add(id.rotationGrace),
	})
	id.pruneExpiredLocked()

	id.current = newKP
	// peer_id is stable by design: it is derived once from the identity's
	// original public key lineage is not re-derived here. Rotation changes
	// signing material, not peer identity.
	if id.log != nil {
		id.log.WithFields(map[string]interface{}{"peer_id": id.peerID}).Info("identity key rotated")
	}
	return nil
}

func (id *Identity) pruneExpiredLocked() {
	now := time.Now()
	kept := id.trustedPrev[:0]
	for _, rk := range id.trustedPrev {
		if now.Before(rk.expiresAt) {
			kept = append(kept, rk)
		}
	}
	id.trustedPrev = kept
}

// SetRotationGrace overrides the default grace period; used by tests and by
// configuration loading.
func (id *Identity) SetRotationGrace(d time.Duration) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if d > 0 {
		id.rotationGrace = d
	}
}

// Persist writes the private key to path with 0600 permissions, encrypted
// at rest with an envelope key derived from masterKey if masterKey is
// non-nil. If masterKey is nil the raw PKCS-style scalar bytes are written
// (still 0600, relying on filesystem permissions alone, per §4.1's baseline
// requirement).
func Persist(id *Identity, path string, masterKey []byte) error {
	id.mu.RLock()
	defer id.mu.RUnlock()

	raw := id.current.PrivateKey.D.Bytes()
	defer crypto.ZeroBytes(raw)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return arkerrors.Internal("create key directory", err)
	}

	payload := raw
	if masterKey != nil {
		enc, err := envelope.EncryptEnvelope(masterKey, []byte(id.peerID), envelopeInfo, raw)
		if err != nil {
			return arkerrors.Internal("encrypt private key", err)
		}
		payload = enc
	}

	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return arkerrors.Internal("write private key", err)
	}
	return nil
}

// keyFileName returns the canonical path for a peer's key file under a
// store root, per §6.3: store/keys/<peer_id>.key
func keyFileName(storeRoot, peerID string) string {
	return filepath.Join(storeRoot, "keys", fmt.Sprintf("%s.key", peerID))
}

// ErrNoPersistedKey is returned by Load when storeRoot/keys contains no key
// file yet — the caller's cue to Generate a fresh Identity and Persist it.
var ErrNoPersistedKey = fmt.Errorf("no persisted identity key under store root")

// Load reconstructs the Identity previously written by Persist. A node has
// exactly one identity, so the single *.key file under storeRoot/keys names
// its own peer_id; Load does not need the peer_id supplied in advance. Pass
// the same masterKey used at Persist time (nil if the key was written
// unencrypted).
func Load(storeRoot string, masterKey []byte, log *logging.Logger) (*Identity, error) {
	matches, err := filepath.Glob(filepath.Join(storeRoot, "keys", "*.key"))
	if err != nil {
		return nil, arkerrors.Internal("list identity key files", err)
	}
	if len(matches) == 0 {
		return nil, ErrNoPersistedKey
	}
	path := matches[0]
	peerID := strings.TrimSuffix(filepath.Base(path), ".key")

	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, arkerrors.Internal("read private key", err)
	}

	raw := payload
	if masterKey != nil {
		raw, err = envelope.DecryptEnvelope(masterKey, []byte(peerID), envelopeInfo, payload)
		if err != nil {
			return nil, arkerrors.Internal("decrypt private key", err)
		}
	}
	defer crypto.ZeroBytes(raw)

	curve := elliptic.P256()
	d := new(big.Int).SetBytes(raw)
	x, y := curve.ScalarBaseMult(raw)
	kp := &crypto.KeyPair{
		PrivateKey: &ecdsa.PrivateKey{
			PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
			D:         d,
		},
	}
	kp.PublicKey = &kp.PrivateKey.PublicKey

	id := New(kp, log)
	if id.peerID != peerID {
		return nil, arkerrors.Internal("load identity", fmt.Errorf("key file %s does not match its derived peer id %s", path, id.peerID))
	}
	return id, nil
}

// KeyPath returns the canonical on-disk path for this identity's key file.
func (id *Identity) KeyPath(storeRoot string) string {
	return keyFileName(storeRoot, id.PeerID())
}
