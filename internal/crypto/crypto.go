// Package crypto provides the cryptographic primitives shared by the
// identity, lattice, and federation layers: key derivation, symmetric
// encryption, and ECDSA signing.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// =============================================================================
// Key Derivation
// =============================================================================

// DeriveKey derives a key using HKDF-SHA256. Derivation depends only on the
// supplied master key, salt and info string, so it is stable across process
// restarts as long as the master key is unchanged.
func DeriveKey(masterKey []byte, salt []byte, info string, keyLen int) ([]byte, error) {
	hkdfReader := hkdf.New(sha256.New, masterKey, salt, []byte(info))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// GenerateRandomBytes generates cryptographically secure random bytes.
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// HMACSign generates an HMAC-SHA256 signature.
func HMACSign(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// HMACVerify verifies an HMAC-SHA256 signature.
func HMACVerify(key, data, signature []byte) bool {
	expectedSig := HMACSign(key, data)
	return hmac.Equal(signature, expectedSig)
}

// =============================================================================
// AES-GCM Encryption
// =============================================================================

// Encrypt encrypts data using AES-256-GCM, prepending the nonce to the
// returned ciphertext.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

// Decrypt decrypts data using AES-256-GCM.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, err
	}

	return plaintext, nil
}

// =============================================================================
// ECDSA Signing (P-256)
// =============================================================================

// KeyPair represents an ECDSA key pair.
type KeyPair struct {
	PrivateKey *ecdsa.PrivateKey
	PublicKey  *ecdsa.PublicKey
}

// GenerateKeyPair generates a new ECDSA key pair on the P-256 curve.
func GenerateKeyPair() (*KeyPair, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
	}, nil
}

// Sign signs data using ECDSA over SHA-256, returning a fixed 64-byte (r||s)
// signature. Note: ECDSA signing itself draws randomness per RFC 6979-style
// nonce generation via crypto/rand, so repeated calls are not bit-identical;
// callers requiring deterministic signatures should hash-compare payloads
// rather than signature bytes.
func Sign(privateKey *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	hash := sha256.Sum256(data)
	r, s, err := ecdsa.Sign(rand.Reader, privateKey, hash[:])
	if err != nil {
		return nil, err
	}

	signature := make([]byte, 64)
	rBytes := r.Bytes()
	sBytes := s.Bytes()
	copy(signature[32-len(rBytes):32], rBytes)
	copy(signature[64-len(sBytes):64], sBytes)

	return signature, nil
}

// Verify verifies a 64-byte (r||s) ECDSA signature.
func Verify(publicKey *ecdsa.PublicKey, data, signature []byte) bool {
	if len(signature) != 64 {
		return false
	}

	hash := sha256.Sum256(data)
	r := new(big.Int).SetBytes(signature[:32])
	s := new(big.Int).SetBytes(signature[32:])

	return ecdsa.Verify(publicKey, hash[:], r, s)
}

// PublicKeyToBytes converts a public key to compressed format (33 bytes).
func PublicKeyToBytes(pub *ecdsa.PublicKey) []byte {
	x := pub.X.Bytes()
	xPadded := make([]byte, 32)
	copy(xPadded[32-len(x):], x)

	prefix := byte(0x02)
	if pub.Y.Bit(0) == 1 {
		prefix = 0x03
	}

	result := make([]byte, 33)
	result[0] = prefix
	copy(result[1:], xPadded)
	return result
}

// PublicKeyFromBytes parses a compressed or uncompressed public key.
func PublicKeyFromBytes(data []byte) (*ecdsa.PublicKey, error) {
	curve := elliptic.P256()

	switch len(data) {
	case 33:
		x := new(big.Int).SetBytes(data[1:])
		y := decompressPoint(curve, x, data[0] == 0x03)
		if y == nil {
			return nil, fmt.Errorf("invalid compressed public key")
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil

	case 65:
		if data[0] != 0x04 {
			return nil, fmt.Errorf("invalid uncompressed public key prefix")
		}
		x := new(big.Int).SetBytes(data[1:33])
		y := new(big.Int).SetBytes(data[33:65])
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil

	default:
		return nil, fmt.Errorf("invalid public key length: %d", len(data))
	}
}

// decompressPoint decompresses an elliptic curve point using the curve
// equation y^2 = x^3 - 3x + b (mod p), picking the root matching yOdd.
func decompressPoint(curve elliptic.Curve, x *big.Int, yOdd bool) *big.Int {
	params := curve.Params()
	x3 := new(big.Int).Mul(x, x)
	x3.Mul(x3, x)

	threeX := new(big.Int).Mul(x, big.NewInt(3))
	x3.Sub(x3, threeX)
	x3.Add(x3, params.B)
	x3.Mod(x3, params.P)

	y := new(big.Int).ModSqrt(x3, params.P)
	if y == nil {
		return nil
	}

	if y.Bit(0) != 0 != yOdd {
		y.Sub(params.P, y)
	}

	return y
}

// =============================================================================
// Utility Functions
// =============================================================================

// Hash256 computes the SHA-256 hash of data.
func Hash256(data []byte) []byte {
	hash := sha256.Sum256(data)
	return hash[:]
}

// ZeroBytes securely zeros a byte slice, e.g. after a private key is no
// longer needed in memory.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
