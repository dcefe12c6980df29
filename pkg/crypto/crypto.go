// Package crypto implements the per-tenant encryption-at-rest layer: HKDF-
// derived per-column-family keys and ChaCha20-Poly1305 AEAD. Key identity
// determines reachable data, so encryption lives in the core rather than at
// an outer boundary.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/cuemby/rem/pkg/remerr"
)

// KeyVersion identifies which derivation generation a ciphertext used.
// A 1-byte prefix on every ciphertext lets old versions keep decrypting
// while new writes use the current version.
type KeyVersion byte

// KeyRing holds a tenant's root key material across key-rotation
// generations. Index 0 is always the oldest version still accepted for
// decryption; the last entry is the current version used for new writes.
type KeyRing struct {
	tenantID string
	roots    map[KeyVersion][]byte
	current  KeyVersion
}

// NewKeyRing builds a KeyRing seeded with a single root key generation.
// rootKey must be 32 bytes, as required by spec.md §4.2.
func NewKeyRing(tenantID string, rootKey []byte) (*KeyRing, error) {
	if len(rootKey) != 32 {
		return nil, fmt.Errorf("crypto: root key must be 32 bytes, got %d", len(rootKey))
	}
	return &KeyRing{
		tenantID: tenantID,
		roots:    map[KeyVersion][]byte{0: append([]byte(nil), rootKey...)},
		current:  0,
	}, nil
}

// Rotate introduces a new root key generation and makes it current. Values
// encrypted under earlier versions remain decryptable.
func (kr *KeyRing) Rotate(rootKey []byte) (KeyVersion, error) {
	if len(rootKey) != 32 {
		return 0, fmt.Errorf("crypto: root key must be 32 bytes, got %d", len(rootKey))
	}
	next := kr.current + 1
	kr.roots[next] = append([]byte(nil), rootKey...)
	kr.current = next
	return next, nil
}

// Zero overwrites every held root key with zero bytes. Call on drop; key
// material must never be logged or retained past the KeyRing's lifetime.
func (kr *KeyRing) Zero() {
	for v, k := range kr.roots {
		for i := range k {
			k[i] = 0
		}
		delete(kr.roots, v)
	}
}

// deriveCFKey derives a per-column-family data key from the tenant's root
// key at the given version via HKDF-SHA-256, salt = tenant id, info = cf.
func (kr *KeyRing) deriveCFKey(version KeyVersion, cf string) ([]byte, error) {
	root, ok := kr.roots[version]
	if !ok {
		return nil, fmt.Errorf("crypto: unknown key version %d: %w", version, remerr.ErrKeyMismatch)
	}
	r := hkdf.New(sha256.New, root, []byte(kr.tenantID), []byte(cf))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: derive cf key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext for the given column family using the current
// key version. The returned ciphertext is: 1-byte key version, 12-byte
// random nonce, AEAD sealed bytes. Associated data binds tenant id, column
// family, and key version so a value cannot be decrypted under the wrong
// identity.
func (kr *KeyRing) Seal(cf string, plaintext []byte) ([]byte, error) {
	key, err := kr.deriveCFKey(kr.current, cf)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new aead: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}

	aad := kr.associatedData(cf, kr.current)
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, byte(kr.current))
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, aad)
	return out, nil
}

// Open decrypts a value produced by Seal. Decrypting a value sealed under
// a different tenant's key, or whose AAD otherwise doesn't match, fails
// with ErrKeyMismatch (the AEAD tag check itself enforces this).
func (kr *KeyRing) Open(cf string, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 1+chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("crypto: ciphertext too short: %w", remerr.ErrCorruption)
	}
	version := KeyVersion(ciphertext[0])
	nonce := ciphertext[1 : 1+chacha20poly1305.NonceSize]
	sealed := ciphertext[1+chacha20poly1305.NonceSize:]

	key, err := kr.deriveCFKey(version, cf)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new aead: %w", err)
	}

	aad := kr.associatedData(cf, version)
	plaintext, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", remerr.ErrKeyMismatch)
	}
	return plaintext, nil
}

func (kr *KeyRing) associatedData(cf string, version KeyVersion) []byte {
	aad := make([]byte, 0, len(kr.tenantID)+1+len(cf)+1+1)
	aad = append(aad, kr.tenantID...)
	aad = append(aad, 0)
	aad = append(aad, cf...)
	aad = append(aad, 0)
	aad = append(aad, byte(version))
	return aad
}
