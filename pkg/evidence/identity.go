package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// identityInfo domain-separates actor hashing from any other use of the
// deployment salt.
const identityInfo = "chronicle/actor/v1"

// IdentityHasher derives salted one-way actor hashes. The salt is
// per-deployment, not per-record, so repeat identities stay linkable within
// one deployment without ever exposing the raw identity.
type IdentityHasher struct {
	salt []byte
}

// NewIdentityHasher creates a hasher from the deployment salt.
func NewIdentityHasher(salt []byte) (*IdentityHasher, error) {
	if len(salt) < 16 {
		return nil, fmt.Errorf("evidence: deployment salt must be at least 16 bytes, got %d", len(salt))
	}
	out := make([]byte, len(salt))
	copy(out, salt)
	return &IdentityHasher{salt: out}, nil
}

// Hash derives the pseudonymous hash of a raw actor identity via
// HKDF-SHA256. The input is not retained.
func (h *IdentityHasher) Hash(actorIdentityRaw string) string {
	r := hkdf.New(sha256.New, []byte(actorIdentityRaw), h.salt, []byte(identityInfo))
	out := make([]byte, sha256.Size)
	// HKDF with SHA-256 cannot fail for a single block.
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Sprintf("evidence: hkdf read failed: %v", err))
	}
	return hex.EncodeToString(out)
}
