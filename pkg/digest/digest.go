// Package digest computes canonical cryptographic digests for ledger events
// and chain links.
//
// All digests are SHA-256 over RFC 8785 (JCS) canonical JSON, rendered as
// "sha256:" followed by 64 lowercase hex characters. Two independent
// implementations replaying the same stream arrive at byte-identical digests.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Prefix identifies the hash algorithm in rendered digests.
const Prefix = "sha256:"

// hexLen is the length of a SHA-256 digest in hex characters.
const hexLen = 64

// ErrMalformed indicates a string that is not a valid rendered digest.
var ErrMalformed = errors.New("digest: malformed digest")

// Digest is a rendered content digest, e.g. "sha256:ab12…".
// The zero value ("") is the genesis chain link of a stream.
type Digest string

// Sum computes the digest of raw bytes without canonicalization.
// Used for file checksums and proof artifact fingerprints.
func Sum(raw []byte) Digest {
	h := sha256.Sum256(raw)
	return Digest(Prefix + hex.EncodeToString(h[:]))
}

// Parse validates s and returns it as a Digest.
func Parse(s string) (Digest, error) {
	d := Digest(s)
	if !d.Valid() {
		return "", fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	return d, nil
}

// Valid reports whether d has the expected algorithm prefix and hex body.
func (d Digest) Valid() bool {
	s := string(d)
	if !strings.HasPrefix(s, Prefix) {
		return false
	}
	body := s[len(Prefix):]
	if len(body) != hexLen {
		return false
	}
	_, err := hex.DecodeString(body)
	return err == nil
}

// IsZero reports whether d is the genesis chain link.
func (d Digest) IsZero() bool {
	return d == ""
}

// Hex returns the hex body of the digest without the algorithm prefix.
func (d Digest) Hex() string {
	return strings.TrimPrefix(string(d), Prefix)
}

// Bytes decodes the digest body into raw hash bytes.
func (d Digest) Bytes() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrMalformed, string(d))
	}
	return hex.DecodeString(d.Hex())
}

func (d Digest) String() string {
	return string(d)
}
