// Package evidence attaches attribution metadata and anchoring proofs to
// ledger events.
//
// An evidence bundle binds an event digest to a pseudonymous actor hash, a
// device fingerprint, and the authentication assurance in effect at
// submission time. The anchor proof field is populated asynchronously, once,
// possibly hours after the bundle is created; it is never replaced.
package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/trialmesh/chronicle/pkg/digest"
	"github.com/trialmesh/chronicle/pkg/ledger"
	"github.com/trialmesh/chronicle/pkg/merkle"
)

// AuthAssurance records how strongly the submitter was authenticated.
type AuthAssurance string

const (
	AssuranceNone      AuthAssurance = "none"
	AssurancePassword  AuthAssurance = "password"
	AssuranceMFA       AuthAssurance = "mfa"
	AssuranceBiometric AuthAssurance = "biometric"
)

var (
	// ErrBundleNotFound indicates no bundle exists for an event digest.
	ErrBundleNotFound = errors.New("evidence: bundle not found")

	// ErrBundleExists indicates a bundle was already attached for an event
	// digest. Bundles are created once; attribution never changes after the
	// fact.
	ErrBundleExists = errors.New("evidence: bundle already exists")

	// ErrProofAlreadySet indicates the anchor proof was already recorded.
	// Re-recording an identical proof is idempotent and not an error;
	// stores return this sentinel so the builder can distinguish the two.
	ErrProofAlreadySet = errors.New("evidence: anchor proof already set")
)

// ProofConflictError is an integrity violation: two different anchor proofs
// claimed for the same event digest. It is never resolved silently.
type ProofConflictError struct {
	EventDigest digest.Digest
	Existing    digest.Digest
	Proposed    digest.Digest
}

func (e *ProofConflictError) Error() string {
	return fmt.Sprintf("evidence: conflicting anchor proofs for %s: recorded %s, proposed %s",
		e.EventDigest, e.Existing, e.Proposed)
}

// AnchorProof is the per-event membership proof against an externally
// anchored batch root, together with the authority's record of that root.
type AnchorProof struct {
	BatchID   string                `json:"batch_id"`
	Inclusion merkle.InclusionProof `json:"inclusion"`
	Authority AuthorityRecord       `json:"authority"`
}

// AuthorityRecord is the timestamping authority's confirmation of a root.
type AuthorityRecord struct {
	Root       digest.Digest `json:"root"`
	Receipt    string        `json:"receipt"`
	TxID       string        `json:"tx_id,omitempty"`
	AnchoredAt time.Time     `json:"anchored_at"`
}

// Fingerprint returns the canonical digest of the proof artifact. Two proofs
// are the same proof iff their fingerprints match.
func (p AnchorProof) Fingerprint() (digest.Digest, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal anchor proof: %w", err)
	}
	return digest.CanonicalSum(raw)
}

// Bundle is the per-event evidence record. The raw actor identity never
// appears here: only its salted one-way hash.
type Bundle struct {
	EventDigest       digest.Digest `json:"event_digest"`
	ActorHash         string        `json:"actor_hash"`
	DeviceFingerprint string        `json:"device_fingerprint"`
	AuthAssurance     AuthAssurance `json:"auth_assurance"`
	CreatedAt         time.Time     `json:"created_at"`
	AnchorProof       *AnchorProof  `json:"anchor_proof,omitempty"`
	AnchoredAt        time.Time     `json:"anchored_at,omitempty"`
}

// Anchored reports whether the bundle carries a matured anchor proof.
func (b Bundle) Anchored() bool {
	return b.AnchorProof != nil
}

// Store persists bundles. SetAnchorProof is the single write-once mutation
// in the whole system: implementations return ErrProofAlreadySet when an
// identical proof is already recorded and *ProofConflictError when a
// different one is.
type Store interface {
	PutBundle(ctx context.Context, b Bundle) error
	BundleByDigest(ctx context.Context, d digest.Digest) (Bundle, error)
	SetAnchorProof(ctx context.Context, d digest.Digest, proof AnchorProof, at time.Time) error
	UnanchoredDigests(ctx context.Context, limit int) ([]digest.Digest, error)
}

// Builder creates bundles and records maturing anchor proofs.
type Builder struct {
	store  Store
	hasher *IdentityHasher
	clock  func() time.Time
}

// NewBuilder creates a Builder over the given store and identity hasher.
func NewBuilder(store Store, hasher *IdentityHasher) *Builder {
	return &Builder{store: store, hasher: hasher, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// Attach creates and persists the evidence bundle for an appended event.
// actorIdentityRaw is hashed under the deployment salt and discarded; it is
// never persisted in any form.
func (b *Builder) Attach(ctx context.Context, ev ledger.Event, deviceFingerprint, actorIdentityRaw string, assurance AuthAssurance) (Bundle, error) {
	if !ev.Digest.Valid() {
		return Bundle{}, fmt.Errorf("evidence: event %s has no digest", ev.ID)
	}
	if actorIdentityRaw == "" {
		return Bundle{}, errors.New("evidence: actor identity required")
	}
	if assurance == "" {
		assurance = AssuranceNone
	}

	bundle := Bundle{
		EventDigest:       ev.Digest,
		ActorHash:         b.hasher.Hash(actorIdentityRaw),
		DeviceFingerprint: deviceFingerprint,
		AuthAssurance:     assurance,
		CreatedAt:         b.clock().UTC(),
	}
	if err := b.store.PutBundle(ctx, bundle); err != nil {
		return Bundle{}, fmt.Errorf("failed to persist evidence bundle: %w", err)
	}
	return bundle, nil
}

// RecordAnchorProof fills the write-once anchor proof field for an event
// digest. Recording the same proof twice is idempotent and returns nil.
// Recording a different proof returns *ProofConflictError; the stored proof
// is never overwritten.
func (b *Builder) RecordAnchorProof(ctx context.Context, d digest.Digest, proof AnchorProof) error {
	if !d.Valid() {
		return fmt.Errorf("evidence: %w", digest.ErrMalformed)
	}
	err := b.store.SetAnchorProof(ctx, d, proof, b.clock().UTC())
	if errors.Is(err, ErrProofAlreadySet) {
		return nil
	}
	return err
}
