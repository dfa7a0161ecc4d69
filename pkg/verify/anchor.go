package verify

import (
	"context"
	"fmt"

	"github.com/trialmesh/chronicle/pkg/anchor"
	"github.com/trialmesh/chronicle/pkg/digest"
	"github.com/trialmesh/chronicle/pkg/evidence"
	"github.com/trialmesh/chronicle/pkg/merkle"
)

// AnchorStatus classifies an event digest's external timestamp proof.
type AnchorStatus string

const (
	// StatusNotYetAnchored means no proof has matured for the digest. This
	// is the normal state for recent events, never an integrity failure.
	StatusNotYetAnchored AnchorStatus = "not_yet_anchored"
	// StatusValid means the inclusion path reproduces the authority's
	// publicly anchored root.
	StatusValid AnchorStatus = "valid"
	// StatusInvalid means the recorded proof does not reach the public
	// root. Like a chain mismatch, this is an integrity incident.
	StatusInvalid AnchorStatus = "invalid"
)

// AnchorVerifier checks recorded anchor proofs against the authority's
// public data instead of local storage.
type AnchorVerifier struct {
	evidence  evidence.Store
	authority anchor.Authority
}

// NewAnchorVerifier creates a verifier over the given bundle store and
// authority.
func NewAnchorVerifier(store evidence.Store, authority anchor.Authority) *AnchorVerifier {
	return &AnchorVerifier{evidence: store, authority: authority}
}

// VerifyAnchor recomputes the inclusion path for eventDigest and compares it
// against the root the authority publicly serves for the recorded
// transaction. The locally stored root is never trusted as the comparison
// target.
func (v *AnchorVerifier) VerifyAnchor(ctx context.Context, eventDigest digest.Digest) (AnchorStatus, error) {
	if !eventDigest.Valid() {
		return "", fmt.Errorf("%w: %q", digest.ErrMalformed, string(eventDigest))
	}

	bundle, err := v.evidence.BundleByDigest(ctx, eventDigest)
	if err != nil {
		return "", fmt.Errorf("failed to load evidence bundle for %s: %w", eventDigest, err)
	}
	if !bundle.Anchored() {
		return StatusNotYetAnchored, nil
	}
	proof := *bundle.AnchorProof

	if proof.Inclusion.Leaf != eventDigest {
		return StatusInvalid, nil
	}

	publicRoot, err := v.authority.PublicRoot(ctx, proof.Authority)
	if err != nil {
		return "", fmt.Errorf("%w: failed to fetch public root: %v", anchor.ErrAnchoringUnavailable, err)
	}
	if !merkle.VerifyInclusion(proof.Inclusion, publicRoot) {
		return StatusInvalid, nil
	}
	return StatusValid, nil
}
