// Package anchor submits aggregated event digests to an external
// timestamping authority and attaches maturing proofs to evidence bundles.
//
// Anchoring is fully decoupled from ingestion: an event is usable the moment
// it is appended, and only the proof of external timestamp arrives later,
// possibly hours later. Digests are never dropped; a failed batch releases
// its members back into the pending pool.
package anchor

import (
	"context"
	"errors"
	"fmt"

	"github.com/trialmesh/chronicle/pkg/digest"
	"github.com/trialmesh/chronicle/pkg/evidence"
)

var (
	// ErrProofNotReady indicates the authority has accepted the root but the
	// proof has not matured yet.
	ErrProofNotReady = errors.New("anchor: proof not ready")

	// ErrAnchoringUnavailable indicates the authority could not be reached.
	// Absorbed by the worker's retry loop; user-visible only as a pending
	// anchor status, never as a data-capture failure.
	ErrAnchoringUnavailable = errors.New("anchor: timestamp authority unavailable")
)

// RejectionError is a terminal refusal of a submitted root. The batch is
// marked failed and its members re-queued into the next batch.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("anchor: authority rejected submission: %s", e.Reason)
}

// Authority is the external timestamping service boundary.
//
// SubmitRoot registers a root digest and returns a receipt handle.
// FetchProof exchanges the receipt for the matured authority record,
// returning ErrProofNotReady while maturation is in progress and
// *RejectionError on terminal refusal.
// PublicRoot re-fetches the publicly anchored root for a record from the
// authority's own public data, so verification never has to trust local
// storage.
type Authority interface {
	SubmitRoot(ctx context.Context, root digest.Digest) (receipt string, err error)
	FetchProof(ctx context.Context, receipt string) (*evidence.AuthorityRecord, error)
	PublicRoot(ctx context.Context, record evidence.AuthorityRecord) (digest.Digest, error)
}
