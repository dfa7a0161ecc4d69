package anchor

import (
	"context"
	"errors"
	"time"

	"github.com/trialmesh/chronicle/pkg/digest"
	"github.com/trialmesh/chronicle/pkg/evidence"
)

// BatchStatus is the maturation state of a submitted batch.
type BatchStatus string

const (
	StatusPending BatchStatus = "pending"
	StatusMatured BatchStatus = "matured"
	StatusFailed  BatchStatus = "failed"
)

var (
	// ErrBatchNotFound indicates an unknown batch ID.
	ErrBatchNotFound = errors.New("anchor: batch not found")

	// ErrBatchNotPending guards terminal transitions: a batch leaves the
	// pending state exactly once.
	ErrBatchNotPending = errors.New("anchor: batch is not pending")
)

// Batch is one aggregated submission to the authority. Root and membership
// are fixed at submission time; the only permitted change afterwards is the
// single transition out of StatusPending.
type Batch struct {
	ID            string                    `json:"id"`
	Root          digest.Digest             `json:"root"`
	Members       []digest.Digest           `json:"members"`
	Status        BatchStatus               `json:"status"`
	SubmittedAt   time.Time                 `json:"submitted_at"`
	Receipt       string                    `json:"receipt"`
	Authority     *evidence.AuthorityRecord `json:"authority,omitempty"`
	FailureReason string                    `json:"failure_reason,omitempty"`
	ResolvedAt    time.Time                 `json:"resolved_at,omitempty"`
}

// BatchStore persists batches. Mark transitions succeed only from
// StatusPending and return ErrBatchNotPending otherwise.
type BatchStore interface {
	CreateBatch(ctx context.Context, b Batch) error
	BatchByID(ctx context.Context, id string) (Batch, error)
	PendingBatches(ctx context.Context) ([]Batch, error)
	MarkBatchMatured(ctx context.Context, id string, record evidence.AuthorityRecord, at time.Time) error
	MarkBatchFailed(ctx context.Context, id, reason string, at time.Time) error
}
