package anchor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/trialmesh/chronicle/pkg/digest"
	"github.com/trialmesh/chronicle/pkg/evidence"
	"github.com/trialmesh/chronicle/pkg/merkle"
)

// DefaultPollTimeout bounds one maturation poll attempt. Polls are
// idempotent and safe to retry indefinitely.
const DefaultPollTimeout = 30 * time.Second

// MaturationState is the outcome of one poll attempt.
type MaturationState string

const (
	StateMatured      MaturationState = "matured"
	StateStillPending MaturationState = "still_pending"
	StateFailed       MaturationState = "failed"
)

// MaturationResult is the tagged outcome of PollMaturation.
type MaturationResult struct {
	State  MaturationState
	Record *evidence.AuthorityRecord
	Reason string
}

// Client aggregates pending digests, submits roots, and fans matured proofs
// back out to evidence bundles.
type Client struct {
	batches     BatchStore
	evidence    *evidence.Builder
	authority   Authority
	deduper     Deduper
	clock       func() time.Time
	pollTimeout time.Duration
	logger      *slog.Logger
}

// NewClient creates an anchoring client.
func NewClient(batches BatchStore, builder *evidence.Builder, authority Authority, deduper Deduper, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if deduper == nil {
		deduper = NewMemoryDeduper()
	}
	return &Client{
		batches:     batches,
		evidence:    builder,
		authority:   authority,
		deduper:     deduper,
		clock:       time.Now,
		pollTimeout: DefaultPollTimeout,
		logger:      logger,
	}
}

// WithClock overrides the clock for testing.
func (c *Client) WithClock(clock func() time.Time) *Client {
	c.clock = clock
	return c
}

// WithPollTimeout overrides the per-attempt poll timeout.
func (c *Client) WithPollTimeout(d time.Duration) *Client {
	c.pollTimeout = d
	return c
}

// SubmitBatch aggregates the given digests into one root and submits it to
// the authority. Digests already in flight are skipped; if nothing new
// remains the call is a no-op returning (nil, nil). The returned batch is
// persisted in StatusPending before SubmitBatch returns.
func (c *Client) SubmitBatch(ctx context.Context, digests []digest.Digest) (*Batch, error) {
	if len(digests) == 0 {
		return nil, nil
	}

	added, err := c.deduper.AddMany(ctx, digests)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve digests for batching: %w", err)
	}
	fresh := make([]digest.Digest, 0, len(digests))
	for i, ok := range added {
		if ok {
			fresh = append(fresh, digests[i])
		}
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	tree, err := merkle.BuildTree(fresh)
	if err != nil {
		c.release(ctx, fresh)
		return nil, fmt.Errorf("failed to aggregate batch: %w", err)
	}

	receipt, err := c.authority.SubmitRoot(ctx, tree.Root())
	if err != nil {
		c.release(ctx, fresh)
		return nil, fmt.Errorf("%w: %v", ErrAnchoringUnavailable, err)
	}

	batch := Batch{
		ID:          uuid.NewString(),
		Root:        tree.Root(),
		Members:     tree.Members(),
		Status:      StatusPending,
		SubmittedAt: c.clock().UTC(),
		Receipt:     receipt,
	}
	if err := c.batches.CreateBatch(ctx, batch); err != nil {
		c.release(ctx, fresh)
		return nil, fmt.Errorf("failed to persist batch: %w", err)
	}

	c.logger.Info("anchor batch submitted",
		"batch_id", batch.ID, "root", string(batch.Root), "members", len(batch.Members))
	return &batch, nil
}

// PollMaturation asks the authority whether the batch's proof has matured.
// One attempt is bounded by the poll timeout. On maturation it derives an
// inclusion proof for every member, records each on its evidence bundle, and
// marks the batch matured; the store guard ensures that transition happens
// exactly once even with competing pollers. On terminal rejection the batch
// is marked failed and its members released for re-batching.
func (c *Client) PollMaturation(ctx context.Context, batch Batch) (MaturationResult, error) {
	switch batch.Status {
	case StatusMatured:
		return MaturationResult{State: StateMatured, Record: batch.Authority}, nil
	case StatusFailed:
		return MaturationResult{State: StateFailed, Reason: batch.FailureReason}, nil
	}

	attempt, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	record, err := c.authority.FetchProof(attempt, batch.Receipt)
	if err != nil {
		var rejection *RejectionError
		switch {
		case errors.Is(err, ErrProofNotReady):
			return MaturationResult{State: StateStillPending}, nil
		case errors.As(err, &rejection):
			return c.failBatch(ctx, batch, rejection.Reason)
		default:
			// Unreachable or timed out: stay pending, retry later.
			return MaturationResult{State: StateStillPending}, fmt.Errorf("%w: %v", ErrAnchoringUnavailable, err)
		}
	}

	if record.Root != batch.Root {
		c.logger.Error("authority returned proof for a different root",
			"batch_id", batch.ID, "submitted", string(batch.Root), "returned", string(record.Root))
		return c.failBatch(ctx, batch, "authority proof root mismatch")
	}

	if err := c.attachProofs(ctx, batch, *record); err != nil {
		return MaturationResult{}, err
	}

	err = c.batches.MarkBatchMatured(ctx, batch.ID, *record, c.clock().UTC())
	if err != nil && !errors.Is(err, ErrBatchNotPending) {
		return MaturationResult{}, fmt.Errorf("failed to mark batch matured: %w", err)
	}

	c.logger.Info("anchor batch matured",
		"batch_id", batch.ID, "root", string(batch.Root), "tx_id", record.TxID)
	return MaturationResult{State: StateMatured, Record: record}, nil
}

// attachProofs derives and records the per-member inclusion proofs.
// Recording is idempotent; a conflicting existing proof is an integrity
// violation and aborts loudly.
func (c *Client) attachProofs(ctx context.Context, batch Batch, record evidence.AuthorityRecord) error {
	tree, err := merkle.BuildTree(batch.Members)
	if err != nil {
		return fmt.Errorf("failed to rebuild batch tree: %w", err)
	}
	if tree.Root() != batch.Root {
		return fmt.Errorf("anchor: rebuilt root %s does not match batch root %s", tree.Root(), batch.Root)
	}

	for _, member := range batch.Members {
		inclusion, err := tree.Prove(member)
		if err != nil {
			return fmt.Errorf("failed to derive inclusion proof: %w", err)
		}
		proof := evidence.AnchorProof{
			BatchID:   batch.ID,
			Inclusion: inclusion,
			Authority: record,
		}
		if err := c.evidence.RecordAnchorProof(ctx, member, proof); err != nil {
			var conflict *evidence.ProofConflictError
			if errors.As(err, &conflict) {
				c.logger.Error("conflicting anchor proof detected",
					"event_digest", string(conflict.EventDigest),
					"recorded", string(conflict.Existing),
					"proposed", string(conflict.Proposed))
			}
			return fmt.Errorf("failed to record anchor proof for %s: %w", member, err)
		}
	}
	return nil
}

func (c *Client) failBatch(ctx context.Context, batch Batch, reason string) (MaturationResult, error) {
	err := c.batches.MarkBatchFailed(ctx, batch.ID, reason, c.clock().UTC())
	if err != nil && !errors.Is(err, ErrBatchNotPending) {
		return MaturationResult{}, fmt.Errorf("failed to mark batch failed: %w", err)
	}
	// Release members so the next batch re-queues them; digests are never
	// silently left un-anchored.
	c.release(ctx, batch.Members)
	c.logger.Warn("anchor batch failed", "batch_id", batch.ID, "reason", reason)
	return MaturationResult{State: StateFailed, Reason: reason}, nil
}

func (c *Client) release(ctx context.Context, digests []digest.Digest) {
	if err := c.deduper.Remove(ctx, digests...); err != nil {
		c.logger.Warn("failed to release digests from in-flight set", "error", err)
	}
}
