package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/trialmesh/chronicle/pkg/anchor"
	"github.com/trialmesh/chronicle/pkg/conflict"
	"github.com/trialmesh/chronicle/pkg/digest"
	"github.com/trialmesh/chronicle/pkg/evidence"
	"github.com/trialmesh/chronicle/pkg/ledger"
	"github.com/trialmesh/chronicle/pkg/merkle"
)

// backend is the full persistence contract every backend must honor.
type backend interface {
	ledger.Store
	evidence.Store
	anchor.BatchStore
	conflict.Store
}

// runBackends runs one contract scenario against the memory and SQLite
// backends. Postgres runs the same SQL shapes and is covered with sqlmock.
func runBackends(t *testing.T, fn func(t *testing.T, s backend)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "chronicle.db"))
		if err != nil {
			t.Fatalf("failed to open sqlite store: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

var testTime = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

func testDigest(b byte) digest.Digest {
	return digest.Sum([]byte{b})
}

func testEvent(streamID string, seq uint64, prev digest.Digest) ledger.Event {
	d := digest.Sum([]byte{byte(seq), 'e'})
	return ledger.Event{
		ID:         fmt.Sprintf("%s-%d", streamID, seq),
		StreamID:   streamID,
		Seq:        seq,
		Payload:    []byte(`{"severity":"mild"}`),
		ActorRef:   "patient:7f3c",
		DeviceID:   "device-a",
		Origin:     ledger.OriginLive,
		ClientTime: testTime,
		ServerTime: testTime,
		PrevDigest: prev,
		Digest:     d,
	}
}

func TestStore_EventAppendAndHead(t *testing.T) {
	runBackends(t, func(t *testing.T, s backend) {
		ctx := context.Background()

		if _, _, err := s.Head(ctx, "diary-42"); !errors.Is(err, ledger.ErrStreamNotFound) {
			t.Fatalf("expected ErrStreamNotFound for empty stream, got %v", err)
		}
		if _, err := s.StreamEvents(ctx, "diary-42", 0); !errors.Is(err, ledger.ErrStreamNotFound) {
			t.Fatalf("expected ErrStreamNotFound reading empty stream, got %v", err)
		}

		ev1 := testEvent("diary-42", 1, "")
		ev2 := testEvent("diary-42", 2, ev1.Digest)
		ev3 := testEvent("diary-42", 3, ev2.Digest)
		for _, ev := range []ledger.Event{ev1, ev2, ev3} {
			if err := s.AppendEvent(ctx, ev); err != nil {
				t.Fatalf("failed to append seq %d: %v", ev.Seq, err)
			}
		}

		seq, head, err := s.Head(ctx, "diary-42")
		if err != nil {
			t.Fatalf("failed to read head: %v", err)
		}
		if seq != 3 || head != ev3.Digest {
			t.Errorf("expected head (3, %s), got (%d, %s)", ev3.Digest, seq, head)
		}

		dup := testEvent("diary-42", 2, ev1.Digest)
		dup.ID = "other-id"
		if err := s.AppendEvent(ctx, dup); !errors.Is(err, ledger.ErrSequenceTaken) {
			t.Fatalf("expected ErrSequenceTaken for reused seq, got %v", err)
		}

		events, err := s.StreamEvents(ctx, "diary-42", 0)
		if err != nil {
			t.Fatalf("failed to read stream: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("expected 3 events, got %d", len(events))
		}
		for i, ev := range events {
			if ev.Seq != uint64(i+1) {
				t.Errorf("event %d has seq %d", i, ev.Seq)
			}
		}
		if events[1].PrevDigest != events[0].Digest {
			t.Error("chain link between seq 1 and 2 not preserved")
		}
		if string(events[0].Payload) != `{"severity":"mild"}` {
			t.Errorf("payload not preserved: %s", events[0].Payload)
		}
		if !events[0].ClientTime.Equal(testTime) {
			t.Errorf("client time not preserved: %v", events[0].ClientTime)
		}

		tail, err := s.StreamEvents(ctx, "diary-42", 2)
		if err != nil {
			t.Fatalf("failed to read partial stream: %v", err)
		}
		if len(tail) != 2 || tail[0].Seq != 2 {
			t.Errorf("expected seqs [2 3], got %d events starting at %d", len(tail), tail[0].Seq)
		}

		ids, err := s.StreamIDs(ctx)
		if err != nil {
			t.Fatalf("failed to list streams: %v", err)
		}
		if len(ids) != 1 || ids[0] != "diary-42" {
			t.Errorf("expected [diary-42], got %v", ids)
		}
	})
}

func TestStore_BundleWriteOnce(t *testing.T) {
	runBackends(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		d := testDigest(1)

		if _, err := s.BundleByDigest(ctx, d); !errors.Is(err, evidence.ErrBundleNotFound) {
			t.Fatalf("expected ErrBundleNotFound, got %v", err)
		}

		b := evidence.Bundle{
			EventDigest:       d,
			ActorHash:         "a1b2c3",
			DeviceFingerprint: "device-a",
			AuthAssurance:     evidence.AssuranceMFA,
			CreatedAt:         testTime,
		}
		if err := s.PutBundle(ctx, b); err != nil {
			t.Fatalf("failed to put bundle: %v", err)
		}
		if err := s.PutBundle(ctx, b); !errors.Is(err, evidence.ErrBundleExists) {
			t.Fatalf("expected ErrBundleExists, got %v", err)
		}

		unanchored, err := s.UnanchoredDigests(ctx, 10)
		if err != nil {
			t.Fatalf("failed to list unanchored: %v", err)
		}
		if len(unanchored) != 1 || unanchored[0] != d {
			t.Fatalf("expected [%s], got %v", d, unanchored)
		}

		root := testDigest(9)
		proof := evidence.AnchorProof{
			BatchID:   "batch-1",
			Inclusion: merkle.InclusionProof{Leaf: d, Root: root},
			Authority: evidence.AuthorityRecord{Root: root, Receipt: "receipt-1", AnchoredAt: testTime},
		}
		if err := s.SetAnchorProof(ctx, d, proof, testTime.Add(time.Hour)); err != nil {
			t.Fatalf("failed to set anchor proof: %v", err)
		}

		// Identical proof is idempotent at the store boundary.
		if err := s.SetAnchorProof(ctx, d, proof, testTime.Add(2*time.Hour)); !errors.Is(err, evidence.ErrProofAlreadySet) {
			t.Fatalf("expected ErrProofAlreadySet, got %v", err)
		}

		// A different proof is an integrity violation, never an overwrite.
		other := proof
		other.Authority.Receipt = "receipt-2"
		err = s.SetAnchorProof(ctx, d, other, testTime.Add(2*time.Hour))
		var conflictErr *evidence.ProofConflictError
		if !errors.As(err, &conflictErr) {
			t.Fatalf("expected ProofConflictError, got %v", err)
		}
		if conflictErr.EventDigest != d {
			t.Errorf("conflict reported for wrong digest: %s", conflictErr.EventDigest)
		}

		got, err := s.BundleByDigest(ctx, d)
		if err != nil {
			t.Fatalf("failed to read bundle: %v", err)
		}
		if got.AnchorProof == nil || got.AnchorProof.Authority.Receipt != "receipt-1" {
			t.Error("stored proof was disturbed by the conflicting write")
		}
		if got.AnchoredAt.IsZero() {
			t.Error("anchored_at not recorded")
		}

		unanchored, err = s.UnanchoredDigests(ctx, 10)
		if err != nil {
			t.Fatalf("failed to list unanchored: %v", err)
		}
		if len(unanchored) != 0 {
			t.Errorf("anchored digest still listed: %v", unanchored)
		}

		if err := s.SetAnchorProof(ctx, testDigest(2), proof, testTime); !errors.Is(err, evidence.ErrBundleNotFound) {
			t.Fatalf("expected ErrBundleNotFound for unknown digest, got %v", err)
		}
	})
}

func TestStore_BatchTransitions(t *testing.T) {
	runBackends(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		members := []digest.Digest{testDigest(1), testDigest(2)}
		b := anchor.Batch{
			ID:          "batch-1",
			Root:        testDigest(7),
			Members:     members,
			Status:      anchor.StatusPending,
			SubmittedAt: testTime,
			Receipt:     "receipt-1",
		}
		if err := s.CreateBatch(ctx, b); err != nil {
			t.Fatalf("failed to create batch: %v", err)
		}

		got, err := s.BatchByID(ctx, "batch-1")
		if err != nil {
			t.Fatalf("failed to read batch: %v", err)
		}
		if got.Status != anchor.StatusPending || !reflect.DeepEqual(got.Members, members) {
			t.Errorf("batch not preserved: %+v", got)
		}

		pending, err := s.PendingBatches(ctx)
		if err != nil {
			t.Fatalf("failed to list pending: %v", err)
		}
		if len(pending) != 1 || pending[0].ID != "batch-1" {
			t.Fatalf("expected [batch-1] pending, got %v", pending)
		}

		record := evidence.AuthorityRecord{Root: b.Root, Receipt: "receipt-1", TxID: "tx-9", AnchoredAt: testTime}
		if err := s.MarkBatchMatured(ctx, "batch-1", record, testTime.Add(time.Hour)); err != nil {
			t.Fatalf("failed to mature batch: %v", err)
		}
		// Leaving pending happens exactly once.
		if err := s.MarkBatchMatured(ctx, "batch-1", record, testTime.Add(time.Hour)); !errors.Is(err, anchor.ErrBatchNotPending) {
			t.Fatalf("expected ErrBatchNotPending on second maturation, got %v", err)
		}
		if err := s.MarkBatchFailed(ctx, "batch-1", "late failure", testTime); !errors.Is(err, anchor.ErrBatchNotPending) {
			t.Fatalf("expected ErrBatchNotPending failing a matured batch, got %v", err)
		}

		got, err = s.BatchByID(ctx, "batch-1")
		if err != nil {
			t.Fatalf("failed to re-read batch: %v", err)
		}
		if got.Status != anchor.StatusMatured || got.Authority == nil || got.Authority.TxID != "tx-9" {
			t.Errorf("maturation not recorded: %+v", got)
		}

		if err := s.MarkBatchMatured(ctx, "missing", record, testTime); !errors.Is(err, anchor.ErrBatchNotFound) {
			t.Fatalf("expected ErrBatchNotFound, got %v", err)
		}

		failed := b
		failed.ID = "batch-2"
		if err := s.CreateBatch(ctx, failed); err != nil {
			t.Fatalf("failed to create second batch: %v", err)
		}
		if err := s.MarkBatchFailed(ctx, "batch-2", "authority rejected root", testTime); err != nil {
			t.Fatalf("failed to fail batch: %v", err)
		}
		got, err = s.BatchByID(ctx, "batch-2")
		if err != nil {
			t.Fatalf("failed to read failed batch: %v", err)
		}
		if got.Status != anchor.StatusFailed || got.FailureReason != "authority rejected root" {
			t.Errorf("failure not recorded: %+v", got)
		}

		pending, err = s.PendingBatches(ctx)
		if err != nil {
			t.Fatalf("failed to list pending: %v", err)
		}
		if len(pending) != 0 {
			t.Errorf("expected no pending batches, got %v", pending)
		}
	})
}

func TestStore_AnnotationChain(t *testing.T) {
	runBackends(t, func(t *testing.T, s backend) {
		ctx := context.Background()

		seq, head, err := s.AnnotationHead(ctx, "diary-7")
		if err != nil {
			t.Fatalf("annotation head of empty stream errored: %v", err)
		}
		if seq != 0 || head != "" {
			t.Fatalf("expected zero head for empty stream, got (%d, %s)", seq, head)
		}

		anns, err := s.StreamAnnotations(ctx, "diary-7")
		if err != nil {
			t.Fatalf("failed to read empty annotations: %v", err)
		}
		if len(anns) != 0 {
			t.Fatalf("expected no annotations, got %d", len(anns))
		}

		a1 := conflict.Annotation{
			ID: "ann-1", StreamID: "diary-7", Seq: 1, RefSeqs: []uint64{1, 2},
			Text: "conflicting entries reviewed", AuthorRef: "investigator:d1",
			CreatedAt: testTime, Digest: testDigest(11),
		}
		a2 := conflict.Annotation{
			ID: "ann-2", StreamID: "diary-7", Seq: 2, RefSeqs: []uint64{3},
			Text: "followup", AuthorRef: "investigator:d1",
			CreatedAt: testTime, PrevDigest: a1.Digest, Digest: testDigest(12),
		}
		if err := s.AppendAnnotation(ctx, a1); err != nil {
			t.Fatalf("failed to append annotation 1: %v", err)
		}
		if err := s.AppendAnnotation(ctx, a2); err != nil {
			t.Fatalf("failed to append annotation 2: %v", err)
		}

		dup := a2
		dup.ID = "ann-3"
		if err := s.AppendAnnotation(ctx, dup); !errors.Is(err, ledger.ErrSequenceTaken) {
			t.Fatalf("expected ErrSequenceTaken for reused annotation seq, got %v", err)
		}

		anns, err = s.StreamAnnotations(ctx, "diary-7")
		if err != nil {
			t.Fatalf("failed to read annotations: %v", err)
		}
		if len(anns) != 2 {
			t.Fatalf("expected 2 annotations, got %d", len(anns))
		}
		if !reflect.DeepEqual(anns[0].RefSeqs, []uint64{1, 2}) {
			t.Errorf("ref seqs not preserved: %v", anns[0].RefSeqs)
		}
		if anns[1].PrevDigest != a1.Digest {
			t.Error("annotation chain link not preserved")
		}

		seq, head, err = s.AnnotationHead(ctx, "diary-7")
		if err != nil {
			t.Fatalf("failed to read annotation head: %v", err)
		}
		if seq != 2 || head != a2.Digest {
			t.Errorf("expected head (2, %s), got (%d, %s)", a2.Digest, seq, head)
		}
	})
}

func TestStore_ConflictLifecycle(t *testing.T) {
	runBackends(t, func(t *testing.T, s backend) {
		ctx := context.Background()

		if _, err := s.ConflictByID(ctx, "missing"); !errors.Is(err, conflict.ErrRecordNotFound) {
			t.Fatalf("expected ErrRecordNotFound, got %v", err)
		}

		r := conflict.Record{
			ID:        "conf-1",
			StreamID:  "diary-7",
			SlotKey:   "2026-03-09:morning",
			EventSeqs: []uint64{1, 2},
			State:     conflict.StateUnresolved,
			CreatedAt: testTime,
			UpdatedAt: testTime,
		}
		if err := s.CreateConflict(ctx, r); err != nil {
			t.Fatalf("failed to create conflict: %v", err)
		}

		open, err := s.OpenConflictForSlot(ctx, "diary-7", "2026-03-09:morning")
		if err != nil {
			t.Fatalf("failed to find open conflict: %v", err)
		}
		if open.ID != "conf-1" {
			t.Fatalf("wrong conflict found: %s", open.ID)
		}
		if _, err := s.OpenConflictForSlot(ctx, "diary-7", "2026-03-09:evening"); !errors.Is(err, conflict.ErrRecordNotFound) {
			t.Fatalf("expected ErrRecordNotFound for other slot, got %v", err)
		}

		if err := s.AddConflictSeq(ctx, "conf-1", 4, testTime.Add(time.Minute)); err != nil {
			t.Fatalf("failed to extend conflict: %v", err)
		}
		// Re-adding a known seq is a no-op.
		if err := s.AddConflictSeq(ctx, "conf-1", 2, testTime.Add(time.Minute)); err != nil {
			t.Fatalf("failed to re-add known seq: %v", err)
		}
		got, err := s.ConflictByID(ctx, "conf-1")
		if err != nil {
			t.Fatalf("failed to read conflict: %v", err)
		}
		if !reflect.DeepEqual(got.EventSeqs, []uint64{1, 2, 4}) {
			t.Errorf("expected seqs [1 2 4], got %v", got.EventSeqs)
		}

		// The state machine only moves forward.
		if err := s.MarkConflictResolved(ctx, "conf-1", 5, "ann-1", testTime); !errors.Is(err, conflict.ErrBadTransition) {
			t.Fatalf("expected ErrBadTransition resolving an unresolved record, got %v", err)
		}
		if err := s.MarkConflictUnderReview(ctx, "conf-1", "investigator:d1", testTime.Add(2*time.Minute)); err != nil {
			t.Fatalf("failed to move under review: %v", err)
		}
		if err := s.MarkConflictUnderReview(ctx, "conf-1", "investigator:d2", testTime); !errors.Is(err, conflict.ErrBadTransition) {
			t.Fatalf("expected ErrBadTransition on repeated review claim, got %v", err)
		}
		if err := s.MarkConflictResolved(ctx, "conf-1", 5, "ann-1", testTime.Add(3*time.Minute)); err != nil {
			t.Fatalf("failed to resolve conflict: %v", err)
		}

		got, err = s.ConflictByID(ctx, "conf-1")
		if err != nil {
			t.Fatalf("failed to read resolved conflict: %v", err)
		}
		if got.State != conflict.StateResolved || got.ResolutionSeq != 5 || got.AnnotationID != "ann-1" {
			t.Errorf("resolution not recorded: %+v", got)
		}
		if got.Reviewer != "investigator:d1" {
			t.Errorf("reviewer not preserved: %q", got.Reviewer)
		}

		// Resolved records are terminal.
		if err := s.AddConflictSeq(ctx, "conf-1", 6, testTime); !errors.Is(err, conflict.ErrBadTransition) {
			t.Fatalf("expected ErrBadTransition extending resolved record, got %v", err)
		}
		if _, err := s.OpenConflictForSlot(ctx, "diary-7", "2026-03-09:morning"); !errors.Is(err, conflict.ErrRecordNotFound) {
			t.Fatalf("resolved record still reported open: %v", err)
		}

		records, err := s.ConflictsForStream(ctx, "diary-7")
		if err != nil {
			t.Fatalf("failed to list conflicts: %v", err)
		}
		if len(records) != 1 {
			t.Errorf("expected 1 record, got %d", len(records))
		}
	})
}
