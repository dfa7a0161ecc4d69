package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/trialmesh/chronicle/pkg/anchor"
	"github.com/trialmesh/chronicle/pkg/conflict"
	"github.com/trialmesh/chronicle/pkg/digest"
	"github.com/trialmesh/chronicle/pkg/evidence"
	"github.com/trialmesh/chronicle/pkg/ledger"
)

// MemoryStore keeps everything in process memory. It enforces the same
// append-only and write-once contracts as the SQL backends and is the
// backend of choice for tests.
type MemoryStore struct {
	mu            sync.RWMutex
	events        map[string][]ledger.Event
	bundles       map[digest.Digest]evidence.Bundle
	bundleOrder   []digest.Digest
	batches       map[string]anchor.Batch
	batchOrder    []string
	annotations   map[string][]conflict.Annotation
	conflicts     map[string]conflict.Record
	conflictOrder []string
}

var (
	_ ledger.Store      = (*MemoryStore)(nil)
	_ evidence.Store    = (*MemoryStore)(nil)
	_ anchor.BatchStore = (*MemoryStore)(nil)
	_ conflict.Store    = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:      make(map[string][]ledger.Event),
		bundles:     make(map[digest.Digest]evidence.Bundle),
		batches:     make(map[string]anchor.Batch),
		annotations: make(map[string][]conflict.Annotation),
		conflicts:   make(map[string]conflict.Record),
	}
}

func (s *MemoryStore) AppendEvent(ctx context.Context, ev ledger.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	evs := s.events[ev.StreamID]
	if ev.Seq <= uint64(len(evs)) {
		return ledger.ErrSequenceTaken
	}
	if ev.Seq != uint64(len(evs))+1 {
		return fmt.Errorf("store: sequence gap on stream %q: have %d, got %d", ev.StreamID, len(evs), ev.Seq)
	}
	s.events[ev.StreamID] = append(evs, ev)
	return nil
}

func (s *MemoryStore) StreamEvents(ctx context.Context, streamID string, fromSeq uint64) ([]ledger.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs, ok := s.events[streamID]
	if !ok {
		return nil, ledger.ErrStreamNotFound
	}
	out := make([]ledger.Event, 0, len(evs))
	for _, ev := range evs {
		if ev.Seq >= fromSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *MemoryStore) Head(ctx context.Context, streamID string) (uint64, digest.Digest, error) {
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[streamID]
	if len(evs) == 0 {
		return 0, "", ledger.ErrStreamNotFound
	}
	last := evs[len(evs)-1]
	return last.Seq, last.Digest, nil
}

func (s *MemoryStore) StreamIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.events))
	for id := range s.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) PutBundle(ctx context.Context, b evidence.Bundle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bundles[b.EventDigest]; ok {
		return fmt.Errorf("%w for %s", evidence.ErrBundleExists, b.EventDigest)
	}
	s.bundles[b.EventDigest] = b
	s.bundleOrder = append(s.bundleOrder, b.EventDigest)
	return nil
}

func (s *MemoryStore) BundleByDigest(ctx context.Context, d digest.Digest) (evidence.Bundle, error) {
	if err := ctx.Err(); err != nil {
		return evidence.Bundle{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.bundles[d]
	if !ok {
		return evidence.Bundle{}, evidence.ErrBundleNotFound
	}
	return b, nil
}

func (s *MemoryStore) SetAnchorProof(ctx context.Context, d digest.Digest, proof evidence.AnchorProof, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bundles[d]
	if !ok {
		return evidence.ErrBundleNotFound
	}
	if b.AnchorProof != nil {
		existing, err := b.AnchorProof.Fingerprint()
		if err != nil {
			return fmt.Errorf("failed to fingerprint recorded proof: %w", err)
		}
		proposed, err := proof.Fingerprint()
		if err != nil {
			return fmt.Errorf("failed to fingerprint proposed proof: %w", err)
		}
		if existing == proposed {
			return evidence.ErrProofAlreadySet
		}
		return &evidence.ProofConflictError{EventDigest: d, Existing: existing, Proposed: proposed}
	}
	b.AnchorProof = &proof
	b.AnchoredAt = at.UTC()
	s.bundles[d] = b
	return nil
}

func (s *MemoryStore) UnanchoredDigests(ctx context.Context, limit int) ([]digest.Digest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []digest.Digest
	for _, d := range s.bundleOrder {
		if limit > 0 && len(out) >= limit {
			break
		}
		if b := s.bundles[d]; b.AnchorProof == nil {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateBatch(ctx context.Context, b anchor.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[b.ID]; ok {
		return fmt.Errorf("store: batch %s already exists", b.ID)
	}
	b.Members = append([]digest.Digest(nil), b.Members...)
	s.batches[b.ID] = b
	s.batchOrder = append(s.batchOrder, b.ID)
	return nil
}

func (s *MemoryStore) BatchByID(ctx context.Context, id string) (anchor.Batch, error) {
	if err := ctx.Err(); err != nil {
		return anchor.Batch{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[id]
	if !ok {
		return anchor.Batch{}, anchor.ErrBatchNotFound
	}
	return b, nil
}

func (s *MemoryStore) PendingBatches(ctx context.Context) ([]anchor.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []anchor.Batch
	for _, id := range s.batchOrder {
		if b := s.batches[id]; b.Status == anchor.StatusPending {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkBatchMatured(ctx context.Context, id string, record evidence.AuthorityRecord, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return anchor.ErrBatchNotFound
	}
	if b.Status != anchor.StatusPending {
		return anchor.ErrBatchNotPending
	}
	b.Status = anchor.StatusMatured
	b.Authority = &record
	b.ResolvedAt = at.UTC()
	s.batches[id] = b
	return nil
}

func (s *MemoryStore) MarkBatchFailed(ctx context.Context, id, reason string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return anchor.ErrBatchNotFound
	}
	if b.Status != anchor.StatusPending {
		return anchor.ErrBatchNotPending
	}
	b.Status = anchor.StatusFailed
	b.FailureReason = reason
	b.ResolvedAt = at.UTC()
	s.batches[id] = b
	return nil
}

func (s *MemoryStore) AppendAnnotation(ctx context.Context, a conflict.Annotation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	anns := s.annotations[a.StreamID]
	if a.Seq <= uint64(len(anns)) {
		return ledger.ErrSequenceTaken
	}
	if a.Seq != uint64(len(anns))+1 {
		return fmt.Errorf("store: annotation sequence gap on stream %q: have %d, got %d", a.StreamID, len(anns), a.Seq)
	}
	a.RefSeqs = append([]uint64(nil), a.RefSeqs...)
	s.annotations[a.StreamID] = append(anns, a)
	return nil
}

func (s *MemoryStore) StreamAnnotations(ctx context.Context, streamID string) ([]conflict.Annotation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	anns := s.annotations[streamID]
	out := make([]conflict.Annotation, len(anns))
	copy(out, anns)
	return out, nil
}

func (s *MemoryStore) AnnotationHead(ctx context.Context, streamID string) (uint64, digest.Digest, error) {
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	anns := s.annotations[streamID]
	if len(anns) == 0 {
		return 0, "", nil
	}
	last := anns[len(anns)-1]
	return last.Seq, last.Digest, nil
}

func (s *MemoryStore) CreateConflict(ctx context.Context, r conflict.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conflicts[r.ID]; ok {
		return fmt.Errorf("store: conflict record %s already exists", r.ID)
	}
	r.EventSeqs = append([]uint64(nil), r.EventSeqs...)
	s.conflicts[r.ID] = r
	s.conflictOrder = append(s.conflictOrder, r.ID)
	return nil
}

func (s *MemoryStore) ConflictByID(ctx context.Context, id string) (conflict.Record, error) {
	if err := ctx.Err(); err != nil {
		return conflict.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.conflicts[id]
	if !ok {
		return conflict.Record{}, conflict.ErrRecordNotFound
	}
	return r, nil
}

func (s *MemoryStore) ConflictsForStream(ctx context.Context, streamID string) ([]conflict.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []conflict.Record
	for _, id := range s.conflictOrder {
		if r := s.conflicts[id]; r.StreamID == streamID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) OpenConflictForSlot(ctx context.Context, streamID, slotKey string) (conflict.Record, error) {
	if err := ctx.Err(); err != nil {
		return conflict.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.conflictOrder {
		r := s.conflicts[id]
		if r.StreamID == streamID && r.SlotKey == slotKey && r.Open() {
			return r, nil
		}
	}
	return conflict.Record{}, conflict.ErrRecordNotFound
}

func (s *MemoryStore) AddConflictSeq(ctx context.Context, id string, seq uint64, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.conflicts[id]
	if !ok {
		return conflict.ErrRecordNotFound
	}
	if !r.Open() {
		return conflict.ErrBadTransition
	}
	for _, have := range r.EventSeqs {
		if have == seq {
			return nil
		}
	}
	r.EventSeqs = append(append([]uint64(nil), r.EventSeqs...), seq)
	sort.Slice(r.EventSeqs, func(i, j int) bool { return r.EventSeqs[i] < r.EventSeqs[j] })
	r.UpdatedAt = at.UTC()
	s.conflicts[id] = r
	return nil
}

func (s *MemoryStore) MarkConflictUnderReview(ctx context.Context, id, reviewer string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.conflicts[id]
	if !ok {
		return conflict.ErrRecordNotFound
	}
	if r.State != conflict.StateUnresolved {
		return conflict.ErrBadTransition
	}
	r.State = conflict.StateUnderReview
	r.Reviewer = reviewer
	r.UpdatedAt = at.UTC()
	s.conflicts[id] = r
	return nil
}

func (s *MemoryStore) MarkConflictResolved(ctx context.Context, id string, resolutionSeq uint64, annotationID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.conflicts[id]
	if !ok {
		return conflict.ErrRecordNotFound
	}
	if r.State != conflict.StateUnderReview {
		return conflict.ErrBadTransition
	}
	r.State = conflict.StateResolved
	r.ResolutionSeq = resolutionSeq
	r.AnnotationID = annotationID
	r.UpdatedAt = at.UTC()
	s.conflicts[id] = r
	return nil
}
