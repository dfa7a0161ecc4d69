package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trialmesh/chronicle/pkg/ledger"
)

// DefaultOverlapWindow is how close two offline client timestamps must be
// for their submissions to count as concurrent edits of the same slot.
const DefaultOverlapWindow = 24 * time.Hour

// annotationStreamPrefix domain-separates annotation chains from data chains.
const annotationStreamPrefix = "annotations/"

// Submission is one incoming entry, routed through conflict detection before
// it reaches readers.
type Submission struct {
	StreamID   string
	Payload    json.RawMessage
	ActorRef   string
	DeviceID   string
	Origin     ledger.Origin
	SlotKey    string
	ClientTime time.Time
}

// Resolution is a reviewer's superseding entry for an open conflict.
type Resolution struct {
	Payload   json.RawMessage
	ActorRef  string
	DeviceID  string
	Rationale string
}

// Manager assigns ordering, detects conflicts, and owns the conflict and
// annotation lifecycles. It sits in front of the ledger on the ingestion
// path; every submission is appended, conflicting or not.
type Manager struct {
	store         Store
	ledger        *ledger.Ledger
	clock         func() time.Time
	overlapWindow time.Duration

	mu        sync.Mutex
	noteLocks map[string]*sync.Mutex
}

// NewManager creates a Manager over the given store and ledger.
func NewManager(store Store, lg *ledger.Ledger) *Manager {
	return &Manager{
		store:         store,
		ledger:        lg,
		clock:         time.Now,
		overlapWindow: DefaultOverlapWindow,
		noteLocks:     make(map[string]*sync.Mutex),
	}
}

// WithClock overrides the clock for testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithOverlapWindow overrides the concurrency window for offline edits.
func (m *Manager) WithOverlapWindow(d time.Duration) *Manager {
	m.overlapWindow = d
	return m
}

// Ingest appends the submission and checks it against prior events for the
// same slot. A losing concurrent writer is never rejected: its event lands
// in the stream and, when no total order is derivable, a conflict record is
// opened (or extended) for human review.
func (m *Manager) Ingest(ctx context.Context, sub Submission) (ledger.Event, *Record, error) {
	ev, err := m.ledger.Append(ctx, ledger.AppendRequest{
		StreamID:   sub.StreamID,
		Payload:    sub.Payload,
		ActorRef:   sub.ActorRef,
		DeviceID:   sub.DeviceID,
		Origin:     sub.Origin,
		SlotKey:    sub.SlotKey,
		ClientTime: sub.ClientTime,
	})
	if err != nil {
		return ledger.Event{}, nil, err
	}

	if sub.SlotKey == "" || sub.Origin != ledger.OriginSync {
		// Live entries take the stream order; only offline-originated
		// submissions can race without a derivable order.
		return ev, nil, nil
	}

	peers, err := m.concurrentPeers(ctx, ev)
	if err != nil {
		return ev, nil, fmt.Errorf("failed to check slot %q for conflicts: %w", sub.SlotKey, err)
	}
	if len(peers) == 0 {
		return ev, nil, nil
	}

	record, err := m.openOrExtend(ctx, ev, peers)
	if err != nil {
		return ev, nil, err
	}
	return ev, record, nil
}

// concurrentPeers returns prior events for the same slot that have no
// derivable order against ev: offline-originated, from a different device,
// with client timestamps inside the overlap window, and not already settled
// by an earlier resolution.
func (m *Manager) concurrentPeers(ctx context.Context, ev ledger.Event) ([]ledger.Event, error) {
	events, err := m.ledger.ReadStream(ctx, ev.StreamID, 0)
	if err != nil {
		return nil, err
	}
	settled, err := m.settledThrough(ctx, ev.StreamID, ev.SlotKey)
	if err != nil {
		return nil, err
	}

	var peers []ledger.Event
	for _, other := range events {
		if other.Seq == ev.Seq || other.SlotKey != ev.SlotKey {
			continue
		}
		if other.Origin != ledger.OriginSync || other.DeviceID == ev.DeviceID {
			continue
		}
		if other.Seq <= settled {
			continue
		}
		delta := ev.ClientTime.Sub(other.ClientTime)
		if delta < 0 {
			delta = -delta
		}
		if delta <= m.overlapWindow {
			peers = append(peers, other)
		}
	}
	return peers, nil
}

// settledThrough returns the highest resolution seq recorded for a slot.
// Events at or below it are considered settled and no longer conflictable.
func (m *Manager) settledThrough(ctx context.Context, streamID, slotKey string) (uint64, error) {
	records, err := m.store.ConflictsForStream(ctx, streamID)
	if err != nil {
		return 0, err
	}
	var max uint64
	for _, r := range records {
		if r.SlotKey == slotKey && r.State == StateResolved && r.ResolutionSeq > max {
			max = r.ResolutionSeq
		}
	}
	return max, nil
}

func (m *Manager) openOrExtend(ctx context.Context, ev ledger.Event, peers []ledger.Event) (*Record, error) {
	now := m.clock().UTC()

	existing, err := m.store.OpenConflictForSlot(ctx, ev.StreamID, ev.SlotKey)
	if err == nil {
		if err := m.store.AddConflictSeq(ctx, existing.ID, ev.Seq, now); err != nil {
			return nil, fmt.Errorf("failed to extend conflict %s: %w", existing.ID, err)
		}
		updated, err := m.store.ConflictByID(ctx, existing.ID)
		if err != nil {
			return nil, err
		}
		return &updated, nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	seqs := make([]uint64, 0, len(peers)+1)
	for _, p := range peers {
		seqs = append(seqs, p.Seq)
	}
	seqs = append(seqs, ev.Seq)
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	record := Record{
		ID:        uuid.NewString(),
		StreamID:  ev.StreamID,
		SlotKey:   ev.SlotKey,
		EventSeqs: seqs,
		State:     StateUnresolved,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateConflict(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create conflict record: %w", err)
	}
	return &record, nil
}

// Conflict returns one record by id.
func (m *Manager) Conflict(ctx context.Context, id string) (Record, error) {
	return m.store.ConflictByID(ctx, id)
}

// ConflictsForStream returns every record opened for a stream.
func (m *Manager) ConflictsForStream(ctx context.Context, streamID string) ([]Record, error) {
	return m.store.ConflictsForStream(ctx, streamID)
}

// AssignReviewer moves an unresolved record into review. No events are
// hidden while review is pending.
func (m *Manager) AssignReviewer(ctx context.Context, id, reviewer string) (Record, error) {
	if reviewer == "" {
		return Record{}, &ledger.ValidationError{Field: "reviewer", Reason: "required"}
	}
	if err := m.store.MarkConflictUnderReview(ctx, id, reviewer, m.clock().UTC()); err != nil {
		return Record{}, err
	}
	return m.store.ConflictByID(ctx, id)
}

// Resolve appends the reviewer's superseding event, records an annotation
// explaining the rationale, and closes the record terminally. The
// conflicting originals are untouched and remain readable; a later dispute
// opens a new record.
func (m *Manager) Resolve(ctx context.Context, id string, res Resolution) (ledger.Event, Annotation, error) {
	record, err := m.store.ConflictByID(ctx, id)
	if err != nil {
		return ledger.Event{}, Annotation{}, err
	}
	if record.State == StateResolved {
		return ledger.Event{}, Annotation{}, fmt.Errorf("%w: record %s already resolved", ErrBadTransition, id)
	}
	if res.Rationale == "" {
		return ledger.Event{}, Annotation{}, &ledger.ValidationError{Field: "rationale", Reason: "required"}
	}

	now := m.clock().UTC()
	ev, err := m.ledger.Append(ctx, ledger.AppendRequest{
		StreamID:   record.StreamID,
		Payload:    res.Payload,
		ActorRef:   res.ActorRef,
		DeviceID:   res.DeviceID,
		Origin:     ledger.OriginLive,
		SlotKey:    record.SlotKey,
		ClientTime: now,
	})
	if err != nil {
		return ledger.Event{}, Annotation{}, fmt.Errorf("failed to append superseding event: %w", err)
	}

	ann, err := m.ProposeAnnotation(ctx, record.StreamID, record.EventSeqs, res.Rationale, res.ActorRef)
	if err != nil {
		return ledger.Event{}, Annotation{}, err
	}

	if record.State == StateUnresolved {
		if err := m.store.MarkConflictUnderReview(ctx, id, res.ActorRef, now); err != nil {
			return ledger.Event{}, Annotation{}, err
		}
	}
	if err := m.store.MarkConflictResolved(ctx, id, ev.Seq, ann.ID, now); err != nil {
		return ledger.Event{}, Annotation{}, err
	}
	return ev, ann, nil
}
