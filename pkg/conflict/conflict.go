// Package conflict resolves concurrent offline submissions without ever
// discarding data, and manages reviewer annotations as a parallel
// append-only stream.
//
// A conflict is a first-class, human-reviewable record: the system never
// silently merges or picks a winner. Resolution appends a superseding event
// through the normal chained path and explains itself in an annotation; the
// conflicting originals remain readable forever.
package conflict

import (
	"context"
	"errors"
	"time"

	"github.com/trialmesh/chronicle/pkg/digest"
)

// State is the lifecycle position of a conflict record.
// Transitions are one-way: unresolved → under_review → resolved.
type State string

const (
	StateUnresolved  State = "unresolved"
	StateUnderReview State = "under_review"
	StateResolved    State = "resolved"
)

var (
	// ErrRecordNotFound indicates an unknown conflict record.
	ErrRecordNotFound = errors.New("conflict: record not found")

	// ErrBadTransition guards the state machine: resolved records are
	// terminal and never reopen; a later dispute opens a new record.
	ErrBadTransition = errors.New("conflict: invalid state transition")
)

// Record flags two or more events submitted for the same logical slot with
// no derivable total order. EventSeqs accumulates while the record is open;
// everything else changes only through the guarded transitions.
type Record struct {
	ID            string    `json:"id"`
	StreamID      string    `json:"stream_id"`
	SlotKey       string    `json:"slot_key"`
	EventSeqs     []uint64  `json:"event_seqs"`
	State         State     `json:"state"`
	Reviewer      string    `json:"reviewer,omitempty"`
	ResolutionSeq uint64    `json:"resolution_seq,omitempty"`
	AnnotationID  string    `json:"annotation_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Open reports whether the record still accepts new conflicting seqs.
func (r Record) Open() bool {
	return r.State != StateResolved
}

// Annotation is reviewer commentary referencing one or more events. It lives
// in its own hash-chained stream parallel to the data stream and never
// alters what it references.
type Annotation struct {
	ID         string        `json:"id"`
	StreamID   string        `json:"stream_id"`
	Seq        uint64        `json:"seq"`
	RefSeqs    []uint64      `json:"ref_seqs"`
	Text       string        `json:"text"`
	AuthorRef  string        `json:"author_ref"`
	CreatedAt  time.Time     `json:"created_at"`
	PrevDigest digest.Digest `json:"prev_digest,omitempty"`
	Digest     digest.Digest `json:"digest"`
}

// Store persists conflict records and annotations.
//
// Annotation appends are append-only with a unique (stream_id, seq) pair;
// stores return ledger.ErrSequenceTaken on violation. AnnotationHead returns
// zero values for a stream with no annotations yet. Conflict transitions are
// guarded: they succeed only from the expected prior state and return
// ErrBadTransition otherwise.
type Store interface {
	AppendAnnotation(ctx context.Context, a Annotation) error
	StreamAnnotations(ctx context.Context, streamID string) ([]Annotation, error)
	AnnotationHead(ctx context.Context, streamID string) (seq uint64, head digest.Digest, err error)

	CreateConflict(ctx context.Context, r Record) error
	ConflictByID(ctx context.Context, id string) (Record, error)
	ConflictsForStream(ctx context.Context, streamID string) ([]Record, error)
	OpenConflictForSlot(ctx context.Context, streamID, slotKey string) (Record, error)
	AddConflictSeq(ctx context.Context, id string, seq uint64, at time.Time) error
	MarkConflictUnderReview(ctx context.Context, id, reviewer string, at time.Time) error
	MarkConflictResolved(ctx context.Context, id string, resolutionSeq uint64, annotationID string, at time.Time) error
}
