package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/trialmesh/chronicle/pkg/digest"
	"github.com/trialmesh/chronicle/pkg/ledger"
)

// maxAnnotationRetries mirrors the ledger's bounded re-chaining when racing
// another writer on the annotation stream.
const maxAnnotationRetries = 5

// annotationBody is the hashed content of one annotation.
type annotationBody struct {
	RefSeqs []uint64 `json:"ref_seqs"`
	Text    string   `json:"text"`
}

// AnnotationDigest recomputes the chain digest of a assuming prev as its
// chain link. Verifiers call this with the digest they recomputed for the
// prior annotation, never with the stored one.
func AnnotationDigest(a Annotation, prev digest.Digest) (digest.Digest, error) {
	body, err := json.Marshal(annotationBody{RefSeqs: a.RefSeqs, Text: a.Text})
	if err != nil {
		return "", fmt.Errorf("failed to marshal annotation body: %w", err)
	}
	return digest.Compute(body, prev, digest.ChainMeta{
		StreamID:   annotationStreamPrefix + a.StreamID,
		Seq:        a.Seq,
		ActorRef:   a.AuthorRef,
		Origin:     "annotation",
		ClientTime: a.CreatedAt,
		ServerTime: a.CreatedAt,
	})
}

// ProposeAnnotation appends reviewer commentary to the annotation stream
// running parallel to streamID. The referenced events are never altered;
// readers join the two streams explicitly.
func (m *Manager) ProposeAnnotation(ctx context.Context, streamID string, refSeqs []uint64, text, authorRef string) (Annotation, error) {
	if streamID == "" {
		return Annotation{}, &ledger.ValidationError{Field: "stream_id", Reason: "required"}
	}
	if len(refSeqs) == 0 {
		return Annotation{}, &ledger.ValidationError{Field: "ref_seqs", Reason: "must reference at least one event"}
	}
	if text == "" {
		return Annotation{}, &ledger.ValidationError{Field: "text", Reason: "required"}
	}
	if authorRef == "" {
		return Annotation{}, &ledger.ValidationError{Field: "author_ref", Reason: "required"}
	}

	// Referenced events must exist in the data stream.
	events, err := m.ledger.ReadStream(ctx, streamID, 0)
	if err != nil {
		return Annotation{}, err
	}
	headSeq := uint64(len(events))
	for _, ref := range refSeqs {
		if ref == 0 || ref > headSeq {
			return Annotation{}, &ledger.ValidationError{
				Field:  "ref_seqs",
				Reason: fmt.Sprintf("seq %d does not exist in stream %q", ref, streamID),
			}
		}
	}

	lock := m.noteLock(streamID)
	lock.Lock()
	defer lock.Unlock()

	now := m.clock().UTC()
	for attempt := 0; attempt < maxAnnotationRetries; attempt++ {
		seq, head, err := m.store.AnnotationHead(ctx, streamID)
		if err != nil {
			return Annotation{}, fmt.Errorf("failed to read annotation head: %w", err)
		}

		ann := Annotation{
			ID:         uuid.NewString(),
			StreamID:   streamID,
			Seq:        seq + 1,
			RefSeqs:    refSeqs,
			Text:       text,
			AuthorRef:  authorRef,
			CreatedAt:  now,
			PrevDigest: head,
		}
		d, err := AnnotationDigest(ann, head)
		if err != nil {
			return Annotation{}, fmt.Errorf("failed to compute annotation digest: %w", err)
		}
		ann.Digest = d

		err = m.store.AppendAnnotation(ctx, ann)
		if err == nil {
			return ann, nil
		}
		if !errors.Is(err, ledger.ErrSequenceTaken) {
			return Annotation{}, fmt.Errorf("failed to persist annotation: %w", err)
		}
	}
	return Annotation{}, fmt.Errorf("%w %q after %d attempts", ledger.ErrContention, streamID, maxAnnotationRetries)
}

// Annotations returns the annotation stream for streamID in order.
func (m *Manager) Annotations(ctx context.Context, streamID string) ([]Annotation, error) {
	return m.store.StreamAnnotations(ctx, streamID)
}

// StreamView joins a data stream with its annotation stream for display.
// The two remain distinct: annotations are grouped by the seqs they
// reference, never merged into the events.
type StreamView struct {
	Events      []ledger.Event      `json:"events"`
	Annotations []Annotation        `json:"annotations"`
	NotesBySeq  map[uint64][]string `json:"notes_by_seq,omitempty"`
}

// CombinedView reads both streams and indexes annotations by referenced seq.
func (m *Manager) CombinedView(ctx context.Context, streamID string) (*StreamView, error) {
	events, err := m.ledger.ReadStream(ctx, streamID, 0)
	if err != nil {
		return nil, err
	}
	annotations, err := m.store.StreamAnnotations(ctx, streamID)
	if err != nil {
		return nil, err
	}

	view := &StreamView{Events: events, Annotations: annotations}
	if len(annotations) > 0 {
		view.NotesBySeq = make(map[uint64][]string)
		for _, a := range annotations {
			for _, ref := range a.RefSeqs {
				view.NotesBySeq[ref] = append(view.NotesBySeq[ref], a.ID)
			}
		}
	}
	return view, nil
}

func (m *Manager) noteLock(streamID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.noteLocks[streamID]
	if !ok {
		l = &sync.Mutex{}
		m.noteLocks[streamID] = l
	}
	return l
}
