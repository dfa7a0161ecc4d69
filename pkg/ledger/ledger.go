package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trialmesh/chronicle/pkg/digest"
)

// DefaultSkewTolerance bounds how far a claimed client timestamp may sit in
// the future of server time before the event is flagged. Flagged events are
// still appended: clock drift is the client's problem to resolve, never
// grounds for data loss.
const DefaultSkewTolerance = 24 * time.Hour

// maxAppendRetries bounds re-reads of the stream head when racing writers in
// another process. The in-process stream lock makes retries rare.
const maxAppendRetries = 5

// Store is the durable substrate the ledger appends to. Implementations must
// enforce a unique (stream_id, seq) pair and return ErrSequenceTaken on
// violation; no update or delete operation exists on this interface.
type Store interface {
	AppendEvent(ctx context.Context, ev Event) error
	StreamEvents(ctx context.Context, streamID string, fromSeq uint64) ([]Event, error)
	Head(ctx context.Context, streamID string) (seq uint64, head digest.Digest, err error)
	StreamIDs(ctx context.Context) ([]string, error)
}

// Guard pre-validates submission payloads. A nil Guard admits any payload
// that canonicalizes.
type Guard interface {
	Check(payload []byte, at time.Time) error
}

// Ledger serializes appends per stream and computes chain digests.
// Appends to different streams proceed in parallel; appends to the same
// stream are strictly serialized.
type Ledger struct {
	store         Store
	guard         Guard
	clock         func() time.Time
	skewTolerance time.Duration

	mu      sync.Mutex
	streams map[string]*sync.Mutex
}

// New creates a Ledger over the given store.
func New(store Store) *Ledger {
	return &Ledger{
		store:         store,
		clock:         time.Now,
		skewTolerance: DefaultSkewTolerance,
		streams:       make(map[string]*sync.Mutex),
	}
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithGuard installs a payload guard evaluated before any write.
func (l *Ledger) WithGuard(g Guard) *Ledger {
	l.guard = g
	return l
}

// WithSkewTolerance overrides the future-skew flagging bound.
func (l *Ledger) WithSkewTolerance(d time.Duration) *Ledger {
	l.skewTolerance = d
	return l
}

// streamLock returns the exclusive section for one stream.
func (l *Ledger) streamLock(streamID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.streams[streamID]
	if !ok {
		m = &sync.Mutex{}
		l.streams[streamID] = m
	}
	return m
}

// Append validates, sequences, chains, and durably persists one submission.
// Once Append returns an Event, that Event is permanent: there is no cancel,
// no update, and no delete. Concurrent appends to the same stream serialize;
// a losing writer's submission is retried with a fresh sequence number, never
// dropped.
func (l *Ledger) Append(ctx context.Context, req AppendRequest) (Event, error) {
	if req.StreamID == "" {
		return Event{}, invalid("stream_id", "required")
	}
	if len(req.Payload) == 0 {
		return Event{}, invalid("payload", "required")
	}
	if req.ActorRef == "" {
		return Event{}, invalid("actor_ref", "required")
	}
	if req.ClientTime.IsZero() {
		return Event{}, invalid("client_time", "required")
	}
	if req.Origin == "" {
		req.Origin = OriginLive
	}

	now := l.clock().UTC()
	if l.guard != nil {
		if err := l.guard.Check(req.Payload, now); err != nil {
			return Event{}, err
		}
	}

	// Soft validation: absurd future skew is flagged, not rejected.
	skewFlagged := req.ClientTime.After(now.Add(l.skewTolerance))

	lock := l.streamLock(req.StreamID)
	lock.Lock()
	defer lock.Unlock()

	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		seq, head, err := l.store.Head(ctx, req.StreamID)
		if errors.Is(err, ErrStreamNotFound) {
			seq, head = 0, ""
		} else if err != nil {
			return Event{}, fmt.Errorf("failed to read stream head: %w", err)
		}

		ev := Event{
			ID:          uuid.NewString(),
			StreamID:    req.StreamID,
			Seq:         seq + 1,
			Payload:     req.Payload,
			ActorRef:    req.ActorRef,
			DeviceID:    req.DeviceID,
			Origin:      req.Origin,
			SlotKey:     req.SlotKey,
			ClientTime:  req.ClientTime.UTC(),
			ServerTime:  now,
			SkewFlagged: skewFlagged,
			PrevDigest:  head,
		}

		d, err := EventDigest(ev, head)
		if err != nil {
			if errors.Is(err, digest.ErrNotCanonicalizable) {
				return Event{}, invalid("payload", err.Error())
			}
			return Event{}, fmt.Errorf("failed to compute event digest: %w", err)
		}
		ev.Digest = d

		err = l.store.AppendEvent(ctx, ev)
		if err == nil {
			return ev, nil
		}
		if !errors.Is(err, ErrSequenceTaken) {
			return Event{}, fmt.Errorf("failed to persist event: %w", err)
		}
		// Another process won the slot; re-read the head and re-chain.
	}

	return Event{}, fmt.Errorf("%w %q after %d attempts", ErrContention, req.StreamID, maxAppendRetries)
}

// ReadStream returns the events of a stream in sequence order, starting at
// fromSeq (0 or 1 reads from the beginning). Replayable; never mutates.
func (l *Ledger) ReadStream(ctx context.Context, streamID string, fromSeq uint64) ([]Event, error) {
	if streamID == "" {
		return nil, invalid("stream_id", "required")
	}
	return l.store.StreamEvents(ctx, streamID, fromSeq)
}

// HeadDigest returns the chain digest of the most recently appended event.
func (l *Ledger) HeadDigest(ctx context.Context, streamID string) (digest.Digest, error) {
	if streamID == "" {
		return "", invalid("stream_id", "required")
	}
	_, head, err := l.store.Head(ctx, streamID)
	if err != nil {
		return "", err
	}
	return head, nil
}
