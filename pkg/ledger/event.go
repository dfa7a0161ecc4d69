// Package ledger provides the append-only event model for clinical data
// streams and the single-writer append path.
//
// Every mutation to a regulated record is an Event: immutable once appended,
// hash-chained to its predecessor, attributable to an actor and device. The
// interface deliberately has no update, delete, or replace operation; the
// only way to change history is to append a superseding event.
package ledger

import (
	"encoding/json"
	"time"

	"github.com/trialmesh/chronicle/pkg/digest"
)

// Origin records how a submission reached the ledger.
type Origin string

const (
	// OriginLive marks a direct, online entry.
	OriginLive Origin = "live"
	// OriginSync marks an offline-captured entry delivered by the sync layer.
	OriginSync Origin = "sync"
)

// Event is one immutable, chained unit of recorded data.
type Event struct {
	ID          string          `json:"id"`
	StreamID    string          `json:"stream_id"`
	Seq         uint64          `json:"seq"`
	Payload     json.RawMessage `json:"payload"`
	ActorRef    string          `json:"actor_ref"`
	DeviceID    string          `json:"device_id"`
	Origin      Origin          `json:"origin"`
	SlotKey     string          `json:"slot_key,omitempty"`
	ClientTime  time.Time       `json:"client_time"`
	ServerTime  time.Time       `json:"server_time"`
	SkewFlagged bool            `json:"skew_flagged,omitempty"`
	PrevDigest  digest.Digest   `json:"prev_digest,omitempty"`
	Digest      digest.Digest   `json:"digest"`
}

// AppendRequest carries one submission into Append.
type AppendRequest struct {
	StreamID   string
	Payload    json.RawMessage
	ActorRef   string
	DeviceID   string
	Origin     Origin
	SlotKey    string
	ClientTime time.Time
}

// EventDigest recomputes the chain digest of e assuming prev as its chain
// link. Verifiers call this with the digest they recomputed for the prior
// event, never with the stored one.
func EventDigest(e Event, prev digest.Digest) (digest.Digest, error) {
	return digest.Compute(e.Payload, prev, digest.ChainMeta{
		StreamID:    e.StreamID,
		Seq:         e.Seq,
		ActorRef:    e.ActorRef,
		DeviceID:    e.DeviceID,
		Origin:      string(e.Origin),
		SlotKey:     e.SlotKey,
		ClientTime:  e.ClientTime,
		ServerTime:  e.ServerTime,
		SkewFlagged: e.SkewFlagged,
	})
}
