package digest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// ErrNotCanonicalizable indicates input that cannot be rendered as canonical JSON.
var ErrNotCanonicalizable = errors.New("digest: payload is not canonicalizable JSON")

// ChainMeta carries the event envelope fields bound into a chain digest.
// Every field participates in the hash; changing any of them after the fact
// is detectable by replay.
type ChainMeta struct {
	StreamID    string
	Seq         uint64
	ActorRef    string
	DeviceID    string
	Origin      string
	SlotKey     string
	ClientTime  time.Time
	ServerTime  time.Time
	SkewFlagged bool
}

// chainEnvelope is the canonical hash input for one event.
// Field order is irrelevant: JCS sorts keys during canonicalization.
type chainEnvelope struct {
	StreamID    string          `json:"stream_id"`
	Seq         uint64          `json:"seq"`
	ActorRef    string          `json:"actor_ref"`
	DeviceID    string          `json:"device_id"`
	Origin      string          `json:"origin"`
	SlotKey     string          `json:"slot_key"`
	ClientTime  string          `json:"client_time"`
	ServerTime  string          `json:"server_time"`
	SkewFlagged bool            `json:"skew_flagged"`
	Payload     json.RawMessage `json:"payload"`
	Prev        string          `json:"prev"`
}

// Canonicalize returns the RFC 8785 canonical form of raw JSON, with every
// string (keys and values) normalized to Unicode NFC first so that
// semantically identical text always digests identically.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCanonicalizable, err)
	}
	// Reject trailing garbage after the first JSON value.
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after JSON value", ErrNotCanonicalizable)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalizeNFC(v)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCanonicalizable, err)
	}

	out, err := jcs.Transform(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCanonicalizable, err)
	}
	return out, nil
}

// CanonicalSum computes the digest of the canonical form of raw JSON.
func CanonicalSum(raw []byte) (Digest, error) {
	canon, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	return Sum(canon), nil
}

// Compute binds a payload to its chain position and returns the event digest.
// Pure and deterministic: same payload, prev link, and metadata always yield
// the same digest. Malformed payloads are rejected before hashing.
func Compute(payload []byte, prev Digest, meta ChainMeta) (Digest, error) {
	canonPayload, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	if !prev.IsZero() && !prev.Valid() {
		return "", fmt.Errorf("%w: prev link %q", ErrMalformed, string(prev))
	}

	env := chainEnvelope{
		StreamID:    meta.StreamID,
		Seq:         meta.Seq,
		ActorRef:    meta.ActorRef,
		DeviceID:    meta.DeviceID,
		Origin:      meta.Origin,
		SlotKey:     meta.SlotKey,
		ClientTime:  meta.ClientTime.UTC().Format(time.RFC3339Nano),
		ServerTime:  meta.ServerTime.UTC().Format(time.RFC3339Nano),
		SkewFlagged: meta.SkewFlagged,
		Payload:     canonPayload,
		Prev:        string(prev),
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chain envelope: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotCanonicalizable, err)
	}
	return Sum(canon), nil
}

// normalizeNFC walks a decoded JSON value and NFC-normalizes every string.
func normalizeNFC(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case []interface{}:
		for i, elem := range t {
			t[i] = normalizeNFC(elem)
		}
		return t
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, elem := range t {
			out[norm.NFC.String(k)] = normalizeNFC(elem)
		}
		return out
	default:
		return v
	}
}
