//go:build property
// +build property

package digest_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/trialmesh/chronicle/pkg/digest"
)

// TestCanonicalizeIdempotent verifies canonical output is a fixed point.
// Property: Canonicalize(Canonicalize(x)) == Canonicalize(x)
func TestCanonicalizeIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical form is a fixed point", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				obj[keys[i]] = values[i]
			}
			raw, err := json.Marshal(obj)
			if err != nil {
				return true
			}

			once, err := digest.Canonicalize(raw)
			if err != nil {
				return false
			}
			twice, err := digest.Canonicalize(once)
			if err != nil {
				return false
			}
			return string(once) == string(twice)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}

// TestComputeDeterministic verifies chain digests are a pure function of
// payload, prev link, and metadata.
func TestComputeDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	properties.Property("same inputs yield same digest", prop.ForAll(
		func(stream string, seq uint64, field string, value string) bool {
			raw, err := json.Marshal(map[string]any{field: value})
			if err != nil {
				return true
			}
			meta := digest.ChainMeta{
				StreamID:   stream,
				Seq:        seq,
				ActorRef:   "patient:prop",
				DeviceID:   "device-prop",
				Origin:     "sync",
				ClientTime: at,
				ServerTime: at,
			}
			d1, err1 := digest.Compute(raw, "", meta)
			d2, err2 := digest.Compute(raw, "", meta)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return d1 == d2 && d1.Valid()
		},
		gen.AlphaString(),
		gen.UInt64(),
		gen.AlphaString(),
		gen.AnyString(),
	))

	properties.Property("sequence participates in the digest", prop.ForAll(
		func(seq uint64) bool {
			if seq == 0 || seq+1 == 0 {
				return true
			}
			raw := []byte(`{"sev":"mild"}`)
			meta := digest.ChainMeta{StreamID: "s", Seq: seq, ClientTime: at, ServerTime: at}
			next := meta
			next.Seq = seq + 1

			d1, err1 := digest.Compute(raw, "", meta)
			d2, err2 := digest.Compute(raw, "", next)
			if err1 != nil || err2 != nil {
				return false
			}
			return d1 != d2
		},
		gen.UInt64(),
	))

	properties.TestingRun(t)
}
