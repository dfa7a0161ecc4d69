// Package store provides the persistence backends for events, evidence
// bundles, anchor batches, annotations, and conflict records.
//
// Three backends ship: MemoryStore for tests and ephemeral tooling,
// SQLiteStore for single-node deployments, and PostgresStore for shared
// ones. All three satisfy the consumer interfaces declared by the ledger,
// evidence, anchor, and conflict packages, and all three enforce the same
// contracts: unique (stream_id, seq) pairs, write-once anchor proofs, and
// guarded one-way state transitions.
package store

import (
	"time"
)

// parseTime reads the timestamp encodings the SQL backends write. Zero time
// comes back for an empty or unparseable value.
func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

// formatTime writes timestamps the way parseTime reads them.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
