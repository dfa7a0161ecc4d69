package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrStreamNotFound indicates a stream with no appended events.
	ErrStreamNotFound = errors.New("ledger: stream not found")

	// ErrSequenceTaken is returned by stores when another writer already
	// persisted an event at the chosen sequence number. The append path
	// absorbs it by re-reading the head and retrying with the same payload;
	// the submission is never dropped.
	ErrSequenceTaken = errors.New("ledger: sequence already taken")

	// ErrContention indicates the append path exhausted its retries while
	// racing other writers on the same stream.
	ErrContention = errors.New("ledger: append contention on stream")
)

// ValidationError rejects a malformed submission before any write happens.
// The caller fixes the input and retries; nothing was persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ledger: invalid submission: %s: %s", e.Field, e.Reason)
}

// invalid builds a *ValidationError as an error value.
func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
