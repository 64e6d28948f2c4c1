// Package ledger records which archives have reached a terminal outcome
// so they are never processed twice, including across restarts.
package ledger

import (
	"context"
	"errors"
	"time"
)

// Outcome is the terminal result recorded for an archive.
type Outcome string

const (
	// OutcomeSucceeded means the archive was built and deployed.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeValidationFailed means the archive was unreadable or had no
	// build file. No build was attempted.
	OutcomeValidationFailed Outcome = "validation_failed"
	// OutcomeBuildFailed means the build Job failed or disappeared.
	OutcomeBuildFailed Outcome = "build_failed"
)

// ErrAlreadyRecorded is returned when a record for the key exists.
// Records are never rewritten.
var ErrAlreadyRecorded = errors.New("archive already recorded")

// Record is one ledger entry.
type Record struct {
	Key       string
	Outcome   Outcome
	Timestamp time.Time
}

// Ledger is a persistent, append-only set of processed archive keys.
// Implementations are safe for concurrent use.
type Ledger interface {
	// Has reports whether key has been recorded.
	Has(ctx context.Context, key string) (bool, error)
	// Record stores rec. It returns ErrAlreadyRecorded if rec.Key is
	// already present.
	Record(ctx context.Context, rec Record) error
	// List returns every record in insertion order.
	List(ctx context.Context) ([]Record, error)
	// Close releases the underlying storage.
	Close() error
}
