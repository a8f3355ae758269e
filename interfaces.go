package transferguard

import (
	"context"
	"time"
)

// LedgerQuery is a read-only view of the chain used as a fallback when the
// local log has no answer (e.g. after a restart with no local history).
// Implementations may block on network I/O; callers needing bounded latency
// should pass a context with a deadline. The guard treats any error as
// inconclusive and degrades to the local-log-only decision.
type LedgerQuery interface {
	// FindRecent returns on-chain transfers matching the exact
	// (recipient, amount, asset) tuple with a timestamp at or after since,
	// newest first.
	FindRecent(ctx context.Context, recipient, amount, asset string, since time.Time) ([]LedgerEntry, error)
}

// TransferExecutor builds, signs and broadcasts a transfer, returning its
// transaction hash. It fails with *AlreadyExistsError when the chain layer
// itself reports the exact transfer was already accepted, and with any
// other error for ordinary failures (network, validation, insufficient
// funds). The guard never constructs transactions itself.
type TransferExecutor interface {
	Submit(ctx context.Context, req TransferRequest) (string, error)
}

// AttemptStatus is the result of RecordStore.CheckAndBegin.
type AttemptStatus int

const (
	// AttemptBegun means no matching record existed; a new pending record
	// was inserted and the caller owns the submission.
	AttemptBegun AttemptStatus = iota
	// AttemptDuplicate means a matching pending or confirmed record already
	// exists inside the window; the caller must not submit.
	AttemptDuplicate
)

// RecordStore is the local submission log. Implementations must be safe for
// concurrent use and must serialize CheckAndBegin per
// (recipient, amount, asset) tuple so that two concurrent submissions of an
// identical request never both begin an attempt.
//
// The log is append-and-update only: records are inserted by CheckAndBegin
// and finalized by Complete or Fail; nothing here deletes them.
type RecordStore interface {
	// CheckAndBegin atomically looks for a pending or confirmed record
	// matching req inside the window and, when none exists, inserts the
	// given pending record. It returns AttemptDuplicate with the most
	// recently created match, or AttemptBegun with the inserted record.
	CheckAndBegin(ctx context.Context, req TransferRequest, window time.Duration, rec *TransferRecord) (AttemptStatus, *TransferRecord, error)

	// Find returns records matching the exact tuple with CreatedAt at or
	// after since, regardless of status, newest first.
	Find(ctx context.Context, recipient, amount, asset string, since time.Time) ([]*TransferRecord, error)

	// Complete stores the transaction hash on the record and sets its
	// status. Status must be StatusPending (broadcast-only executors) or
	// StatusConfirmed.
	Complete(ctx context.Context, recordID, txHash string, status RecordStatus) error

	// Fail marks the record failed. Failed records never match future
	// evaluations.
	Fail(ctx context.Context, recordID string) error

	// ListPending returns pending records created before the given time,
	// oldest first. Used by reconciliation, never by the guard itself.
	ListPending(ctx context.Context, before time.Time) ([]*TransferRecord, error)
}
