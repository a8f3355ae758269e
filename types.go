package transferguard

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// RecordStatus represents the lifecycle state of a submission attempt.
// A record moves pending -> confirmed or pending -> failed and never
// leaves a terminal state.
type RecordStatus string

const (
	StatusPending   RecordStatus = "pending"
	StatusConfirmed RecordStatus = "confirmed"
	StatusFailed    RecordStatus = "failed"
)

// Matchable reports whether a record in this status blocks a new submission
// of the same tuple. Failed attempts never block retries.
func (s RecordStatus) Matchable() bool {
	return s == StatusPending || s == StatusConfirmed
}

// TransferRequest is a caller-supplied transfer intent.
//
// Amount is a decimal integer string in the asset's smallest unit
// (shannons for native CKB). String form keeps amounts 128-bit-safe on the
// wire; Canonicalize normalizes it before any equality comparison.
// Recipient and Asset are compared for exact equality — callers must
// pre-normalize addresses and asset identifiers.
type TransferRequest struct {
	Recipient string        `json:"recipient"`
	Amount    string        `json:"amount"`
	Asset     string        `json:"asset,omitempty"` // empty = native CKB
	Window    time.Duration `json:"window,omitempty"`
}

// Validate checks the request against the guard's input constraints.
func (r TransferRequest) Validate() error {
	if strings.TrimSpace(r.Recipient) == "" {
		return NewTransferError(ErrCodeInvalidRequest, "recipient must not be empty", nil)
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(r.Amount), 10)
	if !ok {
		return NewTransferError(ErrCodeInvalidRequest,
			fmt.Sprintf("amount %q is not a base-10 integer", r.Amount), nil)
	}
	if amount.Sign() < 0 {
		return NewTransferError(ErrCodeInvalidRequest, "amount must be non-negative", nil)
	}
	if r.Window < 0 {
		return NewTransferError(ErrCodeInvalidRequest, "window must be a positive duration", nil)
	}
	return nil
}

// Canonicalize returns a copy of the request with the amount normalized
// (no leading zeros, no surrounding whitespace) so that "0100" and "100"
// match the same record.
func (r TransferRequest) Canonicalize() (TransferRequest, error) {
	if err := r.Validate(); err != nil {
		return TransferRequest{}, err
	}
	amount, _ := new(big.Int).SetString(strings.TrimSpace(r.Amount), 10)
	out := r
	out.Recipient = strings.TrimSpace(r.Recipient)
	out.Amount = amount.String()
	out.Asset = strings.TrimSpace(r.Asset)
	return out, nil
}

// TransferRecord is the persisted outcome of one submission attempt.
// One record per attempt that reached the executor — duplicate decisions
// do not create records. Records are append-and-update only; the guard
// never deletes them (retention is an external policy).
type TransferRecord struct {
	ID        string       `json:"id"`
	Recipient string       `json:"recipient"`
	Amount    string       `json:"amount"`
	Asset     string       `json:"asset,omitempty"`
	TxHash    string       `json:"txHash,omitempty"` // empty until the executor reports one
	Status    RecordStatus `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Matches reports whether this record blocks a new submission of req
// evaluated at now with the given lookback window.
func (rec *TransferRecord) Matches(req TransferRequest, now time.Time, window time.Duration) bool {
	if !rec.Status.Matchable() {
		return false
	}
	if rec.Recipient != req.Recipient || rec.Amount != req.Amount || rec.Asset != req.Asset {
		return false
	}
	return !rec.CreatedAt.Before(now.Add(-window))
}

// DecisionKind is the outcome of evaluating a request against the log.
type DecisionKind int

const (
	// DecisionProceed means no matching transfer was found; the caller may submit.
	DecisionProceed DecisionKind = iota
	// DecisionDuplicate means a matching transfer already exists inside the
	// window; the caller must not resubmit.
	DecisionDuplicate
)

// Decision is the result of Guard.Evaluate.
type Decision struct {
	Kind DecisionKind
	// ExistingTxHash carries the prior transfer identifier on a duplicate.
	// Empty when the matching record is still pending without a known hash.
	ExistingTxHash string
	// Record is the matching local record, when the duplicate came from the
	// local log rather than the on-chain ledger.
	Record *TransferRecord
}

// TransferOutcome is the result of Guard.Submit.
type TransferOutcome struct {
	// TxHash identifies the transfer, whether newly submitted or reused.
	TxHash string `json:"txHash"`
	// Duplicate is true when the outcome reuses a prior transfer instead of
	// submitting a new one.
	Duplicate bool `json:"duplicate"`
	// Record is the local record backing this outcome, when one exists.
	Record *TransferRecord `json:"record,omitempty"`
}

// LedgerEntry is one on-chain match reported by a LedgerQuery collaborator.
type LedgerEntry struct {
	TxHash    string
	Timestamp time.Time
	Status    RecordStatus
}
