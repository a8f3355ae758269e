package transferguard

import (
	"context"
	"errors"
	"time"
)

// DefaultWindow is the lookback applied when a request carries no window of
// its own and the guard was not configured with one.
const DefaultWindow = 24 * time.Hour

// Guard decides, before a transfer is broadcast, whether an equivalent
// transfer was already issued inside a trailing time window. It sits
// strictly between the caller and the TransferExecutor: duplicates
// short-circuit with the prior result and never reach the executor.
//
// The local RecordStore is authoritative; the optional LedgerQuery is a
// fallback consulted only when the local log has no match. Every degraded
// path errs toward a false duplicate, never a false proceed.
type Guard struct {
	store           RecordStore
	executor        TransferExecutor
	ledger          LedgerQuery
	window          time.Duration
	confirmOnSubmit bool
	now             func() time.Time

	// Lifecycle hooks
	beforeSubmitHooks []BeforeSubmitHook
	afterSubmitHooks  []AfterSubmitHook
	onDuplicateHooks  []OnDuplicateHook
	onSubmitFailHooks []OnSubmitFailureHook
}

// NewGuard creates a Guard around the given executor.
//
// Default configuration:
//   - MemoryStore local log
//   - no LedgerQuery fallback
//   - 24 hour lookback window
//   - records marked confirmed as soon as the executor returns a hash
func NewGuard(executor TransferExecutor, opts ...Option) *Guard {
	cfg := &config{
		window:          DefaultWindow,
		confirmOnSubmit: true,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	store := cfg.store
	if store == nil {
		store = NewMemoryStore()
	}

	return &Guard{
		store:           store,
		executor:        executor,
		ledger:          cfg.ledger,
		window:          cfg.window,
		confirmOnSubmit: cfg.confirmOnSubmit,
		now:             cfg.now,
	}
}

// Store returns the guard's local log, for wiring reconciliation.
func (g *Guard) Store() RecordStore {
	return g.store
}

// windowFor resolves the effective lookback for a request.
func (g *Guard) windowFor(req TransferRequest) time.Duration {
	if req.Window > 0 {
		return req.Window
	}
	return g.window
}

// Evaluate decides whether req duplicates a transfer already issued inside
// the window. It performs no mutation: it reads the local log and, when the
// log has no match, optionally the LedgerQuery collaborator. Ledger errors
// are treated as inconclusive and degrade to the local-only decision.
func (g *Guard) Evaluate(ctx context.Context, req TransferRequest) (Decision, error) {
	req, err := req.Canonicalize()
	if err != nil {
		return Decision{}, err
	}

	now := g.now()
	window := g.windowFor(req)

	records, err := g.store.Find(ctx, req.Recipient, req.Amount, req.Asset, now.Add(-window))
	if err != nil {
		return Decision{}, NewTransferError(ErrCodeStoreFailure, err.Error(), nil)
	}
	if match := latestMatch(records, req, now, window); match != nil {
		return Decision{Kind: DecisionDuplicate, ExistingTxHash: match.TxHash, Record: match}, nil
	}

	if g.ledger != nil {
		entries, err := g.ledger.FindRecent(ctx, req.Recipient, req.Amount, req.Asset, now.Add(-window))
		if err == nil {
			if entry := latestLedgerMatch(entries, now, window); entry != nil {
				return Decision{Kind: DecisionDuplicate, ExistingTxHash: entry.TxHash}, nil
			}
		}
		// Ledger unreachable or timed out: inconclusive. The local log had
		// no match, so proceeding is the local-only decision.
	}

	return Decision{Kind: DecisionProceed}, nil
}

// Submit evaluates req and, unless it is a duplicate, records a pending
// attempt and hands the transfer to the executor.
//
// The pending record is written before the executor is called; if that
// write fails the submission is aborted, since the record is the only
// protection against double-submission on crash-retry. If the executor
// never returns, the record stays pending and later submissions of the
// same tuple are refused — resolving that requires explicit
// reconciliation, never a resubmit.
func (g *Guard) Submit(ctx context.Context, req TransferRequest) (*TransferOutcome, error) {
	req, err := req.Canonicalize()
	if err != nil {
		return nil, err
	}

	now := g.now()
	window := g.windowFor(req)
	start := now

	g.runBeforeSubmitHooks(ctx, req)

	// Local log first. Only when it has no match is the ledger fallback
	// consulted, so the common path costs no network round trip. A race
	// between this read and the insert below is caught by CheckAndBegin.
	records, err := g.store.Find(ctx, req.Recipient, req.Amount, req.Asset, now.Add(-window))
	if err != nil {
		return nil, NewTransferError(ErrCodeStoreFailure, err.Error(), nil)
	}
	if match := latestMatch(records, req, now, window); match != nil {
		outcome := &TransferOutcome{TxHash: match.TxHash, Duplicate: true, Record: match}
		g.runDuplicateHooks(ctx, req, outcome)
		return outcome, nil
	}
	if g.ledger != nil {
		if dup := g.ledgerDuplicate(ctx, req, now, window); dup != nil {
			g.runDuplicateHooks(ctx, req, dup)
			return dup, nil
		}
	}

	status, rec, err := g.store.CheckAndBegin(ctx, req, window, newPendingRecord(req, now))
	if err != nil {
		return nil, NewTransferError(ErrCodeStoreFailure, err.Error(), nil)
	}

	if status == AttemptDuplicate {
		outcome := &TransferOutcome{TxHash: rec.TxHash, Duplicate: true, Record: rec}
		g.runDuplicateHooks(ctx, req, outcome)
		return outcome, nil
	}

	txHash, submitErr := g.executor.Submit(ctx, req)

	if submitErr != nil {
		var exists *AlreadyExistsError
		if errors.As(submitErr, &exists) {
			// The chain layer already holds this transfer: success.
			if err := g.store.Complete(ctx, rec.ID, exists.TxHash, StatusConfirmed); err != nil {
				return nil, NewTransferError(ErrCodeStoreFailure, err.Error(), nil)
			}
			rec.TxHash = exists.TxHash
			rec.Status = StatusConfirmed
			outcome := &TransferOutcome{TxHash: exists.TxHash, Record: rec}
			g.runAfterSubmitHooks(ctx, req, outcome, g.now().Sub(start))
			return outcome, nil
		}

		if err := g.store.Fail(ctx, rec.ID); err != nil {
			return nil, NewTransferError(ErrCodeStoreFailure, err.Error(), nil)
		}
		failure := NewSubmissionError("executor rejected transfer", submitErr)
		g.runSubmitFailureHooks(ctx, req, failure, g.now().Sub(start))
		return nil, failure
	}

	finalStatus := StatusConfirmed
	if !g.confirmOnSubmit {
		// Executor only reports broadcast; confirmation arrives later via
		// reconciliation.
		finalStatus = StatusPending
	}
	if err := g.store.Complete(ctx, rec.ID, txHash, finalStatus); err != nil {
		return nil, NewTransferError(ErrCodeStoreFailure, err.Error(), nil)
	}
	rec.TxHash = txHash
	rec.Status = finalStatus

	outcome := &TransferOutcome{TxHash: txHash, Record: rec}
	g.runAfterSubmitHooks(ctx, req, outcome, g.now().Sub(start))
	return outcome, nil
}

// ledgerDuplicate consults the LedgerQuery fallback, returning a duplicate
// outcome or nil. Errors are inconclusive and reported as nil.
func (g *Guard) ledgerDuplicate(ctx context.Context, req TransferRequest, now time.Time, window time.Duration) *TransferOutcome {
	entries, err := g.ledger.FindRecent(ctx, req.Recipient, req.Amount, req.Asset, now.Add(-window))
	if err != nil {
		return nil
	}
	entry := latestLedgerMatch(entries, now, window)
	if entry == nil {
		return nil
	}
	return &TransferOutcome{TxHash: entry.TxHash, Duplicate: true}
}

// latestLedgerMatch picks the newest pending/confirmed ledger entry inside
// the window.
func latestLedgerMatch(entries []LedgerEntry, now time.Time, window time.Duration) *LedgerEntry {
	var best *LedgerEntry
	for i := range entries {
		entry := &entries[i]
		if !entry.Status.Matchable() {
			continue
		}
		if entry.Timestamp.Before(now.Add(-window)) {
			continue
		}
		if best == nil || !entry.Timestamp.Before(best.Timestamp) {
			best = entry
		}
	}
	return best
}
