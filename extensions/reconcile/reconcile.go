// Package reconcile resolves transfer records stranded in the pending state.
//
// # Overview
//
// When a process crashes after writing a pending record but before learning
// the executor's outcome, or when submission fails ambiguously (timeout,
// connection reset), the record stays pending. Pending records block
// duplicate submissions for their whole window, so they must be resolved
// deliberately, not guessed at.
//
// # Why an Extension?
//
// The guard never resolves ambiguity on its own: it cannot know whether the
// transaction reached the chain. Reconciliation is a separate, explicitly
// invoked step that consults the ledger and settles each stranded record one
// way or the other. Run it on startup after a crash, or periodically from a
// scheduler.
//
// # Usage
//
//	rec := reconcile.New(store, ledger)
//	report, err := rec.Run(ctx)
//
// Records whose transaction the ledger confirms are marked confirmed.
// Records the ledger has never seen are marked failed only once they are
// older than the fail-unseen age (default one hour), leaving room for
// propagation delay:
//
//	rec := reconcile.New(store, ledger,
//	    reconcile.WithFailUnseenAfter(15*time.Minute),
//	)
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/ckb-agents/transferguard"
)

// Resolution describes what happened to one pending record.
type Resolution struct {
	Record  *transferguard.TransferRecord
	Outcome ResolutionOutcome
	TxHash  string
}

// ResolutionOutcome is the result of reconciling one record.
type ResolutionOutcome string

const (
	// OutcomeConfirmed means the ledger showed a matching transaction and
	// the record was marked confirmed.
	OutcomeConfirmed ResolutionOutcome = "confirmed"

	// OutcomeFailed means the ledger showed nothing after the fail-unseen
	// age and the record was marked failed.
	OutcomeFailed ResolutionOutcome = "failed"

	// OutcomeUnresolved means the record stays pending: either the ledger
	// showed an entry that is itself still pending, or the record is too
	// young to declare lost.
	OutcomeUnresolved ResolutionOutcome = "unresolved"
)

// Report summarizes one reconciliation run.
type Report struct {
	Examined    int
	Confirmed   int
	Failed      int
	Unresolved  int
	Resolutions []Resolution
}

// Reconciler settles stranded pending records against the ledger.
type Reconciler struct {
	store           transferguard.RecordStore
	ledger          transferguard.LedgerQuery
	minAge          time.Duration
	failUnseenAfter time.Duration
	now             func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMinAge sets how old a pending record must be before it is examined.
//
// Records younger than this are likely still in flight in a live process
// and are skipped entirely.
//
// Default: 1 minute.
func WithMinAge(d time.Duration) Option {
	return func(r *Reconciler) {
		if d >= 0 {
			r.minAge = d
		}
	}
}

// WithFailUnseenAfter sets how old a pending record must be before an empty
// ledger answer is treated as proof the transaction never landed.
//
// Until that age the record stays pending, since the ledger may simply not
// have indexed the transaction yet.
//
// Default: 1 hour.
func WithFailUnseenAfter(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.failUnseenAfter = d
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a Reconciler over a submission log and a ledger.
func New(store transferguard.RecordStore, ledger transferguard.LedgerQuery, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:           store,
		ledger:          ledger,
		minAge:          time.Minute,
		failUnseenAfter: time.Hour,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run examines every pending record old enough to be stranded and resolves
// it against the ledger.
//
// A ledger error aborts the run: resolving records on partial information
// risks marking a paid transfer failed, which would unblock a duplicate.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	now := r.now()
	pending, err := r.store.ListPending(ctx, now.Add(-r.minAge))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending records: %w", err)
	}

	report := &Report{}
	for _, rec := range pending {
		resolution, err := r.resolve(ctx, rec, now)
		if err != nil {
			return nil, err
		}
		report.Examined++
		report.Resolutions = append(report.Resolutions, resolution)
		switch resolution.Outcome {
		case OutcomeConfirmed:
			report.Confirmed++
		case OutcomeFailed:
			report.Failed++
		default:
			report.Unresolved++
		}
	}
	return report, nil
}

func (r *Reconciler) resolve(ctx context.Context, rec *transferguard.TransferRecord, now time.Time) (Resolution, error) {
	// Search from slightly before the record's creation: the ledger
	// timestamps by block, which can lag the local clock.
	since := rec.CreatedAt.Add(-5 * time.Minute)
	entries, err := r.ledger.FindRecent(ctx, rec.Recipient, rec.Amount, rec.Asset, since)
	if err != nil {
		return Resolution{}, fmt.Errorf("ledger query for record %s: %w", rec.ID, err)
	}

	for _, entry := range entries {
		switch entry.Status {
		case transferguard.StatusConfirmed:
			if err := r.store.Complete(ctx, rec.ID, entry.TxHash, transferguard.StatusConfirmed); err != nil {
				return Resolution{}, fmt.Errorf("failed to confirm record %s: %w", rec.ID, err)
			}
			return Resolution{Record: rec, Outcome: OutcomeConfirmed, TxHash: entry.TxHash}, nil
		case transferguard.StatusPending:
			// On chain but not final. Keep blocking and check again later.
			return Resolution{Record: rec, Outcome: OutcomeUnresolved, TxHash: entry.TxHash}, nil
		}
	}

	if now.Sub(rec.CreatedAt) >= r.failUnseenAfter {
		if err := r.store.Fail(ctx, rec.ID); err != nil {
			return Resolution{}, fmt.Errorf("failed to mark record %s failed: %w", rec.ID, err)
		}
		return Resolution{Record: rec, Outcome: OutcomeFailed}, nil
	}
	return Resolution{Record: rec, Outcome: OutcomeUnresolved}, nil
}
