// Package transferguard prevents duplicate CKB transfers issued by retrying
// agents.
//
// # Overview
//
// A Guard sits between a caller and a TransferExecutor. Before a transfer is
// broadcast it checks a local submission log (and optionally the on-chain
// ledger) for an equivalent transfer — same recipient, amount and asset —
// issued inside a trailing time window. A match short-circuits with the
// prior transaction hash instead of paying twice.
//
// # Why a local log?
//
// Blockchain-level protection only activates once a transaction is visible
// to the node. The dangerous window is before that: an agent that times out,
// crashes, or races a sibling instance cannot tell whether its broadcast
// took effect. The guard writes a pending record before every executor call,
// so a retry after an ambiguous failure is refused rather than resubmitted.
// That deliberately prefers a false "duplicate" (requiring operator
// reconciliation) over a silent double payment.
//
// # Usage
//
// Basic usage with the in-process log:
//
//	guard := transferguard.NewGuard(executor)
//	outcome, err := guard.Submit(ctx, transferguard.TransferRequest{
//	    Recipient: "ckb1qzda0cr08m85hc8jlnfp3zer7xulejywt49kt2rr0vthywaa50xwsq...",
//	    Amount:    "100000000000", // 1000 CKB in shannons
//	    Window:    24 * time.Hour,
//	})
//
// Durable log plus ledger fallback:
//
//	store, _ := sqlitestore.Open("transfers.db")
//	guard := transferguard.NewGuard(executor,
//	    transferguard.WithStore(store),
//	    transferguard.WithLedger(ledger),
//	)
//
// # How it works
//
//  1. Submit canonicalizes the request and derives its deduplication tuple
//  2. The local log is checked; a pending or confirmed match inside the
//     window returns the prior hash without touching the executor
//  3. With no local match, the ledger fallback (when configured) is
//     consulted; errors there degrade to the local-only decision
//  4. A pending record is inserted atomically with the final local check,
//     so concurrent submissions of one tuple reach the executor once
//  5. The executor result finalizes the record: confirmed on success (and
//     on the chain's own already-exists rejection), failed otherwise
//
// Failed attempts never match future evaluations, so legitimate retries
// proceed. Stuck pending records are resolved by the reconcile extension,
// never by Submit itself.
package transferguard
