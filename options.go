package transferguard

import "time"

// config holds the configuration for a Guard.
type config struct {
	store           RecordStore
	ledger          LedgerQuery
	window          time.Duration
	confirmOnSubmit bool
	now             func() time.Time
}

// Option configures a Guard.
type Option func(*config)

// WithStore sets the local submission log.
//
// Use this for durable or shared backends (sqlite for single agents that
// must survive restarts, redis for racing agent instances).
//
// Default: an in-process MemoryStore.
func WithStore(store RecordStore) Option {
	return func(c *config) {
		c.store = store
	}
}

// WithLedger sets the on-chain fallback consulted when the local log has no
// match, e.g. after a restart with an empty log. Without it the guard
// decides from the local log alone.
func WithLedger(ledger LedgerQuery) Option {
	return func(c *config) {
		c.ledger = ledger
	}
}

// WithDefaultWindow sets the lookback window applied to requests that do
// not carry their own. A repeated (recipient, amount, asset) tuple inside
// the window is treated as a duplicate.
//
// Default: 24 hours.
func WithDefaultWindow(window time.Duration) Option {
	return func(c *config) {
		if window > 0 {
			c.window = window
		}
	}
}

// WithConfirmOnSubmit controls the record status after a successful
// executor call. True (the default) marks the record confirmed as soon as
// the executor returns a hash. Set false for executors that only report
// broadcast, leaving the record pending until reconciliation confirms it.
func WithConfirmOnSubmit(confirm bool) Option {
	return func(c *config) {
		c.confirmOnSubmit = confirm
	}
}

// WithClock overrides the guard's time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}
