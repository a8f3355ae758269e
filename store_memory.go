package transferguard

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore provides an in-process implementation of RecordStore.
//
// This implementation is suitable for single-instance agents where the
// submission log doesn't need to survive the process. For crash-retry
// protection use the sqlite store; for racing agent instances use the
// redis store.
//
// Features:
//   - Thread-safe with mutex protection
//   - Atomic check-and-insert per deduplication key
//   - Append-and-update only; records are never deleted
type MemoryStore struct {
	mu      sync.Mutex
	keyFunc KeyFunc
	byKey   map[string][]*TransferRecord
	byID    map[string]*TransferRecord
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithKeyFunc sets the deduplication key derivation. Use BucketedKeyFunc
// for the period-aligned cooldown policy.
//
// Default: DefaultKeyFunc (SHA256 of the tuple).
func WithKeyFunc(fn KeyFunc) MemoryStoreOption {
	return func(s *MemoryStore) {
		if fn != nil {
			s.keyFunc = fn
		}
	}
}

// NewMemoryStore creates a new in-process submission log.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		keyFunc: DefaultKeyFunc,
		byKey:   make(map[string][]*TransferRecord),
		byID:    make(map[string]*TransferRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckAndBegin atomically looks for a blocking record and inserts rec when
// none exists. Two concurrent calls for the same tuple serialize on the
// store mutex; the loser observes the winner's pending record.
func (s *MemoryStore) CheckAndBegin(ctx context.Context, req TransferRequest, window time.Duration, rec *TransferRecord) (AttemptStatus, *TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.keyFunc(req.Recipient, req.Amount, req.Asset)
	if match := latestMatch(s.byKey[key], req, rec.CreatedAt, window); match != nil {
		return AttemptDuplicate, copyRecord(match), nil
	}

	stored := copyRecord(rec)
	s.byKey[key] = append(s.byKey[key], stored)
	s.byID[stored.ID] = stored
	return AttemptBegun, copyRecord(stored), nil
}

// Find returns records for the exact tuple created at or after since,
// newest first.
func (s *MemoryStore) Find(ctx context.Context, recipient, amount, asset string, since time.Time) ([]*TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.keyFunc(recipient, amount, asset)
	var out []*TransferRecord
	for _, rec := range s.byKey[key] {
		if rec.Recipient != recipient || rec.Amount != amount || rec.Asset != asset {
			continue
		}
		if rec.CreatedAt.Before(since) {
			continue
		}
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Complete stores the transaction hash and status on a record.
func (s *MemoryStore) Complete(ctx context.Context, recordID, txHash string, status RecordStatus) error {
	if status != StatusPending && status != StatusConfirmed {
		return fmt.Errorf("complete: invalid status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[recordID]
	if !ok {
		return fmt.Errorf("complete: record %s not found", recordID)
	}
	if rec.Status == StatusConfirmed || rec.Status == StatusFailed {
		return fmt.Errorf("complete: record %s already %s", recordID, rec.Status)
	}
	rec.TxHash = txHash
	rec.Status = status
	return nil
}

// Fail marks a record failed so it no longer blocks retries.
func (s *MemoryStore) Fail(ctx context.Context, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[recordID]
	if !ok {
		return fmt.Errorf("fail: record %s not found", recordID)
	}
	if rec.Status == StatusConfirmed || rec.Status == StatusFailed {
		return fmt.Errorf("fail: record %s already %s", recordID, rec.Status)
	}
	rec.Status = StatusFailed
	return nil
}

// ListPending returns pending records created before the given time,
// oldest first.
func (s *MemoryStore) ListPending(ctx context.Context, before time.Time) ([]*TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*TransferRecord
	for _, rec := range s.byID {
		if rec.Status != StatusPending {
			continue
		}
		if !rec.CreatedAt.Before(before) {
			continue
		}
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func copyRecord(rec *TransferRecord) *TransferRecord {
	cp := *rec
	return &cp
}

// Ensure MemoryStore implements RecordStore
var _ RecordStore = (*MemoryStore)(nil)
