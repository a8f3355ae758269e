// Package sqlitestore provides a durable RecordStore on SQLite.
//
// The submission log must survive a crash between writing a pending record
// and learning the executor's outcome — that record is the only protection
// against double payment on crash-retry. This store keeps the log in a
// single SQLite file via modernc.org/sqlite (no cgo), suitable for
// single-host agents. For racing agent instances on separate hosts use the
// redis store instead.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ckb-agents/transferguard"
)

// Store implements transferguard.RecordStore on a SQLite database.
//
// Check-and-insert is serialized by a process-level mutex on top of a
// database transaction: the mutex guarantees at most one attempt per tuple
// reaches the executor within this process, the transaction guarantees the
// pending record is durable before the executor is called.
type Store struct {
	mu      sync.Mutex
	db      *sql.DB
	keyFunc transferguard.KeyFunc
}

// Option configures a Store.
type Option func(*Store)

// WithKeyFunc sets the deduplication key derivation.
//
// Default: transferguard.DefaultKeyFunc.
func WithKeyFunc(fn transferguard.KeyFunc) Option {
	return func(s *Store) {
		if fn != nil {
			s.keyFunc = fn
		}
	}
}

// Open opens (creating if needed) a submission log at the given path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open submission log: %w", err)
	}
	// SQLite allows one writer; a second connection would only ever see
	// SQLITE_BUSY behind the store mutex anyway.
	db.SetMaxOpenConns(1)
	return New(db, opts...)
}

// New wraps an existing database handle and runs migrations.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, keyFunc: transferguard.DefaultKeyFunc}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS transfer_records (
		id         TEXT PRIMARY KEY,
		dedup_key  TEXT NOT NULL,
		recipient  TEXT NOT NULL,
		amount     TEXT NOT NULL,
		asset      TEXT NOT NULL DEFAULT '',
		tx_hash    TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transfer_records_dedup
		ON transfer_records (dedup_key, created_at);
	CREATE INDEX IF NOT EXISTS idx_transfer_records_status
		ON transfer_records (status, created_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CheckAndBegin atomically looks for a blocking record for req's tuple and
// inserts rec when none exists.
func (s *Store) CheckAndBegin(ctx context.Context, req transferguard.TransferRequest, window time.Duration, rec *transferguard.TransferRecord) (transferguard.AttemptStatus, *transferguard.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	key := s.keyFunc(req.Recipient, req.Amount, req.Asset)
	since := rec.CreatedAt.Add(-window)

	row := tx.QueryRowContext(ctx, `
		SELECT id, recipient, amount, asset, tx_hash, status, created_at
		FROM transfer_records
		WHERE dedup_key = ?
		  AND recipient = ? AND amount = ? AND asset = ?
		  AND status IN (?, ?)
		  AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT 1`,
		key, req.Recipient, req.Amount, req.Asset,
		string(transferguard.StatusPending), string(transferguard.StatusConfirmed),
		since.UnixNano(),
	)

	existing, err := scanRecord(row)
	if err != nil && err != sql.ErrNoRows {
		return 0, nil, fmt.Errorf("failed to query submission log: %w", err)
	}
	if existing != nil {
		return transferguard.AttemptDuplicate, existing, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transfer_records (id, dedup_key, recipient, amount, asset, tx_hash, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, key, rec.Recipient, rec.Amount, rec.Asset, rec.TxHash,
		string(rec.Status), rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to insert pending record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("failed to commit pending record: %w", err)
	}

	cp := *rec
	return transferguard.AttemptBegun, &cp, nil
}

// Find returns records for the exact tuple created at or after since,
// newest first.
func (s *Store) Find(ctx context.Context, recipient, amount, asset string, since time.Time) ([]*transferguard.TransferRecord, error) {
	key := s.keyFunc(recipient, amount, asset)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient, amount, asset, tx_hash, status, created_at
		FROM transfer_records
		WHERE dedup_key = ?
		  AND recipient = ? AND amount = ? AND asset = ?
		  AND created_at >= ?
		ORDER BY created_at DESC`,
		key, recipient, amount, asset, since.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query submission log: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Complete stores the transaction hash and status on a pending record.
func (s *Store) Complete(ctx context.Context, recordID, txHash string, status transferguard.RecordStatus) error {
	if status != transferguard.StatusPending && status != transferguard.StatusConfirmed {
		return fmt.Errorf("complete: invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE transfer_records SET tx_hash = ?, status = ?
		WHERE id = ? AND status = ?`,
		txHash, string(status), recordID, string(transferguard.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	return requireOneRow(res, "complete", recordID)
}

// Fail marks a pending record failed.
func (s *Store) Fail(ctx context.Context, recordID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transfer_records SET status = ?
		WHERE id = ? AND status = ?`,
		string(transferguard.StatusFailed), recordID, string(transferguard.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	return requireOneRow(res, "fail", recordID)
}

// ListPending returns pending records created before the given time,
// oldest first.
func (s *Store) ListPending(ctx context.Context, before time.Time) ([]*transferguard.TransferRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient, amount, asset, tx_hash, status, created_at
		FROM transfer_records
		WHERE status = ? AND created_at < ?
		ORDER BY created_at ASC`,
		string(transferguard.StatusPending), before.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func requireOneRow(res sql.Result, op, recordID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: record %s not found or already terminal", op, recordID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*transferguard.TransferRecord, error) {
	var rec transferguard.TransferRecord
	var status string
	var createdAt int64
	err := row.Scan(&rec.ID, &rec.Recipient, &rec.Amount, &rec.Asset, &rec.TxHash, &status, &createdAt)
	if err != nil {
		return nil, err
	}
	rec.Status = transferguard.RecordStatus(status)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]*transferguard.TransferRecord, error) {
	var out []*transferguard.TransferRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Ensure Store implements RecordStore
var _ transferguard.RecordStore = (*Store)(nil)
