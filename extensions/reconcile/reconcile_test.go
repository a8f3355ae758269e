package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ckb-agents/transferguard"
)

type mockLedger struct {
	entries map[string][]transferguard.LedgerEntry
	err     error
	calls   int
}

func (m *mockLedger) FindRecent(ctx context.Context, recipient, amount, asset string, since time.Time) ([]transferguard.LedgerEntry, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.entries[recipient+"|"+amount+"|"+asset], nil
}

func seedPending(t *testing.T, store transferguard.RecordStore, recipient, amount string, at time.Time) *transferguard.TransferRecord {
	t.Helper()
	req := transferguard.TransferRequest{Recipient: recipient, Amount: amount}
	rec := &transferguard.TransferRecord{
		ID:        transferguard.NewRecordID(),
		Recipient: recipient,
		Amount:    amount,
		Status:    transferguard.StatusPending,
		CreatedAt: at,
	}
	status, inserted, err := store.CheckAndBegin(context.Background(), req, 0, rec)
	if err != nil {
		t.Fatalf("CheckAndBegin: %v", err)
	}
	if status != transferguard.AttemptBegun {
		t.Fatalf("Expected fresh insert, got %v", status)
	}
	return inserted
}

func TestReconciler_ConfirmsLedgerMatch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := transferguard.NewMemoryStore()
	seedPending(t, store, "addr1", "100", now.Add(-10*time.Minute))

	ledger := &mockLedger{entries: map[string][]transferguard.LedgerEntry{
		"addr1|100|": {{TxHash: "tx1", Timestamp: now.Add(-9 * time.Minute), Status: transferguard.StatusConfirmed}},
	}}

	r := New(store, ledger, WithClock(func() time.Time { return now }))
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Confirmed != 1 || report.Examined != 1 {
		t.Fatalf("Expected 1 confirmed of 1 examined, got %+v", report)
	}

	records, err := store.Find(context.Background(), "addr1", "100", "", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if records[0].Status != transferguard.StatusConfirmed || records[0].TxHash != "tx1" {
		t.Errorf("Expected confirmed record with tx1, got %+v", records[0])
	}
}

func TestReconciler_FailsUnseenAfterAge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := transferguard.NewMemoryStore()
	seedPending(t, store, "addr1", "100", now.Add(-2*time.Hour))

	ledger := &mockLedger{}
	r := New(store, ledger, WithClock(func() time.Time { return now }))

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("Expected 1 failed, got %+v", report)
	}

	// A failed record no longer blocks a fresh transfer
	records, err := store.Find(context.Background(), "addr1", "100", "", now.Add(-3*time.Hour))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if records[0].Status != transferguard.StatusFailed {
		t.Errorf("Expected failed status, got %s", records[0].Status)
	}
}

func TestReconciler_UnseenButYoungStaysPending(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := transferguard.NewMemoryStore()
	seedPending(t, store, "addr1", "100", now.Add(-10*time.Minute))

	ledger := &mockLedger{}
	r := New(store, ledger, WithClock(func() time.Time { return now }))

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Unresolved != 1 {
		t.Fatalf("Expected 1 unresolved, got %+v", report)
	}
}

func TestReconciler_PendingLedgerEntryStaysPending(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := transferguard.NewMemoryStore()
	seedPending(t, store, "addr1", "100", now.Add(-2*time.Hour))

	// On chain but not final: never mark failed, never confirm yet.
	ledger := &mockLedger{entries: map[string][]transferguard.LedgerEntry{
		"addr1|100|": {{TxHash: "tx1", Timestamp: now.Add(-time.Hour), Status: transferguard.StatusPending}},
	}}
	r := New(store, ledger, WithClock(func() time.Time { return now }))

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Unresolved != 1 || report.Failed != 0 {
		t.Fatalf("Expected unresolved, got %+v", report)
	}
}

func TestReconciler_SkipsYoungRecords(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := transferguard.NewMemoryStore()
	seedPending(t, store, "addr1", "100", now.Add(-10*time.Second))

	ledger := &mockLedger{}
	r := New(store, ledger, WithClock(func() time.Time { return now }))

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Examined != 0 {
		t.Fatalf("Expected young record skipped, got %+v", report)
	}
	if ledger.calls != 0 {
		t.Errorf("Expected no ledger calls, got %d", ledger.calls)
	}
}

func TestReconciler_LedgerErrorAbortsRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := transferguard.NewMemoryStore()
	seedPending(t, store, "addr1", "100", now.Add(-2*time.Hour))

	ledger := &mockLedger{err: errors.New("node unreachable")}
	r := New(store, ledger, WithClock(func() time.Time { return now }))

	if _, err := r.Run(context.Background()); err == nil {
		t.Fatal("Expected error when ledger is unreachable")
	}

	// The record must remain pending: no guessing on partial information
	records, err := store.Find(context.Background(), "addr1", "100", "", now.Add(-3*time.Hour))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if records[0].Status != transferguard.StatusPending {
		t.Errorf("Expected record still pending, got %s", records[0].Status)
	}
}
