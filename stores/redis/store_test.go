package redisstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ckb-agents/transferguard"
)

// openTestStore requires a running Redis on localhost. We skip if the
// connection fails. Each test gets its own key prefix so runs never
// interfere.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	t.Cleanup(func() { _ = client.Close() })
	prefix := fmt.Sprintf("transferguard-test:%s:", transferguard.NewRecordID())
	return New(client, WithKeyPrefix(prefix))
}

func pendingRecord(req transferguard.TransferRequest, at time.Time) *transferguard.TransferRecord {
	return &transferguard.TransferRecord{
		ID:        transferguard.NewRecordID(),
		Recipient: req.Recipient,
		Amount:    req.Amount,
		Asset:     req.Asset,
		Status:    transferguard.StatusPending,
		CreatedAt: at,
	}
}

func TestStore_CheckAndBegin_InsertsThenBlocks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	req := transferguard.TransferRequest{Recipient: "addr1", Amount: "100000000000"}

	status, rec, err := store.CheckAndBegin(ctx, req, 24*time.Hour, pendingRecord(req, now))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if status != transferguard.AttemptBegun {
		t.Fatalf("Expected AttemptBegun, got %v", status)
	}

	status, dup, err := store.CheckAndBegin(ctx, req, 24*time.Hour, pendingRecord(req, now.Add(time.Hour)))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if status != transferguard.AttemptDuplicate {
		t.Fatalf("Expected AttemptDuplicate, got %v", status)
	}
	if dup.ID != rec.ID {
		t.Errorf("Expected existing record %s, got %s", rec.ID, dup.ID)
	}
	if dup.Status != transferguard.StatusPending {
		t.Errorf("Expected pending status, got %s", dup.Status)
	}
}

func TestStore_WindowExpiry(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	req := transferguard.TransferRequest{Recipient: "addr1", Amount: "100"}

	_, rec, err := store.CheckAndBegin(ctx, req, time.Hour, pendingRecord(req, now))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := store.Complete(ctx, rec.ID, "tx1", transferguard.StatusConfirmed); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	status, _, err := store.CheckAndBegin(ctx, req, time.Hour, pendingRecord(req, now.Add(30*time.Minute)))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if status != transferguard.AttemptDuplicate {
		t.Errorf("Expected in-window duplicate, got %v", status)
	}

	status, _, err = store.CheckAndBegin(ctx, req, time.Hour, pendingRecord(req, now.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if status != transferguard.AttemptBegun {
		t.Errorf("Expected fresh attempt outside window, got %v", status)
	}
}

func TestStore_CompleteAndFailTransitions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	req := transferguard.TransferRequest{Recipient: "addr1", Amount: "100"}

	_, rec, err := store.CheckAndBegin(ctx, req, time.Hour, pendingRecord(req, now))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := store.Complete(ctx, rec.ID, "tx1", transferguard.StatusConfirmed); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// Terminal records never transition
	if err := store.Complete(ctx, rec.ID, "tx2", transferguard.StatusConfirmed); err == nil {
		t.Error("Expected error completing terminal record")
	}
	if err := store.Fail(ctx, rec.ID); err == nil {
		t.Error("Expected error failing terminal record")
	}
	if err := store.Complete(ctx, "rec_missing", "tx", transferguard.StatusConfirmed); err == nil {
		t.Error("Expected error for unknown record")
	}
}

func TestStore_FailedRecordDoesNotBlock(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	req := transferguard.TransferRequest{Recipient: "addr1", Amount: "100"}

	_, rec, err := store.CheckAndBegin(ctx, req, time.Hour, pendingRecord(req, now))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := store.Fail(ctx, rec.ID); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	status, _, err := store.CheckAndBegin(ctx, req, time.Hour, pendingRecord(req, now.Add(time.Minute)))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if status != transferguard.AttemptBegun {
		t.Errorf("Expected failed record not to block, got %v", status)
	}
}

func TestStore_FindAndListPending(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	reqA := transferguard.TransferRequest{Recipient: "addr1", Amount: "100"}
	reqB := transferguard.TransferRequest{Recipient: "addr2", Amount: "200", Asset: "xudt-usdi"}

	_, recA, err := store.CheckAndBegin(ctx, reqA, time.Hour, pendingRecord(reqA, base))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	_, recB, err := store.CheckAndBegin(ctx, reqB, time.Hour, pendingRecord(reqB, base.Add(time.Minute)))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := store.Complete(ctx, recB.ID, "tx-b", transferguard.StatusConfirmed); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	records, err := store.Find(ctx, "addr1", "100", "", base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(records) != 1 || records[0].ID != recA.ID {
		t.Fatalf("Expected single record %s, got %v", recA.ID, records)
	}
	if !base.Equal(records[0].CreatedAt) {
		t.Errorf("Expected round-tripped timestamp %v, got %v", base, records[0].CreatedAt)
	}

	records, err = store.Find(ctx, "addr2", "200", "xudt-usdi", base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(records) != 1 || records[0].TxHash != "tx-b" {
		t.Fatalf("Expected confirmed record with tx-b, got %v", records)
	}

	pending, err := store.ListPending(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != recA.ID {
		t.Errorf("Expected only the unresolved record pending, got %v", pending)
	}
}

func TestStore_GuardIntegration(t *testing.T) {
	store := openTestStore(t)
	executor := &countingExecutor{txHash: "tx1"}
	guard := transferguard.NewGuard(executor, transferguard.WithStore(store))
	ctx := context.Background()

	req := transferguard.TransferRequest{Recipient: "addr1", Amount: "100000000000", Window: 24 * time.Hour}

	first, err := guard.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if first.Duplicate {
		t.Error("Expected first submission to proceed")
	}

	second, err := guard.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !second.Duplicate || second.TxHash != "tx1" {
		t.Errorf("Expected duplicate with tx1, got %+v", second)
	}
	if executor.calls != 1 {
		t.Errorf("Expected exactly one executor call, got %d", executor.calls)
	}
}

type countingExecutor struct {
	calls  int
	txHash string
}

func (e *countingExecutor) Submit(ctx context.Context, req transferguard.TransferRequest) (string, error) {
	e.calls++
	return e.txHash, nil
}
