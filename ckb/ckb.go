// Package ckb wires the transfer guard to a Nervos CKB node.
//
// It provides the two chain-facing collaborators the guard accepts: an
// Executor that submits transactions over JSON-RPC, and a Ledger that
// answers duplicate queries from the chain's indexer. Transaction
// construction (cell collection, signing) stays with the caller: the
// Executor takes a TransactionBuilder and only owns submission and error
// classification.
package ckb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nervosnetwork/ckb-sdk-go/v2/address"
	"github.com/nervosnetwork/ckb-sdk-go/v2/indexer"
	"github.com/nervosnetwork/ckb-sdk-go/v2/rpc"
	"github.com/nervosnetwork/ckb-sdk-go/v2/types"

	"github.com/ckb-agents/transferguard"
)

// Client is the slice of the CKB RPC surface this package uses. The SDK's
// rpc.Client satisfies it.
type Client interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) (*types.Hash, error)
	GetTransaction(ctx context.Context, hash types.Hash, onlyCommitted *bool) (*types.TransactionWithStatus, error)
	GetHeaderByNumber(ctx context.Context, number uint64) (*types.Header, error)
	GetTransactions(ctx context.Context, searchKey *indexer.SearchKey, order indexer.SearchOrder, limit uint64, afterCursor string) (*indexer.TxsWithCell, error)
}

// Dial connects to a CKB node's JSON-RPC endpoint.
func Dial(url string) (Client, error) {
	client, err := rpc.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ckb node: %w", err)
	}
	return client, nil
}

// TransactionBuilder turns a transfer request into a signed transaction
// ready for submission. Implementations own cell collection, fee
// calculation, and signing.
type TransactionBuilder interface {
	Build(ctx context.Context, req transferguard.TransferRequest) (*types.Transaction, error)
}

// TransactionBuilderFunc adapts a function to the TransactionBuilder
// interface.
type TransactionBuilderFunc func(ctx context.Context, req transferguard.TransferRequest) (*types.Transaction, error)

func (f TransactionBuilderFunc) Build(ctx context.Context, req transferguard.TransferRequest) (*types.Transaction, error) {
	return f(ctx, req)
}

// Executor submits transfer transactions to a CKB node.
type Executor struct {
	client  Client
	builder TransactionBuilder
}

// NewExecutor creates an Executor over a node client and a transaction
// builder.
func NewExecutor(client Client, builder TransactionBuilder) *Executor {
	return &Executor{client: client, builder: builder}
}

// Submit builds and broadcasts the transaction for req.
//
// A node rejection because the pool already holds the identical transaction
// is returned as *transferguard.AlreadyExistsError so the guard records the
// attempt as a success rather than unblocking a retry.
func (e *Executor) Submit(ctx context.Context, req transferguard.TransferRequest) (string, error) {
	tx, err := e.builder.Build(ctx, req)
	if err != nil {
		return "", &transferguard.SubmissionError{Code: "build_failed", Message: "failed to build transaction", Cause: err}
	}

	localHash := tx.ComputeHash()
	hash, err := e.client.SendTransaction(ctx, tx)
	if err != nil {
		if isDuplicateRejection(err) {
			return "", &transferguard.AlreadyExistsError{TxHash: localHash.Hex()}
		}
		if isCapacityRejection(err) {
			return "", &transferguard.SubmissionError{Code: transferguard.ErrCodeInsufficientFunds, Message: "not enough capacity to fund transfer", Cause: err}
		}
		return "", &transferguard.SubmissionError{Code: "broadcast_failed", Message: "node rejected transaction", Cause: err}
	}
	if hash != nil {
		return hash.Hex(), nil
	}
	return localHash.Hex(), nil
}

// CKB JSON-RPC error codes returned by send_transaction. The node names
// them in ckb/rpc's error module.
const (
	codePoolRejectedDuplicatedTransaction = -1107
	codeTransactionFailedToResolve        = -301
)

// codedError is the structured JSON-RPC error the SDK's client returns for
// node rejections.
type codedError interface {
	error
	ErrorCode() int
}

// isDuplicateRejection reports whether the node refused the transaction
// because it already knows it. When the error carries a JSON-RPC code the
// code alone decides; the textual check only covers transports that strip
// the code.
func isDuplicateRejection(err error) bool {
	var coded codedError
	if errors.As(err, &coded) {
		return coded.ErrorCode() == codePoolRejectedDuplicatedTransaction
	}
	return strings.Contains(err.Error(), "PoolRejectedDuplicatedTransaction")
}

func isCapacityRejection(err error) bool {
	var coded codedError
	if errors.As(err, &coded) {
		if coded.ErrorCode() != codeTransactionFailedToResolve {
			return false
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "capacity") && strings.Contains(msg, "enough")
}

// Ledger answers duplicate queries from the chain through the node's
// built-in indexer.
//
// Only native CKB transfers can be matched: the tuple's amount is compared
// against output capacity in shannons. Queries for a non-empty asset return
// an error, which the guard treats as inconclusive and degrades to its
// local log.
type Ledger struct {
	client Client

	// pageLimit bounds each indexer page. Exposed for tests.
	pageLimit uint64
}

// NewLedger creates a Ledger over a node client.
func NewLedger(client Client) *Ledger {
	return &Ledger{client: client, pageLimit: 50}
}

// FindRecent returns chain transactions paying exactly amount shannons to
// recipient at or after since, newest first.
func (l *Ledger) FindRecent(ctx context.Context, recipient, amount, asset string, since time.Time) ([]transferguard.LedgerEntry, error) {
	if asset != "" {
		return nil, fmt.Errorf("ledger lookup for asset %q is not supported", asset)
	}

	addr, err := address.Decode(recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to decode recipient address: %w", err)
	}
	shannons, err := strconv.ParseUint(amount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("amount %q does not fit a capacity value: %w", amount, err)
	}
	return l.findRecentByScript(ctx, addr.Script, shannons, since)
}

// findRecentByScript walks the indexer newest-first and stops at the first
// block older than since.
func (l *Ledger) findRecentByScript(ctx context.Context, lock *types.Script, shannons uint64, since time.Time) ([]transferguard.LedgerEntry, error) {
	searchKey := &indexer.SearchKey{
		Script:     lock,
		ScriptType: types.ScriptTypeLock,
	}

	var entries []transferguard.LedgerEntry
	seen := make(map[types.Hash]bool)
	cursor := ""

	for {
		page, err := l.client.GetTransactions(ctx, searchKey, indexer.SearchOrderDesc, l.pageLimit, cursor)
		if err != nil {
			return nil, fmt.Errorf("failed to query indexer: %w", err)
		}
		if page == nil || len(page.Objects) == 0 {
			return entries, nil
		}

		for _, obj := range page.Objects {
			if string(obj.IoType) != "output" || seen[obj.TxHash] {
				continue
			}
			seen[obj.TxHash] = true

			header, err := l.client.GetHeaderByNumber(ctx, obj.BlockNumber)
			if err != nil {
				return nil, fmt.Errorf("failed to fetch header %d: %w", obj.BlockNumber, err)
			}
			at := time.UnixMilli(int64(header.Timestamp)).UTC()
			if at.Before(since) {
				// Pages arrive newest first; everything past this
				// point predates the window.
				return entries, nil
			}

			entry, ok, err := l.matchTransaction(ctx, obj.TxHash, lock, shannons, at)
			if err != nil {
				return nil, err
			}
			if ok {
				entries = append(entries, entry)
			}
		}

		cursor = page.LastCursor
		if cursor == "" {
			return entries, nil
		}
	}
}

// matchTransaction checks whether the transaction pays exactly shannons to
// the recipient's lock in some output.
func (l *Ledger) matchTransaction(ctx context.Context, hash types.Hash, lock *types.Script, shannons uint64, at time.Time) (transferguard.LedgerEntry, bool, error) {
	txw, err := l.client.GetTransaction(ctx, hash, nil)
	if err != nil {
		return transferguard.LedgerEntry{}, false, fmt.Errorf("failed to fetch transaction %s: %w", hash.Hex(), err)
	}
	if txw == nil || txw.Transaction == nil {
		return transferguard.LedgerEntry{}, false, nil
	}

	matched := false
	for _, out := range txw.Transaction.Outputs {
		if out.Capacity == shannons && sameScript(out.Lock, lock) {
			matched = true
			break
		}
	}
	if !matched {
		return transferguard.LedgerEntry{}, false, nil
	}

	status := transferguard.StatusPending
	if txw.TxStatus != nil {
		switch txw.TxStatus.Status {
		case types.TransactionStatusCommitted:
			status = transferguard.StatusConfirmed
		case types.TransactionStatusRejected:
			return transferguard.LedgerEntry{}, false, nil
		}
	}

	return transferguard.LedgerEntry{
		TxHash:    hash.Hex(),
		Timestamp: at,
		Status:    status,
	}, true, nil
}

func sameScript(a, b *types.Script) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.CodeHash == b.CodeHash && a.HashType == b.HashType && bytes.Equal(a.Args, b.Args)
}

// Ensure the collaborators satisfy the guard's interfaces
var (
	_ transferguard.TransferExecutor = (*Executor)(nil)
	_ transferguard.LedgerQuery      = (*Ledger)(nil)
)
