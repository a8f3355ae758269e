package transferguard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// KeyFunc derives the deduplication key for a transfer tuple. Stores group
// records under this key, so the key must be identical for requests the
// guard should treat as the same logical transfer.
type KeyFunc func(recipient, amount, asset string) string

// DefaultKeyFunc hashes the exact (recipient, amount, asset) tuple with
// SHA256. Fields are length-prefixed before hashing so that no two distinct
// tuples can collide by concatenation.
func DefaultKeyFunc(recipient, amount, asset string) string {
	var b strings.Builder
	for _, field := range []string{recipient, amount, asset} {
		fmt.Fprintf(&b, "%d:%s|", len(field), field)
	}
	hash := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(hash[:])
}

// BucketedKeyFunc returns a KeyFunc that appends the bucket-aligned start of
// the current period to the tuple key. This reproduces the hour-aligned
// "cooldown" dedup policy as a key-derivation variant: records from a prior
// bucket never share a key with the current one, while evaluation inside a
// bucket stays sliding-window.
func BucketedKeyFunc(bucket time.Duration, now func() time.Time) KeyFunc {
	return func(recipient, amount, asset string) string {
		base := DefaultKeyFunc(recipient, amount, asset)
		start := now().UTC().Truncate(bucket).Unix()
		return fmt.Sprintf("%s:%d", base, start)
	}
}

// NewRecordID generates a record identifier: "rec_" plus a UUID v4 without
// hyphens (32 hex chars).
func NewRecordID() string {
	return "rec_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// newPendingRecord builds the record inserted ahead of an executor call.
func newPendingRecord(req TransferRequest, now time.Time) *TransferRecord {
	return &TransferRecord{
		ID:        NewRecordID(),
		Recipient: req.Recipient,
		Amount:    req.Amount,
		Asset:     req.Asset,
		Status:    StatusPending,
		CreatedAt: now,
	}
}

// latestMatch picks the blocking record the guard should reuse: the most
// recently created pending/confirmed match, ties broken toward the record
// seen last.
func latestMatch(records []*TransferRecord, req TransferRequest, now time.Time, window time.Duration) *TransferRecord {
	var best *TransferRecord
	for _, rec := range records {
		if !rec.Matches(req, now, window) {
			continue
		}
		if best == nil || !rec.CreatedAt.Before(best.CreatedAt) {
			best = rec
		}
	}
	return best
}
