// Package redisstore provides a shared RecordStore on Redis.
//
// Two agent instances racing the same logical transfer only stay safe when
// they share a submission log. This store keeps the log in Redis via
// redis/go-redis/v9 and performs the check-and-insert inside a Lua script,
// so the atomic section holds across processes and hosts.
//
// Keys are derived from a single prefix and are not hash-tagged; run the
// store against a single Redis instance, not a cluster.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ckb-agents/transferguard"
)

// checkAndBeginScript atomically scans the tuple index for a blocking
// record and inserts the new pending record when none exists.
// KEYS[1] = tuple index zset (record ids scored by creation nanos)
// KEYS[2] = pending index zset
// ARGV[1] = record hash key prefix
// ARGV[2] = window lower bound (unix nanos)
// ARGV[3..6] = id, recipient, amount, asset
// ARGV[7] = creation time (unix nanos)
var checkAndBeginScript = redis.NewScript(`
local tupleKey = KEYS[1]
local pendingKey = KEYS[2]
local prefix = ARGV[1]
local since = ARGV[2]

local ids = redis.call("ZREVRANGEBYSCORE", tupleKey, "+inf", since)
for _, rid in ipairs(ids) do
    local status = redis.call("HGET", prefix .. rid, "status")
    if status == "pending" or status == "confirmed" then
        return redis.call("HGETALL", prefix .. rid)
    end
end

local id = ARGV[3]
redis.call("HSET", prefix .. id,
    "id", id,
    "recipient", ARGV[4],
    "amount", ARGV[5],
    "asset", ARGV[6],
    "tx_hash", "",
    "status", "pending",
    "created_at", ARGV[7])
redis.call("ZADD", tupleKey, ARGV[7], id)
redis.call("ZADD", pendingKey, ARGV[7], id)
return false
`)

// completeScript finalizes a pending record.
// KEYS[1] = record hash key, KEYS[2] = pending index zset
// ARGV[1] = tx hash, ARGV[2] = new status, ARGV[3] = record id
var completeScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if status ~= "pending" then
    return 0
end
redis.call("HSET", KEYS[1], "tx_hash", ARGV[1], "status", ARGV[2])
if ARGV[2] == "confirmed" then
    redis.call("ZREM", KEYS[2], ARGV[3])
end
return 1
`)

// failScript marks a pending record failed.
// KEYS[1] = record hash key, KEYS[2] = pending index zset
// ARGV[1] = record id
var failScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if status ~= "pending" then
    return 0
end
redis.call("HSET", KEYS[1], "status", "failed")
redis.call("ZREM", KEYS[2], ARGV[1])
return 1
`)

// Store implements transferguard.RecordStore on Redis.
type Store struct {
	client  *redis.Client
	prefix  string
	keyFunc transferguard.KeyFunc
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key namespace.
//
// Default: "transferguard:".
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

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

// New creates a Redis-backed submission log over an existing client.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client:  client,
		prefix:  "transferguard:",
		keyFunc: transferguard.DefaultKeyFunc,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) recordPrefix() string { return s.prefix + "record:" }

func (s *Store) recordKey(id string) string {
	return s.recordPrefix() + id
}
func (s *Store) tupleKey(recipient, amount, asset string) string {
	return s.prefix + "tuple:" + s.keyFunc(recipient, amount, asset)
}
func (s *Store) pendingKey() string { return s.prefix + "pending" }

// CheckAndBegin atomically looks for a blocking record and inserts rec when
// none exists. Atomicity holds across processes: the whole check-and-insert
// runs as one Lua script on the Redis side.
func (s *Store) CheckAndBegin(ctx context.Context, req transferguard.TransferRequest, window time.Duration, rec *transferguard.TransferRecord) (transferguard.AttemptStatus, *transferguard.TransferRecord, error) {
	since := rec.CreatedAt.Add(-window).UnixNano()

	res, err := checkAndBeginScript.Run(ctx, s.client,
		[]string{s.tupleKey(req.Recipient, req.Amount, req.Asset), s.pendingKey()},
		s.recordPrefix(),
		strconv.FormatInt(since, 10),
		rec.ID, rec.Recipient, rec.Amount, rec.Asset,
		strconv.FormatInt(rec.CreatedAt.UnixNano(), 10),
	).Result()
	if err == redis.Nil {
		// Script returned false: the pending record was inserted.
		cp := *rec
		return transferguard.AttemptBegun, &cp, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to run check-and-begin: %w", err)
	}

	existing, err := recordFromScriptReply(res)
	if err != nil {
		return 0, nil, err
	}
	return transferguard.AttemptDuplicate, existing, nil
}

// Find returns records for the exact tuple created at or after since,
// newest first.
func (s *Store) Find(ctx context.Context, recipient, amount, asset string, since time.Time) ([]*transferguard.TransferRecord, error) {
	ids, err := s.client.ZRevRangeByScore(ctx, s.tupleKey(recipient, amount, asset), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixNano(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query tuple index: %w", err)
	}

	var out []*transferguard.TransferRecord
	for _, id := range ids {
		rec, err := s.getRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		if rec.Recipient != recipient || rec.Amount != amount || rec.Asset != asset {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Complete stores the transaction hash and status on a pending record.
func (s *Store) Complete(ctx context.Context, recordID, txHash string, status transferguard.RecordStatus) error {
	if status != transferguard.StatusPending && status != transferguard.StatusConfirmed {
		return fmt.Errorf("complete: invalid status %q", status)
	}
	n, err := completeScript.Run(ctx, s.client,
		[]string{s.recordKey(recordID), s.pendingKey()},
		txHash, string(status), recordID,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to complete record: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("complete: record %s not found or already terminal", recordID)
	}
	return nil
}

// Fail marks a pending record failed.
func (s *Store) Fail(ctx context.Context, recordID string) error {
	n, err := failScript.Run(ctx, s.client,
		[]string{s.recordKey(recordID), s.pendingKey()},
		recordID,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to fail record: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("fail: record %s not found or already terminal", recordID)
	}
	return nil
}

// ListPending returns pending records created before the given time,
// oldest first.
func (s *Store) ListPending(ctx context.Context, before time.Time) ([]*transferguard.TransferRecord, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.pendingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query pending index: %w", err)
	}

	var out []*transferguard.TransferRecord
	for _, id := range ids {
		rec, err := s.getRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil || rec.Status != transferguard.StatusPending {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) getRecord(ctx context.Context, id string) (*transferguard.TransferRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return recordFromFields(fields)
}

func recordFromFields(fields map[string]string) (*transferguard.TransferRecord, error) {
	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("record %s has malformed created_at: %w", fields["id"], err)
	}
	return &transferguard.TransferRecord{
		ID:        fields["id"],
		Recipient: fields["recipient"],
		Amount:    fields["amount"],
		Asset:     fields["asset"],
		TxHash:    fields["tx_hash"],
		Status:    transferguard.RecordStatus(fields["status"]),
		CreatedAt: time.Unix(0, createdAt).UTC(),
	}, nil
}

// recordFromScriptReply parses the flattened HGETALL reply returned by the
// check-and-begin script.
func recordFromScriptReply(res interface{}) (*transferguard.TransferRecord, error) {
	flat, ok := res.([]interface{})
	if !ok || len(flat)%2 != 0 {
		return nil, fmt.Errorf("unexpected script reply %T", res)
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, kok := flat[i].(string)
		v, vok := flat[i+1].(string)
		if !kok || !vok {
			return nil, fmt.Errorf("unexpected script reply element %T", flat[i])
		}
		fields[k] = v
	}
	return recordFromFields(fields)
}

// Ensure Store implements RecordStore
var _ transferguard.RecordStore = (*Store)(nil)
