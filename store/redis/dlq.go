package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/crmrelay/dlq"
	"github.com/xraph/crmrelay/id"
	"github.com/xraph/crmrelay/internal/failure"
)

// Push adds an entry to the DLQ and its indexes. The entry is written before it
// is indexed; an unindexed entry is never listed.
func (s *Store) Push(ctx context.Context, entry *dlq.Entry) error {
	entryID := entry.ID.String()
	if err := s.setEntity(ctx, entityKey(prefixDLQ, entryID), entry); err != nil {
		return fmt.Errorf("crmrelay/redis: push dlq: %w", err)
	}
	z := goredis.Z{Score: score(entry.FailedAt), Member: entryID}

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, zDLQAll, z)
	if entry.TenantID != "" {
		pipe.ZAdd(ctx, zDLQTenant+entry.TenantID, z)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("crmrelay/redis: push dlq: %w", err)
	}
	return nil
}

// ListDLQ returns DLQ entries, newest first, optionally filtered.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	index := zDLQAll
	if opts.TenantID != "" {
		index = zDLQTenant + opts.TenantID
	}

	rng := &goredis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if opts.From != nil {
		rng.Min = scoreString(*opts.From)
	}
	if opts.To != nil {
		rng.Max = scoreString(*opts.To)
	}

	ids, err := s.rdb.ZRevRangeByScore(ctx, index, rng).Result()
	if err != nil {
		return nil, fmt.Errorf("crmrelay/redis: list dlq: %w", err)
	}

	entries, err := s.getEntries(ctx, ids)
	if err != nil {
		return nil, err
	}
	return applyPagination(entries, opts.Offset, opts.Limit), nil
}

// GetDLQ returns a DLQ entry by ID.
func (s *Store) GetDLQ(ctx context.Context, dlqID id.ID) (*dlq.Entry, error) {
	var e dlq.Entry
	if err := s.getEntity(ctx, entityKey(prefixDLQ, dlqID.String()), &e); err != nil {
		if isNotFound(err) {
			return nil, failure.ErrDLQNotFound
		}
		return nil, fmt.Errorf("crmrelay/redis: get dlq: %w", err)
	}
	return &e, nil
}

// MarkReplayed stamps ReplayedAt on an entry.
func (s *Store) MarkReplayed(ctx context.Context, dlqID id.ID, at time.Time) error {
	e, err := s.GetDLQ(ctx, dlqID)
	if err != nil {
		return err
	}
	at = at.UTC()
	e.ReplayedAt = &at
	e.UpdatedAt = at

	if err := s.setEntity(ctx, entityKey(prefixDLQ, dlqID.String()), e); err != nil {
		return fmt.Errorf("crmrelay/redis: mark replayed: %w", err)
	}
	return nil
}

// Purge deletes DLQ entries that failed before a threshold.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, zDLQAll, &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + scoreString(before),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("crmrelay/redis: purge range: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	entries, err := s.getEntries(ctx, ids)
	if err != nil {
		return 0, err
	}

	pipe := s.rdb.TxPipeline()
	for _, e := range entries {
		entryID := e.ID.String()
		pipe.Del(ctx, entityKey(prefixDLQ, entryID))
		if e.TenantID != "" {
			pipe.ZRem(ctx, zDLQTenant+e.TenantID, entryID)
		}
	}
	// Drop index members even when the entry body is already gone.
	members := make([]any, len(ids))
	for i, v := range ids {
		members[i] = v
	}
	pipe.ZRem(ctx, zDLQAll, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("crmrelay/redis: purge: %w", err)
	}
	return int64(len(entries)), nil
}

// CountDLQ returns the total number of DLQ entries.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	n, err := s.rdb.ZCard(ctx, zDLQAll).Result()
	if err != nil {
		return 0, fmt.Errorf("crmrelay/redis: count dlq: %w", err)
	}
	return n, nil
}

// getEntries loads entries in ids order, skipping missing ones.
func (s *Store) getEntries(ctx context.Context, ids []string) ([]*dlq.Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, v := range ids {
		keys[i] = entityKey(prefixDLQ, v)
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("crmrelay/redis: load dlq entries: %w", err)
	}

	entries := make([]*dlq.Entry, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var e dlq.Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("crmrelay/redis: decode dlq entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}
