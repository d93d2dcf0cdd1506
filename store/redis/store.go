// Package redis implements store.Store on Redis via Grove KV.
//
// Messages are hashes under crmrelay:msg:<id>, indexed by a sorted set scored
// with their visible-at time. Claiming re-scores a message into the future
// instead of removing it, so an unacked message reappears when its lease ends.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/grove/kv"
	"github.com/xraph/grove/kv/drivers/redisdriver"

	relaystore "github.com/xraph/crmrelay/store"
)

// compile-time interface check
var _ relaystore.Store = (*Store)(nil)

// Store implements store.Store using Redis via Grove KV. Entity documents go
// through the KV store; queue and index structures use the raw client.
type Store struct {
	kv  *kv.Store
	rdb goredis.UniversalClient
	now func() time.Time
}

// New creates a new Redis store backed by Grove KV.
func New(store *kv.Store) *Store {
	return &Store{
		kv:  store,
		rdb: redisdriver.UnwrapClient(store),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock used for visibility. For tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.kv.Ping(ctx); err != nil {
		return fmt.Errorf("crmrelay/redis: ping: %w", err)
	}
	return nil
}

// Close closes the KV store.
func (s *Store) Close() error {
	return s.kv.Close()
}

// score converts a time to a sorted set score (unix millis).
func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// scoreString formats a time as a sorted set range bound.
func scoreString(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// fromScore converts a sorted set score back to a time.
func fromScore(v float64) time.Time {
	return time.UnixMilli(int64(v)).UTC()
}

// isNotFound checks if an error is a KV not-found sentinel.
func isNotFound(err error) bool {
	return errors.Is(err, kv.ErrNotFound) || errors.Is(err, goredis.Nil)
}

// isRedisNil checks if an error is a Redis nil (key not found).
func isRedisNil(err error) bool {
	return errors.Is(err, goredis.Nil)
}

// getEntity retrieves and decodes a JSON entity from a KV key.
func (s *Store) getEntity(ctx context.Context, key string, dest any) error {
	raw, err := s.kv.GetRaw(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

// setEntity encodes and stores a JSON entity under a KV key.
func (s *Store) setEntity(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("crmrelay/redis: marshal entity: %w", err)
	}
	return s.kv.SetRaw(ctx, key, raw)
}

// applyPagination applies offset and limit to a slice.
func applyPagination[T any](items []*T, offset, limit int) []*T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
