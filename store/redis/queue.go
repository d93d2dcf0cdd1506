package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/crmrelay/id"
	"github.com/xraph/crmrelay/internal/entity"
	"github.com/xraph/crmrelay/internal/failure"
	"github.com/xraph/crmrelay/queue"
)

// claimScript atomically leases visible messages.
// KEYS[1] = crmrelay:z:queue
// ARGV[1] = now (unix millis, score threshold)
// ARGV[2] = limit
// ARGV[3] = lease end (unix millis)
// ARGV[4] = message key prefix
var claimScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local claimed = {}
for _, id in ipairs(ids) do
    local key = ARGV[4] .. id
    if redis.call('EXISTS', key) == 1 then
        redis.call('ZADD', KEYS[1], ARGV[3], id)
        redis.call('HINCRBY', key, 'dequeue_count', 1)
        claimed[#claimed + 1] = id
    else
        redis.call('ZREM', KEYS[1], id)
    end
end
return claimed
`)

const timeLayout = time.RFC3339Nano

// Enqueue stores a new message and makes it visible at m.VisibleAt.
func (s *Store) Enqueue(ctx context.Context, m *queue.Message) error {
	key := entityKey(prefixMessage, m.ID.String())

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		fieldBody, m.Body,
		fieldDequeueCount, m.DequeueCount,
		fieldEnqueuedAt, m.EnqueuedAt.UTC().Format(timeLayout),
		fieldCreatedAt, m.CreatedAt.UTC().Format(timeLayout),
		fieldUpdatedAt, m.UpdatedAt.UTC().Format(timeLayout),
	)
	pipe.ZAdd(ctx, zQueue, goredis.Z{Score: score(m.VisibleAt), Member: m.ID.String()})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("crmrelay/redis: enqueue message: %w", err)
	}
	return nil
}

// Claim leases up to limit visible messages for visibility.
func (s *Store) Claim(ctx context.Context, limit int, visibility time.Duration) ([]*queue.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.now()
	leaseEnd := now.Add(visibility)

	ids, err := claimScript.Run(ctx, s.rdb, []string{zQueue},
		scoreString(now), limit, scoreString(leaseEnd), prefixMessage).StringSlice()
	if err != nil {
		if isRedisNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("crmrelay/redis: claim script: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, msgID := range ids {
		cmds[i] = pipe.HGetAll(ctx, entityKey(prefixMessage, msgID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("crmrelay/redis: claim fetch: %w", err)
	}

	msgs := make([]*queue.Message, 0, len(ids))
	for i, msgID := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue // acked between claim and fetch
		}
		m, err := fromHash(msgID, fields, leaseEnd)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Ack deletes a message.
func (s *Store) Ack(ctx context.Context, msgID id.ID) error {
	key := entityKey(prefixMessage, msgID.String())

	pipe := s.rdb.TxPipeline()
	del := pipe.Del(ctx, key)
	pipe.ZRem(ctx, zQueue, msgID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("crmrelay/redis: ack: %w", err)
	}
	if del.Val() == 0 {
		return failure.ErrMessageNotFound
	}
	return nil
}

// Release makes a message visible again after delay.
func (s *Store) Release(ctx context.Context, msgID id.ID, delay time.Duration) error {
	key := entityKey(prefixMessage, msgID.String())

	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("crmrelay/redis: release: %w", err)
	}
	if n == 0 {
		return failure.ErrMessageNotFound
	}

	now := s.now()
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, zQueue, goredis.Z{Score: score(now.Add(delay)), Member: msgID.String()})
	pipe.HSet(ctx, key, fieldUpdatedAt, now.Format(timeLayout))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("crmrelay/redis: release: %w", err)
	}
	return nil
}

// GetMessage returns a message by ID.
func (s *Store) GetMessage(ctx context.Context, msgID id.ID) (*queue.Message, error) {
	key := entityKey(prefixMessage, msgID.String())

	pipe := s.rdb.Pipeline()
	hash := pipe.HGetAll(ctx, key)
	sc := pipe.ZScore(ctx, zQueue, msgID.String())
	if _, err := pipe.Exec(ctx); err != nil && !isRedisNil(err) {
		return nil, fmt.Errorf("crmrelay/redis: get message: %w", err)
	}
	if len(hash.Val()) == 0 {
		return nil, failure.ErrMessageNotFound
	}
	return fromHash(msgID.String(), hash.Val(), fromScore(sc.Val()))
}

// CountPending returns the number of queued messages.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	n, err := s.rdb.ZCard(ctx, zQueue).Result()
	if err != nil {
		return 0, fmt.Errorf("crmrelay/redis: count pending: %w", err)
	}
	return n, nil
}

func fromHash(rawID string, fields map[string]string, visibleAt time.Time) (*queue.Message, error) {
	msgID, err := id.ParseMessageID(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse message ID %q: %w", rawID, err)
	}
	count, err := strconv.Atoi(fields[fieldDequeueCount])
	if err != nil {
		return nil, fmt.Errorf("crmrelay/redis: message %s: dequeue count: %w", rawID, err)
	}
	return &queue.Message{
		Entity: entity.Entity{
			CreatedAt: parseTime(fields[fieldCreatedAt]),
			UpdatedAt: parseTime(fields[fieldUpdatedAt]),
		},
		ID:           msgID,
		Body:         fields[fieldBody],
		DequeueCount: count,
		EnqueuedAt:   parseTime(fields[fieldEnqueuedAt]),
		VisibleAt:    visibleAt,
	}, nil
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
