// Package dlq is the dead letter queue: the sink for messages the consumer
// gives up on, with listing, replay, and purge for operators.
package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/crmrelay/delivery"
	"github.com/xraph/crmrelay/event"
	"github.com/xraph/crmrelay/id"
	"github.com/xraph/crmrelay/internal/entity"
	"github.com/xraph/crmrelay/queue"
)

// Service manages the dead letter queue.
type Service struct {
	store  Store
	queue  queue.Publisher
	logger *slog.Logger
}

// NewService creates a DLQ service. Replays are enqueued on q.
func NewService(store Store, q queue.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		queue:  q,
		logger: logger,
	}
}

// PushFailed creates a DLQ entry from a message. Implements delivery.DLQPusher.
func (svc *Service) PushFailed(ctx context.Context, msg *queue.Message, evt *event.Event, res delivery.Result) error {
	entry := &Entry{
		Entity:         entity.New(),
		ID:             id.NewDLQID(),
		MessageID:      msg.ID,
		Body:           msg.Body,
		Error:          res.Message,
		Kind:           res.Kind(),
		AttemptCount:   msg.DequeueCount,
		LastStatusCode: res.StatusCode,
		FailedAt:       time.Now().UTC(),
	}
	if evt != nil {
		entry.TenantID = evt.TenantID
		entry.ProcedureName = evt.ProcedureName
	}

	if err := svc.store.Push(ctx, entry); err != nil {
		return fmt.Errorf("dlq: push: %w", err)
	}
	return nil
}

// List returns DLQ entries matching the given options.
func (svc *Service) List(ctx context.Context, opts ListOpts) ([]*Entry, error) {
	return svc.store.ListDLQ(ctx, opts)
}

// Get returns a DLQ entry by ID.
func (svc *Service) Get(ctx context.Context, dlqID id.ID) (*Entry, error) {
	return svc.store.GetDLQ(ctx, dlqID)
}

// Replay re-enqueues the original body of a DLQ entry as a fresh message and
// stamps the entry as replayed.
func (svc *Service) Replay(ctx context.Context, dlqID id.ID) (*queue.Message, error) {
	entry, err := svc.store.GetDLQ(ctx, dlqID)
	if err != nil {
		return nil, err
	}
	return svc.replay(ctx, entry)
}

func (svc *Service) replay(ctx context.Context, entry *Entry) (*queue.Message, error) {
	msg := queue.NewMessage([]byte(entry.Body))
	if err := svc.queue.Enqueue(ctx, msg); err != nil {
		return nil, fmt.Errorf("dlq: replay enqueue: %w", err)
	}
	if err := svc.store.MarkReplayed(ctx, entry.ID, time.Now().UTC()); err != nil {
		// The message is already queued; a second replay would duplicate it.
		svc.logger.ErrorContext(ctx, "mark replayed failed",
			"dlq_id", entry.ID, "message_id", msg.ID, "error", err)
	}
	svc.logger.InfoContext(ctx, "dlq entry replayed",
		"dlq_id", entry.ID, "message_id", msg.ID, "tenant_id", entry.TenantID)
	return msg, nil
}

// ReplayBulk re-enqueues every not-yet-replayed entry that failed within [from, to].
func (svc *Service) ReplayBulk(ctx context.Context, from, to time.Time) (int64, error) {
	entries, err := svc.store.ListDLQ(ctx, ListOpts{From: &from, To: &to})
	if err != nil {
		return 0, err
	}

	var count int64
	for _, e := range entries {
		if e.ReplayedAt != nil {
			continue
		}
		if _, err := svc.replay(ctx, e); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Purge removes entries that failed before the given time.
func (svc *Service) Purge(ctx context.Context, before time.Time) (int64, error) {
	return svc.store.Purge(ctx, before)
}

// Count returns the total number of DLQ entries.
func (svc *Service) Count(ctx context.Context) (int64, error) {
	return svc.store.CountDLQ(ctx)
}
