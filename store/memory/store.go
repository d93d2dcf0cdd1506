// Package memory provides an in-memory Store implementation for unit testing
// and single-process runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/crmrelay/dlq"
	"github.com/xraph/crmrelay/id"
	"github.com/xraph/crmrelay/internal/failure"
	"github.com/xraph/crmrelay/queue"
	relaystore "github.com/xraph/crmrelay/store"
)

// compile-time interface check.
var _ relaystore.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	messages   map[string]*queue.Message // keyed by ID string
	dlqEntries map[string]*dlq.Entry     // keyed by ID string

	now    func() time.Time
	closed bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		messages:   make(map[string]*queue.Message),
		dlqEntries: make(map[string]*dlq.Entry),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock used for visibility. For tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Ping reports ErrStoreClosed after Close.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return failure.ErrStoreClosed
	}
	return nil
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// queue.Store
// ──────────────────────────────────────────────────

// Enqueue stores a new message.
func (s *Store) Enqueue(_ context.Context, m *queue.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return failure.ErrStoreClosed
	}
	cp := *m
	s.messages[m.ID.String()] = &cp
	return nil
}

// Claim leases up to limit visible messages, oldest visibility first.
// Returns copies so callers can read without holding a lock.
func (s *Store) Claim(_ context.Context, limit int, visibility time.Duration) ([]*queue.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, failure.ErrStoreClosed
	}
	if limit <= 0 {
		return nil, nil
	}

	now := s.now()
	candidates := make([]*queue.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if m.VisibleAt.After(now) {
			continue
		}
		candidates = append(candidates, m)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].VisibleAt.Before(candidates[j].VisibleAt)
	})

	if limit < len(candidates) {
		candidates = candidates[:limit]
	}

	result := make([]*queue.Message, 0, len(candidates))
	for _, m := range candidates {
		m.DequeueCount++
		m.VisibleAt = now.Add(visibility)
		m.UpdatedAt = now
		cp := *m
		result = append(result, &cp)
	}
	return result, nil
}

// Ack deletes a message.
func (s *Store) Ack(_ context.Context, msgID id.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[msgID.String()]; !ok {
		return failure.ErrMessageNotFound
	}
	delete(s.messages, msgID.String())
	return nil
}

// Release makes a message visible again after delay.
func (s *Store) Release(_ context.Context, msgID id.ID, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[msgID.String()]
	if !ok {
		return failure.ErrMessageNotFound
	}
	now := s.now()
	m.VisibleAt = now.Add(delay)
	m.UpdatedAt = now
	return nil
}

// GetMessage returns a copy of the message by ID.
func (s *Store) GetMessage(_ context.Context, msgID id.ID) (*queue.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[msgID.String()]
	if !ok {
		return nil, failure.ErrMessageNotFound
	}
	cp := *m
	return &cp, nil
}

// CountPending returns the number of queued messages.
func (s *Store) CountPending(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.messages)), nil
}

// ──────────────────────────────────────────────────
// dlq.Store
// ──────────────────────────────────────────────────

// Push adds an entry to the DLQ.
func (s *Store) Push(_ context.Context, entry *dlq.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return failure.ErrStoreClosed
	}
	cp := *entry
	s.dlqEntries[entry.ID.String()] = &cp
	return nil
}

// ListDLQ returns DLQ entries, newest first, optionally filtered.
func (s *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*dlq.Entry, 0, len(s.dlqEntries))
	for _, e := range s.dlqEntries {
		if opts.TenantID != "" && e.TenantID != opts.TenantID {
			continue
		}
		if opts.From != nil && e.FailedAt.Before(*opts.From) {
			continue
		}
		if opts.To != nil && e.FailedAt.After(*opts.To) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].FailedAt.After(result[j].FailedAt)
	})

	return applyPagination(result, opts.Offset, opts.Limit), nil
}

// GetDLQ returns a DLQ entry by ID.
func (s *Store) GetDLQ(_ context.Context, dlqID id.ID) (*dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.dlqEntries[dlqID.String()]
	if !ok {
		return nil, failure.ErrDLQNotFound
	}
	cp := *e
	return &cp, nil
}

// MarkReplayed stamps ReplayedAt on an entry.
func (s *Store) MarkReplayed(_ context.Context, dlqID id.ID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.dlqEntries[dlqID.String()]
	if !ok {
		return failure.ErrDLQNotFound
	}
	at = at.UTC()
	e.ReplayedAt = &at
	e.UpdatedAt = at
	return nil
}

// Purge deletes DLQ entries that failed before a threshold.
func (s *Store) Purge(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for k, e := range s.dlqEntries {
		if e.FailedAt.Before(before) {
			delete(s.dlqEntries, k)
			count++
		}
	}
	return count, nil
}

// CountDLQ returns the total number of DLQ entries.
func (s *Store) CountDLQ(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.dlqEntries)), nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

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
