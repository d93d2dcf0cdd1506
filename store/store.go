// Package store defines the composite Store interface for relay persistence.
//
// Each subsystem defines its own store interface and the aggregate Store
// composes them, so one backend (memory or redis) serves the queue and the DLQ.
package store

import (
	"context"

	"github.com/xraph/crmrelay/dlq"
	"github.com/xraph/crmrelay/queue"
)

// Store is the aggregate persistence interface.
type Store interface {
	queue.Store
	dlq.Store

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
