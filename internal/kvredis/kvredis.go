// Package kvredis opens Grove KV stores on the Redis driver.
package kvredis

import (
	"context"
	"fmt"

	"github.com/xraph/grove/kv"
	"github.com/xraph/grove/kv/drivers/redisdriver"
)

// Open connects the Redis driver to url (redis://host:port/db) and wraps it in
// a KV store. The caller closes the store.
func Open(ctx context.Context, url string) (*kv.Store, error) {
	drv := redisdriver.New()
	if err := drv.Open(ctx, url); err != nil {
		return nil, fmt.Errorf("kvredis: open driver: %w", err)
	}
	store, err := kv.Open(drv)
	if err != nil {
		return nil, fmt.Errorf("kvredis: open store: %w", err)
	}
	return store, nil
}
