// Package redis provides a blobstore.Store backed by Redis string keys via Grove KV.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/grove/kv"

	"github.com/xraph/crmrelay/blobstore"
)

var _ blobstore.Store = (*Store)(nil)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "crmrelay:blob:"

// Store reads blobs from keys named prefix+name.
type Store struct {
	kv     *kv.Store
	prefix string
}

// New creates a store over a KV store. An empty prefix selects DefaultPrefix.
func New(store *kv.Store, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{kv: store, prefix: prefix}
}

// Get returns the value stored at prefix+name.
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	raw, err := s.kv.GetRaw(ctx, s.prefix+name)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, blobstore.ErrNotFound
		}
		return nil, fmt.Errorf("blobstore/redis: get %s: %w", name, err)
	}
	return raw, nil
}
