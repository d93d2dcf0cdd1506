// Package blobstore resolves named secret and config blobs (master public key,
// tenant private keys, tenant OAuth config) from a key/value blob store.
//
// The resolver does no parsing and no caching: every call reads the backing
// store, so a rotated key is picked up on the next event.
package blobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/crmrelay/internal/failure"
)

// ErrNotFound is returned by a Store when the named blob does not exist.
var ErrNotFound = errors.New("blobstore: blob not found")

// Store is a read-only blob source.
type Store interface {
	// Get returns the raw bytes of the named blob, or ErrNotFound.
	Get(ctx context.Context, name string) ([]byte, error)
}

// Resolver fetches blobs by logical name and decodes them as text.
type Resolver struct {
	store Store
}

// NewResolver creates a resolver over the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Fetch returns the named blob as a string. Every failure wraps ErrConfigFetchFailure.
func (r *Resolver) Fetch(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty blob name", failure.ErrConfigFetchFailure)
	}
	raw, err := r.store.Get(ctx, name)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", failure.ErrConfigFetchFailure, name, err)
	}
	return string(raw), nil
}

// PrivateKeyName returns the blob name of a tenant's signing key.
func PrivateKeyName(tenantID string) string { return tenantID + ".key" }

// TenantConfigName returns the blob name of a tenant's OAuth config.
func TenantConfigName(tenantID string) string { return tenantID + ".json" }
