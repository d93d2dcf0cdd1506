// Package memory provides an in-memory blobstore.Store for tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/xraph/crmrelay/blobstore"
)

var _ blobstore.Store = (*Store)(nil)

// Store holds blobs in a map.
type Store struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	reads map[string]int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		blobs: make(map[string][]byte),
		reads: make(map[string]int),
	}
}

// Put stores a blob under name, replacing any existing value.
func (s *Store) Put(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[name] = append([]byte(nil), data...)
}

// Delete removes the named blob.
func (s *Store) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, name)
}

// Get returns a copy of the named blob.
func (s *Store) Get(_ context.Context, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads[name]++
	b, ok := s.blobs[name]
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

// Reads returns how many times name has been fetched.
func (s *Store) Reads(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads[name]
}
