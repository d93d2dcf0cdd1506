// Package fs provides a blobstore.Store backed by a directory of files.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/xraph/crmrelay/blobstore"
)

var _ blobstore.Store = (*Store)(nil)

// Store reads blobs as files relative to a root directory.
type Store struct {
	root string
}

// New creates a store rooted at dir.
func New(dir string) *Store {
	return &Store{root: dir}
}

// Get reads the file named name under the root. Names are flat: separators
// and parent references are rejected.
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, fmt.Errorf("blobstore/fs: invalid blob name %q", name)
	}

	data, err := os.ReadFile(filepath.Join(s.root, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, blobstore.ErrNotFound
		}
		return nil, fmt.Errorf("blobstore/fs: read %s: %w", name, err)
	}
	return data, nil
}
