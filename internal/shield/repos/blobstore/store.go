// Package blobstore persists downloaded rule data under a cache root. Each
// source lives at <root>/<LocalDirectoryName>/<LocalFileName> with its ETag in
// a "<LocalFileName>.etag" sidecar.
package blobstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/haukened/rr-shield/internal/shield/domain"
)

const (
	dirPerm  fs.FileMode = 0o755
	filePerm fs.FileMode = 0o644
)

// Store is a filesystem-backed blob store. It is safe for concurrent use as
// long as no two goroutines write the same source, which the sync manager
// guarantees by running one task per source.
type Store struct {
	root string
}

// New returns a Store rooted at root, creating the directory if needed.
func New(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("blobstore: root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("blobstore: resolving root: %w", err)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("blobstore: creating root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute cache root.
func (s *Store) Root() string { return s.root }

// Path returns the absolute blob path of src.
func (s *Store) Path(src domain.RuleSource) string {
	return filepath.Join(s.root, src.LocalDirectoryName, src.LocalFileName)
}

func (s *Store) etagPath(src domain.RuleSource) string {
	return filepath.Join(s.root, src.LocalDirectoryName, src.ETagFileName())
}

// Load returns the cached blob metadata and contents of src. ok is false when
// no blob exists. A missing or unreadable sidecar yields an empty ETag.
func (s *Store) Load(src domain.RuleSource) (blob domain.CachedBlob, data []byte, ok bool, err error) {
	path := s.Path(src)
	data, err = os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.CachedBlob{}, nil, false, nil
	} else if err != nil {
		return domain.CachedBlob{}, nil, false, fmt.Errorf("blobstore: reading %s: %w", path, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return domain.CachedBlob{}, nil, false, fmt.Errorf("blobstore: stat %s: %w", path, err)
	}

	blob = domain.CachedBlob{
		Source:  src,
		Path:    path,
		ModTime: info.ModTime(),
	}
	if etag, err := os.ReadFile(s.etagPath(src)); err == nil {
		blob.ETag = strings.TrimSpace(string(etag))
	}
	return blob, data, true, nil
}

// Save atomically replaces the blob of src with data and records etag. The
// blob is written before the sidecar so a crash in between leaves a blob with
// a stale or missing ETag, which only costs one extra download.
func (s *Store) Save(src domain.RuleSource, data []byte, etag string) (domain.CachedBlob, error) {
	dir := filepath.Join(s.root, src.LocalDirectoryName)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return domain.CachedBlob{}, fmt.Errorf("blobstore: creating %s: %w", dir, err)
	}

	path := s.Path(src)
	if err := renameio.WriteFile(path, data, filePerm); err != nil {
		return domain.CachedBlob{}, fmt.Errorf("blobstore: writing %s: %w", path, err)
	}

	etagPath := s.etagPath(src)
	if etag == "" {
		if err := os.Remove(etagPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return domain.CachedBlob{}, fmt.Errorf("blobstore: removing %s: %w", etagPath, err)
		}
	} else if err := renameio.WriteFile(etagPath, []byte(etag), filePerm); err != nil {
		return domain.CachedBlob{}, fmt.Errorf("blobstore: writing %s: %w", etagPath, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return domain.CachedBlob{}, fmt.Errorf("blobstore: stat %s: %w", path, err)
	}
	return domain.CachedBlob{Source: src, Path: path, ETag: etag, ModTime: info.ModTime()}, nil
}

// Delete removes the blob of src and its sidecar. Missing files are ignored.
func (s *Store) Delete(src domain.RuleSource) error {
	var errs []error
	for _, p := range []string{s.Path(src), s.etagPath(src)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("blobstore: removing %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}
