package domain

import (
	"context"
	"time"
)

// CachedBlob is the last successfully downloaded and persisted rule data for a
// RuleSource, plus the HTTP validator used for conditional re-fetch.
type CachedBlob struct {
	Source  RuleSource
	Path    string    // absolute path of the blob on disk
	ETag    string    // validator returned by the server; empty when unknown
	ModTime time.Time // time the blob was last written
}

// HasETag reports whether the blob carries a validator.
func (b CachedBlob) HasETag() bool { return b.ETag != "" }

// BlobConsumer receives the rule data of a source, both the cached copy at
// startup and every fresh download. Returning an error wrapping
// ErrCorruptData makes the sync manager delete the blob and re-download it.
type BlobConsumer interface {
	Apply(ctx context.Context, blob CachedBlob, data []byte) error
}

// BlobConsumerFunc adapts a function to BlobConsumer.
type BlobConsumerFunc func(ctx context.Context, blob CachedBlob, data []byte) error

// Apply implements BlobConsumer.
func (f BlobConsumerFunc) Apply(ctx context.Context, blob CachedBlob, data []byte) error {
	return f(ctx, blob, data)
}
