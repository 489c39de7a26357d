package rulesync

import (
	"context"

	"github.com/haukened/rr-shield/internal/shield/domain"
)

// Fetcher performs the GET and HEAD requests of a sync.
type Fetcher interface {
	Fetch(ctx context.Context, req domain.FetchRequest) (domain.FetchResponse, error)
}

// Store persists blobs between runs.
type Store interface {
	// Load returns the cached blob of src; ok is false when none exists.
	Load(src domain.RuleSource) (blob domain.CachedBlob, data []byte, ok bool, err error)
	// Save atomically replaces the blob of src.
	Save(src domain.RuleSource, data []byte, etag string) (domain.CachedBlob, error)
	Delete(src domain.RuleSource) error
}

// Recorder receives the outcome of every sync attempt.
type Recorder interface {
	ObserveSync(source, result string)
}

type noopRecorder struct{}

func (noopRecorder) ObserveSync(string, string) {}
