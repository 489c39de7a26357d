package interceptor

import (
	"context"
	"net/url"

	"github.com/haukened/rr-shield/internal/shield/domain"
)

// ShieldResolver returns the toggles that apply to requests issued from a
// main document host.
type ShieldResolver interface {
	ShieldState(ctx context.Context, mainDocumentHost string) domain.ShieldState
}

// BlockReporter is told about every blocked request. Calls are made from
// their own goroutine and must not block for long.
type BlockReporter interface {
	OnBlocked(engine domain.EngineKind, url string)
}

// Classifier is a blocking engine.
type Classifier interface {
	Classify(req domain.RequestDescriptor) bool
}

// AdBlocker is the ad/tracker engine, which can also force a reload for its
// cookie workaround.
type AdBlocker interface {
	Classifier
	Workaround(req domain.RequestDescriptor) (domain.Decision, bool)
}

// Upgrader rewrites http URLs to https.
type Upgrader interface {
	TryUpgrade(u *url.URL) (*url.URL, bool)
}

type noopReporter struct{}

func (noopReporter) OnBlocked(domain.EngineKind, string) {}
