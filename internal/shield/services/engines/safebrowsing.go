package engines

import (
	"context"
	"sync/atomic"

	"github.com/haukened/rr-shield/internal/shield/common/log"
	"github.com/haukened/rr-shield/internal/shield/domain"
	"github.com/haukened/rr-shield/internal/shield/repos/hostset"
)

// SafeBrowsing blocks requests to listed phishing and malware hosts,
// whatever the resource type.
type SafeBrowsing struct {
	set    atomic.Pointer[hostset.Set]
	logger log.Logger
	onSwap func(domain.EngineKind)
}

// NewSafeBrowsing returns an engine with no data loaded.
func NewSafeBrowsing(opts Options) *SafeBrowsing {
	opts = opts.withDefaults(domain.EngineSafeBrowsing.String())
	return &SafeBrowsing{logger: opts.Logger, onSwap: opts.OnSwap}
}

// Kind identifies the engine.
func (e *SafeBrowsing) Kind() domain.EngineKind { return domain.EngineSafeBrowsing }

// Apply implements domain.BlobConsumer.
func (e *SafeBrowsing) Apply(ctx context.Context, blob domain.CachedBlob, data []byte) error {
	set, err := hostset.Load(blob.Source.Name, data, e.logger)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.set.Store(set)
	e.logger.Info(map[string]any{"source": blob.Source.Name, "rules": set.Len()}, "safebrowsing_swapped")
	e.onSwap(e.Kind())
	return nil
}

// Ready reports whether rule data has been loaded.
func (e *SafeBrowsing) Ready() bool { return e.set.Load() != nil }

// Classify reports whether req targets a listed host.
func (e *SafeBrowsing) Classify(req domain.RequestDescriptor) bool {
	return e.set.Load().MatchHost(req.Host())
}
