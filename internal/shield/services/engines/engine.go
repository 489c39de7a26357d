// Package engines holds the four classification engines. Each engine keeps
// its compiled rule data behind an atomic pointer: Apply builds the new
// matcher without holding any lock and swaps it in, so classification never
// waits on a reload and in-flight calls finish on the data they started
// with. An engine with no data never blocks.
package engines

import (
	"github.com/haukened/rr-shield/internal/shield/common/log"
	"github.com/haukened/rr-shield/internal/shield/domain"
)

// Options are shared by every engine constructor.
type Options struct {
	Logger log.Logger
	// OnSwap is called after new rule data has been swapped in, e.g. to
	// purge decisions computed against the old data.
	OnSwap func(kind domain.EngineKind)
}

func (o Options) withDefaults(component string) Options {
	if o.Logger == nil {
		o.Logger = log.NewNoopLogger()
	}
	o.Logger = o.Logger.With(map[string]any{"engine": component})
	if o.OnSwap == nil {
		o.OnSwap = func(domain.EngineKind) {}
	}
	return o
}
