// Package loopguard detects self-inflicted redirect loops: a workaround that
// keeps reloading the same page within a short window is disabled until the
// window elapses.
package loopguard

import (
	"sync"
	"time"

	"github.com/haukened/rr-shield/internal/shield/common/clock"
)

const (
	DefaultWindow   = 10 * time.Second
	DefaultMaxCount = 10
)

// Options configures a Guard. Zero values take the defaults.
type Options struct {
	Window   time.Duration
	MaxCount int
	Clock    clock.Clock
}

// Guard counts increments inside a rolling window that starts at the first
// increment after the previous window expired. Safe for concurrent use.
type Guard struct {
	mu          sync.Mutex
	window      time.Duration
	maxCount    int
	clock       clock.Clock
	count       int
	windowStart time.Time
}

// New returns a Guard.
func New(opts Options) *Guard {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.MaxCount <= 0 {
		opts.MaxCount = DefaultMaxCount
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Guard{
		window:   opts.Window,
		maxCount: opts.MaxCount,
		clock:    opts.Clock,
	}
}

// Increment records one redirect. When the current window has expired the
// counter restarts at 1.
func (g *Guard) Increment() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if g.windowStart.IsZero() || now.Sub(g.windowStart) > g.window {
		g.windowStart = now
		g.count = 0
	}
	g.count++
}

// IsLooping reports whether more than MaxCount increments happened inside the
// current window. An expired window never reports a loop.
func (g *Guard) IsLooping() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.windowStart.IsZero() || g.clock.Now().Sub(g.windowStart) > g.window {
		return false
	}
	return g.count > g.maxCount
}

// Reset clears the counter.
func (g *Guard) Reset() {
	g.mu.Lock()
	g.count = 0
	g.windowStart = time.Time{}
	g.mu.Unlock()
}
