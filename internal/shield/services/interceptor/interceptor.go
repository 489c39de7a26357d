// Package interceptor decides what happens to every outgoing request and
// applies the decision as an http.RoundTripper.
package interceptor

import (
	"context"
	_ "embed"
	"fmt"
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/haukened/rr-shield/internal/shield/common/log"
	"github.com/haukened/rr-shield/internal/shield/common/utils"
	"github.com/haukened/rr-shield/internal/shield/domain"
	"github.com/haukened/rr-shield/internal/shield/repos/decisioncache"
)

//go:embed assets/blocked.html
var blockedPage []byte

//go:embed assets/pixel.jpg
var pixelJPEG []byte

// DefaultPixelHosts are tracking-pixel hosts whose blocked requests get an
// image in place of an empty body.
var DefaultPixelHosts = []string{
	"pixel.facebook.com",
	"pixel.quantserve.com",
	"b.scorecardresearch.com",
	"sb.scorecardresearch.com",
	"bat.bing.com",
	"px.ads.linkedin.com",
	"analytics.twitter.com",
}

var imageExtensions = map[string]struct{}{
	".gif": {}, ".png": {}, ".jpg": {}, ".jpeg": {}, ".webp": {}, ".bmp": {}, ".ico": {},
}

// Engines is the set of engines consulted for a request. A nil engine is
// never consulted.
type Engines struct {
	SafeBrowsing Classifier
	Tracking     Classifier
	AdTracker    AdBlocker
	HTTPS        Upgrader
}

// Options configures an Interceptor.
type Options struct {
	Engines  Engines
	Cache    decisioncache.Interface
	Shields  ShieldResolver
	Reporter BlockReporter
	Logger   log.Logger
	// PixelHosts replaces DefaultPixelHosts when non-nil.
	PixelHosts []string
	// BlockPage replaces the bundled block page when non-empty.
	BlockPage []byte
}

// Interceptor classifies requests. Classification only reads in-memory
// state and is safe for concurrent use.
type Interceptor struct {
	engines    Engines
	cache      decisioncache.Interface
	shields    ShieldResolver
	reporter   BlockReporter
	logger     log.Logger
	pixelHosts []string
	blockPage  []byte

	// generation changes on every purge. A decision computed across a
	// purge is returned but not stored.
	generation atomic.Uint64
	purgeMu    sync.RWMutex
}

// New returns an Interceptor.
func New(opts Options) (*Interceptor, error) {
	if opts.Shields == nil {
		return nil, fmt.Errorf("interceptor: shield resolver is required")
	}
	if opts.Cache == nil {
		opts.Cache = decisioncache.Disabled{}
	}
	if opts.Reporter == nil {
		opts.Reporter = noopReporter{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.PixelHosts == nil {
		opts.PixelHosts = DefaultPixelHosts
	}
	if len(opts.BlockPage) == 0 {
		opts.BlockPage = blockedPage
	}
	hosts := make([]string, 0, len(opts.PixelHosts))
	for _, h := range opts.PixelHosts {
		hosts = append(hosts, utils.CanonicalHost(h))
	}
	return &Interceptor{
		engines:    opts.Engines,
		cache:      opts.Cache,
		shields:    opts.Shields,
		reporter:   opts.Reporter,
		logger:     opts.Logger,
		pixelHosts: hosts,
		blockPage:  opts.BlockPage,
	}, nil
}

// Decide resolves the shields for req and classifies it.
func (i *Interceptor) Decide(ctx context.Context, req domain.RequestDescriptor) (domain.Decision, domain.ShieldState) {
	shields := i.shields.ShieldState(ctx, req.MainDocumentHost())
	return i.Classify(ctx, req, shields), shields
}

// Classify returns the decision for req under shields. Engines run in a
// fixed order: safe browsing, then ad and tracker blocking, then https
// upgrade. The result is cached per main document host and normalized URL,
// even when ctx is already done, unless the cache was purged while the
// engines ran. Blocked requests are reported only while ctx is live, and the
// cookie workaround is skipped once ctx is done.
func (i *Interceptor) Classify(ctx context.Context, req domain.RequestDescriptor, shields domain.ShieldState) domain.Decision {
	if shields.AllOff {
		return domain.AllowDecision()
	}

	if shields.AdBlockAndTrackingEnabled && i.engines.AdTracker != nil && ctx.Err() == nil {
		if d, ok := i.engines.AdTracker.Workaround(req); ok {
			i.logger.Debug(map[string]any{"url": req.URL.String()}, "cookie_workaround")
			return d
		}
	}

	key := req.Key()
	d, hit := i.cache.Get(key)
	if !hit {
		gen := i.generation.Load()
		d = i.classify(req, shields)
		i.store(key, d, gen)
	}

	if ctx.Err() != nil {
		return d
	}
	if d.IsBlock() {
		engine, target := d.Engine, req.URL.String()
		go i.reporter.OnBlocked(engine, target)
	}
	i.logger.Debug(map[string]any{"url": req.URL.String(), "decision": d.String(), "cached": hit}, "request_classified")
	return d
}

func (i *Interceptor) classify(req domain.RequestDescriptor, shields domain.ShieldState) domain.Decision {
	e := i.engines

	if shields.SafeBrowsingEnabled && e.SafeBrowsing != nil && e.SafeBrowsing.Classify(req) {
		return domain.BlockPageDecision(domain.EngineSafeBrowsing, i.blockPage)
	}

	if shields.AdBlockAndTrackingEnabled {
		engine := domain.EngineNone
		switch {
		case e.Tracking != nil && e.Tracking.Classify(req):
			engine = domain.EngineTrackingProtection
		case e.AdTracker != nil && e.AdTracker.Classify(req):
			engine = domain.EngineAdTracker
		}
		if engine != domain.EngineNone {
			if i.isPixel(req) {
				return domain.BlockPixelDecision(engine)
			}
			return domain.BlockEmptyDecision(engine)
		}
	}

	if shields.HTTPSUpgradeEnabled && e.HTTPS != nil {
		if up, ok := e.HTTPS.TryUpgrade(req.URL); ok {
			return domain.RedirectDecision(domain.EngineHTTPSUpgrade, up.String())
		}
	}

	return domain.AllowDecision()
}

// isPixel reports whether a blocked request should be answered with an
// image: a known pixel host, an image path, or an image-only Accept header.
func (i *Interceptor) isPixel(req domain.RequestDescriptor) bool {
	host := req.Host()
	for _, h := range i.pixelHosts {
		if utils.IsSubdomainOrSelf(host, h) {
			return true
		}
	}
	if _, ok := imageExtensions[strings.ToLower(path.Ext(req.URL.Path))]; ok {
		return true
	}
	accept := strings.ToLower(req.AcceptHeader)
	return strings.HasPrefix(accept, "image/") && !strings.Contains(accept, "text/html")
}

// store caches d unless a purge happened since gen was read.
func (i *Interceptor) store(key domain.DecisionKey, d domain.Decision, gen uint64) {
	i.purgeMu.RLock()
	defer i.purgeMu.RUnlock()
	if i.generation.Load() != gen {
		return
	}
	i.cache.Put(key, d)
}

func (i *Interceptor) purge() {
	i.purgeMu.Lock()
	defer i.purgeMu.Unlock()
	i.generation.Add(1)
	i.cache.Purge()
}

// OnEngineSwap drops cached decisions after an engine swapped its rule data.
func (i *Interceptor) OnEngineSwap(kind domain.EngineKind) {
	i.purge()
	i.logger.Debug(map[string]any{"engine": kind.String()}, "decision_cache_purged")
}

// OnSettingsChanged drops cached decisions after shield settings changed.
func (i *Interceptor) OnSettingsChanged() {
	i.purge()
	i.logger.Debug(nil, "decision_cache_purged")
}

// looksLikeScript reports whether req fetches a script.
func looksLikeScript(req domain.RequestDescriptor) bool {
	switch strings.ToLower(path.Ext(req.URL.Path)) {
	case ".js", ".mjs":
		return true
	}
	return strings.Contains(strings.ToLower(req.AcceptHeader), "javascript")
}
