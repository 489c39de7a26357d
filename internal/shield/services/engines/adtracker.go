package engines

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/haukened/rr-shield/internal/shield/common/log"
	"github.com/haukened/rr-shield/internal/shield/common/loopguard"
	"github.com/haukened/rr-shield/internal/shield/common/utils"
	"github.com/haukened/rr-shield/internal/shield/domain"
	"github.com/haukened/rr-shield/internal/shield/infra/urlmatcher"
)

// AllowRule exempts URLs on Domain (or a subdomain) whose text contains
// Substring from ad blocking.
type AllowRule struct {
	Domain    string
	Substring string
}

// DefaultAdAllowlist are known false positives that break pages when
// blocked.
var DefaultAdAllowlist = []AllowRule{
	{Domain: "cdn.ampproject.org", Substring: "/v0.js"},
	{Domain: "static.chartbeat.com", Substring: "/js/chartbeat_video.js"},
	{Domain: "imasdk.googleapis.com", Substring: "/ima3.js"},
}

// CookieWorkaround forces a cookie on one domain whose anti-adblock wall
// goes away once the cookie is set.
type CookieWorkaround struct {
	Domain string
	Name   string
	Value  string
}

// DefaultCookieWorkaround skips the forbes.com welcome interstitial.
var DefaultCookieWorkaround = CookieWorkaround{Domain: "forbes.com", Name: "welcomeAd", Value: "true"}

// SetCookie returns the Set-Cookie header value of the workaround.
func (w CookieWorkaround) SetCookie() string {
	return fmt.Sprintf("%s=%s; Domain=.%s; Path=/", w.Name, w.Value, w.Domain)
}

// SourceLoader registers rule sources with the sync manager.
type SourceLoader interface {
	Load(ctx context.Context, src domain.RuleSource, consumer domain.BlobConsumer) error
	Unload(name string) bool
}

// AdTrackerOptions configures an AdTracker engine.
type AdTrackerOptions struct {
	Options
	// RegionalBase is the template source regional lists are derived from
	// (see domain.RegionalSource). Empty disables regional lists.
	RegionalBase domain.RuleSource
	// WellTested lists the locales whose regional list loads without an
	// explicit opt-in.
	WellTested []string
	// Loader is required when RegionalBase is set.
	Loader SourceLoader
	// Allowlist replaces DefaultAdAllowlist when non-nil.
	Allowlist []AllowRule
	// Workaround replaces DefaultCookieWorkaround when non-nil. A zero
	// Domain disables it.
	Workaround *CookieWorkaround
	// Guard replaces the default 10s/10 redirect loop guard.
	Guard *loopguard.Guard
}

// AdTracker blocks ad and tracker URLs using a base list plus at most one
// regional list picked from the device locale.
type AdTracker struct {
	base     atomic.Pointer[urlmatcher.Matcher]
	regional atomic.Pointer[urlmatcher.Matcher]

	allowlist  []AllowRule
	workaround CookieWorkaround
	guard      *loopguard.Guard

	regionalBase domain.RuleSource
	wellTested   map[string]struct{}
	loader       SourceLoader

	// regionMu serializes region changes; classification never takes it.
	regionMu       sync.Mutex
	regionalSource string
	regionalGen    atomic.Uint64

	logger log.Logger
	onSwap func(domain.EngineKind)
}

// NewAdTracker returns an engine with no data loaded.
func NewAdTracker(opts AdTrackerOptions) (*AdTracker, error) {
	o := opts.Options.withDefaults(domain.EngineAdTracker.String())
	if opts.RegionalBase.Name != "" && opts.Loader == nil {
		return nil, fmt.Errorf("adtracker: regional lists need a source loader")
	}

	allow := opts.Allowlist
	if allow == nil {
		allow = DefaultAdAllowlist
	}
	workaround := DefaultCookieWorkaround
	if opts.Workaround != nil {
		workaround = *opts.Workaround
	}
	guard := opts.Guard
	if guard == nil {
		guard = loopguard.New(loopguard.Options{})
	}
	wellTested := make(map[string]struct{}, len(opts.WellTested))
	for _, l := range opts.WellTested {
		wellTested[strings.ToLower(l)] = struct{}{}
	}

	return &AdTracker{
		allowlist:    allow,
		workaround:   workaround,
		guard:        guard,
		regionalBase: opts.RegionalBase,
		wellTested:   wellTested,
		loader:       opts.Loader,
		logger:       o.Logger,
		onSwap:       o.OnSwap,
	}, nil
}

// Kind identifies the engine.
func (e *AdTracker) Kind() domain.EngineKind { return domain.EngineAdTracker }

// Apply implements domain.BlobConsumer for the base list.
func (e *AdTracker) Apply(ctx context.Context, blob domain.CachedBlob, data []byte) error {
	m, err := urlmatcher.Load(blob.Source.Name, data)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.base.Store(m)
	e.logger.Info(map[string]any{"source": blob.Source.Name, "rules": m.Rules()}, "adblock_base_swapped")
	e.onSwap(e.Kind())
	return nil
}

// Ready reports whether the base list has been loaded.
func (e *AdTracker) Ready() bool { return e.base.Load() != nil }

// RegionalSource returns the name of the regional source currently
// registered, or "".
func (e *AdTracker) RegionalSource() string {
	e.regionMu.Lock()
	defer e.regionMu.Unlock()
	return e.regionalSource
}

// SetRegion picks the regional list for locale. The list is used when the
// locale is well tested or optIn is set; otherwise any loaded regional list
// is dropped. Switching locale unregisters the previous source and clears
// its matcher before the new one loads.
func (e *AdTracker) SetRegion(ctx context.Context, locale string, optIn bool) error {
	if e.regionalBase.Name == "" {
		return nil
	}
	locale = strings.ToLower(strings.TrimSpace(locale))
	_, tested := e.wellTested[locale]
	enabled := locale != "" && (tested || optIn)

	var next domain.RuleSource
	if enabled {
		src, err := domain.RegionalSource(e.regionalBase, locale)
		if err != nil {
			return fmt.Errorf("adtracker: %w", err)
		}
		next = src
	}

	e.regionMu.Lock()
	defer e.regionMu.Unlock()

	if next.Name == e.regionalSource {
		return nil
	}
	if e.regionalSource != "" {
		e.loader.Unload(e.regionalSource)
		e.regional.Store(nil)
		e.logger.Info(map[string]any{"source": e.regionalSource}, "adblock_regional_unloaded")
		e.onSwap(e.Kind())
	}
	e.regionalSource = next.Name
	if next.Name == "" {
		return nil
	}

	gen := e.regionalGen.Add(1)
	consumer := domain.BlobConsumerFunc(func(ctx context.Context, blob domain.CachedBlob, data []byte) error {
		return e.applyRegional(ctx, gen, blob, data)
	})
	if err := e.loader.Load(ctx, next, consumer); err != nil {
		e.regionalSource = ""
		return fmt.Errorf("adtracker: loading %s: %w", next.Name, err)
	}
	e.logger.Info(map[string]any{"source": next.Name, "locale": locale}, "adblock_regional_registered")
	return nil
}

// applyRegional swaps in a regional list unless the region changed since
// the source was registered.
func (e *AdTracker) applyRegional(ctx context.Context, gen uint64, blob domain.CachedBlob, data []byte) error {
	m, err := urlmatcher.Load(blob.Source.Name, data)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.regionalGen.Load() != gen {
		return nil
	}
	e.regional.Store(m)
	e.logger.Info(map[string]any{"source": blob.Source.Name, "rules": m.Rules()}, "adblock_regional_swapped")
	e.onSwap(e.Kind())
	return nil
}

// Classify reports whether req matches the base or regional list. Main
// documents and allowlisted URLs are never blocked.
func (e *AdTracker) Classify(req domain.RequestDescriptor) bool {
	if req.IsMainDocument() || e.allowlisted(req) {
		return false
	}
	for _, m := range []*urlmatcher.Matcher{e.base.Load(), e.regional.Load()} {
		if blocked, _ := m.Match(req); blocked {
			return true
		}
	}
	return false
}

func (e *AdTracker) allowlisted(req domain.RequestDescriptor) bool {
	host := req.Host()
	raw := req.URL.String()
	for _, a := range e.allowlist {
		if utils.IsSubdomainOrSelf(host, a.Domain) && strings.Contains(raw, a.Substring) {
			return true
		}
	}
	return false
}

// Workaround returns a reload of req that sets the workaround cookie, when
// req is a main-document load of the workaround domain without the cookie.
// Once the loop guard trips, the workaround is skipped for the rest of its
// window.
func (e *AdTracker) Workaround(req domain.RequestDescriptor) (domain.Decision, bool) {
	w := e.workaround
	if w.Domain == "" || !req.IsMainDocument() {
		return domain.Decision{}, false
	}
	if !utils.IsSubdomainOrSelf(req.Host(), w.Domain) || req.HasCookie(w.Name) {
		return domain.Decision{}, false
	}
	if e.guard.IsLooping() {
		e.logger.Debug(map[string]any{"domain": w.Domain}, "cookie_workaround_looping")
		return domain.Decision{}, false
	}
	e.guard.Increment()

	d := domain.RedirectDecision(domain.EngineAdTracker, req.URL.String())
	d.SetCookie = w.SetCookie()
	return d, true
}
