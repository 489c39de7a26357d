package engines

import (
	"context"
	"sync/atomic"

	"github.com/haukened/rr-shield/internal/shield/common/log"
	"github.com/haukened/rr-shield/internal/shield/common/utils"
	"github.com/haukened/rr-shield/internal/shield/domain"
	"github.com/haukened/rr-shield/internal/shield/repos/hostset"
)

// DefaultTrackingAllowlist are social and CDN hosts that embedded widgets
// load from; blocking them breaks pages.
var DefaultTrackingAllowlist = []string{
	"connect.facebook.net",
	"connect.facebook.com",
	"staticxx.facebook.com",
	"www.facebook.com",
	"scontent.xx.fbcdn.net",
	"pbs.twimg.com",
	"platform.twitter.com",
	"syndication.twitter.com",
	"cdn.syndication.twimg.com",
}

// TrackingOptions configures a TrackingProtection engine.
type TrackingOptions struct {
	Options
	// Allowlist replaces DefaultTrackingAllowlist when non-nil. Entries
	// cover the host and its subdomains.
	Allowlist []string
}

// TrackingProtection blocks third-party requests to listed tracker hosts.
type TrackingProtection struct {
	set       atomic.Pointer[hostset.Set]
	allowlist []string
	logger    log.Logger
	onSwap    func(domain.EngineKind)
}

// NewTrackingProtection returns an engine with no data loaded.
func NewTrackingProtection(opts TrackingOptions) *TrackingProtection {
	o := opts.Options.withDefaults(domain.EngineTrackingProtection.String())
	allow := opts.Allowlist
	if allow == nil {
		allow = DefaultTrackingAllowlist
	}
	canon := make([]string, 0, len(allow))
	for _, h := range allow {
		canon = append(canon, utils.CanonicalHost(h))
	}
	return &TrackingProtection{allowlist: canon, logger: o.Logger, onSwap: o.OnSwap}
}

// Kind identifies the engine.
func (e *TrackingProtection) Kind() domain.EngineKind { return domain.EngineTrackingProtection }

// Apply implements domain.BlobConsumer.
func (e *TrackingProtection) Apply(ctx context.Context, blob domain.CachedBlob, data []byte) error {
	set, err := hostset.Load(blob.Source.Name, data, e.logger)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.set.Store(set)
	e.logger.Info(map[string]any{"source": blob.Source.Name, "rules": set.Len()}, "tracking_swapped")
	e.onSwap(e.Kind())
	return nil
}

// Ready reports whether rule data has been loaded.
func (e *TrackingProtection) Ready() bool { return e.set.Load() != nil }

// Classify blocks req when it is a third-party sub-resource whose host,
// without a leading "www.", "m." or "mobile." label, is listed and not
// allowlisted.
func (e *TrackingProtection) Classify(req domain.RequestDescriptor) bool {
	if req.IsMainDocument() {
		return false
	}
	set := e.set.Load()
	if set == nil {
		return false
	}

	host := utils.StripCommonPrefixes(req.Host())
	main := utils.StripCommonPrefixes(req.MainDocumentHost())
	if !utils.IsThirdParty(host, main) {
		return false
	}
	if e.allowlisted(req.Host()) {
		return false
	}
	return set.MatchHost(host)
}

func (e *TrackingProtection) allowlisted(host string) bool {
	for _, a := range e.allowlist {
		if utils.IsSubdomainOrSelf(host, a) {
			return true
		}
	}
	return false
}
