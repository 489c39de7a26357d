package interceptor

import (
	"context"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-shield/internal/shield/domain"
	"github.com/haukened/rr-shield/internal/shield/repos/decisioncache"
	"github.com/haukened/rr-shield/internal/shield/services/engines"
)

type stubClassifier struct {
	block func(req domain.RequestDescriptor) bool
	calls atomic.Int32
}

func (s *stubClassifier) Classify(req domain.RequestDescriptor) bool {
	s.calls.Add(1)
	return s.block != nil && s.block(req)
}

func blockAll() *stubClassifier {
	return &stubClassifier{block: func(domain.RequestDescriptor) bool { return true }}
}

type stubAdBlocker struct {
	*stubClassifier
	workaround      *domain.Decision
	workaroundCalls atomic.Int32
}

func (s *stubAdBlocker) Workaround(domain.RequestDescriptor) (domain.Decision, bool) {
	s.workaroundCalls.Add(1)
	if s.workaround == nil {
		return domain.Decision{}, false
	}
	return *s.workaround, true
}

type stubUpgrader struct {
	calls atomic.Int32
}

func (s *stubUpgrader) TryUpgrade(u *url.URL) (*url.URL, bool) {
	s.calls.Add(1)
	if u.Scheme != "http" {
		return nil, false
	}
	up := *u
	up.Scheme = "https"
	return &up, true
}

type staticShields domain.ShieldState

func (s staticShields) ShieldState(context.Context, string) domain.ShieldState {
	return domain.ShieldState(s)
}

type blockEvent struct {
	engine domain.EngineKind
	url    string
}

type chanReporter chan blockEvent

func (c chanReporter) OnBlocked(engine domain.EngineKind, url string) {
	c <- blockEvent{engine: engine, url: url}
}

func allOn() domain.ShieldState {
	s := domain.DefaultShieldState()
	s.ScriptBlockingEnabled = true
	return s
}

func newCache(t *testing.T) *decisioncache.Cache {
	t.Helper()
	c, err := decisioncache.NewFIFO(16)
	require.NoError(t, err)
	return c
}

func newInterceptor(t *testing.T, e Engines, cache decisioncache.Interface, opts ...func(*Options)) *Interceptor {
	t.Helper()
	o := Options{Engines: e, Cache: cache, Shields: staticShields(allOn())}
	for _, fn := range opts {
		fn(&o)
	}
	i, err := New(o)
	require.NoError(t, err)
	return i
}

func request(t *testing.T, u, main, accept string) domain.RequestDescriptor {
	t.Helper()
	r, err := domain.NewRequestDescriptor(u, main, accept, "GET")
	require.NoError(t, err)
	return r
}

func TestNew_RequiresShieldResolver(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestClassify_AllOffAlwaysAllows(t *testing.T) {
	cache := newCache(t)
	sb, tr := blockAll(), blockAll()
	ad := &stubAdBlocker{stubClassifier: blockAll()}
	up := &stubUpgrader{}
	i := newInterceptor(t, Engines{SafeBrowsing: sb, Tracking: tr, AdTracker: ad, HTTPS: up}, cache)

	req := request(t, "http://ads.example/a.js", "https://news.test/", "")
	cache.Put(req.Key(), domain.BlockEmptyDecision(domain.EngineAdTracker))

	off := allOn()
	off.AllOff = true
	d := i.Classify(context.Background(), req, off)

	assert.Equal(t, domain.AllowDecision(), d)
	assert.Zero(t, sb.calls.Load()+tr.calls.Load()+ad.calls.Load()+up.calls.Load())
}

func TestClassify_SameKeySameDecision(t *testing.T) {
	tr := &stubClassifier{block: func(r domain.RequestDescriptor) bool { return r.Host() == "tracker.example" }}
	i := newInterceptor(t, Engines{Tracking: tr}, newCache(t))
	ctx := context.Background()

	first := i.Classify(ctx, request(t, "https://tracker.example/t.js#a", "https://news.test/", ""), allOn())
	second := i.Classify(ctx, request(t, "HTTPS://Tracker.Example:443/t.js#b", "https://news.test/other", ""), allOn())

	assert.Equal(t, domain.BlockEmptyDecision(domain.EngineTrackingProtection), first)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), tr.calls.Load(), "second call served from cache")
}

func TestClassify_EngineOrder(t *testing.T) {
	sb, tr := blockAll(), blockAll()
	up := &stubUpgrader{}
	i := newInterceptor(t, Engines{SafeBrowsing: sb, Tracking: tr, HTTPS: up}, nil)

	d := i.Classify(context.Background(), request(t, "http://evil.example/", "", ""), allOn())
	assert.Equal(t, domain.DecisionBlockPage, d.Kind)
	assert.Equal(t, domain.EngineSafeBrowsing, d.Engine)
	assert.Equal(t, blockedPage, d.Page)
	assert.Zero(t, tr.calls.Load())
	assert.Zero(t, up.calls.Load())
}

func TestClassify_DisabledEnginesSkipped(t *testing.T) {
	sb, tr := blockAll(), blockAll()
	ad := &stubAdBlocker{stubClassifier: blockAll()}
	up := &stubUpgrader{}
	i := newInterceptor(t, Engines{SafeBrowsing: sb, Tracking: tr, AdTracker: ad, HTTPS: up}, nil)

	d := i.Classify(context.Background(), request(t, "http://x.example/a", "https://news.test/", ""), domain.ShieldState{ScriptBlockingEnabled: true})
	assert.Equal(t, domain.AllowDecision(), d)
	assert.Zero(t, sb.calls.Load()+tr.calls.Load()+ad.calls.Load()+up.calls.Load())
}

func TestClassify_AdTrackerAfterTracking(t *testing.T) {
	tr := &stubClassifier{}
	ad := &stubAdBlocker{stubClassifier: blockAll()}
	i := newInterceptor(t, Engines{Tracking: tr, AdTracker: ad}, nil)

	d := i.Classify(context.Background(), request(t, "https://ads.example/a.js", "https://news.test/", ""), allOn())
	assert.Equal(t, domain.BlockEmptyDecision(domain.EngineAdTracker), d)
	assert.Equal(t, int32(1), tr.calls.Load())
}

func TestClassify_PixelHeuristics(t *testing.T) {
	i := newInterceptor(t, Engines{Tracking: blockAll()}, nil)
	ctx := context.Background()
	main := "https://news.test/"

	cases := []struct {
		url, accept string
		want        domain.DecisionKind
	}{
		{"https://tracker.example/p.GIF", "", domain.DecisionBlockPixel},
		{"https://tracker.example/beacon", "image/avif,image/webp,*/*", domain.DecisionBlockPixel},
		{"https://pixel.facebook.com/tr", "*/*", domain.DecisionBlockPixel},
		{"https://tracker.example/beacon", "*/*", domain.DecisionBlockEmpty},
		{"https://tracker.example/frame", "text/html,image/webp", domain.DecisionBlockEmpty},
	}
	for _, tc := range cases {
		d := i.Classify(ctx, request(t, tc.url, main, tc.accept), allOn())
		assert.Equal(t, tc.want, d.Kind, "%s accept=%q", tc.url, tc.accept)
	}
}

func TestClassify_TrackingPixelScenario(t *testing.T) {
	tracking := engines.NewTrackingProtection(engines.TrackingOptions{})
	src, err := domain.NewRuleSource("tracking", "https://lists.example/tracking.txt", "tracking.txt", "tracking")
	require.NoError(t, err)
	require.NoError(t, tracking.Apply(context.Background(), domain.CachedBlob{Source: src}, []byte("tracker.example\n")))

	i := newInterceptor(t, Engines{Tracking: tracking}, newCache(t))
	d := i.Classify(context.Background(), request(t, "http://tracker.example/pixel.gif", "https://news.example/", ""), allOn())

	assert.Equal(t, domain.BlockPixelDecision(domain.EngineTrackingProtection), d)
}

func TestClassify_HTTPSRedirectScenario(t *testing.T) {
	dir := t.TempDir()
	forced := engines.NewForcedHTTPS(engines.ForcedHTTPSOptions{DBDir: dir})
	t.Cleanup(func() { _ = forced.Close() })
	src, err := domain.NewRuleSource("https", "https://lists.example/https.yaml", "https.yaml", "https")
	require.NoError(t, err)
	rulesets := []byte("rulesets:\n  - name: Example\n    targets: [\"example.com\"]\n    rules:\n      - from: \"^http:\"\n        to: \"https:\"\n")
	require.NoError(t, forced.Apply(context.Background(), domain.CachedBlob{Source: src, Path: filepath.Join(dir, "https.yaml")}, rulesets))

	i := newInterceptor(t, Engines{HTTPS: forced}, newCache(t))
	d := i.Classify(context.Background(), request(t, "http://example.com/", "", ""), allOn())
	assert.Equal(t, domain.RedirectDecision(domain.EngineHTTPSUpgrade, "https://example.com/"), d)

	d = i.Classify(context.Background(), request(t, "https://example.com/", "", ""), allOn())
	assert.Equal(t, domain.AllowDecision(), d)
}

func TestClassify_ReportsBlocksAsync(t *testing.T) {
	events := make(chanReporter, 4)
	i := newInterceptor(t, Engines{SafeBrowsing: blockAll()}, newCache(t), func(o *Options) { o.Reporter = events })

	i.Classify(context.Background(), request(t, "https://evil.example/", "", ""), allOn())
	select {
	case ev := <-events:
		assert.Equal(t, blockEvent{engine: domain.EngineSafeBrowsing, url: "https://evil.example/"}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("block not reported")
	}
}

func TestClassify_CancelledStillCachesWithoutSideEffects(t *testing.T) {
	events := make(chanReporter, 4)
	cache := newCache(t)
	i := newInterceptor(t, Engines{SafeBrowsing: blockAll()}, cache, func(o *Options) { o.Reporter = events })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := request(t, "https://evil.example/", "", "")
	d := i.Classify(ctx, req, allOn())

	assert.Equal(t, domain.DecisionBlockPage, d.Kind)
	cached, ok := cache.Get(req.Key())
	require.True(t, ok)
	assert.Equal(t, d, cached)
	select {
	case ev := <-events:
		t.Fatalf("unexpected report %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClassify_WorkaroundNotCached(t *testing.T) {
	reload := domain.RedirectDecision(domain.EngineAdTracker, "https://www.forbes.com/")
	reload.SetCookie = "welcomeAd=true; Domain=.forbes.com; Path=/"
	ad := &stubAdBlocker{stubClassifier: &stubClassifier{}, workaround: &reload}
	cache := newCache(t)
	i := newInterceptor(t, Engines{AdTracker: ad}, cache)

	d := i.Classify(context.Background(), request(t, "https://www.forbes.com/", "", ""), allOn())
	assert.Equal(t, reload, d)
	assert.Zero(t, cache.Len())

	off := allOn()
	off.AdBlockAndTrackingEnabled = false
	d = i.Classify(context.Background(), request(t, "https://www.forbes.com/", "", ""), off)
	assert.Equal(t, domain.AllowDecision(), d)
}

func TestPurgeHooks(t *testing.T) {
	cache := newCache(t)
	i := newInterceptor(t, Engines{}, cache)
	ctx := context.Background()

	i.Classify(ctx, request(t, "https://a.example/", "", ""), allOn())
	require.Equal(t, 1, cache.Len())
	i.OnEngineSwap(domain.EngineAdTracker)
	assert.Zero(t, cache.Len())

	i.Classify(ctx, request(t, "https://a.example/", "", ""), allOn())
	require.Equal(t, 1, cache.Len())
	i.OnSettingsChanged()
	assert.Zero(t, cache.Len())
}

func TestClassify_Concurrent(t *testing.T) {
	tr := &stubClassifier{block: func(r domain.RequestDescriptor) bool { return r.Host() == "tracker.example" }}
	i := newInterceptor(t, Engines{Tracking: tr}, newCache(t))
	req := request(t, "https://tracker.example/t.js", "https://news.test/", "")

	var wg sync.WaitGroup
	results := make([]domain.Decision, 32)
	for n := range results {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n] = i.Classify(context.Background(), req, allOn())
		}(n)
	}
	wg.Wait()
	for _, d := range results {
		assert.Equal(t, domain.BlockEmptyDecision(domain.EngineTrackingProtection), d)
	}
}

func TestClassify_WorkaroundSkippedWhenCancelled(t *testing.T) {
	reload := domain.RedirectDecision(domain.EngineAdTracker, "https://www.forbes.com/")
	ad := &stubAdBlocker{stubClassifier: &stubClassifier{}, workaround: &reload}
	i := newInterceptor(t, Engines{AdTracker: ad}, newCache(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := i.Classify(ctx, request(t, "https://www.forbes.com/", "", ""), allOn())

	assert.Equal(t, domain.AllowDecision(), d)
	assert.Zero(t, ad.workaroundCalls.Load())
}

// gatedClassifier answers from blocked and then waits on release, so a
// test can swap rule data while a classification is in flight.
type gatedClassifier struct {
	blocked atomic.Bool
	entered chan struct{}
	release chan struct{}
	gate    atomic.Bool
}

func (g *gatedClassifier) Classify(domain.RequestDescriptor) bool {
	answer := g.blocked.Load()
	if g.gate.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return answer
}

func TestClassify_SwapDuringClassificationNotCached(t *testing.T) {
	sb := &gatedClassifier{entered: make(chan struct{}), release: make(chan struct{})}
	sb.blocked.Store(true)
	sb.gate.Store(true)
	cache := newCache(t)
	i := newInterceptor(t, Engines{SafeBrowsing: sb}, cache)
	req := request(t, "https://listed.example/", "", "")

	done := make(chan domain.Decision, 1)
	go func() { done <- i.Classify(context.Background(), req, allOn()) }()

	<-sb.entered
	sb.blocked.Store(false)
	i.OnEngineSwap(domain.EngineSafeBrowsing)
	close(sb.release)

	stale := <-done
	assert.Equal(t, domain.DecisionBlockPage, stale.Kind)
	_, ok := cache.Get(req.Key())
	assert.False(t, ok)

	d := i.Classify(context.Background(), req, allOn())
	assert.Equal(t, domain.AllowDecision(), d)
}

func TestClassify_SettingsChangeDuringClassificationNotCached(t *testing.T) {
	sb := &gatedClassifier{entered: make(chan struct{}), release: make(chan struct{})}
	sb.gate.Store(true)
	cache := newCache(t)
	i := newInterceptor(t, Engines{SafeBrowsing: sb}, cache)
	req := request(t, "https://a.example/", "", "")

	done := make(chan domain.Decision, 1)
	go func() { done <- i.Classify(context.Background(), req, allOn()) }()

	<-sb.entered
	i.OnSettingsChanged()
	close(sb.release)
	<-done

	assert.Zero(t, cache.Len())
	i.Classify(context.Background(), req, allOn())
	assert.Equal(t, 1, cache.Len())
}
