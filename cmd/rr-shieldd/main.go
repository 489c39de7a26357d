package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haukened/rr-shield/internal/shield/common/clock"
	"github.com/haukened/rr-shield/internal/shield/common/log"
	"github.com/haukened/rr-shield/internal/shield/config"
	"github.com/haukened/rr-shield/internal/shield/domain"
	"github.com/haukened/rr-shield/internal/shield/gateways/fetcher"
	"github.com/haukened/rr-shield/internal/shield/gateways/metrics"
	"github.com/haukened/rr-shield/internal/shield/gateways/proxy"
	"github.com/haukened/rr-shield/internal/shield/infra/shields"
	"github.com/haukened/rr-shield/internal/shield/repos/blobstore"
	"github.com/haukened/rr-shield/internal/shield/repos/decisioncache"
	"github.com/haukened/rr-shield/internal/shield/services/engines"
	"github.com/haukened/rr-shield/internal/shield/services/interceptor"
	"github.com/haukened/rr-shield/internal/shield/services/rulesync"
)

const (
	version = "0.1.0-dev"
	appName = "rr-shieldd"

	defaultShutdownTimeout = 10 * time.Second
)

// Application holds all the components of the filtering daemon.
type Application struct {
	config  *config.AppConfig
	logger  log.Logger
	sync    *rulesync.Manager
	proxy   *proxy.Server
	metrics *metrics.Metrics
	engines engineSet
	shields *shields.Resolver
	icpt    *interceptor.Interceptor
	sources []registration
}

type engineSet struct {
	safeBrowsing *engines.SafeBrowsing
	tracking     *engines.TrackingProtection
	adTracker    *engines.AdTracker
	https        *engines.ForcedHTTPS
}

// registration pairs a rule source with the engine consuming it.
type registration struct {
	source   domain.RuleSource
	consumer domain.BlobConsumer
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	err = log.Configure(cfg.Env, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"version":    version,
		"env":        cfg.Env,
		"log_level":  cfg.Log.Level,
		"listen":     cfg.Proxy.Listen,
		"metrics":    cfg.Proxy.MetricsListen,
		"cache_dir":  cfg.Sync.CacheDir,
		"cache_size": cfg.Cache.Size,
		"locale":     cfg.Region.Locale,
	}, "Starting "+appName)

	app, err := buildApplication(cfg, clock.RealClock{})
	if err != nil {
		log.Fatal(map[string]any{"error": err.Error()}, "Failed to build application")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			log.Info(nil, "SIGHUP received, refreshing rule lists")
			app.RefreshAll()
		}
	}()

	if err := app.Run(ctx); err != nil {
		log.Fatal(map[string]any{"error": err.Error()}, "Daemon failed")
	}

	log.Info(nil, appName+" stopped gracefully")
}

// buildApplication constructs all components and wires them together. No
// goroutine is started until Run.
func buildApplication(cfg *config.AppConfig, clk clock.Clock) (*Application, error) {
	logger := log.GetLogger()
	app := &Application{config: cfg, logger: logger}

	store, err := blobstore.New(cfg.Sync.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob store: %w", err)
	}

	app.metrics = metrics.New(log.Component("metrics"))

	app.sync, err = rulesync.New(rulesync.Options{
		Fetcher: fetcher.New(fetcher.Options{
			Timeout: cfg.Sync.Timeout,
			MaxSize: cfg.Sync.MaxSize,
			Logger:  log.Component("fetcher"),
		}),
		Store:           store,
		Clock:           clk,
		Logger:          log.Component("rulesync"),
		Metrics:         app.metrics,
		StartupDelay:    cfg.Sync.StartupDelay,
		RetryInterval:   cfg.Sync.RetryInterval,
		RefreshInterval: cfg.Sync.RefreshInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sync manager: %w", err)
	}

	cache, err := decisioncache.New(cfg.Cache.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to create decision cache: %w", err)
	}
	err = app.metrics.RegisterCache(func() (uint64, uint64, uint64, int) {
		s := cache.Stats()
		return s.Hits, s.Misses, s.Evictions, cache.Len()
	})
	if err != nil {
		return nil, err
	}

	// The interceptor is assigned below, before any source is loaded.
	onSwap := func(kind domain.EngineKind) { app.icpt.OnEngineSwap(kind) }
	if err := app.buildEngines(clk, onSwap); err != nil {
		return nil, err
	}

	app.shields, err = shields.FromConfig(cfg.Shields, func() { app.icpt.OnSettingsChanged() })
	if err != nil {
		return nil, fmt.Errorf("failed to create shield resolver: %w", err)
	}

	app.icpt, err = interceptor.New(interceptor.Options{
		Engines: interceptor.Engines{
			SafeBrowsing: app.engines.safeBrowsing,
			Tracking:     app.engines.tracking,
			AdTracker:    app.engines.adTracker,
			HTTPS:        app.engines.https,
		},
		Cache:    cache,
		Shields:  app.shields,
		Reporter: app.metrics,
		Logger:   log.Component("interceptor"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create interceptor: %w", err)
	}

	app.proxy = proxy.New(cfg.Proxy.Listen, app.icpt.Transport(nil), log.Component("proxy"))

	log.Info(map[string]any{
		"sources":    len(app.sources),
		"cache_size": cfg.Cache.Size,
	}, "Application wired")
	return app, nil
}

// buildEngines creates the four engines and the sources feeding them.
func (app *Application) buildEngines(clk clock.Clock, onSwap func(domain.EngineKind)) error {
	cfg := app.config
	opts := engines.Options{Logger: log.Component("engines"), OnSwap: onSwap}

	type def struct {
		name, url, file string
	}
	sources := make(map[string]domain.RuleSource)
	for _, s := range []def{
		{"adblock", cfg.Sources.AdBlockURL, "rules.txt"},
		{"safebrowsing", cfg.Sources.SafeBrowsingURL, "hosts.txt"},
		{"tracking", cfg.Sources.TrackingURL, "hosts.txt"},
		{"https", cfg.Sources.HTTPSURL, "rulesets.json"},
	} {
		src, err := domain.NewRuleSource(s.name, s.url, s.file, s.name)
		if err != nil {
			return fmt.Errorf("invalid %s source: %w", s.name, err)
		}
		sources[s.name] = src
	}

	app.engines.safeBrowsing = engines.NewSafeBrowsing(opts)
	app.engines.tracking = engines.NewTrackingProtection(engines.TrackingOptions{Options: opts})
	app.engines.https = engines.NewForcedHTTPS(engines.ForcedHTTPSOptions{
		Options: opts,
		DBDir:   filepath.Join(cfg.Sync.CacheDir, "https"),
	})

	adOpts := engines.AdTrackerOptions{
		Options:    opts,
		WellTested: cfg.Region.WellTested,
		Loader:     app.sync,
	}
	if cfg.Sources.RegionalURL != "" {
		base, err := domain.NewRuleSource("adblock-regional", cfg.Sources.RegionalURL, "regional.txt", "adblock")
		if err != nil {
			return fmt.Errorf("invalid regional source: %w", err)
		}
		adOpts.RegionalBase = base
	}
	ad, err := engines.NewAdTracker(adOpts)
	if err != nil {
		return fmt.Errorf("failed to create ad tracker engine: %w", err)
	}
	app.engines.adTracker = ad

	app.sources = []registration{
		{sources["safebrowsing"], app.engines.safeBrowsing},
		{sources["adblock"], app.engines.adTracker},
		{sources["tracking"], app.engines.tracking},
		{sources["https"], app.engines.https},
	}
	return nil
}

// RefreshAll asks every loaded source to check its remote copy now.
func (app *Application) RefreshAll() {
	for _, s := range app.sync.Status() {
		app.sync.RefreshNow(s.Name)
	}
}

// Run loads every rule source, serves the proxy and the metrics endpoint,
// and blocks until ctx is cancelled.
func (app *Application) Run(ctx context.Context) error {
	defer func() {
		app.sync.Close()
		if err := app.engines.https.Close(); err != nil {
			app.logger.Warn(map[string]any{"error": err.Error()}, "Error closing https database")
		}
	}()

	for _, r := range app.sources {
		if err := app.sync.Load(ctx, r.source, r.consumer); err != nil {
			return fmt.Errorf("failed to load source %s: %w", r.source.Name, err)
		}
	}
	region := app.config.Region
	if err := app.engines.adTracker.SetRegion(ctx, region.Locale, region.OptIn); err != nil {
		app.logger.Warn(map[string]any{"error": err.Error(), "locale": region.Locale}, "Regional list not loaded")
	}

	if err := app.proxy.Start(ctx); err != nil {
		return fmt.Errorf("failed to start proxy: %w", err)
	}
	app.logger.Info(map[string]any{"address": app.proxy.Address()}, "Proxy listening")

	g, gctx := errgroup.WithContext(ctx)
	if addr := app.config.Proxy.MetricsListen; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			_ = app.proxy.Stop()
			return fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", app.metrics.Handler())
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			app.logger.Info(map[string]any{"address": ln.Addr().String()}, "Metrics listening")
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info(nil, "Shutdown initiated")
		return app.proxy.Stop()
	})

	return g.Wait()
}
