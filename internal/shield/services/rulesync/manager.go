// Package rulesync keeps the rule data of every registered source fresh. One
// goroutine per source hands the cached blob to its consumer at startup,
// checks the remote copy after a short delay, downloads it when it changed
// and retries failed attempts forever.
package rulesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/haukened/rr-shield/internal/shield/common/clock"
	"github.com/haukened/rr-shield/internal/shield/common/log"
	"github.com/haukened/rr-shield/internal/shield/domain"
	"github.com/haukened/rr-shield/internal/shield/gateways/metrics"
)

const (
	DefaultStartupDelay    = 5 * time.Second
	DefaultRetryInterval   = 60 * time.Second
	DefaultRefreshInterval = 12 * time.Hour
)

var (
	ErrClosed        = errors.New("rulesync: manager closed")
	ErrAlreadyLoaded = errors.New("rulesync: source already loaded")
)

// Options configures a Manager.
type Options struct {
	Fetcher Fetcher
	Store   Store
	Clock   clock.Clock
	Logger  log.Logger
	Metrics Recorder

	StartupDelay    time.Duration
	RetryInterval   time.Duration
	RefreshInterval time.Duration
}

// SourceStatus is a snapshot of one source's sync state.
type SourceStatus struct {
	Name        string
	LastSuccess time.Time // zero until the first successful check
	LastError   string
	Failures    int // consecutive failed attempts
	ETag        string
	HasData     bool // a blob is cached locally
}

// Manager runs the sync tasks.
type Manager struct {
	fetcher Fetcher
	store   Store
	clock   clock.Clock
	logger  log.Logger
	metrics Recorder

	startupDelay    time.Duration
	retryInterval   time.Duration
	refreshInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
}

type task struct {
	src      domain.RuleSource
	consumer domain.BlobConsumer
	cancel   context.CancelFunc
	refresh  chan struct{}

	mu     sync.Mutex
	status SourceStatus
}

// New returns a Manager with no sources.
func New(opts Options) (*Manager, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("rulesync: fetcher is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("rulesync: store is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = noopRecorder{}
	}
	if opts.StartupDelay < 0 {
		opts.StartupDelay = 0
	} else if opts.StartupDelay == 0 {
		opts.StartupDelay = DefaultStartupDelay
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		fetcher:         opts.Fetcher,
		store:           opts.Store,
		clock:           opts.Clock,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		startupDelay:    opts.StartupDelay,
		retryInterval:   opts.RetryInterval,
		refreshInterval: opts.RefreshInterval,
		ctx:             ctx,
		cancel:          cancel,
		tasks:           make(map[string]*task),
	}, nil
}

// Load registers src and starts its sync task. Every blob of src, cached or
// downloaded, is handed to consumer. ctx only bounds the registration; the
// task runs until Unload or Close.
func (m *Manager) Load(ctx context.Context, src domain.RuleSource, consumer domain.BlobConsumer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := src.Validate(); err != nil {
		return fmt.Errorf("rulesync: %w", err)
	}
	if consumer == nil {
		return fmt.Errorf("rulesync: source %q has no consumer", src.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.tasks[src.Name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, src.Name)
	}

	taskCtx, cancel := context.WithCancel(m.ctx)
	t := &task{
		src:      src,
		consumer: consumer,
		cancel:   cancel,
		refresh:  make(chan struct{}, 1),
		status:   SourceStatus{Name: src.Name},
	}
	m.tasks[src.Name] = t

	m.wg.Add(1)
	go m.run(taskCtx, t)
	return nil
}

// Unload stops the task of the named source. The cached blob stays on disk.
func (m *Manager) Unload(name string) bool {
	m.mu.Lock()
	t, ok := m.tasks[name]
	delete(m.tasks, name)
	m.mu.Unlock()
	if ok {
		t.cancel()
		m.logger.Info(map[string]any{"source": name}, "source_unloaded")
	}
	return ok
}

// RefreshNow makes the named source check the remote copy without waiting
// for its timer. It reports whether the source is loaded.
func (m *Manager) RefreshNow(name string) bool {
	m.mu.Lock()
	t, ok := m.tasks[name]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case t.refresh <- struct{}{}:
	default:
	}
	return true
}

// Status returns a snapshot of every loaded source, sorted by name.
func (m *Manager) Status() []SourceStatus {
	m.mu.Lock()
	out := make([]SourceStatus, 0, len(m.tasks))
	for _, t := range m.tasks {
		t.mu.Lock()
		out = append(out, t.status)
		t.mu.Unlock()
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops every task and waits for them to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.tasks = make(map[string]*task)
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

// Wait blocks until every task has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, t *task) {
	defer m.wg.Done()
	logger := m.logger.With(map[string]any{"source": t.src.Name})

	delay := m.startupDelay
	if m.applyLocal(ctx, t, logger) {
		delay = 0
	}

	periodic := false
	forced := false
	for {
		timer := m.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-t.refresh:
			timer.Stop()
		case <-timer.C():
		}

		err := m.sync(ctx, t, periodic, logger)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err == nil:
			delay = m.refreshInterval
			periodic = true
			forced = false
		case errors.Is(err, domain.ErrCorruptData) && !forced:
			delay = 0
			forced = true
		default:
			delay = m.retryInterval
		}
		if err != nil {
			t.fail(err)
			fields := map[string]any{"error": err.Error(), "next_attempt": m.clock.Now().Add(delay)}
			if errors.Is(err, domain.ErrCorruptData) {
				logger.Error(fields, "sync_corrupt_data")
			} else {
				logger.Warn(fields, "sync_failed")
			}
		}
	}
}

// applyLocal hands the cached blob to the consumer. It reports whether the
// blob was corrupt and removed, in which case a download is due right away.
func (m *Manager) applyLocal(ctx context.Context, t *task, logger log.Logger) bool {
	blob, data, ok, err := m.store.Load(t.src)
	if err != nil {
		logger.Warn(map[string]any{"error": err.Error()}, "cached_blob_unreadable")
		return false
	}
	if !ok {
		logger.Debug(nil, "no_cached_blob")
		return false
	}

	if err := t.consumer.Apply(ctx, blob, data); err != nil {
		if errors.Is(err, domain.ErrCorruptData) {
			logger.Error(map[string]any{"error": err.Error(), "path": blob.Path}, "cached_blob_corrupt")
			m.discard(t, logger)
			m.metrics.ObserveSync(t.src.Name, metrics.SyncCorrupt)
			return true
		}
		logger.Warn(map[string]any{"error": err.Error()}, "cached_blob_not_applied")
		return false
	}

	t.mu.Lock()
	t.status.HasData = true
	t.status.ETag = blob.ETag
	t.mu.Unlock()
	logger.Info(map[string]any{"etag": blob.ETag, "modified": blob.ModTime}, "cached_blob_applied")
	return false
}

// sync checks the remote copy and downloads it when it changed. A remote
// copy without an ETag counts as changed only on periodic checks. Servers
// that refuse HEAD get the conditional GET directly.
func (m *Manager) sync(ctx context.Context, t *task, periodic bool, logger log.Logger) error {
	hasData, etag := t.local()
	if !hasData {
		return m.download(ctx, t, "", logger)
	}

	resp, err := m.fetcher.Fetch(ctx, domain.FetchRequest{Method: http.MethodHead, URL: t.src.RemoteURL})
	if err != nil {
		m.metrics.ObserveSync(t.src.Name, metrics.SyncNetworkFail)
		return err
	}
	if resp.Status == http.StatusMethodNotAllowed || resp.Status == http.StatusNotImplemented {
		logger.Debug(map[string]any{"status": resp.Status}, "head_unsupported")
		return m.download(ctx, t, etag, logger)
	}
	if !resp.IsSuccess() {
		m.metrics.ObserveSync(t.src.Name, metrics.SyncNetworkFail)
		return fmt.Errorf("%w: HEAD %s: status %d", domain.ErrNetworkFailure, t.src.RemoteURL, resp.Status)
	}

	changed := (resp.ETag != "" && resp.ETag != etag) || (resp.ETag == "" && periodic)
	if !changed {
		logger.Debug(map[string]any{"etag": etag}, "blob_fresh")
		m.metrics.ObserveSync(t.src.Name, metrics.SyncNotModified)
		t.succeed(m.clock.Now(), etag)
		return nil
	}
	return m.download(ctx, t, etag, logger)
}

func (m *Manager) download(ctx context.Context, t *task, etag string, logger log.Logger) error {
	resp, err := m.fetcher.Fetch(ctx, domain.FetchRequest{Method: http.MethodGet, URL: t.src.RemoteURL, ETag: etag})
	if err != nil {
		m.metrics.ObserveSync(t.src.Name, metrics.SyncNetworkFail)
		return err
	}
	if resp.IsNotModified() && etag != "" {
		logger.Debug(map[string]any{"etag": etag}, "blob_not_modified")
		m.metrics.ObserveSync(t.src.Name, metrics.SyncNotModified)
		t.succeed(m.clock.Now(), etag)
		return nil
	}
	if !resp.IsSuccess() {
		m.metrics.ObserveSync(t.src.Name, metrics.SyncNetworkFail)
		return fmt.Errorf("%w: GET %s: status %d", domain.ErrNetworkFailure, t.src.RemoteURL, resp.Status)
	}

	blob, err := m.store.Save(t.src, resp.Body, resp.ETag)
	if err != nil {
		m.metrics.ObserveSync(t.src.Name, metrics.SyncNetworkFail)
		return fmt.Errorf("rulesync: %w", err)
	}
	t.mu.Lock()
	t.status.HasData = true
	t.status.ETag = resp.ETag
	t.mu.Unlock()

	if err := t.consumer.Apply(ctx, blob, resp.Body); err != nil {
		if errors.Is(err, domain.ErrCorruptData) {
			m.discard(t, logger)
			m.metrics.ObserveSync(t.src.Name, metrics.SyncCorrupt)
		}
		return err
	}

	logger.Info(map[string]any{"etag": resp.ETag, "bytes": len(resp.Body)}, "blob_applied")
	m.metrics.ObserveSync(t.src.Name, metrics.SyncApplied)
	t.succeed(m.clock.Now(), resp.ETag)
	return nil
}

func (m *Manager) discard(t *task, logger log.Logger) {
	if err := m.store.Delete(t.src); err != nil {
		logger.Warn(map[string]any{"error": err.Error()}, "blob_delete_failed")
	}
	t.mu.Lock()
	t.status.HasData = false
	t.status.ETag = ""
	t.mu.Unlock()
}

func (t *task) local() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.HasData, t.status.ETag
}

func (t *task) succeed(now time.Time, etag string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.LastSuccess = now
	t.status.LastError = ""
	t.status.Failures = 0
	t.status.ETag = etag
}

func (t *task) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.LastError = err.Error()
	t.status.Failures++
}
