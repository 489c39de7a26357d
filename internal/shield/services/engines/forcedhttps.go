package engines

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/haukened/rr-shield/internal/shield/common/log"
	"github.com/haukened/rr-shield/internal/shield/domain"
	"github.com/haukened/rr-shield/internal/shield/repos/httpsdb"
)

// ForcedHTTPSOptions configures a ForcedHTTPS engine.
type ForcedHTTPSOptions struct {
	Options
	// DBDir holds the compiled ruleset databases. Defaults to the directory
	// of the applied blob.
	DBDir string
}

// ForcedHTTPS rewrites http URLs to https using a ruleset database.
type ForcedHTTPS struct {
	db     atomic.Pointer[httpsdb.DB]
	gen    atomic.Uint64
	dbDir  string
	logger log.Logger
	onSwap func(domain.EngineKind)
}

// NewForcedHTTPS returns an engine with no data loaded.
func NewForcedHTTPS(opts ForcedHTTPSOptions) *ForcedHTTPS {
	o := opts.Options.withDefaults(domain.EngineHTTPSUpgrade.String())
	return &ForcedHTTPS{dbDir: opts.DBDir, logger: o.Logger, onSwap: o.OnSwap}
}

// Kind identifies the engine.
func (e *ForcedHTTPS) Kind() domain.EngineKind { return domain.EngineHTTPSUpgrade }

// Apply implements domain.BlobConsumer. The ruleset blob is compiled into a
// fresh database file which replaces the current one; the previous database
// is closed once its in-flight lookups finish, and its file removed.
func (e *ForcedHTTPS) Apply(ctx context.Context, blob domain.CachedBlob, data []byte) error {
	rulesets, err := httpsdb.ParseRulesets(data)
	if err != nil {
		return err
	}

	dir := e.dbDir
	if dir == "" {
		dir = filepath.Dir(blob.Path)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("forcedhttps: %w", err)
	}
	gen := e.gen.Add(1)
	if gen == 1 {
		e.removeStale(blob.Source.Name, dir)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s.%d.db", blob.Source.Name, gen))
	if err := httpsdb.Build(path, rulesets); err != nil {
		return fmt.Errorf("forcedhttps: %w", err)
	}
	db, err := httpsdb.Open(path)
	if err != nil {
		_ = os.Remove(path)
		return err
	}
	if err := ctx.Err(); err != nil {
		_ = db.Close()
		_ = os.Remove(path)
		return err
	}

	old := e.db.Swap(db)
	e.logger.Info(map[string]any{"source": blob.Source.Name, "rulesets": db.Count()}, "https_swapped")
	e.onSwap(e.Kind())

	if old != nil {
		go e.retire(old)
	}
	return nil
}

// retire closes a replaced database and removes its file. Close waits for
// read transactions still running on it.
func (e *ForcedHTTPS) retire(old *httpsdb.DB) {
	if err := old.Close(); err != nil {
		e.logger.Warn(map[string]any{"path": old.Path(), "error": err.Error()}, "https_close_failed")
	}
	if err := os.Remove(old.Path()); err != nil && !os.IsNotExist(err) {
		e.logger.Warn(map[string]any{"path": old.Path(), "error": err.Error()}, "https_cleanup_failed")
	}
}

// removeStale deletes database files left behind by earlier runs.
func (e *ForcedHTTPS) removeStale(source, dir string) {
	matches, _ := filepath.Glob(filepath.Join(dir, source+".*.db"))
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			e.logger.Warn(map[string]any{"path": m, "error": err.Error()}, "https_cleanup_failed")
		}
	}
}

// Ready reports whether a ruleset database has been loaded.
func (e *ForcedHTTPS) Ready() bool { return e.db.Load() != nil }

// TryUpgrade returns the https form of an http URL when a ruleset covers it.
// https URLs are never rewritten; u is never modified.
func (e *ForcedHTTPS) TryUpgrade(u *url.URL) (*url.URL, bool) {
	if u == nil || !strings.EqualFold(u.Scheme, "http") {
		return nil, false
	}
	db := e.db.Load()
	if db == nil {
		return nil, false
	}
	up, ok := db.TryUpgrade(u)
	if !ok || up.Scheme != "https" {
		return nil, false
	}
	return up, true
}

// Close releases the current database.
func (e *ForcedHTTPS) Close() error {
	if db := e.db.Swap(nil); db != nil {
		return db.Close()
	}
	return nil
}
