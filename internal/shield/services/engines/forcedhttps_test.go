package engines

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-shield/internal/shield/domain"
)

const rulesetsV1 = `
rulesets:
  - name: Example
    targets: ["example.com", "*.example.com"]
    rules:
      - from: "^http://(www\\.)?example\\.com/"
        to: "https://www.example.com/"
`

const rulesetsV2 = `
rulesets:
  - name: Other
    targets: ["other.test"]
    rules:
      - from: "^http:"
        to: "https:"
`

func parseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestForcedHTTPS_TryUpgrade(t *testing.T) {
	rec := &swapRecorder{}
	e := NewForcedHTTPS(ForcedHTTPSOptions{Options: Options{OnSwap: rec.record}, DBDir: t.TempDir()})
	t.Cleanup(func() { _ = e.Close() })

	in := parseURL(t, "http://example.com/path")
	_, ok := e.TryUpgrade(in)
	assert.False(t, ok, "no data fails open")

	require.NoError(t, e.Apply(context.Background(), blob(t, "https"), []byte(rulesetsV1)))
	assert.True(t, e.Ready())
	assert.Equal(t, 1, rec.count())

	up, ok := e.TryUpgrade(in)
	require.True(t, ok)
	assert.Equal(t, "https://www.example.com/path", up.String())
	assert.Equal(t, "http://example.com/path", in.String(), "input untouched")

	_, ok = e.TryUpgrade(parseURL(t, "https://example.com/path"))
	assert.False(t, ok, "https is never rewritten")
	_, ok = e.TryUpgrade(parseURL(t, "http://unlisted.test/"))
	assert.False(t, ok)
	_, ok = e.TryUpgrade(nil)
	assert.False(t, ok)
}

func TestForcedHTTPS_SwapRetiresOldDatabase(t *testing.T) {
	dir := t.TempDir()
	e := NewForcedHTTPS(ForcedHTTPSOptions{DBDir: dir})
	t.Cleanup(func() { _ = e.Close() })
	ctx := context.Background()

	require.NoError(t, e.Apply(ctx, blob(t, "https"), []byte(rulesetsV1)))
	first := filepath.Join(dir, "https.1.db")
	require.FileExists(t, first)

	require.NoError(t, e.Apply(ctx, blob(t, "https"), []byte(rulesetsV2)))
	assert.FileExists(t, filepath.Join(dir, "https.2.db"))
	assert.Eventually(t, func() bool {
		_, err := os.Stat(first)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := e.TryUpgrade(parseURL(t, "http://example.com/"))
	assert.False(t, ok, "old rulesets are gone")
	up, ok := e.TryUpgrade(parseURL(t, "http://other.test/a"))
	require.True(t, ok)
	assert.Equal(t, "https://other.test/a", up.String())
}

func TestForcedHTTPS_RemovesStaleFilesOnFirstLoad(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "https.7.db")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	e := NewForcedHTTPS(ForcedHTTPSOptions{DBDir: dir})
	t.Cleanup(func() { _ = e.Close() })
	require.NoError(t, e.Apply(context.Background(), blob(t, "https"), []byte(rulesetsV1)))

	assert.NoFileExists(t, stale)
}

func TestForcedHTTPS_CorruptKeepsCurrent(t *testing.T) {
	e := NewForcedHTTPS(ForcedHTTPSOptions{DBDir: t.TempDir()})
	t.Cleanup(func() { _ = e.Close() })
	ctx := context.Background()

	require.NoError(t, e.Apply(ctx, blob(t, "https"), []byte(rulesetsV1)))
	err := e.Apply(ctx, blob(t, "https"), []byte("rulesets: [not: {valid"))
	assert.True(t, errors.Is(err, domain.ErrCorruptData))

	_, ok := e.TryUpgrade(parseURL(t, "http://example.com/"))
	assert.True(t, ok)
}

func TestForcedHTTPS_CancelledApply(t *testing.T) {
	dir := t.TempDir()
	e := NewForcedHTTPS(ForcedHTTPSOptions{DBDir: dir})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Apply(ctx, blob(t, "https"), []byte(rulesetsV1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, e.Ready())
	assert.NoFileExists(t, filepath.Join(dir, "https.1.db"))
}
