package engines

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-shield/internal/shield/domain"
)

func request(t *testing.T, u, main string) domain.RequestDescriptor {
	t.Helper()
	r, err := domain.NewRequestDescriptor(u, main, "", "GET")
	require.NoError(t, err)
	return r
}

func blob(t *testing.T, name string) domain.CachedBlob {
	t.Helper()
	dir := t.TempDir()
	src, err := domain.NewRuleSource(name, "https://lists.example/"+name, name+".txt", "rules")
	require.NoError(t, err)
	return domain.CachedBlob{Source: src, Path: filepath.Join(dir, "rules", name+".txt")}
}

type swapRecorder struct {
	mu    sync.Mutex
	kinds []domain.EngineKind
}

func (r *swapRecorder) record(k domain.EngineKind) {
	r.mu.Lock()
	r.kinds = append(r.kinds, k)
	r.mu.Unlock()
}

func (r *swapRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.kinds)
}

func TestSafeBrowsing(t *testing.T) {
	rec := &swapRecorder{}
	e := NewSafeBrowsing(Options{OnSwap: rec.record})
	phish := request(t, "https://login.phish.example/", "")

	assert.False(t, e.Ready())
	assert.False(t, e.Classify(phish), "no data fails open")

	require.NoError(t, e.Apply(context.Background(), blob(t, "safebrowsing"), []byte("*.phish.example\n")))
	assert.True(t, e.Ready())
	assert.True(t, e.Classify(phish))
	assert.True(t, e.Classify(request(t, "https://phish.example/img.png", "https://news.test/")))
	assert.False(t, e.Classify(request(t, "https://news.test/", "")))
	assert.Equal(t, 1, rec.count())

	err := e.Apply(context.Background(), blob(t, "safebrowsing"), []byte{0, 1, 2})
	assert.True(t, errors.Is(err, domain.ErrCorruptData))
	assert.True(t, e.Classify(phish), "corrupt data keeps the previous matcher")
	assert.Equal(t, 1, rec.count())
}

func TestSafeBrowsing_CancelledApplyDoesNotSwap(t *testing.T) {
	e := NewSafeBrowsing(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Apply(ctx, blob(t, "safebrowsing"), []byte("phish.example\n"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, e.Ready())
}

func TestTrackingProtection(t *testing.T) {
	e := NewTrackingProtection(TrackingOptions{})
	require.NoError(t, e.Apply(context.Background(), blob(t, "tracking"),
		[]byte("0.0.0.0 tracker.example\n0.0.0.0 news.test\n0.0.0.0 facebook.net\nconnect.facebook.net\n")))

	cases := []struct {
		url, main string
		want      bool
	}{
		{"https://tracker.example/t.js", "https://news.test/", true},
		{"https://www.tracker.example/t.js", "https://news.test/", true},
		{"https://m.tracker.example/t.js", "https://news.test/", true},
		{"https://tracker.example/", "", false},
		{"https://news.test/t.js", "https://www.news.test/", false},
		{"https://news.test/t.js", "https://tracker.example/", true},
		{"https://connect.facebook.net/sdk.js", "https://news.test/", false},
		{"https://cdn.other.example/a.js", "https://news.test/", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, e.Classify(request(t, tc.url, tc.main)), "%s from %s", tc.url, tc.main)
	}
}

func TestTrackingProtection_NoData(t *testing.T) {
	e := NewTrackingProtection(TrackingOptions{Allowlist: []string{}})
	assert.False(t, e.Ready())
	assert.False(t, e.Classify(request(t, "https://tracker.example/t.js", "https://news.test/")))
}
