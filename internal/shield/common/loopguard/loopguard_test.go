package loopguard

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/haukened/rr-shield/internal/shield/common/clock"
)

func newGuard() (*Guard, *clock.MockClock) {
	mc := clock.NewMockClock(time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC))
	return New(Options{Window: 10 * time.Second, MaxCount: 10, Clock: mc}), mc
}

func TestGuard_TripsAfterMaxCount(t *testing.T) {
	g, mc := newGuard()

	for i := 0; i < 10; i++ {
		g.Increment()
		mc.Advance(500 * time.Millisecond)
	}
	assert.False(t, g.IsLooping(), "exactly max count is not a loop")

	g.Increment()
	assert.True(t, g.IsLooping())
}

func TestGuard_WindowExpiryResets(t *testing.T) {
	g, mc := newGuard()

	for i := 0; i < 11; i++ {
		g.Increment()
	}
	assert.True(t, g.IsLooping())

	mc.Advance(11 * time.Second)
	assert.False(t, g.IsLooping(), "expired window never loops")

	g.Increment()
	assert.False(t, g.IsLooping())
}

func TestGuard_Defaults(t *testing.T) {
	g := New(Options{})
	assert.Equal(t, DefaultWindow, g.window)
	assert.Equal(t, DefaultMaxCount, g.maxCount)
	assert.False(t, g.IsLooping())
}

func TestGuard_Reset(t *testing.T) {
	g, _ := newGuard()
	for i := 0; i < 20; i++ {
		g.Increment()
	}
	g.Reset()
	assert.False(t, g.IsLooping())
}

func TestGuard_Concurrent(t *testing.T) {
	g, _ := newGuard()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				g.Increment()
				_ = g.IsLooping()
			}
		}()
	}
	wg.Wait()
	assert.True(t, g.IsLooping())
}
