// ABOUTME: Tests for the dedupe cache used to recognize retried client sends
// ABOUTME: Covers claim windows, release, size eviction, and concurrent claims

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock returns a cache whose clock only moves when advance is called.
func fakeClock(ttl time.Duration, maxSize int) (*Cache, func(time.Duration)) {
	c := New(ttl, maxSize)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, func(d time.Duration) { now = now.Add(d) }
}

func TestCache_ClaimOnce(t *testing.T) {
	c := New(time.Minute, 10)

	assert.True(t, c.Claim("k1"), "first claim owns the key")
	assert.False(t, c.Claim("k1"), "second claim is a duplicate")
	assert.True(t, c.Claim("k2"))
	assert.Equal(t, 2, c.Len())
}

func TestCache_ClaimAfterWindow(t *testing.T) {
	c, advance := fakeClock(time.Minute, 10)

	assert.True(t, c.Claim("k1"))
	advance(59 * time.Second)
	assert.False(t, c.Claim("k1"))

	advance(time.Second)
	assert.True(t, c.Claim("k1"), "window has passed")
}

func TestCache_DuplicateDoesNotExtendWindow(t *testing.T) {
	c, advance := fakeClock(time.Minute, 10)

	c.Claim("k1")
	advance(40 * time.Second)
	assert.False(t, c.Claim("k1"))
	advance(20 * time.Second)
	assert.True(t, c.Claim("k1"))
}

func TestCache_Release(t *testing.T) {
	c := New(time.Minute, 10)

	c.Claim("k1")
	c.Release("k1")
	assert.Equal(t, 0, c.Len())
	assert.True(t, c.Claim("k1"), "released keys can be claimed again")

	// releasing an unknown key is a no-op
	c.Release("missing")
	assert.Equal(t, 1, c.Len())
}

func TestCache_EvictsOldestWhenFull(t *testing.T) {
	c := New(time.Minute, 3)

	for i := range 3 {
		assert.True(t, c.Claim(fmt.Sprintf("k%d", i)))
	}
	assert.True(t, c.Claim("k3"))
	assert.Equal(t, 3, c.Len())

	assert.True(t, c.Claim("k0"), "oldest key was evicted")
	assert.False(t, c.Claim("k3"))
}

func TestCache_LenDropsExpired(t *testing.T) {
	c, advance := fakeClock(time.Minute, 10)

	c.Claim("old")
	advance(30 * time.Second)
	c.Claim("new")
	assert.Equal(t, 2, c.Len())

	advance(30 * time.Second)
	assert.Equal(t, 1, c.Len())
	advance(30 * time.Second)
	assert.Equal(t, 0, c.Len())
}

func TestCache_ZeroSizeHoldsOne(t *testing.T) {
	c := New(time.Minute, 0)

	assert.True(t, c.Claim("a"))
	assert.False(t, c.Claim("a"))
	assert.True(t, c.Claim("b"))
	assert.Equal(t, 1, c.Len())
}

func TestCache_ConcurrentClaims(t *testing.T) {
	c := New(time.Minute, 1000)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Claim("shared") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one goroutine owns the key")
}
