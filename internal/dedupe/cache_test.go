// ABOUTME: Tests for the correlation-id cache used to make dispatch retries idempotent.
// ABOUTME: Validates claims, remembered values, TTL expiration, eviction, cleanup, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_Recall_Unknown(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	_, ok := cache.Recall("never-seen")
	assert.False(t, ok)
}

func TestCache_RememberAndRecall(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	cache.Remember("conv:client-1", "msg-1")

	value, ok := cache.Recall("conv:client-1")
	assert.True(t, ok)
	assert.Equal(t, "msg-1", value)
}

func TestCache_Claim(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.True(t, cache.Claim("k"), "first claim wins")
	assert.False(t, cache.Claim("k"), "second claim loses while first is in flight")

	// A claim has no value yet
	_, ok := cache.Recall("k")
	assert.False(t, ok)

	cache.Remember("k", "msg-9")
	assert.False(t, cache.Claim("k"), "remembered keys cannot be claimed")
}

func TestCache_ReleaseDropsOnlyClaims(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	cache.Claim("claimed")
	cache.Release("claimed")
	assert.True(t, cache.Claim("claimed"), "released claim can be retried")

	cache.Remember("done", "msg")
	cache.Release("done")
	value, ok := cache.Recall("done")
	assert.True(t, ok)
	assert.Equal(t, "msg", value)
}

func TestCache_Expiry(t *testing.T) {
	cache := New(time.Minute, 100)
	defer cache.Close()

	now := time.Unix(1000, 0)
	cache.now = func() time.Time { return now }

	cache.Remember("k", "v")
	_, ok := cache.Recall("k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = cache.Recall("k")
	assert.False(t, ok, "entry should expire after TTL")
	assert.True(t, cache.Claim("k"), "expired entries can be claimed again")
}

func TestCache_Eviction(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Remember("key-1", "a")
	cache.Remember("key-2", "b")
	cache.Remember("key-3", "c")
	cache.Remember("key-4", "d")

	_, ok := cache.Recall("key-1")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = cache.Recall("key-4")
	assert.True(t, ok)
	assert.Equal(t, 3, cache.Len())
}

func TestCache_RunCleanup(t *testing.T) {
	cache := New(time.Minute, 100)
	defer cache.Close()

	now := time.Unix(1000, 0)
	cache.now = func() time.Time { return now }

	cache.Remember("old", "v")
	now = now.Add(30 * time.Second)
	cache.Remember("new", "v")
	now = now.Add(45 * time.Second)

	cache.runCleanup()
	assert.Equal(t, 1, cache.Len())
	_, ok := cache.Recall("new")
	assert.True(t, ok)
}

func TestCache_CloseIdempotent(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	assert.NotPanics(t, cache.Close)
}

func TestCache_ConcurrentClaims(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cache.Claim("contended") {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i%10)
			cache.Remember(key, "v")
			cache.Recall(key)
		}(i)
	}
	wg.Wait()
}
