// ABOUTME: Tests for the dedupe cache used to drop duplicate permission answers.
// ABOUTME: Validates TTL expiration, size limits, eviction order and atomic check-and-mark.

package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_Check_NotSeen(t *testing.T) {
	cache := New(5*time.Minute, 100)

	// Key that was never marked should return false
	assert.False(t, cache.Check("never-seen-key"))
}

func TestCache_Check_Seen(t *testing.T) {
	cache := New(5*time.Minute, 100)

	cache.Mark("my-key")

	assert.True(t, cache.Check("my-key"))
}

func TestCache_Check_Expired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)

	cache.Mark("expiring-key")
	assert.True(t, cache.Check("expiring-key"))

	time.Sleep(30 * time.Millisecond)

	assert.False(t, cache.Check("expiring-key"))
}

func TestCache_EvictionOrder(t *testing.T) {
	cache := New(5*time.Minute, 3)

	cache.Mark("first")
	cache.Mark("second")
	cache.Mark("third")

	// Checks do not refresh recency
	assert.True(t, cache.Check("first"))

	// Add fourth - should evict "first" (oldest)
	cache.Mark("fourth")

	assert.False(t, cache.Check("first"), "first should be evicted")
	assert.True(t, cache.Check("second"))
	assert.True(t, cache.Check("third"))
	assert.True(t, cache.Check("fourth"))
	assert.Equal(t, 3, cache.Len())
}

func TestCache_CheckAndMark(t *testing.T) {
	cache := New(5*time.Minute, 100)

	assert.False(t, cache.CheckAndMark("new-key"), "first CheckAndMark should return false for new key")
	assert.True(t, cache.Check("new-key"), "key should be marked after CheckAndMark")
	assert.True(t, cache.CheckAndMark("new-key"), "second CheckAndMark should report a duplicate")
}

func TestCache_CheckAndMark_Expired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)

	assert.False(t, cache.CheckAndMark("expiring-key"))
	assert.True(t, cache.CheckAndMark("expiring-key"), "should be seen before expiry")

	time.Sleep(30 * time.Millisecond)

	assert.False(t, cache.CheckAndMark("expiring-key"), "should not be seen after expiry")
}

func TestCache_CheckAndMark_Atomic(t *testing.T) {
	cache := New(5*time.Minute, 100)

	const numGoroutines = 100
	var winners atomic.Int32
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("contested-key") {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load(), "exactly one goroutine should win the race for CheckAndMark")
}

func TestPermissionKey(t *testing.T) {
	assert.NotEqual(t, PermissionKey("a", "bc"), PermissionKey("ab", "c"))
	assert.Equal(t, PermissionKey("cmo-1", "perm-1"), PermissionKey("cmo-1", "perm-1"))
}
