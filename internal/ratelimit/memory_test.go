package ratelimit

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func windowOf(d time.Duration) Config {
	return Config{MaxAttempts: 5, AttemptWindow: d, BlockDuration: d}
}

func TestMemoryStore_IncrementGetDelete(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore().WithClock(clock.Now)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Increment(ctx, "k", clock.Now(), windowOf(time.Minute))
	require.NoError(t, err)
	want, err := store.Increment(ctx, "k", clock.Now(), windowOf(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, Record{Count: 2, LastAttempt: clock.Now()}, want)

	got, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, got)

	require.NoError(t, store.Delete(ctx, "k"))
	_, ok, _ = store.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryStore_ExpiredRecordsAreAbsent(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore().WithClock(clock.Now)
	ctx := context.Background()

	_, err := store.Increment(ctx, "k", clock.Now(), windowOf(time.Minute))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, ok, _ := store.Get(ctx, "k")
	assert.True(t, ok, "record is still live at its expiry instant")

	clock.Advance(time.Millisecond)
	_, ok, _ = store.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryStore_Cleanup(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore().WithClock(clock.Now)
	ctx := context.Background()

	_, err := store.Increment(ctx, "short", clock.Now(), windowOf(time.Minute))
	require.NoError(t, err)
	_, err = store.Increment(ctx, "long", clock.Now(), windowOf(time.Hour))
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, store.Cleanup())
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStore_Janitor(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := store.Increment(ctx, "ephemeral", time.Now().UTC(), windowOf(time.Millisecond))
	require.NoError(t, err)
	store.StartJanitor(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRedisStore_RoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set, skipping Redis tests")
	}

	ctx := context.Background()
	store, err := NewRedisStore(ctx, RedisConfig{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	key := "test-" + time.Now().Format(time.RFC3339Nano)
	at := time.Now().UTC().Truncate(time.Second)
	want, err := store.Increment(ctx, key, at, windowOf(time.Minute))
	require.NoError(t, err)

	got, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, got.Count)
	assert.Equal(t, want.Count, got.Count)
	assert.True(t, at.Equal(got.LastAttempt))

	require.NoError(t, store.Delete(ctx, key))
	_, ok, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_ConcurrentIncrementsFromTwoClients(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set, skipping Redis tests")
	}

	ctx := context.Background()
	stores := make([]*RedisStore, 2)
	for i := range stores {
		store, err := NewRedisStore(ctx, RedisConfig{Addr: addr})
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		stores[i] = store
	}

	key := "test-concurrent-" + time.Now().Format(time.RFC3339Nano)
	t.Cleanup(func() { _ = stores[0].Delete(ctx, key) })
	cfg := Config{MaxAttempts: 100, AttemptWindow: time.Minute, BlockDuration: time.Minute}

	var wg sync.WaitGroup
	for _, store := range stores {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(s *RedisStore) {
				defer wg.Done()
				_, err := s.Increment(ctx, key, time.Now().UTC(), cfg)
				assert.NoError(t, err)
			}(store)
		}
	}
	wg.Wait()

	got, ok, err := stores[1].Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 20, got.Count)
}

func TestNewRedisStore_RequiresAddr(t *testing.T) {
	_, err := NewRedisStore(context.Background(), RedisConfig{})
	assert.Error(t, err)
}
