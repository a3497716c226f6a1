package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingLoader struct {
	calls int64
	value atomic.Value // decimal.Decimal
}

func newCountingLoader(v string) *countingLoader {
	l := &countingLoader{}
	l.value.Store(decimal.RequireFromString(v))
	return l
}

func (l *countingLoader) set(v string) {
	l.value.Store(decimal.RequireFromString(v))
}

func (l *countingLoader) load(context.Context, string) (decimal.Decimal, error) {
	atomic.AddInt64(&l.calls, 1)
	return l.value.Load().(decimal.Decimal), nil
}

type recordedLookup struct {
	layer string
	hit   bool
}

type fakeRecorder struct {
	mu      sync.Mutex
	lookups []recordedLookup
}

func (r *fakeRecorder) RecordCacheLookup(_ context.Context, layer string, hit bool) {
	r.mu.Lock()
	r.lookups = append(r.lookups, recordedLookup{layer, hit})
	r.mu.Unlock()
}

func TestInMemoryBalanceCache_ReadThrough(t *testing.T) {
	ctx := context.Background()
	rec := &fakeRecorder{}
	c := NewInMemoryBalanceCache(WithTTL(time.Minute), WithLookupRecorder(rec))
	defer c.Close()
	loader := newCountingLoader("10")

	v, err := c.GetOrLoad(ctx, "acct-1", loader.load)
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromInt(10)))

	loader.set("3")
	v, err = c.GetOrLoad(ctx, "acct-1", loader.load)
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromInt(10)), "served from cache")
	assert.Equal(t, int64(1), atomic.LoadInt64(&loader.calls))

	hits, misses := c.GetStats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
	assert.Equal(t, []recordedLookup{{"l1", false}, {"l1", true}}, rec.lookups)
}

func TestInMemoryBalanceCache_InvalidateForcesReload(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryBalanceCache(WithTTL(time.Minute))
	defer c.Close()
	loader := newCountingLoader("10")

	_, err := c.GetOrLoad(ctx, "acct-1", loader.load)
	require.NoError(t, err)

	loader.set("4")
	require.NoError(t, c.Invalidate(ctx, "acct-1"))

	v, err := c.GetOrLoad(ctx, "acct-1", loader.load)
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromInt(4)))
	assert.Equal(t, int64(2), atomic.LoadInt64(&loader.calls))
}

func TestInMemoryBalanceCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryBalanceCache(WithTTL(20 * time.Millisecond))
	defer c.Close()
	loader := newCountingLoader("1")

	_, err := c.GetOrLoad(ctx, "acct-1", loader.load)
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	_, err = c.GetOrLoad(ctx, "acct-1", loader.load)
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&loader.calls))
}

func TestInMemoryBalanceCache_DisabledWithZeroTTL(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryBalanceCache(WithTTL(0))
	defer c.Close()
	loader := newCountingLoader("1")

	for i := 0; i < 3; i++ {
		_, err := c.GetOrLoad(ctx, "acct-1", loader.load)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), atomic.LoadInt64(&loader.calls))
	assert.Equal(t, 0, c.Count())
}

func TestInMemoryBalanceCache_LoadErrorIsNotCached(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryBalanceCache(WithTTL(time.Minute))
	defer c.Close()
	boom := errors.New("db down")

	_, err := c.GetOrLoad(ctx, "acct-1", func(context.Context, string) (decimal.Decimal, error) {
		return decimal.Zero, boom
	})
	assert.ErrorIs(t, err, boom)

	loader := newCountingLoader("2")
	v, err := c.GetOrLoad(ctx, "acct-1", loader.load)
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromInt(2)))
}

// A load that began before a commit must not repopulate the pre-commit value.
func TestInMemoryBalanceCache_StaleFillIsDiscarded(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryBalanceCache(WithTTL(time.Minute))
	defer c.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan decimal.Decimal)
	go func() {
		v, _ := c.GetOrLoad(ctx, "acct-1", func(context.Context, string) (decimal.Decimal, error) {
			close(started)
			<-release
			return decimal.NewFromInt(10), nil
		})
		done <- v
	}()

	<-started
	require.NoError(t, c.Invalidate(ctx, "acct-1"))
	close(release)
	assert.True(t, (<-done).Equal(decimal.NewFromInt(10)))

	loader := newCountingLoader("6")
	v, err := c.GetOrLoad(ctx, "acct-1", loader.load)
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromInt(6)))
	assert.Equal(t, int64(1), atomic.LoadInt64(&loader.calls))
}

func TestInMemoryBalanceCache_Cleanup(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryBalanceCache(WithTTL(10 * time.Millisecond))
	defer c.Close()
	loader := newCountingLoader("1")

	_, _ = c.GetOrLoad(ctx, "acct-1", loader.load)
	_, _ = c.GetOrLoad(ctx, "acct-2", loader.load)
	assert.Equal(t, 2, c.Count())

	time.Sleep(20 * time.Millisecond)
	c.doCleanup()
	assert.Equal(t, 0, c.Count())
}

func TestInMemoryBalanceCache_InvalidateAll(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryBalanceCache(WithTTL(time.Minute))
	defer c.Close()
	loader := newCountingLoader("1")

	_, _ = c.GetOrLoad(ctx, "acct-1", loader.load)
	_, _ = c.GetOrLoad(ctx, "acct-2", loader.load)
	c.InvalidateAll()
	_, _ = c.GetOrLoad(ctx, "acct-1", loader.load)
	_, _ = c.GetOrLoad(ctx, "acct-2", loader.load)
	assert.Equal(t, int64(4), atomic.LoadInt64(&loader.calls))
}

func TestInMemoryBalanceCache_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryBalanceCache(WithTTL(time.Minute))
	defer c.Close()
	loader := newCountingLoader("5")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%5 == 0 {
				_ = c.Invalidate(ctx, "acct-1")
				return
			}
			v, err := c.GetOrLoad(ctx, "acct-1", loader.load)
			assert.NoError(t, err)
			assert.True(t, v.Equal(decimal.NewFromInt(5)))
		}(i)
	}
	wg.Wait()
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}
