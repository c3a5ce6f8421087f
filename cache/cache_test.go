package cache

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo-org/storedb/objstore"
)

func newTestCache(t *testing.T) (*Cache, objstore.Store) {
	t.Helper()
	store := objstore.NewMemStore()
	cfg := Config{
		MaxEntries:           64,
		DataTTL:              30 * time.Millisecond,
		MetadataTTL:          30 * time.Millisecond,
		BloomTTL:             30 * time.Millisecond,
		StaleWhileRevalidate: 30 * time.Millisecond,
	}
	return New(store, cfg), store
}

func TestReadParquetCachesAfterFirstMiss(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCache(t)
	_, err := store.Put(ctx, "ns/a.parquet", bytes.NewReader([]byte("payload")), 7, objstore.PutOptions{})
	require.NoError(t, err)

	data, err := c.ReadParquet(ctx, "ns", "ns/a.parquet", ReadOptions{Type: ContentData})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
	assert.Equal(t, int64(1), c.GetStats().Misses)

	data2, err := c.ReadParquet(ctx, "ns", "ns/a.parquet", ReadOptions{Type: ContentData})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data2)
	assert.Equal(t, int64(1), c.GetStats().Hits)
}

func TestReadRangeCachedValidatesArguments(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)
	_, err := c.ReadRangeCached(ctx, "ns", "ns/a.parquet", 5, 5, "x")
	assert.Error(t, err)
	_, err = c.ReadRangeCached(ctx, "ns", "ns/a.parquet", -1, 5, "x")
	assert.Error(t, err)
}

func TestInvalidateRemovesEntry(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCache(t)
	_, err := store.Put(ctx, "ns/a.parquet", bytes.NewReader([]byte("payload")), 7, objstore.PutOptions{})
	require.NoError(t, err)

	_, err = c.ReadParquet(ctx, "ns", "ns/a.parquet", ReadOptions{Type: ContentData})
	require.NoError(t, err)

	c.Invalidate([]string{cacheKey("ns", "ns/a.parquet", "")})

	_, err = c.ReadParquet(ctx, "ns", "ns/a.parquet", ReadOptions{Type: ContentData})
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.GetStats().Misses)
}

func TestInvalidateNamespaceRemovesAllEntriesUnderPrefix(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCache(t)
	for _, k := range []string{"ns/a.parquet", "ns/b.parquet"} {
		_, err := store.Put(ctx, k, bytes.NewReader([]byte("x")), 1, objstore.PutOptions{})
		require.NoError(t, err)
		_, err = c.ReadParquet(ctx, "ns", k, ReadOptions{Type: ContentData})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(2), c.GetStats().Misses)

	c.InvalidateNamespace("ns")

	for _, k := range []string{"ns/a.parquet", "ns/b.parquet"} {
		_, err := c.ReadParquet(ctx, "ns", k, ReadOptions{Type: ContentData})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(4), c.GetStats().Misses)
}

func TestHitRatioZeroWhenNoRequests(t *testing.T) {
	assert.Equal(t, float64(0), Stats{}.HitRatio())
}

func TestResetStatsZeroesCounters(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCache(t)
	_, err := store.Put(ctx, "k", bytes.NewReader([]byte("x")), 1, objstore.PutOptions{})
	require.NoError(t, err)
	_, err = c.ReadParquet(ctx, "ns", "k", ReadOptions{Type: ContentData})
	require.NoError(t, err)

	c.ResetStats()
	assert.Equal(t, Stats{}, c.GetStats())
}

func TestStaleWhileRevalidateServesStaleWithinGraceWindow(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCache(t)
	_, err := store.Put(ctx, "k", bytes.NewReader([]byte("v1")), 2, objstore.PutOptions{})
	require.NoError(t, err)

	_, err = c.ReadParquet(ctx, "ns", "k", ReadOptions{Type: ContentData})
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond) // past DataTTL, within swr window

	stale, err := c.ReadParquet(ctx, "ns", "k", ReadOptions{Type: ContentData})
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), stale, "stale entry should still be served within the revalidate window")
}
