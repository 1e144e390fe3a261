package cache

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := NewRedisStore(context.Background(), mr.Addr(), "", "orgatlas-test", time.Hour, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store, _ := newTestRedisStore(t)

	ctx := context.Background()
	key := Key{DataType: "describe", ObjectRef: "Account"}
	payload := []byte(`{"fields":[{"name":"Id"}]}`)

	_, err := store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, store.Put(ctx, key, payload))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	stats := store.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestRedisStoreCompressedPayload(t *testing.T) {
	store, _ := newTestRedisStore(t)

	ctx := context.Background()
	key := Key{DataType: "stats", ObjectRef: "Opportunity"}
	payload := bytes.Repeat([]byte(`{"picklist":"Stage","value":"Closed Won"},`), 400)

	require.NoError(t, store.Put(ctx, key, payload))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRedisStoreTTLExpiry(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	store, err := NewRedisStore(context.Background(), mr.Addr(), "", "orgatlas-test", time.Minute, testLogger())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	key := Key{DataType: "automation", ObjectRef: "Case"}
	require.NoError(t, store.Put(ctx, key, []byte(`[]`)))

	// miniredis advances TTLs manually.
	mr.FastForward(2 * time.Minute)

	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisStoreClearByDataType(t *testing.T) {
	store, _ := newTestRedisStore(t)

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, Key{DataType: "describe", ObjectRef: "Account"}, []byte(`1`)))
	require.NoError(t, store.Put(ctx, Key{DataType: "describe", ObjectRef: "Contact"}, []byte(`2`)))
	require.NoError(t, store.Put(ctx, Key{DataType: "stats", ObjectRef: "Account"}, []byte(`3`)))

	removed, err := store.Clear(ctx, "describe", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = store.Get(ctx, Key{DataType: "describe", ObjectRef: "Account"})
	assert.ErrorIs(t, err, ErrMiss)

	got, err := store.Get(ctx, Key{DataType: "stats", ObjectRef: "Account"})
	require.NoError(t, err)
	assert.Equal(t, []byte(`3`), got)
}

func TestRedisStoreConnectionFailure(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "127.0.0.1:1", "", "", time.Hour, testLogger())
	assert.Error(t, err)
}
