package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, "checkout", 15*time.Minute), mr
}

func TestStore_ClaimCompleteLookup(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Lookup(ctx, "key-1")
	require.NoError(t, err)
	assert.Empty(t, id)

	ok, err := s.Claim(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// 已抢占但未完成：Lookup 仍然为空，再次抢占失败
	id, err = s.Lookup(ctx, "key-1")
	require.NoError(t, err)
	assert.Empty(t, id)

	ok, err = s.Claim(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Complete(ctx, "key-1", "order-1"))
	id, err = s.Lookup(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "order-1", id)
}

func TestStore_ForgetAllowsRetry(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.Claim(ctx, "key-2")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Forget(ctx, "key-2"))

	ok, err = s.Claim(ctx, "key-2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_KeysExpireWithTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Complete(ctx, "key-3", "order-3"))
	mr.FastForward(16 * time.Minute)

	id, err := s.Lookup(ctx, "key-3")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestStore_Seen(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := s.MessageKey("payment-confirmed", "pay-1")

	seen, err := s.Seen(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = s.Seen(ctx, key)
	require.NoError(t, err)
	assert.True(t, seen)
}
