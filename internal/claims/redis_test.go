package claims

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisRegistry(t *testing.T) (Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisWithClient(client, 200*time.Millisecond), mr
}

func TestRedisRegistry_ClaimIsExclusive(t *testing.T) {
	registry, _ := newRedisRegistry(t)
	ctx := context.Background()

	first, err := registry.ClaimTask(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.NotEmpty(t, first.Token)

	second, err := registry.ClaimTask(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, second.Success, "a second concurrent claim succeeds at most once")
	assert.Empty(t, second.Token)

	other, err := registry.ClaimTask(ctx, "task-2")
	require.NoError(t, err)
	assert.True(t, other.Success, "claims on distinct tasks are independent")
}

func TestRedisRegistry_RenewExtendsLease(t *testing.T) {
	registry, mr := newRedisRegistry(t)
	ctx := context.Background()

	claim, err := registry.ClaimTask(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, claim.Success)

	mr.FastForward(150 * time.Millisecond)
	ok, err := registry.RenewClaim(ctx, claim.Token)
	require.NoError(t, err)
	assert.True(t, ok)

	// Past the original TTL but inside the renewed one.
	mr.FastForward(150 * time.Millisecond)
	ok, err = registry.RenewClaim(ctx, claim.Token)
	require.NoError(t, err)
	assert.True(t, ok, "renewal extended the lease")
}

func TestRedisRegistry_ExpiredLeaseCanBeReclaimed(t *testing.T) {
	registry, mr := newRedisRegistry(t)
	ctx := context.Background()

	first, err := registry.ClaimTask(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, first.Success)

	mr.FastForward(300 * time.Millisecond)

	ok, err := registry.RenewClaim(ctx, first.Token)
	require.NoError(t, err)
	assert.False(t, ok, "expired token cannot renew")

	second, err := registry.ClaimTask(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, second.Success, "expired lease is reclaimable")
	assert.NotEqual(t, first.Token, second.Token)
}

func TestRedisRegistry_ReleaseIsIdempotent(t *testing.T) {
	registry, _ := newRedisRegistry(t)
	ctx := context.Background()

	claim, err := registry.ClaimTask(ctx, "task-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ok, err := registry.ReleaseTask(ctx, claim.Token)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	// Released task is claimable again.
	again, err := registry.ClaimTask(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, again.Success)
}

func TestRedisRegistry_ReleaseWithStaleTokenKeepsNewOwner(t *testing.T) {
	registry, mr := newRedisRegistry(t)
	ctx := context.Background()

	first, err := registry.ClaimTask(ctx, "task-1")
	require.NoError(t, err)
	mr.FastForward(300 * time.Millisecond)

	second, err := registry.ClaimTask(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, second.Success)

	// The stale owner's release must not evict the new owner.
	ok, err := registry.ReleaseTask(ctx, first.Token)
	require.NoError(t, err)
	assert.True(t, ok)

	renewed, err := registry.RenewClaim(ctx, second.Token)
	require.NoError(t, err)
	assert.True(t, renewed, "new owner's lease survived the stale release")
}

func TestMemoryRegistry(t *testing.T) {
	registry := NewMemory("ws/agent", 100*time.Millisecond)
	ctx := context.Background()

	claim, err := registry.ClaimTask(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, claim.Success)

	dup, err := registry.ClaimTask(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, dup.Success)

	ok, err := registry.RenewClaim(ctx, claim.Token)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = registry.ReleaseTask(ctx, claim.Token)
	require.NoError(t, err)
	assert.True(t, ok)

	again, err := registry.ClaimTask(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, again.Success)
}
