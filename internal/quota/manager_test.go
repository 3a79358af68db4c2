package quota

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/labelsquor/orchestrator/internal/domain"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limits := map[string]ServiceLimits{
		"vision": {PerMinuteTokens: 100, PerMinuteRequests: 5},
	}
	return NewManager(rdb, nil, limits), mr
}

func TestCheck_AllowsWithinBudget(t *testing.T) {
	m, _ := newTestManager(t)
	decision, err := m.Check(context.Background(), "vision", domain.Cost{Tokens: 10})
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}

func TestCheck_DeniesOverBudget(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := m.Check(ctx, "vision", domain.Cost{Tokens: 20})
		require.NoError(t, err)
	}
	decision, err := m.Check(ctx, "vision", domain.Cost{Tokens: 20})
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.False(t, decision.ResetAt.IsZero())
}

func TestCheck_RequestBucketDeniesIndependentlyOfTokenBucket(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		decision, err := m.Check(ctx, "vision", domain.Cost{Tokens: 1})
		require.NoError(t, err)
		require.True(t, decision.Allowed)
	}
	decision, err := m.Check(ctx, "vision", domain.Cost{Tokens: 1})
	require.NoError(t, err)
	require.False(t, decision.Allowed, "the 5-request-per-minute bucket should have denied the 6th call")
}

func TestHasCapacity_DoesNotConsumeBudget(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		ok, err := m.HasCapacity(ctx, "vision")
		require.NoError(t, err)
		require.True(t, ok)
	}
	// Peeking repeatedly must never have spent the request bucket: a real
	// Check call right after should still succeed.
	decision, err := m.Check(ctx, "vision", domain.Cost{Tokens: 1})
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}

func TestCheck_UnconfiguredServiceAlwaysAllows(t *testing.T) {
	m, _ := newTestManager(t)
	decision, err := m.Check(context.Background(), "unknown-service", domain.Cost{Tokens: 1_000_000})
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}

func TestManager_NilRedisFailsOpen(t *testing.T) {
	m := NewManager(nil, nil, map[string]ServiceLimits{"vision": {PerMinuteTokens: 1}})
	decision, err := m.Check(context.Background(), "vision", domain.Cost{Tokens: 1_000_000})
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}
