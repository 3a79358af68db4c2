package app

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func TestBuildReadinessChecks_DbNilIsError(t *testing.T) {
	db, _ := BuildReadinessChecks(nil, nil)
	assert.Error(t, db(context.Background()))
}

func TestBuildReadinessChecks_DbHealthyPassesThroughPing(t *testing.T) {
	db, _ := BuildReadinessChecks(fakePinger{}, nil)
	assert.NoError(t, db(context.Background()))
}

func TestBuildReadinessChecks_DbUnhealthyPropagatesError(t *testing.T) {
	db, _ := BuildReadinessChecks(fakePinger{err: errors.New("connection refused")}, nil)
	assert.Error(t, db(context.Background()))
}

func TestBuildReadinessChecks_RedisNilIsError(t *testing.T) {
	_, redisCheck := BuildReadinessChecks(nil, nil)
	assert.Error(t, redisCheck(context.Background()))
}

func TestBuildReadinessChecks_RedisHealthy(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	_, redisCheck := BuildReadinessChecks(nil, rdb)
	assert.NoError(t, redisCheck(context.Background()))
}

func TestBuildReadinessChecks_RedisUnreachable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	_, redisCheck := BuildReadinessChecks(nil, rdb)
	assert.Error(t, redisCheck(context.Background()))
}
