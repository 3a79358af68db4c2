// Package app wires application components and startup helpers shared by
// cmd/orchestrator.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessChecks returns the db and redis readiness checks the HTTP
// /readyz endpoint polls. Unlike the teacher's three-dependency variant,
// this orchestrator has no qdrant/tika collaborators to check.
func BuildReadinessChecks(pool Pinger, rdb *redis.Client) (
	dbCheck func(ctx context.Context) error,
	redisCheck func(ctx context.Context) error,
) {
	dbCheck = func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck = func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
	return dbCheck, redisCheck
}
