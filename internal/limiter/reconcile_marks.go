package limiter

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const reconcileKeyPrefix = "reconciler:ref:"

// ReconcileMarks lets the reconciler verify each gateway reference at most
// once per ttl, across restarts and replicas.
type ReconcileMarks struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

func NewReconcileMarks(rdb *redis.Client, ttl time.Duration, log *zap.Logger) *ReconcileMarks {
	return &ReconcileMarks{rdb: rdb, ttl: ttl, log: log}
}

func (m *ReconcileMarks) TryClaim(ctx context.Context, reference string) bool {
	ok, err := m.rdb.SetNX(ctx, reconcileKeyPrefix+reference, time.Now().Unix(), m.ttl).Result()
	if err != nil {
		m.log.Warn("reconcile mark unavailable", zap.String("reference", reference), zap.Error(err))
		return true
	}
	return ok
}
