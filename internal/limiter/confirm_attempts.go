package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// reserveScript counts a submission and starts the window on the first one.
// Concurrent callers each see a distinct count.
var reserveScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// releaseScript gives back a reservation without touching the window.
var releaseScript = redis.NewScript(`
local n = tonumber(redis.call("GET", KEYS[1]) or "0")
if n > 0 then
	return redis.call("DECR", KEYS[1])
end
return 0
`)

// ConfirmAttempts counts confirmation code submissions per escrow in Redis.
// A submission is reserved before the code is compared. Counters live outside
// the escrow row so a wrong code never mutates it. Redis failures fail open,
// like the request rate limiter.
type ConfirmAttempts struct {
	rdb    *redis.Client
	max    int
	window time.Duration
	log    *zap.Logger
}

func NewConfirmAttempts(rdb *redis.Client, max int, window time.Duration, log *zap.Logger) *ConfirmAttempts {
	return &ConfirmAttempts{rdb: rdb, max: max, window: window, log: log}
}

func attemptsKey(id uuid.UUID) string {
	return fmt.Sprintf("confirm:attempts:%s", id)
}

// Reserve takes one attempt for id and returns attempts used and remaining
// including this one. ok is false once more than max have been taken in
// the current window.
func (l *ConfirmAttempts) Reserve(ctx context.Context, id uuid.UUID) (used, remaining int, ok bool) {
	n, err := reserveScript.Run(ctx, l.rdb, []string{attemptsKey(id)}, l.window.Milliseconds()).Int64()
	if err != nil {
		l.log.Warn("confirm limiter unavailable", zap.String("escrow_id", id.String()), zap.Error(err))
		return 0, l.max, true
	}
	used = int(n)
	if used > l.max {
		return used, 0, false
	}
	return used, Remaining(used, l.max), true
}

// Release returns a reservation whose code was never compared.
func (l *ConfirmAttempts) Release(ctx context.Context, id uuid.UUID) error {
	return releaseScript.Run(ctx, l.rdb, []string{attemptsKey(id)}).Err()
}

func (l *ConfirmAttempts) Reset(ctx context.Context, id uuid.UUID) error {
	return l.rdb.Del(ctx, attemptsKey(id)).Err()
}

func Remaining(used, max int) int {
	if used >= max {
		return 0
	}
	return max - used
}
