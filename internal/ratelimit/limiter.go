// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. The moderation bot uses it to cap how many messages per
// room are sent to the classifier, so a flood in one room cannot exhaust
// the endpoint's quota for every other room.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/whisper/aimodbot/internal/config"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:classify:"
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// ClassifyPrefix is the key prefix for per-room classifier budgets.
const ClassifyPrefix = "rl:classify:"

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	log    *zap.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, log *zap.Logger) *Limiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{client: client, log: log.Named("ratelimit")}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// On Redis errors the method fails open (returns true) so that a Redis outage
// does not silently disable moderation.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn("redis INCR failed; failing open", zap.String("key", key), zap.Error(err))
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn("redis EXPIRE failed; failing open", zap.String("key", key), zap.Error(err))
			// A key without TTL would throttle the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window. Returns the full limit if the key does not exist yet or
// Redis is unavailable.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.log.Warn("redis GET failed; failing open", zap.String("key", key), zap.Error(err))
		return rule.Limit, err
	}

	return max(rule.Limit-count, 0), nil
}

// RoomBudget adapts a Limiter to the pipeline's per-room classifier budget.
type RoomBudget struct {
	limiter *Limiter
}

// NewRoomBudget returns a RoomBudget using l.
func NewRoomBudget(l *Limiter) *RoomBudget {
	return &RoomBudget{limiter: l}
}

// Allow reports whether roomID may make another classifier call under b.
// A zero limit never throttles.
func (r *RoomBudget) Allow(ctx context.Context, roomID string, b config.BudgetConfig) bool {
	if b.Limit <= 0 {
		return true
	}
	ok, _ := r.limiter.Allow(ctx, roomID, Rule{Key: ClassifyPrefix, Limit: b.Limit, Window: b.Window})
	return ok
}

// Remaining returns the classifier calls roomID has left in the current
// window, or -1 when b sets no limit.
func (r *RoomBudget) Remaining(ctx context.Context, roomID string, b config.BudgetConfig) (int, error) {
	if b.Limit <= 0 {
		return -1, nil
	}
	return r.limiter.Remaining(ctx, roomID, Rule{Key: ClassifyPrefix, Limit: b.Limit, Window: b.Window})
}
