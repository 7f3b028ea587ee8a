// Package quota enforces per-user daily request quotas with a sliding
// window backed by a Redis sorted set. The limiter is advisory: if Redis is
// missing or unreachable it fails open and admits the request.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"patternhub/api_credits/pkg/logging"
)

const (
	// Window is the sliding quota period
	Window = 24 * time.Hour

	opTimeout = 500 * time.Millisecond
)

// Default per-window request limits by role. A zero limit means unlimited.
var DefaultLimits = map[string]int64{
	"free":        50,
	"contributor": 200,
	"admin":       0,
}

// Decision is the outcome of a quota check
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// Limiter tracks request timestamps per user in Redis sorted sets
type Limiter struct {
	client goredis.UniversalClient
	logger logging.Logger
	limits map[string]int64
	now    func() time.Time
}

// NewLimiter creates a limiter. Pass a nil client to disable enforcement;
// nil limits fall back to DefaultLimits.
func NewLimiter(client goredis.UniversalClient, logger logging.Logger, limits map[string]int64) *Limiter {
	if limits == nil {
		limits = DefaultLimits
	}
	return &Limiter{client: client, logger: logger, limits: limits, now: time.Now}
}

// LimitForRole returns the per-window limit for a role. Unknown roles get
// the free-tier limit; a zero limit means the role is unlimited.
func (l *Limiter) LimitForRole(role string) int64 {
	if limit, ok := l.limits[role]; ok {
		return limit
	}
	return l.limits["free"]
}

func (l *Limiter) key(userID, role string) string {
	return fmt.Sprintf("quota:%s:%s", userID, role)
}

// Allow records one request for the user and reports whether it fits the
// role's window. Counting and admission happen against the pruned set, so a
// burst that exhausted the window yesterday frees up as its entries slide
// out. Any Redis failure admits the request.
func (l *Limiter) Allow(ctx context.Context, userID, role string) Decision {
	limit := l.LimitForRole(role)
	now := l.now()
	if limit <= 0 {
		return Decision{Allowed: true, Limit: 0, Remaining: -1, ResetAt: now}
	}

	open := Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: now.Add(Window)}
	if l.client == nil {
		return open
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := l.key(userID, role)
	windowStart := now.Add(-Window)

	if err := l.client.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano())).Err(); err != nil {
		l.logger.WithError(err).WithField("user_id", userID).Warn("Quota prune failed, admitting request")
		return open
	}

	count, err := l.client.ZCard(ctx, key).Result()
	if err != nil {
		l.logger.WithError(err).WithField("user_id", userID).Warn("Quota count failed, admitting request")
		return open
	}

	resetAt := now.Add(Window)
	if count > 0 {
		// The window resets when the oldest surviving entry slides out.
		oldest, err := l.client.ZRangeWithScores(ctx, key, 0, 0).Result()
		if err == nil && len(oldest) == 1 {
			resetAt = time.Unix(0, int64(oldest[0].Score)).Add(Window)
		}
	}

	if count >= limit {
		return Decision{Allowed: false, Limit: limit, Remaining: 0, ResetAt: resetAt}
	}

	// Member must be unique per request; two same-instant requests would
	// otherwise collapse into one entry and undercount the window.
	member := uuid.New().String()
	if err := l.client.ZAdd(ctx, key, goredis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		l.logger.WithError(err).WithField("user_id", userID).Warn("Quota record failed, admitting request")
		return open
	}
	// Expiry is housekeeping only; pruning is what enforces the window.
	if err := l.client.Expire(ctx, key, Window+time.Hour).Err(); err != nil {
		l.logger.WithError(err).WithField("user_id", userID).Debug("Quota expire failed")
	}

	return Decision{Allowed: true, Limit: limit, Remaining: limit - count - 1, ResetAt: resetAt}
}
