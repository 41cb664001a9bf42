// Package ratelimit counts failed logins per portal and identifier in redis.
package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"icap/backend/internal/crypto"
)

// LoginLimiter refuses logins for an identifier after maxAttempts failures
// inside window. A nil limiter, or one without a client, never refuses.
type LoginLimiter struct {
	redis       *redis.Client
	maxAttempts int
	window      time.Duration
}

func NewLoginLimiter(client *redis.Client, maxAttempts int, window time.Duration) *LoginLimiter {
	if client == nil || maxAttempts <= 0 || window <= 0 {
		return nil
	}
	return &LoginLimiter{redis: client, maxAttempts: maxAttempts, window: window}
}

// Blocked reports whether identifier has used up its attempts and how long
// until the window resets.
func (l *LoginLimiter) Blocked(ctx context.Context, portal, identifier string) (bool, time.Duration, error) {
	if l == nil {
		return false, 0, nil
	}
	key := attemptKey(portal, identifier)
	value, err := l.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	count, err := strconv.Atoi(value)
	if err != nil {
		return false, 0, err
	}
	if count < l.maxAttempts {
		return false, 0, nil
	}
	ttl, err := l.redis.TTL(ctx, key).Result()
	if err != nil {
		return true, l.window, nil
	}
	if ttl < 0 {
		// A counter without expiry would refuse the identifier forever.
		if err := l.redis.Expire(ctx, key, l.window).Err(); err != nil {
			return true, l.window, err
		}
		ttl = l.window
	}
	return true, ttl, nil
}

// RecordFailure counts one failed attempt. The window starts at the first failure.
func (l *LoginLimiter) RecordFailure(ctx context.Context, portal, identifier string) (int64, error) {
	if l == nil {
		return 0, nil
	}
	key := attemptKey(portal, identifier)
	var incr *redis.IntCmd
	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, l.window)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (l *LoginLimiter) Reset(ctx context.Context, portal, identifier string) error {
	if l == nil {
		return nil
	}
	return l.redis.Del(ctx, attemptKey(portal, identifier)).Err()
}

// attemptKey never stores the raw identifier.
func attemptKey(portal, identifier string) string {
	normalized := strings.ToLower(strings.TrimSpace(identifier))
	return "login_attempts:" + portal + ":" + crypto.Fingerprint(normalized)
}
