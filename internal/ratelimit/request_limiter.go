package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditledger/internal/config"
)

const (
	keySpendAccount = "credits:spend:%s"
	keyWebhookIP    = "credits:webhook:%s"
	keyAccountLock  = "credits:lock:%s"
)

// RequestLimiter throttles the two abuse-prone surfaces: per-account spends
// and per-source webhook deliveries. A nil limiter (rate limiting disabled)
// allows everything.
type RequestLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	spendRate    float64
	spendBurst   int
	webhookRate  float64
	webhookBurst int
}

func NewRequestLimiter(cfg config.Config) (*RequestLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.SpendRate <= 0 || limitCfg.SpendBurst <= 0 {
		return nil, errors.New("spend rate limit must be positive")
	}
	if limitCfg.WebhookRate <= 0 || limitCfg.WebhookBurst <= 0 {
		return nil, errors.New("webhook rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &RequestLimiter{
		enabled:      true,
		bucket:       NewTokenBucket(client),
		locker:       NewLocker(client),
		spendRate:    limitCfg.SpendRate,
		spendBurst:   limitCfg.SpendBurst,
		webhookRate:  limitCfg.WebhookRate,
		webhookBurst: limitCfg.WebhookBurst,
	}, nil
}

func (l *RequestLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *RequestLimiter) AllowSpend(ctx context.Context, accountID string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	key := fmt.Sprintf(keySpendAccount, strings.TrimSpace(accountID))
	return l.bucket.Allow(ctx, key, l.spendRate, l.spendBurst)
}

func (l *RequestLimiter) AllowWebhook(ctx context.Context, source string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	key := fmt.Sprintf(keyWebhookIP, strings.TrimSpace(source))
	return l.bucket.Allow(ctx, key, l.webhookRate, l.webhookBurst)
}

// LockAccount takes a short cross-replica lock for one account so replicas
// do not contend on the same balance row. Callers must treat a failed lock
// as advisory; correctness comes from the conditional balance update.
func (l *RequestLimiter) LockAccount(ctx context.Context, accountID string, ttl time.Duration) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, fmt.Sprintf(keyAccountLock, strings.TrimSpace(accountID)), ttl)
}

func (l *RequestLimiter) UnlockAccount(ctx context.Context, accountID, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, fmt.Sprintf(keyAccountLock, strings.TrimSpace(accountID)), token)
}
