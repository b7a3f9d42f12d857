package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/arbitrage-pipeline/internal/core/domain"
)

const (
	quotaKeyPrefix       = "quota:publish:"
	lockKeyPrefix        = "lock:"
	translationKeyPrefix = "translation:"
	quotaKeyTTL          = 48 * time.Hour
	defaultLockTTL       = 10 * time.Minute
)

// takes one slot if the counter is still below the limit
var acquireQuotaScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local used = tonumber(redis.call('GET', key) or '0')
if used >= limit then
	return 0
end

redis.call('INCR', key)
if used == 0 then
	redis.call('EXPIRE', key, ttl)
end
return 1
`)

var releaseQuotaScript = redis.NewScript(`
local key = KEYS[1]
local used = tonumber(redis.call('GET', key) or '0')
if used > 0 then
	redis.call('DECR', key)
end
return 1
`)

// deletes the lock only if it still carries our token
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type RedisAdapter struct {
	client     *redis.Client
	quotaLimit int
	lockTTL    time.Duration
}

func NewRedisAdapter(client *redis.Client, quotaLimit int, lockTTL time.Duration) *RedisAdapter {
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &RedisAdapter{client: client, quotaLimit: quotaLimit, lockTTL: lockTTL}
}

func quotaKey(now time.Time) string {
	return quotaKeyPrefix + quotaDay(now)
}

func (r *RedisAdapter) TryAcquire(ctx context.Context, now time.Time) (bool, error) {
	result, err := acquireQuotaScript.Run(ctx, r.client, []string{quotaKey(now)},
		r.quotaLimit, int(quotaKeyTTL.Seconds())).Int()
	if err != nil {
		return false, err
	}

	return result == 1, nil
}

func (r *RedisAdapter) Release(ctx context.Context, now time.Time) error {
	return releaseQuotaScript.Run(ctx, r.client, []string{quotaKey(now)}).Err()
}

func (r *RedisAdapter) Remaining(ctx context.Context, now time.Time) (int, error) {
	used, err := r.client.Get(ctx, quotaKey(now)).Int()
	if errors.Is(err, redis.Nil) {
		return r.quotaLimit, nil
	}
	if err != nil {
		return 0, err
	}

	if used > r.quotaLimit {
		return 0, nil
	}
	return r.quotaLimit - used, nil
}

// TryLock takes a lease that expires after lockTTL if the holder dies.
func (r *RedisAdapter) TryLock(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, lockKeyPrefix+key, token, r.lockTTL).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		unlockScript.Run(ctx, r.client, []string{lockKeyPrefix + key}, token)
	}, true, nil
}

type cachedTranslation struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r *RedisAdapter) GetTranslation(ctx context.Context, hash string) (*domain.TranslationEntry, error) {
	raw, err := r.client.Get(ctx, translationKeyPrefix+hash).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var c cachedTranslation
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode translation: %w", err)
	}
	return &domain.TranslationEntry{Hash: hash, Title: c.Title, Description: c.Description, CreatedAt: c.CreatedAt}, nil
}

// PutTranslation never overwrites, entries have no expiry.
func (r *RedisAdapter) PutTranslation(ctx context.Context, entry domain.TranslationEntry) (bool, error) {
	raw, err := json.Marshal(cachedTranslation{
		Title:       entry.Title,
		Description: entry.Description,
		CreatedAt:   entry.CreatedAt,
	})
	if err != nil {
		return false, fmt.Errorf("encode translation: %w", err)
	}

	return r.client.SetNX(ctx, translationKeyPrefix+entry.Hash, raw, 0).Result()
}
