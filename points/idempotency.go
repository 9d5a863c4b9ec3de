package points

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// =============================================================================
// IDEMPOTENCY CACHE - Replay window for redemptions
// =============================================================================

// IdempotencyCache remembers recent redemptions by idempotency key so a
// retried request is answered without touching the catalog or the wallet.
// The TTL passed to Put is the replay window. The durable record in the
// RedemptionStore backs it up when an entry has been evicted.
type IdempotencyCache interface {
	Get(ctx context.Context, key string) (Redemption, bool, error)
	Put(ctx context.Context, key string, r Redemption, ttl time.Duration) error
}

// MemoryIdempotencyCache is a process-local IdempotencyCache.
type MemoryIdempotencyCache struct {
	mu      sync.Mutex
	entries map[string]cachedRedemption
	now     func() time.Time
}

type cachedRedemption struct {
	r       Redemption
	expires time.Time
}

func NewMemoryIdempotencyCache() *MemoryIdempotencyCache {
	return &MemoryIdempotencyCache{
		entries: make(map[string]cachedRedemption),
		now:     time.Now,
	}
}

func (c *MemoryIdempotencyCache) Get(_ context.Context, key string) (Redemption, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Redemption{}, false, nil
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return Redemption{}, false, nil
	}
	return e.r, true, nil
}

func (c *MemoryIdempotencyCache) Put(_ context.Context, key string, r Redemption, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cachedRedemption{r: r, expires: now.Add(ttl)}
	return nil
}

// =============================================================================
// REDIS
// =============================================================================

// RedisIdempotencyCache shares the replay window between engine processes.
type RedisIdempotencyCache struct {
	client redis.Cmdable
	prefix string
}

func NewRedisIdempotencyCache(client redis.Cmdable, prefix string) *RedisIdempotencyCache {
	if prefix == "" {
		prefix = "rewards:redeem:"
	}
	return &RedisIdempotencyCache{client: client, prefix: prefix}
}

// redemptionRecord is the JSON layout stored in Redis.
type redemptionRecord struct {
	ID             string    `json:"id"`
	TransactionID  string    `json:"transactionId"`
	WalletID       string    `json:"walletId"`
	UserID         string    `json:"userId"`
	BenefitID      string    `json:"benefitId"`
	CostPoints     int64     `json:"costPoints"`
	NewBalance     int64     `json:"newBalance"`
	IdempotencyKey string    `json:"idempotencyKey"`
	CreatedAt      time.Time `json:"createdAt"`
}

func encodeRedemption(r Redemption) ([]byte, error) {
	return json.Marshal(redemptionRecord{
		ID:             string(r.ID),
		TransactionID:  string(r.TransactionID),
		WalletID:       string(r.WalletID),
		UserID:         string(r.UserID),
		BenefitID:      string(r.BenefitID),
		CostPoints:     r.CostPoints,
		NewBalance:     r.NewBalance,
		IdempotencyKey: r.IdempotencyKey,
		CreatedAt:      r.CreatedAt,
	})
}

func decodeRedemption(b []byte) (Redemption, error) {
	var rec redemptionRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return Redemption{}, err
	}
	return Redemption{
		ID:             RedemptionID(rec.ID),
		TransactionID:  TransactionID(rec.TransactionID),
		WalletID:       WalletID(rec.WalletID),
		UserID:         UserID(rec.UserID),
		BenefitID:      BenefitID(rec.BenefitID),
		CostPoints:     rec.CostPoints,
		NewBalance:     rec.NewBalance,
		IdempotencyKey: rec.IdempotencyKey,
		CreatedAt:      rec.CreatedAt,
	}, nil
}

func (c *RedisIdempotencyCache) Get(ctx context.Context, key string) (Redemption, bool, error) {
	b, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Redemption{}, false, nil
	}
	if err != nil {
		return Redemption{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	r, err := decodeRedemption(b)
	if err != nil {
		return Redemption{}, false, fmt.Errorf("decode cached redemption %s: %w", key, err)
	}
	return r, true, nil
}

func (c *RedisIdempotencyCache) Put(ctx context.Context, key string, r Redemption, ttl time.Duration) error {
	b, err := encodeRedemption(r)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.prefix+key, b, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}
