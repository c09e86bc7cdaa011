package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// balanceTTL bounds staleness if a write-path refresh is ever lost.
const balanceTTL = 5 * time.Minute

// BalanceCache is a best-effort cache in front of the users.balance column.
// Misses and backend failures both read as "not cached". Every ledger write
// refreshes the key with the committed balance, so there is no separate
// invalidation.
type BalanceCache interface {
	Get(ctx context.Context, userID uuid.UUID) (decimal.Decimal, bool)
	Set(ctx context.Context, userID uuid.UUID, balance decimal.Decimal) error
}

// RedisBalanceCache stores balances as decimal strings under
// panel:balance:<user id>.
type RedisBalanceCache struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisBalanceCache(rdb *redis.Client, log *slog.Logger) *RedisBalanceCache {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBalanceCache{rdb: rdb, log: log}
}

var _ BalanceCache = (*RedisBalanceCache)(nil)

func balanceKey(userID uuid.UUID) string {
	return "panel:balance:" + userID.String()
}

func (c *RedisBalanceCache) Get(ctx context.Context, userID uuid.UUID) (decimal.Decimal, bool) {
	raw, err := c.rdb.Get(ctx, balanceKey(userID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Debug("balance cache read failed", "user_id", userID, "error", err)
		}
		return decimal.Zero, false
	}
	b, err := decimal.NewFromString(raw)
	if err != nil {
		c.log.Warn("balance cache held invalid decimal", "user_id", userID, "value", raw)
		return decimal.Zero, false
	}
	return b, true
}

func (c *RedisBalanceCache) Set(ctx context.Context, userID uuid.UUID, balance decimal.Decimal) error {
	return c.rdb.Set(ctx, balanceKey(userID), balance.String(), balanceTTL).Err()
}

// NopCache disables caching; every Balance read hits the database.
type NopCache struct{}

var _ BalanceCache = NopCache{}

func (NopCache) Get(context.Context, uuid.UUID) (decimal.Decimal, bool) { return decimal.Zero, false }
func (NopCache) Set(context.Context, uuid.UUID, decimal.Decimal) error  { return nil }
