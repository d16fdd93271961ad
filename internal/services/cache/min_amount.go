package cache

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// MinAmountTTL bounds how stale a cached gateway minimum may be
const MinAmountTTL = 5 * time.Minute

// MinAmounts caches the crypto gateway's minimum payable fiat amount per currency
type MinAmounts struct {
	cache *RedisCache
	ttl   time.Duration
}

func NewMinAmounts(c *RedisCache) *MinAmounts {
	return &MinAmounts{cache: c, ttl: MinAmountTTL}
}

func minAmountKey(currency string) string {
	return "min_amount:" + currency
}

// Get returns the cached minimum for currency
func (m *MinAmounts) Get(ctx context.Context, currency string) (decimal.Decimal, bool) {
	var min decimal.Decimal
	if err := m.cache.Get(ctx, minAmountKey(currency), &min); err != nil {
		return decimal.Zero, false
	}
	return min, true
}

// Set caches the minimum for currency. Errors are ignored.
func (m *MinAmounts) Set(ctx context.Context, currency string, min decimal.Decimal) {
	_ = m.cache.Set(ctx, minAmountKey(currency), min, m.ttl)
}
