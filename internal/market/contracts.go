package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"futures-keeper/pkg/types"
)

// ContractSource fetches contract metadata.
type ContractSource interface {
	Contract(ctx context.Context, contract string) (*types.ContractInfo, error)
}

type cachedContract struct {
	info      types.ContractInfo
	fetchedAt time.Time
}

// Contracts caches contract metadata for ttl. Tick size and multiplier
// rarely change, so one fetch per contract per ttl is enough.
type Contracts struct {
	src ContractSource
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[string]cachedContract
}

// NewContracts creates a cache over src.
func NewContracts(src ContractSource, ttl time.Duration) *Contracts {
	return &Contracts{
		src:   src,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cachedContract),
	}
}

// Get returns metadata for contract, fetching it when missing or expired.
// A failed refresh falls back to the expired entry when there is one.
func (c *Contracts) Get(ctx context.Context, contract string) (types.ContractInfo, error) {
	c.mu.Lock()
	cached, ok := c.cache[contract]
	c.mu.Unlock()
	if ok && c.now().Sub(cached.fetchedAt) < c.ttl {
		return cached.info, nil
	}

	info, err := c.src.Contract(ctx, contract)
	if err != nil {
		if ok {
			return cached.info, nil
		}
		return types.ContractInfo{}, fmt.Errorf("contract %s: %w", contract, err)
	}
	if !info.TickSize.IsPositive() || !info.QuantoMultiplier.IsPositive() {
		return types.ContractInfo{}, fmt.Errorf("contract %s: missing tick size or multiplier", contract)
	}

	c.mu.Lock()
	c.cache[contract] = cachedContract{info: *info, fetchedAt: c.now()}
	c.mu.Unlock()
	return *info, nil
}

// Invalidate drops one contract from the cache.
func (c *Contracts) Invalidate(contract string) {
	c.mu.Lock()
	delete(c.cache, contract)
	c.mu.Unlock()
}
