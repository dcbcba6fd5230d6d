package cache

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/zach-source/vaultagent/internal/vault"
)

// DefaultItemTTL is how long decrypted vault items stay in memory
const DefaultItemTTL = 5 * time.Minute

// SessionSource hands out vault session tokens.
type SessionSource interface {
	GetSession(ctx context.Context, reason string) (string, error)
}

// ItemLister fetches the SSH key items of the vault.
type ItemLister interface {
	ListKeyItems(ctx context.Context, token string) ([]vault.Item, error)
}

// Items caches the decrypted SSH key items for a short time. Contents are
// valid while non-empty and younger than the TTL; independently, the
// background sweep drops them once no access happened for a full TTL.
type Items struct {
	mu         sync.Mutex
	ttl        time.Duration
	sessions   SessionSource
	lister     ItemLister
	clock      clock.WithTicker
	logger     *slog.Logger
	items      []vault.Item
	filledAt   time.Time
	lastAccess time.Time
	hits       int64
	misses     int64
	inflight   int

	refill singleflight.Group
}

func NewItems(ttl time.Duration, sessions SessionSource, lister ItemLister, opts ...Option) *Items {
	o := buildOptions("item-cache", opts)
	if ttl <= 0 {
		ttl = DefaultItemTTL
	}
	return &Items{
		ttl:      ttl,
		sessions: sessions,
		lister:   lister,
		clock:    o.clock,
		logger:   o.logger,
	}
}

// Get returns the cached items, refilling through a session obtained with
// reason when stale.
func (c *Items) Get(ctx context.Context, reason string) ([]vault.Item, error) {
	return c.get(ctx, func(ctx context.Context) (string, error) {
		return c.sessions.GetSession(ctx, reason)
	})
}

// GetWithToken is Get with a session the caller already holds.
func (c *Items) GetWithToken(ctx context.Context, token string) ([]vault.Item, error) {
	return c.get(ctx, func(context.Context) (string, error) {
		return token, nil
	})
}

func (c *Items) get(ctx context.Context, token func(context.Context) (string, error)) ([]vault.Item, error) {
	if items, ok := c.lookup(); ok {
		return items, nil
	}

	v, err, _ := c.refill.Do("refill", func() (any, error) {
		if items, ok := c.peek(); ok {
			return items, nil
		}
		c.setInFlight(1)
		defer c.setInFlight(-1)

		tok, err := token(ctx)
		if err != nil {
			return nil, err
		}
		items, err := c.lister.ListKeyItems(ctx, tok)
		if err != nil {
			return nil, err
		}

		now := c.clock.Now()
		c.mu.Lock()
		c.items = items
		c.filledAt = now
		c.lastAccess = now
		c.mu.Unlock()
		c.logger.Debug("item cache filled", "items", len(items))
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]vault.Item)), nil
}

// lookup counts a hit or miss and pushes the auto-clear deadline.
func (c *Items) lookup() ([]vault.Item, bool) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastAccess = now
	if !c.validLocked(now) {
		c.misses++
		return nil, false
	}
	c.hits++
	return slices.Clone(c.items), true
}

func (c *Items) peek() ([]vault.Item, bool) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.validLocked(now) {
		return nil, false
	}
	return slices.Clone(c.items), true
}

func (c *Items) validLocked(now time.Time) bool {
	return len(c.items) > 0 && now.Sub(c.filledAt) < c.ttl
}

// Clear drops all cached items.
func (c *Items) Clear() {
	c.mu.Lock()
	n := len(c.items)
	c.items = nil
	c.filledAt = time.Time{}
	c.mu.Unlock()
	if n > 0 {
		c.logger.Debug("item cache cleared", "items", n)
	}
}

// Run clears the cache once a full TTL passed without access.
func (c *Items) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 || interval > c.ttl {
		interval = c.ttl
	}
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.CleanupExpired()
		}
	}
}

// CleanupExpired clears the cache if the access deadline passed and reports
// whether it did.
func (c *Items) CleanupExpired() bool {
	now := c.clock.Now()
	c.mu.Lock()
	expired := len(c.items) > 0 && !now.Before(c.lastAccess.Add(c.ttl))
	c.mu.Unlock()
	if expired {
		c.Clear()
	}
	return expired
}

func (c *Items) setInFlight(delta int) {
	c.mu.Lock()
	c.inflight += delta
	c.mu.Unlock()
}

func (c *Items) TTL() time.Duration { return c.ttl }

func (c *Items) Stats() (size int, hits, misses int64, inflight int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items), c.hits, c.misses, c.inflight
}
