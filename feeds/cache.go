package feeds

import (
	"errors"
	"math/big"
	"sync"
	"time"
)

var (
	// ErrInvalidValue rejects nil, zero or negative readings. Prices and
	// rates live in an unsigned domain; no such value can be market truth
	// or displace the last good reading.
	ErrInvalidValue = errors.New("feeds: value must be positive")
	// ErrStale is returned by the fresh-read path when the cached reading
	// is older than the staleness threshold. Callers that require
	// freshness treat this as fatal rather than substituting a value.
	ErrStale = errors.New("feeds: reading is stale")
)

// Reading is the exported snapshot of one cached value.
type Reading struct {
	Current   *big.Int  `json:"current"`
	LastGood  *big.Int  `json:"lastGood"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Cache holds one externally supplied reading together with its last known
// good value and decides whether it is still fresh enough to trust. There are
// no sanity clamps: the cache reports observed reality, adverse or not, and
// only the total absence of data routes callers to a system-derived default.
type Cache struct {
	mu        sync.RWMutex
	threshold time.Duration
	now       func() time.Time
	current   *big.Int
	lastGood  *big.Int
	updatedAt time.Time
}

// NewCache constructs a cache with the given staleness threshold.
func NewCache(threshold time.Duration) *Cache {
	return &Cache{threshold: threshold, now: time.Now}
}

// SetClock overrides the time source. Used by tests to pin the clock.
func (c *Cache) SetClock(now func() time.Time) {
	if c == nil || now == nil {
		return
	}
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Update accepts a new reading. The last good value always follows the most
// recent accepted non-zero update and is never reverted to an older one.
func (c *Cache) Update(value *big.Int) error {
	if value == nil || value.Sign() <= 0 {
		return ErrInvalidValue
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = new(big.Int).Set(value)
	c.lastGood = new(big.Int).Set(value)
	c.updatedAt = c.now()
	return nil
}

// Read returns the current value when fresh and ErrStale otherwise. A reading
// aged exactly the threshold is already stale.
func (c *Cache) Read() (*big.Int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.fresh() {
		return nil, ErrStale
	}
	return new(big.Int).Set(c.current), nil
}

// ReadWithFallback returns the current value when fresh, the last good value
// when one exists, and otherwise the caller-supplied system-derived default.
// It never fails; a zero result is only possible when no value was ever
// accepted and the default itself is zero.
func (c *Cache) ReadWithFallback(fallback func() *big.Int) *big.Int {
	c.mu.RLock()
	if c.fresh() {
		out := new(big.Int).Set(c.current)
		c.mu.RUnlock()
		return out
	}
	if c.lastGood != nil && c.lastGood.Sign() != 0 {
		out := new(big.Int).Set(c.lastGood)
		c.mu.RUnlock()
		return out
	}
	c.mu.RUnlock()
	if fallback == nil {
		return big.NewInt(0)
	}
	if value := fallback(); value != nil {
		return new(big.Int).Set(value)
	}
	return big.NewInt(0)
}

// Snapshot exports the cache contents for persistence and diagnostics.
func (c *Cache) Snapshot() Reading {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := Reading{UpdatedAt: c.updatedAt}
	if c.current != nil {
		out.Current = new(big.Int).Set(c.current)
	}
	if c.lastGood != nil {
		out.LastGood = new(big.Int).Set(c.lastGood)
	}
	return out
}

// Restore loads a persisted snapshot. Only the last good value comes back:
// the gap since the value was persisted is unmeasured, so a restored reading
// never serves the fresh path and only feeds the last-good tier of the
// fallback chain until the next accepted update. The original timestamp is
// kept for diagnostics.
func (c *Cache) Restore(reading Reading) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value := reading.LastGood
	if value == nil || value.Sign() <= 0 {
		value = reading.Current
	}
	if value != nil && value.Sign() > 0 {
		c.lastGood = new(big.Int).Set(value)
	}
	c.updatedAt = reading.UpdatedAt
}

// fresh must be called with the lock held.
func (c *Cache) fresh() bool {
	if c.current == nil || c.updatedAt.IsZero() {
		return false
	}
	return c.now().Sub(c.updatedAt) < c.threshold
}
