package feeds

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"loanbridge/storage"
)

// Observer receives feed observability signals. Deviations and staleness only
// ever emit signals, they never block an update or substitute a value.
type Observer interface {
	PriceUpdated(asset string, value *big.Int)
	RateUpdated(class int, value *big.Int)
	RateDeviation(class int, deltaBps uint64)
	StaleRead(feed string)
}

// PriceFeed caches the externally submitted price for one asset. The fallback
// chain bottoms out at the external protocol's own price reading when it
// reports itself fresh.
type PriceFeed struct {
	asset    string
	cache    *Cache
	observer Observer
	db       storage.Database

	mu            sync.Mutex
	lastSubmitted time.Time
}

// PriceSource supplies the protocol-side price used as the system-derived
// default when the cache holds nothing at all.
type PriceSource interface {
	CurrentPrice() (*big.Int, bool, error)
}

// NewPriceFeed constructs the feed for one asset with the given staleness
// threshold. The database is optional; when set, accepted updates persist
// write-through and the last snapshot reloads at construction.
func NewPriceFeed(asset string, threshold time.Duration, db storage.Database) *PriceFeed {
	feed := &PriceFeed{asset: asset, cache: NewCache(threshold), db: db}
	feed.restore()
	return feed
}

// SetObserver wires the observability sink.
func (f *PriceFeed) SetObserver(observer Observer) {
	if f == nil {
		return
	}
	f.observer = observer
}

// SetClock overrides the cache clock for tests.
func (f *PriceFeed) SetClock(now func() time.Time) { f.cache.SetClock(now) }

// Asset returns the asset identity this feed prices.
func (f *PriceFeed) Asset() string { return f.asset }

// Submit records a price pushed by the authorized submitter. Submissions are
// idempotent per timestamp: a repeat of the last accepted timestamp is a
// no-op, not an error. A malformed value is rejected even on a replayed
// timestamp.
func (f *PriceFeed) Submit(value *big.Int, submittedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if value == nil || value.Sign() <= 0 {
		return ErrInvalidValue
	}
	if !submittedAt.IsZero() && submittedAt.Equal(f.lastSubmitted) {
		return nil
	}
	if err := f.cache.Update(value); err != nil {
		return err
	}
	f.lastSubmitted = submittedAt
	if f.observer != nil {
		f.observer.PriceUpdated(f.asset, value)
	}
	f.persist()
	return nil
}

// Fresh returns the current price if it is within the staleness threshold.
// This is the only failing read path and the one solvency checks use.
func (f *PriceFeed) Fresh() (*big.Int, error) {
	value, err := f.cache.Read()
	if errors.Is(err, ErrStale) && f.observer != nil {
		f.observer.StaleRead("price/" + f.asset)
	}
	return value, err
}

// Value returns a usable price through the full fallback chain: fresh cache,
// then last good, then the protocol's own reading when it reports fresh.
func (f *PriceFeed) Value(source PriceSource) *big.Int {
	return f.cache.ReadWithFallback(func() *big.Int {
		if source == nil {
			return nil
		}
		price, ok, err := source.CurrentPrice()
		if err != nil || !ok {
			return nil
		}
		return price
	})
}

// Snapshot exports the cache state for diagnostics.
func (f *PriceFeed) Snapshot() Reading { return f.cache.Snapshot() }

func (f *PriceFeed) storageKey() []byte {
	return []byte(fmt.Sprintf("feeds/price/%s", f.asset))
}

func (f *PriceFeed) persist() {
	if f.db == nil {
		return
	}
	raw, err := json.Marshal(f.cache.Snapshot())
	if err != nil {
		return
	}
	_ = f.db.Put(f.storageKey(), raw)
}

func (f *PriceFeed) restore() {
	if f.db == nil {
		return
	}
	raw, err := f.db.Get(f.storageKey())
	if err != nil {
		return
	}
	var reading Reading
	if err := json.Unmarshal(raw, &reading); err != nil {
		return
	}
	f.cache.Restore(reading)
}
