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

var (
	// ErrBatchShape rejects a batched update whose class and rate slices
	// differ in length.
	ErrBatchShape = errors.New("feeds: class and rate batches differ in length")
	// ErrClassRange rejects a class index outside the configured range.
	ErrClassRange = errors.New("feeds: collateral class out of range")
)

// AggregateSource exposes the external protocol's aggregate debt counters the
// system-average fallback is derived from. The average is always recomputed
// on demand from these counters, never from adapter-side state.
type AggregateSource interface {
	TotalDebt() (*big.Int, error)
	WeightedDebtSum() (*big.Int, error)
}

// RateFeed caches one submitted interest rate per collateral class. Rates are
// annualised and expressed in basis points.
type RateFeed struct {
	classes   []*Cache
	bufferBps uint64
	deltaBps  uint64
	observer  Observer
	db        storage.Database

	mu            sync.Mutex
	lastSubmitted time.Time
}

// NewRateFeed constructs a feed covering the given number of collateral
// classes. safetyBufferBps is added uniformly on top of the observed market
// rate so managed records never undercut the market average in the sort
// order; deviationDeltaBps is the threshold past which an update emits a
// deviation signal (but still applies).
func NewRateFeed(classCount int, threshold time.Duration, safetyBufferBps, deviationDeltaBps uint64, db storage.Database) *RateFeed {
	if classCount < 1 {
		classCount = 1
	}
	feed := &RateFeed{
		classes:   make([]*Cache, classCount),
		bufferBps: safetyBufferBps,
		deltaBps:  deviationDeltaBps,
		db:        db,
	}
	for i := range feed.classes {
		feed.classes[i] = NewCache(threshold)
	}
	feed.restore()
	return feed
}

// SetObserver wires the observability sink.
func (f *RateFeed) SetObserver(observer Observer) {
	if f == nil {
		return
	}
	f.observer = observer
}

// SetClock overrides every class cache clock for tests.
func (f *RateFeed) SetClock(now func() time.Time) {
	for _, cache := range f.classes {
		cache.SetClock(now)
	}
}

// ClassCount returns the number of configured collateral classes.
func (f *RateFeed) ClassCount() int { return len(f.classes) }

// SubmitMany applies a batched rate update. The batch validates as a whole
// before anything applies: a length mismatch, an out-of-range class or a
// non-positive rate anywhere rejects every entry. Submissions are idempotent
// per timestamp; a malformed batch is rejected even on a replayed timestamp.
func (f *RateFeed) SubmitMany(classes []int, rates []*big.Int, submittedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(classes) != len(rates) {
		return ErrBatchShape
	}
	for i, class := range classes {
		if class < 0 || class >= len(f.classes) {
			return ErrClassRange
		}
		if rates[i] == nil || rates[i].Sign() <= 0 {
			return ErrInvalidValue
		}
	}
	if !submittedAt.IsZero() && submittedAt.Equal(f.lastSubmitted) {
		return nil
	}
	for i, class := range classes {
		previous := f.classes[class].Snapshot().LastGood
		if err := f.classes[class].Update(rates[i]); err != nil {
			return err
		}
		f.signal(class, previous, rates[i])
	}
	f.lastSubmitted = submittedAt
	f.persist()
	return nil
}

// Submit applies a single-class update through the same validation path.
func (f *RateFeed) Submit(class int, rate *big.Int, submittedAt time.Time) error {
	return f.SubmitMany([]int{class}, []*big.Int{rate}, submittedAt)
}

// Fresh returns the current rate for the class when within the staleness
// threshold.
func (f *RateFeed) Fresh(class int) (*big.Int, error) {
	if class < 0 || class >= len(f.classes) {
		return nil, ErrClassRange
	}
	rate, err := f.classes[class].Read()
	if errors.Is(err, ErrStale) && f.observer != nil {
		f.observer.StaleRead(fmt.Sprintf("rate/%d", class))
	}
	return rate, err
}

// Value returns a usable rate for the class through the fallback chain,
// bottoming out at the protocol-wide debt-weighted average.
func (f *RateFeed) Value(class int, aggregates AggregateSource) (*big.Int, error) {
	if class < 0 || class >= len(f.classes) {
		return nil, ErrClassRange
	}
	return f.classes[class].ReadWithFallback(func() *big.Int {
		return f.systemAverage(aggregates)
	}), nil
}

// OptimalRate returns the rate a newly opened record should carry for the
// class: the observed (or fallen-back) market rate plus the safety buffer.
func (f *RateFeed) OptimalRate(class int, aggregates AggregateSource) (*big.Int, error) {
	rate, err := f.Value(class, aggregates)
	if err != nil {
		return nil, err
	}
	return rate.Add(rate, new(big.Int).SetUint64(f.bufferBps)), nil
}

// Snapshot exports every class cache for diagnostics.
func (f *RateFeed) Snapshot() []Reading {
	out := make([]Reading, len(f.classes))
	for i, cache := range f.classes {
		out[i] = cache.Snapshot()
	}
	return out
}

// systemAverage derives the debt-weighted average interest rate across the
// whole external protocol. A degenerate empty system yields zero.
func (f *RateFeed) systemAverage(aggregates AggregateSource) *big.Int {
	if aggregates == nil {
		return nil
	}
	total, err := aggregates.TotalDebt()
	if err != nil || total == nil || total.Sign() == 0 {
		return nil
	}
	weighted, err := aggregates.WeightedDebtSum()
	if err != nil || weighted == nil {
		return nil
	}
	return new(big.Int).Quo(weighted, total)
}

func (f *RateFeed) signal(class int, previous, next *big.Int) {
	if f.observer == nil {
		return
	}
	f.observer.RateUpdated(class, next)
	if f.deltaBps == 0 || previous == nil || previous.Sign() == 0 {
		return
	}
	delta := new(big.Int).Sub(next, previous)
	delta.Abs(delta)
	if delta.IsUint64() && delta.Uint64() > f.deltaBps {
		f.observer.RateDeviation(class, delta.Uint64())
	}
}

func classKey(class int) []byte {
	return []byte(fmt.Sprintf("feeds/rate/%06d", class))
}

func (f *RateFeed) persist() {
	if f.db == nil {
		return
	}
	for i, cache := range f.classes {
		raw, err := json.Marshal(cache.Snapshot())
		if err != nil {
			continue
		}
		_ = f.db.Put(classKey(i), raw)
	}
}

func (f *RateFeed) restore() {
	if f.db == nil {
		return
	}
	for i, cache := range f.classes {
		raw, err := f.db.Get(classKey(i))
		if err != nil {
			continue
		}
		var reading Reading
		if err := json.Unmarshal(raw, &reading); err != nil {
			continue
		}
		cache.Restore(reading)
	}
}
