package feeds

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"loanbridge/storage"
)

type stubAggregates struct {
	total    *big.Int
	weighted *big.Int
	err      error
}

func (s *stubAggregates) TotalDebt() (*big.Int, error)       { return s.total, s.err }
func (s *stubAggregates) WeightedDebtSum() (*big.Int, error) { return s.weighted, s.err }

type recordingObserver struct {
	rateUpdates int
	deviations  map[int]uint64
	staleReads  []string
}

func (o *recordingObserver) PriceUpdated(string, *big.Int) {}
func (o *recordingObserver) RateUpdated(int, *big.Int)     { o.rateUpdates++ }
func (o *recordingObserver) RateDeviation(class int, deltaBps uint64) {
	if o.deviations == nil {
		o.deviations = make(map[int]uint64)
	}
	o.deviations[class] = deltaBps
}
func (o *recordingObserver) StaleRead(feed string) { o.staleReads = append(o.staleReads, feed) }

func TestSubmitManyAppliesAtomically(t *testing.T) {
	feed := NewRateFeed(4, time.Minute, 25, 100, nil)
	stamp := time.Unix(100, 0)

	err := feed.SubmitMany([]int{0, 9}, []*big.Int{big.NewInt(500), big.NewInt(600)}, stamp)
	if !errors.Is(err, ErrClassRange) {
		t.Fatalf("expected ErrClassRange, got %v", err)
	}
	if _, err := feed.Fresh(0); !errors.Is(err, ErrStale) {
		t.Fatalf("rejected batch must not apply class 0, got %v", err)
	}

	err = feed.SubmitMany([]int{0, 1}, []*big.Int{big.NewInt(500), big.NewInt(0)}, stamp)
	if !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
	if _, err := feed.Fresh(0); !errors.Is(err, ErrStale) {
		t.Fatalf("zero entry must reject the whole batch, got %v", err)
	}

	err = feed.SubmitMany([]int{0, 1}, []*big.Int{big.NewInt(-500), big.NewInt(600)}, stamp)
	if !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue for negative entry, got %v", err)
	}
	if _, err := feed.Fresh(1); !errors.Is(err, ErrStale) {
		t.Fatalf("negative entry must reject the whole batch, got %v", err)
	}

	err = feed.SubmitMany([]int{0, 1}, []*big.Int{big.NewInt(500)}, stamp)
	if !errors.Is(err, ErrBatchShape) {
		t.Fatalf("expected ErrBatchShape, got %v", err)
	}

	if err := feed.SubmitMany([]int{0, 1}, []*big.Int{big.NewInt(500), big.NewInt(600)}, stamp); err != nil {
		t.Fatalf("valid batch: %v", err)
	}
	rate, err := feed.Fresh(1)
	if err != nil {
		t.Fatalf("fresh after apply: %v", err)
	}
	if rate.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("class 1 rate %s, want 600", rate)
	}
}

func TestSubmitIdempotentPerTimestamp(t *testing.T) {
	feed := NewRateFeed(2, time.Minute, 0, 0, nil)
	stamp := time.Unix(200, 0)
	if err := feed.Submit(0, big.NewInt(400), stamp); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Same timestamp is a no-op even with a different value.
	if err := feed.Submit(0, big.NewInt(999), stamp); err != nil {
		t.Fatalf("repeat submit: %v", err)
	}
	rate, err := feed.Fresh(0)
	if err != nil {
		t.Fatalf("fresh: %v", err)
	}
	if rate.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("rate %s, want original 400", rate)
	}
}

func TestSubmitManyValidatesReplayedTimestamp(t *testing.T) {
	feed := NewRateFeed(2, time.Minute, 0, 0, nil)
	stamp := time.Unix(250, 0)
	if err := feed.SubmitMany([]int{0, 1}, []*big.Int{big.NewInt(500), big.NewInt(600)}, stamp); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Replaying the applied timestamp with a malformed batch is a
	// rejection, not a silent no-op.
	err := feed.SubmitMany([]int{0, 1}, []*big.Int{big.NewInt(-500), big.NewInt(600)}, stamp)
	if !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue on replayed malformed batch, got %v", err)
	}
	err = feed.SubmitMany([]int{0}, []*big.Int{big.NewInt(500), big.NewInt(600)}, stamp)
	if !errors.Is(err, ErrBatchShape) {
		t.Fatalf("expected ErrBatchShape on replayed malformed batch, got %v", err)
	}
	// A well-formed replay remains a no-op.
	if err := feed.SubmitMany([]int{0, 1}, []*big.Int{big.NewInt(999), big.NewInt(999)}, stamp); err != nil {
		t.Fatalf("well-formed replay: %v", err)
	}
	rate, err := feed.Fresh(0)
	if err != nil {
		t.Fatalf("fresh: %v", err)
	}
	if rate.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("rate %s, want original 500", rate)
	}
}

func TestOptimalRateUsesSystemAverage(t *testing.T) {
	feed := NewRateFeed(4, time.Minute, 25, 100, nil)
	// Two loans: 100 units at 400bps plus 300 units at 800bps gives a
	// debt-weighted average of 700bps.
	aggregates := &stubAggregates{
		total:    big.NewInt(400),
		weighted: big.NewInt(100*400 + 300*800),
	}
	rate, err := feed.OptimalRate(3, aggregates)
	if err != nil {
		t.Fatalf("optimal rate: %v", err)
	}
	if rate.Cmp(big.NewInt(725)) != 0 {
		t.Fatalf("expected average 700 plus buffer 25, got %s", rate)
	}
}

func TestOptimalRatePrefersFreshSubmission(t *testing.T) {
	feed := NewRateFeed(4, time.Minute, 25, 100, nil)
	if err := feed.Submit(2, big.NewInt(550), time.Unix(300, 0)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	aggregates := &stubAggregates{total: big.NewInt(1), weighted: big.NewInt(9999)}
	rate, err := feed.OptimalRate(2, aggregates)
	if err != nil {
		t.Fatalf("optimal rate: %v", err)
	}
	if rate.Cmp(big.NewInt(575)) != 0 {
		t.Fatalf("expected fresh 550 plus buffer 25, got %s", rate)
	}
}

func TestDeviationSignalsButApplies(t *testing.T) {
	feed := NewRateFeed(2, time.Minute, 0, 100, nil)
	observer := &recordingObserver{}
	feed.SetObserver(observer)

	if err := feed.Submit(0, big.NewInt(500), time.Unix(400, 0)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(observer.deviations) != 0 {
		t.Fatalf("first submission must not signal, got %v", observer.deviations)
	}
	if err := feed.Submit(0, big.NewInt(700), time.Unix(401, 0)); err != nil {
		t.Fatalf("deviating submit must still apply, got %v", err)
	}
	if observer.deviations[0] != 200 {
		t.Fatalf("expected deviation signal of 200bps, got %v", observer.deviations)
	}
	rate, err := feed.Fresh(0)
	if err != nil {
		t.Fatalf("fresh: %v", err)
	}
	if rate.Cmp(big.NewInt(700)) != 0 {
		t.Fatalf("deviating value must apply, got %s", rate)
	}
	// Within the delta: applies silently.
	if err := feed.Submit(0, big.NewInt(750), time.Unix(402, 0)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if observer.deviations[0] != 200 {
		t.Fatalf("small move must not re-signal, got %v", observer.deviations)
	}
}

func TestRateFeedPersistsAcrossRestart(t *testing.T) {
	db := storage.NewMemDB()
	feed := NewRateFeed(2, time.Minute, 0, 0, db)
	if err := feed.Submit(1, big.NewInt(640), time.Unix(500, 0)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	reloaded := NewRateFeed(2, time.Minute, 0, 0, db)
	if _, err := reloaded.Fresh(1); !errors.Is(err, ErrStale) {
		t.Fatalf("restored reading must start stale, got %v", err)
	}
	value, err := reloaded.Value(1, nil)
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if value.Cmp(big.NewInt(640)) != 0 {
		t.Fatalf("restored lastGood %s, want 640", value)
	}
}
