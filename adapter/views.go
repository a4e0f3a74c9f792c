package adapter

import (
	"math/big"
	"time"

	"loanbridge/feeds"
)

// Balances summarises one position's record for the platform's view layer.
type Balances struct {
	Collateral *big.Int `json:"collateral"`
	Debt       *big.Int `json:"debt"`
	RateBps    *big.Int `json:"rateBps"`
}

// Headroom reports how much a position can still borrow or withdraw before
// hitting the solvency floor at the displayed price.
type Headroom struct {
	PriceWad           *big.Int `json:"priceWad"`
	MaxAdditionalDebt  *big.Int `json:"maxAdditionalDebt"`
	WithdrawableAmount *big.Int `json:"withdrawableAmount"`
}

// RawExport is the diagnostics dump of everything the adapter knows about a
// position.
type RawExport struct {
	Position      uint64        `json:"position"`
	Key           uint64        `json:"key"`
	Record        uint64        `json:"record"`
	Status        string        `json:"status"`
	Collateral    *big.Int      `json:"collateral"`
	Debt          *big.Int      `json:"debt"`
	RateBps       *big.Int      `json:"rateBps"`
	PriceReading  feeds.Reading `json:"priceReading"`
	PreferenceSet bool          `json:"preferenceSet"`
	PreferenceAt  time.Time     `json:"preferenceAt,omitempty"`
}

// PositionBalances returns the record balances for the position. A position
// without a record reports zeroes rather than failing; "no record yet" is a
// normal state for the view layer.
func (e *Engine) PositionBalances(position uint64) Balances {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := Balances{Collateral: big.NewInt(0), Debt: big.NewInt(0), RateBps: big.NewInt(0)}
	record, ok := e.recordFor(position)
	if !ok {
		return out
	}
	snapshot, err := e.lender.GetRecord(record)
	if err != nil {
		return out
	}
	out.Collateral = snapshot.Collateral
	out.Debt = snapshot.Debt
	out.RateBps = snapshot.RateBps
	return out
}

// SolvencyThresholdBps returns the minimum collateral ratio in basis points.
func (e *Engine) SolvencyThresholdBps() uint64 {
	return e.params.MinCollateralRatioBps
}

// PositionHeadroom computes the remaining borrow and withdraw capacity at the
// display price. The display path walks the full fallback chain since no
// balance-reducing action commits on it; the fresh-read gate still applies
// when the action itself runs.
func (e *Engine) PositionHeadroom(position uint64) Headroom {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := Headroom{
		PriceWad:           big.NewInt(0),
		MaxAdditionalDebt:  big.NewInt(0),
		WithdrawableAmount: big.NewInt(0),
	}
	record, ok := e.recordFor(position)
	if !ok {
		return out
	}
	snapshot, err := e.lender.GetRecord(record)
	if err != nil {
		return out
	}
	price := e.displayPrice()
	if price.Sign() == 0 {
		return out
	}
	out.PriceWad = price

	// Max total debt the collateral supports: collateral*price*10000 / (minBps*wad).
	minRatio := new(big.Int).SetUint64(e.params.MinCollateralRatioBps)
	maxDebt := new(big.Int).Mul(snapshot.Collateral, price)
	maxDebt.Mul(maxDebt, basisPoints)
	maxDebt.Quo(maxDebt, new(big.Int).Mul(minRatio, wad))
	if maxDebt.Cmp(snapshot.Debt) > 0 {
		out.MaxAdditionalDebt = new(big.Int).Sub(maxDebt, snapshot.Debt)
	}

	// Minimum collateral the debt requires: minBps*debt*wad / (price*10000),
	// rounded up so withdrawing the headroom never breaches the floor.
	if snapshot.Debt.Sign() == 0 {
		out.WithdrawableAmount = new(big.Int).Set(snapshot.Collateral)
		return out
	}
	needed := new(big.Int).Mul(minRatio, snapshot.Debt)
	needed.Mul(needed, wad)
	den := new(big.Int).Mul(price, basisPoints)
	needed.Add(needed, new(big.Int).Sub(den, big.NewInt(1)))
	needed.Quo(needed, den)
	if snapshot.Collateral.Cmp(needed) > 0 {
		out.WithdrawableAmount = new(big.Int).Sub(snapshot.Collateral, needed)
	}
	return out
}

// CurrentRate returns the interest rate carried by the position's record.
func (e *Engine) CurrentRate(position uint64) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	record, ok := e.recordFor(position)
	if !ok {
		return nil, ErrNoRecord
	}
	snapshot, err := e.lender.GetRecord(record)
	if err != nil {
		return nil, err
	}
	return snapshot.RateBps, nil
}

// Export dumps the raw position state for diagnostics.
func (e *Engine) Export(position uint64) RawExport {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := RawExport{
		Position:   position,
		Key:        e.positionKeys[position],
		Status:     "nonexistent",
		Collateral: big.NewInt(0),
		Debt:       big.NewInt(0),
		RateBps:    big.NewInt(0),
	}
	if e.price != nil {
		out.PriceReading = e.price.Snapshot()
	}
	if pref, ok := e.preferences[position]; ok {
		out.PreferenceSet = true
		out.PreferenceAt = pref.setAt
	}
	record, ok := e.recordFor(position)
	if !ok {
		return out
	}
	out.Record = record
	snapshot, err := e.lender.GetRecord(record)
	if err != nil {
		return out
	}
	out.Status = snapshot.Status.String()
	out.Collateral = snapshot.Collateral
	out.Debt = snapshot.Debt
	out.RateBps = snapshot.RateBps
	return out
}

// displayPrice walks the full fallback chain for read-only surfaces.
func (e *Engine) displayPrice() *big.Int {
	if e.price == nil {
		return big.NewInt(0)
	}
	return e.price.Value(e.lender)
}
