package protocol

import "math/big"

// Status reports the lifecycle state of a borrowing record as seen by the
// external lending protocol.
type Status uint8

const (
	// StatusNonexistent means the protocol has no record under the handle.
	StatusNonexistent Status = iota
	// StatusActive means the record is open and accepting adjustments.
	StatusActive
	// StatusClosed means the record was fully repaid and closed.
	StatusClosed
	// StatusZombie means the record was liquidated or redeemed down to an
	// unusable remnant and can no longer be adjusted.
	StatusZombie
)

// String renders the status for logs and diagnostics exports.
func (s Status) String() string {
	switch s {
	case StatusNonexistent:
		return "nonexistent"
	case StatusActive:
		return "active"
	case StatusClosed:
		return "closed"
	case StatusZombie:
		return "zombie"
	}
	return "unknown"
}

// Record is a read-only snapshot of one borrowing record. Amounts are
// denominated in wei, the interest rate in basis points. The protocol owns
// and mutates the underlying ledger row; this snapshot is never written back.
type Record struct {
	Collateral *big.Int
	Debt       *big.Int
	RateBps    *big.Int
	Status     Status
}

// Hints bound the insertion point inside the protocol's rate-sorted record
// structure so an open lands near its slot without a linear scan.
type Hints struct {
	Upper uint64
	Lower uint64
}

// OpenParams carries everything the protocol needs to open a new borrowing
// record.
type OpenParams struct {
	Collateral *big.Int
	Debt       *big.Int
	RateBps    *big.Int
	// MaxUpfrontFee caps the one-time fee the protocol may charge when the
	// debt is created. Predicted via PredictOpenFee before the call.
	MaxUpfrontFee *big.Int
	Hints         Hints
}

// Lender is the narrow view of the external lending protocol consumed by the
// adapter. Implementations are expected to be a black box: every method call
// either completes fully or returns an error with no partial effect.
type Lender interface {
	// OpenRecord opens a new borrowing record and returns its handle.
	OpenRecord(params OpenParams) (uint64, error)
	// AddCollateral increases the record's collateral.
	AddCollateral(record uint64, amount *big.Int) error
	// WithdrawCollateral decreases the record's collateral.
	WithdrawCollateral(record uint64, amount *big.Int) error
	// Borrow increases the record's debt, charging at most maxUpfrontFee.
	Borrow(record uint64, amount, maxUpfrontFee *big.Int) error
	// Repay decreases the record's debt.
	Repay(record uint64, amount *big.Int) error

	// RecordStatus reports the record lifecycle state.
	RecordStatus(record uint64) (Status, error)
	// GetRecord returns a full snapshot of the record.
	GetRecord(record uint64) (Record, error)

	// CurrentPrice returns the protocol's collateral price in wad together
	// with its own freshness indicator.
	CurrentPrice() (*big.Int, bool, error)
	// TotalDebt returns the aggregate outstanding debt across the protocol.
	TotalDebt() (*big.Int, error)
	// WeightedDebtSum returns the sum of debt*rateBps across the protocol,
	// used to derive the system average interest rate.
	WeightedDebtSum() (*big.Int, error)

	// FindInsertHints runs the protocol's approximate search for the
	// position a record with the given rate should occupy.
	FindInsertHints(rateBps *big.Int, seed uint64) (Hints, error)
	// PredictOpenFee estimates the upfront fee for opening with the given
	// debt at the given rate.
	PredictOpenFee(debt, rateBps *big.Int) (*big.Int, error)
	// PredictBorrowFee estimates the upfront fee for increasing an existing
	// record's debt.
	PredictBorrowFee(record uint64, debtIncrease *big.Int) (*big.Int, error)

	// MinDebt returns the protocol's minimum debt floor for open records.
	MinDebt() *big.Int
	// IsShutdown reports whether the protocol is halted.
	IsShutdown() (bool, error)
}

// Ledger moves tokens between platform accounts on behalf of the adapter.
// The leverage platform supplies the implementation; the adapter only ever
// requests transfers, it never holds balances of its own.
type Ledger interface {
	Transfer(asset string, from, to string, amount *big.Int) error
}
