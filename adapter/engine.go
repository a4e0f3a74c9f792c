package adapter

import (
	"encoding/binary"
	"errors"
	"math/big"
	"sync"
	"time"

	"loanbridge/feeds"
	"loanbridge/protocol"
	"loanbridge/registry"
	"loanbridge/storage"
)

var (
	errNilLender     = errors.New("lending adapter: external protocol not configured")
	errNilLedger     = errors.New("lending adapter: token ledger not configured")
	errNilRegistry   = errors.New("lending adapter: position registry not configured")
	errInvalidAmount = errors.New("lending adapter: amount must be positive")

	// ErrAssetMismatch rejects an initialise call for a pair this adapter
	// instance does not manage.
	ErrAssetMismatch = errors.New("lending adapter: asset pair does not match configuration")
	// ErrShutdown surfaces the protocol-wide halt. Fatal, no fallback.
	ErrShutdown = errors.New("lending adapter: external protocol is shut down")
	// ErrNoRecord is returned when an operation requires a mapped record
	// and the position has none.
	ErrNoRecord = errors.New("lending adapter: position has no borrowing record")
	// ErrRecordInactive is returned when the mapped record is closed or a
	// liquidated remnant.
	ErrRecordInactive = errors.New("lending adapter: borrowing record is not active")
	// ErrStalePrice aborts solvency-checked operations when no fresh price
	// is available. Under-collateralization risk is never assessed on
	// stale data.
	ErrStalePrice = errors.New("lending adapter: no fresh price for solvency check")
	// ErrBelowMinimumRatio aborts a balance-reducing action whose outcome
	// would breach the solvency floor.
	ErrBelowMinimumRatio = errors.New("lending adapter: collateral ratio below minimum")
	// ErrRateOutOfBounds rejects a manual interest rate outside the
	// configured band.
	ErrRateOutOfBounds = errors.New("lending adapter: interest rate outside configured bounds")
	// ErrAlreadyOpen rejects a rate preference for a position whose record
	// already exists; the rate can no longer be honoured.
	ErrAlreadyOpen = errors.New("lending adapter: borrowing record already open")
	// ErrKeyMismatch is a fatal consistency guard: the registry-assigned
	// key disagreed with the position's derived key.
	ErrKeyMismatch = errors.New("lending adapter: registry key does not match derived key")
)

var (
	basisPoints = big.NewInt(10_000)
	wad         = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// Engine drives borrowing-record state transitions against the external
// lending protocol on behalf of the leverage platform. A single mutex keeps
// at most one operation in flight. Within an operation, ledger movements run
// before the external protocol mutation and are unwound when it fails, so a
// failed operation leaves no partial effect.
type Engine struct {
	lender   protocol.Lender
	ledger   protocol.Ledger
	registry *registry.Registry
	operator registry.OperatorCapability
	price    *feeds.PriceFeed
	rates    *feeds.RateFeed
	params   Params
	db       storage.Database
	now      func() time.Time

	mu           sync.Mutex
	positionKeys map[uint64]uint64
	keyPositions map[uint64]uint64
	nextKey      uint64
	preferences  map[uint64]ratePreference
}

// NewEngine constructs the adapter. The operator capability must have been
// minted by the supplied registry. When a database is given the position key
// allocation reloads from it so restarts keep the derived-key sequence.
func NewEngine(lender protocol.Lender, ledger protocol.Ledger, reg *registry.Registry, operator registry.OperatorCapability, price *feeds.PriceFeed, rates *feeds.RateFeed, params Params, db storage.Database) (*Engine, error) {
	if lender == nil {
		return nil, errNilLender
	}
	if ledger == nil {
		return nil, errNilLedger
	}
	if reg == nil {
		return nil, errNilRegistry
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	engine := &Engine{
		lender:       lender,
		ledger:       ledger,
		registry:     reg,
		operator:     operator,
		price:        price,
		rates:        rates,
		params:       params,
		db:           db,
		now:          time.Now,
		positionKeys: make(map[uint64]uint64),
		keyPositions: make(map[uint64]uint64),
		preferences:  make(map[uint64]ratePreference),
	}
	if err := engine.restoreKeys(); err != nil {
		return nil, err
	}
	return engine, nil
}

// SetClock overrides the time source used for rate preference expiry.
func (e *Engine) SetClock(now func() time.Time) {
	if e == nil || now == nil {
		return
	}
	e.now = now
}

// Params returns the configured limits.
func (e *Engine) Params() Params { return e.params }

// Initialise validates the asset pair for a new position. Record creation is
// deferred to the first Lend.
func (e *Engine) Initialise(position uint64, collateralAsset, debtAsset string) error {
	if collateralAsset != e.params.CollateralAsset || debtAsset != e.params.DebtAsset {
		return ErrAssetMismatch
	}
	return e.guard()
}

// Lend pulls collateral from the payer into the position's record, opening
// the record on the first call.
func (e *Engine) Lend(position uint64, amount *big.Int, payer string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guard(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	record, ok := e.recordFor(position)
	if !ok {
		_, err := e.openRecord(position, amount, payer, nil)
		return err
	}
	if err := e.requireActive(record); err != nil {
		return err
	}
	if err := e.ledger.Transfer(e.params.CollateralAsset, payer, e.params.CollateralAccount, amount); err != nil {
		return err
	}
	if err := e.lender.AddCollateral(record, amount); err != nil {
		_ = e.ledger.Transfer(e.params.CollateralAsset, e.params.CollateralAccount, payer, amount)
		return err
	}
	return nil
}

// Borrow increases the record's debt and transfers the borrowed amount to
// the recipient. The solvency invariant is re-validated against the
// post-borrow debt using one fresh price read, reused for the whole
// operation. The payout moves first so the protocol mutation commits last.
func (e *Engine) Borrow(position uint64, amount *big.Int, to string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guard(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	record, err := e.activeRecord(position)
	if err != nil {
		return err
	}
	price, err := e.freshPrice()
	if err != nil {
		return err
	}
	snapshot, err := e.lender.GetRecord(record)
	if err != nil {
		return err
	}
	fee, err := e.lender.PredictBorrowFee(record, amount)
	if err != nil {
		return err
	}
	projected := new(big.Int).Add(snapshot.Debt, amount)
	projected.Add(projected, fee)
	if !e.meetsMinimumRatio(snapshot.Collateral, projected, price) {
		return ErrBelowMinimumRatio
	}
	if err := e.ledger.Transfer(e.params.DebtAsset, e.params.ModuleAccount, to, amount); err != nil {
		return err
	}
	if err := e.lender.Borrow(record, amount, fee); err != nil {
		_ = e.ledger.Transfer(e.params.DebtAsset, to, e.params.ModuleAccount, amount)
		return err
	}
	return nil
}

// Repay forwards min(amount, outstanding debt) from the payer to the
// protocol. Over-repayment is silently capped rather than rejected: pulling
// more than owed has no valid outcome. The amount actually repaid is
// returned.
func (e *Engine) Repay(position uint64, amount *big.Int, payer string) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guard(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	record, err := e.activeRecord(position)
	if err != nil {
		return nil, err
	}
	snapshot, err := e.lender.GetRecord(record)
	if err != nil {
		return nil, err
	}
	actual := new(big.Int).Set(amount)
	if actual.Cmp(snapshot.Debt) > 0 {
		actual.Set(snapshot.Debt)
	}
	if actual.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if err := e.ledger.Transfer(e.params.DebtAsset, payer, e.params.ModuleAccount, actual); err != nil {
		return nil, err
	}
	if err := e.lender.Repay(record, actual); err != nil {
		_ = e.ledger.Transfer(e.params.DebtAsset, e.params.ModuleAccount, payer, actual)
		return nil, err
	}
	return actual, nil
}

// Withdraw releases collateral to the recipient. As a balance-reducing
// action it re-validates solvency identically to Borrow.
func (e *Engine) Withdraw(position uint64, amount *big.Int, to string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guard(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	record, err := e.activeRecord(position)
	if err != nil {
		return err
	}
	price, err := e.freshPrice()
	if err != nil {
		return err
	}
	snapshot, err := e.lender.GetRecord(record)
	if err != nil {
		return err
	}
	if snapshot.Collateral.Cmp(amount) < 0 {
		return errInvalidAmount
	}
	remaining := new(big.Int).Sub(snapshot.Collateral, amount)
	if !e.meetsMinimumRatio(remaining, snapshot.Debt, price) {
		return ErrBelowMinimumRatio
	}
	if err := e.ledger.Transfer(e.params.CollateralAsset, e.params.CollateralAccount, to, amount); err != nil {
		return err
	}
	if err := e.lender.WithdrawCollateral(record, amount); err != nil {
		_ = e.ledger.Transfer(e.params.CollateralAsset, to, e.params.CollateralAccount, amount)
		return err
	}
	return nil
}

// SetPositionInterestRate pins an explicit rate for the position's future
// record. The preference expires after the configured TTL and is only
// accepted while no record exists.
func (e *Engine) SetPositionInterestRate(position uint64, rateBps *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkManualRate(rateBps); err != nil {
		return err
	}
	if _, ok := e.recordFor(position); ok {
		return ErrAlreadyOpen
	}
	e.preferences[position] = ratePreference{rateBps: new(big.Int).Set(rateBps), setAt: e.now()}
	return nil
}

// SetRateAndLend pins an explicit rate and performs the first lend in one
// call, for front ends that choose their own rate.
func (e *Engine) SetRateAndLend(position uint64, rateBps, amount *big.Int, payer string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guard(); err != nil {
		return err
	}
	if err := e.checkManualRate(rateBps); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	if _, ok := e.recordFor(position); ok {
		return ErrAlreadyOpen
	}
	_, err := e.openRecord(position, amount, payer, rateBps)
	return err
}

// openRecord opens the position's borrowing record: chooses the interest
// rate, borrows the protocol's minimum debt floor (records may not open with
// zero debt), computes insertion hints, and registers the handle. The
// registry-assigned key must equal the position's derived key; a mismatch is
// a fatal consistency failure, not a recoverable condition, and is checked
// before anything commits. Ledger movements run before the protocol open and
// are unwound when a later step fails.
func (e *Engine) openRecord(position uint64, collateral *big.Int, payer string, explicitRate *big.Int) (uint64, error) {
	rate, err := e.chooseRate(position, explicitRate)
	if err != nil {
		return 0, err
	}
	debt := e.lender.MinDebt()
	if debt == nil || debt.Sign() <= 0 {
		debt = big.NewInt(1)
	}
	fee, err := e.lender.PredictOpenFee(debt, rate)
	if err != nil {
		return 0, err
	}
	hints, err := e.lender.FindInsertHints(rate, position)
	if err != nil {
		return 0, err
	}
	derived := e.deriveKey(position)
	if derived != e.registry.HighestKey()+1 {
		return 0, ErrKeyMismatch
	}
	if err := e.ledger.Transfer(e.params.CollateralAsset, payer, e.params.CollateralAccount, collateral); err != nil {
		return 0, err
	}
	if err := e.ledger.Transfer(e.params.DebtAsset, e.params.ModuleAccount, e.params.TreasuryAccount, debt); err != nil {
		_ = e.ledger.Transfer(e.params.CollateralAsset, e.params.CollateralAccount, payer, collateral)
		return 0, err
	}
	record, err := e.lender.OpenRecord(protocol.OpenParams{
		Collateral:    collateral,
		Debt:          debt,
		RateBps:       rate,
		MaxUpfrontFee: fee,
		Hints:         hints,
	})
	if err != nil {
		e.unwindOpen(payer, collateral, debt)
		return 0, err
	}
	assigned, err := e.registry.Assign(e.operator, record)
	if err != nil {
		e.unwindOpen(payer, collateral, debt)
		return 0, err
	}
	if assigned != derived {
		e.unwindOpen(payer, collateral, debt)
		return 0, ErrKeyMismatch
	}
	e.bindKey(position, derived)
	delete(e.preferences, position)
	return record, nil
}

// unwindOpen returns the ledger movements of a failed open. Best effort: the
// unwind itself moves funds the operation just placed.
func (e *Engine) unwindOpen(payer string, collateral, debt *big.Int) {
	_ = e.ledger.Transfer(e.params.DebtAsset, e.params.TreasuryAccount, e.params.ModuleAccount, debt)
	_ = e.ledger.Transfer(e.params.CollateralAsset, e.params.CollateralAccount, payer, collateral)
}

// chooseRate resolves the interest rate for a new record: the explicit rate
// when given, an unexpired preference next, the optimal rate otherwise.
func (e *Engine) chooseRate(position uint64, explicitRate *big.Int) (*big.Int, error) {
	if explicitRate != nil {
		return new(big.Int).Set(explicitRate), nil
	}
	if pref, ok := e.preferences[position]; ok {
		if e.now().Sub(pref.setAt) < e.params.PreferenceTTL {
			return new(big.Int).Set(pref.rateBps), nil
		}
		delete(e.preferences, position)
	}
	if e.rates == nil {
		return nil, errors.New("lending adapter: rate feed not configured")
	}
	return e.rates.OptimalRate(e.params.CollateralClass, e.lender)
}

func (e *Engine) checkManualRate(rateBps *big.Int) error {
	if rateBps == nil || rateBps.Sign() <= 0 {
		return ErrRateOutOfBounds
	}
	if !rateBps.IsUint64() {
		return ErrRateOutOfBounds
	}
	rate := rateBps.Uint64()
	if rate < e.params.MinRateBps {
		return ErrRateOutOfBounds
	}
	if e.params.MaxRateBps != 0 && rate > e.params.MaxRateBps {
		return ErrRateOutOfBounds
	}
	return nil
}

// guard surfaces the protocol-wide shutdown flag.
func (e *Engine) guard() error {
	down, err := e.lender.IsShutdown()
	if err != nil {
		return err
	}
	if down {
		return ErrShutdown
	}
	return nil
}

// freshPrice takes the single fresh price read an operation is allowed. The
// fallback chain is deliberately not consulted here.
func (e *Engine) freshPrice() (*big.Int, error) {
	if e.price == nil {
		return nil, ErrStalePrice
	}
	price, err := e.price.Fresh()
	if err != nil {
		if errors.Is(err, feeds.ErrStale) {
			return nil, ErrStalePrice
		}
		return nil, err
	}
	return price, nil
}

// meetsMinimumRatio checks collateral*price/debt >= minimum without division:
// collateral*price*10000 >= minBps*debt*wad. Equality passes.
func (e *Engine) meetsMinimumRatio(collateral, debt, price *big.Int) bool {
	if debt == nil || debt.Sign() == 0 {
		return true
	}
	if collateral == nil || collateral.Sign() == 0 || price == nil || price.Sign() == 0 {
		return false
	}
	lhs := new(big.Int).Mul(collateral, price)
	lhs.Mul(lhs, basisPoints)
	rhs := new(big.Int).Mul(new(big.Int).SetUint64(e.params.MinCollateralRatioBps), debt)
	rhs.Mul(rhs, wad)
	return lhs.Cmp(rhs) >= 0
}

// recordFor resolves the position's record handle best-effort. Lookup
// failures collapse to "absent": a position without a record is a normal
// state on the open path, not an error.
func (e *Engine) recordFor(position uint64) (uint64, bool) {
	key, ok := e.positionKeys[position]
	if !ok {
		return 0, false
	}
	record, err := e.registry.ResolveRecord(key)
	if err != nil {
		return 0, false
	}
	return record, true
}

// activeRecord resolves the record and requires it to be mapped and active.
func (e *Engine) activeRecord(position uint64) (uint64, error) {
	record, ok := e.recordFor(position)
	if !ok {
		return 0, ErrNoRecord
	}
	if err := e.requireActive(record); err != nil {
		return 0, err
	}
	return record, nil
}

func (e *Engine) requireActive(record uint64) error {
	status, err := e.lender.RecordStatus(record)
	if err != nil {
		return err
	}
	if status != protocol.StatusActive {
		return ErrRecordInactive
	}
	return nil
}

// deriveKey allocates the position's derived key: the next slot in the
// adapter's own sequential order, which mirrors the registry allocator.
func (e *Engine) deriveKey(position uint64) uint64 {
	if key, ok := e.positionKeys[position]; ok {
		return key
	}
	return e.nextKey + 1
}

func (e *Engine) bindKey(position, key uint64) {
	e.positionKeys[position] = key
	e.keyPositions[key] = position
	if key > e.nextKey {
		e.nextKey = key
	}
	e.persistKey(position, key)
}

var positionPrefix = []byte("adapter/position/")

func positionDBKey(position uint64) []byte {
	buf := make([]byte, len(positionPrefix)+8)
	copy(buf, positionPrefix)
	binary.BigEndian.PutUint64(buf[len(positionPrefix):], position)
	return buf
}

func (e *Engine) persistKey(position, key uint64) {
	if e.db == nil {
		return
	}
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, key)
	_ = e.db.Put(positionDBKey(position), value)
}

func (e *Engine) restoreKeys() error {
	if e.db == nil {
		return nil
	}
	return e.db.IteratePrefix(positionPrefix, func(rawKey, rawValue []byte) bool {
		if len(rawKey) != len(positionPrefix)+8 || len(rawValue) != 8 {
			return true
		}
		position := binary.BigEndian.Uint64(rawKey[len(positionPrefix):])
		key := binary.BigEndian.Uint64(rawValue)
		e.positionKeys[position] = key
		e.keyPositions[key] = position
		if key > e.nextKey {
			e.nextKey = key
		}
		return true
	})
}
