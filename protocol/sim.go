package protocol

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
)

var (
	errSimShutdown     = errors.New("sim lender: protocol is shut down")
	errSimNoRecord     = errors.New("sim lender: record does not exist")
	errSimNotActive    = errors.New("sim lender: record is not active")
	errSimAmount       = errors.New("sim lender: amount must be positive")
	errSimFeeCap       = errors.New("sim lender: upfront fee exceeds cap")
	errSimBelowMinDebt = errors.New("sim lender: debt below protocol minimum")
	errSimCollateral   = errors.New("sim lender: insufficient collateral")
	errSimDebt         = errors.New("sim lender: repay exceeds outstanding debt")
)

var simBasisPoints = big.NewInt(10_000)

// SimLender is an in-memory Lender used for local runs and tests. It keeps
// records sorted by interest rate, charges a flat upfront fee in basis points
// on debt creation and maintains the aggregate counters the rate feed's
// system-average fallback reads.
type SimLender struct {
	mu         sync.RWMutex
	records    map[uint64]*Record
	sorted     []uint64 // record handles ordered by ascending rate
	nextHandle uint64
	minDebt    *big.Int
	feeBps     uint64
	price      *big.Int
	priceOK    bool
	shutdown   bool
}

// NewSimLender constructs a simulated protocol with the given debt floor and
// upfront fee rate. The price starts unset and stale until SetPrice is called.
func NewSimLender(minDebt *big.Int, feeBps uint64) *SimLender {
	floor := big.NewInt(0)
	if minDebt != nil {
		floor = new(big.Int).Set(minDebt)
	}
	return &SimLender{
		records:    make(map[uint64]*Record),
		minDebt:    floor,
		feeBps:     feeBps,
		price:      big.NewInt(0),
		nextHandle: 0,
	}
}

// SetPrice records the protocol-side collateral price and its freshness flag.
func (s *SimLender) SetPrice(price *big.Int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if price != nil {
		s.price = new(big.Int).Set(price)
	}
	s.priceOK = ok
}

// SetShutdown toggles the protocol-wide halt flag.
func (s *SimLender) SetShutdown(down bool) {
	s.mu.Lock()
	s.shutdown = down
	s.mu.Unlock()
}

func (s *SimLender) OpenRecord(params OpenParams) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return 0, errSimShutdown
	}
	if params.Collateral == nil || params.Collateral.Sign() <= 0 {
		return 0, errSimAmount
	}
	if params.Debt == nil || params.Debt.Cmp(s.minDebt) < 0 {
		return 0, errSimBelowMinDebt
	}
	fee := s.fee(params.Debt)
	if params.MaxUpfrontFee != nil && fee.Cmp(params.MaxUpfrontFee) > 0 {
		return 0, errSimFeeCap
	}
	s.nextHandle++
	handle := s.nextHandle
	rate := big.NewInt(0)
	if params.RateBps != nil {
		rate = new(big.Int).Set(params.RateBps)
	}
	s.records[handle] = &Record{
		Collateral: new(big.Int).Set(params.Collateral),
		Debt:       new(big.Int).Add(params.Debt, fee),
		RateBps:    rate,
		Status:     StatusActive,
	}
	s.insertSorted(handle)
	return handle, nil
}

func (s *SimLender) AddCollateral(record uint64, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.active(record)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errSimAmount
	}
	rec.Collateral = new(big.Int).Add(rec.Collateral, amount)
	return nil
}

func (s *SimLender) WithdrawCollateral(record uint64, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.active(record)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errSimAmount
	}
	if rec.Collateral.Cmp(amount) < 0 {
		return errSimCollateral
	}
	rec.Collateral = new(big.Int).Sub(rec.Collateral, amount)
	return nil
}

func (s *SimLender) Borrow(record uint64, amount, maxUpfrontFee *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.active(record)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errSimAmount
	}
	fee := s.fee(amount)
	if maxUpfrontFee != nil && fee.Cmp(maxUpfrontFee) > 0 {
		return errSimFeeCap
	}
	rec.Debt = new(big.Int).Add(rec.Debt, new(big.Int).Add(amount, fee))
	return nil
}

func (s *SimLender) Repay(record uint64, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.active(record)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errSimAmount
	}
	if rec.Debt.Cmp(amount) < 0 {
		return errSimDebt
	}
	rec.Debt = new(big.Int).Sub(rec.Debt, amount)
	return nil
}

func (s *SimLender) RecordStatus(record uint64) (Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[record]
	if !ok {
		return StatusNonexistent, nil
	}
	return rec.Status, nil
}

func (s *SimLender) GetRecord(record uint64) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[record]
	if !ok {
		return Record{}, errSimNoRecord
	}
	return Record{
		Collateral: new(big.Int).Set(rec.Collateral),
		Debt:       new(big.Int).Set(rec.Debt),
		RateBps:    new(big.Int).Set(rec.RateBps),
		Status:     rec.Status,
	}, nil
}

func (s *SimLender) CurrentPrice() (*big.Int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return new(big.Int).Set(s.price), s.priceOK, nil
}

func (s *SimLender) TotalDebt() (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := big.NewInt(0)
	for _, rec := range s.records {
		if rec.Status == StatusActive {
			total.Add(total, rec.Debt)
		}
	}
	return total, nil
}

func (s *SimLender) WeightedDebtSum() (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := big.NewInt(0)
	for _, rec := range s.records {
		if rec.Status == StatusActive {
			sum.Add(sum, new(big.Int).Mul(rec.Debt, rec.RateBps))
		}
	}
	return sum, nil
}

// FindInsertHints walks the sorted handle list and returns the neighbouring
// records for the given rate. The seed is accepted for interface parity but
// unused since the simulation holds the full order in memory.
func (s *SimLender) FindInsertHints(rateBps *big.Int, _ uint64) (Hints, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rateBps == nil || len(s.sorted) == 0 {
		return Hints{}, nil
	}
	idx := sort.Search(len(s.sorted), func(i int) bool {
		return s.records[s.sorted[i]].RateBps.Cmp(rateBps) >= 0
	})
	hints := Hints{}
	if idx > 0 {
		hints.Lower = s.sorted[idx-1]
	}
	if idx < len(s.sorted) {
		hints.Upper = s.sorted[idx]
	}
	return hints, nil
}

func (s *SimLender) PredictOpenFee(debt, _ *big.Int) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fee(debt), nil
}

func (s *SimLender) PredictBorrowFee(record uint64, debtIncrease *big.Int) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.records[record]; !ok {
		return nil, errSimNoRecord
	}
	return s.fee(debtIncrease), nil
}

func (s *SimLender) MinDebt() *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return new(big.Int).Set(s.minDebt)
}

func (s *SimLender) IsShutdown() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shutdown, nil
}

// CloseRecord marks a record closed, releasing it from the sort order. The
// external collaborator drives this path in production; the simulation exposes
// it so lifecycle tests can exercise closed and zombie statuses.
func (s *SimLender) CloseRecord(record uint64, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[record]
	if !ok {
		return errSimNoRecord
	}
	rec.Status = status
	for i, h := range s.sorted {
		if h == record {
			s.sorted = append(s.sorted[:i], s.sorted[i+1:]...)
			break
		}
	}
	return nil
}

func (s *SimLender) active(record uint64) (*Record, error) {
	rec, ok := s.records[record]
	if !ok {
		return nil, errSimNoRecord
	}
	if rec.Status != StatusActive {
		return nil, errSimNotActive
	}
	if s.shutdown {
		return nil, errSimShutdown
	}
	return rec, nil
}

func (s *SimLender) fee(debt *big.Int) *big.Int {
	if debt == nil || debt.Sign() <= 0 || s.feeBps == 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(debt, new(big.Int).SetUint64(s.feeBps))
	return fee.Quo(fee, simBasisPoints)
}

func (s *SimLender) insertSorted(handle uint64) {
	rate := s.records[handle].RateBps
	idx := sort.Search(len(s.sorted), func(i int) bool {
		return s.records[s.sorted[i]].RateBps.Cmp(rate) >= 0
	})
	s.sorted = append(s.sorted, 0)
	copy(s.sorted[idx+1:], s.sorted[idx:])
	s.sorted[idx] = handle
}

// MemLedger is an in-memory Ledger keyed by asset and account. Balances are
// created on first credit; debits below zero fail.
type MemLedger struct {
	mu       sync.Mutex
	balances map[string]map[string]*big.Int
}

// NewMemLedger constructs an empty ledger.
func NewMemLedger() *MemLedger {
	return &MemLedger{balances: make(map[string]map[string]*big.Int)}
}

// Credit seeds an account balance for tests and local runs.
func (l *MemLedger) Credit(asset, account string, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balance(asset, account)
	bal.Add(bal, amount)
}

// Balance reports the current balance for an asset/account pair.
func (l *MemLedger) Balance(asset, account string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance(asset, account))
}

func (l *MemLedger) Transfer(asset, from, to string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errSimAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	src := l.balance(asset, from)
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("ledger: insufficient %s balance for %s", asset, from)
	}
	src.Sub(src, amount)
	dst := l.balance(asset, to)
	dst.Add(dst, amount)
	return nil
}

func (l *MemLedger) balance(asset, account string) *big.Int {
	accounts, ok := l.balances[asset]
	if !ok {
		accounts = make(map[string]*big.Int)
		l.balances[asset] = accounts
	}
	bal, ok := accounts[account]
	if !ok {
		bal = big.NewInt(0)
		accounts[account] = bal
	}
	return bal
}
