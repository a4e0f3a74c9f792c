package adapter

import (
	"errors"
	"math/big"
	"strings"
	"time"
)

var (
	errNoCollateralAsset = errors.New("lending adapter: collateral asset not configured")
	errNoDebtAsset       = errors.New("lending adapter: debt asset not configured")
	errNoModuleAccount   = errors.New("lending adapter: module account not configured")
	errNoVaultAccount    = errors.New("lending adapter: collateral vault account not configured")
	errNoTreasury        = errors.New("lending adapter: treasury account not configured")
	errRatioTooLow       = errors.New("lending adapter: minimum collateral ratio must exceed 100%")
	errRateBounds        = errors.New("lending adapter: manual rate bounds are inverted")
)

// Params groups the platform-controlled limits the adapter enforces. Ratios
// and rates are expressed in basis points, matching the external protocol.
type Params struct {
	// CollateralAsset and DebtAsset pin the asset pair this adapter
	// instance manages. Initialise rejects anything else.
	CollateralAsset string
	DebtAsset       string
	// CollateralClass selects the rate feed class for this collateral.
	CollateralClass int
	// MinCollateralRatioBps is the solvency floor checked before every
	// balance-reducing action.
	MinCollateralRatioBps uint64
	// MinRateBps and MaxRateBps bound caller-supplied interest rates.
	MinRateBps uint64
	MaxRateBps uint64
	// PreferenceTTL is how long a pinned rate preference stays usable
	// before the open path falls back to the optimal rate.
	PreferenceTTL time.Duration
	// ModuleAccount custodies debt-asset liquidity moved on borrow/repay.
	ModuleAccount string
	// CollateralAccount custodies pledged collateral.
	CollateralAccount string
	// TreasuryAccount receives the protocol-mandated opening debt floor.
	TreasuryAccount string
}

// Validate checks the parameter set and applies the preference TTL default.
func (p *Params) Validate() error {
	if strings.TrimSpace(p.CollateralAsset) == "" {
		return errNoCollateralAsset
	}
	if strings.TrimSpace(p.DebtAsset) == "" {
		return errNoDebtAsset
	}
	if strings.TrimSpace(p.ModuleAccount) == "" {
		return errNoModuleAccount
	}
	if strings.TrimSpace(p.CollateralAccount) == "" {
		return errNoVaultAccount
	}
	if strings.TrimSpace(p.TreasuryAccount) == "" {
		return errNoTreasury
	}
	if p.MinCollateralRatioBps <= 10_000 {
		return errRatioTooLow
	}
	if p.MaxRateBps != 0 && p.MinRateBps > p.MaxRateBps {
		return errRateBounds
	}
	if p.PreferenceTTL <= 0 {
		p.PreferenceTTL = 10 * time.Minute
	}
	return nil
}

// ratePreference is a pinned interest rate awaiting record creation.
type ratePreference struct {
	rateBps *big.Int
	setAt   time.Time
}
