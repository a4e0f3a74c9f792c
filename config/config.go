package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"loanbridge/adapter"
)

// Config captures the runtime configuration for the loanbridge daemon.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	Environment   string `toml:"Environment"`
	// SimProtocol runs against the in-memory simulated protocol instead of
	// a live connection. Intended for local development.
	SimProtocol bool `toml:"SimProtocol"`

	Adapter AdapterConfig `toml:"adapter"`
	Feeds   FeedsConfig   `toml:"feeds"`
	Sim     SimConfig     `toml:"sim"`
}

// AdapterConfig mirrors adapter.Params in toml form.
type AdapterConfig struct {
	CollateralAsset       string `toml:"CollateralAsset"`
	DebtAsset             string `toml:"DebtAsset"`
	CollateralClass       int    `toml:"CollateralClass"`
	MinCollateralRatioBps uint64 `toml:"MinCollateralRatioBps"`
	MinRateBps            uint64 `toml:"MinRateBps"`
	MaxRateBps            uint64 `toml:"MaxRateBps"`
	PreferenceTTLSeconds  int64  `toml:"PreferenceTTLSeconds"`
	ModuleAccount         string `toml:"ModuleAccount"`
	CollateralAccount     string `toml:"CollateralAccount"`
	TreasuryAccount       string `toml:"TreasuryAccount"`
}

// FeedsConfig shapes the price and rate staleness caches.
type FeedsConfig struct {
	PriceStalenessSeconds int64  `toml:"PriceStalenessSeconds"`
	RateStalenessSeconds  int64  `toml:"RateStalenessSeconds"`
	SafetyBufferBps       uint64 `toml:"SafetyBufferBps"`
	DeviationDeltaBps     uint64 `toml:"DeviationDeltaBps"`
	CollateralClasses     int    `toml:"CollateralClasses"`
}

// SimConfig seeds the simulated protocol when SimProtocol is set.
type SimConfig struct {
	MinDebtWei string `toml:"MinDebtWei"`
	OpenFeeBps uint64 `toml:"OpenFeeBps"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8545"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./loanbridge-data"
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "dev"
	}
	if c.Feeds.PriceStalenessSeconds <= 0 {
		c.Feeds.PriceStalenessSeconds = 300
	}
	if c.Feeds.RateStalenessSeconds <= 0 {
		c.Feeds.RateStalenessSeconds = 900
	}
	if c.Feeds.CollateralClasses <= 0 {
		c.Feeds.CollateralClasses = 1
	}
	if c.Adapter.PreferenceTTLSeconds <= 0 {
		c.Adapter.PreferenceTTLSeconds = 600
	}
}

// Validate rejects configurations the adapter would refuse at construction,
// so misconfiguration surfaces at boot rather than on the first operation.
func (c *Config) Validate() error {
	params := c.AdapterParams()
	if err := params.Validate(); err != nil {
		return err
	}
	if c.Adapter.CollateralClass < 0 || c.Adapter.CollateralClass >= c.Feeds.CollateralClasses {
		return fmt.Errorf("config: collateral class %d outside [0,%d)", c.Adapter.CollateralClass, c.Feeds.CollateralClasses)
	}
	return nil
}

// AdapterParams converts the toml shape into adapter parameters.
func (c *Config) AdapterParams() adapter.Params {
	return adapter.Params{
		CollateralAsset:       c.Adapter.CollateralAsset,
		DebtAsset:             c.Adapter.DebtAsset,
		CollateralClass:       c.Adapter.CollateralClass,
		MinCollateralRatioBps: c.Adapter.MinCollateralRatioBps,
		MinRateBps:            c.Adapter.MinRateBps,
		MaxRateBps:            c.Adapter.MaxRateBps,
		PreferenceTTL:         time.Duration(c.Adapter.PreferenceTTLSeconds) * time.Second,
		ModuleAccount:         c.Adapter.ModuleAccount,
		CollateralAccount:     c.Adapter.CollateralAccount,
		TreasuryAccount:       c.Adapter.TreasuryAccount,
	}
}

// PriceStaleness returns the price feed threshold as a duration.
func (c *Config) PriceStaleness() time.Duration {
	return time.Duration(c.Feeds.PriceStalenessSeconds) * time.Second
}

// RateStaleness returns the rate feed threshold as a duration.
func (c *Config) RateStaleness() time.Duration {
	return time.Duration(c.Feeds.RateStalenessSeconds) * time.Second
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: ":8545",
		DataDir:       "./loanbridge-data",
		Environment:   "dev",
		SimProtocol:   true,
		Adapter: AdapterConfig{
			CollateralAsset:       "WSTETH",
			DebtAsset:             "USDL",
			CollateralClass:       0,
			MinCollateralRatioBps: 11_000,
			MinRateBps:            50,
			MaxRateBps:            25_000,
			PreferenceTTLSeconds:  600,
			ModuleAccount:         "lending-module",
			CollateralAccount:     "collateral-vault",
			TreasuryAccount:       "treasury",
		},
		Feeds: FeedsConfig{
			PriceStalenessSeconds: 300,
			RateStalenessSeconds:  900,
			SafetyBufferBps:       25,
			DeviationDeltaBps:     100,
			CollateralClasses:     4,
		},
		Sim: SimConfig{
			MinDebtWei: "2000000000000000000000",
			OpenFeeBps: 50,
		},
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
