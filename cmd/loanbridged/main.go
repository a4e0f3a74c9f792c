package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"loanbridge/adapter"
	"loanbridge/config"
	"loanbridge/feeds"
	"loanbridge/observability/logging"
	"loanbridge/observability/metrics"
	"loanbridge/protocol"
	"loanbridge/registry"
	"loanbridge/rpc"
	"loanbridge/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("LOANBRIDGE_ENV"))
	logger := logging.Setup("loanbridged", env)

	if err := run(*configFile, logger); err != nil {
		logger.Error("loanbridged exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configFile string, logger *slog.Logger) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "loanbridge"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	lender, ledger, err := buildProtocol(cfg, logger)
	if err != nil {
		return fmt.Errorf("construct protocol connection: %w", err)
	}

	price := feeds.NewPriceFeed(cfg.Adapter.CollateralAsset, cfg.PriceStaleness(), db)
	rates := feeds.NewRateFeed(cfg.Feeds.CollateralClasses, cfg.RateStaleness(), cfg.Feeds.SafetyBufferBps, cfg.Feeds.DeviationDeltaBps, db)
	price.SetObserver(metrics.Lending())
	rates.SetObserver(metrics.Lending())

	reg, admin, err := registry.New(lender, db)
	if err != nil {
		return fmt.Errorf("construct position registry: %w", err)
	}
	metrics.Lending().SetOpenRecords(reg.Count())

	engine, err := adapter.NewEngine(lender, ledger, reg, admin.IssueOperator(), price, rates, cfg.AdapterParams(), db)
	if err != nil {
		return fmt.Errorf("construct lending adapter: %w", err)
	}

	logger.Info("loanbridge daemon ready",
		slog.String("collateral", cfg.Adapter.CollateralAsset),
		slog.String("debt", cfg.Adapter.DebtAsset),
		slog.Bool("sim", cfg.SimProtocol),
		slog.Int("mappedRecords", reg.Count()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := rpc.NewServer(engine, price, rates, reg, lender, logger)
	return server.Start(ctx, cfg.ListenAddress)
}

// buildProtocol selects the protocol backend. Only the simulated backend is
// wired in-process; a live deployment points the daemon at the platform's
// protocol bridge instead.
func buildProtocol(cfg *config.Config, logger *slog.Logger) (protocol.Lender, protocol.Ledger, error) {
	if !cfg.SimProtocol {
		logger.Warn("no live protocol bridge configured, falling back to simulation")
	}
	minDebt, ok := new(big.Int).SetString(strings.TrimSpace(cfg.Sim.MinDebtWei), 10)
	if !ok || minDebt.Sign() < 0 {
		minDebt = big.NewInt(0)
	}
	lender := protocol.NewSimLender(minDebt, cfg.Sim.OpenFeeBps)
	ledger := protocol.NewMemLedger()

	// Seed the module liquidity account so borrows can pay out in dev runs.
	seed, _ := new(big.Int).SetString("1000000000000000000000000000", 10)
	ledger.Credit(cfg.Adapter.DebtAsset, cfg.Adapter.ModuleAccount, seed)
	return lender, ledger, nil
}
