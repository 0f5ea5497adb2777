package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"creditd/config"
	"creditd/ledger"
	"creditd/observability/logging"
	"creditd/observability/otel"
	"creditd/rpc"
	"creditd/storage"
)

func main() {
	configFile := flag.String("config", "./creditd.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("CREDITD_ENV"))
	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.Setup("creditd", env, cfg.LogLevel)

	db, err := openDatabase(cfg)
	if err != nil {
		logger.Error("Failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	oracle := ledger.NewManualOracle()
	engine := ledger.NewEngine(ledger.NewStore(db), oracle)
	engine.SetMaxQuoteAge(cfg.OracleMaxAgeSeconds)
	engine.SetCloseFactor(cfg.CloseFactorBps)
	engine.SetPauses(ledger.ActionPauses{
		Supply:    cfg.Pauses.Supply,
		Withdraw:  cfg.Pauses.Withdraw,
		Borrow:    cfg.Pauses.Borrow,
		Repay:     cfg.Pauses.Repay,
		Liquidate: cfg.Pauses.Liquidate,
	})
	minSupply, err := parseMinimum(cfg.MinSupplyAmount)
	if err != nil {
		logger.Error("Invalid MinSupplyAmount", slog.Any("error", err))
		os.Exit(1)
	}
	minBorrow, err := parseMinimum(cfg.MinBorrowAmount)
	if err != nil {
		logger.Error("Invalid MinBorrowAmount", slog.Any("error", err))
		os.Exit(1)
	}
	engine.SetMinimumAmounts(minSupply, minBorrow)

	if err := bootstrapMarkets(engine, cfg, logger); err != nil {
		logger.Error("Failed to bootstrap markets", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.Telemetry.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "creditd",
			Environment: env,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
		})
		cancel()
		if err != nil {
			logger.Error("Failed to initialise telemetry", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		}()
	}

	server := rpc.NewServer(engine, oracle, logger)
	server.SetRateLimit(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageBackend)) {
	case "memory":
		return storage.NewMemDB(), nil
	case "leveldb":
		return storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	case "bolt":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		return storage.NewBoltDB(filepath.Join(cfg.DataDir, "ledger.db"))
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}

func parseMinimum(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return v, nil
}

// bootstrapMarkets creates the configured markets, skipping any that already
// exist from a previous run.
func bootstrapMarkets(engine *ledger.Engine, cfg *config.Config, logger *slog.Logger) error {
	now := uint64(time.Now().Unix())
	for _, market := range cfg.Markets {
		_, err := engine.CreateMarket(ledger.MarketParams{
			ID:                      market.ID,
			LTVBps:                  market.LTVBps,
			LiquidationThresholdBps: market.LiquidationThresholdBps,
			LiquidationBonusBps:     market.LiquidationBonusBps,
			ProtocolFeeBps:          market.ProtocolFeeBps,
			Rates:                   ledger.NewRateModelAPR(market.BaseAPR, market.Slope1APR, market.Slope2APR, market.OptimalUtilizationBps),
		}, now)
		if errors.Is(err, ledger.ErrMarketExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("create market %s: %w", market.ID, err)
		}
		logger.Info("market created", slog.String("market", market.ID))
	}
	return nil
}
