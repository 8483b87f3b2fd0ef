package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hybrid_trader/internal/alert"
	"hybrid_trader/internal/config"
	"hybrid_trader/internal/core"
	"hybrid_trader/internal/exchange"
	"hybrid_trader/internal/executor"
	"hybrid_trader/internal/orchestrator"
	"hybrid_trader/internal/regime"
	"hybrid_trader/internal/risk"
	"hybrid_trader/internal/scheduler"
	"hybrid_trader/internal/statestore"
	"hybrid_trader/pkg/logging"
	"hybrid_trader/pkg/telemetry"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/trader.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("trader version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// .env is optional; env vars referenced by the config file come from it.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{Level: cfg.App.LogLevel, Dir: cfg.App.LogDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info("Starting trader",
		"version", version,
		"cohort", cfg.App.Cohort,
		"symbols", len(cfg.Trading.Symbols),
		"paper", cfg.Exchange.Paper,
		"testnet", cfg.Exchange.Testnet,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Trader exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Trader stopped")
}

func run(cfg *config.Config, logger core.ILogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := core.NewSystemClock()

	// Telemetry is optional; the orchestrator tolerates nil metrics.
	var metrics *telemetry.Metrics
	var metricsServer *telemetry.Server
	if cfg.Telemetry.EnableMetrics {
		tel, err := telemetry.Setup("hybrid_trader")
		if err != nil {
			logger.Warn("Telemetry setup failed, continuing without metrics", "error", err)
		} else {
			metrics = tel.Metrics
			metricsServer = telemetry.NewServer(cfg.Telemetry.MetricsPort, logger)
			metricsServer.Start()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := metricsServer.Stop(shutdownCtx); err != nil {
					logger.Warn("Metrics server shutdown failed", "error", err)
				}
				if err := tel.Shutdown(shutdownCtx); err != nil {
					logger.Warn("Telemetry shutdown failed", "error", err)
				}
			}()
		}
	}

	fileStore, err := statestore.NewFileStore(cfg.App.StateDir)
	if err != nil {
		return fmt.Errorf("open state dir: %w", err)
	}
	db, err := statestore.NewSQLiteStore(cfg.App.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("Database close failed", "error", err)
		}
	}()

	notifier, alerts := buildNotifier(cfg, logger)
	if alerts != nil {
		defer alerts.Stop()
	}

	stops := risk.NewStopLossRegistry(db, clock,
		decimal.NewFromFloat(cfg.Risk.MaxDailyDrawdownPct), logger)
	if err := stops.LoadActive(ctx); err != nil {
		return fmt.Errorf("restore stops: %w", err)
	}

	sizer := risk.NewCVaRSizer(30, 0.95, decimal.NewFromFloat(cfg.Risk.MaxPositionPct), logger)
	constraints := risk.NewCashReserveConstraints(decimal.NewFromFloat(cfg.Risk.CashReservePct))
	guard := risk.NewGuard(stops, sizer, constraints, logger)

	ex := buildExchange(cfg, clock, logger)
	if err := ex.CheckHealth(ctx); err != nil {
		logger.Warn("Exchange health check failed (will continue)", "error", err)
	} else {
		logger.Info("Exchange health check passed", "exchange", ex.GetName())
	}

	modes := regime.NewModeManager(core.ModeGrid, regime.Thresholds{
		MinProbability:    cfg.Modes.MinRegimeProbability,
		MinDurationDays:   cfg.Modes.MinRegimeDurationDays,
		Cooldown:          time.Duration(cfg.Modes.CooldownHours) * time.Hour,
		EmergencyBearProb: cfg.Modes.EmergencyBearProbability,
		MaxTransitions48H: cfg.Modes.MaxTransitions48H,
		FlapLockExpiry:    time.Duration(cfg.Modes.FlapLockDays) * 24 * time.Hour,
	}, clock, logger)

	orch := orchestrator.New(cfg, orchestrator.Deps{
		Exchange: ex,
		Guard:    guard,
		Stops:    stops,
		Seller:   executor.NewStopSeller(ex, notifier, logger),
		Modes:    modes,
		Regimes:  db,
		Store:    fileStore,
		Journal:  db,
		Notifier: notifier,
		Clock:    clock,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err := orch.LoadState(ctx); err != nil {
		return fmt.Errorf("restore orchestrator state: %w", err)
	}

	sched := scheduler.New(cfg.Scheduler, scheduler.Deps{
		Orchestrator: orch,
		Drawdown:     stops,
		Snapshots:    db,
		Store:        fileStore,
		Exchange:     ex,
		Notifier:     notifier,
		Clock:        clock,
		Logger:       logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Start(gctx)
	})

	logger.Info("Trader is running", "tick_seconds", cfg.Scheduler.TickSeconds)
	err = g.Wait()

	// The scheduler has drained; persist everything before exit.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	orch.Shutdown(shutdownCtx, "process terminating")
	return err
}

// buildNotifier wires Telegram when credentials exist, a no-op otherwise.
// The returned manager is nil in the no-op case.
func buildNotifier(cfg *config.Config, logger core.ILogger) (core.INotifier, *alert.AlertManager) {
	if cfg.Notifier.TelegramToken == "" || cfg.Notifier.TelegramChatID == "" {
		logger.Info("No notifier credentials, alerts disabled")
		return alert.NopNotifier{}, nil
	}
	manager := alert.NewAlertManager(logger)
	manager.AddChannel(alert.NewTelegramChannel(cfg.Notifier.TelegramToken, cfg.Notifier.TelegramChatID))
	return alert.NewNotifier(manager), manager
}

// buildExchange selects live trading or the paper simulator. Paper mode still
// reads real mainnet prices through the Binance public endpoints.
func buildExchange(cfg *config.Config, clock core.IClock, logger core.ILogger) core.IExchange {
	live := exchange.NewBinanceSpot(cfg.Exchange.APIKey, cfg.Exchange.SecretKey, cfg.Exchange.Testnet, logger)
	if !cfg.Exchange.Paper {
		return live
	}

	paper := exchange.NewPaperExchange(live, clock, logger)
	var total float64
	for _, sc := range cfg.Trading.Symbols {
		total += sc.AllocationUSD
	}
	reserve := cfg.Risk.CashReservePct
	if reserve >= 1 {
		reserve = 0
	}
	paper.Deposit(cfg.Trading.QuoteAsset, decimal.NewFromFloat(total/(1-reserve)))
	logger.Info("Paper trading enabled", "deposit", fmt.Sprintf("%.2f %s", total/(1-reserve), cfg.Trading.QuoteAsset))
	return paper
}
