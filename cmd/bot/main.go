// Command bot runs the Opinion.trade liquidity farming loop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/opinion_farmer/internal/config"
	"github.com/eddiefleurent/opinion_farmer/internal/dashboard"
	"github.com/eddiefleurent/opinion_farmer/internal/storage"
)

const liveStartDelay = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  string
		maxCycles   int
		resetState  bool
		showHistory bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.IntVar(&maxCycles, "max-cycles", -1, "Stop after this many loop iterations (overrides bot.max_cycles, 0 = unbounded)")
	flag.BoolVar(&resetState, "reset-state", false, "Reset the persisted state (statistics are kept) before starting")
	flag.BoolVar(&showHistory, "show-history", false, "Print the transaction history and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if maxCycles >= 0 {
		cfg.Bot.MaxCycles = maxCycles
	}

	logger, closeLog, err := newLogger(cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		return 1
	}
	defer closeLog()

	ledger, err := storage.NewLedger(cfg.Storage.LedgerBackend, cfg.Storage.LedgerPath)
	if err != nil {
		logger.Errorf("Failed to open transaction history: %v", err)
		return 1
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			logger.Warnf("Closing transaction history: %v", err)
		}
	}()

	if showHistory {
		if err := printHistory(os.Stdout, ledger); err != nil {
			logger.Errorf("Failed to print history: %v", err)
			return 1
		}
		return 0
	}

	store := storage.NewJSONStateStore(cfg.Storage.StateFile, logger)
	if resetState {
		if err := store.Reset(true); err != nil {
			logger.Errorf("Failed to reset state: %v", err)
			return 1
		}
	}
	state, err := store.Load()
	if err != nil {
		logger.Errorf("Failed to load state: %v", err)
		return 1
	}

	logger.Infof("Starting Opinion farming bot in %s mode", cfg.Environment.Mode)
	if cfg.IsPaperTrading() {
		logger.Info("PAPER TRADING MODE - no real money at risk")
	}

	gateway, err := newGateway(cfg, logger)
	if err != nil {
		logger.Errorf("Failed to initialize exchange: %v", err)
		return 1
	}

	bot, err := buildBot(cfg, components{
		gateway:  gateway,
		store:    store,
		ledger:   ledger,
		notifier: newNotifier(cfg, logger),
	}, state, logger)
	if err != nil {
		logger.Errorf("Failed to initialize bot: %v", err)
		return 1
	}

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			logger.Info("Shutdown signal received, finishing current step...")
			cancel()
		case <-ctx.Done():
		}
	}()

	if cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(dashboard.Config{
			Addr:      cfg.Dashboard.Addr,
			AuthToken: cfg.Dashboard.AuthToken,
		}, store, ledger, gateway, logger)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Errorf("Dashboard server stopped: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warnf("Dashboard shutdown: %v", err)
			}
		}()
	}

	if err := bot.Run(ctx); err != nil {
		if errors.Is(err, errCapitalExhausted) {
			logger.Warnf("Bot stopped: %v. Add funds to the wallet before restarting", err)
			return 0
		}
		logger.Errorf("Bot error: %v", err)
		return 1
	}

	logger.Info("Bot stopped successfully")
	return 0
}

// newLogger configures logrus from the environment section. The returned
// func closes the log file, if any.
func newLogger(env config.EnvironmentConfig) (*logrus.Logger, func(), error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(env.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger.SetLevel(level)

	if env.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	closeFn := func() {}
	logger.SetOutput(os.Stdout)
	if env.LogFile != "" {
		f, err := os.OpenFile(env.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) // #nosec G304 -- operator-configured path
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, f))
		closeFn = func() { _ = f.Close() }
	}
	return logger, closeFn, nil
}
