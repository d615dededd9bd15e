// integration runs read-only end-to-end checks against the configured
// exchange: connectivity, market data, market selection, pricing, sizing and
// state persistence. No order is ever placed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/opinion_farmer/internal/capital"
	"github.com/eddiefleurent/opinion_farmer/internal/config"
	"github.com/eddiefleurent/opinion_farmer/internal/exchange"
	"github.com/eddiefleurent/opinion_farmer/internal/mock"
	"github.com/eddiefleurent/opinion_farmer/internal/models"
	"github.com/eddiefleurent/opinion_farmer/internal/scanner"
	"github.com/eddiefleurent/opinion_farmer/internal/storage"
	"github.com/eddiefleurent/opinion_farmer/internal/strategy"
)

const checkTimeout = 2 * time.Minute

// suite holds what the checks share. Earlier checks fill in data later ones use.
type suite struct {
	gateway  exchange.Gateway
	scanner  *scanner.Scanner
	capital  *capital.Manager
	pricing  *strategy.Pricing
	stateDir string
	logger   *log.Logger

	best *scanner.Candidate
}

type check struct {
	name string
	run  func(ctx context.Context, s *suite) error
}

var checks = []check{
	{"Exchange connectivity", checkConnectivity},
	{"Market data retrieval", checkMarketData},
	{"Market selection", checkSelection},
	{"Order pricing", checkPricing},
	{"Position sizing", checkSizing},
	{"State storage", checkStorage},
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	fmt.Println("=== Opinion Farming Bot - End-to-End Integration Check ===")
	fmt.Println()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[E2E] ", log.LstdFlags)
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	var gateway exchange.Gateway
	if cfg.IsPaperTrading() {
		logger.Printf("Paper mode: checking against the simulated exchange")
		gateway = mock.NewSeededPaperExchange(1000, 8)
	} else {
		client, err := exchange.NewOpinionClient(exchange.OpinionConfig{
			BaseURL:           cfg.Exchange.BaseURL,
			APIKey:            cfg.Exchange.APIKey,
			PrivateKey:        cfg.Exchange.PrivateKey,
			MultiSigAddress:   cfg.Exchange.MultiSigAddress,
			ChainID:           cfg.Exchange.ChainID,
			Timeout:           cfg.Exchange.Timeout,
			RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
			MaxMarketPages:    cfg.Exchange.MaxMarketPages,
		}, quiet)
		if err != nil {
			log.Fatalf("Failed to create Opinion client: %v", err)
		}
		gateway = exchange.NewCircuitBreakerGateway(client, quiet)
	}

	scan, err := scanner.New(gateway, scanner.Config{
		TopN:               cfg.Scanner.TopN,
		MinOrderbookOrders: cfg.Scanner.MinOrderbookOrders,
		MinHoursUntilClose: cfg.Scanner.MinHoursUntilClose,
		BalanceMin:         cfg.Scanner.BalanceMin,
		BalanceMax:         cfg.Scanner.BalanceMax,
		BonusMarketsFile:   cfg.Scanner.BonusMarketsFile,
		Profile:            cfg.Scanner.ScoringProfile,
		Concurrency:        cfg.Scanner.Concurrency,
	}, quiet)
	if err != nil {
		log.Fatalf("Failed to create scanner: %v", err)
	}

	stateDir, err := os.MkdirTemp("", "opinion-e2e-")
	if err != nil {
		log.Fatalf("Failed to create temp dir: %v", err)
	}
	defer func() {
		if err := os.RemoveAll(stateDir); err != nil {
			logger.Printf("Warning: failed to clean up %s: %v", stateDir, err)
		}
	}()

	s := &suite{
		gateway: gateway,
		scanner: scan,
		capital: capital.NewManager(capital.Config{
			Mode:        cfg.Capital.Mode,
			FixedAmount: cfg.Capital.AmountUSDT,
			Percentage:  cfg.Capital.Percentage,
			MinBalance:  cfg.Capital.MinBalanceUSDT,
			MinPosition: cfg.Capital.MinPositionUSDT,
		}, gateway, quiet),
		pricing:  strategy.NewPricing(strategy.DefaultConfig(), quiet),
		stateDir: stateDir,
		logger:   logger,
	}

	fmt.Println("All components initialized")
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	if failed := runChecks(ctx, s, os.Stdout); failed > 0 {
		return 1
	}
	return 0
}

// runChecks runs every check in order and returns the number that failed.
func runChecks(ctx context.Context, s *suite, w io.Writer) int {
	passed := 0
	for i, c := range checks {
		fmt.Fprintf(w, "Check %d: %s\n", i+1, c.name)
		if err := c.run(ctx, s); err != nil {
			fmt.Fprintf(w, "FAILED: %v\n\n", err)
			continue
		}
		passed++
		fmt.Fprintf(w, "PASSED\n\n")
	}

	fmt.Fprintln(w, "=== Integration Check Results ===")
	fmt.Fprintf(w, "Checks passed: %d/%d\n", passed, len(checks))
	failed := len(checks) - passed
	if failed == 0 {
		fmt.Fprintln(w, "All checks passed")
	} else {
		fmt.Fprintf(w, "%d check(s) failed - review before live trading\n", failed)
	}
	return failed
}

func checkConnectivity(ctx context.Context, s *suite) error {
	balances, err := s.gateway.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("balances: %w", err)
	}
	s.logger.Printf("USDT available: %.2f", balances.USDT())
	return nil
}

func checkMarketData(ctx context.Context, s *suite) error {
	markets, err := s.gateway.GetActiveMarkets(ctx)
	if err != nil {
		return fmt.Errorf("active markets: %w", err)
	}
	if len(markets) == 0 {
		return errors.New("no active markets")
	}
	s.logger.Printf("Found %d active markets", len(markets))

	m := markets[0]
	book, err := s.gateway.GetOrderbook(ctx, m.YesTokenID)
	if err != nil {
		return fmt.Errorf("orderbook for market #%d: %w", m.ID, err)
	}
	s.logger.Printf("Market #%d YES book: %d bids, %d asks", m.ID, len(book.Bids), len(book.Asks))
	return nil
}

func checkSelection(ctx context.Context, s *suite) error {
	candidates, err := s.scanner.ScanAndRank(ctx)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return errors.New("no market passed the filters")
	}
	s.best = &candidates[0]
	s.logger.Printf("Top market #%d %s: bid %.4f ask %.4f score %.2f",
		s.best.MarketID, s.best.OutcomeSide, s.best.BestBid, s.best.BestAsk, s.best.Score)
	return nil
}

func checkPricing(_ context.Context, s *suite) error {
	if s.best == nil {
		return errors.New("no market selected")
	}
	buy, err := s.pricing.BuyPrice(s.best.BestBid, s.best.BestAsk)
	if err != nil {
		return fmt.Errorf("BUY price: %w", err)
	}
	sell, err := s.pricing.SellPrice(s.best.BestBid, s.best.BestAsk)
	if err != nil {
		return fmt.Errorf("SELL price: %w", err)
	}
	s.logger.Printf("Would BUY at %.4f and SELL at %.4f", buy, sell)
	if buy >= sell {
		return fmt.Errorf("BUY %.4f does not sit below SELL %.4f", buy, sell)
	}
	return nil
}

func checkSizing(ctx context.Context, s *suite) error {
	size, err := s.capital.PositionSize(ctx)
	if err != nil {
		return err
	}
	s.logger.Printf("Position size: %.2f USDT", size)
	return nil
}

func checkStorage(_ context.Context, s *suite) error {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	store := storage.NewJSONStateStore(filepath.Join(s.stateDir, "state.json"), quiet)

	state, err := store.Load()
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if err := state.Transition(models.StageScanning, models.ConditionCycleStarted); err != nil {
		return err
	}
	if err := store.Save(state); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	reloaded, err := store.LoadExisting()
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	if reloaded.Stage != models.StageScanning {
		return fmt.Errorf("reloaded stage %s, want %s", reloaded.Stage, models.StageScanning)
	}
	s.logger.Printf("State round trip OK")
	return nil
}
