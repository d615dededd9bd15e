// reset clears the persisted bot state so the next run starts from IDLE.
//
// By default only the stage and position are cleared and statistics are
// kept. --full also clears statistics, --ledger truncates the transaction
// history and --cancel-orders cancels pending orders on the exchange first.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/opinion_farmer/internal/config"
	"github.com/eddiefleurent/opinion_farmer/internal/exchange"
	"github.com/eddiefleurent/opinion_farmer/internal/models"
	"github.com/eddiefleurent/opinion_farmer/internal/storage"
)

const (
	cancelTimeout    = 60 * time.Second
	pendingOrderScan = 50
)

type options struct {
	full         bool
	ledger       bool
	cancelOrders bool
	dryRun       bool
	yes          bool
}

// orderCanceller is the exchange surface --cancel-orders needs.
type orderCanceller interface {
	GetMyOrders(ctx context.Context, q exchange.OrderQuery) ([]exchange.Order, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
}

// resetter owns the collaborators of one reset run.
type resetter struct {
	opts     options
	store    *storage.JSONStateStore
	ledger   storage.Ledger // nil unless --ledger
	exchange orderCanceller // nil unless --cancel-orders
	in       io.Reader
	out      io.Writer
}

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to configuration file")
		opts       options
	)
	flag.BoolVar(&opts.full, "full", false, "Also clear cumulative statistics")
	flag.BoolVar(&opts.ledger, "ledger", false, "Also truncate the transaction history")
	flag.BoolVar(&opts.cancelOrders, "cancel-orders", false, "Cancel pending orders on the exchange first (live mode)")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "Show what would be done without making changes")
	flag.BoolVar(&opts.yes, "yes", false, "Skip confirmation prompt")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	r := &resetter{
		opts:  opts,
		store: storage.NewJSONStateStore(cfg.Storage.StateFile, logger),
		in:    os.Stdin,
		out:   os.Stdout,
	}

	if opts.ledger {
		ledger, err := storage.NewLedger(cfg.Storage.LedgerBackend, cfg.Storage.LedgerPath)
		if err != nil {
			log.Fatalf("Failed to open transaction history: %v", err)
		}
		defer ledger.Close()
		r.ledger = ledger
	}

	if opts.cancelOrders {
		if cfg.IsPaperTrading() {
			fmt.Println("Paper mode: no exchange orders to cancel")
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
			}, logger)
			if err != nil {
				log.Fatalf("Failed to create Opinion client: %v", err)
			}
			r.exchange = client
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := r.run(ctx); err != nil {
		log.Fatalf("Reset failed: %v", err)
	}
}

func (r *resetter) run(ctx context.Context) error {
	keepStatistics := !r.opts.full
	state, err := r.store.LoadExisting()
	switch {
	case errors.Is(err, storage.ErrNoState):
		fmt.Fprintf(r.out, "No state file at %s, a fresh one will be written\n", r.store.Path())
	case err != nil:
		fmt.Fprintf(r.out, "State file is unreadable (%v), it will be replaced\n", err)
		keepStatistics = false
	default:
		describe(r.out, state)
	}

	var pending []exchange.Order
	if r.exchange != nil {
		pending, err = r.exchange.GetMyOrders(ctx, exchange.OrderQuery{Status: "PENDING", Limit: pendingOrderScan})
		if err != nil {
			return fmt.Errorf("list pending orders: %w", err)
		}
		fmt.Fprintf(r.out, "Pending orders on the exchange: %d\n", len(pending))
		for _, o := range pending {
			fmt.Fprintf(r.out, "  %s %s market #%d @ %.4f (%s)\n", o.OrderID, o.Side, o.MarketID, o.Price, o.StatusName())
		}
	}

	fmt.Fprintln(r.out, "\nThis will:")
	if r.exchange != nil {
		fmt.Fprintf(r.out, "  - cancel %d pending order(s)\n", len(pending))
	}
	if !keepStatistics {
		fmt.Fprintln(r.out, "  - reset state.json including statistics")
	} else {
		fmt.Fprintln(r.out, "  - reset stage and position in state.json (statistics kept)")
	}
	if r.ledger != nil {
		fmt.Fprintln(r.out, "  - delete the transaction history")
	}

	if r.opts.dryRun {
		fmt.Fprintln(r.out, "\nDRY RUN: no changes made")
		return nil
	}
	if !r.opts.yes && !r.confirm() {
		fmt.Fprintln(r.out, "Reset cancelled")
		return nil
	}

	if len(pending) > 0 {
		cancelled := 0
		for _, o := range pending {
			if _, err := r.exchange.CancelOrder(ctx, o.OrderID); err != nil {
				fmt.Fprintf(r.out, "Cancel %s failed: %v\n", o.OrderID, err)
				continue
			}
			cancelled++
		}
		fmt.Fprintf(r.out, "Cancelled %d of %d orders\n", cancelled, len(pending))
	}

	if err := r.store.Reset(keepStatistics); err != nil {
		return fmt.Errorf("reset state: %w", err)
	}
	fmt.Fprintf(r.out, "State reset: %s\n", r.store.Path())

	if r.ledger != nil {
		if err := r.ledger.Reset(); err != nil {
			return fmt.Errorf("reset transaction history: %w", err)
		}
		fmt.Fprintln(r.out, "Transaction history cleared")
	}

	fmt.Fprintln(r.out, "\nNext steps:")
	fmt.Fprintln(r.out, "  1. Run cmd/audit to confirm nothing is left on the exchange")
	fmt.Fprintln(r.out, "  2. Restart the bot")
	return nil
}

func (r *resetter) confirm() bool {
	fmt.Fprint(r.out, "\nProceed? (yes/no): ")
	line, err := bufio.NewReader(r.in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "yes", "y":
		return true
	}
	return false
}

func describe(w io.Writer, s *models.BotState) {
	fmt.Fprintf(w, "Current stage: %s (cycle %d)\n", s.Stage, s.CycleNumber)
	if p := s.CurrentPosition; p != nil {
		fmt.Fprintf(w, "Position: market #%d %s, %.4f shares, BUY %s, SELL %s\n",
			p.MarketID, p.OutcomeSide, p.FilledAmount, p.OrderID, p.SellOrderID)
	}
	st := s.Statistics
	fmt.Fprintf(w, "Statistics: %d trades, %d wins, %d losses, P&L %.2f USDT\n",
		st.TotalTrades, st.Wins, st.Losses, st.TotalPnLUSDT)
}
