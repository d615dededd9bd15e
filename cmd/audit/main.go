// audit compares the persisted bot state with what the exchange reports.
// It reads only: nothing is cancelled and state.json is never written.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/opinion_farmer/internal/config"
	"github.com/eddiefleurent/opinion_farmer/internal/exchange"
	"github.com/eddiefleurent/opinion_farmer/internal/models"
	"github.com/eddiefleurent/opinion_farmer/internal/reconcile"
	"github.com/eddiefleurent/opinion_farmer/internal/storage"
)

const (
	auditTimeout     = 60 * time.Second
	pendingOrderScan = 50
)

// maskAddress masks all but the last 4 characters of a wallet address.
func maskAddress(addr string) string {
	if len(addr) > 4 {
		return strings.Repeat("*", len(addr)-4) + addr[len(addr)-4:]
	}
	return addr
}

// auditReport is everything the audit looked at.
type auditReport struct {
	State       *models.BotState    `json:"state"`
	Positions   []exchange.Position `json:"positions"`
	Orders      []exchange.Order    `json:"pending_orders"`
	Discrepancy *models.Discrepancy `json:"discrepancy,omitempty"`
	Issues      []string            `json:"issues"`
}

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to configuration file")
		jsonOutput = flag.Bool("json", false, "Output results as JSON")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.IsPaperTrading() {
		log.Fatalf("Paper mode uses an in-process simulated exchange, there is nothing to audit. Set environment.mode: live")
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if !*verbose {
		logger.SetLevel(logrus.WarnLevel)
	}

	if *verbose {
		fmt.Printf("Using config: %s\n", *configPath)
		fmt.Printf("API: %s\n", cfg.Exchange.BaseURL)
		fmt.Printf("Wallet: %s\n\n", maskAddress(cfg.Exchange.MultiSigAddress))
	}

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

	store := storage.NewJSONStateStore(cfg.Storage.StateFile, logger)
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()

	if !*jsonOutput {
		fmt.Println("Auditing persisted state against exchange positions and orders...")
	}
	report, err := runAudit(ctx, store, client, reconcile.Config{
		DustThreshold:  cfg.Reconciliation.DustThreshold,
		ShareTolerance: cfg.Reconciliation.ShareTolerance,
	}, logger)
	if err != nil {
		log.Fatalf("Audit failed: %v", err)
	}

	if *jsonOutput {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			log.Fatalf("Failed to marshal JSON: %v", err)
		}
		fmt.Println(string(out))
		return
	}
	if err := printReport(os.Stdout, report); err != nil {
		log.Fatalf("Failed to print report: %v", err)
	}
}

// runAudit loads the persisted state and reads the exchange view. The
// reconciliation detector runs against a scratch copy of the state through a
// mock store so the audit can never write state.json.
func runAudit(ctx context.Context, store *storage.JSONStateStore, src reconcile.Exchange, rc reconcile.Config, logger logrus.FieldLogger) (*auditReport, error) {
	state, err := store.LoadExisting()
	switch {
	case errors.Is(err, storage.ErrNoState):
		state = models.NewBotState()
	case err != nil:
		return nil, fmt.Errorf("load state: %w", err)
	}

	positions, err := src.GetPositions(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	pending, err := src.GetMyOrders(ctx, exchange.OrderQuery{Status: "PENDING", Limit: pendingOrderScan})
	if err != nil {
		return nil, fmt.Errorf("list pending orders: %w", err)
	}

	scratch := state.Clone()
	engine := reconcile.New(src, storage.NewMockStateStore(scratch), nil, nil, rc, logger)
	report := &auditReport{
		State:       state,
		Positions:   positions,
		Orders:      pending,
		Discrepancy: engine.DetectDiscrepancy(ctx, scratch),
	}
	report.Issues = analyze(report, engine.Config().DustThreshold)
	return report, nil
}

// analyze lists the problems an operator should look at.
func analyze(r *auditReport, dust float64) []string {
	issues := []string{}
	if r == nil || r.State == nil {
		return issues
	}
	if r.Discrepancy != nil {
		issues = append(issues, fmt.Sprintf("%s (%s): %s, suggested %s",
			r.Discrepancy.Type, r.Discrepancy.Severity, r.Discrepancy.Description, r.Discrepancy.SuggestedStrategy))
	}

	if len(r.Orders) > 1 {
		issues = append(issues, fmt.Sprintf("%d pending orders, the bot only ever keeps one", len(r.Orders)))
	}

	var tracked int
	if p := r.State.CurrentPosition; p != nil {
		tracked = p.MarketID
	}
	for _, pos := range r.Positions {
		if pos.SharesOwned > dust && pos.MarketID != tracked {
			issues = append(issues, fmt.Sprintf("untracked holding: %.4f %s shares in market #%d",
				pos.SharesOwned, pos.OutcomeSide, pos.MarketID))
		}
	}

	if r.State.Stage.RequiresPosition() && r.State.CurrentPosition == nil {
		issues = append(issues, fmt.Sprintf("stage %s has no position recorded", r.State.Stage))
	}
	return issues
}

func printReport(w io.Writer, r *auditReport) error {
	s := r.State
	fmt.Fprintf(w, "\n=== PERSISTED STATE ===\n")
	fmt.Fprintf(w, "Stage: %s (%s)\nCycle: %d | Trades: %d | P&L: %.2f USDT\n",
		s.Stage, s.Stage.Description(), s.CycleNumber, s.Statistics.TotalTrades, s.Statistics.TotalPnLUSDT)

	if p := s.CurrentPosition; p != nil {
		table := tablewriter.NewWriter(w)
		table.Header("Market", "Outcome", "Shares", "Buy", "Buy order", "Sell", "Sell order")
		if err := table.Append(
			fmt.Sprintf("#%d", p.MarketID),
			p.OutcomeSide,
			fmt.Sprintf("%.4f", p.FilledAmount),
			fmt.Sprintf("%.4f", p.BuyPrice()),
			p.OrderID,
			fmt.Sprintf("%.4f", p.SellPrice),
			p.SellOrderID,
		); err != nil {
			return err
		}
		if err := table.Render(); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(w, "No position recorded.")
	}

	fmt.Fprintf(w, "\n=== EXCHANGE POSITIONS ===\n")
	if len(r.Positions) == 0 {
		fmt.Fprintln(w, "No positions.")
	} else {
		table := tablewriter.NewWriter(w)
		table.Header("Market", "Title", "Outcome", "Shares", "Avg entry")
		for _, pos := range r.Positions {
			if err := table.Append(
				fmt.Sprintf("#%d", pos.MarketID),
				pos.MarketTitle,
				pos.OutcomeSide,
				fmt.Sprintf("%.4f", pos.SharesOwned),
				fmt.Sprintf("%.4f", pos.AvgEntryPrice),
			); err != nil {
				return err
			}
		}
		if err := table.Render(); err != nil {
			return err
		}
	}

	fmt.Fprintf(w, "\n=== PENDING ORDERS ===\n")
	if len(r.Orders) == 0 {
		fmt.Fprintln(w, "No pending orders.")
	} else {
		table := tablewriter.NewWriter(w)
		table.Header("Order", "Market", "Side", "Price", "Shares", "Filled", "Status")
		for _, o := range r.Orders {
			if err := table.Append(
				o.OrderID,
				fmt.Sprintf("#%d", o.MarketID),
				o.Side,
				fmt.Sprintf("%.4f", o.Price),
				fmt.Sprintf("%.4f", o.OrderShares),
				fmt.Sprintf("%.4f", o.FilledShares),
				o.StatusName(),
			); err != nil {
				return err
			}
		}
		if err := table.Render(); err != nil {
			return err
		}
	}

	fmt.Fprintf(w, "\n=== ANALYSIS ===\n")
	if len(r.Issues) == 0 {
		fmt.Fprintln(w, "No obvious issues detected.")
		return nil
	}
	fmt.Fprintln(w, "POTENTIAL ISSUES FOUND:")
	for i, issue := range r.Issues {
		fmt.Fprintf(w, "  %d. %s\n", i+1, issue)
	}
	fmt.Fprintln(w, "\nThe bot repairs these on its next iteration; use cmd/reset to start over.")
	return nil
}
