package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/eddiefleurent/opinion_farmer/internal/models"
)

// Message builders return (title, body) pairs in plain text. Senders apply
// any markup themselves.

func signed(v float64) string {
	if v >= 0 {
		return fmt.Sprintf("+%.2f", v)
	}
	return fmt.Sprintf("%.2f", v)
}

func statsLines(b *strings.Builder, s models.Statistics) {
	fmt.Fprintf(b, "Total trades: %d\n", s.TotalTrades)
	fmt.Fprintf(b, "Win rate: %.1f%%\n", s.WinRatePercent)
	fmt.Fprintf(b, "Total P&L: %s USDT\n", signed(s.TotalPnLUSDT))
	fmt.Fprintf(b, "Avg P&L/trade: %s USDT\n", signed(s.TotalPnLPercent))
}

// StartupMessage summarizes statistics and sizing at process start.
func StartupMessage(stats models.Statistics, balance float64, mode, profile string, stopLoss bool) (string, string) {
	var b strings.Builder
	statsLines(&b, stats)
	fmt.Fprintf(&b, "Available capital: %.2f USDT\n", balance)
	fmt.Fprintf(&b, "Mode: %s\n", mode)
	fmt.Fprintf(&b, "Scoring profile: %s\n", profile)
	stop := "DISABLED"
	if stopLoss {
		stop = "ENABLED"
	}
	fmt.Fprintf(&b, "Stop-loss: %s\n", stop)
	fmt.Fprintf(&b, "Started at: %s", time.Now().Format(time.DateTime))
	return "BOT STARTED", b.String()
}

// ShutdownMessage reports final statistics and the reason the loop ended.
func ShutdownMessage(stats models.Statistics, cycles int, reason string) (string, string) {
	var b strings.Builder
	statsLines(&b, stats)
	fmt.Fprintf(&b, "Cycles this session: %d\n", cycles)
	if reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", reason)
	}
	fmt.Fprintf(&b, "Stopped at: %s", time.Now().Format(time.DateTime))
	return "BOT STOPPED", b.String()
}

// HeartbeatInfo is a point-in-time view of a monitored order.
type HeartbeatInfo struct {
	Stage        models.Stage
	MarketID     int
	MarketTitle  string
	OutcomeSide  string
	Side         string
	OrderPrice   float64
	FilledShares float64
	OrderShares  float64
	BestBid      float64
	BestAsk      float64
	Elapsed      time.Duration
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func HeartbeatMessage(h HeartbeatInfo) (string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Status: %s\n", h.Stage)
	if h.OutcomeSide != "" {
		fmt.Fprintf(&b, "Market side: %s\n", h.OutcomeSide)
	}
	if h.MarketID != 0 {
		fmt.Fprintf(&b, "Market #%d %s\n", h.MarketID, truncate(h.MarketTitle, 60))
	}
	if h.BestBid > 0 || h.BestAsk > 0 {
		fmt.Fprintf(&b, "Best bid/ask: %.4f / %.4f\n", h.BestBid, h.BestAsk)
	}
	if h.Side != "" {
		fmt.Fprintf(&b, "%s order @ %.4f", h.Side, h.OrderPrice)
		if h.OrderShares > 0 {
			fmt.Fprintf(&b, ", filled %.2f/%.2f (%.1f%%)", h.FilledShares, h.OrderShares, h.FilledShares/h.OrderShares*100)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Monitoring for %s", h.Elapsed.Truncate(time.Second))
	return "HEARTBEAT", b.String()
}

// FillMessage reports a filled BUY or SELL leg.
func FillMessage(side string, p *models.Position) (string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Market #%d %s (%s)\n", p.MarketID, truncate(p.MarketTitle, 60), p.OutcomeSide)
	if side == "SELL" {
		fmt.Fprintf(&b, "Sold %.2f shares @ %.4f for %.2f USDT\n", p.SellFilledAmount, p.AvgSellPrice, p.SellProceeds)
		fmt.Fprintf(&b, "Realized P&L: %s USDT (%s%%)", signed(p.RealizedPnLUSDT), signed(p.RealizedPnLPercent))
		return "SELL FILLED", b.String()
	}
	fmt.Fprintf(&b, "Bought %.2f shares @ %.4f for %.2f USDT", p.FilledAmount, p.AvgFillPrice, p.FilledUSDT)
	return "BUY FILLED", b.String()
}

// StopLossMessage reports an executed stop-loss.
func StopLossMessage(p *models.Position, lossPercent, aggressivePrice float64) (string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Market #%d %s (%s)\n", p.MarketID, truncate(p.MarketTitle, 60), p.OutcomeSide)
	fmt.Fprintf(&b, "Buy price: %.4f\n", p.BuyPrice())
	fmt.Fprintf(&b, "Unrealized: %.2f%%\n", lossPercent)
	fmt.Fprintf(&b, "Aggressive SELL @ %.4f for %.2f shares", aggressivePrice, p.FilledAmount)
	return "STOP-LOSS TRIGGERED", b.String()
}

// ReconciliationMessage reports a HIGH-severity repair.
func ReconciliationMessage(d *models.Discrepancy, r *models.RecoveryResult) (string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Type: %s (severity %s)\n", d.Type, d.Severity)
	fmt.Fprintf(&b, "Strategy: %s\n", d.SuggestedStrategy)
	fmt.Fprintf(&b, "Success: %t\n", r.Success)
	for _, a := range r.Actions {
		fmt.Fprintf(&b, "- %s\n", a)
	}
	if r.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s", r.Reason)
	}
	return "RECONCILIATION", strings.TrimRight(b.String(), "\n")
}

// ErrorMessage wraps an operator-visible failure.
func ErrorMessage(context string, err error) (string, string) {
	return "ERROR", fmt.Sprintf("%s: %v", context, err)
}
