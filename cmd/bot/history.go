package main

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"

	"github.com/eddiefleurent/opinion_farmer/internal/storage"
)

const historyLimit = 50

// printHistory renders the most recent ledger entries and the ledger totals.
func printHistory(w io.Writer, ledger storage.Ledger) error {
	txs, err := ledger.Recent(historyLimit)
	if err != nil {
		return fmt.Errorf("read transaction history: %w", err)
	}
	if len(txs) == 0 {
		_, err := fmt.Fprintln(w, "No transactions recorded yet.")
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("Time", "Type", "Market", "Outcome", "Shares", "Price", "USDT", "P&L", "Order")
	for _, t := range txs {
		pnl := "-"
		if t.PnLUSDT != nil {
			pnl = fmt.Sprintf("%+.2f", *t.PnLUSDT)
		}
		if err := table.Append(
			t.Timestamp.Local().Format("2006-01-02 15:04"),
			t.Type,
			fmt.Sprintf("#%d", t.MarketID),
			t.Outcome,
			fmt.Sprintf("%.4f", t.Shares),
			fmt.Sprintf("%.4f", t.Price),
			fmt.Sprintf("%.2f", t.AmountUSDT),
			pnl,
			shortID(t.OrderID),
		); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	totals, err := ledger.Totals()
	if err != nil {
		return fmt.Errorf("read ledger totals: %w", err)
	}
	_, err = fmt.Fprintf(w, "\n%d BUY / %d SELL | cost %.2f USDT | proceeds %.2f USDT | realized P&L %+.2f USDT\n",
		totals.Buys, totals.Sells, totals.BuyCost, totals.SellProceeds, totals.RealizedPnL)
	return err
}
