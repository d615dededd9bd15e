package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/opinion_farmer/internal/models"
	"github.com/eddiefleurent/opinion_farmer/internal/util"
)

// Transaction types
const (
	TxBuy  = "BUY"
	TxSell = "SELL"
)

const ledgerVersion = "1.0"

// TradeRecord is the input for recording a BUY or SELL.
type TradeRecord struct {
	MarketID    int
	MarketTitle string
	TokenID     string
	Outcome     string
	Shares      float64
	Price       float64
	AmountUSDT  float64
	OrderID     string
	// PnLUSDT and PnLPercent are SELL-only; nil means derive from the latest BUY.
	PnLUSDT    *float64
	PnLPercent *float64
	Metadata   map[string]any
}

// Transaction is one ledger entry.
type Transaction struct {
	TransactionID string         `json:"transaction_id"`
	Type          string         `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	MarketID      int            `json:"market_id"`
	MarketTitle   string         `json:"market_title"`
	TokenID       string         `json:"token_id"`
	Outcome       string         `json:"outcome"`
	Shares        float64        `json:"shares"`
	Price         float64        `json:"price"`
	AmountUSDT    float64        `json:"amount_usdt"`
	OrderID       string         `json:"order_id"`
	PnLUSDT       *float64       `json:"pnl_usdt,omitempty"`
	PnLPercent    *float64       `json:"pnl_percent,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// MarketPnL aggregates BUY cost against SELL proceeds for one market.
type MarketPnL struct {
	BuyCost      float64 `json:"buy_cost"`
	SellProceeds float64 `json:"sell_proceeds"`
	PnL          float64 `json:"pnl"`
	PnLPercent   float64 `json:"pnl_percent"`
}

// Totals summarizes the whole ledger.
type Totals struct {
	Transactions int     `json:"transactions"`
	Buys         int     `json:"buys"`
	Sells        int     `json:"sells"`
	BuyCost      float64 `json:"buy_cost"`
	SellProceeds float64 `json:"sell_proceeds"`
	RealizedPnL  float64 `json:"realized_pnl"`
}

// newTransaction builds a rounded ledger entry.
func newTransaction(txType string, rec TradeRecord, now time.Time) Transaction {
	outcome := rec.Outcome
	if outcome == "" {
		outcome = models.OutcomeYes
	}
	return Transaction{
		TransactionID: fmt.Sprintf("%s_%s_%d", strings.ToLower(txType), rec.OrderID, now.Unix()),
		Type:          txType,
		Timestamp:     now,
		MarketID:      rec.MarketID,
		MarketTitle:   rec.MarketTitle,
		TokenID:       rec.TokenID,
		Outcome:       outcome,
		Shares:        util.RoundTo(rec.Shares, 4),
		Price:         util.RoundTo(rec.Price, 6),
		AmountUSDT:    util.RoundTo(rec.AmountUSDT, 2),
		OrderID:       rec.OrderID,
		Metadata:      rec.Metadata,
	}
}

// applySellPnL fills P&L on a SELL, deriving it from the latest BUY in the
// same market when the caller did not supply it.
func applySellPnL(tx *Transaction, rec TradeRecord, history []Transaction) {
	if rec.PnLUSDT != nil {
		pnl := util.RoundTo(*rec.PnLUSDT, 2)
		tx.PnLUSDT = &pnl
		if rec.PnLPercent != nil {
			pct := util.RoundTo(*rec.PnLPercent, 2)
			tx.PnLPercent = &pct
		}
		return
	}
	buy := latestBuy(history, rec.MarketID)
	if buy == nil || buy.AmountUSDT <= 0 {
		return
	}
	cost := buy.AmountUSDT
	if buy.Shares > 0 && rec.Shares > 0 && rec.Shares < buy.Shares {
		cost = buy.AmountUSDT * rec.Shares / buy.Shares
	}
	pnl := util.RoundTo(rec.AmountUSDT-cost, 2)
	pct := util.RoundTo((rec.AmountUSDT-cost)/cost*100, 2)
	tx.PnLUSDT = &pnl
	tx.PnLPercent = &pct
}

func latestBuy(history []Transaction, marketID int) *Transaction {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Type == TxBuy && history[i].MarketID == marketID {
			return &history[i]
		}
	}
	return nil
}

func marketPnL(txs []Transaction) MarketPnL {
	var out MarketPnL
	for _, t := range txs {
		switch t.Type {
		case TxBuy:
			out.BuyCost += t.AmountUSDT
		case TxSell:
			out.SellProceeds += t.AmountUSDT
		}
	}
	out.PnL = out.SellProceeds - out.BuyCost
	if out.BuyCost > 0 {
		out.PnLPercent = out.PnL / out.BuyCost * 100
	}
	return out
}

func totals(txs []Transaction) Totals {
	out := Totals{Transactions: len(txs)}
	for _, t := range txs {
		switch t.Type {
		case TxBuy:
			out.Buys++
			out.BuyCost += t.AmountUSDT
		case TxSell:
			out.Sells++
			out.SellProceeds += t.AmountUSDT
			if t.PnLUSDT != nil {
				out.RealizedPnL += *t.PnLUSDT
			}
		}
	}
	return out
}

func recent(txs []Transaction, limit int) []Transaction {
	out := make([]Transaction, len(txs))
	copy(out, txs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ledgerDocument is the on-disk layout of transaction_history.json.
type ledgerDocument struct {
	Version           string        `json:"version"`
	LastUpdated       time.Time     `json:"last_updated"`
	TotalTransactions int           `json:"total_transactions"`
	Transactions      []Transaction `json:"transactions"`
}

// JSONLedger stores transactions in a single JSON document.
// An empty path keeps the ledger in memory only.
type JSONLedger struct {
	mu           sync.RWMutex
	filepath     string
	transactions []Transaction
	now          func() time.Time
}

// NewJSONLedger opens or creates the ledger at path.
func NewJSONLedger(path string) (*JSONLedger, error) {
	l := &JSONLedger{filepath: path, now: func() time.Time { return time.Now().UTC() }}
	if path == "" {
		return l, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading ledger: %w", err)
	}
	var doc ledgerDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding ledger %s: %w", path, err)
	}
	l.transactions = doc.Transactions
	return l, nil
}

// NewMemoryLedger returns a ledger that is never written to disk.
func NewMemoryLedger() *JSONLedger {
	l, _ := NewJSONLedger("")
	return l
}

func (l *JSONLedger) RecordBuy(rec TradeRecord) (*Transaction, error) {
	return l.append(TxBuy, rec)
}

func (l *JSONLedger) RecordSell(rec TradeRecord) (*Transaction, error) {
	return l.append(TxSell, rec)
}

func (l *JSONLedger) append(txType string, rec TradeRecord) (*Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := newTransaction(txType, rec, l.now())
	if txType == TxSell {
		applySellPnL(&tx, rec, l.transactions)
	}
	l.transactions = append(l.transactions, tx)
	if err := l.saveLocked(); err != nil {
		l.transactions = l.transactions[:len(l.transactions)-1]
		return nil, err
	}
	return &tx, nil
}

func (l *JSONLedger) saveLocked() error {
	if l.filepath == "" {
		return nil
	}
	doc := ledgerDocument{
		Version:           ledgerVersion,
		LastUpdated:       l.now(),
		TotalTransactions: len(l.transactions),
		Transactions:      l.transactions,
	}
	if doc.Transactions == nil {
		doc.Transactions = []Transaction{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding ledger: %w", err)
	}
	return writeFileAtomic(l.filepath, data)
}

func (l *JSONLedger) TransactionsForMarket(marketID int) ([]Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Transaction
	for _, t := range l.transactions {
		if t.MarketID == marketID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (l *JSONLedger) All() ([]Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Transaction, len(l.transactions))
	copy(out, l.transactions)
	return out, nil
}

func (l *JSONLedger) Recent(limit int) ([]Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return recent(l.transactions, limit), nil
}

func (l *JSONLedger) MarketPnL(marketID int) (MarketPnL, error) {
	txs, _ := l.TransactionsForMarket(marketID)
	return marketPnL(txs), nil
}

func (l *JSONLedger) Totals() (Totals, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return totals(l.transactions), nil
}

// Reset empties the ledger. Only operator tooling calls this.
func (l *JSONLedger) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transactions = nil
	return l.saveLocked()
}

func (l *JSONLedger) Close() error { return nil }
