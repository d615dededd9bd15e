package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS transactions (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    transaction_id TEXT    NOT NULL,
    type           TEXT    NOT NULL,
    timestamp      TEXT    NOT NULL,
    market_id      INTEGER NOT NULL,
    market_title   TEXT,
    token_id       TEXT,
    outcome        TEXT    NOT NULL,
    shares         REAL    NOT NULL DEFAULT 0,
    price          REAL    NOT NULL DEFAULT 0,
    amount_usdt    REAL    NOT NULL DEFAULT 0,
    order_id       TEXT,
    pnl_usdt       REAL,
    pnl_percent    REAL,
    metadata       TEXT
);

CREATE INDEX IF NOT EXISTS idx_tx_market ON transactions(market_id);
CREATE INDEX IF NOT EXISTS idx_tx_time   ON transactions(timestamp DESC);
`

const txColumns = `transaction_id, type, timestamp, market_id, market_title, token_id, outcome,
shares, price, amount_usdt, order_id, pnl_usdt, pnl_percent, metadata`

// SQLiteLedger stores transactions in a SQLite database (pure Go driver).
type SQLiteLedger struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewSQLiteLedger opens (or creates) the database at path and applies the schema.
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteLedger: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteLedger: apply schema: %w", err)
	}
	return &SQLiteLedger{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (l *SQLiteLedger) RecordBuy(rec TradeRecord) (*Transaction, error) {
	return l.insert(TxBuy, rec)
}

func (l *SQLiteLedger) RecordSell(rec TradeRecord) (*Transaction, error) {
	return l.insert(TxSell, rec)
}

func (l *SQLiteLedger) insert(txType string, rec TradeRecord) (*Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := newTransaction(txType, rec, l.now())
	if txType == TxSell {
		history, err := l.query(`WHERE market_id = ? AND type = ? ORDER BY id`, rec.MarketID, TxBuy)
		if err != nil {
			return nil, err
		}
		applySellPnL(&tx, rec, history)
	}

	var meta sql.NullString
	if len(tx.Metadata) > 0 {
		b, err := json.Marshal(tx.Metadata)
		if err != nil {
			return nil, fmt.Errorf("storage.SQLiteLedger: encode metadata: %w", err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}

	_, err := l.db.Exec(`INSERT INTO transactions (`+txColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.TransactionID, tx.Type, tx.Timestamp.Format(time.RFC3339Nano), tx.MarketID, tx.MarketTitle,
		tx.TokenID, tx.Outcome, tx.Shares, tx.Price, tx.AmountUSDT, tx.OrderID,
		nullFloat(tx.PnLUSDT), nullFloat(tx.PnLPercent), meta,
	)
	if err != nil {
		return nil, fmt.Errorf("storage.SQLiteLedger: insert %s: %w", txType, err)
	}
	return &tx, nil
}

func (l *SQLiteLedger) query(where string, args ...any) ([]Transaction, error) {
	rows, err := l.db.Query(`SELECT `+txColumns+` FROM transactions `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.SQLiteLedger: query: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var (
			t            Transaction
			ts           string
			title, token sql.NullString
			orderID      sql.NullString
			pnl, pnlPct  sql.NullFloat64
			meta         sql.NullString
		)
		if err := rows.Scan(&t.TransactionID, &t.Type, &ts, &t.MarketID, &title, &token, &t.Outcome,
			&t.Shares, &t.Price, &t.AmountUSDT, &orderID, &pnl, &pnlPct, &meta); err != nil {
			return nil, fmt.Errorf("storage.SQLiteLedger: scan: %w", err)
		}
		t.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		t.MarketTitle = title.String
		t.TokenID = token.String
		t.OrderID = orderID.String
		if pnl.Valid {
			v := pnl.Float64
			t.PnLUSDT = &v
		}
		if pnlPct.Valid {
			v := pnlPct.Float64
			t.PnLPercent = &v
		}
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &t.Metadata)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) TransactionsForMarket(marketID int) ([]Transaction, error) {
	return l.query(`WHERE market_id = ? ORDER BY id`, marketID)
}

func (l *SQLiteLedger) All() ([]Transaction, error) {
	return l.query(`ORDER BY id`)
}

func (l *SQLiteLedger) Recent(limit int) ([]Transaction, error) {
	if limit <= 0 {
		return l.query(`ORDER BY timestamp DESC, id DESC`)
	}
	return l.query(`ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
}

func (l *SQLiteLedger) MarketPnL(marketID int) (MarketPnL, error) {
	txs, err := l.TransactionsForMarket(marketID)
	if err != nil {
		return MarketPnL{}, err
	}
	return marketPnL(txs), nil
}

func (l *SQLiteLedger) Totals() (Totals, error) {
	txs, err := l.All()
	if err != nil {
		return Totals{}, err
	}
	return totals(txs), nil
}

func (l *SQLiteLedger) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.db.Exec(`DELETE FROM transactions`); err != nil {
		return fmt.Errorf("storage.SQLiteLedger: reset: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
