package storage

import (
	"fmt"

	"github.com/eddiefleurent/opinion_farmer/internal/models"
)

// StateStore persists the single BotState document.
//
// Only one bot process is expected per store; implementations serialize
// access within a process but do not lock the file across processes.
type StateStore interface {
	// Load returns the persisted state, creating a fresh IDLE state if none exists.
	Load() (*models.BotState, error)
	// Save writes the whole document and stamps last_updated_at.
	Save(state *models.BotState) error
	// Reset clears the active position and stage. Statistics survive when keepStatistics is true.
	Reset(keepStatistics bool) error
}

// Ledger is the append-only BUY/SELL transaction history.
type Ledger interface {
	RecordBuy(rec TradeRecord) (*Transaction, error)
	RecordSell(rec TradeRecord) (*Transaction, error)
	TransactionsForMarket(marketID int) ([]Transaction, error)
	All() ([]Transaction, error)
	Recent(limit int) ([]Transaction, error)
	MarketPnL(marketID int) (MarketPnL, error)
	Totals() (Totals, error)
	Reset() error
	Close() error
}

// Ledger backends
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// NewLedger opens the ledger for the given backend.
func NewLedger(backend, path string) (Ledger, error) {
	switch backend {
	case "", BackendJSON:
		return NewJSONLedger(path)
	case BackendSQLite:
		return NewSQLiteLedger(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// Ensure implementations satisfy the interfaces
var (
	_ StateStore = (*JSONStateStore)(nil)
	_ StateStore = (*MockStateStore)(nil)
	_ Ledger     = (*JSONLedger)(nil)
	_ Ledger     = (*SQLiteLedger)(nil)
)
