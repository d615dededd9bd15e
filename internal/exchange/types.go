package exchange

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when the exchange has no record of the requested entity.
var ErrNotFound = errors.New("not found")

// ErrReadOnly is returned by order placement when no signing credentials are configured.
var ErrReadOnly = errors.New("exchange client is read-only: PRIVATE_KEY and MULTI_SIG_ADDRESS required")

// APIError represents an API error with status code and response body
type APIError struct {
	Status     int
	Errno      int
	Body       string
	RetryAfter string
}

// Is lets errors.Is(err, ErrNotFound) match HTTP 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

func (e *APIError) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("API error %d (errno %d): %s", e.Status, e.Errno, e.Body)
	}
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// Order status codes as reported by the order detail endpoint.
const (
	OrderStatusPending   = 0
	OrderStatusPartial   = 1
	OrderStatusFinished  = 2
	OrderStatusCancelled = 3
	OrderStatusExpired   = 4
)

// Order status names.
const (
	StatusEnumPending   = "Pending"
	StatusEnumFinished  = "Finished"
	StatusEnumCancelled = "Cancelled"
	StatusEnumExpired   = "Expired"
)

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// USDTAddress is the BSC USDT contract used as quote token.
const USDTAddress = "0x55d398326f99059ff775485246999027b3197955"

// tradeScale converts raw trade integers to human units.
const tradeScale = 1e18

// Number decodes JSON numbers that may arrive as strings or null.
type Number float64

// UnmarshalJSON handles both numeric and string JSON representations
func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*n = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", s, err)
		}
		*n = Number(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*n = Number(v)
	return nil
}

// Float returns the value as float64.
func (n Number) Float() float64 { return float64(n) }

// Text decodes JSON strings or bare numbers into a string without losing
// precision on large integer ids.
type Text string

// UnmarshalJSON keeps numeric literals verbatim
func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(strings.TrimSpace(s))
		return nil
	}
	*t = Text(b)
	return nil
}

// String returns the text value.
func (t Text) String() string { return string(t) }

// Int parses the value as an integer, returning 0 when it is not numeric.
func (t Text) Int() int {
	v, err := strconv.Atoi(string(t))
	if err != nil {
		return 0
	}
	return v
}

// Market is a binary prediction market.
type Market struct {
	ID         int       `json:"market_id"`
	Title      string    `json:"title"`
	Status     string    `json:"status"`
	YesTokenID string    `json:"yes_token_id"`
	NoTokenID  string    `json:"no_token_id"`
	CutoffAt   time.Time `json:"cutoff_at"`
	Volume     float64   `json:"volume"`
	Volume24h  float64   `json:"volume_24h"`
	QuoteToken string    `json:"quote_token"`
	ChainID    string    `json:"chain_id"`
}

// TokenFor returns the token id for an outcome side.
func (m *Market) TokenFor(outcome string) string {
	if strings.EqualFold(outcome, "NO") {
		return m.NoTokenID
	}
	return m.YesTokenID
}

// OutcomeFor returns YES or NO for a token id, or "" if it belongs to neither side.
func (m *Market) OutcomeFor(tokenID string) string {
	switch tokenID {
	case "":
		return ""
	case m.YesTokenID:
		return "YES"
	case m.NoTokenID:
		return "NO"
	}
	return ""
}

// HoursUntilClose returns hours until cutoff, or +Inf when unknown.
func (m *Market) HoursUntilClose(now time.Time) float64 {
	if m.CutoffAt.IsZero() {
		return math.Inf(1)
	}
	return m.CutoffAt.Sub(now).Hours()
}

// Level is one orderbook price level.
type Level struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Orderbook holds bid and ask levels. The API does not guarantee ordering.
type Orderbook struct {
	TokenID string  `json:"token_id"`
	Bids    []Level `json:"bids"`
	Asks    []Level `json:"asks"`
}

// BestBid returns the highest bid price, or 0 when there are no bids.
func (o *Orderbook) BestBid() float64 {
	best := 0.0
	for _, l := range o.Bids {
		if l.Price > best {
			best = l.Price
		}
	}
	return best
}

// BestAsk returns the lowest ask price, or 0 when there are no asks.
func (o *Orderbook) BestAsk() float64 {
	best := 0.0
	for _, l := range o.Asks {
		if l.Price > 0 && (best == 0 || l.Price < best) {
			best = l.Price
		}
	}
	return best
}

// Spread returns ask - bid, or 0 when either side is empty.
func (o *Orderbook) Spread() float64 {
	bid, ask := o.BestBid(), o.BestAsk()
	if bid <= 0 || ask <= 0 {
		return 0
	}
	return ask - bid
}

// SortedBids returns bids ordered best (highest) first.
func (o *Orderbook) SortedBids() []Level {
	out := append([]Level(nil), o.Bids...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Price > out[j].Price })
	return out
}

// SortedAsks returns asks ordered best (lowest) first.
func (o *Orderbook) SortedAsks() []Level {
	out := append([]Level(nil), o.Asks...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out
}

// Trade is one fill inside an order. Shares and Amount are raw integers (1e18 scale).
type Trade struct {
	Shares Number `json:"shares"`
	Amount Number `json:"amount"`
}

// ScaledShares returns shares in human units.
func (t Trade) ScaledShares() float64 { return t.Shares.Float() / tradeScale }

// ScaledAmount returns the notional in human units.
func (t Trade) ScaledAmount() float64 { return t.Amount.Float() / tradeScale }

// Order is the exchange-side view of one order.
type Order struct {
	OrderID      string    `json:"order_id"`
	MarketID     int       `json:"market_id"`
	TokenID      string    `json:"token_id,omitempty"`
	Side         string    `json:"side"`
	Outcome      string    `json:"outcome,omitempty"`
	Status       int       `json:"status"`
	StatusEnum   string    `json:"status_enum"`
	Price        float64   `json:"price"`
	OrderShares  float64   `json:"order_shares"`
	OrderAmount  float64   `json:"order_amount"`
	Amount       float64   `json:"amount"`
	FilledShares float64   `json:"filled_shares"`
	FilledAmount float64   `json:"filled_amount"`
	Trades       []Trade   `json:"trades,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitzero"`
}

// IsFinished reports whether the order completed.
func (o *Order) IsFinished() bool {
	return o.StatusEnum == StatusEnumFinished || o.Status == OrderStatusFinished
}

// IsCancelled reports whether the order was cancelled.
func (o *Order) IsCancelled() bool {
	return strings.EqualFold(o.StatusEnum, StatusEnumCancelled) || strings.EqualFold(o.StatusEnum, "Canceled") ||
		o.Status == OrderStatusCancelled
}

// IsExpired reports whether the order expired.
func (o *Order) IsExpired() bool {
	return strings.EqualFold(o.StatusEnum, StatusEnumExpired) || o.Status == OrderStatusExpired
}

// IsTerminal reports whether the order can no longer fill.
func (o *Order) IsTerminal() bool {
	return o.IsFinished() || o.IsCancelled() || o.IsExpired()
}

// FillPercent returns filled/order shares * 100, or 0 when the order size is unknown.
func (o *Order) FillPercent() float64 {
	if o.OrderShares <= 0 {
		return 0
	}
	return o.FilledShares / o.OrderShares * 100
}

// StatusName returns the status enum, deriving it from the numeric code if needed.
func (o *Order) StatusName() string {
	if o.StatusEnum != "" {
		return o.StatusEnum
	}
	switch o.Status {
	case OrderStatusPending:
		return StatusEnumPending
	case OrderStatusPartial:
		return "PartiallyFilled"
	case OrderStatusFinished:
		return StatusEnumFinished
	case OrderStatusCancelled:
		return StatusEnumCancelled
	case OrderStatusExpired:
		return StatusEnumExpired
	}
	return "Unknown"
}

// OrderRef is the acknowledgement of a placed order.
type OrderRef struct {
	OrderID string `json:"order_id"`
}

// OrderQuery filters GetMyOrders.
type OrderQuery struct {
	MarketID int
	Status   string // PENDING, OPEN, FILLED, PARTIALLY_FILLED, CANCELLED or empty for all
	Limit    int
}

// orderQueryStatusCodes maps query status names to list-endpoint codes.
var orderQueryStatusCodes = map[string]string{
	"PENDING":          "0",
	"OPEN":             "0",
	"FILLED":           "1",
	"PARTIALLY_FILLED": "2",
	"CANCELLED":        "3",
}

// QueryStatusCode returns the list-endpoint code for a status name ("" for all or unknown).
func QueryStatusCode(status string) string {
	return orderQueryStatusCodes[strings.ToUpper(status)]
}

// TokenBalance is the balance of one token.
type TokenBalance struct {
	Available float64 `json:"available"`
	Frozen    float64 `json:"frozen"`
	Total     float64 `json:"total"`
	Decimals  int     `json:"decimals"`
}

// Balances keyed by lowercase token address.
type Balances struct {
	WalletAddress    string                  `json:"wallet_address"`
	MultiSignAddress string                  `json:"multi_sign_address"`
	Tokens           map[string]TokenBalance `json:"tokens"`
}

// USDT returns the available USDT. Raw values under 1000 are already in USDT;
// larger values are in the token's smallest unit.
func (b *Balances) USDT() float64 {
	if b == nil {
		return 0
	}
	tb, ok := b.Tokens[strings.ToLower(USDTAddress)]
	if !ok {
		return 0
	}
	if tb.Available < 1000 {
		return tb.Available
	}
	decimals := tb.Decimals
	if decimals <= 0 {
		decimals = 18
	}
	return tb.Available / math.Pow10(decimals)
}

// Position is an exchange-reported token holding.
type Position struct {
	MarketID      int     `json:"market_id"`
	MarketTitle   string  `json:"market_title"`
	TokenID       string  `json:"token_id"`
	OutcomeSide   string  `json:"outcome_side"` // YES or NO
	SharesOwned   float64 `json:"shares_owned"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
}
