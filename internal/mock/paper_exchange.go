// Package mock provides an in-memory paper exchange for paper trading and tests.
package mock

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/opinion_farmer/internal/exchange"
	"github.com/eddiefleurent/opinion_farmer/internal/util"
)

const (
	shareEpsilon = 1e-9
	rawScale     = 1e18
)

type positionKey struct {
	marketID int
	side     string
}

// PaperExchange simulates the exchange in memory. Resting orders fill when
// the book crosses them or when a test forces a fill.
type PaperExchange struct {
	mu        sync.Mutex
	markets   map[int]*exchange.Market
	books     map[string]*exchange.Orderbook
	orders    map[string]*exchange.Order
	order     []string
	positions map[positionKey]*exchange.Position
	usdt      float64
	failures  map[string][]error
	drift     int
	now       func() time.Time
}

var _ exchange.Gateway = (*PaperExchange)(nil)

// NewPaperExchange creates an empty exchange holding the given USDT balance.
func NewPaperExchange(balanceUSDT float64) *PaperExchange {
	return &PaperExchange{
		markets:   make(map[int]*exchange.Market),
		books:     make(map[string]*exchange.Orderbook),
		orders:    make(map[string]*exchange.Order),
		positions: make(map[positionKey]*exchange.Position),
		usdt:      balanceUSDT,
		failures:  make(map[string][]error),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// secureIntn generates a cryptographically secure random int between 0 and n-1
func secureIntn(n int) int {
	if n <= 0 {
		return 0
	}
	r, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return n / 2
	}
	return int(r.Int64())
}

// NewSeededPaperExchange builds a paper exchange with a handful of random
// markets. Books drift by up to one tick per read.
func NewSeededPaperExchange(balanceUSDT float64, markets int) *PaperExchange {
	p := NewPaperExchange(balanceUSDT)
	p.drift = 1
	for i := 1; i <= markets; i++ {
		mid := 0.25 + secureFloat64()*0.5
		spread := float64(2+secureIntn(20)) * util.PriceTick
		m := exchange.Market{
			ID:         1000 + i,
			Title:      fmt.Sprintf("Paper market #%d", i),
			Status:     "activated",
			YesTokenID: fmt.Sprintf("paper-%d-yes", i),
			NoTokenID:  fmt.Sprintf("paper-%d-no", i),
			CutoffAt:   time.Now().Add(time.Duration(48+secureIntn(24*30)) * time.Hour),
			Volume24h:  float64(secureIntn(100000)),
			QuoteToken: exchange.USDTAddress,
		}
		yesBid := util.RoundPrice(mid - spread/2)
		yesAsk := util.RoundPrice(mid + spread/2)
		p.AddMarket(m,
			LadderBook(yesBid, yesAsk, 8, 50+secureFloat64()*500),
			LadderBook(util.RoundPrice(1-yesAsk), util.RoundPrice(1-yesBid), 8, 50+secureFloat64()*500))
	}
	return p
}

// LadderBook builds a book with n levels per side stepping one tick away
// from the touch.
func LadderBook(bestBid, bestAsk float64, levels int, size float64) *exchange.Orderbook {
	ob := &exchange.Orderbook{}
	for i := 0; i < levels; i++ {
		step := float64(i) * util.PriceTick
		if bid := util.RoundPrice(bestBid - step); bid > 0 {
			ob.Bids = append(ob.Bids, exchange.Level{Price: bid, Size: size})
		}
		if ask := util.RoundPrice(bestAsk + step); ask < 1 {
			ob.Asks = append(ob.Asks, exchange.Level{Price: ask, Size: size})
		}
	}
	return ob
}

// AddMarket registers a market with optional YES and NO books.
func (p *PaperExchange) AddMarket(m exchange.Market, yes, no *exchange.Orderbook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m.Status == "" {
		m.Status = "activated"
	}
	mc := m
	p.markets[m.ID] = &mc
	if yes != nil && m.YesTokenID != "" {
		p.books[m.YesTokenID] = cloneBook(m.YesTokenID, yes)
	}
	if no != nil && m.NoTokenID != "" {
		p.books[m.NoTokenID] = cloneBook(m.NoTokenID, no)
	}
}

// SetOrderbook replaces the book for a token and matches resting orders against it.
func (p *PaperExchange) SetOrderbook(tokenID string, ob *exchange.Orderbook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.books[tokenID] = cloneBook(tokenID, ob)
	p.matchLocked()
}

// SetBalance overrides the USDT balance.
func (p *PaperExchange) SetBalance(usdt float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.usdt = usdt
}

// SetPosition overrides holdings for one market side. Zero shares removes it.
func (p *PaperExchange) SetPosition(marketID int, side string, shares, avgPrice float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := positionKey{marketID, strings.ToUpper(side)}
	if shares <= 0 {
		delete(p.positions, key)
		return
	}
	pos := p.positionLocked(key)
	pos.SharesOwned = shares
	pos.AvgEntryPrice = avgPrice
}

// SetClock replaces the time source used for order timestamps.
func (p *PaperExchange) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// FailNext makes the next call of the named Gateway method return err.
func (p *PaperExchange) FailNext(method string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[method] = append(p.failures[method], err)
}

func (p *PaperExchange) injected(method string) error {
	q := p.failures[method]
	if len(q) == 0 {
		return nil
	}
	p.failures[method] = q[1:]
	return q[0]
}

// FillOrder forces a fill of up to shares on a resting order at its limit price.
func (p *PaperExchange) FillOrder(orderID string, shares float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, exchange.ErrNotFound)
	}
	if o.IsTerminal() {
		return fmt.Errorf("order %s is %s", orderID, o.StatusName())
	}
	p.fillLocked(o, shares)
	return nil
}

// CancelExternally cancels an order as if the platform or the user did it.
func (p *PaperExchange) CancelExternally(orderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.orders[orderID]; ok && !o.IsTerminal() {
		p.cancelLocked(o, exchange.OrderStatusCancelled, exchange.StatusEnumCancelled)
	}
}

// ExpireOrder marks a resting order expired.
func (p *PaperExchange) ExpireOrder(orderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.orders[orderID]; ok && !o.IsTerminal() {
		p.cancelLocked(o, exchange.OrderStatusExpired, exchange.StatusEnumExpired)
	}
}

// Orders returns a snapshot of every order in placement order.
func (p *PaperExchange) Orders() []exchange.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]exchange.Order, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, cloneOrder(p.orders[id]))
	}
	return out
}

// LastOrder returns the most recently placed order, if any.
func (p *PaperExchange) LastOrder() (exchange.Order, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.order) == 0 {
		return exchange.Order{}, false
	}
	return cloneOrder(p.orders[p.order[len(p.order)-1]]), true
}

// ============ Gateway ============

func (p *PaperExchange) GetActiveMarkets(context.Context) ([]exchange.Market, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("GetActiveMarkets"); err != nil {
		return nil, err
	}
	out := make([]exchange.Market, 0, len(p.markets))
	for _, m := range p.markets {
		if m.Status == "activated" {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *PaperExchange) GetMarket(_ context.Context, marketID int) (*exchange.Market, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("GetMarket"); err != nil {
		return nil, err
	}
	m, ok := p.markets[marketID]
	if !ok {
		return nil, fmt.Errorf("market %d: %w", marketID, exchange.ErrNotFound)
	}
	mc := *m
	return &mc, nil
}

func (p *PaperExchange) GetOrderbook(_ context.Context, tokenID string) (*exchange.Orderbook, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("GetOrderbook"); err != nil {
		return nil, err
	}
	ob, ok := p.books[tokenID]
	if !ok {
		return nil, fmt.Errorf("orderbook %s: %w", tokenID, exchange.ErrNotFound)
	}
	if p.drift > 0 {
		p.driftLocked(ob)
		p.matchLocked()
	}
	return cloneBook(tokenID, ob), nil
}

// driftLocked shifts every level of a book by the same random number of ticks.
func (p *PaperExchange) driftLocked(ob *exchange.Orderbook) {
	shift := float64(secureIntn(2*p.drift+1)-p.drift) * util.PriceTick
	if shift == 0 {
		return
	}
	move := func(levels []exchange.Level) {
		for i := range levels {
			levels[i].Price = math.Min(0.999, math.Max(0.001, util.RoundPrice(levels[i].Price+shift)))
		}
	}
	move(ob.Bids)
	move(ob.Asks)
}

func (p *PaperExchange) PlaceBuy(_ context.Context, marketID int, tokenID string, price, notionalUSDT float64) (*exchange.OrderRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("PlaceBuy"); err != nil {
		return nil, err
	}
	m, err := p.validatePlacementLocked(marketID, tokenID, price)
	if err != nil {
		return nil, err
	}
	if notionalUSDT <= 0 {
		return nil, rejected("amount must be positive")
	}
	if notionalUSDT > p.usdt+shareEpsilon {
		return nil, rejected(fmt.Sprintf("insufficient balance: %.2f < %.2f", p.usdt, notionalUSDT))
	}
	p.usdt -= notionalUSDT

	o := p.newOrderLocked(m, tokenID, exchange.SideBuy, price)
	o.OrderAmount = notionalUSDT
	o.Amount = notionalUSDT
	o.OrderShares = notionalUSDT / price
	p.matchLocked()
	return &exchange.OrderRef{OrderID: o.OrderID}, nil
}

func (p *PaperExchange) PlaceSell(_ context.Context, marketID int, tokenID string, price, shares float64) (*exchange.OrderRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("PlaceSell"); err != nil {
		return nil, err
	}
	m, err := p.validatePlacementLocked(marketID, tokenID, price)
	if err != nil {
		return nil, err
	}
	if shares <= 0 {
		return nil, rejected("shares must be positive")
	}
	key := positionKey{marketID, m.OutcomeFor(tokenID)}
	pos, ok := p.positions[key]
	if !ok || pos.SharesOwned+shareEpsilon < shares {
		have := 0.0
		if ok {
			have = pos.SharesOwned
		}
		return nil, rejected(fmt.Sprintf("insufficient shares: %.4f < %.4f", have, shares))
	}
	// Shares are locked in the resting order.
	pos.SharesOwned = math.Max(0, pos.SharesOwned-shares)
	if pos.SharesOwned < shareEpsilon {
		delete(p.positions, key)
	}

	o := p.newOrderLocked(m, tokenID, exchange.SideSell, price)
	o.OrderShares = shares
	o.OrderAmount = shares * price
	o.Amount = shares
	p.matchLocked()
	return &exchange.OrderRef{OrderID: o.OrderID}, nil
}

func (p *PaperExchange) GetOrder(_ context.Context, orderID string) (*exchange.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("GetOrder"); err != nil {
		return nil, err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, exchange.ErrNotFound)
	}
	oc := cloneOrder(o)
	return &oc, nil
}

func (p *PaperExchange) CancelOrder(_ context.Context, orderID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("CancelOrder"); err != nil {
		return false, err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return false, fmt.Errorf("order %s: %w", orderID, exchange.ErrNotFound)
	}
	if o.IsTerminal() {
		return false, nil
	}
	p.cancelLocked(o, exchange.OrderStatusCancelled, exchange.StatusEnumCancelled)
	return true, nil
}

func (p *PaperExchange) GetMyOrders(_ context.Context, q exchange.OrderQuery) ([]exchange.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("GetMyOrders"); err != nil {
		return nil, err
	}
	var out []exchange.Order
	for i := len(p.order) - 1; i >= 0; i-- {
		o := p.orders[p.order[i]]
		if q.MarketID != 0 && o.MarketID != q.MarketID {
			continue
		}
		if !matchesQueryStatus(o, q.Status) {
			continue
		}
		out = append(out, cloneOrder(o))
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func matchesQueryStatus(o *exchange.Order, status string) bool {
	switch strings.ToUpper(status) {
	case "":
		return true
	case "PENDING", "OPEN":
		return !o.IsTerminal()
	case "FILLED":
		return o.IsFinished()
	case "PARTIALLY_FILLED":
		return !o.IsTerminal() && o.FilledShares > 0
	case "CANCELLED":
		return o.IsCancelled()
	}
	return false
}

func (p *PaperExchange) GetBalances(context.Context) (*exchange.Balances, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("GetBalances"); err != nil {
		return nil, err
	}
	frozen := 0.0
	for _, o := range p.orders {
		if o.Side == exchange.SideBuy && !o.IsTerminal() {
			frozen += (o.OrderShares - o.FilledShares) * o.Price
		}
	}
	// Reported in the token's smallest unit like the live API.
	return &exchange.Balances{
		WalletAddress: "paper",
		Tokens: map[string]exchange.TokenBalance{
			exchange.USDTAddress: {
				Available: p.usdt * rawScale,
				Frozen:    frozen * rawScale,
				Total:     (p.usdt + frozen) * rawScale,
				Decimals:  18,
			},
		},
	}, nil
}

func (p *PaperExchange) GetUSDTBalance(context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("GetUSDTBalance"); err != nil {
		return 0, err
	}
	return p.usdt, nil
}

func (p *PaperExchange) GetPositionShares(_ context.Context, marketID int, outcomeSide string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("GetPositionShares"); err != nil {
		return 0, err
	}
	if pos, ok := p.positions[positionKey{marketID, strings.ToUpper(outcomeSide)}]; ok {
		return pos.SharesOwned, nil
	}
	return 0, nil
}

func (p *PaperExchange) GetPositions(_ context.Context, marketID *int) ([]exchange.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.injected("GetPositions"); err != nil {
		return nil, err
	}
	var out []exchange.Position
	for k, pos := range p.positions {
		if marketID != nil && k.marketID != *marketID {
			continue
		}
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID < out[j].MarketID
		}
		return out[i].OutcomeSide < out[j].OutcomeSide
	})
	return out, nil
}

// ============ matching ============

func rejected(msg string) error {
	return &exchange.APIError{Status: http.StatusBadRequest, Errno: 10400, Body: msg}
}

func (p *PaperExchange) validatePlacementLocked(marketID int, tokenID string, price float64) (*exchange.Market, error) {
	m, ok := p.markets[marketID]
	if !ok {
		return nil, fmt.Errorf("market %d: %w", marketID, exchange.ErrNotFound)
	}
	if m.OutcomeFor(tokenID) == "" {
		return nil, rejected(fmt.Sprintf("token %s does not belong to market %d", tokenID, marketID))
	}
	if price <= 0 || price >= 1 {
		return nil, rejected(fmt.Sprintf("price %.4f out of range", price))
	}
	return m, nil
}

func (p *PaperExchange) newOrderLocked(m *exchange.Market, tokenID, side string, price float64) *exchange.Order {
	o := &exchange.Order{
		OrderID:    uuid.NewString(),
		MarketID:   m.ID,
		TokenID:    tokenID,
		Side:       side,
		Outcome:    m.OutcomeFor(tokenID),
		Status:     exchange.OrderStatusPending,
		StatusEnum: exchange.StatusEnumPending,
		Price:      price,
		CreatedAt:  p.now(),
	}
	p.orders[o.OrderID] = o
	p.order = append(p.order, o.OrderID)
	return o
}

// matchLocked fills resting orders the current books cross.
func (p *PaperExchange) matchLocked() {
	for _, id := range p.order {
		o := p.orders[id]
		if o.IsTerminal() {
			continue
		}
		ob, ok := p.books[o.TokenID]
		if !ok {
			continue
		}
		switch o.Side {
		case exchange.SideBuy:
			if ask := ob.BestAsk(); ask > 0 && o.Price >= ask {
				p.fillLocked(o, o.OrderShares-o.FilledShares)
			}
		case exchange.SideSell:
			if bid := ob.BestBid(); bid > 0 && o.Price <= bid {
				p.fillLocked(o, o.OrderShares-o.FilledShares)
			}
		}
	}
}

func (p *PaperExchange) fillLocked(o *exchange.Order, shares float64) {
	remaining := o.OrderShares - o.FilledShares
	shares = math.Min(shares, remaining)
	if shares <= 0 {
		return
	}
	amount := shares * o.Price
	o.FilledShares += shares
	o.FilledAmount += amount
	o.Trades = append(o.Trades, exchange.Trade{
		Shares: exchange.Number(shares * rawScale),
		Amount: exchange.Number(amount * rawScale),
	})

	key := positionKey{o.MarketID, o.Outcome}
	if o.Side == exchange.SideBuy {
		pos := p.positionLocked(key)
		cost := pos.SharesOwned*pos.AvgEntryPrice + amount
		pos.SharesOwned += shares
		pos.AvgEntryPrice = cost / pos.SharesOwned
	} else {
		p.usdt += amount
	}

	if o.OrderShares-o.FilledShares < shareEpsilon {
		o.Status = exchange.OrderStatusFinished
		o.StatusEnum = exchange.StatusEnumFinished
	} else {
		o.Status = exchange.OrderStatusPartial
		o.StatusEnum = exchange.StatusEnumPending
	}
}

// cancelLocked releases whatever the unfilled remainder had reserved.
func (p *PaperExchange) cancelLocked(o *exchange.Order, status int, enum string) {
	remaining := o.OrderShares - o.FilledShares
	if remaining > 0 {
		if o.Side == exchange.SideBuy {
			p.usdt += remaining * o.Price
		} else {
			p.positionLocked(positionKey{o.MarketID, o.Outcome}).SharesOwned += remaining
		}
	}
	o.Status = status
	o.StatusEnum = enum
}

func (p *PaperExchange) positionLocked(key positionKey) *exchange.Position {
	pos, ok := p.positions[key]
	if !ok {
		title := ""
		tokenID := ""
		if m, ok := p.markets[key.marketID]; ok {
			title = m.Title
			tokenID = m.TokenFor(key.side)
		}
		pos = &exchange.Position{
			MarketID:    key.marketID,
			MarketTitle: title,
			TokenID:     tokenID,
			OutcomeSide: key.side,
		}
		p.positions[key] = pos
	}
	return pos
}

func cloneBook(tokenID string, ob *exchange.Orderbook) *exchange.Orderbook {
	return &exchange.Orderbook{
		TokenID: tokenID,
		Bids:    append([]exchange.Level(nil), ob.Bids...),
		Asks:    append([]exchange.Level(nil), ob.Asks...),
	}
}

func cloneOrder(o *exchange.Order) exchange.Order {
	c := *o
	c.Trades = append([]exchange.Trade(nil), o.Trades...)
	return c
}
