package orders

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/opinion_farmer/internal/exchange"
	"github.com/eddiefleurent/opinion_farmer/internal/models"
)

// Status is the outcome of a monitoring run.
type Status string

// Monitoring outcomes.
const (
	StatusFilled            Status = "filled"
	StatusCancelled         Status = "cancelled"
	StatusExpired           Status = "expired"
	StatusTimeout           Status = "timeout"
	StatusDeteriorated      Status = "deteriorated"
	StatusStopLossTriggered Status = "stop_loss_triggered"
	StatusInterrupted       Status = "interrupted"
	StatusError             Status = "error"
)

// fullFillPercent is the fill level below which a finished order is flagged partial.
const fullFillPercent = 99.0

// Result describes how a monitored order ended.
type Result struct {
	Status        Status
	OrderID       string
	FilledAmount  float64
	AvgFillPrice  float64
	FilledUSDT    float64
	FillTimestamp time.Time
	Reason        string
	IsPartial     bool
	FillPercent   float64
	LossPercent   float64 // stop-loss only
	ExitPrice     float64 // stop-loss only
	Polls         int
}

// Progress is passed to a PollHook after each liquidity check window.
type Progress struct {
	Side         string
	OrderID      string
	MarketID     int
	Poll         int
	Elapsed      time.Duration
	Order        *exchange.Order // last seen, may be nil
	Liquidity    *LiquidityResult
	CurrentPrice float64
}

// PollHook observes monitoring progress, e.g. for heartbeat notifications.
type PollHook func(Progress)

// MonitorBuy polls the BUY order of state.CurrentPosition until it fills,
// is cancelled or expires, times out, or liquidity deteriorates. It does not
// cancel on timeout or deterioration; the caller decides.
func (m *Manager) MonitorBuy(ctx context.Context, state *models.BotState, hook PollHook) Result {
	p := state.CurrentPosition
	if p == nil {
		return Result{Status: StatusError, Reason: "no active position"}
	}
	if !p.HasBuyOrderID() {
		return Result{Status: StatusError, OrderID: p.OrderID, Reason: "BUY order id unknown"}
	}

	log := m.logger.WithFields(logrus.Fields{"side": exchange.SideBuy, "order_id": p.OrderID, "market_id": p.MarketID})
	start := m.now()
	placed := p.PlacedAt
	if placed.IsZero() {
		placed = start
	}
	deadline := placed.Add(m.config.BuyTimeout)

	baseline := p.InitialBestBid
	if baseline <= 0 {
		baseline = p.Price
	}
	checkLiquidity := p.TokenID != "" && baseline > 0

	log.Infof("Monitoring BUY order, timeout at %s", deadline.Format(time.RFC3339))

	var last *exchange.Order
	lastLiquidityPoll := 0
	for poll := 1; ; poll++ {
		if ctx.Err() != nil {
			return Result{Status: StatusInterrupted, OrderID: p.OrderID, Reason: ctx.Err().Error(), Polls: poll - 1}
		}
		now := m.now()

		if !now.Before(deadline) {
			log.Warnf("BUY order timeout after %v", now.Sub(placed).Round(time.Second))
			return Result{Status: StatusTimeout, OrderID: p.OrderID, Reason: "fill timeout exceeded", Polls: poll}
		}

		if checkLiquidity && poll-lastLiquidityPoll >= m.config.Liquidity.CheckEvery {
			lastLiquidityPoll = poll
			liq := m.liquidity.Check(ctx, p.TokenID, baseline)
			if !liq.OK && m.config.Liquidity.AutoCancel {
				return Result{Status: StatusDeteriorated, OrderID: p.OrderID, Reason: liq.Reason, Polls: poll}
			}
			if hook != nil {
				hook(Progress{
					Side: exchange.SideBuy, OrderID: p.OrderID, MarketID: p.MarketID, Poll: poll,
					Elapsed: now.Sub(start), Order: last, Liquidity: &liq, CurrentPrice: p.Price,
				})
			}
		}

		o, err := m.getOrder(ctx, p.OrderID)
		if err != nil {
			log.Warnf("Could not get BUY order status: %v", err)
			o = nil
		}
		if o != nil {
			last = o
			switch {
			case o.IsFinished():
				fill := ExtractFill(o, log)
				r := Result{
					Status:        StatusFilled,
					OrderID:       p.OrderID,
					FilledAmount:  fill.Shares,
					AvgFillPrice:  fill.AvgPrice,
					FilledUSDT:    fill.USDT,
					FillTimestamp: m.now(),
					FillPercent:   o.FillPercent(),
					Polls:         poll,
				}
				r.IsPartial = r.FillPercent > 0 && r.FillPercent < fullFillPercent
				if r.IsPartial {
					log.Warnf("BUY PARTIALLY FILLED: %.1f%%", r.FillPercent)
				} else {
					log.Infof("BUY FILLED: %.4f shares @ %.4f", fill.Shares, fill.AvgPrice)
				}
				return r
			case o.IsExpired():
				log.Warn("BUY order expired")
				return Result{Status: StatusExpired, OrderID: p.OrderID, Reason: o.StatusName(), Polls: poll}
			case o.IsCancelled():
				log.Warn("BUY order cancelled")
				return Result{Status: StatusCancelled, OrderID: p.OrderID, Reason: o.StatusName(), Polls: poll}
			}
		}

		if err := m.sleep(ctx, m.config.PollInterval); err != nil {
			return Result{Status: StatusInterrupted, OrderID: p.OrderID, Reason: err.Error(), Polls: poll}
		}
	}
}
