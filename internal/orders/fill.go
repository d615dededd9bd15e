package orders

import (
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/opinion_farmer/internal/exchange"
)

// Where fill numbers came from, most to least trustworthy.
const (
	FillSourcePrimary     = "primary"
	FillSourceTrades      = "trades"
	FillSourceOrderFields = "order_fields"
	FillSourceAmount      = "amount"
	FillSourceNone        = "none"
)

// Fill is the extracted execution data of an order.
type Fill struct {
	Shares   float64
	AvgPrice float64
	USDT     float64
	Source   string
}

// ExtractFill reads fill data from an order response. The exchange does not
// always populate the primary fields, so it falls back in a fixed order:
// primary fields, the trades sub-ledger, order size fields, then amount.
// It never fails; zero shares means the result is inconclusive.
func ExtractFill(o *exchange.Order, logger logrus.FieldLogger) Fill {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if o == nil {
		return Fill{Source: FillSourceNone}
	}
	log := logger.WithField("order_id", o.OrderID)

	f := Fill{Shares: o.FilledShares, AvgPrice: o.Price, USDT: o.FilledAmount, Source: FillSourcePrimary}

	if f.Shares == 0 || f.AvgPrice == 0 {
		log.Warn("Missing fill data in order, extracting from trades")
		if len(o.Trades) > 0 {
			var shares, amount float64
			for _, t := range o.Trades {
				shares += t.ScaledShares()
				amount += t.ScaledAmount()
			}
			f.Shares, f.USDT, f.AvgPrice = shares, amount, 0
			if shares > 0 {
				f.AvgPrice = amount / shares
			}
			f.Source = FillSourceTrades
			if shares == 0 || amount == 0 {
				log.Errorf("Trade extraction produced shares=%.6f usdt=%.6f from %d trade(s)", shares, amount, len(o.Trades))
			}
		} else {
			log.Error("No trades data available")
		}
	}

	if f.Shares == 0 {
		log.Warn("Fallback: deriving fill data from order size fields")
		switch {
		case o.OrderShares > 0 && o.Price > 0:
			f.Shares, f.AvgPrice = o.OrderShares, o.Price
			f.USDT = o.OrderAmount
			if f.USDT <= 0 {
				f.USDT = o.OrderShares * o.Price
			}
			f.Source = FillSourceOrderFields
		case o.Side != exchange.SideSell && o.OrderAmount > 0 && o.Price > 0:
			f.Shares, f.AvgPrice, f.USDT = o.OrderAmount/o.Price, o.Price, o.OrderAmount
			f.Source = FillSourceOrderFields
		}
	}

	if f.Shares == 0 {
		log.Warn("Fallback: deriving fill data from order amount")
		if o.Amount > 0 && o.Price > 0 {
			if o.Side == exchange.SideSell {
				f.Shares, f.USDT = o.Amount, o.Amount*o.Price
			} else {
				f.Shares, f.USDT = o.Amount/o.Price, o.Amount
			}
			f.AvgPrice = o.Price
			f.Source = FillSourceAmount
		} else {
			log.WithFields(logrus.Fields{
				"amount":        o.Amount,
				"price":         o.Price,
				"order_shares":  o.OrderShares,
				"order_amount":  o.OrderAmount,
				"filled_shares": o.FilledShares,
				"trades":        len(o.Trades),
			}).Error("All fill fallbacks failed")
			f.Source = FillSourceNone
		}
	}

	if f.Source == FillSourcePrimary && f.USDT == 0 {
		f.USDT = f.Shares * f.AvgPrice
	}

	if o.IsFinished() && f.Shares == 0 {
		log.WithFields(logrus.Fields{
			"market_id":   o.MarketID,
			"status_enum": o.StatusEnum,
		}).Error("CRITICAL: exchange returned a Finished order with 0 shares; verify the transaction manually")
	}
	return f
}
