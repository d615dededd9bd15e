package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/opinion_farmer/internal/capital"
	"github.com/eddiefleurent/opinion_farmer/internal/exchange"
	"github.com/eddiefleurent/opinion_farmer/internal/models"
	"github.com/eddiefleurent/opinion_farmer/internal/notify"
	"github.com/eddiefleurent/opinion_farmer/internal/orders"
	"github.com/eddiefleurent/opinion_farmer/internal/scanner"
	"github.com/eddiefleurent/opinion_farmer/internal/storage"
	"github.com/eddiefleurent/opinion_farmer/internal/strategy"
	"github.com/eddiefleurent/opinion_farmer/internal/validator"
)

// errCapitalExhausted stops the bot: nothing can be traded until funds are added.
var errCapitalExhausted = errors.New("capital exhausted")

const (
	// suspiciousFillPrice is the average fill at or below which stored fill
	// data is treated as a failed extraction.
	suspiciousFillPrice = 0.02
	// shareSyncTolerance is the drift between recorded and held shares
	// that is silently corrected.
	shareSyncTolerance = 0.01
	// Fallback quotes for a lopsided book with no asks.
	fallbackSellAsk = 0.96
	fallbackSellBid = 0.95
)

// stageHandler runs one stage. A non-nil error marks the stage as failed
// and the loop backs off before retrying it.
type stageHandler func(ctx context.Context, hc *handlerContext) error

// handlerContext carries the collaborators stage handlers use.
type handlerContext struct {
	state     *models.BotState
	store     storage.StateStore
	ledger    storage.Ledger
	gateway   exchange.Gateway
	scanner   *scanner.Scanner
	capital   *capital.Manager
	pricing   *strategy.Pricing
	orders    *orders.Manager
	validator *validator.Validator
	notifier  *notify.Notifier
	hook      orders.PollHook
	logger    logrus.FieldLogger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	noMarketPause      time.Duration // wait when the scan finds nothing
	placeRecheckDelay  time.Duration // wait before checking a failed BUY for a fill
	positionRetries    int
	positionRetryDelay time.Duration
	staleFinishedAfter time.Duration // a FINISHED BUY with no shares after this is treated as already sold
}

func defaultHandlers() map[models.Stage]stageHandler {
	return map[models.Stage]stageHandler{
		models.StageIdle:           handleIdle,
		models.StageScanning:       handleScanning,
		models.StageBuyPlaced:      handleBuyPlaced,
		models.StageBuyMonitoring:  handleBuyMonitoring,
		models.StageBuyFilled:      handleBuyFilled,
		models.StageSellPlaced:     handleSellPlaced,
		models.StageSellMonitoring: handleSellMonitoring,
		models.StageCompleted:      handleCompleted,
	}
}

// transition moves the stage and persists the whole document.
func (hc *handlerContext) transition(to models.Stage, condition string) error {
	if err := hc.state.Transition(to, condition); err != nil {
		return err
	}
	hc.logger.WithFields(logrus.Fields{"from": hc.state.PreviousStage(), "to": to, "condition": condition}).Info("Stage transition")
	return hc.save()
}

func (hc *handlerContext) save() error {
	if err := hc.store.Save(hc.state); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (hc *handlerContext) alert(event, title, message string) {
	hc.notifier.Async(event, title, message)
}

// positionShares reads the held shares, retrying while the API lags
// behind a fresh fill.
func (hc *handlerContext) positionShares(ctx context.Context, marketID int, outcome string) float64 {
	attempts := max(hc.positionRetries, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		shares, err := hc.gateway.GetPositionShares(ctx, marketID, outcome)
		if err != nil {
			hc.logger.Warnf("Could not read position shares: %v", err)
		} else if shares > 0 {
			return shares
		}
		if attempt < attempts {
			hc.logger.Infof("Attempt %d/%d: position not visible yet, retrying in %v", attempt, attempts, hc.positionRetryDelay)
			if hc.sleep(ctx, hc.positionRetryDelay) != nil {
				break
			}
		}
	}
	return 0
}

// avgFillPrice picks the best available entry price: the filled notional,
// the order price, then the live best bid.
func (hc *handlerContext) avgFillPrice(ctx context.Context, p *models.Position, shares float64) (float64, bool) {
	if p.FilledUSDT > 0 && shares > 0 {
		return p.FilledUSDT / shares, true
	}
	if p.Price > 0 {
		return p.Price, true
	}
	if p.TokenID != "" {
		ob, err := hc.gateway.GetOrderbook(ctx, p.TokenID)
		if err == nil && ob != nil && ob.BestBid() > 0 {
			hc.logger.Warnf("Using current best bid %.4f as average fill price, P&L may be inaccurate", ob.BestBid())
			return ob.BestBid(), true
		}
	}
	return 0, false
}

func (hc *handlerContext) recordBuy(p *models.Position, source string) {
	_, err := hc.ledger.RecordBuy(storage.TradeRecord{
		MarketID:    p.MarketID,
		MarketTitle: p.MarketTitle,
		TokenID:     p.TokenID,
		Outcome:     p.OutcomeSide,
		Shares:      p.FilledAmount,
		Price:       p.AvgFillPrice,
		AmountUSDT:  p.FilledUSDT,
		OrderID:     p.OrderID,
		Metadata:    map[string]any{"source": source},
	})
	if err != nil {
		hc.logger.Errorf("Failed to record BUY in transaction history: %v", err)
	}
}

func (hc *handlerContext) recordSell(p *models.Position) {
	pnl, pnlPct := p.RealizedPnLUSDT, p.RealizedPnLPercent
	_, err := hc.ledger.RecordSell(storage.TradeRecord{
		MarketID:    p.MarketID,
		MarketTitle: p.MarketTitle,
		TokenID:     p.TokenID,
		Outcome:     p.OutcomeSide,
		Shares:      p.SellFilledAmount,
		Price:       p.AvgSellPrice,
		AmountUSDT:  p.SellProceeds,
		OrderID:     p.SellOrderID,
		PnLUSDT:     &pnl,
		PnLPercent:  &pnlPct,
	})
	if err != nil {
		hc.logger.Errorf("Failed to record SELL in transaction history: %v", err)
	}
}

func handleIdle(_ context.Context, hc *handlerContext) error {
	hc.state.CycleNumber++
	hc.state.StartedAt = hc.now().UTC()
	hc.logger.WithField("cycle", hc.state.CycleNumber).Info("IDLE - starting new cycle")
	return hc.transition(models.StageScanning, models.ConditionCycleStarted)
}

func handleScanning(ctx context.Context, hc *handlerContext) error {
	hc.logger.Info("SCANNING - finding best market")

	if held := hc.validator.FindOrphanedPositions(ctx, hc.validator.Config().MinSellableShares); len(held) > 0 {
		return adoptHeldPosition(hc, held)
	}

	candidates, err := hc.scanner.ScanAndRank(ctx)
	if err != nil {
		return fmt.Errorf("scan markets: %w", err)
	}
	if len(candidates) == 0 {
		hc.logger.Warn("No suitable markets found, staying in SCANNING")
		_ = hc.sleep(ctx, hc.noMarketPause)
		return nil
	}

	sel := candidates[0]
	log := hc.logger.WithField("market_id", sel.MarketID)
	log.Infof("Selected market #%d %s (%s), score %.4f, bonus %t", sel.MarketID, sel.Title, sel.OutcomeSide, sel.Score, sel.IsBonus)

	top, err := hc.scanner.FreshOrderbook(ctx, sel.TokenID)
	if err != nil {
		return err
	}
	log.Infof("Bid %.4f | Ask %.4f", top.BestBid, top.BestAsk)

	size, err := hc.capital.PositionSize(ctx)
	switch {
	case errors.Is(err, capital.ErrInsufficientCapital):
		if terr := hc.transition(models.StageIdle, models.ConditionCapitalExhausted); terr != nil {
			log.Errorf("Could not persist IDLE after capital check: %v", terr)
		}
		return fmt.Errorf("%w: %v", errCapitalExhausted, err)
	case errors.Is(err, capital.ErrPositionTooSmall):
		if terr := hc.transition(models.StageIdle, models.ConditionPositionTooSmall); terr != nil {
			log.Errorf("Could not persist IDLE after capital check: %v", terr)
		}
		return fmt.Errorf("adjust capital settings: %w", err)
	case err != nil:
		return err
	}

	price, err := hc.pricing.BuyPrice(top.BestBid, top.BestAsk)
	if err != nil {
		return fmt.Errorf("BUY price: %w", err)
	}

	orderID, err := hc.orders.PlaceBuy(ctx, sel.MarketID, sel.TokenID, price, size)
	if err != nil {
		log.Errorf("BUY placement failed: %v", err)
		return recoverFailedBuy(ctx, hc, sel, price, err)
	}

	hc.state.CurrentPosition = &models.Position{
		MarketID:       sel.MarketID,
		MarketTitle:    sel.Title,
		TokenID:        sel.TokenID,
		OutcomeSide:    sel.OutcomeSide,
		IsBonus:        sel.IsBonus,
		OrderID:        orderID,
		Side:           exchange.SideBuy,
		Price:          price,
		AmountUSDT:     size,
		InitialBestBid: top.BestBid,
		PlacedAt:       hc.now().UTC(),
	}
	log.WithField("order_id", orderID).Infof("BUY placed: %.2f USDT @ %.4f", size, price)
	return hc.transition(models.StageBuyPlaced, models.ConditionBuyPlaced)
}

// adoptHeldPosition moves straight to BUY_FILLED when the wallet already
// holds a sellable position from an interrupted cycle. The largest holding
// is taken.
func adoptHeldPosition(hc *handlerContext, held []exchange.Position) error {
	pos := held[0]
	hc.logger.WithField("market_id", pos.MarketID).Warnf("Found existing position: %.4f %s shares, recovering to SELL", pos.SharesOwned, pos.OutcomeSide)
	title := pos.MarketTitle
	if title == "" {
		title = fmt.Sprintf("Recovered market #%d", pos.MarketID)
	}
	now := hc.now().UTC()
	hc.state.CurrentPosition = &models.Position{
		MarketID:          pos.MarketID,
		MarketTitle:       title,
		TokenID:           pos.TokenID,
		OutcomeSide:       pos.OutcomeSide,
		OrderID:           models.OrderIDUnknown,
		Price:             pos.AvgEntryPrice,
		FilledAmount:      pos.SharesOwned,
		AvgFillPrice:      pos.AvgEntryPrice,
		FilledUSDT:        pos.SharesOwned * pos.AvgEntryPrice,
		FillTimestamp:     now,
		Recovered:         true,
		RecoveryReason:    "position held while scanning",
		RecoveryTimestamp: now,
	}
	return hc.transition(models.StageBuyFilled, models.ConditionPositionAdopted)
}

// recoverFailedBuy checks whether a BUY that reported an error was placed
// and filled anyway.
func recoverFailedBuy(ctx context.Context, hc *handlerContext, sel scanner.Candidate, price float64, placeErr error) error {
	if hc.sleep(ctx, hc.placeRecheckDelay) != nil {
		return placeErr
	}
	shares, err := hc.gateway.GetPositionShares(ctx, sel.MarketID, sel.OutcomeSide)
	if err != nil || shares <= 0 {
		return placeErr
	}
	hc.logger.WithField("market_id", sel.MarketID).Warnf("Found %.4f shares despite BUY error, recovering to BUY_FILLED", shares)
	now := hc.now().UTC()
	hc.state.CurrentPosition = &models.Position{
		MarketID:          sel.MarketID,
		MarketTitle:       sel.Title,
		TokenID:           sel.TokenID,
		OutcomeSide:       sel.OutcomeSide,
		IsBonus:           sel.IsBonus,
		OrderID:           models.OrderIDUnknown,
		Side:              exchange.SideBuy,
		Price:             price,
		FilledAmount:      shares,
		AvgFillPrice:      price,
		FilledUSDT:        shares * price,
		FillTimestamp:     now,
		Recovered:         true,
		RecoveryReason:    "BUY error but shares held",
		RecoveryTimestamp: now,
	}
	return hc.transition(models.StageBuyFilled, models.ConditionPositionAdopted)
}

func handleBuyPlaced(_ context.Context, hc *handlerContext) error {
	return hc.transition(models.StageBuyMonitoring, models.ConditionMonitoringStarted)
}

func handleBuyMonitoring(ctx context.Context, hc *handlerContext) error {
	p := hc.state.CurrentPosition
	if p == nil {
		return errors.New("BUY_MONITORING without a position")
	}
	log := hc.logger.WithField("market_id", p.MarketID)
	log.Info("BUY_MONITORING - waiting for fill")

	if !p.HasBuyOrderID() || !validator.ValidTokenID(p.TokenID) {
		if hc.validator.RepairPosition(ctx, p) {
			if err := hc.save(); err != nil {
				return err
			}
			log.WithField("order_id", p.OrderID).Info("Repaired BUY order details from the exchange")
		}
	}
	if !p.HasBuyOrderID() {
		if filled, shares := hc.validator.CheckIfAlreadyFilled(ctx, p.MarketID, p.OutcomeSide); filled {
			log.Infof("Order already filled: %.4f shares held", shares)
			return adoptBuyFill(ctx, hc, shares)
		}
		log.Warn("No pending BUY and no position, abandoning")
		return hc.transition(models.StageScanning, models.ConditionBuyAbandoned)
	}

	o, err := hc.gateway.GetOrder(ctx, p.OrderID)
	switch {
	case err != nil && !errors.Is(err, exchange.ErrNotFound):
		log.Warnf("Could not verify BUY status, monitoring anyway: %v", err)
	case err != nil || o.IsTerminal():
		if done, herr := resolveTerminalBuy(ctx, hc, o); done {
			return herr
		}
	}

	r := hc.orders.MonitorBuy(ctx, hc.state, hc.hook)
	switch r.Status {
	case orders.StatusFilled:
		return completeBuy(ctx, hc, r)
	case orders.StatusTimeout, orders.StatusDeteriorated:
		if _, err := hc.orders.Cancel(ctx, p.OrderID); err != nil {
			log.Warnf("Cancel after %s failed: %v", r.Status, err)
		}
		fallthrough
	case orders.StatusCancelled, orders.StatusExpired:
		log.Warnf("BUY %s: %s, looking for a new market", r.Status, r.Reason)
		return hc.transition(models.StageScanning, models.ConditionBuyAbandoned)
	case orders.StatusInterrupted:
		return nil
	default:
		return fmt.Errorf("BUY monitor: %s", r.Reason)
	}
}

// resolveTerminalBuy handles a BUY that is gone or terminal before
// monitoring starts. It reports whether the stage was decided; a FINISHED
// order is left to the monitor so the fill comes from the order itself.
func resolveTerminalBuy(ctx context.Context, hc *handlerContext, o *exchange.Order) (bool, error) {
	p := hc.state.CurrentPosition
	if o != nil && o.IsFinished() {
		if p.PlacedAt.IsZero() || hc.now().Sub(p.PlacedAt) <= hc.staleFinishedAfter {
			return false, nil
		}
		if shares := hc.positionShares(ctx, p.MarketID, p.OutcomeSide); shares >= 1 {
			return false, nil
		}
		hc.logger.Warn("BUY finished long ago and only dust is held, position was likely sold")
		return true, hc.transition(models.StageScanning, models.ConditionBuyAbandoned)
	}

	status := "not found"
	if o != nil {
		status = o.StatusName()
	}
	hc.logger.Warnf("BUY order is %s, checking for held shares", status)
	if shares := hc.positionShares(ctx, p.MarketID, p.OutcomeSide); shares >= 1 {
		return true, adoptBuyFill(ctx, hc, shares)
	}
	return true, hc.transition(models.StageScanning, models.ConditionBuyAbandoned)
}

// adoptBuyFill records a fill discovered through the position API.
func adoptBuyFill(ctx context.Context, hc *handlerContext, shares float64) error {
	p := hc.state.CurrentPosition
	avg, ok := hc.avgFillPrice(ctx, p, shares)
	if !ok {
		hc.logger.Error("Cannot determine average fill price, abandoning position")
		return hc.transition(models.StageScanning, models.ConditionBuyAbandoned)
	}
	p.FilledAmount = shares
	p.AvgFillPrice = avg
	p.FilledUSDT = shares * avg
	p.FillTimestamp = hc.now().UTC()
	hc.recordBuy(p, "position")
	return hc.transition(models.StageBuyFilled, models.ConditionBuyFilled)
}

func completeBuy(ctx context.Context, hc *handlerContext, r orders.Result) error {
	p := hc.state.CurrentPosition
	shares, avg := r.FilledAmount, r.AvgFillPrice
	if rec := hc.validator.RecoverFillDataFromPosition(ctx, p.MarketID, p.OutcomeSide, p.Price); rec.Success {
		shares = rec.FilledAmount
		if avg <= 0 {
			avg = rec.AvgFillPrice
		}
	} else {
		hc.logger.Warnf("Position check failed (%s), using monitor value %.4f", rec.Reason, shares)
	}

	p.FilledAmount = shares
	p.AvgFillPrice = avg
	p.FilledUSDT = r.FilledUSDT
	p.FillTimestamp = r.FillTimestamp
	if p.AvgFillPrice <= suspiciousFillPrice {
		hc.logger.Warnf("Average fill price %.4f is suspiciously low", p.AvgFillPrice)
		switch {
		case p.FilledUSDT > 0 && p.FilledAmount > 0:
			p.AvgFillPrice = p.FilledUSDT / p.FilledAmount
		case p.Price > 0:
			p.AvgFillPrice = p.Price
		}
	}
	if p.FilledUSDT <= 0 {
		p.FilledUSDT = p.FilledAmount * p.AvgFillPrice
	}

	hc.recordBuy(p, "monitor")
	title, msg := notify.FillMessage(exchange.SideBuy, p)
	hc.alert(notify.EventBuyFilled, title, msg)
	hc.logger.WithField("market_id", p.MarketID).Infof("BUY filled: %.4f shares @ %.4f", p.FilledAmount, p.AvgFillPrice)
	return hc.transition(models.StageBuyFilled, models.ConditionBuyFilled)
}

func handleBuyFilled(ctx context.Context, hc *handlerContext) error {
	p := hc.state.CurrentPosition
	if p == nil {
		return errors.New("BUY_FILLED without a position")
	}
	log := hc.logger.WithField("market_id", p.MarketID)
	log.Info("BUY_FILLED - preparing SELL")

	if p.FilledAmount <= 0 {
		p.FilledAmount = hc.positionShares(ctx, p.MarketID, p.OutcomeSide)
		if p.FilledAmount <= 0 {
			return invalidate(hc, "no filled amount and no shares held")
		}
	}

	if p.AvgFillPrice <= suspiciousFillPrice {
		avg, ok := hc.avgFillPrice(ctx, p, p.FilledAmount)
		if !ok {
			return invalidate(hc, "cannot determine average fill price")
		}
		log.Warnf("Corrected average fill price %.4f -> %.4f", p.AvgFillPrice, avg)
		p.AvgFillPrice = avg
		p.FilledUSDT = p.FilledAmount * avg
	}

	tokenID, ok := hc.validator.ValidateTokenID(ctx, p.TokenID, p.MarketID, p.OutcomeSide)
	if !ok {
		if err := invalidate(hc, "token id could not be recovered"); err != nil {
			return err
		}
		return errors.New("cannot place SELL without a valid token id")
	}
	p.TokenID = tokenID

	held, actual, reason := hc.validator.VerifyActualPosition(ctx, p.MarketID, p.OutcomeSide, p.FilledAmount)
	if !held {
		return invalidate(hc, reason)
	}
	if math.Abs(actual-p.FilledAmount) > shareSyncTolerance {
		log.Infof("Updating filled amount %.4f -> %.4f from exchange", p.FilledAmount, actual)
		p.FilledAmount = actual
	}
	if r := hc.validator.CheckDustByShares(p.FilledAmount); !r.Valid {
		return invalidate(hc, r.Reason)
	}
	if err := hc.save(); err != nil {
		return err
	}

	top, err := hc.scanner.FreshOrderbook(ctx, p.TokenID)
	if err != nil {
		return err
	}
	bid, ask := top.BestBid, top.BestAsk
	if ask <= 0 {
		log.Warnf("No asks in orderbook, using fallback ask %.2f", fallbackSellAsk)
		ask = fallbackSellAsk
		if bid <= 0 {
			bid = fallbackSellBid
		}
	}
	if r := hc.validator.CheckDustByValue(p.FilledAmount, ask); !r.Valid {
		return invalidate(hc, r.Reason)
	}

	price, err := hc.pricing.SellPrice(bid, ask)
	if err != nil {
		return fmt.Errorf("SELL price: %w", err)
	}
	orderID, shares, err := hc.orders.PlaceSell(ctx, p, price)
	if err != nil {
		return err
	}

	p.SellOrderID = orderID
	p.SellPrice = price
	p.OriginalSellPrice = price
	p.SellPlacedAt = hc.now().UTC()
	log.WithField("order_id", orderID).Infof("SELL placed: %.4f shares @ %.4f", shares, price)
	return hc.transition(models.StageSellPlaced, models.ConditionSellPlaced)
}

// invalidate drops a position that cannot be sold and looks for a new market.
func invalidate(hc *handlerContext, reason string) error {
	hc.logger.Warnf("Position invalid: %s, resetting to SCANNING", reason)
	return hc.transition(models.StageScanning, models.ConditionPositionInvalid)
}

func handleSellPlaced(_ context.Context, hc *handlerContext) error {
	return hc.transition(models.StageSellMonitoring, models.ConditionMonitoringStarted)
}

func handleSellMonitoring(ctx context.Context, hc *handlerContext) error {
	p := hc.state.CurrentPosition
	if p == nil {
		return errors.New("SELL_MONITORING without a position")
	}
	log := hc.logger.WithField("market_id", p.MarketID)
	log.Info("SELL_MONITORING - waiting for fill")

	if p.SellOrderID == "" || p.SellOrderID == models.OrderIDUnknown {
		r := hc.validator.RecoverOrderIDFromAPI(ctx, p.MarketID, exchange.SideSell)
		if !r.Success {
			log.Warnf("SELL order id lost (%s), placing a new SELL", r.Reason)
			p.ClearSell()
			return hc.transition(models.StageBuyFilled, models.ConditionSellRetry)
		}
		p.SellOrderID = r.OrderID
		if err := hc.save(); err != nil {
			return err
		}
	}

	o, err := hc.gateway.GetOrder(ctx, p.SellOrderID)
	switch {
	case err != nil && !errors.Is(err, exchange.ErrNotFound):
		log.Warnf("Could not verify SELL status, monitoring anyway: %v", err)
	case err != nil || o.IsTerminal():
		return resolveTerminalSell(ctx, hc, o)
	default:
		if p.FilledAmount <= 0 && o.OrderShares > 0 {
			p.FilledAmount = o.OrderShares
		}
	}

	r := hc.orders.MonitorSell(ctx, hc.state, hc.hook)
	switch r.Status {
	case orders.StatusFilled:
		return completeSell(hc, r.FilledAmount, r.AvgFillPrice, r.FilledUSDT, r.FillTimestamp, models.ConditionSellFilled)
	case orders.StatusCancelled, orders.StatusExpired:
		log.Warnf("SELL %s, placing it again", r.Status)
		p.ClearSell()
		return hc.transition(models.StageBuyFilled, models.ConditionSellRetry)
	case orders.StatusStopLossTriggered:
		hc.state.Statistics.RecordStopLoss()
		title, msg := notify.StopLossMessage(p, r.LossPercent, r.ExitPrice)
		hc.alert(notify.EventStopLoss, title, msg)
		log.Warnf("STOP-LOSS exit at %.4f (%.2f%%)", r.ExitPrice, r.LossPercent)
		return hc.transition(models.StageScanning, models.ConditionPositionExited)
	case orders.StatusTimeout, orders.StatusDeteriorated:
		if _, err := hc.orders.Cancel(ctx, p.SellOrderID); err != nil {
			log.Warnf("Cancel after %s failed: %v", r.Status, err)
		}
		log.Warnf("SELL %s: %s, resetting to SCANNING", r.Status, r.Reason)
		return hc.transition(models.StageScanning, models.ConditionPositionExited)
	case orders.StatusInterrupted:
		return nil
	default:
		return fmt.Errorf("SELL monitor: %s", r.Reason)
	}
}

// resolveTerminalSell decides the stage for a SELL that is gone or
// terminal before monitoring starts.
func resolveTerminalSell(ctx context.Context, hc *handlerContext, o *exchange.Order) error {
	p := hc.state.CurrentPosition
	shares, err := hc.gateway.GetPositionShares(ctx, p.MarketID, p.OutcomeSide)
	if err != nil {
		return fmt.Errorf("check shares for terminal SELL: %w", err)
	}
	if shares >= 1 {
		hc.logger.Infof("SELL is terminal but %.4f shares are held, placing a new SELL", shares)
		p.ClearSell()
		return hc.transition(models.StageBuyFilled, models.ConditionSellRetry)
	}
	if o != nil && o.IsFinished() {
		fill := orders.ExtractFill(o, hc.logger)
		return completeSell(hc, fill.Shares, fill.AvgPrice, fill.USDT, hc.now().UTC(), models.ConditionReconcileLastTrade)
	}
	hc.logger.Warn("SELL gone and no shares held, resetting to SCANNING")
	return hc.transition(models.StageScanning, models.ConditionPositionExited)
}

// completeSell stores the SELL fill, records it and closes the cycle.
func completeSell(hc *handlerContext, filled, avg, proceeds float64, at time.Time, condition string) error {
	p := hc.state.CurrentPosition
	if filled <= 0 {
		filled = p.FilledAmount
	}
	if avg <= 0 {
		avg = p.SellPrice
	}
	if proceeds <= 0 {
		proceeds = filled * avg
	}
	p.RecordSellFill(filled, avg, proceeds, at)
	hc.recordSell(p)

	title, msg := notify.FillMessage(exchange.SideSell, p)
	hc.alert(notify.EventSellFilled, title, msg)
	hc.logger.WithField("market_id", p.MarketID).Infof("SELL filled: %.4f shares @ %.4f, P&L %.2f USDT (%.2f%%)",
		filled, avg, p.RealizedPnLUSDT, p.RealizedPnLPercent)
	return hc.transition(models.StageCompleted, condition)
}

func handleCompleted(_ context.Context, hc *handlerContext) error {
	settleCompletedTrade(hc.state, hc.logger)
	if err := hc.transition(models.StageIdle, models.ConditionCycleCompleted); err != nil {
		return err
	}
	s := hc.state.Statistics
	hc.logger.Infof("COMPLETED - total trades %d, total P&L %.2f USDT", s.TotalTrades, s.TotalPnLUSDT)
	return nil
}

// settleCompletedTrade applies a pending trade summary to statistics once.
func settleCompletedTrade(state *models.BotState, logger logrus.FieldLogger) bool {
	t := state.TakeCompletedTrade()
	if t == nil {
		return false
	}
	state.Statistics.ApplyTrade(t.PnLUSDT)
	logger.WithField("market_id", t.MarketID).Infof("Trade closed: P&L %.2f USDT (%.2f%%)", t.PnLUSDT, t.PnLPercent)
	return true
}
