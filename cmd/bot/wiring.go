package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/opinion_farmer/internal/capital"
	"github.com/eddiefleurent/opinion_farmer/internal/config"
	"github.com/eddiefleurent/opinion_farmer/internal/exchange"
	"github.com/eddiefleurent/opinion_farmer/internal/mock"
	"github.com/eddiefleurent/opinion_farmer/internal/models"
	"github.com/eddiefleurent/opinion_farmer/internal/notify"
	"github.com/eddiefleurent/opinion_farmer/internal/orders"
	"github.com/eddiefleurent/opinion_farmer/internal/reconcile"
	"github.com/eddiefleurent/opinion_farmer/internal/retry"
	"github.com/eddiefleurent/opinion_farmer/internal/scanner"
	"github.com/eddiefleurent/opinion_farmer/internal/storage"
	"github.com/eddiefleurent/opinion_farmer/internal/strategy"
	"github.com/eddiefleurent/opinion_farmer/internal/validator"
)

const (
	paperStartingBalance = 1000.0
	paperMarkets         = 8
	noMarketPause        = 60 * time.Second
	placeRecheckDelay    = 2 * time.Second
	staleFinishedAfter   = 5 * time.Minute
)

// newGateway returns the exchange gateway for the configured mode. Live
// trading goes through a circuit breaker.
func newGateway(cfg *config.Config, logger *logrus.Logger) (exchange.Gateway, error) {
	if cfg.IsPaperTrading() {
		logger.Info("Paper trading: using simulated exchange")
		return mock.NewSeededPaperExchange(paperStartingBalance, paperMarkets), nil
	}
	client, err := exchange.NewOpinionClient(exchange.OpinionConfig{
		BaseURL:           cfg.Exchange.BaseURL,
		APIKey:            cfg.Exchange.APIKey,
		PrivateKey:        cfg.Exchange.PrivateKey,
		MultiSigAddress:   cfg.Exchange.MultiSigAddress,
		ChainID:           cfg.Exchange.ChainID,
		Timeout:           cfg.Exchange.Timeout,
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
		MaxMarketPages:    cfg.Exchange.MaxMarketPages,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create Opinion client: %w", err)
	}
	return exchange.NewCircuitBreakerGateway(client, logger), nil
}

func newNotifier(cfg *config.Config, logger logrus.FieldLogger) *notify.Notifier {
	var senders []notify.Sender
	if cfg.Notifications.Enabled {
		n := cfg.Notifications
		senders = append(senders, notify.NewTelegramSender(n.TelegramAPIURL, n.TelegramBotToken, n.TelegramChatID))
	}
	return notify.NewNotifier(senders, cfg.Notifications.Events, logger)
}

func ordersConfig(cfg *config.Config) orders.Config {
	oc := orders.DefaultConfig
	oc.PollInterval = cfg.Monitor.FillCheckInterval
	oc.BuyTimeout = cfg.Monitor.BuyTimeout
	oc.SellTimeout = cfg.Monitor.SellTimeout
	oc.CallTimeout = cfg.Exchange.Timeout
	oc.DustShares = cfg.Validator.MinSellableShares

	oc.Liquidity.AutoCancel = config.Enabled(cfg.Liquidity.AutoCancel, true)
	oc.Liquidity.BidDropThreshold = cfg.Liquidity.BidDropThreshold
	oc.Liquidity.SpreadThreshold = cfg.Liquidity.SpreadThreshold
	oc.Liquidity.CheckEvery = cfg.Liquidity.CheckEveryNthPoll

	oc.StopLoss.Enabled = config.Enabled(cfg.StopLoss.Enabled, true)
	oc.StopLoss.TriggerPercent = cfg.StopLoss.TriggerPercent
	oc.StopLoss.AggressiveOffset = cfg.StopLoss.AggressiveOffset
	oc.StopLoss.CheckEvery = cfg.StopLoss.CheckEveryNthPoll
	oc.StopLoss.WaitAttempts = cfg.StopLoss.WaitAttempts
	oc.StopLoss.WaitDelay = cfg.StopLoss.WaitDelay

	oc.Repricing.Enabled = config.Enabled(cfg.Repricing.Enabled, true)
	oc.Repricing.CompetingVolumePct = cfg.Repricing.CompetingVolumePct
	oc.Repricing.AllowBelowBuy = cfg.Repricing.AllowBelowBuy
	oc.Repricing.MaxReductionPct = cfg.Repricing.MaxReductionPct
	oc.Repricing.Mode = orders.RepriceMode(cfg.Repricing.Mode)
	oc.Repricing.LiquidityTargetPct = cfg.Repricing.LiquidityTargetPct
	oc.Repricing.LiquidityReturnPct = cfg.Repricing.LiquidityReturnPct
	oc.Repricing.DynamicIncrease = config.Enabled(cfg.Repricing.DynamicIncrease, true)
	oc.Repricing.CheckEvery = cfg.Repricing.CheckEveryNthPoll
	return oc
}

func capitalConfig(cfg *config.Config) capital.Config {
	c := cfg.Capital
	return capital.Config{
		Mode:                 c.Mode,
		FixedAmount:          c.AmountUSDT,
		Percentage:           c.Percentage,
		MinBalance:           c.MinBalanceUSDT,
		MinPosition:          c.MinPositionUSDT,
		MinPositionForPoints: c.MinPositionForPoints,
		WarnBelowPoints:      config.Enabled(c.WarnBelowPoints, true),
	}
}

func pricingConfig(cfg *config.Config) strategy.Config {
	p := cfg.Pricing
	tiny := 0.0
	if p.ImprovementTiny != nil {
		tiny = *p.ImprovementTiny
	}
	return strategy.Config{
		SpreadThreshold1:  p.SpreadThreshold1,
		SpreadThreshold2:  p.SpreadThreshold2,
		SpreadThreshold3:  p.SpreadThreshold3,
		ImprovementTiny:   tiny,
		ImprovementSmall:  p.ImprovementSmall,
		ImprovementMedium: p.ImprovementMedium,
		ImprovementWide:   p.ImprovementWide,
		SafetyMargin:      p.SafetyMargin,
	}
}

func scannerConfig(cfg *config.Config) scanner.Config {
	s := cfg.Scanner
	return scanner.Config{
		TopN:               s.TopN,
		MinOrderbookOrders: s.MinOrderbookOrders,
		MinHoursUntilClose: s.MinHoursUntilClose,
		BalanceMin:         s.BalanceMin,
		BalanceMax:         s.BalanceMax,
		BonusMarketsFile:   s.BonusMarketsFile,
		Profile:            s.ScoringProfile,
		Concurrency:        s.Concurrency,
	}
}

func validatorConfig(cfg *config.Config) validator.Config {
	return validator.Config{
		MinSellableShares:      cfg.Validator.MinSellableShares,
		MinOrderValueUSDT:      cfg.Validator.MinOrderValueUSDT,
		ManualSaleThresholdPct: cfg.Validator.ManualSaleThresholdPct,
		DustThreshold:          cfg.Reconciliation.DustThreshold,
	}
}

// components groups the collaborators shared by the bot and its handlers.
type components struct {
	gateway  exchange.Gateway
	store    storage.StateStore
	ledger   storage.Ledger
	notifier *notify.Notifier
}

// buildBot wires every component for one process. The state must already
// be loaded from the store.
func buildBot(cfg *config.Config, c components, state *models.BotState, logger *logrus.Logger) (*Bot, error) {
	scan, err := scanner.New(c.gateway, scannerConfig(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("create scanner: %w", err)
	}

	retryClient := retry.NewClient(logger)
	val := validator.New(c.gateway, validatorConfig(cfg), logger)
	oc := ordersConfig(cfg)
	hc := &handlerContext{
		state:              state,
		store:              c.store,
		ledger:             c.ledger,
		gateway:            c.gateway,
		scanner:            scan,
		capital:            capital.NewManager(capitalConfig(cfg), c.gateway, logger),
		pricing:            strategy.NewPricing(pricingConfig(cfg), logger),
		orders:             orders.NewManager(c.gateway, c.store, retryClient, logger, oc),
		validator:          val,
		notifier:           c.notifier,
		logger:             logger.WithField("component", "bot"),
		now:                time.Now,
		sleep:              sleepCtx,
		noMarketPause:      noMarketPause,
		placeRecheckDelay:  placeRecheckDelay,
		positionRetries:    oc.PositionRetries,
		positionRetryDelay: oc.PositionRetryDelay,
		staleFinishedAfter: staleFinishedAfter,
	}

	engine := reconcile.New(c.gateway, c.store, c.ledger, c.notifier, reconcile.Config{
		DustThreshold:  cfg.Reconciliation.DustThreshold,
		ShareTolerance: cfg.Reconciliation.ShareTolerance,
	}, logger)

	b := &Bot{
		config:     cfg,
		hc:         hc,
		reconciler: engine,
		handlers:   defaultHandlers(),
		heartbeat:  notify.NewHeartbeat(cfg.Notifications.HeartbeatInterval),
		maxCycles:  cfg.Bot.MaxCycles,
		cycleDelay: cfg.CycleDelay(),
		logger:     hc.logger,
	}
	if !cfg.IsPaperTrading() {
		b.startDelay = liveStartDelay
	}
	hc.hook = b.onPoll
	return b, nil
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
