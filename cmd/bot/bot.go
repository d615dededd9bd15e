package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/opinion_farmer/internal/config"
	"github.com/eddiefleurent/opinion_farmer/internal/models"
	"github.com/eddiefleurent/opinion_farmer/internal/notify"
	"github.com/eddiefleurent/opinion_farmer/internal/orders"
	"github.com/eddiefleurent/opinion_farmer/internal/reconcile"
)

const (
	// errorBackoffFactor multiplies the cycle delay after a failed stage.
	errorBackoffFactor = 3
	shutdownTimeout    = 10 * time.Second
)

// Bot drives the farming state machine one stage per iteration.
type Bot struct {
	config     *config.Config
	hc         *handlerContext
	reconciler *reconcile.Engine
	handlers   map[models.Stage]stageHandler
	heartbeat  *notify.Heartbeat
	logger     logrus.FieldLogger

	maxCycles  int // 0 = unbounded
	cycleDelay time.Duration
	startDelay time.Duration
	iterations int
}

// State returns the live state. Only safe to read from the loop goroutine.
func (b *Bot) State() *models.BotState {
	return b.hc.state
}

// step runs one orchestrator iteration: invariant repair, reconciliation,
// statistics settlement and then the current stage's handler.
func (b *Bot) step(ctx context.Context) error {
	state := b.hc.state

	if _, ok := b.handlers[state.Stage]; !ok {
		unknown := state.Stage
		b.logger.Errorf("Unknown stage %q, resetting to IDLE", unknown)
		state.ForceStage(models.StageIdle)
		state.ResetPosition()
		if err := b.hc.save(); err != nil {
			return err
		}
		return fmt.Errorf("unknown stage %q", unknown)
	}

	if state.RepairInvariant() {
		b.logger.Warnf("Repaired position/stage invariant, stage is now %s", state.Stage)
		if err := b.hc.save(); err != nil {
			return err
		}
	}

	if d := b.reconciler.DetectDiscrepancy(ctx, state); d != nil {
		if r := b.reconciler.Reconcile(ctx, state, d); !r.Success {
			b.logger.Warnf("Reconciliation did not resolve %s: %s", d.Type, r.Reason)
		}
	}

	if state.Stage != models.StageCompleted && settleCompletedTrade(state, b.logger) {
		if err := b.hc.save(); err != nil {
			return err
		}
	}

	return b.handlers[state.Stage](ctx, b.hc)
}

// Run loops until ctx is cancelled, max cycles is reached or capital runs out.
func (b *Bot) Run(ctx context.Context) error {
	if b.startDelay > 0 {
		b.logger.Warnf("LIVE TRADING MODE - real money at risk, starting in %v", b.startDelay)
		if err := b.hc.sleep(ctx, b.startDelay); err != nil {
			b.shutdown("shutdown requested")
			return nil
		}
	}
	b.notifyStartup(ctx)

	var runErr error
	reason := "stopped"
	for {
		if b.maxCycles > 0 && b.iterations >= b.maxCycles {
			b.logger.Infof("Reached max cycles (%d)", b.maxCycles)
			reason = fmt.Sprintf("max cycles (%d) reached", b.maxCycles)
			break
		}
		if ctx.Err() != nil {
			reason = "shutdown requested"
			break
		}
		b.iterations++

		delay := b.cycleDelay
		if err := b.step(ctx); err != nil {
			if errors.Is(err, errCapitalExhausted) {
				b.logger.Errorf("Stopping: %v", err)
				reason = "capital exhausted"
				runErr = err
				break
			}
			if ctx.Err() != nil {
				reason = "shutdown requested"
				break
			}
			b.logger.WithField("stage", b.hc.state.Stage).Errorf("Cycle error: %v", err)
			title, msg := notify.ErrorMessage(fmt.Sprintf("stage %s", b.hc.state.Stage), err)
			b.hc.alert(notify.EventError, title, msg)
			delay = errorBackoffFactor * b.cycleDelay
		}

		if err := b.hc.sleep(ctx, delay); err != nil {
			reason = "shutdown requested"
			break
		}
	}

	b.shutdown(reason)
	return runErr
}

func (b *Bot) notifyStartup(ctx context.Context) {
	balance, err := b.hc.gateway.GetUSDTBalance(ctx)
	if err != nil {
		b.logger.Warnf("Could not read balance for startup message: %v", err)
	}
	s := b.hc.state
	b.logger.WithFields(logrus.Fields{
		"stage":   s.Stage,
		"cycle":   s.CycleNumber,
		"trades":  s.Statistics.TotalTrades,
		"balance": balance,
	}).Info("Bot starting")
	title, msg := notify.StartupMessage(s.Statistics, balance, b.config.Environment.Mode,
		b.config.Scanner.ScoringProfile, config.Enabled(b.config.StopLoss.Enabled, true))
	b.hc.alert(notify.EventStartup, title, msg)
}

// shutdown logs the session summary and flushes notifications on a fresh
// context so they survive the cancelled run context.
func (b *Bot) shutdown(reason string) {
	s := b.hc.state.Statistics
	b.logger.WithFields(logrus.Fields{
		"reason":     reason,
		"iterations": b.iterations,
		"trades":     s.TotalTrades,
		"pnl_usdt":   fmt.Sprintf("%.2f", s.TotalPnLUSDT),
		"win_rate":   fmt.Sprintf("%.1f%%", s.WinRatePercent),
	}).Info("Session summary")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	title, msg := notify.ShutdownMessage(s, b.iterations, reason)
	if err := b.hc.notifier.Notify(ctx, notify.EventShutdown, title, msg); err != nil {
		b.logger.Warnf("Shutdown notification failed: %v", err)
	}
	b.hc.notifier.Wait(ctx)
}

// onPoll sends a throttled heartbeat while an order is being monitored.
func (b *Bot) onPoll(p orders.Progress) {
	if !b.heartbeat.Due() {
		return
	}
	info := notify.HeartbeatInfo{
		Stage:    b.hc.state.Stage,
		MarketID: p.MarketID,
		Side:     p.Side,
		Elapsed:  p.Elapsed,
	}
	if pos := b.hc.state.CurrentPosition; pos != nil {
		info.MarketTitle = pos.MarketTitle
		info.OutcomeSide = pos.OutcomeSide
	}
	if p.Order != nil {
		info.OrderPrice = p.Order.Price
		info.FilledShares = p.Order.FilledShares
		info.OrderShares = p.Order.OrderShares
	}
	if p.CurrentPrice > 0 {
		info.OrderPrice = p.CurrentPrice
	}
	if p.Liquidity != nil {
		info.BestBid = p.Liquidity.BestBid
		info.BestAsk = p.Liquidity.BestAsk
	}
	title, msg := notify.HeartbeatMessage(info)
	b.hc.alert(notify.EventHeartbeat, title, msg)
}
