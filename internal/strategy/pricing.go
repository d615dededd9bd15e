// Package strategy computes limit prices for BUY and SELL orders from the top of the book.
package strategy

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/opinion_farmer/internal/util"
)

// Config holds the spread buckets and improvements. All values are in cents.
type Config struct {
	SpreadThreshold1  float64 // 0.20: tiny spreads join the queue
	SpreadThreshold2  float64 // 0.50
	SpreadThreshold3  float64 // 1.00
	ImprovementTiny   float64 // 0.00
	ImprovementSmall  float64 // 0.10
	ImprovementMedium float64 // 0.20
	ImprovementWide   float64 // 0.30
	SafetyMargin      float64 // dollars kept between our price and the opposite side
}

// DefaultConfig returns the production buckets.
func DefaultConfig() Config {
	return Config{
		SpreadThreshold1:  0.20,
		SpreadThreshold2:  0.50,
		SpreadThreshold3:  1.00,
		ImprovementTiny:   0.00,
		ImprovementSmall:  0.10,
		ImprovementMedium: 0.20,
		ImprovementWide:   0.30,
		SafetyMargin:      util.PriceTick,
	}
}

// Bucket names a spread category.
type Bucket string

const (
	BucketTiny   Bucket = "TINY"
	BucketSmall  Bucket = "SMALL"
	BucketMedium Bucket = "MEDIUM"
	BucketWide   Bucket = "WIDE"
)

// Pricing is stateless apart from its configuration and safe for concurrent use.
type Pricing struct {
	config Config
	logger logrus.FieldLogger
}

func NewPricing(config Config, logger logrus.FieldLogger) *Pricing {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if config.SafetyMargin <= 0 {
		config.SafetyMargin = util.PriceTick
	}
	return &Pricing{config: config, logger: logger.WithField("component", "pricing")}
}

// Improvement returns the improvement in cents for a spread in cents.
func (p *Pricing) Improvement(spreadCents float64) (float64, Bucket) {
	switch {
	case spreadCents <= p.config.SpreadThreshold1:
		return p.config.ImprovementTiny, BucketTiny
	case spreadCents <= p.config.SpreadThreshold2:
		return p.config.ImprovementSmall, BucketSmall
	case spreadCents <= p.config.SpreadThreshold3:
		return p.config.ImprovementMedium, BucketMedium
	default:
		return p.config.ImprovementWide, BucketWide
	}
}

func validateBook(bestBid, bestAsk float64) error {
	if bestBid <= 0 || bestAsk <= 0 {
		return fmt.Errorf("invalid prices: bid=%.4f ask=%.4f", bestBid, bestAsk)
	}
	if bestBid >= bestAsk {
		return fmt.Errorf("crossed orderbook: bid (%.4f) >= ask (%.4f)", bestBid, bestAsk)
	}
	return nil
}

// BuyPrice improves on the best bid without crossing the ask.
func (p *Pricing) BuyPrice(bestBid, bestAsk float64) (float64, error) {
	if err := validateBook(bestBid, bestAsk); err != nil {
		return 0, err
	}
	spreadCents := (bestAsk - bestBid) * 100
	improvementCents, bucket := p.Improvement(spreadCents)
	improvement := improvementCents / 100

	price := bestBid + improvement
	if improvement != 0 && price-bestBid < util.PriceTick {
		price = bestBid + util.PriceTick
	}

	maxSafe := bestAsk - p.config.SafetyMargin
	if price >= maxSafe {
		p.logger.Warnf("BUY price %.4f would cross ask %.4f, clamping to %.4f", price, bestAsk, maxSafe)
		price = maxSafe
	}
	price = util.RoundPrice(price)

	p.logger.Debugf("BUY price (%s spread %.2fc): bid=%.4f + %.2fc = %.3f", bucket, spreadCents, bestBid, improvementCents, price)
	return price, nil
}

// SellPrice undercuts the best ask without crossing the bid.
func (p *Pricing) SellPrice(bestBid, bestAsk float64) (float64, error) {
	if err := validateBook(bestBid, bestAsk); err != nil {
		return 0, err
	}
	spreadCents := (bestAsk - bestBid) * 100
	improvementCents, bucket := p.Improvement(spreadCents)
	improvement := improvementCents / 100

	price := bestAsk - improvement
	if improvement != 0 && bestAsk-price < util.PriceTick {
		price = bestAsk - util.PriceTick
	}

	minSafe := bestBid + p.config.SafetyMargin
	if price <= minSafe {
		p.logger.Warnf("SELL price %.4f would cross bid %.4f, clamping to %.4f", price, bestBid, minSafe)
		price = minSafe
	}
	price = util.RoundPrice(price)

	p.logger.Debugf("SELL price (%s spread %.2fc): ask=%.4f - %.2fc = %.3f", bucket, spreadCents, bestAsk, improvementCents, price)
	return price, nil
}
