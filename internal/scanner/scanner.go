// Package scanner finds and ranks markets worth farming.
package scanner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/opinion_farmer/internal/exchange"
	"github.com/eddiefleurent/opinion_farmer/internal/models"
)

// Source is the slice of the exchange gateway the scanner reads.
type Source interface {
	GetActiveMarkets(ctx context.Context) ([]exchange.Market, error)
	GetOrderbook(ctx context.Context, tokenID string) (*exchange.Orderbook, error)
}

type Config struct {
	TopN               int
	MinOrderbookOrders int
	MinHoursUntilClose float64
	BalanceMin         float64 // midpoint percent
	BalanceMax         float64
	BonusMarketsFile   string
	Profile            string
	Concurrency        int
}

// Candidate is one scored market outcome.
type Candidate struct {
	MarketID    int
	Title       string
	TokenID     string
	OutcomeSide string
	BestBid     float64
	BestAsk     float64
	SpreadAbs   float64
	SpreadPct   float64
	Volume24h   float64
	IsBonus     bool
	Score       float64
}

// BookTop is the top of a freshly fetched book.
type BookTop struct {
	BestBid float64
	BestAsk float64
	Spread  float64
}

type Scanner struct {
	source  Source
	config  Config
	profile Profile
	logger  logrus.FieldLogger
	now     func() time.Time
}

func New(source Source, config Config, logger logrus.FieldLogger) (*Scanner, error) {
	if source == nil {
		return nil, errors.New("scanner: nil source")
	}
	profile, err := ProfileByName(config.Profile)
	if err != nil {
		return nil, err
	}
	if config.TopN <= 0 {
		config.TopN = 5
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 8
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scanner{
		source:  source,
		config:  config,
		profile: profile,
		logger:  logger.WithField("component", "scanner"),
		now:     time.Now,
	}, nil
}

// LoadBonusMarkets reads one market id per line; '#' starts a comment.
// A missing file yields an empty set.
func LoadBonusMarkets(path string) (map[int]bool, error) {
	ids := make(map[int]bool)
	if path == "" {
		return ids, nil
	}
	f, err := os.Open(path) // #nosec G304 -- operator-provided path
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ids, nil
		}
		return nil, fmt.Errorf("open bonus markets: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		id, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		ids[id] = true
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read bonus markets: %w", err)
	}
	return ids, nil
}

// ScanAndRank scores every active market and returns the best TopN
// candidates, one outcome per market, highest score first.
func (s *Scanner) ScanAndRank(ctx context.Context) ([]Candidate, error) {
	bonus, err := LoadBonusMarkets(s.config.BonusMarketsFile)
	if err != nil {
		s.logger.Warnf("Bonus markets unavailable: %v", err)
		bonus = map[int]bool{}
	}

	markets, err := s.source.GetActiveMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active markets: %w", err)
	}
	s.logger.Infof("MARKET SCANNER: %d active markets, profile %s, %d bonus", len(markets), s.profile.Name, len(bonus))

	var (
		mu         sync.Mutex
		candidates []Candidate
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for i := range markets {
		m := markets[i]
		g.Go(func() error {
			best, ok := s.analyzeMarket(gctx, &m, bonus[m.ID])
			if ok {
				mu.Lock()
				candidates = append(candidates, best)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].MarketID < candidates[j].MarketID
	})
	if len(candidates) > s.config.TopN {
		candidates = candidates[:s.config.TopN]
	}
	for i, c := range candidates {
		s.logger.Infof("#%d market %d %s (%s) score=%.4f spread=%.2f%% bonus=%t",
			i+1, c.MarketID, truncate(c.Title, 50), c.OutcomeSide, c.Score, c.SpreadPct, c.IsBonus)
	}
	return candidates, nil
}

// analyzeMarket scores both outcomes and keeps the better one. Any failure
// excludes only this market.
func (s *Scanner) analyzeMarket(ctx context.Context, m *exchange.Market, isBonus bool) (Candidate, bool) {
	log := s.logger.WithField("market_id", m.ID)

	if hours := m.HoursUntilClose(s.now()); hours < s.config.MinHoursUntilClose {
		log.Debugf("REJECTED: closes in %.1fh (< %.1fh)", hours, s.config.MinHoursUntilClose)
		return Candidate{}, false
	}

	var (
		best  Candidate
		found bool
	)
	for _, side := range []string{models.OutcomeYes, models.OutcomeNo} {
		tokenID := m.TokenFor(side)
		if tokenID == "" {
			continue
		}
		book, err := s.source.GetOrderbook(ctx, tokenID)
		if err != nil {
			log.Debugf("REJECTED %s: orderbook unavailable: %v", side, err)
			continue
		}
		c, ok := s.scoreOutcome(log, m, side, tokenID, book, isBonus)
		if !ok {
			continue
		}
		if !found || c.Score > best.Score {
			best, found = c, true
		}
	}
	return best, found
}

func (s *Scanner) scoreOutcome(log logrus.FieldLogger, m *exchange.Market, side, tokenID string, book *exchange.Orderbook, isBonus bool) (Candidate, bool) {
	if book == nil {
		return Candidate{}, false
	}
	if len(book.Bids) < s.config.MinOrderbookOrders || len(book.Asks) < s.config.MinOrderbookOrders {
		log.Debugf("REJECTED %s: %d bids / %d asks (< %d)", side, len(book.Bids), len(book.Asks), s.config.MinOrderbookOrders)
		return Candidate{}, false
	}
	bid, ask := book.BestBid(), book.BestAsk()
	if bid <= 0 || ask <= 0 || bid >= ask {
		log.Debugf("REJECTED %s: invalid book bid=%.4f ask=%.4f", side, bid, ask)
		return Candidate{}, false
	}
	midPct := (bid + ask) / 2 * 100
	if s.config.BalanceMax > 0 && (midPct < s.config.BalanceMin || midPct > s.config.BalanceMax) {
		log.Debugf("REJECTED %s: midpoint %.1f%% outside %.0f-%.0f%%", side, midPct, s.config.BalanceMin, s.config.BalanceMax)
		return Candidate{}, false
	}

	spreadAbs := ask - bid
	spreadPct := spreadAbs / bid * 100
	score := s.profile.score(scoreInput{
		book:      book,
		bestBid:   bid,
		bestAsk:   ask,
		spreadPct: spreadPct,
		volume24h: m.Volume24h,
		isBonus:   isBonus,
	})
	return Candidate{
		MarketID:    m.ID,
		Title:       m.Title,
		TokenID:     tokenID,
		OutcomeSide: side,
		BestBid:     bid,
		BestAsk:     ask,
		SpreadAbs:   spreadAbs,
		SpreadPct:   spreadPct,
		Volume24h:   m.Volume24h,
		IsBonus:     isBonus,
		Score:       score,
	}, true
}

// FreshOrderbook re-reads the book right before placement.
func (s *Scanner) FreshOrderbook(ctx context.Context, tokenID string) (*BookTop, error) {
	book, err := s.source.GetOrderbook(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("fresh orderbook: %w", err)
	}
	if book == nil {
		return nil, fmt.Errorf("fresh orderbook: empty response for %s", tokenID)
	}
	top := &BookTop{BestBid: book.BestBid(), BestAsk: book.BestAsk()}
	top.Spread = top.BestAsk - top.BestBid
	return top, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
