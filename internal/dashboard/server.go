// Package dashboard serves a read-only JSON view of the bot's state and ledger.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/opinion_farmer/internal/models"
	"github.com/eddiefleurent/opinion_farmer/internal/storage"
)

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 500
	balanceTimeout     = 5 * time.Second
)

// StateSource reads the persisted state document. The dashboard never
// touches the live in-memory state.
type StateSource interface {
	LoadExisting() (*models.BotState, error)
}

// BalanceSource reports the wallet's USDT balance. Optional.
type BalanceSource interface {
	GetUSDTBalance(ctx context.Context) (float64, error)
}

type Server struct {
	router    *chi.Mux
	server    *http.Server
	state     StateSource
	ledger    storage.Ledger
	balance   BalanceSource
	logger    logrus.FieldLogger
	addr      string
	authToken string
}

type Config struct {
	Addr      string
	AuthToken string
}

// StateView is the /api/state payload.
type StateView struct {
	Stage            models.Stage     `json:"stage"`
	StageDescription string           `json:"stage_description"`
	CycleNumber      int              `json:"cycle_number"`
	Position         *models.Position `json:"current_position"`
	StartedAt        time.Time        `json:"started_at,omitzero"`
	LastUpdatedAt    time.Time        `json:"last_updated_at"`
}

// StatsView is the /api/statistics payload.
type StatsView struct {
	Statistics  models.Statistics `json:"statistics"`
	Ledger      storage.Totals    `json:"ledger"`
	BalanceUSDT *float64          `json:"balance_usdt,omitempty"`
}

func NewServer(cfg Config, state StateSource, ledger storage.Ledger, balance BalanceSource, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router:    chi.NewRouter(),
		state:     state,
		ledger:    ledger,
		balance:   balance,
		logger:    logger.WithField("component", "dashboard"),
		addr:      cfg.Addr,
		authToken: cfg.AuthToken,
	}

	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/state", s.handleGetState)
	s.router.Get("/api/statistics", s.handleGetStats)
	s.router.Get("/api/transactions", s.handleGetTransactions)
	s.router.Get("/api/pnl/{marketID}", s.handleGetMarketPnL)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start serves until Shutdown. http.ErrServerClosed is not an error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on %s", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) loadState(w http.ResponseWriter) (*models.BotState, bool) {
	state, err := s.state.LoadExisting()
	switch {
	case errors.Is(err, storage.ErrNoState):
		return models.NewBotState(), true
	case err != nil:
		s.logger.WithError(err).Error("Failed to load state")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return nil, false
	}
	return state, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request) {
	state, ok := s.loadState(w)
	if !ok {
		return
	}
	s.writeJSON(w, StateView{
		Stage:            state.Stage,
		StageDescription: state.Stage.Description(),
		CycleNumber:      state.CycleNumber,
		Position:         state.CurrentPosition,
		StartedAt:        state.StartedAt,
		LastUpdatedAt:    state.LastUpdatedAt,
	})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	state, ok := s.loadState(w)
	if !ok {
		return
	}
	view := StatsView{Statistics: state.Statistics}

	totals, err := s.ledger.Totals()
	if err != nil {
		s.logger.WithError(err).Error("Failed to read ledger totals")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	view.Ledger = totals

	if s.balance != nil {
		ctx, cancel := context.WithTimeout(r.Context(), balanceTimeout)
		defer cancel()
		if bal, err := s.balance.GetUSDTBalance(ctx); err == nil {
			view.BalanceUSDT = &bal
		} else {
			s.logger.WithError(err).Warn("Failed to read balance")
		}
	}
	s.writeJSON(w, view)
}

// handleGetTransactions returns the newest entries first. market_id
// narrows the result to one market.
func (s *Server) handleGetTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultRecentLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxRecentLimit)
	}

	var (
		txs []storage.Transaction
		err error
	)
	if raw := q.Get("market_id"); raw != "" {
		id, convErr := strconv.Atoi(raw)
		if convErr != nil || id <= 0 {
			http.Error(w, "market_id must be a positive integer", http.StatusBadRequest)
			return
		}
		txs, err = s.ledger.TransactionsForMarket(id)
		if err == nil {
			txs = newestFirst(txs, limit)
		}
	} else {
		txs, err = s.ledger.Recent(limit)
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to read transactions")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []storage.Transaction{}
	}
	s.writeJSON(w, txs)
}

// newestFirst reverses ledger order and keeps at most limit entries.
func newestFirst(txs []storage.Transaction, limit int) []storage.Transaction {
	out := make([]storage.Transaction, 0, min(len(txs), limit))
	for i := len(txs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, txs[i])
	}
	return out
}

func (s *Server) handleGetMarketPnL(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "marketID"))
	if err != nil || id <= 0 {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	txs, err := s.ledger.TransactionsForMarket(id)
	if err != nil {
		s.logger.WithError(err).Error("Failed to read market transactions")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if len(txs) == 0 {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	pnl, err := s.ledger.MarketPnL(id)
	if err != nil {
		s.logger.WithError(err).Error("Failed to compute market P&L")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]any{
		"market_id":    id,
		"transactions": txs,
		"pnl":          pnl,
	})
}
