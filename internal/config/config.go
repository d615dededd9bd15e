// Package config provides configuration management for the farming bot.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by Validate when a field is left unset.
const (
	defaultChainID             = 56
	defaultRequestTimeout      = 30 * time.Second
	defaultRequestsPerSecond   = 5.0
	defaultFillCheckInterval   = 9 * time.Second
	defaultOrderTimeout        = 24 * time.Hour
	defaultCycleDelay          = 10 * time.Second
	defaultHeartbeatInterval   = time.Hour
	defaultStopLossWaitAttempt = 6
	defaultStopLossWaitDelay   = 5 * time.Second
	defaultStateFile           = "state.json"
	defaultLedgerFile          = "transaction_history.json"
	defaultBonusFile           = "bonus_markets.txt"
	defaultScoringProfile      = "production_farming"
	defaultDashboardAddr       = "127.0.0.1:8089"
)

// Config represents the complete application configuration.
type Config struct {
	Environment    EnvironmentConfig    `yaml:"environment"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Capital        CapitalConfig        `yaml:"capital"`
	Pricing        PricingConfig        `yaml:"pricing"`
	Scanner        ScannerConfig        `yaml:"scanner"`
	Monitor        MonitorConfig        `yaml:"monitor"`
	Liquidity      LiquidityConfig      `yaml:"liquidity"`
	StopLoss       StopLossConfig       `yaml:"stop_loss"`
	Repricing      RepricingConfig      `yaml:"repricing"`
	Validator      ValidatorConfig      `yaml:"validator"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Storage        StorageConfig        `yaml:"storage"`
	Notifications  NotificationsConfig  `yaml:"notifications"`
	Dashboard      DashboardConfig      `yaml:"dashboard"`
	Bot            BotConfig            `yaml:"bot"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode      string `yaml:"mode"`       // paper | live
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // text | json
	LogFile   string `yaml:"log_file"`
}

// ExchangeConfig defines Opinion API settings. Credentials usually come from .env.
type ExchangeConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	PrivateKey        string        `yaml:"private_key"`
	MultiSigAddress   string        `yaml:"multi_sig_address"`
	ChainID           int64         `yaml:"chain_id"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	MaxMarketPages    int           `yaml:"max_market_pages"`
}

type CapitalConfig struct {
	Mode                 string  `yaml:"mode"` // fixed | percentage
	AmountUSDT           float64 `yaml:"amount_usdt"`
	Percentage           float64 `yaml:"percentage"`
	MinBalanceUSDT       float64 `yaml:"min_balance_usdt"`
	MinPositionUSDT      float64 `yaml:"min_position_usdt"`
	MinPositionForPoints float64 `yaml:"min_position_for_points_usdt"`
	WarnBelowPoints      *bool   `yaml:"warn_below_points"`
}

// PricingConfig holds spread thresholds and improvements in cents.
type PricingConfig struct {
	SpreadThreshold1  float64  `yaml:"spread_threshold_1"`
	SpreadThreshold2  float64  `yaml:"spread_threshold_2"`
	SpreadThreshold3  float64  `yaml:"spread_threshold_3"`
	ImprovementTiny   *float64 `yaml:"improvement_tiny"`
	ImprovementSmall  float64  `yaml:"improvement_small"`
	ImprovementMedium float64  `yaml:"improvement_medium"`
	ImprovementWide   float64  `yaml:"improvement_wide"`
	SafetyMargin      float64  `yaml:"safety_margin"`
}

type ScannerConfig struct {
	TopN               int     `yaml:"top_n"`
	MinOrderbookOrders int     `yaml:"min_orderbook_orders"`
	MinHoursUntilClose float64 `yaml:"min_hours_until_close"`
	BalanceMin         float64 `yaml:"balance_min"`
	BalanceMax         float64 `yaml:"balance_max"`
	BonusMarketsFile   string  `yaml:"bonus_markets_file"`
	ScoringProfile     string  `yaml:"scoring_profile"`
	Concurrency        int     `yaml:"concurrency"`
}

type MonitorConfig struct {
	FillCheckInterval time.Duration `yaml:"fill_check_interval"`
	BuyTimeout        time.Duration `yaml:"buy_timeout"`
	SellTimeout       time.Duration `yaml:"sell_timeout"`
}

type LiquidityConfig struct {
	AutoCancel        *bool   `yaml:"auto_cancel"`
	BidDropThreshold  float64 `yaml:"bid_drop_threshold"` // percent
	SpreadThreshold   float64 `yaml:"spread_threshold"`   // percent
	CheckEveryNthPoll int     `yaml:"check_every"`
}

type StopLossConfig struct {
	Enabled           *bool         `yaml:"enabled"`
	TriggerPercent    float64       `yaml:"trigger_percent"` // negative, e.g. -10
	AggressiveOffset  float64       `yaml:"aggressive_offset"`
	CheckEveryNthPoll int           `yaml:"check_every"`
	WaitAttempts      int           `yaml:"wait_attempts"`
	WaitDelay         time.Duration `yaml:"wait_delay"`
}

type RepricingConfig struct {
	Enabled            *bool   `yaml:"enabled"`
	CompetingVolumePct float64 `yaml:"competing_volume_pct"`
	AllowBelowBuy      bool    `yaml:"allow_below_buy"`
	MaxReductionPct    float64 `yaml:"max_reduction_pct"`
	Mode               string  `yaml:"mode"` // best | second_best | liquidity_percent
	LiquidityTargetPct float64 `yaml:"liquidity_target_pct"`
	LiquidityReturnPct float64 `yaml:"liquidity_return_pct"`
	DynamicIncrease    *bool   `yaml:"dynamic_increase"`
	CheckEveryNthPoll  int     `yaml:"check_every"`
}

type ValidatorConfig struct {
	MinSellableShares      float64 `yaml:"min_sellable_shares"`
	MinOrderValueUSDT      float64 `yaml:"min_order_value_usdt"`
	ManualSaleThresholdPct float64 `yaml:"manual_sale_threshold_pct"`
}

type ReconciliationConfig struct {
	DustThreshold  float64 `yaml:"dust_threshold"`
	ShareTolerance float64 `yaml:"share_tolerance"`
}

// StorageConfig defines where state and the trade ledger live.
type StorageConfig struct {
	StateFile     string `yaml:"state_file"`
	LedgerBackend string `yaml:"ledger_backend"` // json | sqlite
	LedgerPath    string `yaml:"ledger_path"`
}

type NotificationsConfig struct {
	Enabled           bool          `yaml:"enabled"`
	TelegramBotToken  string        `yaml:"telegram_bot_token"`
	TelegramChatID    string        `yaml:"telegram_chat_id"`
	TelegramAPIURL    string        `yaml:"telegram_api_url"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Events            []string      `yaml:"events"`
}

type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`
}

type BotConfig struct {
	CycleDelay time.Duration `yaml:"cycle_delay"`
	MaxCycles  int           `yaml:"max_cycles"` // 0 = unbounded
}

// Load reads .env (when present next to the config or in the working
// directory), expands ${VAR} references and parses the YAML strictly.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(configPath), ".env"), ".env"); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// loadDotEnv loads the first existing file. Variables already set in the
// process environment win.
func loadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
		return nil
	}
	return nil
}

// Validate fills defaults and checks that all values are valid and consistent.
func (c *Config) Validate() error {
	c.applyDefaults()

	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug, info, warn, error")
	}
	if c.Environment.LogFormat != "text" && c.Environment.LogFormat != "json" {
		return fmt.Errorf("environment.log_format must be 'text' or 'json'")
	}

	// Exchange validation
	if !c.IsPaperTrading() {
		if c.Exchange.APIKey == "" {
			return fmt.Errorf("exchange.api_key is required in live mode")
		}
		if c.Exchange.PrivateKey == "" || c.Exchange.MultiSigAddress == "" {
			return fmt.Errorf("exchange.private_key and exchange.multi_sig_address are required in live mode")
		}
	}
	if c.Exchange.RequestsPerSecond <= 0 {
		return fmt.Errorf("exchange.requests_per_second must be > 0")
	}

	// Capital validation
	if c.Capital.Mode != "fixed" && c.Capital.Mode != "percentage" {
		return fmt.Errorf("capital.mode must be 'fixed' or 'percentage', got %q", c.Capital.Mode)
	}
	if c.Capital.Mode == "percentage" && (c.Capital.Percentage <= 0 || c.Capital.Percentage > 100) {
		return fmt.Errorf("capital.percentage must be in (0,100]")
	}
	if c.Capital.Mode == "fixed" && c.Capital.AmountUSDT <= 0 {
		return fmt.Errorf("capital.amount_usdt must be > 0")
	}
	if c.Capital.MinBalanceUSDT < 0 || c.Capital.MinPositionUSDT < 0 {
		return fmt.Errorf("capital minimums must be >= 0")
	}

	// Pricing validation
	p := c.Pricing
	if !(p.SpreadThreshold1 < p.SpreadThreshold2 && p.SpreadThreshold2 < p.SpreadThreshold3) {
		return fmt.Errorf("pricing.spread_threshold_1 < spread_threshold_2 < spread_threshold_3 required")
	}
	if *p.ImprovementTiny < 0 || p.ImprovementSmall < 0 || p.ImprovementMedium < 0 || p.ImprovementWide < 0 {
		return fmt.Errorf("pricing improvements must be >= 0")
	}
	if p.SafetyMargin < 0.0001 || p.SafetyMargin > 0.01 {
		return fmt.Errorf("pricing.safety_margin must be 0.0001-0.01, got %v", p.SafetyMargin)
	}

	// Scanner validation
	if c.Scanner.TopN <= 0 {
		return fmt.Errorf("scanner.top_n must be > 0")
	}
	if c.Scanner.BalanceMin < 0 || c.Scanner.BalanceMax > 100 || c.Scanner.BalanceMin >= c.Scanner.BalanceMax {
		return fmt.Errorf("scanner.balance_min/balance_max must satisfy 0 <= min < max <= 100")
	}
	switch c.Scanner.ScoringProfile {
	case "production_farming", "test_quick_fill", "balanced":
	default:
		return fmt.Errorf("scanner.scoring_profile %q is not a known profile", c.Scanner.ScoringProfile)
	}

	// Monitor validation
	if c.Monitor.FillCheckInterval <= 0 || c.Monitor.BuyTimeout <= 0 || c.Monitor.SellTimeout <= 0 {
		return fmt.Errorf("monitor intervals and timeouts must be > 0")
	}

	// Liquidity / stop-loss / repricing validation
	if c.Liquidity.BidDropThreshold <= 0 || c.Liquidity.SpreadThreshold <= 0 {
		return fmt.Errorf("liquidity thresholds must be > 0")
	}
	if c.StopLoss.TriggerPercent >= 0 {
		return fmt.Errorf("stop_loss.trigger_percent must be negative, got %v", c.StopLoss.TriggerPercent)
	}
	switch c.Repricing.Mode {
	case "best", "second_best", "liquidity_percent":
	default:
		return fmt.Errorf("repricing.mode must be best, second_best or liquidity_percent")
	}
	if c.Repricing.MaxReductionPct < 0 || c.Repricing.MaxReductionPct > 100 {
		return fmt.Errorf("repricing.max_reduction_pct must be in [0,100]")
	}

	// Reconciliation validation
	if c.Reconciliation.DustThreshold < 0 || c.Reconciliation.ShareTolerance < 0 {
		return fmt.Errorf("reconciliation thresholds must be >= 0")
	}

	// Storage validation
	if c.Storage.LedgerBackend != "json" && c.Storage.LedgerBackend != "sqlite" {
		return fmt.Errorf("storage.ledger_backend must be 'json' or 'sqlite'")
	}

	// Notifications validation
	if c.Notifications.Enabled && (c.Notifications.TelegramBotToken == "" || c.Notifications.TelegramChatID == "") {
		return fmt.Errorf("notifications.telegram_bot_token and telegram_chat_id are required when notifications are enabled")
	}

	if c.Bot.MaxCycles < 0 {
		return fmt.Errorf("bot.max_cycles must be >= 0")
	}

	return nil
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// CycleDelay returns the pause between orchestrator iterations.
func (c *Config) CycleDelay() time.Duration {
	if c.Bot.CycleDelay <= 0 {
		return defaultCycleDelay
	}
	return c.Bot.CycleDelay
}

// Enabled reports whether an optional toggle is on, treating unset as def.
func Enabled(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func boolPtr(b bool) *bool { return &b }

// applyDefaults sets values the original farming setup used when a field is unset.
func (c *Config) applyDefaults() {
	setStr := func(p *string, v string) {
		if *p == "" {
			*p = v
		}
	}
	setF := func(p *float64, v float64) {
		if *p == 0 {
			*p = v
		}
	}
	setI := func(p *int, v int) {
		if *p == 0 {
			*p = v
		}
	}
	setD := func(p *time.Duration, v time.Duration) {
		if *p == 0 {
			*p = v
		}
	}
	setB := func(p **bool, v bool) {
		if *p == nil {
			*p = boolPtr(v)
		}
	}

	setStr(&c.Environment.LogLevel, "info")
	setStr(&c.Environment.LogFormat, "text")

	if c.Exchange.ChainID == 0 {
		c.Exchange.ChainID = defaultChainID
	}
	setD(&c.Exchange.Timeout, defaultRequestTimeout)
	setF(&c.Exchange.RequestsPerSecond, defaultRequestsPerSecond)

	setStr(&c.Capital.Mode, "percentage")
	setF(&c.Capital.AmountUSDT, 10)
	setF(&c.Capital.Percentage, 90)
	setF(&c.Capital.MinBalanceUSDT, 10)
	setF(&c.Capital.MinPositionUSDT, 10)
	setF(&c.Capital.MinPositionForPoints, 10)
	setB(&c.Capital.WarnBelowPoints, true)

	setF(&c.Pricing.SpreadThreshold1, 0.20)
	setF(&c.Pricing.SpreadThreshold2, 0.50)
	setF(&c.Pricing.SpreadThreshold3, 1.00)
	if c.Pricing.ImprovementTiny == nil {
		zero := 0.0
		c.Pricing.ImprovementTiny = &zero
	}
	setF(&c.Pricing.ImprovementSmall, 0.10)
	setF(&c.Pricing.ImprovementMedium, 0.20)
	setF(&c.Pricing.ImprovementWide, 0.30)
	setF(&c.Pricing.SafetyMargin, 0.001)

	setI(&c.Scanner.TopN, 5)
	setI(&c.Scanner.MinOrderbookOrders, 1)
	setF(&c.Scanner.MinHoursUntilClose, 30)
	setF(&c.Scanner.BalanceMin, 20)
	setF(&c.Scanner.BalanceMax, 80)
	setStr(&c.Scanner.BonusMarketsFile, defaultBonusFile)
	setStr(&c.Scanner.ScoringProfile, defaultScoringProfile)
	setI(&c.Scanner.Concurrency, 8)

	setD(&c.Monitor.FillCheckInterval, defaultFillCheckInterval)
	setD(&c.Monitor.BuyTimeout, defaultOrderTimeout)
	setD(&c.Monitor.SellTimeout, defaultOrderTimeout)

	setB(&c.Liquidity.AutoCancel, true)
	setF(&c.Liquidity.BidDropThreshold, 25)
	setF(&c.Liquidity.SpreadThreshold, 15)
	setI(&c.Liquidity.CheckEveryNthPoll, 5)

	setB(&c.StopLoss.Enabled, true)
	setF(&c.StopLoss.TriggerPercent, -10)
	setF(&c.StopLoss.AggressiveOffset, 0.001)
	setI(&c.StopLoss.CheckEveryNthPoll, 3)
	setI(&c.StopLoss.WaitAttempts, defaultStopLossWaitAttempt)
	setD(&c.StopLoss.WaitDelay, defaultStopLossWaitDelay)

	setB(&c.Repricing.Enabled, true)
	setF(&c.Repricing.CompetingVolumePct, 50)
	setF(&c.Repricing.MaxReductionPct, 5)
	setStr(&c.Repricing.Mode, "best")
	setF(&c.Repricing.LiquidityTargetPct, 30)
	setF(&c.Repricing.LiquidityReturnPct, 20)
	setB(&c.Repricing.DynamicIncrease, true)
	setI(&c.Repricing.CheckEveryNthPoll, 3)

	setF(&c.Validator.MinSellableShares, 5)
	setF(&c.Validator.MinOrderValueUSDT, 1.30)
	setF(&c.Validator.ManualSaleThresholdPct, 95)

	setF(&c.Reconciliation.DustThreshold, 5)
	setF(&c.Reconciliation.ShareTolerance, 0.01)

	setStr(&c.Storage.StateFile, defaultStateFile)
	setStr(&c.Storage.LedgerBackend, "json")
	if c.Storage.LedgerPath == "" {
		if c.Storage.LedgerBackend == "sqlite" {
			c.Storage.LedgerPath = "transaction_history.db"
		} else {
			c.Storage.LedgerPath = defaultLedgerFile
		}
	}

	setD(&c.Notifications.HeartbeatInterval, defaultHeartbeatInterval)

	setStr(&c.Dashboard.Addr, defaultDashboardAddr)

	setD(&c.Bot.CycleDelay, defaultCycleDelay)
}
