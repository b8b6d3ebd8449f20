// Package config loads and validates the engine's runtime configuration:
// a JSON file for bot settings plus .env-sourced API credentials.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/ducminhle1904/perp-grid-bot/internal/exchange"
	"github.com/ducminhle1904/perp-grid-bot/internal/gridmgr"
)

// TradingMode selects which Gateway adapter and loop the engine runs.
type TradingMode string

const (
	TradingModeLive          TradingMode = "LIVE"
	TradingModePaperTrading  TradingMode = "PAPER_TRADING"
	TradingModeBacktest      TradingMode = "BACKTEST"
	TradingModePerpetualLive TradingMode = "PERPETUAL_LIVE"
)

// InstrumentType gates perpetual-only features; spot is accepted by the
// enum for config-file compatibility but rejected by Validate since this
// engine is perpetual-futures only.
type InstrumentType string

const (
	InstrumentSpot      InstrumentType = "spot"
	InstrumentPerpetual InstrumentType = "perpetual"
)

// Config is the top-level configuration recognized by cmd/gridbot.
type Config struct {
	ExchangeName string `json:"exchange_name"`

	BaseCurrency  string `json:"base_currency"`
	QuoteCurrency string `json:"quote_currency"`

	TradingMode    TradingMode          `json:"trading_mode"`
	InstrumentType InstrumentType       `json:"instrument_type"`
	StrategyType   gridmgr.StrategyType `json:"strategy_type"`
	SpacingType    gridmgr.SpacingType  `json:"spacing_type"`

	ReversionPrice  float64 `json:"reversion_price"`
	GridRatio       float64 `json:"grid_ratio"`
	GridValue       float64 `json:"grid_value"`
	NumGrids        int     `json:"num_grids"`
	MaxPlacedOrders int     `json:"max_placed_orders"`

	Leverage   float64 `json:"leverage"`
	MarginMode string  `json:"margin_mode"`

	InitialBalance float64 `json:"initial_balance"`

	TradingFee           float64 `json:"trading_fee"`
	LiquidationThreshold float64 `json:"liquidation_threshold"`
	FundingRateThreshold float64 `json:"funding_rate_threshold"`

	TakeProfitPrice float64 `json:"take_profit_price"`
	StopLossPrice   float64 `json:"stop_loss_price"`

	Timeframe string `json:"timeframe"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`

	Testnet bool `json:"testnet"`
	Debug   bool `json:"debug"`
}

// Symbol builds the base/quote:quote perpetual symbol.
func (c *Config) Symbol() string {
	return fmt.Sprintf("%s/%s:%s", c.BaseCurrency, c.QuoteCurrency, c.QuoteCurrency)
}

// LoadFromJSON reads, parses and validates a Config from a JSON file.
func LoadFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadEnv loads API credentials from envPath via godotenv. Callers treat a
// missing file as a warning, not a fatal error, falling back to
// already-exported environment variables.
func LoadEnv(envPath string) error {
	if err := godotenv.Load(envPath); err != nil {
		return fmt.Errorf("config: could not load %s: %w", envPath, err)
	}
	return nil
}

// Credentials is the exchange API key pair that LoadCredentials reads from
// the process environment, populated by LoadEnv or the shell.
type Credentials struct {
	APIKey    string
	APISecret string
}

// LoadCredentials reads the exchange API key pair named by the
// EXCHANGE_NAME_API_KEY / _API_SECRET convention.
func LoadCredentials(exchangeName string) Credentials {
	prefix := strings.ToUpper(exchangeName)
	return Credentials{
		APIKey:    os.Getenv(prefix + "_API_KEY"),
		APISecret: os.Getenv(prefix + "_API_SECRET"),
	}
}

// Validate checks the identity, mode, lattice, leverage, margin, fee and
// risk-limit fields, returning the first problem found. Other fields (the
// grid value, funding threshold, backtest dates, take-profit/stop-loss
// settings and flags) are not checked.
func (c *Config) Validate() error {
	if c.ExchangeName == "" {
		return fmt.Errorf("config: exchange_name is required")
	}
	if c.BaseCurrency == "" || c.QuoteCurrency == "" {
		return fmt.Errorf("config: base_currency and quote_currency are required")
	}

	switch c.TradingMode {
	case TradingModeLive, TradingModePaperTrading, TradingModeBacktest, TradingModePerpetualLive:
	default:
		return fmt.Errorf("config: unsupported trading_mode %q", c.TradingMode)
	}

	if c.InstrumentType != InstrumentPerpetual {
		return fmt.Errorf("config: instrument_type must be %q, got %q (spot is not supported by this engine)", InstrumentPerpetual, c.InstrumentType)
	}

	switch c.StrategyType {
	case gridmgr.SimpleGrid, gridmgr.HedgedGrid:
	default:
		return fmt.Errorf("config: unsupported strategy_type %q", c.StrategyType)
	}

	switch c.SpacingType {
	case gridmgr.Arithmetic, gridmgr.Geometric:
	default:
		return fmt.Errorf("config: unsupported spacing_type %q", c.SpacingType)
	}

	if c.ReversionPrice <= 0 {
		return fmt.Errorf("config: reversion_price must be positive")
	}
	if c.GridRatio <= 0 || c.GridRatio >= 1 {
		return fmt.Errorf("config: grid_ratio must be in (0,1)")
	}
	if c.NumGrids < 2 {
		return fmt.Errorf("config: num_grids must be >= 2")
	}
	if c.MaxPlacedOrders <= 0 {
		return fmt.Errorf("config: max_placed_orders must be positive")
	}
	if c.Leverage < 1 {
		return fmt.Errorf("config: leverage must be >= 1")
	}

	switch strings.ToLower(c.MarginMode) {
	case "isolated", "cross":
	default:
		return fmt.Errorf("config: margin_mode must be isolated or cross, got %q", c.MarginMode)
	}

	if c.TradingMode == TradingModeBacktest && c.InitialBalance <= 0 {
		return fmt.Errorf("config: initial_balance must be positive in BACKTEST mode")
	}
	if c.TradingFee < 0 {
		return fmt.Errorf("config: trading_fee cannot be negative")
	}
	if c.LiquidationThreshold <= 0 || c.LiquidationThreshold >= 1 {
		return fmt.Errorf("config: liquidation_threshold must be in (0,1)")
	}

	return nil
}

// GridConfig projects Config onto the Grid Manager's own Config shape.
func (c *Config) GridConfig() gridmgr.Config {
	return gridmgr.Config{
		ReversionPrice:  c.ReversionPrice,
		GridRatio:       c.GridRatio,
		NumGrids:        c.NumGrids,
		SpacingType:     c.SpacingType,
		StrategyType:    c.StrategyType,
		Leverage:        c.Leverage,
		GridValue:       c.GridValue,
		MaxPlacedOrders: c.MaxPlacedOrders,
	}
}

// MarginModeValue converts the configured margin_mode string into the
// Gateway's MarginMode enum.
func (c *Config) MarginModeValue() exchange.MarginMode {
	if strings.ToLower(c.MarginMode) == "cross" {
		return exchange.MarginModeCross
	}
	return exchange.MarginModeIsolated
}

// PositionModeValue derives the Gateway's PositionMode from strategy_type:
// HEDGED_GRID requires the venue's hedge position-mode since both a long
// and a short leg can be live on the same symbol at once.
func (c *Config) PositionModeValue() exchange.PositionMode {
	if c.StrategyType == gridmgr.HedgedGrid {
		return exchange.PositionModeHedged
	}
	return exchange.PositionModeSingle
}
