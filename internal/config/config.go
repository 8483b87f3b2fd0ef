// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig       `yaml:"app"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	Trading   TradingConfig   `yaml:"trading"`
	Risk      RiskConfig      `yaml:"risk"`
	Modes     ModesConfig     `yaml:"modes"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Cohort   string `yaml:"cohort"`    // optional logical trading slot name
	StateDir string `yaml:"state_dir"` // root for persisted JSON state
	Database string `yaml:"database"`  // sqlite path for stops and trades
	LogLevel string `yaml:"log_level"`
	LogDir   string `yaml:"log_dir"` // empty disables file logging
}

// ExchangeConfig contains exchange credentials and selection
type ExchangeConfig struct {
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
	Testnet   bool   `yaml:"testnet"`
	Paper     bool   `yaml:"paper"` // run the paper simulator on mainnet prices
}

// NotifierConfig contains the Telegram notifier settings. Absent credentials
// downgrade to a no-op notifier.
type NotifierConfig struct {
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
}

// SymbolConfig describes one trading pair
type SymbolConfig struct {
	Symbol        string  `yaml:"symbol"`
	InvestmentUSD float64 `yaml:"investment_usd"`
	GridCount     int     `yaml:"grid_count"`
	RangePercent  float64 `yaml:"range_percent"`
	AllocationUSD float64 `yaml:"allocation_usd"`
}

// TradingConfig contains trading parameters
type TradingConfig struct {
	QuoteAsset string         `yaml:"quote_asset"`
	Symbols    []SymbolConfig `yaml:"symbols"`
}

// RiskConfig contains risk control settings
type RiskConfig struct {
	CircuitBreakerPct   float64 `yaml:"circuit_breaker_pct"`    // default 0.10
	MaxDailyDrawdownPct float64 `yaml:"max_daily_drawdown_pct"` // default 0.10
	CashReservePct      float64 `yaml:"cash_reserve_pct"`       // allocation envelope floor
	GridStopLossPct     float64 `yaml:"grid_stop_loss_pct"`     // trailing stop on grid BUY fills, default 0.05
	MaxPositionPct      float64 `yaml:"max_position_pct"`       // CVaR sizer cap as share of portfolio
}

// ModesConfig contains the mode-manager thresholds
type ModesConfig struct {
	MinRegimeProbability     float64 `yaml:"min_regime_probability"`      // default 0.70
	MinRegimeDurationDays    float64 `yaml:"min_regime_duration_days"`    // default 2
	CooldownHours            int     `yaml:"cooldown_hours"`              // default 24
	EmergencyBearProbability float64 `yaml:"emergency_bear_probability"`  // default 0.85
	MaxTransitions48H        int     `yaml:"max_transitions_48h"`         // default 2
	FlapLockDays             int     `yaml:"flap_lock_days"`              // default 7
	HoldTrailingStopPct      float64 `yaml:"hold_trailing_stop_pct"`      // default 0.07
	CashExitStopPct          float64 `yaml:"cash_exit_stop_pct"`          // default 0.03
	CashExitTimeoutMinutes   int     `yaml:"cash_exit_timeout_minutes"`   // default 120
}

// SchedulerConfig contains the task cadences
type SchedulerConfig struct {
	TickSeconds          int     `yaml:"tick_seconds"`           // orchestrator tick, default 60
	RebalanceHours       int     `yaml:"rebalance_hours"`        // default 6
	RebalanceDriftPct    float64 `yaml:"rebalance_drift_pct"`    // default 0.05
	MinPositionUSD       float64 `yaml:"min_position_usd"`       // default 25
	SnapshotMinutes      int     `yaml:"snapshot_minutes"`       // portfolio snapshot cadence
	HeartbeatSeconds     int     `yaml:"heartbeat_seconds"`      // liveness probe cadence
	DrawdownResetAtUTC   string  `yaml:"drawdown_reset_at_utc"`  // "HH:MM", default "00:00"
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := os.Expand(string(data), os.Getenv)

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.App.StateDir == "" {
		c.App.StateDir = "state"
	}
	if c.App.Database == "" {
		c.App.Database = "trader.db"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "INFO"
	}
	if c.Trading.QuoteAsset == "" {
		c.Trading.QuoteAsset = "USDT"
	}
	if c.Risk.CircuitBreakerPct == 0 {
		c.Risk.CircuitBreakerPct = 0.10
	}
	if c.Risk.MaxDailyDrawdownPct == 0 {
		c.Risk.MaxDailyDrawdownPct = 0.10
	}
	if c.Risk.CashReservePct == 0 {
		c.Risk.CashReservePct = 0.10
	}
	if c.Risk.GridStopLossPct == 0 {
		c.Risk.GridStopLossPct = 0.05
	}
	if c.Risk.MaxPositionPct == 0 {
		c.Risk.MaxPositionPct = 0.25
	}
	if c.Modes.MinRegimeProbability == 0 {
		c.Modes.MinRegimeProbability = 0.70
	}
	if c.Modes.MinRegimeDurationDays == 0 {
		c.Modes.MinRegimeDurationDays = 2
	}
	if c.Modes.CooldownHours == 0 {
		c.Modes.CooldownHours = 24
	}
	if c.Modes.EmergencyBearProbability == 0 {
		c.Modes.EmergencyBearProbability = 0.85
	}
	if c.Modes.MaxTransitions48H == 0 {
		c.Modes.MaxTransitions48H = 2
	}
	if c.Modes.FlapLockDays == 0 {
		c.Modes.FlapLockDays = 7
	}
	if c.Modes.HoldTrailingStopPct == 0 {
		c.Modes.HoldTrailingStopPct = 0.07
	}
	if c.Modes.CashExitStopPct == 0 {
		c.Modes.CashExitStopPct = 0.03
	}
	if c.Modes.CashExitTimeoutMinutes == 0 {
		c.Modes.CashExitTimeoutMinutes = 120
	}
	if c.Scheduler.TickSeconds == 0 {
		c.Scheduler.TickSeconds = 60
	}
	if c.Scheduler.RebalanceHours == 0 {
		c.Scheduler.RebalanceHours = 6
	}
	if c.Scheduler.RebalanceDriftPct == 0 {
		c.Scheduler.RebalanceDriftPct = 0.05
	}
	if c.Scheduler.MinPositionUSD == 0 {
		c.Scheduler.MinPositionUSD = 25
	}
	if c.Scheduler.SnapshotMinutes == 0 {
		c.Scheduler.SnapshotMinutes = 60
	}
	if c.Scheduler.HeartbeatSeconds == 0 {
		c.Scheduler.HeartbeatSeconds = 60
	}
	if c.Scheduler.DrawdownResetAtUTC == "" {
		c.Scheduler.DrawdownResetAtUTC = "00:00"
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateExchangeConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateTradingConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRiskConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateModesConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		return ValidationError{
			Field:   "app.log_level",
			Value:   c.App.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateExchangeConfig() error {
	// Paper mode trades against mainnet prices without credentials
	if c.Exchange.Paper {
		return nil
	}
	if c.Exchange.APIKey == "" {
		return ValidationError{
			Field:   "exchange.api_key",
			Message: "API key is required unless paper mode is enabled",
		}
	}
	if c.Exchange.SecretKey == "" {
		return ValidationError{
			Field:   "exchange.secret_key",
			Message: "secret key is required unless paper mode is enabled",
		}
	}
	return nil
}

func (c *Config) validateTradingConfig() error {
	if len(c.Trading.Symbols) == 0 {
		return ValidationError{
			Field:   "trading.symbols",
			Message: "at least one symbol must be configured",
		}
	}
	seen := make(map[string]bool)
	for i, s := range c.Trading.Symbols {
		if s.Symbol == "" {
			return ValidationError{
				Field:   fmt.Sprintf("trading.symbols[%d].symbol", i),
				Message: "symbol is required",
			}
		}
		if seen[s.Symbol] {
			return ValidationError{
				Field:   fmt.Sprintf("trading.symbols[%d].symbol", i),
				Value:   s.Symbol,
				Message: "duplicate symbol",
			}
		}
		seen[s.Symbol] = true
		if s.InvestmentUSD <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("trading.symbols[%d].investment_usd", i),
				Value:   s.InvestmentUSD,
				Message: "investment must be positive",
			}
		}
		if s.GridCount < 2 {
			return ValidationError{
				Field:   fmt.Sprintf("trading.symbols[%d].grid_count", i),
				Value:   s.GridCount,
				Message: "grid count must be at least 2",
			}
		}
		if s.RangePercent <= 0 || s.RangePercent >= 1 {
			return ValidationError{
				Field:   fmt.Sprintf("trading.symbols[%d].range_percent", i),
				Value:   s.RangePercent,
				Message: "range percent must be in (0, 1)",
			}
		}
	}
	return nil
}

func (c *Config) validateRiskConfig() error {
	if c.Risk.CircuitBreakerPct <= 0 || c.Risk.CircuitBreakerPct >= 1 {
		return ValidationError{
			Field:   "risk.circuit_breaker_pct",
			Value:   c.Risk.CircuitBreakerPct,
			Message: "must be in (0, 1)",
		}
	}
	if c.Risk.MaxDailyDrawdownPct <= 0 || c.Risk.MaxDailyDrawdownPct >= 1 {
		return ValidationError{
			Field:   "risk.max_daily_drawdown_pct",
			Value:   c.Risk.MaxDailyDrawdownPct,
			Message: "must be in (0, 1)",
		}
	}
	return nil
}

func (c *Config) validateModesConfig() error {
	if c.Modes.MinRegimeProbability < 0.5 || c.Modes.MinRegimeProbability > 1 {
		return ValidationError{
			Field:   "modes.min_regime_probability",
			Value:   c.Modes.MinRegimeProbability,
			Message: "must be in [0.5, 1]",
		}
	}
	if c.Modes.EmergencyBearProbability < c.Modes.MinRegimeProbability {
		return ValidationError{
			Field:   "modes.emergency_bear_probability",
			Value:   c.Modes.EmergencyBearProbability,
			Message: "must not be below min_regime_probability",
		}
	}
	return nil
}

// String returns a string representation of the configuration with sensitive
// data masked
func (c *Config) String() string {
	configCopy := *c
	configCopy.Exchange.APIKey = maskString(c.Exchange.APIKey)
	configCopy.Exchange.SecretKey = maskString(c.Exchange.SecretKey)
	configCopy.Notifier.TelegramToken = maskString(c.Notifier.TelegramToken)

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	c := &Config{
		App: AppConfig{
			StateDir: "state",
			Database: ":memory:",
			LogLevel: "INFO",
		},
		Exchange: ExchangeConfig{
			Paper: true,
		},
		Trading: TradingConfig{
			QuoteAsset: "USDT",
			Symbols: []SymbolConfig{
				{
					Symbol:        "BTCUSDT",
					InvestmentUSD: 1000,
					GridCount:     10,
					RangePercent:  0.04,
					AllocationUSD: 1000,
				},
			},
		},
	}
	c.applyDefaults()
	return c
}
