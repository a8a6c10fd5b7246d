// Package config loads the engine's JSON configuration file and applies
// environment-variable overrides, following the same getenv-with-default
// idiom the rest of the stack uses for its own configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root of the engine's configuration file.
type Config struct {
	System          SystemConfig              `json:"system"`
	SignalTransMode SignalTransMode           `json:"signaltrans_mode"`
	SharedMemory    SharedMemoryConfig        `json:"shared_memory_config"`
	Trading         TradingConfig             `json:"trading"`
	Exchanges       map[string]ExchangeConfig `json:"exchanges"`
	Execution       ExecutionConfig           `json:"execution"`
	TWAP            TWAPAlgorithmConfig       `json:"twap_algorithm"`
	RiskControl     RiskControlConfig         `json:"risk_control"`
	MarketData      MarketDataConfig          `json:"market_data"`
	Logging         LoggingConfig             `json:"logging"`
	Monitoring      MonitoringConfig          `json:"monitoring"`
}

// SignalTransMode selects how signals arrive.
type SignalTransMode int

const (
	SignalTransSharedMemory SignalTransMode = 0
	SignalTransJSONFile     SignalTransMode = 1
)

// SystemConfig is the `system` section.
type SystemConfig struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	LogLevel   string `json:"log_level"`
	MaxThreads int    `json:"max_threads"`
}

// SharedMemoryConfig is the `shared_memory_config` section.
type SharedMemoryConfig struct {
	BufferSize            int `json:"buffer_size"`
	MaxSignals            int `json:"max_signals"`
	SignalBufferSize      int `json:"signal_buffer_size"`
	OrderReportBufferSize int `json:"order_report_buffer_size"`
	CleanupIntervalMs     int `json:"cleanup_interval_ms"`
}

// TradingConfig is the `trading` section.
type TradingConfig struct {
	TradingExchanges         []string `json:"trading_exchanges"`
	TradingType              []string `json:"trading_type"`
	DefaultQuantity          float64  `json:"default_quantity"`
	MaxOrderSize             float64  `json:"max_order_size"`
	EnableOrderFeedback      bool     `json:"enable_order_feedback"`
	EnableDuplicateDetection bool     `json:"enable_duplicate_detection"`
	EnableMinNotionalCheck   bool     `json:"enable_min_notional_check"`
	EnableAdaptiveSlicing    bool     `json:"enable_adaptive_slicing"`
}

// BaseURLSet is one venue/environment pair of base URLs.
type BaseURLSet struct {
	Live    string `json:"live"`
	Testnet string `json:"testnet"`
}

// ExchangeConfig is one `exchanges.<name>` entry.
type ExchangeConfig struct {
	APIKey               string `json:"api_key"`
	APISecret            string `json:"api_secret"`
	Testnet              bool   `json:"testnet"`
	EnableWebsocket      bool   `json:"enable_websocket"`
	EnableUserDataStream bool   `json:"enable_user_data_stream"`
	SyncIntervalMs       int    `json:"sync_interval_ms"`
	TimeoutMs            int    `json:"timeout_ms"`
	BaseURLs             struct {
		Spot    BaseURLSet `json:"spot"`
		Futures BaseURLSet `json:"futures"`
	} `json:"base_urls"`
}

// ExecutionConfig is the `execution` section.
type ExecutionConfig struct {
	WorkerThreadCount          int `json:"worker_thread_count"`
	SignalProcessingIntervalMs int `json:"signal_processing_interval_ms"`
	HeartbeatIntervalMs        int `json:"heartbeat_interval_ms"`
	StatisticsUpdateIntervalMs int `json:"statistics_update_interval_ms"`
}

// TWAPAlgorithmConfig is the `twap_algorithm` section.
type TWAPAlgorithmConfig struct {
	QuantityThreshold        float64 `json:"quantity_threshold"`
	ValueThreshold           float64 `json:"value_threshold"`
	MarketImpactThreshold    float64 `json:"market_impact_threshold"`
	DefaultDurationMinutes   int     `json:"default_duration_minutes"`
	MinSliceSize             float64 `json:"min_slice_size"`
	MaxSlices                int     `json:"max_slices"`
	DefaultParticipationRate float64 `json:"default_participation_rate"`
	MaxPriceDeviationBps     int     `json:"max_price_deviation_bps"`
}

// RiskControlConfig is the `risk_control` section (per-symbol overrides are
// interpreted by the gate itself out of SymbolInfo).
type RiskControlConfig struct {
	FailOpenOnMissingSymbol bool `json:"fail_open_on_missing_symbol"`
	MaxPendingOrders        int  `json:"max_pending_orders"`
	RecentEventWindow       int  `json:"recent_event_window"`
}

// MarketDataConfig is the `market_data` section.
type MarketDataConfig struct {
	SnapshotTTLMs int `json:"snapshot_ttl_ms"`
}

// LoggingConfig is the `logging` section.
type LoggingConfig struct {
	Format string `json:"format"`
	Level  string `json:"level"`
}

// MonitoringConfig is the `monitoring` section.
type MonitoringConfig struct {
	Enabled        bool   `json:"enabled"`
	PrometheusAddr string `json:"prometheus_addr"`
}

// Load reads path, applies defaults for unset fields, and layers the
// documented environment-variable overrides on top.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		System: SystemConfig{
			Name:       "trade-execution-engine",
			Version:    "1.0.0",
			LogLevel:   "info",
			MaxThreads: 8,
		},
		Execution: ExecutionConfig{
			WorkerThreadCount:          4,
			SignalProcessingIntervalMs: 10,
			HeartbeatIntervalMs:        1000,
			StatisticsUpdateIntervalMs: 5000,
		},
		TWAP: TWAPAlgorithmConfig{
			DefaultDurationMinutes:   10,
			MaxSlices:                50,
			DefaultParticipationRate: 0.1,
			MaxPriceDeviationBps:     50,
		},
		RiskControl: RiskControlConfig{
			FailOpenOnMissingSymbol: true,
			MaxPendingOrders:        10000,
			RecentEventWindow:       1000,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
	}
}

// applyEnvOverrides implements the documented environment overrides:
// BINANCE_API_KEY, BINANCE_API_SECRET, BINANCE_TESTNET, TRADING_TYPE,
// LOG_LEVEL.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.System.LogLevel = v
		c.Logging.Level = v
	}
	if v := os.Getenv("TRADING_TYPE"); v != "" {
		c.Trading.TradingType = strings.Split(v, ",")
	}

	if c.Exchanges == nil {
		c.Exchanges = map[string]ExchangeConfig{}
	}
	binance := c.Exchanges["binance"]
	changed := false
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		binance.APIKey = v
		changed = true
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		binance.APISecret = v
		changed = true
	}
	if v := os.Getenv("BINANCE_TESTNET"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			binance.Testnet = b
			changed = true
		}
	}
	if changed {
		c.Exchanges["binance"] = binance
	}
}

func (c *Config) validate() error {
	if c.System.MaxThreads <= 0 {
		return fmt.Errorf("system.max_threads must be > 0")
	}
	if c.Trading.DefaultQuantity < 0 {
		return fmt.Errorf("trading.default_quantity must be >= 0")
	}
	if c.Trading.MaxOrderSize > 0 && c.Trading.MaxOrderSize < c.Trading.DefaultQuantity {
		return fmt.Errorf("trading.max_order_size must be >= default_quantity")
	}
	for name, ex := range c.Exchanges {
		if ex.SyncIntervalMs < 0 || ex.TimeoutMs < 0 {
			return fmt.Errorf("exchanges.%s: sync_interval_ms and timeout_ms must be >= 0", name)
		}
	}
	if c.TWAP.DefaultParticipationRate < 0 || c.TWAP.DefaultParticipationRate > 1 {
		return fmt.Errorf("twap_algorithm.default_participation_rate must be in [0,1]")
	}
	return nil
}

// HeartbeatInterval returns the configured heartbeat interval as a Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Execution.HeartbeatIntervalMs) * time.Millisecond
}

// StatisticsInterval returns the configured statistics interval as a Duration.
func (c *Config) StatisticsInterval() time.Duration {
	return time.Duration(c.Execution.StatisticsUpdateIntervalMs) * time.Millisecond
}
