// Package config defines all configuration for the maker farming bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via STANDX_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	StandX         StandXConfig         `mapstructure:"standx"`
	Wallet         WalletConfig         `mapstructure:"wallet"`
	Strategy       StrategyConfig       `mapstructure:"strategy"`
	Safety         SafetyConfig         `mapstructure:"safety"`
	FillProtection FillProtectionConfig `mapstructure:"fill_protection"`
	ConsecutiveFill ConsecutiveFillConfig `mapstructure:"consecutive_fill_protection"`
	Reference      ReferenceConfig      `mapstructure:"reference"`
	Telegram       TelegramConfig       `mapstructure:"telegram"`
	Logging        LoggingConfig        `mapstructure:"logging"`
}

// StandXConfig holds the primary-exchange endpoints.
type StandXConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	AuthBaseURL string `mapstructure:"auth_base_url"`
	WSURL       string `mapstructure:"ws_url"`
	Chain       string `mapstructure:"chain"`
}

// WalletConfig holds the EVM wallet used for the sign-in handshake.
// The private key never leaves the auth module.
type WalletConfig struct {
	Address    string `mapstructure:"address"`
	PrivateKey string `mapstructure:"private_key"`
}

// DynamicDistanceConfig tunes the spread/volatility-driven target distance.
type DynamicDistanceConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	MinBps           float64 `mapstructure:"min_bps"`
	MaxBps           float64 `mapstructure:"max_bps"`
	SpreadFactor     float64 `mapstructure:"spread_factor"`
	VolatilityFactor float64 `mapstructure:"volatility_factor"`
}

// StrategyConfig tunes the farming ladder.
//
//   - Symbols: StandX symbols to quote (e.g. BTC-USD).
//   - OrderSizeUSD: target notional per order before margin clamping.
//   - NumOrdersPerSide: rungs per side (1 = 1+1, 2 = 2+2).
//   - OrderDistancesBps: per-rung distance from the reference price.
//   - OrderLockSeconds: minimum dwell before ordinary cancels may touch
//     a fresh order.
//   - DriftThresholdBps: reference-price drift that forces a rebalance.
type StrategyConfig struct {
	Symbols                  []string              `mapstructure:"symbols"`
	Leverage                 int                   `mapstructure:"leverage"`
	OrderSizeUSD             float64               `mapstructure:"order_size_usd"`
	MarginReservePercent     float64               `mapstructure:"margin_reserve_percent"`
	NumOrdersPerSide         int                   `mapstructure:"num_orders_per_side"`
	OrderDistancesBps        []float64             `mapstructure:"order_distances_bps"`
	MinDistanceBps           float64               `mapstructure:"min_distance_bps"`
	TargetDistanceBps        float64               `mapstructure:"target_distance_bps"`
	MaxDistanceBps           float64               `mapstructure:"max_distance_bps"`
	OrderLockSeconds         float64               `mapstructure:"order_lock_seconds"`
	RebalanceCooldownSeconds float64               `mapstructure:"rebalance_cooldown_seconds"`
	DriftThresholdBps        float64               `mapstructure:"drift_threshold_bps"`
	CheckIntervalSeconds     float64               `mapstructure:"check_interval_seconds"`
	DynamicDistance          DynamicDistanceConfig `mapstructure:"dynamic_distance"`
	StartEnabled             bool                  `mapstructure:"start_enabled"`
}

// CheckInterval returns the control-loop period.
func (s StrategyConfig) CheckInterval() time.Duration {
	return secs(s.CheckIntervalSeconds, time.Second)
}

// PreKillConfig suspends new placements on elevated risk.
type PreKillConfig struct {
	VolThresholdBps      float64 `mapstructure:"vol_threshold_bps"`
	MarkMidDivergenceBps float64 `mapstructure:"mark_mid_divergence_bps"`
	PauseDurationSeconds float64 `mapstructure:"pause_duration_seconds"`
}

// HardKillConfig cancels everything for a symbol, bypassing locks.
type HardKillConfig struct {
	MinSpreadBps          float64 `mapstructure:"min_spread_bps"`
	MaxVolatilityBps      float64 `mapstructure:"max_volatility_bps"`
	StaleThresholdSeconds float64 `mapstructure:"stale_threshold_seconds"`
}

// SafetyConfig sets the guard thresholds.
type SafetyConfig struct {
	MaxPositionUSD    float64        `mapstructure:"max_position_usd"`
	CancelIfWithinBps float64        `mapstructure:"cancel_if_within_bps"`
	PreKill           PreKillConfig  `mapstructure:"pre_kill"`
	HardKill          HardKillConfig `mapstructure:"hard_kill"`
	CheckIntervalSeconds float64     `mapstructure:"check_interval_seconds"`
}

// BinanceProtectionConfig is the leading-feed trigger.
type BinanceProtectionConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	TriggerBps      float64 `mapstructure:"trigger_bps"`
	WindowSeconds   float64 `mapstructure:"window_seconds"`
	CooldownSeconds float64 `mapstructure:"cooldown_seconds"`
}

// QueueProtectionConfig is the queue-ahead trigger.
type QueueProtectionConfig struct {
	Enabled              bool    `mapstructure:"enabled"`
	DropThresholdPercent float64 `mapstructure:"drop_threshold_percent"`
	WindowSeconds        float64 `mapstructure:"window_seconds"`
	MinQueueAheadUSD     float64 `mapstructure:"min_queue_ahead_usd"`
}

// FillProtectionConfig combines both pre-emptive cancel triggers.
type FillProtectionConfig struct {
	Binance                       BinanceProtectionConfig `mapstructure:"binance"`
	Queue                         QueueProtectionConfig   `mapstructure:"queue"`
	CheckIntervalSeconds          float64                 `mapstructure:"check_interval_seconds"`
	SmartProtectionThresholdSeconds float64               `mapstructure:"smart_protection_threshold_seconds"`
}

// ConsecutiveFillConfig escalates pauses after repeated fills.
type ConsecutiveFillConfig struct {
	Enabled                      bool    `mapstructure:"enabled"`
	MaxFills                     int     `mapstructure:"max_fills"`
	WindowSeconds                float64 `mapstructure:"window_seconds"`
	PauseDurationSeconds         float64 `mapstructure:"pause_duration_seconds"`
	EscalatedPauseDurationSeconds float64 `mapstructure:"escalated_pause_duration_seconds"`
	EscalationResetSeconds       float64 `mapstructure:"escalation_reset_seconds"`
}

// ReferenceConfig describes the secondary (leading) exchange feed.
type ReferenceConfig struct {
	WSURL     string            `mapstructure:"ws_url"`
	Use1s     bool              `mapstructure:"use_1s_stream"`
	SymbolMap map[string]string `mapstructure:"symbol_map"`
}

// TelegramConfig gates the remote-control bot.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func secs(v float64, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v * float64(time.Second))
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: STANDX_WALLET_ADDRESS,
// STANDX_WALLET_PRIVATE_KEY, STANDX_TELEGRAM_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("STANDX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if addr := os.Getenv("STANDX_WALLET_ADDRESS"); addr != "" {
		cfg.Wallet.Address = addr
	}
	if key := os.Getenv("STANDX_WALLET_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if tok := os.Getenv("STANDX_TELEGRAM_TOKEN"); tok != "" {
		cfg.Telegram.BotToken = tok
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("standx.base_url", "https://perps.standx.com")
	v.SetDefault("standx.auth_base_url", "https://api.standx.com")
	v.SetDefault("standx.ws_url", "wss://perps.standx.com/ws-stream/v1")
	v.SetDefault("standx.chain", "bsc")

	v.SetDefault("strategy.symbols", []string{"BTC-USD"})
	v.SetDefault("strategy.leverage", 10)
	v.SetDefault("strategy.order_size_usd", 100.0)
	v.SetDefault("strategy.margin_reserve_percent", 30.0)
	v.SetDefault("strategy.num_orders_per_side", 2)
	v.SetDefault("strategy.order_distances_bps", []float64{7.5, 8.5})
	v.SetDefault("strategy.min_distance_bps", 3.0)
	v.SetDefault("strategy.target_distance_bps", 8.0)
	v.SetDefault("strategy.max_distance_bps", 10.0)
	v.SetDefault("strategy.order_lock_seconds", 0.7)
	v.SetDefault("strategy.rebalance_cooldown_seconds", 3.0)
	v.SetDefault("strategy.drift_threshold_bps", 4.0)
	v.SetDefault("strategy.check_interval_seconds", 1.0)
	v.SetDefault("strategy.dynamic_distance.enabled", true)
	v.SetDefault("strategy.dynamic_distance.min_bps", 5.0)
	v.SetDefault("strategy.dynamic_distance.max_bps", 9.0)
	v.SetDefault("strategy.dynamic_distance.spread_factor", 0.6)
	v.SetDefault("strategy.dynamic_distance.volatility_factor", 0.8)
	v.SetDefault("strategy.start_enabled", true)

	v.SetDefault("safety.max_position_usd", 50.0)
	v.SetDefault("safety.cancel_if_within_bps", 2.0)
	v.SetDefault("safety.check_interval_seconds", 0.1)
	v.SetDefault("safety.pre_kill.vol_threshold_bps", 15.0)
	v.SetDefault("safety.pre_kill.mark_mid_divergence_bps", 3.0)
	v.SetDefault("safety.pre_kill.pause_duration_seconds", 5.0)
	v.SetDefault("safety.hard_kill.min_spread_bps", 1.5)
	v.SetDefault("safety.hard_kill.max_volatility_bps", 30.0)
	v.SetDefault("safety.hard_kill.stale_threshold_seconds", 0.5)

	v.SetDefault("fill_protection.binance.enabled", true)
	v.SetDefault("fill_protection.binance.trigger_bps", 3.0)
	v.SetDefault("fill_protection.binance.window_seconds", 0.5)
	v.SetDefault("fill_protection.binance.cooldown_seconds", 0.5)
	v.SetDefault("fill_protection.queue.enabled", true)
	v.SetDefault("fill_protection.queue.drop_threshold_percent", 30.0)
	v.SetDefault("fill_protection.queue.window_seconds", 2.0)
	v.SetDefault("fill_protection.queue.min_queue_ahead_usd", 100.0)
	v.SetDefault("fill_protection.check_interval_seconds", 0.1)
	v.SetDefault("fill_protection.smart_protection_threshold_seconds", 2.5)

	v.SetDefault("consecutive_fill_protection.enabled", true)
	v.SetDefault("consecutive_fill_protection.max_fills", 3)
	v.SetDefault("consecutive_fill_protection.window_seconds", 60.0)
	v.SetDefault("consecutive_fill_protection.pause_duration_seconds", 300.0)
	v.SetDefault("consecutive_fill_protection.escalated_pause_duration_seconds", 3600.0)
	v.SetDefault("consecutive_fill_protection.escalation_reset_seconds", 1800.0)

	v.SetDefault("reference.ws_url", "wss://fstream.binance.com/ws")
	v.SetDefault("reference.use_1s_stream", true)
	v.SetDefault("reference.symbol_map", map[string]string{
		"BTC-USD": "BTCUSDT",
		"ETH-USD": "ETHUSDT",
		"SOL-USD": "SOLUSDT",
	})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.Address == "" {
		return fmt.Errorf("wallet.address is required (set STANDX_WALLET_ADDRESS)")
	}
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set STANDX_WALLET_PRIVATE_KEY)")
	}
	if c.StandX.BaseURL == "" {
		return fmt.Errorf("standx.base_url is required")
	}
	if len(c.Strategy.Symbols) == 0 {
		return fmt.Errorf("strategy.symbols must name at least one symbol")
	}
	if c.Strategy.Leverage <= 0 {
		return fmt.Errorf("strategy.leverage must be > 0")
	}
	if c.Strategy.OrderSizeUSD <= 0 {
		return fmt.Errorf("strategy.order_size_usd must be > 0")
	}
	if c.Strategy.NumOrdersPerSide < 1 || c.Strategy.NumOrdersPerSide > len(c.Strategy.OrderDistancesBps) {
		return fmt.Errorf("strategy.num_orders_per_side must be in [1, len(order_distances_bps)]")
	}
	for _, d := range c.Strategy.OrderDistancesBps {
		if d <= 0 || d > c.Strategy.MaxDistanceBps {
			return fmt.Errorf("strategy.order_distances_bps entries must be in (0, max_distance_bps]")
		}
	}
	if c.Strategy.MarginReservePercent < 0 || c.Strategy.MarginReservePercent >= 100 {
		return fmt.Errorf("strategy.margin_reserve_percent must be in [0, 100)")
	}
	if c.Safety.MaxPositionUSD <= 0 {
		return fmt.Errorf("safety.max_position_usd must be > 0")
	}
	if c.FillProtection.Binance.Enabled {
		for _, sym := range c.Strategy.Symbols {
			if _, ok := c.Reference.SymbolMap[sym]; !ok {
				return fmt.Errorf("reference.symbol_map missing entry for %s", sym)
			}
		}
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required when telegram.enabled (set STANDX_TELEGRAM_TOKEN)")
	}
	return nil
}
