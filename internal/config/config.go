package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/niftyninja9/autosentry/internal/domain"
	dbinfra "github.com/niftyninja9/autosentry/internal/infrastructure/db"
	"github.com/niftyninja9/autosentry/internal/infrastructure/redisconn"
)

// Config is the root configuration for one controller process.
type Config struct {
	App            AppConfig        `yaml:"app"`
	Logging        LoggingConfig    `yaml:"logging"`
	HTTP           HTTPConfig       `yaml:"http"`
	Redis          redisconn.Config `yaml:"redis"`
	Database       dbinfra.Config   `yaml:"database"`
	Feed           FeedConfig       `yaml:"feed"`
	Risk           RiskConfig       `yaml:"risk"`
	PositionSizing LegacySizing     `yaml:"position_sizing"`
	PaperTrading   PaperConfig      `yaml:"paper_trading"`
	FeatureFlags   FeatureFlags     `yaml:"feature_flags"`
	Session        SessionConfig    `yaml:"session"`
	Indices        []IndexConfig    `yaml:"indices"`
	RegimesPath    string           `yaml:"regimes_path"`
}

// AppConfig names the process.
type AppConfig struct {
	Name string `yaml:"name"`
	Env  string `yaml:"env"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// HTTPConfig configures the ops server.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// FeedConfig configures the market-feed transport.
type FeedConfig struct {
	WSURL              string        `yaml:"ws_url"`
	ClientID           string        `yaml:"client_id" env:"AS_FEED_CLIENT_ID"`
	AccessToken        string        `yaml:"access_token" env:"AS_FEED_TOKEN"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	ReconnectMin       time.Duration `yaml:"reconnect_min"`
	ReconnectMax       time.Duration `yaml:"reconnect_max"`
	SubscribeBatchSize int           `yaml:"subscribe_batch_size"`
	StaleAfter         time.Duration `yaml:"stale_after"`
}

// RiskConfig is the canonical risk surface. Zero-valued thresholds disable
// the rule that reads them.
type RiskConfig struct {
	SLPct                           float64           `yaml:"sl_pct"`
	TPPct                           float64           `yaml:"tp_pct"`
	ExitDropPct                     float64           `yaml:"exit_drop_pct"`
	TimeExitHHMM                    string            `yaml:"time_exit_hhmm"`
	MarketCloseHHMM                 string            `yaml:"market_close_hhmm"`
	MinProfitRupees                 float64           `yaml:"min_profit_rupees"`
	SecureProfitThresholdRupees     float64           `yaml:"secure_profit_threshold_rupees"`
	SecureProfitDrawdownPct         float64           `yaml:"secure_profit_drawdown_pct"`
	PeakDrawdownPct                 float64           `yaml:"peak_drawdown_pct"`
	PeakDrawdownTiers               []DrawdownTier    `yaml:"peak_drawdown_tiers"`
	ActivationProfitPct             float64           `yaml:"activation_profit_pct"`
	ActivationSLOffsetPct           float64           `yaml:"activation_sl_offset_pct"`
	UnderlyingTrendScoreThreshold   float64           `yaml:"underlying_trend_score_threshold"`
	UnderlyingATRCollapseMultiplier float64           `yaml:"underlying_atr_collapse_multiplier"`
	LoopIntervalIdleMS              int               `yaml:"loop_interval_idle"`
	LoopIntervalActiveMS            int               `yaml:"loop_interval_active"`
	MaxDailyProfit                  float64           `yaml:"max_daily_profit"`
	DailyProfitThreshold            float64           `yaml:"daily_profit_threshold"`
	MaxDailyLossPct                 float64           `yaml:"max_daily_loss_pct"`
	MaxGlobalDailyLossPct           float64           `yaml:"max_global_daily_loss_pct"`
	CapitalRupees                   float64           `yaml:"capital_rupees"`
	FlatFeePerOrderRupees           float64           `yaml:"flat_fee_per_order_rupees"`
	EntryCutoffHHMM                 string            `yaml:"entry_cutoff_hhmm"`
	TrailingMode                    string            `yaml:"trailing_mode"`
	TrailingOffsetPct               float64           `yaml:"trailing_offset_pct"`
	TrailingTiers                   []TrailTier       `yaml:"trailing_tiers"`
	EdgeFailureDetector             EdgeFailureConfig `yaml:"edge_failure_detector"`
}

// IdleInterval returns the driver cadence with no active positions.
func (r RiskConfig) IdleInterval() time.Duration {
	if r.LoopIntervalIdleMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(r.LoopIntervalIdleMS) * time.Millisecond
}

// ActiveInterval returns the driver cadence with active positions.
func (r RiskConfig) ActiveInterval() time.Duration {
	if r.LoopIntervalActiveMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(r.LoopIntervalActiveMS) * time.Millisecond
}

// ProfitThreshold returns the global profit level above which loss limits
// start to bind. Defaults to the daily profit target.
func (r RiskConfig) ProfitThreshold() float64 {
	if r.DailyProfitThreshold > 0 {
		return r.DailyProfitThreshold
	}
	return r.MaxDailyProfit
}

// DrawdownTier maps a peak-profit band to the drawdown that forces an exit
// once the peak has cleared the band's floor.
type DrawdownTier struct {
	PeakAbovePct float64 `yaml:"peak_above_pct"`
	DrawdownPct  float64 `yaml:"drawdown_pct"`
}

// TrailTier maps a current-profit band to the stop-loss offset held below
// the traded price while inside the band.
type TrailTier struct {
	ProfitAbovePct float64 `yaml:"profit_above_pct"`
	SLOffsetPct    float64 `yaml:"sl_offset_pct"`
}

// EdgeFailureConfig controls the edge-failure detector breakers.
type EdgeFailureConfig struct {
	Enabled                      bool    `yaml:"enabled"`
	RollingWindowSize            int     `yaml:"rolling_window_size"`
	RollingWindowThresholdRupees float64 `yaml:"rolling_window_threshold_rupees"`
	MaxConsecutiveSLs            int     `yaml:"max_consecutive_sls"`
	PauseDurationMinutes         int     `yaml:"pause_duration_minutes"`
	SessionBasedPause            bool    `yaml:"session_based_pause"`
	S3MaxConsecutiveSLs          int     `yaml:"s3_max_consecutive_sls"`
	S4StartTime                  string  `yaml:"s4_start_time"`
}

// LegacySizing carries the deprecated position_sizing block. Canonical risk
// keys win; non-zero legacy values fill gaps during Normalize.
type LegacySizing struct {
	StopLossPct    float64 `yaml:"stop_loss_pct"`
	TakeProfitPct  float64 `yaml:"take_profit_pct"`
	TrailingPct    float64 `yaml:"trailing_pct"`
	CapitalRupees  float64 `yaml:"capital_rupees"`
}

// PaperConfig controls simulated execution.
type PaperConfig struct {
	Enabled                 bool `yaml:"enabled"`
	RealtimeIntervalSeconds int  `yaml:"realtime_interval_seconds"`
}

// RefreshInterval returns the paper PnL refresh cadence.
func (p PaperConfig) RefreshInterval() time.Duration {
	if p.RealtimeIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(p.RealtimeIntervalSeconds) * time.Second
}

// FeatureFlags gate optional behaviors.
type FeatureFlags struct {
	EnableDemandDrivenServices   bool `yaml:"enable_demand_driven_services"`
	EnableUnderlyingAwareExits   bool `yaml:"enable_underlying_aware_exits"`
	EnablePeakDrawdownActivation bool `yaml:"enable_peak_drawdown_activation"`
}

// SessionConfig fixes the trading-day clock (exchange time zone).
type SessionConfig struct {
	Timezone        string `yaml:"timezone"`
	MarketOpenHHMM  string `yaml:"market_open_hhmm"`
	MarketCloseHHMM string `yaml:"market_close_hhmm"`
	ForceExitHHMM   string `yaml:"force_exit_hhmm"`
}

// IndexConfig describes one tradable index universe.
type IndexConfig struct {
	Key               string         `yaml:"key"`
	Segment           domain.Segment `yaml:"segment"`
	SpotSecurityID    string         `yaml:"spot_security_id"`
	LotSize           int            `yaml:"lot_size"`
	MaxSameSide       int            `yaml:"max_same_side"`
	CooldownSec       int            `yaml:"cooldown_sec"`
	CapitalMultiplier float64        `yaml:"capital_multiplier"`
	Enabled           bool           `yaml:"enabled"`
}

// Cooldown returns the per-symbol reentry cooldown.
func (i IndexConfig) Cooldown() time.Duration {
	return time.Duration(i.CooldownSec) * time.Second
}

// Load reads, defaults, env-overrides, normalizes and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a runnable baseline configuration.
func Default() *Config {
	return &Config{
		App:     AppConfig{Name: "autosentry", Env: "dev"},
		Logging: LoggingConfig{Level: "info"},
		HTTP: HTTPConfig{
			Addr:            ":8787",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Redis:    redisconn.DefaultConfig(),
		Database: dbinfra.DefaultConfig(),
		Feed: FeedConfig{
			PingInterval:       10 * time.Second,
			ReadTimeout:        40 * time.Second,
			ReconnectMin:       time.Second,
			ReconnectMax:       30 * time.Second,
			SubscribeBatchSize: 100,
			StaleAfter:         30 * time.Second,
		},
		Risk: RiskConfig{
			SLPct:                 2.0,
			TPPct:                 5.0,
			ExitDropPct:           0.35,
			TimeExitHHMM:          "15:00",
			MarketCloseHHMM:       "15:30",
			MaxDailyProfit:        20000,
			MaxDailyLossPct:       2.0,
			MaxGlobalDailyLossPct: 3.0,
			CapitalRupees:         500000,
			FlatFeePerOrderRupees: 20,
			EntryCutoffHHMM:       "15:00",
			LoopIntervalIdleMS:    5000,
			LoopIntervalActiveMS:  500,
			TrailingMode:          "tiered",
			TrailingOffsetPct:     1.5,
			PeakDrawdownTiers:     DefaultDrawdownTiers(),
			TrailingTiers:         DefaultTrailTiers(),
			EdgeFailureDetector: EdgeFailureConfig{
				Enabled:                      true,
				RollingWindowSize:            5,
				RollingWindowThresholdRupees: 5000,
				MaxConsecutiveSLs:            3,
				PauseDurationMinutes:         30,
				SessionBasedPause:            true,
				S3MaxConsecutiveSLs:          2,
				S4StartTime:                  "14:45",
			},
		},
		PaperTrading: PaperConfig{Enabled: false, RealtimeIntervalSeconds: 5},
		Session: SessionConfig{
			Timezone:        "Asia/Kolkata",
			MarketOpenHHMM:  "09:15",
			MarketCloseHHMM: "15:30",
			ForceExitHHMM:   "15:12",
		},
		RegimesPath: "config/regimes.yaml",
	}
}

// DefaultDrawdownTiers is the monotone peak-drawdown step table.
func DefaultDrawdownTiers() []DrawdownTier {
	return []DrawdownTier{
		{PeakAbovePct: 5, DrawdownPct: 3},
		{PeakAbovePct: 10, DrawdownPct: 4},
		{PeakAbovePct: 20, DrawdownPct: 5},
	}
}

// DefaultTrailTiers tightens the trailing offset as profit grows.
func DefaultTrailTiers() []TrailTier {
	return []TrailTier{
		{ProfitAbovePct: 3, SLOffsetPct: 2.5},
		{ProfitAbovePct: 6, SLOffsetPct: 2.0},
		{ProfitAbovePct: 12, SLOffsetPct: 1.5},
		{ProfitAbovePct: 20, SLOffsetPct: 1.0},
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("AS_PG_DSN"); v != "" {
		c.Database.DSN = v
		c.Database.Enabled = true
	}
	if v := os.Getenv("AS_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("AS_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("AS_FEED_CLIENT_ID"); v != "" {
		c.Feed.ClientID = v
	}
	if v := os.Getenv("AS_FEED_TOKEN"); v != "" {
		c.Feed.AccessToken = v
	}
}

// Normalize folds legacy position_sizing aliases into the canonical risk
// block. Canonical values always win.
func (c *Config) Normalize() {
	if c.Risk.SLPct == 0 && c.PositionSizing.StopLossPct != 0 {
		c.Risk.SLPct = c.PositionSizing.StopLossPct
	}
	if c.Risk.TPPct == 0 && c.PositionSizing.TakeProfitPct != 0 {
		c.Risk.TPPct = c.PositionSizing.TakeProfitPct
	}
	if c.Risk.TrailingOffsetPct == 0 && c.PositionSizing.TrailingPct != 0 {
		c.Risk.TrailingOffsetPct = c.PositionSizing.TrailingPct
	}
	if c.Risk.CapitalRupees == 0 && c.PositionSizing.CapitalRupees != 0 {
		c.Risk.CapitalRupees = c.PositionSizing.CapitalRupees
	}
	if c.Feed.SubscribeBatchSize <= 0 || c.Feed.SubscribeBatchSize > 100 {
		c.Feed.SubscribeBatchSize = 100
	}
	for i := range c.Indices {
		if c.Indices[i].MaxSameSide <= 0 {
			c.Indices[i].MaxSameSide = 1
		}
		if c.Indices[i].CapitalMultiplier <= 0 {
			c.Indices[i].CapitalMultiplier = 1.0
		}
	}
}

// Validate rejects configurations the controller cannot run with.
func (c *Config) Validate() error {
	if _, err := ParseHHMM(c.Session.MarketOpenHHMM); err != nil {
		return fmt.Errorf("session.market_open_hhmm: %w", err)
	}
	if _, err := ParseHHMM(c.Session.MarketCloseHHMM); err != nil {
		return fmt.Errorf("session.market_close_hhmm: %w", err)
	}
	if _, err := ParseHHMM(c.Session.ForceExitHHMM); err != nil {
		return fmt.Errorf("session.force_exit_hhmm: %w", err)
	}
	for _, hhmm := range []struct{ name, v string }{
		{"risk.time_exit_hhmm", c.Risk.TimeExitHHMM},
		{"risk.market_close_hhmm", c.Risk.MarketCloseHHMM},
		{"risk.entry_cutoff_hhmm", c.Risk.EntryCutoffHHMM},
		{"risk.edge_failure_detector.s4_start_time", c.Risk.EdgeFailureDetector.S4StartTime},
	} {
		if hhmm.v == "" {
			continue
		}
		if _, err := ParseHHMM(hhmm.v); err != nil {
			return fmt.Errorf("%s: %w", hhmm.name, err)
		}
	}
	if c.Risk.SLPct < 0 || c.Risk.TPPct < 0 {
		return fmt.Errorf("risk thresholds must be non-negative")
	}
	if c.Risk.TrailingMode != "" && c.Risk.TrailingMode != "direct" && c.Risk.TrailingMode != "tiered" {
		return fmt.Errorf("risk.trailing_mode must be direct or tiered, got %q", c.Risk.TrailingMode)
	}
	seen := make(map[string]bool, len(c.Indices))
	for _, idx := range c.Indices {
		if idx.Key == "" {
			return fmt.Errorf("indices entries need a key")
		}
		if seen[idx.Key] {
			return fmt.Errorf("duplicate index key %q", idx.Key)
		}
		seen[idx.Key] = true
		if idx.LotSize <= 0 {
			return fmt.Errorf("index %s: lot_size must be positive", idx.Key)
		}
	}
	return nil
}

// IndexByKey looks up an index block by its key.
func (c *Config) IndexByKey(key string) (IndexConfig, bool) {
	for _, idx := range c.Indices {
		if idx.Key == key {
			return idx, true
		}
	}
	return IndexConfig{}, false
}
