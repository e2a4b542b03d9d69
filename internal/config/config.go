// Package config defines all configuration for the copy-trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via COPYTRADER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure. The sizing and filter keys keep their historical flat names
// because they are shared with the operator runbooks.
type Config struct {
	// Sizing (percent values, e.g. 90 means 90%).
	EquityOfTotalEquity float64 `mapstructure:"equity_of_total_equity"`
	EquityPerSinglePos  float64 `mapstructure:"equity_per_single_pos"`
	IncrDecrPerc        float64 `mapstructure:"incr_decr_perc"`
	MaxPosSizePerc      float64 `mapstructure:"max_pos_size_perc"`
	MinPosSizePerc      float64 `mapstructure:"min_pos_size_perc"`

	// SLRatio is the fraction of the entry-to-liquidation distance at
	// which the stop-loss is placed.
	SLRatio float64 `mapstructure:"sl_ratio"`

	// CopyMode is "single" or "multi"; CopyTraderBy ranks the single-mode
	// leader by "KC" (Kelly criterion) or "TC" (trade count).
	CopyMode     string `mapstructure:"copy_mode"`
	CopyTraderBy string `mapstructure:"copy_trader_by"`

	// MaxTimeToFill expires still-unfilled limit orders, in seconds.
	MaxTimeToFill int `mapstructure:"max_time_to_fill"`

	// Filter toggles.
	IgnoreNegTotalROITraders         bool `mapstructure:"ignore_neg_total_roi_traders"`
	IgnoreNegAllTimeframesROITraders bool `mapstructure:"ignore_neg_all_timeframes_roi_traders"`
	IgnoreObservedTraders            bool `mapstructure:"ignore_observed_traders"`

	// FilterTraders holds the follower-filter thresholds per date range
	// ("daily", "weekly", "monthly", "total").
	FilterTraders map[string]WindowFilter `mapstructure:"filter_traders_config"`

	// SearchTraders parameterizes upstream leaderboard discovery.
	SearchTraders SearchTradersConfig `mapstructure:"search_traders_config"`

	Instances   map[string]InstanceConfig `mapstructure:"instances"`
	Database    DatabaseConfig            `mapstructure:"database"`
	Exchange    ExchangeConfig            `mapstructure:"exchange"`
	Leaderboard LeaderboardConfig         `mapstructure:"leaderboard"`
	Engine      EngineConfig              `mapstructure:"engine"`
	Telegram    TelegramConfig            `mapstructure:"telegram"`
	Logging     LoggingConfig             `mapstructure:"logging"`
	API         APIConfig                 `mapstructure:"api"`
}

// WindowFilter is the per-date-range admission thresholds applied to a
// trader's stats row during the follower-filter pass.
type WindowFilter struct {
	WinRatio           float64 `mapstructure:"win_ratio"`
	YieldRatio         float64 `mapstructure:"yield_ratio"`
	CurrentFollowPnl   float64 `mapstructure:"current_follow_pnl"`
	ProfitDays         int     `mapstructure:"profit_days"`
	LossDays           int     `mapstructure:"loss_days"`
	ProfitLossDaysDiff int     `mapstructure:"profit_loss_days_diff"`
}

// SearchTradersConfig mirrors the upstream leaderboard search parameters.
type SearchTradersConfig struct {
	Type       string  `mapstructure:"type"`
	MaxTraders int     `mapstructure:"max_traders"`
	AumLow     int     `mapstructure:"aum_low"`
	AumHigh    int     `mapstructure:"aum_high"`
	WinRatio   float64 `mapstructure:"win_ratio"`
}

// InstanceConfig is one named mirror configuration (x1, x2, x3): its master
// enable switch and its own exchange credentials.
type InstanceConfig struct {
	CopyPositions bool   `mapstructure:"copy_positions"`
	APIKey        string `mapstructure:"api_key"`
	APISecret     string `mapstructure:"api_secret"`
}

// DatabaseConfig selects the relational store. When DSN is set it wins and
// the driver is chosen by its prefix (sqlite file path or postgres:// URL);
// otherwise a postgres DSN is assembled from the discrete fields.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// PostgresDSN assembles a postgres connection string from the discrete
// fields. Only used when DSN is empty.
func (d DatabaseConfig) PostgresDSN() string {
	port := d.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", d.User, d.Password, d.Host, port, d.Database)
}

// ExchangeConfig holds the target-exchange endpoint and rate limit shared by
// all instances (credentials are per instance).
type ExchangeConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	OpsPerSecond   float64       `mapstructure:"ops_per_second"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LeaderboardConfig holds the upstream leaderboard API endpoint, headers,
// and the linear retry policy.
type LeaderboardConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	HostHeader string        `mapstructure:"host_header"`
	RetryCount int           `mapstructure:"retry_count"`
	RetryStep  time.Duration `mapstructure:"retry_step"`
}

// EngineConfig tunes the per-instance control loop.
//
//   - CycleInterval: sleep between reconcile cycles.
//   - CrashBaseDelay: base unit of the consecutive-crash backoff.
//   - MaxCrashes: consecutive crashes before the loop halts.
type EngineConfig struct {
	CycleInterval  time.Duration `mapstructure:"cycle_interval"`
	CrashBaseDelay time.Duration `mapstructure:"crash_base_delay"`
	MaxCrashes     int           `mapstructure:"max_crashes"`
}

// TelegramConfig configures operator alerts. Disabled when Token is empty.
type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIConfig controls the health/status HTTP server.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: COPYTRADER_DB_PASSWORD,
// COPYTRADER_TELEGRAM_TOKEN, COPYTRADER_<INSTANCE>_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("COPYTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if pw := os.Getenv("COPYTRADER_DB_PASSWORD"); pw != "" {
		cfg.Database.Password = pw
	}
	if tok := os.Getenv("COPYTRADER_TELEGRAM_TOKEN"); tok != "" {
		cfg.Telegram.Token = tok
	}
	for name, inst := range cfg.Instances {
		if sec := os.Getenv("COPYTRADER_" + strings.ToUpper(name) + "_API_SECRET"); sec != "" {
			inst.APISecret = sec
			cfg.Instances[name] = inst
		}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.CopyMode == "" {
		c.CopyMode = "single"
	}
	if c.CopyTraderBy == "" {
		c.CopyTraderBy = "KC"
	}
	if c.Exchange.OpsPerSecond == 0 {
		c.Exchange.OpsPerSecond = 10
	}
	if c.Exchange.RequestTimeout == 0 {
		c.Exchange.RequestTimeout = 10 * time.Second
	}
	if c.Leaderboard.RetryCount == 0 {
		c.Leaderboard.RetryCount = 20
	}
	if c.Leaderboard.RetryStep == 0 {
		c.Leaderboard.RetryStep = 5 * time.Second
	}
	if c.Engine.CycleInterval == 0 {
		c.Engine.CycleInterval = 30 * time.Second
	}
	if c.Engine.CrashBaseDelay == 0 {
		c.Engine.CrashBaseDelay = 15 * time.Second
	}
	if c.Engine.MaxCrashes == 0 {
		c.Engine.MaxCrashes = 3
	}
}

// Validate checks all required fields and value ranges for one instance.
func (c *Config) Validate(instance string) error {
	inst, ok := c.Instances[instance]
	if !ok {
		return fmt.Errorf("unknown instance %q (configure instances.%s)", instance, instance)
	}
	if inst.APIKey == "" || inst.APISecret == "" {
		return fmt.Errorf("instances.%s.api_key and api_secret are required (set COPYTRADER_%s_API_SECRET)",
			instance, strings.ToUpper(instance))
	}
	if c.Database.DSN == "" && (c.Database.Host == "" || c.Database.User == "" || c.Database.Database == "") {
		return fmt.Errorf("database.dsn or database.{host,user,database} is required")
	}
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required")
	}
	if c.Leaderboard.BaseURL == "" {
		return fmt.Errorf("leaderboard.base_url is required")
	}
	if c.EquityOfTotalEquity <= 0 || c.EquityOfTotalEquity > 100 {
		return fmt.Errorf("equity_of_total_equity must be in (0, 100]")
	}
	if c.EquityPerSinglePos <= 0 || c.EquityPerSinglePos > 100 {
		return fmt.Errorf("equity_per_single_pos must be in (0, 100]")
	}
	if c.MinPosSizePerc > c.MaxPosSizePerc {
		return fmt.Errorf("min_pos_size_perc must not exceed max_pos_size_perc")
	}
	if c.SLRatio <= 0 || c.SLRatio > 1 {
		return fmt.Errorf("sl_ratio must be in (0, 1]")
	}
	switch c.CopyMode {
	case "single", "multi":
	default:
		return fmt.Errorf("copy_mode must be \"single\" or \"multi\"")
	}
	switch c.CopyTraderBy {
	case "KC", "TC":
	default:
		return fmt.Errorf("copy_trader_by must be \"KC\" or \"TC\"")
	}
	if c.MaxTimeToFill <= 0 {
		return fmt.Errorf("max_time_to_fill must be > 0 seconds")
	}
	return nil
}
