package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the execution engine. Values come from
// defaults, an optional config.yaml, then environment variables prefixed with
// EXEC_ (e.g. EXEC_RISK_MAX_DAILY_LOSS), in that precedence order.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Protection ProtectionConfig `mapstructure:"protection"`
	Trailing   TrailingConfig   `mapstructure:"trailing"`
	Risk       RiskConfig       `mapstructure:"risk"`
	DataDir    string           `mapstructure:"data_dir"`
}

type ServerConfig struct {
	Port      string `mapstructure:"port"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type BrokerConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RatePerSec     float64       `mapstructure:"rate_per_sec"`
	DryRun         bool          `mapstructure:"dry_run"`
}

type PipelineConfig struct {
	DedupeWindow       time.Duration `mapstructure:"dedupe_window"`
	MaxSpreadFrac      float64       `mapstructure:"max_spread_frac"`
	SlippageFrac       float64       `mapstructure:"slippage_frac"`
	TickSize           float64       `mapstructure:"tick_size"`
	AutoStops          bool          `mapstructure:"auto_stops"`
	AutoTargets        bool          `mapstructure:"auto_targets"`
	StopLossFrac       float64       `mapstructure:"stop_loss_frac"`
	TargetFrac         float64       `mapstructure:"target_frac"`
	StopLimitBufferPct float64       `mapstructure:"stop_limit_buffer_frac"`
	CancelWorkers      int           `mapstructure:"cancel_workers"`
	TradeLogPath       string        `mapstructure:"trade_log_path"`
}

type ProtectionConfig struct {
	RegistryPath string        `mapstructure:"registry_path"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type TrailingConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ArmFrac        float64       `mapstructure:"arm_frac"`
	Cooldown       time.Duration `mapstructure:"cooldown"`
	LockFrac       float64       `mapstructure:"lock_frac"`
	Throttle       time.Duration `mapstructure:"throttle"`
	MinDeltaTicks  int           `mapstructure:"min_delta_ticks"`
	BufferTicks    int           `mapstructure:"buffer_ticks"`
	LimitExtraTick int           `mapstructure:"limit_extra_ticks"`
	CutoffEnabled  bool          `mapstructure:"cutoff_enabled"`
	Cutoff         string        `mapstructure:"cutoff"` // "HH:MM", local time
}

type RiskConfig struct {
	// MaxDailyLoss must be negative (e.g. -2000) or zero to disable the gate.
	MaxDailyLoss       float64 `mapstructure:"max_daily_loss"`
	MaxTotalQuantity   int     `mapstructure:"max_total_quantity"`
	EnforceMarketHours bool    `mapstructure:"enforce_market_hours"`
	MarketOpen         string  `mapstructure:"market_open"`  // "HH:MM"
	MarketClose        string  `mapstructure:"market_close"` // "HH:MM"
	TimedExitEnabled   bool    `mapstructure:"timed_exit_enabled"`
	TimedExit          string  `mapstructure:"timed_exit"` // "HH:MM"
	MinCashWarn        float64 `mapstructure:"min_cash_warn"`
	Disabled           bool    `mapstructure:"disabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.jwt_secret", "exec-secret-key")
	v.SetDefault("data_dir", "data")

	v.SetDefault("broker.base_url", "https://api.broker.example")
	v.SetDefault("broker.connect_timeout", "3s")
	v.SetDefault("broker.read_timeout", "7s")
	v.SetDefault("broker.max_attempts", 3)
	v.SetDefault("broker.rate_per_sec", 5.0)
	v.SetDefault("broker.dry_run", false)

	v.SetDefault("pipeline.dedupe_window", "20s")
	v.SetDefault("pipeline.max_spread_frac", 0.08)
	v.SetDefault("pipeline.slippage_frac", 0.01)
	v.SetDefault("pipeline.tick_size", 0.05)
	v.SetDefault("pipeline.auto_stops", true)
	v.SetDefault("pipeline.auto_targets", true)
	v.SetDefault("pipeline.stop_loss_frac", 0.02)
	v.SetDefault("pipeline.target_frac", 0.02)
	v.SetDefault("pipeline.stop_limit_buffer_frac", 0.005)
	v.SetDefault("pipeline.cancel_workers", 4)
	v.SetDefault("pipeline.trade_log_path", "data/trade_log.csv")

	v.SetDefault("protection.registry_path", "data/protection_registry.json")
	v.SetDefault("protection.poll_interval", "3s")

	v.SetDefault("trailing.enabled", false)
	v.SetDefault("trailing.arm_frac", 0.40)
	v.SetDefault("trailing.cooldown", "5m")
	v.SetDefault("trailing.lock_frac", 0.50)
	v.SetDefault("trailing.throttle", "15s")
	v.SetDefault("trailing.min_delta_ticks", 2)
	v.SetDefault("trailing.buffer_ticks", 2)
	v.SetDefault("trailing.limit_extra_ticks", 2)
	v.SetDefault("trailing.cutoff_enabled", false)
	v.SetDefault("trailing.cutoff", "15:20")

	v.SetDefault("risk.max_daily_loss", 0.0)
	v.SetDefault("risk.max_total_quantity", 0)
	v.SetDefault("risk.enforce_market_hours", true)
	v.SetDefault("risk.market_open", "09:15")
	v.SetDefault("risk.market_close", "15:30")
	v.SetDefault("risk.timed_exit_enabled", false)
	v.SetDefault("risk.timed_exit", "15:20")
	v.SetDefault("risk.min_cash_warn", 0.0)
	v.SetDefault("risk.disabled", false)
}

// Load reads configuration from config.yaml (if present) and the environment.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("EXEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would silently misbehave at runtime.
func (c *Config) Validate() error {
	// Single signed convention: the loss limit is a negative number. A
	// positive value is an operator mistake, not something to coerce.
	if c.Risk.MaxDailyLoss > 0 {
		return fmt.Errorf("risk.max_daily_loss must be negative or zero (got %.2f); use e.g. -2000", c.Risk.MaxDailyLoss)
	}
	if c.Pipeline.DedupeWindow <= 0 {
		return fmt.Errorf("pipeline.dedupe_window must be positive")
	}
	if c.Pipeline.MaxSpreadFrac <= 0 || c.Pipeline.MaxSpreadFrac >= 1 {
		return fmt.Errorf("pipeline.max_spread_frac must be in (0,1)")
	}
	if c.Pipeline.TickSize <= 0 {
		return fmt.Errorf("pipeline.tick_size must be positive")
	}
	if c.Broker.MaxAttempts < 1 {
		return fmt.Errorf("broker.max_attempts must be at least 1")
	}
	if c.Pipeline.CancelWorkers < 1 || c.Pipeline.CancelWorkers > 8 {
		return fmt.Errorf("pipeline.cancel_workers must be between 1 and 8")
	}
	for _, hm := range []struct{ name, val string }{
		{"risk.market_open", c.Risk.MarketOpen},
		{"risk.market_close", c.Risk.MarketClose},
		{"risk.timed_exit", c.Risk.TimedExit},
		{"trailing.cutoff", c.Trailing.Cutoff},
	} {
		if _, _, err := ParseHHMM(hm.val); err != nil {
			return fmt.Errorf("%s: %w", hm.name, err)
		}
	}
	return nil
}

// ParseHHMM parses a "HH:MM" clock string.
func ParseHHMM(s string) (hh, mm int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid HH:MM value %q", s)
	}
	return t.Hour(), t.Minute(), nil
}
