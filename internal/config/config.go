// Package config defines all configuration for the futures keeper.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via KEEPER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"futures-keeper/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Loop      LoopConfig      `mapstructure:"loop"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Store     StoreConfig     `mapstructure:"store"`
	Control   ControlConfig   `mapstructure:"control"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ExecutorConfig selects how actions are performed.
//
//   - Mode "bridge": actions go over a websocket to the browser agent that
//     owns the authenticated session (WSURL).
//   - Mode "direct": actions are signed REST calls using APIKey/APISecret.
//
// CallTimeout bounds simple UI actions, FetchTimeout bounds fetch actions,
// PlaceTimeout bounds the UI order sequence. ReloadAfterTimeouts triggers a
// session reload after that many consecutive RPC timeouts (0 disables).
type ExecutorConfig struct {
	Mode                string        `mapstructure:"mode"`
	WSURL               string        `mapstructure:"ws_url"`
	CallTimeout         time.Duration `mapstructure:"call_timeout"`
	FetchTimeout        time.Duration `mapstructure:"fetch_timeout"`
	PlaceTimeout        time.Duration `mapstructure:"place_timeout"`
	ReloadTimeout       time.Duration `mapstructure:"reload_timeout"`
	ReloadAfterTimeouts int           `mapstructure:"reload_after_timeouts"`
	APIKey              string        `mapstructure:"api_key"`
	APISecret           string        `mapstructure:"api_secret"`
}

// ExchangeConfig holds endpoint roots and the caller identity and origin
// used for rate accounting. PlaceVia selects UI ("ui") or REST ("api")
// placement and cancellation when the bridge executor is active.
type ExchangeConfig struct {
	PrivateBaseURL string        `mapstructure:"private_base_url"`
	PublicBaseURL  string        `mapstructure:"public_base_url"`
	Settle         string        `mapstructure:"settle"`
	Identity       string        `mapstructure:"identity"`
	Origin         string        `mapstructure:"origin"`
	PlaceVia       string        `mapstructure:"place_via"`
	BookDepth      int           `mapstructure:"book_depth"`
	ContractTTL    time.Duration `mapstructure:"contract_ttl"`
}

// LoopConfig tunes the reconciliation loop.
type LoopConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	StartArmed bool          `mapstructure:"start_armed"`
}

// StrategyConfig holds the default runtime settings; setSettings control
// messages replace them while running. Percentages follow types.Settings.
type StrategyConfig struct {
	MaxPositions     int           `mapstructure:"max_positions"`
	Layers           int           `mapstructure:"layers"`
	StartTicks       int           `mapstructure:"start_ticks"`
	OrderValue       float64       `mapstructure:"order_value"`
	Leverage         int           `mapstructure:"leverage"`
	TakeProfitPct    float64       `mapstructure:"take_profit_pct"`
	StopLossPct      float64       `mapstructure:"stop_loss_pct"`
	PositionTimeout  time.Duration `mapstructure:"position_timeout"`
	OpenOrderTimeout time.Duration `mapstructure:"open_order_timeout"`
	SpreadMinPct     float64       `mapstructure:"spread_min_pct"`
	SpreadMaxPct     float64       `mapstructure:"spread_max_pct"`
	MinDepth         float64       `mapstructure:"min_depth"`
	DepthLevels      int           `mapstructure:"depth_levels"`
	SignalMode       string        `mapstructure:"signal_mode"`
	ImbalanceRatio   float64       `mapstructure:"imbalance_ratio"`
	GapPct           float64       `mapstructure:"gap_pct"`
	CloseOffsetTicks int           `mapstructure:"close_offset_ticks"`
	CrossPolicy      string        `mapstructure:"cross_policy"`
}

// Settings converts the file defaults into runtime settings.
func (s StrategyConfig) Settings() types.Settings {
	return types.Settings{
		MaxPositions:        s.MaxPositions,
		Layers:              s.Layers,
		StartTicks:          s.StartTicks,
		OrderValue:          decimal.NewFromFloat(s.OrderValue),
		Leverage:            s.Leverage,
		TakeProfitPct:       decimal.NewFromFloat(s.TakeProfitPct),
		StopLossPct:         decimal.NewFromFloat(s.StopLossPct),
		PositionTimeoutSec:  int(s.PositionTimeout / time.Second),
		OpenOrderTimeoutSec: int(s.OpenOrderTimeout / time.Second),
		SpreadMinPct:        decimal.NewFromFloat(s.SpreadMinPct),
		SpreadMaxPct:        decimal.NewFromFloat(s.SpreadMaxPct),
		MinDepth:            decimal.NewFromFloat(s.MinDepth),
		DepthLevels:         s.DepthLevels,
		SignalMode:          types.SignalMode(s.SignalMode),
		ImbalanceRatio:      decimal.NewFromFloat(s.ImbalanceRatio),
		GapPct:              decimal.NewFromFloat(s.GapPct),
		CloseOffsetTicks:    s.CloseOffsetTicks,
		CrossPolicy:         types.CrossPolicy(s.CrossPolicy),
	}
}

// RateLimitConfig configures the rate governor. Rules replace the built-in
// catalog when non-empty. Enforce makes the exchange client wait out an
// exceeded window instead of only reporting it.
type RateLimitConfig struct {
	Enforce bool         `mapstructure:"enforce"`
	Rules   []RuleConfig `mapstructure:"rules"`
}

// RuleConfig is one declarative rate rule. Pattern is a regular expression
// matched against the request path (query stripped). Scope "rule" shares one
// bucket per basis key; scope "endpoint" keys buckets per method+path.
// Window 0 means a lifetime counter that never resets.
type RuleConfig struct {
	ID      string        `mapstructure:"id"`
	Methods []string      `mapstructure:"methods"`
	Pattern string        `mapstructure:"pattern"`
	Limit   int           `mapstructure:"limit"`
	Window  time.Duration `mapstructure:"window"`
	Basis   string        `mapstructure:"basis"`
	Scope   string        `mapstructure:"scope"`
	Bucket  string        `mapstructure:"bucket"`
}

// StoreConfig sets where rate counters are persisted.
type StoreConfig struct {
	Backend   string `mapstructure:"backend"` // "file" or "redis"
	DataDir   string `mapstructure:"data_dir"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
	RedisKey  string `mapstructure:"redis_key"`
}

// ControlConfig controls the control-channel server (websocket + status API).
type ControlConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: KEEPER_API_KEY, KEEPER_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KEEPER")
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
	if key := os.Getenv("KEEPER_API_KEY"); key != "" {
		cfg.Executor.APIKey = key
	}
	if secret := os.Getenv("KEEPER_API_SECRET"); secret != "" {
		cfg.Executor.APISecret = secret
	}
	if os.Getenv("KEEPER_DRY_RUN") == "true" || os.Getenv("KEEPER_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("executor.mode", "bridge")
	v.SetDefault("executor.call_timeout", 10*time.Second)
	v.SetDefault("executor.fetch_timeout", 15*time.Second)
	v.SetDefault("executor.place_timeout", 20*time.Second)
	v.SetDefault("executor.reload_timeout", 60*time.Second)
	v.SetDefault("exchange.settle", "usdt")
	v.SetDefault("exchange.origin", "local")
	v.SetDefault("exchange.place_via", "ui")
	v.SetDefault("exchange.book_depth", 10)
	v.SetDefault("exchange.contract_ttl", 10*time.Minute)
	v.SetDefault("loop.interval", time.Second)
	v.SetDefault("strategy.layers", 1)
	v.SetDefault("strategy.start_ticks", 1)
	v.SetDefault("strategy.depth_levels", 5)
	v.SetDefault("strategy.signal_mode", string(types.SignalImbalance))
	v.SetDefault("strategy.imbalance_ratio", 1.5)
	v.SetDefault("strategy.cross_policy", string(types.CrossSkip))
	v.SetDefault("store.backend", "file")
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("store.redis_key", "keeper:ratelimit")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("logging.level", "info")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Executor.Mode {
	case "bridge":
		if c.Executor.WSURL == "" {
			return fmt.Errorf("executor.ws_url is required in bridge mode")
		}
	case "direct":
		if !c.DryRun && (c.Executor.APIKey == "" || c.Executor.APISecret == "") {
			return fmt.Errorf("executor.api_key and executor.api_secret are required in direct mode (set KEEPER_API_KEY, KEEPER_API_SECRET)")
		}
	default:
		return fmt.Errorf("executor.mode must be one of: bridge, direct")
	}
	if c.Exchange.PrivateBaseURL == "" {
		return fmt.Errorf("exchange.private_base_url is required")
	}
	if c.Exchange.PublicBaseURL == "" {
		return fmt.Errorf("exchange.public_base_url is required")
	}
	if c.Exchange.Identity == "" {
		return fmt.Errorf("exchange.identity is required (rate limits are per identity)")
	}
	switch c.Exchange.PlaceVia {
	case "ui", "api":
	default:
		return fmt.Errorf("exchange.place_via must be one of: ui, api")
	}
	if c.Loop.Interval <= 0 {
		return fmt.Errorf("loop.interval must be > 0")
	}
	if c.Strategy.MaxPositions <= 0 {
		return fmt.Errorf("strategy.max_positions must be > 0")
	}
	if c.Strategy.Layers <= 0 {
		return fmt.Errorf("strategy.layers must be > 0")
	}
	if c.Strategy.OrderValue <= 0 {
		return fmt.Errorf("strategy.order_value must be > 0")
	}
	if c.Strategy.StartTicks < 0 {
		return fmt.Errorf("strategy.start_ticks must be >= 0")
	}
	if c.Strategy.TakeProfitPct < 0 || c.Strategy.TakeProfitPct >= 1 {
		return fmt.Errorf("strategy.take_profit_pct is a fraction of entry (0.005 = 0.5%%) and must be in [0, 1)")
	}
	if c.Strategy.StopLossPct < 0 {
		return fmt.Errorf("strategy.stop_loss_pct must be >= 0")
	}
	switch types.SignalMode(c.Strategy.SignalMode) {
	case types.SignalImbalance:
		if c.Strategy.ImbalanceRatio < 1 {
			return fmt.Errorf("strategy.imbalance_ratio must be >= 1")
		}
	case types.SignalGap:
	default:
		return fmt.Errorf("strategy.signal_mode must be one of: imbalance, gap")
	}
	switch types.CrossPolicy(c.Strategy.CrossPolicy) {
	case types.CrossSkip, types.CrossClip, types.CrossAllow:
	default:
		return fmt.Errorf("strategy.cross_policy must be one of: skip, clip, allow")
	}
	switch c.Store.Backend {
	case "file":
		if c.Store.DataDir == "" {
			return fmt.Errorf("store.data_dir is required for the file backend")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend must be one of: file, redis")
	}
	for i, r := range c.RateLimit.Rules {
		if r.ID == "" || r.Pattern == "" {
			return fmt.Errorf("rate_limit.rules[%d]: id and pattern are required", i)
		}
	}
	return nil
}
