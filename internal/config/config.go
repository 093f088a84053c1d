// Package config loads server configuration from defaults, an optional
// YAML file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/perp-engine/internal/contract"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/market"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("config: invalid configuration")

// Oracle sources.
const (
	OracleStatic = "static"
	OracleRedis  = "redis"
)

// Config is the server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Admin     AdminConfig     `yaml:"admin"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Keeper    KeeperConfig    `yaml:"keeper"`
	Markets   []MarketConfig  `yaml:"markets"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the PostgreSQL store. An empty URL selects
// the in-memory store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig configures the state cache and the Redis oracle feed.
type RedisConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// NATSConfig configures the JetStream event publisher. An empty URL
// disables publishing.
type NATSConfig struct {
	URL          string        `yaml:"url"`
	StreamMaxAge time.Duration `yaml:"stream_max_age"`
	Buffer       int           `yaml:"buffer"`
}

// AdminConfig guards the admin routes. An empty token disables them.
type AdminConfig struct {
	Token string `yaml:"token"`
}

// RateLimitConfig bounds requests per client.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"` // MB
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
	Compress   bool   `yaml:"compress"`
}

// KeeperConfig configures the funding and liquidation keeper.
type KeeperConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Account             string `yaml:"account"`
	FundingSchedule     string `yaml:"funding_schedule"`
	LiquidationSchedule string `yaml:"liquidation_schedule"`
}

// MarketConfig defines one market. Reserves are derived from Price and
// Depth unless BaseReserve and QuoteReserve are both set.
type MarketConfig struct {
	Symbol       string        `yaml:"symbol"`
	Price        string        `yaml:"price"`
	Depth        string        `yaml:"depth"`
	BaseReserve  string        `yaml:"base_reserve"`
	QuoteReserve string        `yaml:"quote_reserve"`
	Params       ParamsConfig  `yaml:"params"`
	Funding      FundingConfig `yaml:"funding"`
	Oracle       OracleConfig  `yaml:"oracle"`
}

// ParamsConfig overrides market.DefaultParams. Unset fields keep the
// default.
type ParamsConfig struct {
	TradingFeeRateBp         *int64 `yaml:"trading_fee_rate_bp"`
	LiquidationFeeRateBp     *int64 `yaml:"liquidation_fee_rate_bp"`
	MaintenanceMarginRatioBp *int64 `yaml:"maintenance_margin_ratio_bp"`
	InitialMarginRatioBp     *int64 `yaml:"initial_margin_ratio_bp"`
	LiquidatorShareBp        *int64 `yaml:"liquidator_share_bp"`
	MinLeverage              string `yaml:"min_leverage"`
	MaxLeverage              string `yaml:"max_leverage"`
	MaxPositionNotional      string `yaml:"max_position_notional"`
	MaxOpenInterest          string `yaml:"max_open_interest"`
}

// FundingConfig overrides funding.DefaultParams.
type FundingConfig struct {
	Interval    time.Duration `yaml:"interval"`
	PeriodHours string        `yaml:"period_hours"`
	MaxRate     string        `yaml:"max_rate"`
}

// OracleConfig selects the index price feed.
type OracleConfig struct {
	Source string        `yaml:"source"`
	MaxAge time.Duration `yaml:"max_age"`
}

// Default returns the configuration used when no file is given: an
// in-memory store and one BTC market.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Redis: RedisConfig{CacheTTL: 30 * time.Second},
		NATS:  NATSConfig{StreamMaxAge: 7 * 24 * time.Hour, Buffer: 1024},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
		Keeper: KeeperConfig{
			Enabled:             true,
			Account:             "keeper",
			FundingSchedule:     "0 * * * * *",
			LiquidationSchedule: "*/10 * * * * *",
		},
		Markets: []MarketConfig{{
			Symbol: "BTC-USD-PERP",
			Price:  "50000",
			Depth:  "5000000000",
			Oracle: OracleConfig{Source: OracleStatic, MaxAge: time.Minute},
		}},
	}
}

// Load builds the configuration. A .env file in the working directory is
// loaded first if present. path names a YAML file; when empty the
// PERP_CONFIG variable is consulted, and with neither only defaults and
// environment overrides apply.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv("PERP_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes YAML over cfg. Fields absent from data keep their
// current values; a markets list replaces the default markets.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: PORT %q", ErrInvalid, v)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		c.Admin.Token = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// Validate checks the whole configuration, including that every market
// builds a valid engine configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalid, c.Server.Port)
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("%w: rate limit must not be negative", ErrInvalid)
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst == 0 {
		return fmt.Errorf("%w: rate limit burst must be positive", ErrInvalid)
	}
	if c.Keeper.Enabled {
		if c.Keeper.Account == "" {
			return fmt.Errorf("%w: keeper account is required", ErrInvalid)
		}
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		for _, sched := range []string{c.Keeper.FundingSchedule, c.Keeper.LiquidationSchedule} {
			if _, err := parser.Parse(sched); err != nil {
				return fmt.Errorf("%w: keeper schedule %q: %v", ErrInvalid, sched, err)
			}
		}
	}
	if len(c.Markets) == 0 {
		return fmt.Errorf("%w: at least one market is required", ErrInvalid)
	}
	seen := make(map[string]bool, len(c.Markets))
	for _, m := range c.Markets {
		if seen[m.Symbol] {
			return fmt.Errorf("%w: duplicate market %s", ErrInvalid, m.Symbol)
		}
		seen[m.Symbol] = true
		if _, err := m.Engine(); err != nil {
			return err
		}
		switch m.Oracle.Source {
		case OracleStatic:
			if _, err := m.InitialPrice(); err != nil {
				return err
			}
		case OracleRedis:
			if c.Redis.URL == "" {
				return fmt.Errorf("%w: market %s uses the redis oracle without a redis url", ErrInvalid, m.Symbol)
			}
		default:
			return fmt.Errorf("%w: market %s oracle source %q", ErrInvalid, m.Symbol, m.Oracle.Source)
		}
		if m.Oracle.MaxAge <= 0 {
			return fmt.Errorf("%w: market %s oracle max age must be positive", ErrInvalid, m.Symbol)
		}
	}
	return nil
}

// Engine converts m into an engine configuration.
func (m MarketConfig) Engine() (market.Config, error) {
	if _, err := contract.ParseSymbol(m.Symbol); err != nil {
		return market.Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	cfg := market.Config{
		Symbol:  m.Symbol,
		Params:  market.DefaultParams(),
		Funding: funding.DefaultParams(),
	}

	var err error
	if m.BaseReserve != "" || m.QuoteReserve != "" {
		if cfg.BaseReserve, err = m.decimal("base_reserve", m.BaseReserve); err != nil {
			return market.Config{}, err
		}
		if cfg.QuoteReserve, err = m.decimal("quote_reserve", m.QuoteReserve); err != nil {
			return market.Config{}, err
		}
	} else {
		price, err := m.decimal("price", m.Price)
		if err != nil {
			return market.Config{}, err
		}
		depth, err := m.decimal("depth", m.Depth)
		if err != nil {
			return market.Config{}, err
		}
		cfg.BaseReserve, cfg.QuoteReserve, err = contract.DeriveReserves(price, depth)
		if err != nil {
			return market.Config{}, fmt.Errorf("%w: market %s: %w", ErrInvalid, m.Symbol, err)
		}
	}
	if !cfg.BaseReserve.IsPositive() || !cfg.QuoteReserve.IsPositive() {
		return market.Config{}, fmt.Errorf("%w: market %s reserves must be positive", ErrInvalid, m.Symbol)
	}

	p := m.Params
	for _, o := range []struct {
		v   *int64
		dst *int64
	}{
		{p.TradingFeeRateBp, &cfg.Params.TradingFeeRateBp},
		{p.LiquidationFeeRateBp, &cfg.Params.LiquidationFeeRateBp},
		{p.MaintenanceMarginRatioBp, &cfg.Params.MaintenanceMarginRatioBp},
		{p.InitialMarginRatioBp, &cfg.Params.InitialMarginRatioBp},
		{p.LiquidatorShareBp, &cfg.Params.LiquidatorShareBp},
	} {
		if o.v != nil {
			*o.dst = *o.v
		}
	}
	for _, o := range []struct {
		name string
		v    string
		dst  *decimal.Decimal
	}{
		{"min_leverage", p.MinLeverage, &cfg.Params.MinLeverage},
		{"max_leverage", p.MaxLeverage, &cfg.Params.MaxLeverage},
		{"max_position_notional", p.MaxPositionNotional, &cfg.Params.MaxPositionNotional},
		{"max_open_interest", p.MaxOpenInterest, &cfg.Params.MaxOpenInterest},
		{"funding.period_hours", m.Funding.PeriodHours, &cfg.Funding.PeriodHours},
		{"funding.max_rate", m.Funding.MaxRate, &cfg.Funding.MaxRate},
	} {
		if o.v == "" {
			continue
		}
		if *o.dst, err = m.decimal(o.name, o.v); err != nil {
			return market.Config{}, err
		}
	}
	if m.Funding.Interval != 0 {
		cfg.Funding.Interval = m.Funding.Interval
	}

	if err := market.ValidateParams(cfg.Params); err != nil {
		return market.Config{}, fmt.Errorf("%w: market %s: %w", ErrInvalid, m.Symbol, err)
	}
	if err := cfg.Funding.Validate(); err != nil {
		return market.Config{}, fmt.Errorf("%w: market %s: %w", ErrInvalid, m.Symbol, err)
	}
	return cfg, nil
}

// InitialPrice is the starting index price for a static oracle. Without
// an explicit price it is the opening mark of the configured reserves.
func (m MarketConfig) InitialPrice() (decimal.Decimal, error) {
	if m.Price == "" {
		cfg, err := m.Engine()
		if err != nil {
			return decimal.Zero, err
		}
		return cfg.QuoteReserve.Div(cfg.BaseReserve), nil
	}
	price, err := m.decimal("price", m.Price)
	if err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: market %s price must be positive", ErrInvalid, m.Symbol)
	}
	return price, nil
}

func (m MarketConfig) decimal(field, v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, fmt.Errorf("%w: market %s %s is required", ErrInvalid, m.Symbol, field)
	}
	out, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: market %s %s %q", ErrInvalid, m.Symbol, field, v)
	}
	return out, nil
}
