package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	ec, err := cfg.Markets[0].Engine()
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD-PERP", ec.Symbol)
	assert.True(t, ec.BaseReserve.Equal(decimal.NewFromInt(100_000)), "base reserve %s", ec.BaseReserve)
	assert.True(t, ec.QuoteReserve.Div(ec.BaseReserve).Equal(decimal.NewFromInt(50_000)))
	assert.Equal(t, int64(10), ec.Params.TradingFeeRateBp)
	assert.Equal(t, time.Hour, ec.Funding.Interval)
}

const sample = `
server:
  port: 9090
logging:
  level: debug
  format: text
keeper:
  enabled: false
markets:
  - symbol: ETH-USDC-PERP
    base_reserve: "2000"
    quote_reserve: "6000000"
    params:
      trading_fee_rate_bp: 0
      max_leverage: "20"
      max_open_interest: "500"
    funding:
      interval: 30m
      max_rate: "0.0005"
    oracle:
      source: static
      max_age: 30s
`

func TestParse_OverridesDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, Parse([]byte(sample), &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout, "unset fields keep defaults")
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Keeper.Enabled)
	require.Len(t, cfg.Markets, 1)

	m := cfg.Markets[0]
	ec, err := m.Engine()
	require.NoError(t, err)
	assert.True(t, ec.BaseReserve.Equal(decimal.NewFromInt(2000)))
	assert.Equal(t, int64(0), ec.Params.TradingFeeRateBp, "explicit zero overrides the default")
	assert.Equal(t, int64(100), ec.Params.LiquidationFeeRateBp)
	assert.True(t, ec.Params.MaxLeverage.Equal(decimal.NewFromInt(20)))
	assert.True(t, ec.Params.MaxOpenInterest.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, 30*time.Minute, ec.Funding.Interval)
	assert.True(t, ec.Funding.MaxRate.Equal(decimal.RequireFromString("0.0005")))
	assert.Equal(t, 30*time.Second, m.Oracle.MaxAge)

	price, err := m.InitialPrice()
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(3000)), "price derived from reserves, got %s", price)
}

func TestParse_Malformed(t *testing.T) {
	cfg := Default()
	assert.Error(t, Parse([]byte("server: [1, 2"), &cfg))
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"negative rate limit", func(c *Config) { c.RateLimit.RequestsPerSecond = -1 }},
		{"zero burst", func(c *Config) { c.RateLimit.Burst = 0 }},
		{"keeper account", func(c *Config) { c.Keeper.Account = "" }},
		{"keeper schedule", func(c *Config) { c.Keeper.FundingSchedule = "every hour" }},
		{"five field schedule", func(c *Config) { c.Keeper.LiquidationSchedule = "* * * * *" }},
		{"no markets", func(c *Config) { c.Markets = nil }},
		{"duplicate market", func(c *Config) { c.Markets = append(c.Markets, c.Markets[0]) }},
		{"bad symbol", func(c *Config) { c.Markets[0].Symbol = "BTCUSD" }},
		{"bad price", func(c *Config) { c.Markets[0].Price = "abc" }},
		{"zero price", func(c *Config) { c.Markets[0].Price = "0" }},
		{"missing depth", func(c *Config) { c.Markets[0].Depth = "" }},
		{"half reserves", func(c *Config) { c.Markets[0].BaseReserve = "10" }},
		{"leverage cap", func(c *Config) { c.Markets[0].Params.MaxLeverage = "500" }},
		{"funding rate", func(c *Config) { c.Markets[0].Funding.MaxRate = "0" }},
		{"unknown oracle", func(c *Config) { c.Markets[0].Oracle.Source = "chainlink" }},
		{"redis oracle without url", func(c *Config) { c.Markets[0].Oracle.Source = OracleRedis }},
		{"oracle max age", func(c *Config) { c.Markets[0].Oracle.MaxAge = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Markets = append([]MarketConfig(nil), cfg.Markets...)
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestValidate_BadMaintenanceMargin(t *testing.T) {
	cfg := Default()
	zero := int64(0)
	cfg.Markets[0].Params.MaintenanceMarginRatioBp = &zero
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	t.Setenv("PORT", "7000")
	t.Setenv("DATABASE_URL", "postgres://localhost/perp")
	t.Setenv("ADMIN_TOKEN", "secret")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port, "environment wins over the file")
	assert.Equal(t, "postgres://localhost/perp", cfg.Database.URL)
	assert.Equal(t, "secret", cfg.Admin.Token)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "ETH-USDC-PERP", cfg.Markets[0].Symbol)
}

func TestLoad_ConfigFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	t.Setenv("PERP_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoad_Errors(t *testing.T) {
	t.Setenv("PERP_CONFIG", "")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("PORT", "eighty")
	_, err = Load("")
	assert.ErrorIs(t, err, ErrInvalid)
}
