package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"binance", "okx"}, cfg.EnabledVenues())
	assert.True(t, cfg.Arbitrages())
	assert.False(t, cfg.Trades())
	assert.False(t, cfg.RunsGrid())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "paper"

[venues.binance]
taker_fee = 0.00075

[venues.sim]
enabled = true
kind = "paper"
quote_source = "okx"
balances = { USDT = 10000.0, BTC = 0.5 }
[venues.sim.rate_limit]
calls = 100
window = "1m"
[venues.sim.breaker]
threshold = 3
window = "30s"
cooldown = "5s"
multiplier = 2.0

[arbitrage]
symbols = ["BTC-USDT"]
scan_interval = "250ms"
min_profit_usd = 2.5

[grid]
enabled = true
venue = "sim"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ModePaper, cfg.Mode)
	assert.InDelta(t, 0.00075, cfg.Venues["binance"].TakerFee, 1e-12)
	assert.InDelta(t, 0.001, cfg.Venues["binance"].MakerFee, 1e-12, "untouched fields keep defaults")
	assert.True(t, cfg.Venues["okx"].Enabled)

	sim := cfg.Venues["sim"]
	assert.Equal(t, KindPaper, sim.AdapterKind("sim"))
	assert.Equal(t, 10000.0, sim.Balances["USDT"])
	assert.Equal(t, 30*time.Second, sim.Breaker.Window.Duration)

	assert.Equal(t, 250*time.Millisecond, cfg.Arbitrage.ScanInterval.Duration)
	assert.Equal(t, 2.5, cfg.Arbitrage.Thresholds().MinProfitUSD)
	assert.True(t, cfg.RunsGrid())
}

func TestKuCoinEnabledFromEnv(t *testing.T) {
	t.Setenv("ARBENGINE_VENUES_KUCOIN_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"binance", "kucoin", "okx"}, cfg.EnabledVenues())
	assert.Equal(t, KindKuCoin, cfg.Venues["kucoin"].AdapterKind("kucoin"))
	assert.Equal(t, 1800, cfg.Venues["kucoin"].RateLimit.Calls)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ARBENGINE_MODE", "arbitrage")
	t.Setenv("ARBENGINE_VENUES_BINANCE_API_KEY", "bkey")
	t.Setenv("ARBENGINE_VENUES_BINANCE_API_SECRET", "bsecret")
	t.Setenv("ARBENGINE_VENUES_OKX_API_KEY", "okey")
	t.Setenv("ARBENGINE_VENUES_OKX_API_SECRET", "osecret")
	t.Setenv("ARBENGINE_VENUES_OKX_PASSPHRASE", "pass")
	t.Setenv("ARBENGINE_ARBITRAGE_SYMBOLS", "BTC/USDT, SOL/USDT ,")
	t.Setenv("ARBENGINE_ARBITRAGE_SCAN_INTERVAL", "2s")
	t.Setenv("ARBENGINE_SERVER_PORT", "not-a-number")
	t.Setenv("ARBENGINE_REDIS_INSTANCE_ID", "node-7")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "bkey", cfg.Venues["binance"].APIKey)
	assert.Equal(t, "pass", cfg.Venues["okx"].Passphrase)
	assert.Equal(t, []string{"BTC/USDT", "SOL/USDT"}, cfg.Arbitrage.Symbols)
	assert.Equal(t, 2*time.Second, cfg.Arbitrage.ScanInterval.Duration)
	assert.Equal(t, 8000, cfg.Server.Port, "unparseable values are ignored")
	assert.Equal(t, "node-7", cfg.Redis.InstanceID)
	assert.True(t, cfg.Trades())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown mode", func(c *Config) { c.Mode = "yolo" }, `unknown mode "yolo"`},
		{"log level", func(c *Config) { c.LogLevel = "trace" }, "unknown log_level"},
		{"single venue", func(c *Config) {
			v := c.Venues["okx"]
			v.Enabled = false
			c.Venues["okx"] = v
		}, "at least two enabled venues"},
		{"no symbols", func(c *Config) { c.Arbitrage.Symbols = nil }, "symbols must not be empty"},
		{"thresholds", func(c *Config) { c.Arbitrage.MinProfitUSD = 0 }, "min_profit_usd"},
		{"live keys", func(c *Config) { c.Mode = ModeArbitrage }, "api_key and api_secret are required"},
		{"okx passphrase", func(c *Config) {
			c.Mode = ModeFull
			for name, v := range c.Venues {
				v.APIKey, v.APISecret = "k", "s"
				c.Venues[name] = v
			}
		}, "venues.okx: passphrase"},
		{"kucoin passphrase", func(c *Config) {
			c.Mode = ModeArbitrage
			for name, v := range c.Venues {
				v.APIKey, v.APISecret, v.Passphrase = "k", "s", "p"
				c.Venues[name] = v
			}
			v := c.Venues["kucoin"]
			v.Enabled, v.Passphrase = true, ""
			c.Venues["kucoin"] = v
		}, "venues.kucoin: passphrase"},
		{"unknown kind", func(c *Config) {
			c.Venues["kraken"] = c.Venues["binance"]
		}, `venues.kraken: unknown kind "kraken"`},
		{"fees", func(c *Config) {
			v := c.Venues["binance"]
			v.TakerFee = 1.5
			c.Venues["binance"] = v
		}, "fees must be fractions"},
		{"grid mode", func(c *Config) { c.Mode = ModeGrid }, "mode grid requires grid.enabled"},
		{"grid venue", func(c *Config) {
			c.Mode = ModePaper
			c.Grid.Enabled = true
			c.Grid.Venue = "nowhere"
		}, `grid: venue "nowhere"`},
		{"grid tick", func(c *Config) {
			c.Mode = ModePaper
			c.Grid.Enabled = true
			c.Grid.Venue = "binance"
			c.Grid.TickSize = -0.01
		}, "tick_size must not be negative"},
		{"s3 needs postgres", func(c *Config) { c.S3.Enabled = true }, "archiving requires postgres"},
		{"telegram pair", func(c *Config) { c.Notify.TelegramToken = "t" }, "telegram_token and telegram_chat_id"},
		{"server port", func(c *Config) { c.Server.Port = 70000 }, "server: port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	v := cfg.Venues["binance"]
	v.APIKey, v.APISecret = "key", "secret"
	cfg.Venues["binance"] = v
	cfg.Postgres.Password = "pw"
	cfg.Server.APIKey = "api"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Venues["binance"].APIKey)
	assert.Equal(t, "***", out.Venues["binance"].APISecret)
	assert.Empty(t, out.Venues["binance"].Passphrase, "empty secrets stay empty")
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Server.APIKey)

	assert.Equal(t, "key", cfg.Venues["binance"].APIKey, "original is untouched")
	out.Arbitrage.Symbols[0] = "X"
	assert.Equal(t, "BTC/USDT", cfg.Arbitrage.Symbols[0])
}
