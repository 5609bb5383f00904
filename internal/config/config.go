// Package config defines the arbitrage engine configuration and its
// validation.
package config

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/risk"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ARBENGINE_* environment variables.
type Config struct {
	// Venues is decoded separately so each table merges onto its defaults.
	Venues    map[string]VenueConfig `toml:"-"`
	Arbitrage ArbitrageConfig        `toml:"arbitrage"`
	Grid      GridConfig             `toml:"grid"`
	Redis     RedisConfig            `toml:"redis"`
	Postgres  PostgresConfig         `toml:"postgres"`
	S3        S3Config               `toml:"s3"`
	Server    ServerConfig           `toml:"server"`
	Notify    NotifyConfig           `toml:"notify"`
	Metrics   MetricsConfig          `toml:"metrics"`
	Mode      string                 `toml:"mode"`
	LogLevel  string                 `toml:"log_level"`
}

// Venue kinds.
const (
	KindBinance = "binance"
	KindOKX     = "okx"
	KindKuCoin  = "kucoin"
	KindPaper   = "paper"
)

// VenueConfig configures one exchange connection and its guards.
type VenueConfig struct {
	Enabled bool `toml:"enabled"`
	// Kind selects the adapter; it defaults to the section name.
	Kind        string   `toml:"kind"`
	APIKey      string   `toml:"api_key"`
	APISecret   string   `toml:"api_secret"`
	Passphrase  string   `toml:"passphrase"`
	RESTURL     string   `toml:"rest_url"`
	WSURL       string   `toml:"ws_url"`
	Demo        bool     `toml:"demo"`
	HTTPTimeout duration `toml:"http_timeout"`
	MakerFee    float64  `toml:"maker_fee"`
	TakerFee    float64  `toml:"taker_fee"`

	RateLimit RateLimitConfig `toml:"rate_limit"`
	Breaker   BreakerConfig   `toml:"breaker"`

	// Balances seeds a paper venue.
	Balances map[string]float64 `toml:"balances"`
	// QuoteSource names the live venue whose quotes a paper venue mirrors.
	QuoteSource string `toml:"quote_source"`
}

// AdapterKind resolves Kind against the section name.
func (v VenueConfig) AdapterKind(name string) string {
	if v.Kind != "" {
		return strings.ToLower(v.Kind)
	}
	return strings.ToLower(name)
}

// RateLimitConfig is a per-venue call budget.
type RateLimitConfig struct {
	Calls  int      `toml:"calls"`
	Window duration `toml:"window"`
}

// BreakerConfig tunes a venue's circuit breaker.
type BreakerConfig struct {
	Threshold   int      `toml:"threshold"`
	Window      duration `toml:"window"`
	Cooldown    duration `toml:"cooldown"`
	Multiplier  float64  `toml:"multiplier"`
	MaxCooldown duration `toml:"max_cooldown"`
}

// ArbitrageConfig holds detection thresholds and execution parameters.
type ArbitrageConfig struct {
	Symbols         []string `toml:"symbols"`
	AutoExecute     bool     `toml:"auto_execute"`
	MinProfitUSD    float64  `toml:"min_profit_usd"`
	MinSpreadPct    float64  `toml:"min_spread_pct"`
	MaxTradeSizeUSD float64  `toml:"max_trade_size_usd"`
	MaxSpreadPct    float64  `toml:"max_spread_pct"`
	SlippageBps     float64  `toml:"slippage_bps"`
	MaxExposureUSD  float64  `toml:"max_exposure_usd"`

	Staleness        duration `toml:"staleness"`
	ScanInterval     duration `toml:"scan_interval"`
	ExecutionTimeout duration `toml:"execution_timeout"`
	PollInterval     duration `toml:"poll_interval"`
	ShutdownTimeout  duration `toml:"shutdown_timeout"`

	UnwindMaxAttempts int      `toml:"unwind_max_attempts"`
	UnwindBackoffMin  duration `toml:"unwind_backoff_min"`
	UnwindBackoffMax  duration `toml:"unwind_backoff_max"`
	UnwindTimeout     duration `toml:"unwind_timeout"`

	LockTTL           duration `toml:"lock_ttl"`
	SymbolCooldown    duration `toml:"symbol_cooldown"`
	KillSwitchLossUSD float64  `toml:"kill_switch_loss_usd"`
	ExecutionLogSize  int      `toml:"execution_log_size"`
	SpreadHistorySize int      `toml:"spread_history_size"`
	CheckBalances     bool     `toml:"check_balances"`
}

// Thresholds returns the risk thresholds the section describes.
func (a ArbitrageConfig) Thresholds() risk.Thresholds {
	return risk.Thresholds{
		MinProfitUSD:    a.MinProfitUSD,
		MinSpreadPct:    a.MinSpreadPct,
		MaxTradeSizeUSD: a.MaxTradeSizeUSD,
		MaxSpreadPct:    a.MaxSpreadPct,
		SlippageBps:     a.SlippageBps,
		MaxExposureUSD:  a.MaxExposureUSD,
	}
}

// GridConfig configures the grid strategy.
type GridConfig struct {
	Enabled          bool     `toml:"enabled"`
	Venue            string   `toml:"venue"`
	Symbol           string   `toml:"symbol"`
	Levels           int      `toml:"levels"`
	BaseSpacingPct   float64  `toml:"base_spacing_pct"`
	MinSpacingPct    float64  `toml:"min_spacing_pct"`
	MaxSpacingPct    float64  `toml:"max_spacing_pct"`
	VolatilityK      float64  `toml:"volatility_k"`
	VolatilityWindow int      `toml:"volatility_window"`
	OrderSizeUSD     float64  `toml:"order_size_usd"`
	RecenterBandPct  float64  `toml:"recenter_band_pct"`
	PollInterval     duration `toml:"poll_interval"`
	TickSize         float64  `toml:"tick_size"`
}

// RedisConfig holds Redis connection parameters. An empty Addr runs the
// engine on in-process locks and bus.
type RedisConfig struct {
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	QuoteTTL   duration `toml:"quote_ttl"`
	// InstanceID owns this process's execution locks. It must survive
	// restarts and differ between processes sharing the Redis; empty uses
	// the hostname.
	InstanceID string `toml:"instance_id"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// S3Config holds S3-compatible object storage parameters for the archiver.
type S3Config struct {
	Enabled         bool     `toml:"enabled"`
	Endpoint        string   `toml:"endpoint"`
	Region          string   `toml:"region"`
	Bucket          string   `toml:"bucket"`
	AccessKey       string   `toml:"access_key"`
	SecretKey       string   `toml:"secret_key"`
	UseSSL          bool     `toml:"use_ssl"`
	ForcePathStyle  bool     `toml:"force_path_style"`
	ArchiveInterval duration `toml:"archive_interval"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func defaultVenue(maker, taker float64, calls int) VenueConfig {
	return VenueConfig{
		Enabled:     true,
		HTTPTimeout: duration{10 * time.Second},
		MakerFee:    maker,
		TakerFee:    taker,
		RateLimit:   RateLimitConfig{Calls: calls, Window: duration{time.Minute}},
		Breaker: BreakerConfig{
			Threshold:   5,
			Window:      duration{time.Minute},
			Cooldown:    duration{10 * time.Second},
			Multiplier:  2,
			MaxCooldown: duration{5 * time.Minute},
		},
	}
}

// kucoinVenue is defined but off unless configured.
func kucoinVenue() VenueConfig {
	v := defaultVenue(0.001, 0.001, 1800)
	v.Enabled = false
	return v
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	th := risk.DefaultThresholds()
	return Config{
		Venues: map[string]VenueConfig{
			"binance": defaultVenue(0.001, 0.001, 1200),
			"okx":     defaultVenue(0.0008, 0.001, 600),
			"kucoin":  kucoinVenue(),
		},
		Arbitrage: ArbitrageConfig{
			Symbols:           []string{"BTC/USDT", "ETH/USDT"},
			AutoExecute:       false,
			MinProfitUSD:      th.MinProfitUSD,
			MinSpreadPct:      th.MinSpreadPct,
			MaxTradeSizeUSD:   th.MaxTradeSizeUSD,
			MaxSpreadPct:      th.MaxSpreadPct,
			SlippageBps:       th.SlippageBps,
			MaxExposureUSD:    th.MaxExposureUSD,
			Staleness:         duration{5 * time.Second},
			ScanInterval:      duration{time.Second},
			ExecutionTimeout:  duration{10 * time.Second},
			PollInterval:      duration{250 * time.Millisecond},
			ShutdownTimeout:   duration{90 * time.Second},
			UnwindMaxAttempts: 5,
			UnwindBackoffMin:  duration{250 * time.Millisecond},
			UnwindBackoffMax:  duration{5 * time.Second},
			UnwindTimeout:     duration{time.Minute},
			LockTTL:           duration{2 * time.Minute},
			SymbolCooldown:    duration{time.Minute},
			KillSwitchLossUSD: 500,
			ExecutionLogSize:  500,
			SpreadHistorySize: 100,
			CheckBalances:     true,
		},
		Grid: GridConfig{
			Enabled:          false,
			Venue:            "binance",
			Symbol:           "BTC/USDT",
			Levels:           5,
			BaseSpacingPct:   0.5,
			MinSpacingPct:    0.2,
			MaxSpacingPct:    2,
			VolatilityK:      1,
			VolatilityWindow: 60,
			OrderSizeUSD:     50,
			RecenterBandPct:  3,
			PollInterval:     duration{5 * time.Second},
			TickSize:         0.01,
		},
		Redis: RedisConfig{
			PoolSize:   20,
			MaxRetries: 3,
			QuoteTTL:   duration{time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "arbengine",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Endpoint:        "http://localhost:9000",
			Region:          "us-east-1",
			Bucket:          "arbengine-archive",
			ForcePathStyle:  true,
			ArchiveInterval: duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   600,
			RateWindow:  duration{time.Minute},
		},
		Metrics:  MetricsConfig{Enabled: true},
		Mode:     "monitor",
		LogLevel: "info",
	}
}

// Modes.
const (
	ModeArbitrage = "arbitrage"
	ModeGrid      = "grid"
	ModePaper     = "paper"
	ModeMonitor   = "monitor"
	ModeFull      = "full"
)

var validModes = []string{ModeArbitrage, ModeGrid, ModePaper, ModeMonitor, ModeFull}

var validLogLevels = []string{"debug", "info", "warn", "error"}

var validKinds = []string{KindBinance, KindOKX, KindKuCoin, KindPaper}

// EnabledVenues returns the names of enabled venues, sorted.
func (c *Config) EnabledVenues() []string {
	var names []string
	for name, v := range c.Venues {
		if v.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Arbitrages reports whether the mode runs cross-venue detection.
func (c *Config) Arbitrages() bool {
	return c.Mode != ModeGrid
}

// Trades reports whether the mode sends orders to live venues.
func (c *Config) Trades() bool {
	return c.Mode == ModeArbitrage || c.Mode == ModeGrid || c.Mode == ModeFull
}

// RunsGrid reports whether the grid strategy runs in this mode.
func (c *Config) RunsGrid() bool {
	switch c.Mode {
	case ModeGrid:
		return true
	case ModeFull, ModePaper:
		return c.Grid.Enabled
	}
	return false
}

// Validate checks Config for invalid or missing values and returns a combined
// error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	c.Mode = strings.ToLower(c.Mode)
	if !slices.Contains(validModes, c.Mode) {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: %s)", c.Mode, strings.Join(validModes, ", ")))
	}
	if !slices.Contains(validLogLevels, strings.ToLower(c.LogLevel)) {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: %s)", c.LogLevel, strings.Join(validLogLevels, ", ")))
	}

	enabled := c.EnabledVenues()
	if len(enabled) == 0 {
		errs = append(errs, "venues: at least one venue must be enabled")
	}
	for _, name := range enabled {
		errs = append(errs, c.validateVenue(name, c.Venues[name])...)
	}

	if c.Arbitrages() {
		if len(enabled) < 2 {
			errs = append(errs, fmt.Sprintf("venues: mode %s needs at least two enabled venues", c.Mode))
		}
		if len(c.Arbitrage.Symbols) == 0 {
			errs = append(errs, "arbitrage: symbols must not be empty")
		}
		if err := c.Arbitrage.Thresholds().Validate(); err != nil {
			errs = append(errs, "arbitrage: "+err.Error())
		}
		a := c.Arbitrage
		if a.ScanInterval.Duration <= 0 || a.ExecutionTimeout.Duration <= 0 || a.Staleness.Duration <= 0 {
			errs = append(errs, "arbitrage: staleness, scan_interval and execution_timeout must be > 0")
		}
		if a.UnwindMaxAttempts < 1 {
			errs = append(errs, "arbitrage: unwind_max_attempts must be >= 1")
		}
		if a.UnwindBackoffMax.Duration < a.UnwindBackoffMin.Duration {
			errs = append(errs, "arbitrage: unwind_backoff_max must not be below unwind_backoff_min")
		}
		if a.KillSwitchLossUSD < 0 {
			errs = append(errs, "arbitrage: kill_switch_loss_usd must be >= 0")
		}
		if a.ExecutionLogSize < 1 {
			errs = append(errs, "arbitrage: execution_log_size must be >= 1")
		}
	}

	if c.Mode == ModeGrid && !c.Grid.Enabled {
		errs = append(errs, "grid: mode grid requires grid.enabled")
	}
	if c.RunsGrid() {
		g := c.Grid
		if v, ok := c.Venues[g.Venue]; !ok || !v.Enabled {
			errs = append(errs, fmt.Sprintf("grid: venue %q is not an enabled venue", g.Venue))
		}
		if g.Symbol == "" {
			errs = append(errs, "grid: symbol must not be empty")
		}
		if g.Levels < 1 {
			errs = append(errs, "grid: levels must be >= 1")
		}
		if g.BaseSpacingPct <= 0 || g.OrderSizeUSD <= 0 {
			errs = append(errs, "grid: base_spacing_pct and order_size_usd must be > 0")
		}
		if g.MaxSpacingPct > 0 && g.MaxSpacingPct < g.MinSpacingPct {
			errs = append(errs, "grid: max_spacing_pct must not be below min_spacing_pct")
		}
		if g.MinSpacingPct < 0 || g.TickSize < 0 {
			errs = append(errs, "grid: min_spacing_pct and tick_size must not be negative")
		}
		if g.PollInterval.Duration <= 0 {
			errs = append(errs, "grid: poll_interval must be > 0")
		}
	}

	if c.Postgres.Enabled {
		p := c.Postgres
		if strings.TrimSpace(p.DSN) == "" {
			if p.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if p.Port <= 0 || p.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", p.Port))
			}
			if p.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if p.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if p.PoolMinConns < 0 || p.PoolMinConns > p.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" || c.S3.Region == "" {
			errs = append(errs, "s3: bucket and region must not be empty")
		}
		if !c.Postgres.Enabled {
			errs = append(errs, "s3: archiving requires postgres.enabled")
		}
		if c.S3.ArchiveInterval.Duration <= 0 {
			errs = append(errs, "s3: archive_interval must be > 0")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w:\n  - %s", domain.ErrValidation, strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validateVenue(name string, v VenueConfig) []string {
	var errs []string
	kind := v.AdapterKind(name)
	if !slices.Contains(validKinds, kind) {
		errs = append(errs, fmt.Sprintf("venues.%s: unknown kind %q (valid: %s)", name, kind, strings.Join(validKinds, ", ")))
	}
	if v.MakerFee < 0 || v.MakerFee >= 1 || v.TakerFee < 0 || v.TakerFee >= 1 {
		errs = append(errs, fmt.Sprintf("venues.%s: fees must be fractions in [0, 1)", name))
	}
	if v.RateLimit.Calls < 1 || v.RateLimit.Window.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("venues.%s: rate_limit calls and window must be > 0", name))
	}
	b := v.Breaker
	if b.Threshold < 1 || b.Window.Duration <= 0 || b.Cooldown.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("venues.%s: breaker threshold, window and cooldown must be > 0", name))
	}
	if b.Multiplier < 1 {
		errs = append(errs, fmt.Sprintf("venues.%s: breaker multiplier must be >= 1", name))
	}
	if b.MaxCooldown.Duration > 0 && b.MaxCooldown.Duration < b.Cooldown.Duration {
		errs = append(errs, fmt.Sprintf("venues.%s: breaker max_cooldown must not be below cooldown", name))
	}

	if kind == KindPaper {
		if v.QuoteSource != "" {
			if src, ok := c.Venues[v.QuoteSource]; !ok || src.AdapterKind(v.QuoteSource) == KindPaper {
				errs = append(errs, fmt.Sprintf("venues.%s: quote_source %q must name a live venue", name, v.QuoteSource))
			}
		}
		return errs
	}
	if c.Trades() {
		if v.APIKey == "" || v.APISecret == "" {
			errs = append(errs, fmt.Sprintf("venues.%s: api_key and api_secret are required for mode %s", name, c.Mode))
		}
		if (kind == KindOKX || kind == KindKuCoin) && v.Passphrase == "" {
			errs = append(errs, fmt.Sprintf("venues.%s: passphrase is required for mode %s", name, c.Mode))
		}
	}
	return errs
}
