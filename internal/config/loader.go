package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ARBENGINE_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// decodeFile decodes path over cfg. Each venue table is merged onto the
// defaults for that venue name instead of replacing them.
func decodeFile(path string, cfg *Config) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return err
	}

	var raw struct {
		Venues map[string]toml.Primitive `toml:"venues"`
	}
	md, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return err
	}
	for name, prim := range raw.Venues {
		v, ok := cfg.Venues[name]
		if !ok {
			v = defaultVenue(0, 0, 600)
		}
		if err := md.PrimitiveDecode(prim, &v); err != nil {
			return fmt.Errorf("venues.%s: %w", name, err)
		}
		cfg.Venues[name] = v
	}
	return nil
}

// applyEnvOverrides reads well-known ARBENGINE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Venues ──
	for name, v := range cfg.Venues {
		prefix := "ARBENGINE_VENUES_" + strings.ToUpper(name) + "_"
		setBool(&v.Enabled, prefix+"ENABLED")
		setStr(&v.APIKey, prefix+"API_KEY")
		setStr(&v.APISecret, prefix+"API_SECRET")
		setStr(&v.Passphrase, prefix+"PASSPHRASE")
		setStr(&v.RESTURL, prefix+"REST_URL")
		setStr(&v.WSURL, prefix+"WS_URL")
		setBool(&v.Demo, prefix+"DEMO")
		setFloat64(&v.MakerFee, prefix+"MAKER_FEE")
		setFloat64(&v.TakerFee, prefix+"TAKER_FEE")
		setInt(&v.RateLimit.Calls, prefix+"RATE_LIMIT_CALLS")
		cfg.Venues[name] = v
	}

	// ── Arbitrage ──
	setStringSlice(&cfg.Arbitrage.Symbols, "ARBENGINE_ARBITRAGE_SYMBOLS")
	setBool(&cfg.Arbitrage.AutoExecute, "ARBENGINE_ARBITRAGE_AUTO_EXECUTE")
	setFloat64(&cfg.Arbitrage.MinProfitUSD, "ARBENGINE_ARBITRAGE_MIN_PROFIT_USD")
	setFloat64(&cfg.Arbitrage.MinSpreadPct, "ARBENGINE_ARBITRAGE_MIN_SPREAD_PCT")
	setFloat64(&cfg.Arbitrage.MaxTradeSizeUSD, "ARBENGINE_ARBITRAGE_MAX_TRADE_SIZE_USD")
	setFloat64(&cfg.Arbitrage.MaxSpreadPct, "ARBENGINE_ARBITRAGE_MAX_SPREAD_PCT")
	setFloat64(&cfg.Arbitrage.SlippageBps, "ARBENGINE_ARBITRAGE_SLIPPAGE_BPS")
	setFloat64(&cfg.Arbitrage.MaxExposureUSD, "ARBENGINE_ARBITRAGE_MAX_EXPOSURE_USD")
	setFloat64(&cfg.Arbitrage.KillSwitchLossUSD, "ARBENGINE_ARBITRAGE_KILL_SWITCH_LOSS_USD")
	setDuration(&cfg.Arbitrage.ScanInterval, "ARBENGINE_ARBITRAGE_SCAN_INTERVAL")
	setDuration(&cfg.Arbitrage.ExecutionTimeout, "ARBENGINE_ARBITRAGE_EXECUTION_TIMEOUT")
	setDuration(&cfg.Arbitrage.SymbolCooldown, "ARBENGINE_ARBITRAGE_SYMBOL_COOLDOWN")
	setInt(&cfg.Arbitrage.UnwindMaxAttempts, "ARBENGINE_ARBITRAGE_UNWIND_MAX_ATTEMPTS")

	// ── Grid ──
	setBool(&cfg.Grid.Enabled, "ARBENGINE_GRID_ENABLED")
	setStr(&cfg.Grid.Venue, "ARBENGINE_GRID_VENUE")
	setStr(&cfg.Grid.Symbol, "ARBENGINE_GRID_SYMBOL")
	setInt(&cfg.Grid.Levels, "ARBENGINE_GRID_LEVELS")
	setFloat64(&cfg.Grid.BaseSpacingPct, "ARBENGINE_GRID_BASE_SPACING_PCT")
	setFloat64(&cfg.Grid.OrderSizeUSD, "ARBENGINE_GRID_ORDER_SIZE_USD")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ARBENGINE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARBENGINE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARBENGINE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ARBENGINE_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "ARBENGINE_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.InstanceID, "ARBENGINE_REDIS_INSTANCE_ID")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "ARBENGINE_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "ARBENGINE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "ARBENGINE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ARBENGINE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ARBENGINE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ARBENGINE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ARBENGINE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ARBENGINE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ARBENGINE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ARBENGINE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ARBENGINE_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ARBENGINE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ARBENGINE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARBENGINE_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARBENGINE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ARBENGINE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARBENGINE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ARBENGINE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ARBENGINE_S3_FORCE_PATH_STYLE")
	setDuration(&cfg.S3.ArchiveInterval, "ARBENGINE_S3_ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ARBENGINE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ARBENGINE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ARBENGINE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ARBENGINE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "ARBENGINE_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ARBENGINE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARBENGINE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ARBENGINE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ARBENGINE_NOTIFY_EVENTS")

	// ── Top-level ──
	setBool(&cfg.Metrics.Enabled, "ARBENGINE_METRICS_ENABLED")
	setStr(&cfg.Mode, "ARBENGINE_MODE")
	setStr(&cfg.LogLevel, "ARBENGINE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
