/*
Package config loads the server configuration.

PRECEDENCE (lowest to highest):
  1. Defaults()
  2. TOML file (optional, -config flag)
  3. .env file in the working directory (optional)
  4. ECONOMY_* environment variables
  5. Command-line flags (applied by cmd/server)

EXAMPLE FILE:
  [server]
  port = "8080"

  [storage]
  sqlite_path = "./data/economy.db"
  tokens_path = "./data/tokens"

  [orbs]
  base_url = "http://orbs.internal"
  timeout = "3s"

  [exchange]
  buy_rate = "0.5"
  sell_rate = "0.4"

  [rewards]
  advent_year = 2026
  [rewards.advent]
  "24" = { kind = "orbs", amount = 100 }
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/warp/economy-engine/economy"
	"github.com/warp/economy-engine/rewards"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ECONOMY_"

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Storage   StorageConfig   `toml:"storage"`
	Orbs      OrbsConfig      `toml:"orbs"`
	Redis     RedisConfig     `toml:"redis"`
	Exchange  ExchangeConfig  `toml:"exchange"`
	Jackpot   JackpotConfig   `toml:"jackpot"`
	Rewards   RewardsConfig   `toml:"rewards"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Log       LogConfig       `toml:"log"`
}

type ServerConfig struct {
	Port            string        `toml:"port"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	RateLimit       float64       `toml:"rate_limit"` // mutating requests per second per principal
	RateBurst       int           `toml:"rate_burst"`
	CORSOrigins     []string      `toml:"cors_origins"`
}

type StorageConfig struct {
	SQLitePath string `toml:"sqlite_path"`
	TokensPath string `toml:"tokens_path"`
}

type OrbsConfig struct {
	BaseURL        string        `toml:"base_url"`
	Token          string        `toml:"token"`
	Timeout        time.Duration `toml:"timeout"`
	BalanceEnabled bool          `toml:"balance_enabled"`
}

// RedisConfig enables the distributed locker when Addr is set.
type RedisConfig struct {
	Addr     string        `toml:"addr"`
	Password string        `toml:"password"`
	DB       int           `toml:"db"`
	LockTTL  time.Duration `toml:"lock_ttl"`
}

type ExchangeConfig struct {
	BuyRate     string `toml:"buy_rate"`
	SellRate    string `toml:"sell_rate"`
	MinQuantity int64  `toml:"min_quantity"`
	MaxQuantity int64  `toml:"max_quantity"`
}

type JackpotConfig struct {
	BaseAmount int64 `toml:"base_amount"`
}

type RewardsConfig struct {
	AdventYear int                       `toml:"advent_year"`
	Advent     map[string]economy.Reward `toml:"advent"`
	Daily      *economy.Reward           `toml:"daily"`
}

type ReconcileConfig struct {
	Interval time.Duration `toml:"interval"`
	Grace    time.Duration `toml:"grace"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"` // json | console
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Defaults returns a configuration that runs locally with no external services.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 30 * time.Second,
			RateLimit:       5,
			RateBurst:       10,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Storage: StorageConfig{
			SQLitePath: "./economy.db",
			TokensPath: "./tokens.ldb",
		},
		Orbs: OrbsConfig{Timeout: economy.DefaultOpTimeout},
		Exchange: ExchangeConfig{
			BuyRate:     "0.5",
			SellRate:    "0.4",
			MinQuantity: 1,
			MaxQuantity: 1_000_000,
		},
		Jackpot:   JackpotConfig{BaseAmount: 1000},
		Reconcile: ReconcileConfig{Interval: 15 * time.Minute, Grace: economy.DefaultReconcileGrace},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

// Load applies the file at path (if non-empty), .env and the environment
// over Defaults, then validates.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from ECONOMY_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	num := func(name string, dst *int64) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}

	str("PORT", &c.Server.Port)
	str("DB_PATH", &c.Storage.SQLitePath)
	str("TOKENS_DB_PATH", &c.Storage.TokensPath)
	str("ORBS_URL", &c.Orbs.BaseURL)
	str("ORBS_TOKEN", &c.Orbs.Token)
	dur("ORBS_TIMEOUT", &c.Orbs.Timeout)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("BUY_RATE", &c.Exchange.BuyRate)
	str("SELL_RATE", &c.Exchange.SellRate)
	num("JACKPOT_BASE", &c.Jackpot.BaseAmount)
	dur("RECONCILE_INTERVAL", &c.Reconcile.Interval)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_FILE", &c.Log.File)
	if v, ok := lookup(EnvPrefix + "CORS_ORIGINS"); ok && v != "" {
		c.Server.CORSOrigins = strings.Split(v, ",")
	}

	year := int64(c.Rewards.AdventYear)
	num("ADVENT_YEAR", &year)
	c.Rewards.AdventYear = int(year)

	return errors.Join(errs...)
}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Port) == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		errs = append(errs, errors.New("server.rate_limit and server.rate_burst must not be negative"))
	}
	if c.Storage.SQLitePath == "" || c.Storage.TokensPath == "" {
		errs = append(errs, errors.New("storage.sqlite_path and storage.tokens_path are required"))
	}
	if ttl := c.Redis.LockTTL; ttl < 0 || (ttl > 0 && ttl <= economy.MaxGrantLockHold) {
		errs = append(errs, fmt.Errorf("redis.lock_ttl %s must be 0 (default) or longer than %s", ttl, economy.MaxGrantLockHold))
	}
	if c.Jackpot.BaseAmount < 0 {
		errs = append(errs, errors.New("jackpot.base_amount must not be negative"))
	}
	if _, err := c.RateTable(); err != nil {
		errs = append(errs, fmt.Errorf("exchange: %w", err))
	}
	if cc, err := c.CatalogConfig(); err != nil {
		errs = append(errs, fmt.Errorf("rewards: %w", err))
	} else if _, err := rewards.NewCatalog(cc); err != nil {
		errs = append(errs, fmt.Errorf("rewards: %w", err))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}
	return errors.Join(errs...)
}

// RateTable parses the exchange section.
func (c *Config) RateTable() (economy.RateTable, error) {
	buy, err := decimal.NewFromString(c.Exchange.BuyRate)
	if err != nil {
		return economy.RateTable{}, fmt.Errorf("buy_rate: %w", err)
	}
	sell, err := decimal.NewFromString(c.Exchange.SellRate)
	if err != nil {
		return economy.RateTable{}, fmt.Errorf("sell_rate: %w", err)
	}
	t := economy.RateTable{
		BuyRate:     buy,
		SellRate:    sell,
		MinQuantity: c.Exchange.MinQuantity,
		MaxQuantity: c.Exchange.MaxQuantity,
	}
	return t, t.Validate()
}

// CatalogConfig converts the rewards section for rewards.NewCatalog.
func (c *Config) CatalogConfig() (rewards.Config, error) {
	out := rewards.Config{AdventYear: c.Rewards.AdventYear, Daily: c.Rewards.Daily}
	if len(c.Rewards.Advent) > 0 {
		out.Advent = make(map[int]economy.Reward, len(c.Rewards.Advent))
		for k, r := range c.Rewards.Advent {
			day, err := strconv.Atoi(k)
			if err != nil {
				return rewards.Config{}, fmt.Errorf("advent day %q is not a number", k)
			}
			out.Advent[day] = r
		}
	}
	return out, nil
}
