/*
Package config loads service configuration.

PRECEDENCE (lowest to highest):
  1. Defaults below
  2. YAML config file (--config, or ./ledger.yaml when present)
  3. .env file in the working directory
  4. Environment variables prefixed LEDGER_ (LEDGER_DATABASE_DSN, ...)
  5. Command-line flags bound by cmd/server

EXAMPLE (ledger.yaml):
  environment: production
  database:
    driver: postgres
    dsn: postgres://ledger@localhost/ledger?sslmode=disable
  policy:
    platform_fee_bps: 1500
    referral_rates_bps: [500, 300, 200]
  schedule:
    maturation: "@every 1h"
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ledger"
	"github.com/warp/commission-engine/store/sqlstore"
)

const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

type Config struct {
	Environment string         `mapstructure:"environment"`
	HTTP        HTTPConfig     `mapstructure:"http"`
	Database    DatabaseConfig `mapstructure:"database"`
	Policy      PolicyConfig   `mapstructure:"policy"`
	Schedule    ScheduleConfig `mapstructure:"schedule"`
	Payout      PayoutConfig   `mapstructure:"payout"`
	RateLimit   RateConfig     `mapstructure:"ratelimit"`
	Log         LogConfig      `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CallbackSecret  string        `mapstructure:"callback_secret"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type PolicyConfig struct {
	PlatformFeeBps     int   `mapstructure:"platform_fee_bps"`
	DefaultHoldDays    int   `mapstructure:"default_hold_days"`
	MinPayout          int64 `mapstructure:"min_payout"`
	ReconcileTolerance int64 `mapstructure:"reconcile_tolerance"`
	ReferralRatesBps   []int `mapstructure:"referral_rates_bps"`
	MaxReferralDepth   int   `mapstructure:"max_referral_depth"`
}

type ScheduleConfig struct {
	Maturation string `mapstructure:"maturation"`
	Reconcile  string `mapstructure:"reconcile"`
}

type PayoutConfig struct {
	RailURL     string `mapstructure:"rail_url"`
	Concurrency int    `mapstructure:"concurrency"`
}

type RateConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers every key so environment variables bind even when
// no config file sets them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("environment", EnvDevelopment)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 30*time.Second)
	v.SetDefault("http.callback_secret", "")
	v.SetDefault("database.driver", string(sqlstore.SQLite))
	v.SetDefault("database.dsn", "ledger.db")
	v.SetDefault("policy.platform_fee_bps", 1500)
	v.SetDefault("policy.default_hold_days", 30)
	v.SetDefault("policy.min_payout", 1000)
	v.SetDefault("policy.reconcile_tolerance", 100)
	v.SetDefault("policy.referral_rates_bps", []int{500, 300, 200})
	v.SetDefault("policy.max_referral_depth", 3)
	v.SetDefault("schedule.maturation", "@every 1h")
	v.SetDefault("schedule.reconcile", "@every 15m")
	v.SetDefault("payout.rail_url", "")
	v.SetDefault("payout.concurrency", 4)
	v.SetDefault("ratelimit.rps", 50.0)
	v.SetDefault("ratelimit.burst", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// New returns a viper instance with defaults, the .env file and LEDGER_
// environment variables wired. Flags may be bound on it before Load.
func New() *viper.Viper {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file and decodes the result.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("ledger")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default is the configuration with no file, environment or flags.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

// CommissionPolicy converts the policy keys for the calculator.
func (c Config) CommissionPolicy() commission.Policy {
	rates := make([]ledger.BasisPoints, len(c.Policy.ReferralRatesBps))
	for i, r := range c.Policy.ReferralRatesBps {
		rates[i] = ledger.BasisPoints(r)
	}
	return commission.Policy{
		PlatformFee:      ledger.BasisPoints(c.Policy.PlatformFeeBps),
		DefaultHoldDays:  c.Policy.DefaultHoldDays,
		ReferralRates:    rates,
		MaxReferralDepth: c.Policy.MaxReferralDepth,
	}
}

// AllowOverrides reports whether administrative overrides are permitted.
func (c Config) AllowOverrides() bool { return c.Environment != EnvProduction }

func (c Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("environment %q: want development, staging or production", c.Environment)
	}
	switch sqlstore.Dialect(c.Database.Driver) {
	case sqlstore.SQLite, sqlstore.Postgres:
	default:
		return fmt.Errorf("database.driver %q: want sqlite3 or postgres", c.Database.Driver)
	}
	if c.Environment == EnvProduction && c.HTTP.CallbackSecret == "" {
		return errors.New("http.callback_secret is required in production")
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Policy.MinPayout < 0 || c.Policy.ReconcileTolerance < 0 {
		return errors.New("policy thresholds must not be negative")
	}
	if err := c.CommissionPolicy().Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if c.Payout.Concurrency < 1 {
		return errors.New("payout.concurrency must be at least 1")
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1 {
		return errors.New("ratelimit.rps and ratelimit.burst must be positive")
	}
	return nil
}
