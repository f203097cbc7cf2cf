package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/config"
	"github.com/warp/commission-engine/ledger"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.EnvDevelopment, cfg.Environment)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 30*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, int64(1000), cfg.Policy.MinPayout)
	assert.Equal(t, int64(100), cfg.Policy.ReconcileTolerance)
	assert.True(t, cfg.AllowOverrides())
}

func TestCommissionPolicy_MatchesCalculatorDefault(t *testing.T) {
	assert.Equal(t, commission.DefaultPolicy(), config.Default().CommissionPolicy())
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	// GIVEN: A config file and an environment override
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: production
database:
  driver: postgres
  dsn: postgres://ledger@db/ledger
policy:
  platform_fee_bps: 2000
  referral_rates_bps: [1000, 500]
  max_referral_depth: 2
payout:
  concurrency: 2
`), 0o600))
	t.Setenv("LEDGER_PAYOUT_CONCURRENCY", "8")
	t.Setenv("LEDGER_HTTP_SHUTDOWN_TIMEOUT", "5s")
	t.Setenv("LEDGER_HTTP_CALLBACK_SECRET", "cbsec-prod")

	// WHEN: Loading
	cfg, err := config.Load(config.New(), path)

	// THEN: The environment wins over the file, the file over defaults
	require.NoError(t, err)
	assert.Equal(t, config.EnvProduction, cfg.Environment)
	assert.False(t, cfg.AllowOverrides())
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 8, cfg.Payout.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, "cbsec-prod", cfg.HTTP.CallbackSecret)

	policy := cfg.CommissionPolicy()
	assert.Equal(t, ledger.BasisPoints(2000), policy.PlatformFee)
	assert.Equal(t, []ledger.BasisPoints{1000, 500}, policy.ReferralRates)
	assert.Equal(t, 30, policy.DefaultHoldDays)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(config.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := map[string]func(*config.Config){
		"unknown environment":   func(c *config.Config) { c.Environment = "qa" },
		"unknown driver":        func(c *config.Config) { c.Database.Driver = "mysql" },
		"empty dsn":             func(c *config.Config) { c.Database.DSN = "" },
		"negative min payout":   func(c *config.Config) { c.Policy.MinPayout = -1 },
		"fee above 100%":        func(c *config.Config) { c.Policy.PlatformFeeBps = 12000 },
		"referrals above fee":   func(c *config.Config) { c.Policy.ReferralRatesBps = []int{1000, 1000} },
		"depth without rates":   func(c *config.Config) { c.Policy.MaxReferralDepth = 5 },
		"zero concurrency":      func(c *config.Config) { c.Payout.Concurrency = 0 },
		"zero rate limit burst": func(c *config.Config) { c.RateLimit.Burst = 0 },
		"production unsigned callbacks": func(c *config.Config) {
			c.Environment = config.EnvProduction
			c.HTTP.CallbackSecret = ""
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
