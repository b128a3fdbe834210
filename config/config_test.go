package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("LOCK_TTL", "")
	t.Setenv("RENEW_INTERVAL", "")

	cfg := LoadConfig()

	assert.Equal(t, 15*time.Minute, cfg.LockTTL)
	assert.Equal(t, 2*time.Minute, cfg.RenewInterval)
	assert.Equal(t, 2, cfg.RenewRetries)
	assert.Equal(t, "redis", cfg.LockBackend)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_InvalidDurationFallsBack(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "soon")

	cfg := LoadConfig()

	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
}

func TestValidate_RenewIntervalTooCloseToTTL(t *testing.T) {
	cfg := LoadConfig()
	cfg.LockTTL = 5 * time.Minute
	cfg.RenewInterval = 2 * time.Minute

	err := cfg.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "too close")
}

func TestValidate_CallTimeoutLongerThanInterval(t *testing.T) {
	cfg := LoadConfig()
	cfg.LockCallTimeout = 3 * time.Minute

	assert.Error(t, cfg.Validate())
}

func TestValidate_BypassInProduction(t *testing.T) {
	cfg := LoadConfig()
	cfg.Environment = "production"
	cfg.PaymentBypass = true

	assert.Error(t, cfg.Validate())
}

func TestValidate_UnknownBackend(t *testing.T) {
	cfg := LoadConfig()
	cfg.LockBackend = "etcd"

	assert.Error(t, cfg.Validate())
}

func TestLoadConfig_FarePerSeat(t *testing.T) {
	t.Setenv("FARE_PER_SEAT", "150000")
	assert.Equal(t, "150000", LoadConfig().FarePerSeat.String())

	t.Setenv("FARE_PER_SEAT", "cheap")
	assert.True(t, LoadConfig().FarePerSeat.IsZero())

	cfg := LoadConfig()
	cfg.FarePerSeat = decimal.NewFromInt(-1)
	assert.Error(t, cfg.Validate())
}
