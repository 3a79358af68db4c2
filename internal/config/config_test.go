package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	defer os.Unsetenv("DATABASE_URL")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.NumWorkers)
	assert.Equal(t, 300, cfg.LockLeaseSeconds)
	assert.Equal(t, 300*time.Second, cfg.StageTimeout())
	assert.Equal(t, "dev", cfg.AppEnv)
	assert.True(t, cfg.IsDev())
}

func TestLoad_RequiresDBURL(t *testing.T) {
	os.Unsetenv("DATABASE_URL")
	_, err := Load()
	assert.Error(t, err)
}

func TestShutdownGrace_FastInTest(t *testing.T) {
	cfg := Config{AppEnv: "test", ShutdownGraceSeconds: 30}
	assert.Equal(t, 2*time.Second, cfg.ShutdownGrace())
}

func TestLoadQuotaLimits_DefaultsWithoutFile(t *testing.T) {
	cfg := Config{}
	limits, err := cfg.LoadQuotaLimits()
	require.NoError(t, err)
	assert.NotEmpty(t, limits)

	found := false
	for _, l := range limits {
		if l.Service == "vision" && l.Window == "per_minute" {
			assert.Equal(t, int64(4_000_000), l.Limit)
			found = true
		}
	}
	assert.True(t, found)
}

func TestLoadQuotaLimits_OverridesFromFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "quota-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(`
limits:
  - service: vision
    window: per_minute
    limit: 999
`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg := Config{QuotaLimitsFile: f.Name()}
	limits, err := cfg.LoadQuotaLimits()
	require.NoError(t, err)

	found := false
	for _, l := range limits {
		if l.Service == "vision" && l.Window == "per_minute" {
			assert.Equal(t, int64(999), l.Limit)
			found = true
		}
	}
	assert.True(t, found)
}
