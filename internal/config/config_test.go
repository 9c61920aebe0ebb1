package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bher20/countryrates/internal/sources"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, sources.DefaultCountriesURL, cfg.CountriesURL)
	assert.Equal(t, sources.DefaultRatesURL, cfg.RatesURL)
	assert.Equal(t, 20*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 60*time.Second, cfg.RefreshTimeout)
	assert.Equal(t, 1000.0, cfg.MultiplierMin)
	assert.Equal(t, 2000.0, cfg.MultiplierMax)
	assert.True(t, cfg.AutoMigrate)
	assert.Equal(t, "cache/summary.png", cfg.ImagePath)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("COUNTRYRATES_DB_DRIVER", "postgrespool")
	t.Setenv("COUNTRYRATES_FETCH_TIMEOUT", "5")
	t.Setenv("COUNTRYRATES_REFRESH_TIMEOUT", "90s")
	t.Setenv("COUNTRYRATES_GDP_MULTIPLIER_MIN", "1500")
	t.Setenv("COUNTRYRATES_GDP_MULTIPLIER_MAX", "1500")
	t.Setenv("COUNTRYRATES_AUTO_MIGRATE", "false")
	t.Setenv("PORT", "9000")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "postgrespool", cfg.DBDriver)
	assert.Equal(t, 5*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 90*time.Second, cfg.RefreshTimeout)
	assert.Equal(t, 1500.0, cfg.MultiplierMin)
	assert.False(t, cfg.AutoMigrate)
	assert.Equal(t, ":9000", cfg.Addr)
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"COUNTRYRATES_FETCH_TIMEOUT":      "soon",
		"COUNTRYRATES_AUTO_MIGRATE":       "maybe",
		"COUNTRYRATES_GDP_MULTIPLIER_MIN": "-1",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := FromEnv()
			require.Error(t, err)
		})
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("COUNTRYRATES_IMAGE_PATH=/tmp/summary.png\n"), 0o600))
	t.Setenv("COUNTRYRATES_IMAGE_PATH", "")
	os.Unsetenv("COUNTRYRATES_IMAGE_PATH")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/summary.png", cfg.ImagePath)
	os.Unsetenv("COUNTRYRATES_IMAGE_PATH")
}

func TestLoadWithoutDotEnv(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
}
