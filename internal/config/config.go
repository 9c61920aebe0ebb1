package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/bher20/countryrates/internal/sources"
)

const envPrefix = "COUNTRYRATES_"

type Config struct {
	Addr        string
	DBDriver    string
	DBDSN       string
	AutoMigrate bool

	CountriesURL   string
	RatesURL       string
	FetchTimeout   time.Duration
	RefreshTimeout time.Duration

	MultiplierMin float64
	MultiplierMax float64

	ImagePath string

	LogLevel  string
	LogFormat string

	// CronSchedule is integer seconds or a standard cron expression.
	CronSchedule string

	// APIKeys is the raw "name:role:bcrypt-hash,..." list; empty disables auth.
	APIKeys string

	Alert Alert
}

type Alert struct {
	WebhookURL     string
	WebhookType    string
	SendGridAPIKey string
	EmailFrom      string
	EmailTo        string
}

// Load reads an optional .env file and then builds the Config from the
// environment. A missing .env is not an error.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables, with sane defaults.
func FromEnv() (Config, error) {
	cfg := Config{
		Addr:         env("ADDR", ":8080"),
		DBDriver:     env("DB_DRIVER", "sqlite"),
		DBDSN:        env("DB_DSN", "countryrates.db"),
		CountriesURL: env("COUNTRIES_URL", sources.DefaultCountriesURL),
		RatesURL:     env("RATES_URL", sources.DefaultRatesURL),
		ImagePath:    env("IMAGE_PATH", "cache/summary.png"),
		LogLevel:     env("LOG_LEVEL", "info"),
		LogFormat:    env("LOG_FORMAT", "json"),
		CronSchedule: env("CRON_SCHEDULE", "3600"),
		APIKeys:      env("API_KEYS", ""),
		Alert: Alert{
			WebhookURL:     env("ALERT_WEBHOOK_URL", ""),
			WebhookType:    env("ALERT_WEBHOOK_TYPE", ""),
			SendGridAPIKey: env("ALERT_SENDGRID_API_KEY", ""),
			EmailFrom:      env("ALERT_EMAIL_FROM", "countryrates@localhost"),
			EmailTo:        env("ALERT_EMAIL_TO", ""),
		},
	}
	if port := os.Getenv("PORT"); port != "" && os.Getenv(envPrefix+"ADDR") == "" {
		cfg.Addr = ":" + port
	}

	var err error
	if cfg.AutoMigrate, err = envBool("AUTO_MIGRATE", true); err != nil {
		return cfg, err
	}
	if cfg.FetchTimeout, err = envDuration("FETCH_TIMEOUT", sources.DefaultTimeout); err != nil {
		return cfg, err
	}
	if cfg.RefreshTimeout, err = envDuration("REFRESH_TIMEOUT", 60*time.Second); err != nil {
		return cfg, err
	}
	if cfg.MultiplierMin, err = envFloat("GDP_MULTIPLIER_MIN", 1000); err != nil {
		return cfg, err
	}
	if cfg.MultiplierMax, err = envFloat("GDP_MULTIPLIER_MAX", 2000); err != nil {
		return cfg, err
	}
	if cfg.MultiplierMin <= 0 || cfg.MultiplierMax < cfg.MultiplierMin {
		return cfg, fmt.Errorf("invalid GDP multiplier range [%v, %v]", cfg.MultiplierMin, cfg.MultiplierMax)
	}
	return cfg, nil
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) (bool, error) {
	raw := env(key, "")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def, fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	return v, nil
}

func envFloat(key string, def float64) (float64, error) {
	raw := env(key, "")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def, fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	return v, nil
}

// envDuration accepts Go durations ("45s") or plain integer seconds.
func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := env(key, "")
	if raw == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def, fmt.Errorf("%s%s: invalid duration %q", envPrefix, key, raw)
	}
	return d, nil
}
