package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/bher20/countryrates/internal/alerting"
	"github.com/bher20/countryrates/internal/config"
	"github.com/bher20/countryrates/internal/countries"
	"github.com/bher20/countryrates/internal/logging"
	"github.com/bher20/countryrates/internal/service"
	"github.com/bher20/countryrates/internal/sources"
	"github.com/bher20/countryrates/internal/storage"
)

// app holds the components shared by serve, refresh and worker.
type app struct {
	cfg   config.Config
	log   *zap.Logger
	store storage.Storage
	svc   *service.Service
}

// loadConfig reads the environment and applies command-line overrides.
func loadConfig(f *rootFlags) (config.Config, error) {
	var files []string
	if f.envFile != "" {
		files = append(files, f.envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return cfg, err
	}
	if f.driver != "" {
		cfg.DBDriver = f.driver
	}
	if f.dsn != "" {
		cfg.DBDSN = f.dsn
	}
	if f.addr != "" {
		cfg.Addr = f.addr
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	return cfg, nil
}

func newApp(ctx context.Context, f *rootFlags) (*app, error) {
	cfg, err := loadConfig(f)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, storage.Config{
		Driver:  cfg.DBDriver,
		DSN:     cfg.DBDSN,
		Migrate: cfg.AutoMigrate,
		Logger:  log,
	})
	if err != nil {
		_ = log.Sync()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	mult := countries.Multiplier{Min: cfg.MultiplierMin, Max: cfg.MultiplierMax}
	if err := mult.Validate(); err != nil {
		store.Close()
		return nil, err
	}

	client := sources.NewHTTPClient(cfg.FetchTimeout)
	alerter := alerting.NewAlerter(alerting.AlertConfig{
		WebhookURL:     cfg.Alert.WebhookURL,
		WebhookType:    cfg.Alert.WebhookType,
		SendGridAPIKey: cfg.Alert.SendGridAPIKey,
		EmailFrom:      cfg.Alert.EmailFrom,
		EmailTo:        cfg.Alert.EmailTo,
	}, log)

	opts := service.Options{
		Countries:      sources.NewCountryClient(cfg.CountriesURL, client),
		Rates:          sources.NewRateClient(cfg.RatesURL, client),
		Store:          store,
		Multiplier:     service.RandomMultiplier(mult),
		RefreshTimeout: cfg.RefreshTimeout,
		ImagePath:      cfg.ImagePath,
		Logger:         log,
	}
	if alerter.Enabled() {
		opts.Notifier = alerter
	}
	svc, err := service.New(opts)
	if err != nil {
		store.Close()
		return nil, err
	}

	log.Info("countryrates initialised",
		zap.String("version", version),
		zap.String("db_driver", cfg.DBDriver),
		zap.Bool("alerts", alerter.Enabled()),
	)
	return &app{cfg: cfg, log: log, store: store, svc: svc}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("close storage", zap.Error(err))
	}
	_ = a.log.Sync()
}

// serverError filters the error ListenAndServe returns after Shutdown.
func serverError(err error) error {
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
