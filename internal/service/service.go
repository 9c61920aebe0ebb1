package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bher20/countryrates/internal/alerting"
	"github.com/bher20/countryrates/internal/countries"
	"github.com/bher20/countryrates/internal/metrics"
	"github.com/bher20/countryrates/internal/sources"
	"github.com/bher20/countryrates/internal/storage"
	"github.com/bher20/countryrates/internal/summary"
)

// ErrSourceUnavailable marks a refresh that failed because the country
// source could not be reached. Such failures are worth retrying later.
var ErrSourceUnavailable = errors.New("external data source unavailable")

// CountrySource delivers the raw country list.
type CountrySource interface {
	FetchCountries(ctx context.Context) ([]countries.CountryRecord, error)
}

// RateSource delivers USD exchange rates keyed by currency code.
type RateSource interface {
	FetchRates(ctx context.Context) (countries.RateTable, error)
}

// Notifier receives alerts about failed and degraded refreshes.
type Notifier interface {
	SendRefreshAlert(ctx context.Context, alert alerting.RefreshAlert) error
}

// MultiplierFunc returns the GDP multiplier for one refresh.
type MultiplierFunc func() float64

// RandomMultiplier draws from m using a private source.
func RandomMultiplier(m countries.Multiplier) MultiplierFunc {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func() float64 {
		mu.Lock()
		defer mu.Unlock()
		return m.Draw(rng)
	}
}

// FixedMultiplier always returns v.
func FixedMultiplier(v float64) MultiplierFunc {
	return func() float64 { return v }
}

type Options struct {
	Countries CountrySource
	Rates     RateSource
	Store     storage.Storage

	// Multiplier defaults to a random draw from countries.DefaultMultiplier.
	Multiplier MultiplierFunc
	// RefreshTimeout bounds fetch, aggregate and replace together. Zero
	// means no deadline beyond the caller's context.
	RefreshTimeout time.Duration
	// ImagePath is where the summary PNG is written after each refresh.
	// Empty disables rendering.
	ImagePath string

	Notifier Notifier
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Service runs the refresh pipeline and serves reads from the snapshot.
type Service struct {
	countries  CountrySource
	rates      RateSource
	store      storage.Storage
	multiplier MultiplierFunc
	timeout    time.Duration
	imagePath  string
	notifier   Notifier
	log        *zap.Logger
	now        func() time.Time

	// refreshSem is a one-slot semaphore; a channel lets waiters give up
	// when their context ends.
	refreshSem chan struct{}
}

func New(opts Options) (*Service, error) {
	if opts.Countries == nil || opts.Rates == nil || opts.Store == nil {
		return nil, errors.New("service: country source, rate source and store are required")
	}
	s := &Service{
		countries:  opts.Countries,
		rates:      opts.Rates,
		store:      opts.Store,
		multiplier: opts.Multiplier,
		timeout:    opts.RefreshTimeout,
		imagePath:  opts.ImagePath,
		notifier:   opts.Notifier,
		log:        opts.Logger,
		now:        opts.Clock,
		refreshSem: make(chan struct{}, 1),
	}
	if s.multiplier == nil {
		s.multiplier = RandomMultiplier(countries.DefaultMultiplier())
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// RefreshResult acknowledges a successful refresh.
type RefreshResult struct {
	RunID           string    `json:"run_id"`
	Count           int       `json:"count"`
	LastRefreshedAt time.Time `json:"last_refreshed_at"`
	// Degraded is set when the rate source failed and every rate-derived
	// field of the snapshot is null.
	Degraded   bool    `json:"degraded"`
	Multiplier float64 `json:"-"`

	rateErr error
}

// Refresh fetches both sources, aggregates them and atomically replaces the
// snapshot. Refreshes are serialized; a caller waiting for another refresh
// gives up when ctx ends. On any error the previous snapshot is untouched.
func (s *Service) Refresh(ctx context.Context) (RefreshResult, error) {
	runID := uuid.NewString()
	log := s.log.Named("refresh").With(zap.String("run_id", runID))

	select {
	case s.refreshSem <- struct{}{}:
	case <-ctx.Done():
		return RefreshResult{}, fmt.Errorf("wait for running refresh: %w", ctx.Err())
	}
	defer func() { <-s.refreshSem }()

	started := time.Now()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res, err := s.refresh(ctx, runID, log)
	dur := time.Since(started)

	switch {
	case err != nil:
		log.Error("refresh failed", zap.Error(err), zap.Duration("duration", dur))
		metrics.ObserveRefresh(alerting.OutcomeFailed, started, 0, time.Time{})
		s.alert(ctx, alerting.RefreshAlert{
			RunID: runID, Outcome: alerting.OutcomeFailed, Error: err.Error(),
			Duration: dur, Timestamp: s.now(),
		}, log)
		return RefreshResult{}, err

	case res.Degraded:
		log.Warn("refresh degraded: stored countries without exchange rates",
			zap.Error(res.rateErr), zap.Int("count", res.Count), zap.Duration("duration", dur))
		metrics.ObserveRefresh(alerting.OutcomeDegraded, started, res.Count, res.LastRefreshedAt)
		s.alert(ctx, alerting.RefreshAlert{
			RunID: runID, Outcome: alerting.OutcomeDegraded, Count: res.Count, Error: res.rateErr.Error(),
			Duration: dur, Timestamp: res.LastRefreshedAt,
		}, log)

	default:
		log.Info("refresh complete", zap.Int("count", res.Count),
			zap.Float64("multiplier", res.Multiplier), zap.Duration("duration", dur))
		metrics.ObserveRefresh("success", started, res.Count, res.LastRefreshedAt)
	}

	s.renderSummary(ctx, log)
	return res, nil
}

func (s *Service) refresh(ctx context.Context, runID string, log *zap.Logger) (RefreshResult, error) {
	var (
		records []countries.CountryRecord
		rates   countries.RateTable
		rateErr error
	)

	// A rate failure is recorded rather than returned so it never cancels
	// the country fetch.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		recs, err := s.countries.FetchCountries(gctx)
		if err != nil {
			return err
		}
		records = recs
		return nil
	})
	g.Go(func() error {
		rt, err := s.rates.FetchRates(gctx)
		if err != nil {
			rateErr = err
			return nil
		}
		rates = rt
		return nil
	})
	if err := g.Wait(); err != nil {
		countFetchError("countries", err)
		if sources.IsUnavailable(err) {
			return RefreshResult{}, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
		return RefreshResult{}, fmt.Errorf("fetch countries: %w", err)
	}
	if rateErr != nil {
		countFetchError("rates", rateErr)
		rates = nil
	}

	refreshedAt, err := s.refreshTime(ctx)
	if err != nil {
		return RefreshResult{}, err
	}

	multiplier := s.multiplier()
	enriched, err := countries.Aggregate(records, rates, multiplier, refreshedAt)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("aggregate: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return RefreshResult{}, fmt.Errorf("refresh deadline: %w", err)
	}

	if err := s.store.Replace(ctx, enriched, refreshedAt); err != nil {
		return RefreshResult{}, fmt.Errorf("replace snapshot: %w", err)
	}
	log.Debug("snapshot replaced", zap.Int("fetched", len(records)), zap.Int("stored", len(enriched)))

	return RefreshResult{
		RunID:           runID,
		Count:           len(enriched),
		LastRefreshedAt: refreshedAt,
		Degraded:        rateErr != nil,
		Multiplier:      multiplier,
		rateErr:         rateErr,
	}, nil
}

// refreshTime returns the timestamp for a new generation. It never precedes
// the stored one, so a clock step backwards cannot break monotonic metadata.
func (s *Service) refreshTime(ctx context.Context) (time.Time, error) {
	now := s.now().UTC().Truncate(time.Microsecond)
	md, err := s.store.Metadata(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("read refresh metadata: %w", err)
	}
	if md.LastRefreshedAt != nil && now.Before(*md.LastRefreshedAt) {
		now = md.LastRefreshedAt.UTC()
	}
	return now, nil
}

func countFetchError(source string, err error) {
	kind := "unknown"
	var fe *sources.FetchError
	if errors.As(err, &fe) {
		kind = fe.Kind.String()
	}
	metrics.SourceFetchErrorsTotal.WithLabelValues(source, kind).Inc()
}

func (s *Service) alert(ctx context.Context, a alerting.RefreshAlert, log *zap.Logger) {
	if s.notifier == nil {
		return
	}
	// The refresh context may already be past its deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := s.notifier.SendRefreshAlert(ctx, a); err != nil {
		log.Warn("send refresh alert", zap.Error(err))
	}
}

// renderSummary writes the summary image from the stored snapshot. Failures
// are logged only.
func (s *Service) renderSummary(ctx context.Context, log *zap.Logger) {
	if s.imagePath == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	records, err := s.store.Scan(ctx)
	if err != nil {
		log.Warn("summary image: scan snapshot", zap.Error(err))
		return
	}
	md, err := s.store.Metadata(ctx)
	if err != nil {
		log.Warn("summary image: read metadata", zap.Error(err))
		return
	}
	if err := summary.WriteFile(s.imagePath, summary.FromSnapshot(records, md)); err != nil {
		log.Warn("summary image: write", zap.String("path", s.imagePath), zap.Error(err))
	}
}

// List returns the snapshot filtered and sorted.
func (s *Service) List(ctx context.Context, f countries.Filter, key countries.SortKey) ([]countries.EnrichedCountry, error) {
	records, err := s.store.Scan(ctx)
	if err != nil {
		return nil, err
	}
	return countries.Query(records, f, key), nil
}

// Get looks a country up by name, ignoring case.
func (s *Service) Get(ctx context.Context, name string) (*countries.EnrichedCountry, error) {
	return s.store.Get(ctx, name, countries.CaseInsensitive)
}

// Delete removes a country from the live snapshot until the next refresh.
func (s *Service) Delete(ctx context.Context, name string) error {
	if err := s.store.Delete(ctx, name); err != nil {
		return err
	}
	s.log.Named("countries").Info("country deleted", zap.String("name", name))
	return nil
}

func (s *Service) Status(ctx context.Context) (countries.RefreshMetadata, error) {
	return s.store.Metadata(ctx)
}

// Ready reports whether the store is reachable.
func (s *Service) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ImagePath is the location of the rendered summary image, if any.
func (s *Service) ImagePath() string {
	return s.imagePath
}
