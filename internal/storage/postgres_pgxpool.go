package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bher20/countryrates/internal/countries"
	"github.com/bher20/countryrates/internal/metrics"
	"github.com/bher20/countryrates/internal/migrate"
)

const countryColumns = `name, name_key, capital, region, population, currency_code, exchange_rate, estimated_gdp, flag_url, last_refreshed_at`

// PostgresPoolStorage implements Storage on a pgx connection pool. It also
// provides advisory locks and job bookkeeping for the scheduled worker.
type PostgresPoolStorage struct {
	pool *pgxpool.Pool
}

func OpenPostgresPool(ctx context.Context, dsn string) (*PostgresPoolStorage, error) {
	if dsn == "" {
		dsn = "postgres://localhost:5432/countryrates?sslmode=disable"
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, unreachable("open", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, unreachable("open", err)
	}

	return &PostgresPoolStorage{pool: pool}, nil
}

func (s *PostgresPoolStorage) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresPoolStorage) Ping(ctx context.Context) error {
	s.reportPoolStats()
	return unreachable("ping", s.pool.Ping(ctx))
}

// Migrate applies the embedded goose migrations through the pool.
func (s *PostgresPoolStorage) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	return migrate.UpDB(ctx, db, "postgres")
}

func (s *PostgresPoolStorage) reportPoolStats() {
	st := s.pool.Stat()
	metrics.UpdateDBPoolMetrics("postgrespool",
		float64(st.TotalConns()), float64(st.IdleConns()), float64(st.AcquiredConns()))
}

func (s *PostgresPoolStorage) Replace(ctx context.Context, records []countries.EnrichedCountry, refreshedAt time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return unreachable("replace", err)
	}
	defer tx.Rollback(ctx)

	var current *time.Time
	var last time.Time
	err = tx.QueryRow(ctx, `SELECT last_refreshed_at FROM refresh_metadata WHERE id = 1 FOR UPDATE`).Scan(&last)
	switch {
	case err == nil:
		current = &last
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return unreachable("replace", err)
	}

	if err := validateGeneration(records, refreshedAt, current); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM countries`); err != nil {
		return mapPgErr("replace", err)
	}

	rows := make([][]any, len(records))
	for i, r := range records {
		row := rowFromCountry(r, refreshedAt)
		rows[i] = []any{row.Name, row.NameKey, row.Capital, row.Region, row.Population,
			row.CurrencyCode, row.ExchangeRate, row.EstimatedGDP, row.FlagURL, row.LastRefreshedAt}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"countries"},
		strings.Split(strings.ReplaceAll(countryColumns, " ", ""), ","),
		pgx.CopyFromRows(rows)); err != nil {
		return mapPgErr("replace", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO refresh_metadata (id, last_refreshed_at)
		VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET last_refreshed_at = EXCLUDED.last_refreshed_at
	`, refreshedAt.UTC()); err != nil {
		return mapPgErr("replace", err)
	}

	return mapPgErr("replace", tx.Commit(ctx))
}

func (s *PostgresPoolStorage) Get(ctx context.Context, name string, policy countries.CasePolicy) (*countries.EnrichedCountry, error) {
	query := `SELECT ` + countryColumns + ` FROM countries WHERE name_key = $1`
	arg := countries.NameKey(name)
	if policy == countries.CaseSensitive {
		query = `SELECT ` + countryColumns + ` FROM countries WHERE name = $1`
		arg = strings.TrimSpace(name)
	}

	c, err := scanCountry(s.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unreachable("get", err)
	}
	return &c, nil
}

func (s *PostgresPoolStorage) Scan(ctx context.Context) ([]countries.EnrichedCountry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+countryColumns+` FROM countries ORDER BY id`)
	if err != nil {
		return nil, unreachable("scan", err)
	}
	defer rows.Close()

	var out []countries.EnrichedCountry
	for rows.Next() {
		c, err := scanCountry(rows)
		if err != nil {
			return nil, unreachable("scan", err)
		}
		out = append(out, c)
	}
	return out, unreachable("scan", rows.Err())
}

func (s *PostgresPoolStorage) Delete(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM countries WHERE name_key = $1`, countries.NameKey(name))
	if err != nil {
		return unreachable("delete", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresPoolStorage) Metadata(ctx context.Context) (countries.RefreshMetadata, error) {
	var md countries.RefreshMetadata
	var last *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM countries),
		       (SELECT last_refreshed_at FROM refresh_metadata WHERE id = 1)
	`).Scan(&md.TotalCountries, &last)
	if err != nil {
		return md, unreachable("metadata", err)
	}
	if last != nil {
		t := last.UTC()
		md.LastRefreshedAt = &t
	}
	return md, nil
}

// AcquireAdvisoryLock tries to take a session-level advisory lock without
// blocking.
func (s *PostgresPoolStorage) AcquireAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	var ok bool
	if err := s.pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		return false, unreachable("advisory lock", err)
	}
	return ok, nil
}

func (s *PostgresPoolStorage) ReleaseAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	var ok bool
	if err := s.pool.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, key).Scan(&ok); err != nil {
		return false, unreachable("advisory unlock", err)
	}
	return ok, nil
}

func (s *PostgresPoolStorage) UpdateScheduledJob(ctx context.Context, name string, started time.Time, dur time.Duration, success bool, errMsg string) error {
	j := newScheduledJob(name, started, dur, success, errMsg)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_jobs (name, last_run_at, last_duration_ms, last_success, last_error)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			last_run_at = EXCLUDED.last_run_at,
			last_duration_ms = EXCLUDED.last_duration_ms,
			last_success = EXCLUDED.last_success,
			last_error = EXCLUDED.last_error
	`, j.Name, j.LastRunAt, j.LastDurationMs, j.LastSuccess, j.LastError)
	return unreachable("update scheduled job", err)
}

func scanCountry(row pgx.Row) (countries.EnrichedCountry, error) {
	var r Country
	err := row.Scan(&r.Name, &r.NameKey, &r.Capital, &r.Region, &r.Population,
		&r.CurrencyCode, &r.ExchangeRate, &r.EstimatedGDP, &r.FlagURL, &r.LastRefreshedAt)
	if err != nil {
		return countries.EnrichedCountry{}, err
	}
	return r.toDomain(), nil
}

func mapPgErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return violation(op, err)
	}
	return unreachable(op, err)
}
