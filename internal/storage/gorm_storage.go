package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/bher20/countryrates/internal/countries"
)

// insertBatchSize bounds the number of rows per INSERT statement.
const insertBatchSize = 200

// GormStorage implements Storage on SQLite, Postgres or MySQL through GORM.
// Replace runs as one transaction, so the commit is the generation swap.
type GormStorage struct {
	db *gorm.DB
	// read serves Get, Scan and Metadata. For file-backed SQLite it is a
	// separate query-only pool, so in WAL mode reads see the last committed
	// generation instead of queueing behind an open replace.
	read   *gorm.DB
	driver string
}

// sqliteReadConns sizes the SQLite read pool.
const sqliteReadConns = 4

func NewGormStorage(driver, dsn string) (*GormStorage, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(sqliteDSN(dsn))
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := openGorm(dialector)
	if err != nil {
		return nil, unreachable("open", err)
	}
	st := &GormStorage{db: db, read: db, driver: driver}
	if driver != "sqlite" {
		return st, nil
	}

	// SQLite allows one writer; a single write connection avoids SQLITE_BUSY
	// between the replace transaction and concurrent deletes.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, unreachable("open", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if sqliteInMemory(dsn) {
		return st, nil
	}

	read, err := openGorm(sqlite.Open(sqliteReadDSN(dsn)))
	if err != nil {
		sqlDB.Close()
		return nil, unreachable("open read pool", err)
	}
	if readDB, err := read.DB(); err == nil {
		readDB.SetMaxOpenConns(sqliteReadConns)
	}
	st.read = read
	return st, nil
}

func openGorm(d gorm.Dialector) (*gorm.DB, error) {
	return gorm.Open(d, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
}

func sqliteInMemory(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

// sqliteDSN enables WAL, foreign keys and a busy timeout unless the caller
// set pragmas already.
func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = "countryrates.db"
	}
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	pragmas := "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if !sqliteInMemory(dsn) {
		pragmas += "&_pragma=journal_mode(WAL)"
	}
	return withQuery(dsn, pragmas)
}

// sqliteReadDSN opens the same file query-only. The journal mode is
// persistent, so the write connection has already switched it to WAL.
func sqliteReadDSN(dsn string) string {
	if dsn == "" {
		dsn = "countryrates.db"
	}
	if strings.Contains(dsn, "_pragma=") {
		return withQuery(dsn, "_pragma=query_only(1)")
	}
	return withQuery(dsn, "_pragma=busy_timeout(5000)&_pragma=query_only(1)")
}

func withQuery(dsn, q string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + q
	}
	return dsn + "?" + q
}

func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&Country{},
		&RefreshMetadataRow{},
		&ScheduledJob{},
	)
}

func (s *GormStorage) Close() error {
	var errs []error
	if s.read != s.db {
		if readDB, err := s.read.DB(); err == nil {
			errs = append(errs, readDB.Close())
		}
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	return errors.Join(append(errs, sqlDB.Close())...)
}

func (s *GormStorage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unreachable("ping", err)
	}
	return unreachable("ping", sqlDB.PingContext(ctx))
}

func (s *GormStorage) Replace(ctx context.Context, records []countries.EnrichedCountry, refreshedAt time.Time) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var meta RefreshMetadataRow
		q := tx
		if s.driver != "sqlite" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var current *time.Time
		switch err := q.First(&meta, metadataRowID).Error; {
		case err == nil:
			t := meta.LastRefreshedAt
			current = &t
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		if err := validateGeneration(records, refreshedAt, current); err != nil {
			return err
		}

		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Country{}).Error; err != nil {
			return err
		}
		if len(records) > 0 {
			rows := make([]Country, len(records))
			for i, r := range records {
				rows[i] = rowFromCountry(r, refreshedAt)
			}
			if err := tx.CreateInBatches(rows, insertBatchSize).Error; err != nil {
				return err
			}
		}

		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_refreshed_at"}),
		}).Create(&RefreshMetadataRow{ID: metadataRowID, LastRefreshedAt: refreshedAt.UTC()}).Error
	})
	return mapGormErr("replace", err)
}

func (s *GormStorage) Get(ctx context.Context, name string, policy countries.CasePolicy) (*countries.EnrichedCountry, error) {
	q := s.read.WithContext(ctx)
	if policy == countries.CaseSensitive {
		q = q.Where("name = ?", strings.TrimSpace(name))
	} else {
		q = q.Where("name_key = ?", countries.NameKey(name))
	}

	var row Country
	if err := q.First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, mapGormErr("get", err)
	}
	c := row.toDomain()
	return &c, nil
}

func (s *GormStorage) Scan(ctx context.Context) ([]countries.EnrichedCountry, error) {
	var rows []Country
	if err := s.read.WithContext(ctx).Order("id asc").Find(&rows).Error; err != nil {
		return nil, mapGormErr("scan", err)
	}
	out := make([]countries.EnrichedCountry, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *GormStorage) Delete(ctx context.Context, name string) error {
	res := s.db.WithContext(ctx).Where("name_key = ?", countries.NameKey(name)).Delete(&Country{})
	if res.Error != nil {
		return mapGormErr("delete", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStorage) Metadata(ctx context.Context) (countries.RefreshMetadata, error) {
	var md countries.RefreshMetadata
	err := s.read.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var total int64
		if err := tx.Model(&Country{}).Count(&total).Error; err != nil {
			return err
		}
		md.TotalCountries = int(total)

		var meta RefreshMetadataRow
		switch err := tx.First(&meta, metadataRowID).Error; {
		case err == nil:
			t := meta.LastRefreshedAt.UTC()
			md.LastRefreshedAt = &t
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}
		return nil
	})
	return md, mapGormErr("metadata", err)
}

func (s *GormStorage) UpdateScheduledJob(ctx context.Context, name string, started time.Time, dur time.Duration, success bool, errMsg string) error {
	job := newScheduledJob(name, started, dur, success, errMsg)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		UpdateAll: true,
	}).Create(&job).Error
	return mapGormErr("update scheduled job", err)
}

func mapGormErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return violation(op, err)
	}
	return unreachable(op, err)
}
