package storage

import (
	"strings"
	"time"

	"github.com/bher20/countryrates/internal/countries"
)

// Country is the persisted row of one enriched country. NameKey holds the
// case-folded name and carries the uniqueness constraint; ID preserves the
// insertion order of a generation.
type Country struct {
	ID              uint      `gorm:"primaryKey;column:id"`
	Name            string    `gorm:"column:name;size:255;not null"`
	NameKey         string    `gorm:"column:name_key;size:255;not null;uniqueIndex"`
	Capital         *string   `gorm:"column:capital;size:255"`
	Region          *string   `gorm:"column:region;size:100;index"`
	Population      int64     `gorm:"column:population;not null"`
	CurrencyCode    *string   `gorm:"column:currency_code;size:10;index"`
	ExchangeRate    *float64  `gorm:"column:exchange_rate"`
	EstimatedGDP    *float64  `gorm:"column:estimated_gdp"`
	FlagURL         *string   `gorm:"column:flag_url;size:500"`
	LastRefreshedAt time.Time `gorm:"column:last_refreshed_at;not null"`
}

func (Country) TableName() string { return "countries" }

// RefreshMetadataRow is the singleton (ID 1) row holding the last refresh time.
type RefreshMetadataRow struct {
	ID              uint      `gorm:"primaryKey;column:id;autoIncrement:false"`
	LastRefreshedAt time.Time `gorm:"column:last_refreshed_at;not null"`
}

func (RefreshMetadataRow) TableName() string { return "refresh_metadata" }

const metadataRowID = 1

// ScheduledJob records the outcome of the last run of a scheduled job.
type ScheduledJob struct {
	Name           string    `gorm:"primaryKey;column:name;size:100"`
	LastRunAt      time.Time `gorm:"column:last_run_at"`
	LastDurationMs int64     `gorm:"column:last_duration_ms"`
	LastSuccess    int       `gorm:"column:last_success"`
	LastError      string    `gorm:"column:last_error"`
}

func (ScheduledJob) TableName() string { return "scheduled_jobs" }

func newScheduledJob(name string, started time.Time, dur time.Duration, success bool, errMsg string) ScheduledJob {
	j := ScheduledJob{
		Name:           strings.TrimSpace(name),
		LastRunAt:      started.UTC(),
		LastDurationMs: dur.Milliseconds(),
		LastError:      errMsg,
	}
	if success {
		j.LastSuccess = 1
	}
	return j
}

func rowFromCountry(c countries.EnrichedCountry, refreshedAt time.Time) Country {
	return Country{
		Name:            strings.TrimSpace(c.Name),
		NameKey:         countries.NameKey(c.Name),
		Capital:         c.Capital,
		Region:          c.Region,
		Population:      c.Population,
		CurrencyCode:    c.CurrencyCode,
		ExchangeRate:    c.ExchangeRate,
		EstimatedGDP:    c.EstimatedGDP,
		FlagURL:         c.FlagURL,
		LastRefreshedAt: refreshedAt.UTC(),
	}
}

func (r Country) toDomain() countries.EnrichedCountry {
	return countries.EnrichedCountry{
		Name:            r.Name,
		Capital:         r.Capital,
		Region:          r.Region,
		Population:      r.Population,
		CurrencyCode:    r.CurrencyCode,
		ExchangeRate:    r.ExchangeRate,
		EstimatedGDP:    r.EstimatedGDP,
		FlagURL:         r.FlagURL,
		LastRefreshedAt: r.LastRefreshedAt.UTC(),
	}
}
