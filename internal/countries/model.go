package countries

import (
	"strings"
	"time"
)

// CountryRecord is a raw country entry as delivered by the country source.
// Only Name is required; every other field may be missing upstream.
type CountryRecord struct {
	Name         string
	Capital      *string
	Region       *string
	Population   *int64
	CurrencyCode *string
	FlagURL      *string
}

// RateTable maps an ISO currency code to the number of units per 1 USD.
type RateTable map[string]float64

// Lookup returns the rate for code, matching case-insensitively.
func (t RateTable) Lookup(code string) (float64, bool) {
	if t == nil {
		return 0, false
	}
	if r, ok := t[code]; ok {
		return r, true
	}
	r, ok := t[strings.ToUpper(code)]
	return r, ok
}

// EnrichedCountry is the persisted form of a country: the raw fields plus the
// rate-derived ones and the refresh timestamp shared by its snapshot.
type EnrichedCountry struct {
	Name            string    `json:"name"`
	Capital         *string   `json:"capital"`
	Region          *string   `json:"region"`
	Population      int64     `json:"population"`
	CurrencyCode    *string   `json:"currency_code"`
	ExchangeRate    *float64  `json:"exchange_rate"`
	EstimatedGDP    *float64  `json:"estimated_gdp"`
	FlagURL         *string   `json:"flag_url"`
	LastRefreshedAt time.Time `json:"last_refreshed_at"`
}

// RefreshMetadata describes the current snapshot generation.
type RefreshMetadata struct {
	// LastRefreshedAt is nil until the first successful refresh.
	LastRefreshedAt *time.Time `json:"last_refreshed_at"`
	TotalCountries  int        `json:"total_countries"`
}

// CasePolicy controls how names are compared on point lookups.
type CasePolicy int

const (
	CaseInsensitive CasePolicy = iota
	CaseSensitive
)

// NameKey is the canonical comparison key for a country name.
func NameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// MatchName reports whether a and b denote the same country under policy.
func MatchName(a, b string, policy CasePolicy) bool {
	if policy == CaseSensitive {
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}
	return NameKey(a) == NameKey(b)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
