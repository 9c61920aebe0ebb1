package countries

import (
	"strings"
	"time"
)

// Aggregate joins country records with the rate table by currency code and
// computes the estimated GDP of each country as
// population × exchange_rate × multiplier.
//
// Records sharing a name (compared case-insensitively) are collapsed: the last
// occurrence wins but keeps the slot of the first one. Every returned record
// carries refreshedAt. An empty or nil rate table yields a snapshot with all
// rate-derived fields null.
func Aggregate(records []CountryRecord, rates RateTable, multiplier float64, refreshedAt time.Time) ([]EnrichedCountry, error) {
	if !(multiplier > 0) {
		return nil, &AggregationError{Reason: "gdp multiplier must be positive"}
	}

	out := make([]EnrichedCountry, 0, len(records))
	slot := make(map[string]int, len(records))

	for _, rec := range records {
		name := strings.TrimSpace(rec.Name)
		if name == "" {
			return nil, &AggregationError{Reason: "country record without a name"}
		}

		ec := enrich(rec, name, rates, multiplier, refreshedAt)

		key := NameKey(name)
		if i, ok := slot[key]; ok {
			out[i] = ec
			continue
		}
		slot[key] = len(out)
		out = append(out, ec)
	}

	if err := CheckSnapshot(out); err != nil {
		return nil, err
	}
	return out, nil
}

func enrich(rec CountryRecord, name string, rates RateTable, multiplier float64, refreshedAt time.Time) EnrichedCountry {
	ec := EnrichedCountry{
		Name:            name,
		Capital:         rec.Capital,
		Region:          rec.Region,
		FlagURL:         rec.FlagURL,
		LastRefreshedAt: refreshedAt,
	}
	if rec.Population != nil && *rec.Population > 0 {
		ec.Population = *rec.Population
	}

	code := strings.TrimSpace(deref(rec.CurrencyCode))
	if code == "" {
		return ec
	}
	ec.CurrencyCode = &code

	rate, ok := rates.Lookup(code)
	if !ok {
		return ec
	}
	gdp := float64(ec.Population) * rate * multiplier
	ec.ExchangeRate = &rate
	ec.EstimatedGDP = &gdp
	return ec
}

// CheckSnapshot verifies the snapshot invariants: unique names, a single
// refresh timestamp, and estimated GDP present exactly when a rate is.
func CheckSnapshot(records []EnrichedCountry) error {
	seen := make(map[string]struct{}, len(records))
	for i, r := range records {
		key := NameKey(r.Name)
		if key == "" {
			return &AggregationError{Reason: "empty country name"}
		}
		if _, dup := seen[key]; dup {
			return &AggregationError{Name: r.Name, Reason: "duplicate name"}
		}
		seen[key] = struct{}{}

		if (r.ExchangeRate == nil) != (r.EstimatedGDP == nil) {
			return &AggregationError{Name: r.Name, Reason: "estimated_gdp and exchange_rate nullness differ"}
		}
		if i > 0 && !r.LastRefreshedAt.Equal(records[0].LastRefreshedAt) {
			return &AggregationError{Name: r.Name, Reason: "mixed refresh timestamps"}
		}
	}
	return nil
}
