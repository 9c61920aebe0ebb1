package countries

import (
	"sort"
	"strings"
)

// SortKey selects the ordering of a query result.
type SortKey string

const (
	SortNone           SortKey = ""
	SortGDPDesc        SortKey = "gdp_desc"
	SortGDPAsc         SortKey = "gdp_asc"
	SortNameAsc        SortKey = "name_asc"
	SortNameDesc       SortKey = "name_desc"
	SortPopulationDesc SortKey = "population_desc"
	SortPopulationAsc  SortKey = "population_asc"
)

// SortKeys lists every accepted sort key, in documentation order.
var SortKeys = []SortKey{
	SortGDPDesc, SortGDPAsc, SortNameAsc, SortNameDesc, SortPopulationDesc, SortPopulationAsc,
}

// ParseSortKey validates a raw sort parameter. Empty input means no sorting.
func ParseSortKey(raw string) (SortKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return SortNone, nil
	}
	for _, k := range SortKeys {
		if strings.EqualFold(raw, string(k)) {
			return k, nil
		}
	}
	names := make([]string, len(SortKeys))
	for i, k := range SortKeys {
		names[i] = string(k)
	}
	return SortNone, &ValidationError{
		Field: "sort",
		Value: raw,
		Msg:   "must be one of " + strings.Join(names, ", "),
	}
}

// Filter narrows a query. Empty fields do not filter; set fields are
// combined with AND and matched exactly, ignoring case.
type Filter struct {
	Region   string
	Currency string
}

func (f Filter) match(c EnrichedCountry) bool {
	if f.Region != "" && !strings.EqualFold(strings.TrimSpace(f.Region), deref(c.Region)) {
		return false
	}
	if f.Currency != "" && !strings.EqualFold(strings.TrimSpace(f.Currency), deref(c.CurrencyCode)) {
		return false
	}
	return true
}

// Query filters and sorts a snapshot. It never mutates records; with no sort
// key the storage order is preserved. Countries without an estimated GDP sort
// last for both GDP orderings.
func Query(records []EnrichedCountry, f Filter, key SortKey) []EnrichedCountry {
	out := make([]EnrichedCountry, 0, len(records))
	for _, r := range records {
		if f.match(r) {
			out = append(out, r)
		}
	}

	less := lessFunc(key)
	if less == nil {
		return out
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func lessFunc(key SortKey) func(a, b EnrichedCountry) bool {
	switch key {
	case SortGDPDesc:
		return gdpLess(func(x, y float64) bool { return x > y })
	case SortGDPAsc:
		return gdpLess(func(x, y float64) bool { return x < y })
	case SortNameAsc:
		return func(a, b EnrichedCountry) bool { return nameCompare(a.Name, b.Name) < 0 }
	case SortNameDesc:
		return func(a, b EnrichedCountry) bool { return nameCompare(a.Name, b.Name) > 0 }
	case SortPopulationDesc:
		return func(a, b EnrichedCountry) bool { return a.Population > b.Population }
	case SortPopulationAsc:
		return func(a, b EnrichedCountry) bool { return a.Population < b.Population }
	default:
		return nil
	}
}

// gdpLess orders by GDP with nulls after every non-null value.
func gdpLess(cmp func(x, y float64) bool) func(a, b EnrichedCountry) bool {
	return func(a, b EnrichedCountry) bool {
		switch {
		case a.EstimatedGDP == nil:
			return false
		case b.EstimatedGDP == nil:
			return true
		default:
			return cmp(*a.EstimatedGDP, *b.EstimatedGDP)
		}
	}
}

func nameCompare(a, b string) int {
	if c := strings.Compare(strings.ToLower(a), strings.ToLower(b)); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

// TopByGDP returns up to n countries with a known GDP, highest first.
func TopByGDP(records []EnrichedCountry, n int) []EnrichedCountry {
	sorted := Query(records, Filter{}, SortGDPDesc)
	out := make([]EnrichedCountry, 0, n)
	for _, r := range sorted {
		if len(out) == n || r.EstimatedGDP == nil {
			break
		}
		out = append(out, r)
	}
	return out
}
