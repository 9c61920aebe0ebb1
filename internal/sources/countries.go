package sources

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"

	"github.com/bher20/countryrates/internal/countries"
)

// DefaultCountriesURL is the REST Countries v2 endpoint restricted to the
// fields the aggregator consumes.
const DefaultCountriesURL = "https://restcountries.com/v2/all?fields=name,capital,region,population,flag,currencies"

const countrySourceName = "countries"

// CountryClient fetches the raw country list.
type CountryClient struct {
	url    string
	client *http.Client
}

// NewCountryClient returns a client for url. A nil client gets
// NewHTTPClient(DefaultTimeout).
func NewCountryClient(url string, client *http.Client) *CountryClient {
	if url == "" {
		url = DefaultCountriesURL
	}
	if client == nil {
		client = NewHTTPClient(DefaultTimeout)
	}
	return &CountryClient{url: url, client: client}
}

// Name identifies the source in logs and metrics.
func (c *CountryClient) Name() string { return countrySourceName }

type restCountry struct {
	Name       *string  `json:"name"`
	Capital    *string  `json:"capital"`
	Region     *string  `json:"region"`
	Population *float64 `json:"population"`
	Flag       *string  `json:"flag"`
	Currencies []struct {
		Code *string `json:"code"`
	} `json:"currencies"`
}

// FetchCountries downloads and maps the country list. Entries that cannot be
// mapped (no name, wrong field types) are skipped; a payload where no entry
// maps at all is Malformed.
func (c *CountryClient) FetchCountries(ctx context.Context) ([]countries.CountryRecord, error) {
	var raw []json.RawMessage
	if err := getJSON(ctx, c.client, countrySourceName, c.url, &raw); err != nil {
		return nil, err
	}

	out := make([]countries.CountryRecord, 0, len(raw))
	for _, msg := range raw {
		var rc restCountry
		if err := json.Unmarshal(msg, &rc); err != nil {
			continue
		}
		rec, ok := rc.record()
		if !ok {
			continue
		}
		out = append(out, rec)
	}

	if len(raw) > 0 && len(out) == 0 {
		return nil, &FetchError{Source: countrySourceName, Kind: Malformed, Err: errors.New("no usable country entries in payload")}
	}
	return out, nil
}

func (rc restCountry) record() (countries.CountryRecord, bool) {
	name := strings.TrimSpace(str(rc.Name))
	if name == "" {
		return countries.CountryRecord{}, false
	}
	rec := countries.CountryRecord{
		Name:    name,
		Capital: nonEmpty(rc.Capital),
		Region:  nonEmpty(rc.Region),
		FlagURL: nonEmpty(rc.Flag),
	}
	if rc.Population != nil && *rc.Population >= 0 && !math.IsInf(*rc.Population, 0) {
		p := int64(*rc.Population)
		rec.Population = &p
	}
	if len(rc.Currencies) > 0 {
		if code := nonEmpty(rc.Currencies[0].Code); code != nil {
			upper := strings.ToUpper(*code)
			rec.CurrencyCode = &upper
		}
	}
	return rec, true
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nonEmpty(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
