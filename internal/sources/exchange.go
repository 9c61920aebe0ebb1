package sources

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/bher20/countryrates/internal/countries"
)

// DefaultRatesURL serves USD-based rates.
const DefaultRatesURL = "https://open.er-api.com/v6/latest/USD"

const rateSourceName = "rates"

// RateClient fetches the USD exchange rate table.
type RateClient struct {
	url    string
	client *http.Client
}

// NewRateClient returns a client for url. A nil client gets
// NewHTTPClient(DefaultTimeout).
func NewRateClient(url string, client *http.Client) *RateClient {
	if url == "" {
		url = DefaultRatesURL
	}
	if client == nil {
		client = NewHTTPClient(DefaultTimeout)
	}
	return &RateClient{url: url, client: client}
}

// Name identifies the source in logs and metrics.
func (c *RateClient) Name() string { return rateSourceName }

type ratesPayload struct {
	Result    string              `json:"result"`
	ErrorType string              `json:"error-type"`
	BaseCode  string              `json:"base_code"`
	Rates     map[string]*float64 `json:"rates"`
}

// FetchRates downloads the rate table. Rates that are missing, non-positive or
// not finite are dropped.
func (c *RateClient) FetchRates(ctx context.Context) (countries.RateTable, error) {
	var p ratesPayload
	if err := getJSON(ctx, c.client, rateSourceName, c.url, &p); err != nil {
		return nil, err
	}

	if strings.EqualFold(p.Result, "error") {
		return nil, &FetchError{Source: rateSourceName, Kind: Malformed, Err: fmt.Errorf("upstream error %q", p.ErrorType)}
	}
	if p.Rates == nil {
		return nil, &FetchError{Source: rateSourceName, Kind: Malformed, Err: errors.New("payload has no rates object")}
	}
	if p.BaseCode != "" && !strings.EqualFold(p.BaseCode, "USD") {
		return nil, &FetchError{Source: rateSourceName, Kind: Malformed, Err: fmt.Errorf("rates are based on %s, want USD", p.BaseCode)}
	}

	table := make(countries.RateTable, len(p.Rates))
	for code, rate := range p.Rates {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code == "" || rate == nil || *rate <= 0 || math.IsInf(*rate, 0) || math.IsNaN(*rate) {
			continue
		}
		table[code] = *rate
	}
	return table, nil
}
