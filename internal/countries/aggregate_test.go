package countries

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }

func intp(n int64) *int64 { return &n }

func sampleRecords() []CountryRecord {
	return []CountryRecord{
		{Name: "Nigeria", Capital: strp("Abuja"), Region: strp("Africa"), Population: intp(200), CurrencyCode: strp("NGN")},
		{Name: "Ghana", Capital: strp("Accra"), Region: strp("Africa"), Population: intp(30), CurrencyCode: strp("GHS")},
		{Name: "Antarctica", Region: strp("Polar"), Population: intp(1000)},
		{Name: "Atlantis", Region: strp("Ocean"), Population: intp(5), CurrencyCode: strp("ATL")},
	}
}

func sampleRates() RateTable {
	return RateTable{"NGN": 1600.5, "GHS": 15.2, "USD": 1}
}

func TestAggregate_ComputesGDP(t *testing.T) {
	at := time.Date(2025, 10, 22, 10, 0, 0, 0, time.UTC)

	out, err := Aggregate(sampleRecords(), sampleRates(), 1500, at)
	require.NoError(t, err)
	require.Len(t, out, 4)

	ng := out[0]
	require.NotNil(t, ng.ExchangeRate)
	require.NotNil(t, ng.EstimatedGDP)
	assert.Equal(t, 1600.5, *ng.ExchangeRate)
	assert.InDelta(t, 200*1600.5*1500, *ng.EstimatedGDP, 1e-6)
	assert.Equal(t, at, ng.LastRefreshedAt)

	// No currency at all.
	assert.Nil(t, out[2].CurrencyCode)
	assert.Nil(t, out[2].ExchangeRate)
	assert.Nil(t, out[2].EstimatedGDP)

	// Currency the rate table does not know.
	require.NotNil(t, out[3].CurrencyCode)
	assert.Equal(t, "ATL", *out[3].CurrencyCode)
	assert.Nil(t, out[3].ExchangeRate)
	assert.Nil(t, out[3].EstimatedGDP)
}

func TestAggregate_NullnessInvariant(t *testing.T) {
	out, err := Aggregate(sampleRecords(), sampleRates(), 1234, time.Now())
	require.NoError(t, err)
	for _, c := range out {
		assert.Equal(t, c.ExchangeRate == nil, c.EstimatedGDP == nil, c.Name)
	}
}

func TestAggregate_Idempotent(t *testing.T) {
	first, err := Aggregate(sampleRecords(), sampleRates(), 1777, time.Unix(100, 0))
	require.NoError(t, err)
	second, err := Aggregate(sampleRecords(), sampleRates(), 1777, time.Unix(200, 0))
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		a, b := first[i], second[i]
		a.LastRefreshedAt, b.LastRefreshedAt = time.Time{}, time.Time{}
		assert.Equal(t, a, b)
	}
}

func TestAggregate_DuplicateNamesLastWins(t *testing.T) {
	records := []CountryRecord{
		{Name: "Chad", Population: intp(1), CurrencyCode: strp("XAF")},
		{Name: "Mali", Population: intp(2)},
		{Name: " chad ", Population: intp(9), CurrencyCode: strp("XAF")},
	}
	out, err := Aggregate(records, RateTable{"XAF": 600}, 1000, time.Now())
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, "chad", out[0].Name)
	assert.Equal(t, int64(9), out[0].Population)
	assert.Equal(t, "Mali", out[1].Name)
}

func TestAggregate_DegradedWithoutRates(t *testing.T) {
	out, err := Aggregate(sampleRecords(), nil, 1500, time.Now())
	require.NoError(t, err)
	for _, c := range out {
		assert.Nil(t, c.ExchangeRate, c.Name)
		assert.Nil(t, c.EstimatedGDP, c.Name)
	}
}

func TestAggregate_RejectsBadInput(t *testing.T) {
	_, err := Aggregate(sampleRecords(), sampleRates(), 0, time.Now())
	var aggErr *AggregationError
	require.ErrorAs(t, err, &aggErr)

	_, err = Aggregate([]CountryRecord{{Name: "  "}}, sampleRates(), 1000, time.Now())
	require.ErrorAs(t, err, &aggErr)
}

func TestAggregate_CurrencyLookupIgnoresCase(t *testing.T) {
	out, err := Aggregate([]CountryRecord{{Name: "X", Population: intp(10), CurrencyCode: strp("ngn")}}, sampleRates(), 1000, time.Now())
	require.NoError(t, err)
	require.NotNil(t, out[0].ExchangeRate)
	assert.Equal(t, 1600.5, *out[0].ExchangeRate)
}

func TestCheckSnapshot(t *testing.T) {
	at := time.Now()
	rate := 1.0

	err := CheckSnapshot([]EnrichedCountry{{Name: "A", LastRefreshedAt: at}, {Name: "a", LastRefreshedAt: at}})
	assert.Error(t, err)

	err = CheckSnapshot([]EnrichedCountry{{Name: "A", ExchangeRate: &rate, LastRefreshedAt: at}})
	assert.Error(t, err)

	err = CheckSnapshot([]EnrichedCountry{{Name: "A", LastRefreshedAt: at}, {Name: "B", LastRefreshedAt: at.Add(time.Second)}})
	assert.Error(t, err)

	assert.NoError(t, CheckSnapshot(nil))
}

func TestMultiplier_Draw(t *testing.T) {
	m := DefaultMultiplier()
	require.NoError(t, m.Validate())

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		v := m.Draw(rng)
		assert.GreaterOrEqual(t, v, 1000.0)
		assert.LessOrEqual(t, v, 2000.0)
	}

	fixed := Multiplier{Min: 1500, Max: 1500}
	assert.Equal(t, 1500.0, fixed.Draw(nil))

	assert.Error(t, Multiplier{Min: 2000, Max: 1000}.Validate())
	assert.Error(t, Multiplier{Min: 0, Max: 1000}.Validate())
}
