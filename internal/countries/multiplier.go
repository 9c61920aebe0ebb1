package countries

import (
	"fmt"
	"math/rand"
)

// Default bounds of the GDP proxy multiplier.
const (
	DefaultMultiplierMin = 1000.0
	DefaultMultiplierMax = 2000.0
)

// Multiplier is the configured range the per-refresh GDP multiplier is drawn
// from. One value is drawn per refresh and applied to every country.
type Multiplier struct {
	Min float64
	Max float64
}

// DefaultMultiplier returns the 1000-2000 range.
func DefaultMultiplier() Multiplier {
	return Multiplier{Min: DefaultMultiplierMin, Max: DefaultMultiplierMax}
}

// Validate checks the range is positive and ordered.
func (m Multiplier) Validate() error {
	if m.Min <= 0 || m.Max <= 0 {
		return fmt.Errorf("gdp multiplier bounds must be positive (min=%v max=%v)", m.Min, m.Max)
	}
	if m.Min > m.Max {
		return fmt.Errorf("gdp multiplier min %v exceeds max %v", m.Min, m.Max)
	}
	return nil
}

// Draw returns a value in [Min, Max]. A nil rng uses the package source.
func (m Multiplier) Draw(rng *rand.Rand) float64 {
	if m.Max == m.Min {
		return m.Min
	}
	var f float64
	if rng == nil {
		f = rand.Float64()
	} else {
		f = rng.Float64()
	}
	return m.Min + f*(m.Max-m.Min)
}
