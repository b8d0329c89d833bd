package payments

import "math"

// Amounts cross the processor boundary in minor units (cents) and live in
// the domain as decimals. Both directions round half to even so authorized
// and captured totals cannot drift apart across conversions.

func MinorUnits(amount float64) int64 {
	return int64(math.RoundToEven(amount * 100))
}

func MajorUnits(minor int64) float64 {
	return float64(minor) / 100
}
