package domain

import "math"

// Round4 rounds to 4 decimal places, the precision every dollar amount in the
// system is carried at.
func Round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
