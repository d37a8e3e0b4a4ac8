// internal/matchmaking/backoff.go
package matchmaking

import (
	"math"
	"time"
)

// maxJitterFraction bounds the random extra added to a retry delay.
const maxJitterFraction = 0.1

// NextTimeout returns min(current*multiplier, ceiling). The result never drops below
// current, so a session's timeout only ever grows until it hits the ceiling.
func NextTimeout(current time.Duration, multiplier float64, ceiling time.Duration) time.Duration {
	if multiplier < 1 || math.IsNaN(multiplier) {
		multiplier = 1
	}
	next := time.Duration(float64(current) * multiplier)
	if next < current { // overflow
		next = ceiling
	}
	if ceiling > 0 && next > ceiling {
		next = ceiling
	}
	if next < current {
		return current
	}
	return next
}

// ApplyJitter adds r*fraction*d to d, where r is a uniform sample in [0, 1). fraction is
// clamped to [0, 0.1].
func ApplyJitter(d time.Duration, fraction, r float64) time.Duration {
	if d <= 0 {
		return d
	}
	if fraction <= 0 || math.IsNaN(fraction) {
		return d
	}
	if fraction > maxJitterFraction {
		fraction = maxJitterFraction
	}
	if r < 0 {
		r = 0
	}
	if r >= 1 {
		r = math.Nextafter(1, 0)
	}
	return d + time.Duration(float64(d)*fraction*r)
}

// Congestion holds the load-based delay scaling knobs.
type Congestion struct {
	HighWaterMark int     // scale up above this many searching sessions; 0 disables
	LowWaterMark  int     // scale down below this many searching sessions; 0 disables
	ScaleUp       float64 // multiplier when congested, >= 1
	ScaleDown     float64 // multiplier when quiet, in (0, 1]
}

// Factor returns the delay multiplier for the given number of searching sessions.
func (c Congestion) Factor(active int) float64 {
	switch {
	case c.HighWaterMark > 0 && active > c.HighWaterMark && c.ScaleUp >= 1:
		return c.ScaleUp
	case c.LowWaterMark > 0 && active < c.LowWaterMark && c.ScaleDown > 0 && c.ScaleDown <= 1:
		return c.ScaleDown
	default:
		return 1
	}
}

// Scale applies the congestion factor to d.
func (c Congestion) Scale(d time.Duration, active int) time.Duration {
	f := c.Factor(active)
	if f == 1 {
		return d
	}
	return time.Duration(float64(d) * f)
}
