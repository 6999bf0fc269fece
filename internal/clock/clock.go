// Package clock holds the single remaining-time formula shared by every
// observer of a session, plus the cost settlement rules.
package clock

import (
	"math"
	"time"
)

// SkewTolerance absorbs clock drift between machines. A bounded session is
// finished only once its remaining time drops below -SkewTolerance.
const SkewTolerance = 5 * time.Second

// Reading is one observation of a session at a point in time.
type Reading struct {
	Unlimited bool
	Elapsed   time.Duration
	// Remaining is the raw signed distance to the end; zero for unlimited sessions.
	Remaining        time.Duration
	RemainingMinutes int
	RemainingSeconds int
	Finished         bool
}

// Compute observes a session started at start with the given allocation.
func Compute(start time.Time, durationMinutes int, unlimited bool, now time.Time) Reading {
	elapsed := now.Sub(start)
	if unlimited {
		return Reading{Unlimited: true, Elapsed: elapsed}
	}

	end := start.Add(time.Duration(durationMinutes) * time.Minute)
	remaining := end.Sub(now)

	r := Reading{Elapsed: elapsed, Remaining: remaining}
	if remaining < -SkewTolerance {
		r.Finished = true
		return r
	}

	secs := remaining.Seconds()
	r.RemainingMinutes = max(0, int(math.Floor(secs/60)))
	r.RemainingSeconds = max(0, int(math.Floor(secs)))
	return r
}

// ElapsedMinutes returns floor((now-start)/1m). The result is negative when
// start lies in the future.
func ElapsedMinutes(start, now time.Time) int {
	return int(math.Floor(now.Sub(start).Minutes()))
}

// SettleCost is the billed amount for a closed session. Negative minutes and
// negative rates are clamped to zero.
func SettleCost(actualMinutes int, hourlyRate float64, freeMode bool) float64 {
	if freeMode {
		return 0
	}
	minutes := max(0, actualMinutes)
	rate := math.Max(0, hourlyRate)
	return float64(minutes) / 60 * rate
}

// EstimateCost is the running figure shown to the operator while a session is
// active. Elapsed time is rounded up to roundingMinutes granularity; a
// non-positive granularity rounds up to the whole minute.
func EstimateCost(elapsed time.Duration, hourlyRate float64, freeMode bool, roundingMinutes int) float64 {
	if freeMode || hourlyRate <= 0 || elapsed <= 0 {
		return 0
	}
	minutes := math.Ceil(elapsed.Minutes())
	if roundingMinutes > 0 {
		step := float64(roundingMinutes)
		minutes = math.Ceil(minutes/step) * step
	}
	return minutes / 60 * hourlyRate
}
