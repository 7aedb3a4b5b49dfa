// Package masterclock provides the engine's authoritative time source: a
// wait-free UTC microsecond reading and a deterministic scheduled-PTS to
// UTC-deadline mapping, shared read-only across every channel worker.
package masterclock

import (
	"context"
	"time"

	"github.com/jmylchreest/retrovue-playoutd/internal/playouterr"
)

// Clock is the authoritative time source consumed (never steered) by
// channel workers. Implementations must be safe for concurrent use by many
// goroutines; NowUTCMicros must be wait-free.
type Clock interface {
	// NowUTCMicros returns the current UTC time in microseconds. Strictly
	// monotonic across any two calls on one instance.
	NowUTCMicros() int64
	// NowMonotonicSeconds returns a steady-clock reading in seconds,
	// suitable only for measuring elapsed durations.
	NowMonotonicSeconds() float64
	// ScheduledToUTCMicros deterministically maps a scheduled presentation
	// timestamp to the UTC deadline at which the frame is due.
	ScheduledToUTCMicros(ptsUs int64) (int64, error)
	// DriftPPM returns the clock's reported drift in parts-per-million.
	DriftPPM() float64
	// WaitUntilUTCMicros suspends the caller until NowUTCMicros() >=
	// deadlineUs, or until ctx is cancelled. Returns ctx.Err() on
	// cancellation.
	WaitUntilUTCMicros(ctx context.Context, deadlineUs int64) error
}

// pollInterval bounds how long WaitUntilUTCMicros sleeps between checks of
// ctx cancellation, keeping cancellation latency within the ~10ms budget.
const pollInterval = 5 * time.Millisecond

// Real is a wall-clock-backed Clock for production use.
type Real struct {
	epochUTCUs int64
	ratePPM    float64
	start      time.Time
}

// NewReal constructs a Real clock with the given PTS->UTC epoch and rate
// adjustment. epochUTCUs is the UTC microsecond instant that pts_us=0 maps
// to; ratePPM models steady clock drift (rate_ppm parts-per-million).
func NewReal(epochUTCUs int64, ratePPM float64) *Real {
	return &Real{epochUTCUs: epochUTCUs, ratePPM: ratePPM, start: time.Now()}
}

func (c *Real) NowUTCMicros() int64 {
	return time.Now().UnixMicro()
}

func (c *Real) NowMonotonicSeconds() float64 {
	return time.Since(c.start).Seconds()
}

func (c *Real) ScheduledToUTCMicros(ptsUs int64) (int64, error) {
	return scheduledToUTC(c.epochUTCUs, c.ratePPM, ptsUs)
}

func (c *Real) DriftPPM() float64 {
	return c.ratePPM
}

func (c *Real) WaitUntilUTCMicros(ctx context.Context, deadlineUs int64) error {
	for {
		now := c.NowUTCMicros()
		if now >= deadlineUs {
			return nil
		}
		remaining := time.Duration(deadlineUs-now) * time.Microsecond
		wait := remaining
		if wait > pollInterval {
			wait = pollInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// scheduledToUTC implements epoch_utc_us + pts_us * (1 + rate_ppm * 1e-6),
// rejecting results outside the representable int64 range.
func scheduledToUTC(epochUTCUs int64, ratePPM float64, ptsUs int64) (int64, error) {
	adjusted := float64(ptsUs) * (1 + ratePPM*1e-6)
	result := float64(epochUTCUs) + adjusted
	const maxRepresentable = 1 << 62
	if result > maxRepresentable || result < -maxRepresentable {
		return 0, playouterr.New(playouterr.KindInvalidTime, "scheduled_to_utc_us result out of range")
	}
	return epochUTCUs + int64(adjusted), nil
}
