package masterclock

import (
	"context"
	"sync/atomic"
)

// Test is an explicitly-advanceable Clock for deterministic tests. It never
// blocks the wall clock: WaitUntilUTCMicros returns as soon as the current
// reading reaches the deadline, without sleeping.
type Test struct {
	nowUs      atomic.Int64
	epochUTCUs int64
	ratePPM    atomic.Int64 // fixed-point rate-ppm, scaled by 1e6
	monotonic  atomic.Int64 // microseconds since construction, for NowMonotonicSeconds
}

// NewTest constructs a Test clock starting at nowUs with the given PTS->UTC
// epoch and rate-ppm.
func NewTest(nowUs int64, epochUTCUs int64, ratePPM float64) *Test {
	c := &Test{epochUTCUs: epochUTCUs}
	c.nowUs.Store(nowUs)
	c.ratePPM.Store(int64(ratePPM * 1e6)) // fixed-point, 1e-6 precision
	return c
}

func (c *Test) NowUTCMicros() int64 {
	return c.nowUs.Load()
}

func (c *Test) NowMonotonicSeconds() float64 {
	return float64(c.monotonic.Load()) / 1e6
}

func (c *Test) ScheduledToUTCMicros(ptsUs int64) (int64, error) {
	return scheduledToUTC(c.epochUTCUs, c.ratePPMFloat(), ptsUs)
}

func (c *Test) DriftPPM() float64 {
	return c.ratePPMFloat()
}

func (c *Test) ratePPMFloat() float64 {
	return float64(c.ratePPM.Load()) / 1e6
}

// WaitUntilUTCMicros returns immediately once the current reading has
// reached deadlineUs; the caller is expected to Advance/SetNow the clock
// from another goroutine (or before calling) to simulate time passing.
func (c *Test) WaitUntilUTCMicros(ctx context.Context, deadlineUs int64) error {
	for c.NowUTCMicros() < deadlineUs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

// AdvanceMicroseconds moves the clock forward by d microseconds and returns
// the new reading.
func (c *Test) AdvanceMicroseconds(d int64) int64 {
	c.monotonic.Add(d)
	return c.nowUs.Add(d)
}

// SetNow sets the clock to an absolute UTC microsecond reading. Used to set
// up skew scenarios without a sequence of relative advances.
func (c *Test) SetNow(nowUs int64) {
	c.nowUs.Store(nowUs)
}

// SetRatePPM changes the simulated drift rate.
func (c *Test) SetRatePPM(ratePPM float64) {
	c.ratePPM.Store(int64(ratePPM * 1e6))
}
