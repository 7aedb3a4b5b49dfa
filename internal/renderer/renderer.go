// Package renderer implements the master-clock-paced consumer that pops
// frames from a channel's staging queue and delivers them to a mode-specific
// sink: headless validation or local preview. MPEG-TS output is paced by
// internal/mpegtssink's own loop, which does not use this package's Renderer.
package renderer

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/retrovue-playoutd/internal/frame"
	"github.com/jmylchreest/retrovue-playoutd/internal/masterclock"
	"github.com/jmylchreest/retrovue-playoutd/internal/stagingqueue"
)

// Mode identifies which tagged variant a Sink implements, mirroring the
// base+subclass design in dynamically-dispatched renderers; the Renderer
// calls every variant through the Sink interface.
type Mode string

const (
	ModeHeadless Mode = "headless"
	ModePreview  Mode = "preview"
	ModeMpegTS   Mode = "mpegts"
)

// Sink is the mode-specific delivery target a Renderer drives. Headless and
// Preview sinks implement this directly; the MPEG-TS sink runs its own
// specialized pacing loop (see internal/mpegtssink) and does not use
// Renderer.
type Sink interface {
	Mode() Mode
	// Deliver hands off a frame for mode-specific rendering (validation
	// bookkeeping, or a draw call to a preview window).
	Deliver(f frame.Frame) error
}

// pacing thresholds from §4.4.
const (
	earlyThresholdDefault = -5 * time.Millisecond
	lateThresholdDefault  = 50 * time.Millisecond
	emaAlphaDefault       = 0.1
)

// Config configures a Renderer's pacing policy.
type Config struct {
	EarlyThreshold time.Duration // negative: how far ahead of deadline counts as "early"
	LateThreshold  time.Duration
	EmptyPollSleep time.Duration
	EMAAlpha       float64
	StopBudget     time.Duration
}

func (c *Config) applyDefaults() {
	if c.EarlyThreshold == 0 {
		c.EarlyThreshold = earlyThresholdDefault
	}
	if c.LateThreshold == 0 {
		c.LateThreshold = lateThresholdDefault
	}
	if c.EmptyPollSleep == 0 {
		c.EmptyPollSleep = 5 * time.Millisecond
	}
	if c.EMAAlpha == 0 {
		c.EMAAlpha = emaAlphaDefault
	}
	if c.StopBudget == 0 {
		c.StopBudget = 200 * time.Millisecond
	}
}

// Stats holds the renderer's running counters, safe for concurrent reads
// while the render loop updates them.
type Stats struct {
	FramesRendered   atomic.Int64
	FramesSkipped    atomic.Int64
	FramesDropped    atomic.Int64
	CorrectionsTotal atomic.Int64
	LateFrames       atomic.Int64

	mu            sync.Mutex
	emaRenderTime time.Duration
	lastGapMs     float64
	lastDriftMs   float64
	currentFPS    float64
}

// Snapshot returns a point-in-time copy of derived stats fields that need
// the mutex.
type Snapshot struct {
	EMARenderTime time.Duration
	LastGapMs     float64
	LastDriftMs   float64
	CurrentFPS    float64
}

func (s *Stats) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		EMARenderTime: s.emaRenderTime,
		LastGapMs:     s.lastGapMs,
		LastDriftMs:   s.lastDriftMs,
		CurrentFPS:    s.currentFPS,
	}
}

func (s *Stats) recordRender(renderTime time.Duration, gapMs, driftMs, alpha float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emaRenderTime == 0 {
		s.emaRenderTime = renderTime
	} else {
		s.emaRenderTime = time.Duration(alpha*float64(renderTime) + (1-alpha)*float64(s.emaRenderTime))
	}
	s.lastGapMs = gapMs
	s.lastDriftMs = driftMs
	if renderTime > 0 {
		s.currentFPS = float64(time.Second) / float64(renderTime)
	}
}

// decision enumerates the pacing outcome for a peeked frame.
type decision int

const (
	decisionWait decision = iota
	decisionDeliver
	decisionDrop
)

// decidePacing implements the §4.4 policy table given the gap between now
// and the frame's scheduled deadline (now - deadline).
func decidePacing(gap time.Duration, early, late time.Duration) decision {
	switch {
	case gap < early:
		return decisionWait
	case gap > late:
		return decisionDrop
	default:
		return decisionDeliver
	}
}

// Renderer paces delivery of frames from queue to sink according to
// master-clock deadlines.
type Renderer struct {
	cfg    Config
	queue  *stagingqueue.Queue
	clock  masterclock.Clock
	sink   Sink
	logger *slog.Logger
	Stats  Stats

	stopRequested atomic.Bool
	stopped       chan struct{}

	lastDeliveredPTS atomic.Int64
	havePTS          atomic.Bool
	cachedWidth      int
	cachedHeight     int
	haveDims         bool
}

// New constructs a Renderer driving sink from queue, paced by clock.
func New(cfg Config, queue *stagingqueue.Queue, clock masterclock.Clock, sink Sink, logger *slog.Logger) *Renderer {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{
		cfg:     cfg,
		queue:   queue,
		clock:   clock,
		sink:    sink,
		logger:  logger.With(slog.String("component", "renderer"), slog.String("mode", string(sink.Mode()))),
		stopped: make(chan struct{}),
	}
	// lastDeliveredPTS starts at 0 via zero value; havePTS gates the
	// monotonicity check until the first delivery.
}

// Run executes the pacing loop until ctx is cancelled or Stop is called.
// Blocks until the loop exits.
func (r *Renderer) Run(ctx context.Context) {
	for {
		if r.stopRequested.Load() {
			close(r.stopped)
			return
		}
		select {
		case <-ctx.Done():
			close(r.stopped)
			return
		default:
		}

		f, ok := r.queue.Peek()
		if !ok {
			r.Stats.FramesSkipped.Add(1)
			time.Sleep(r.cfg.EmptyPollSleep)
			continue
		}

		deadline, err := r.clock.ScheduledToUTCMicros(f.PTS)
		if err != nil {
			r.logger.Error("invalid scheduled-to-utc mapping, stopping renderer", slog.String("error", err.Error()))
			close(r.stopped)
			return
		}
		now := r.clock.NowUTCMicros()
		gap := time.Duration(now-deadline) * time.Microsecond

		switch decidePacing(gap, r.cfg.EarlyThreshold, r.cfg.LateThreshold) {
		case decisionWait:
			waitUntil := deadline - 500 // wait until D - 0.5ms
			// Waiting out an early frame counts as a pace correction.
			r.Stats.CorrectionsTotal.Add(1)
			_ = r.clock.WaitUntilUTCMicros(ctx, waitUntil)
			continue
		case decisionDrop:
			r.queue.Pop()
			r.Stats.FramesDropped.Add(1)
			r.Stats.CorrectionsTotal.Add(1)
			continue
		case decisionDeliver:
			r.deliverFrame(f, gap)
		}
	}
}

func (r *Renderer) deliverFrame(f frame.Frame, gap time.Duration) {
	r.queue.Pop()

	if r.havePTS.Load() && f.PTS < r.lastDeliveredPTS.Load() {
		// PTS monotonicity invariant: never deliver a frame older than the
		// last one. Should not happen given upstream PTS-contiguous
		// promotion guarantees, but guard defensively rather than corrupt
		// output ordering.
		r.Stats.FramesDropped.Add(1)
		return
	}

	if !r.haveDims {
		r.cachedWidth, r.cachedHeight = f.Width, f.Height
		r.haveDims = true
	} else if f.Width != r.cachedWidth || f.Height != r.cachedHeight {
		r.Stats.FramesSkipped.Add(1)
		return
	}

	if gap > 0 {
		r.Stats.LateFrames.Add(1)
	}

	start := time.Now()
	if err := r.sink.Deliver(f); err != nil {
		r.logger.Warn("sink delivery failed", slog.String("error", err.Error()))
		return
	}
	renderTime := time.Since(start)

	r.lastDeliveredPTS.Store(f.PTS)
	r.havePTS.Store(true)
	r.Stats.FramesRendered.Add(1)
	r.Stats.recordRender(renderTime, float64(gap.Microseconds())/1000.0, math.Abs(float64(gap.Microseconds()))/1000.0, r.cfg.EMAAlpha)
}

// Stop requests the render loop to exit and blocks until it does, or until
// the configured stop budget elapses.
func (r *Renderer) Stop() {
	if !r.stopRequested.CompareAndSwap(false, true) {
		<-r.stopped
		return
	}
	select {
	case <-r.stopped:
	case <-time.After(r.cfg.StopBudget):
	}
}

// Snapshot returns the renderer's current derived statistics.
func (r *Renderer) Snapshot() Snapshot {
	return r.Stats.snapshot()
}
