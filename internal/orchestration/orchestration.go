// Package orchestration implements the periodic per-channel monitor that
// samples staging-queue depth, detects backpressure edge events, and
// publishes them to the channel state machine and metrics.
package orchestration

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/retrovue-playoutd/internal/channelfsm"
	"github.com/jmylchreest/retrovue-playoutd/internal/masterclock"
	"github.com/jmylchreest/retrovue-playoutd/internal/stagingqueue"
)

// EdgeEvent is a backpressure edge detected on a tick.
type EdgeEvent string

const (
	EdgeNone      EdgeEvent = "none"
	EdgeUnderrun  EdgeEvent = "underrun"
	EdgeOverrun   EdgeEvent = "overrun"
	EdgeCleared   EdgeEvent = "cleared"
)

// latencyPerSlotMs is the per-slot factor in the approximate
// producer->renderer latency heuristic: (size/capacity) * 20ms.
const latencyPerSlotMs = 20.0

// Sink receives each tick's observations — the control-plane's metrics
// registry implements this in the running binary; tests use a recording
// fake.
type Sink interface {
	ObserveTick(channelID int32, queueSize, queueCapacity int, approxLatencyMs float64, edge EdgeEvent, tickSkewMs float64)
}

// Config configures a Loop.
type Config struct {
	Interval       time.Duration
	MaxTickSkewMs  float64
	ReadyThreshold int // buffer depth, in frames, at which Buffering -> Ready fires
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 200 * time.Millisecond
	}
	if c.MaxTickSkewMs <= 0 {
		c.MaxTickSkewMs = 1.5
	}
}

// Loop runs the periodic monitor for one channel.
type Loop struct {
	cfg       Config
	channelID int32
	queue     *stagingqueue.Queue
	clock     masterclock.Clock
	fsm       *channelfsm.Machine
	sink      Sink
	logger    *slog.Logger

	underrunFlag atomic.Bool
	overrunFlag  atomic.Bool

	lastTick         atomic.Int64
	correctionsTotal atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Loop for one channel.
func New(cfg Config, channelID int32, queue *stagingqueue.Queue, clock masterclock.Clock, fsm *channelfsm.Machine, sink Sink, logger *slog.Logger) *Loop {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:       cfg,
		channelID: channelID,
		queue:     queue,
		clock:     clock,
		fsm:       fsm,
		sink:      sink,
		logger:    logger.With(slog.String("component", "orchestration"), slog.Int("channel_id", int(channelID))),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Run ticks until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *Loop) tick() {
	size := l.queue.Size()
	capacity := l.queue.Capacity()

	approxLatencyMs := (float64(size) / float64(capacity)) * latencyPerSlotMs

	edge := l.detectEdge(size, capacity)
	if edge == EdgeUnderrun {
		l.fsm.Fire(channelfsm.EventBackPressureUnderrun, "")
	} else if edge == EdgeCleared {
		l.fsm.Fire(channelfsm.EventBackPressureCleared, "")
	}

	if l.cfg.ReadyThreshold > 0 && l.fsm.State() == channelfsm.StateBuffering && size >= l.cfg.ReadyThreshold {
		l.fsm.Fire(channelfsm.EventBufferDepthReady, "")
	}

	skewMs := l.measureTickSkew()
	if math.Abs(skewMs) > l.cfg.MaxTickSkewMs {
		l.correctionsTotal.Add(1)
		l.logger.Debug("tick skew correction", slog.Float64("skew_ms", skewMs))
	}

	if l.sink != nil {
		l.sink.ObserveTick(l.channelID, size, capacity, approxLatencyMs, edge, skewMs)
	}
}

// detectEdge implements the three edge conditions in §4.6, tracking each
// flag's prior value so Cleared only fires on a genuine transition.
func (l *Loop) detectEdge(size, capacity int) EdgeEvent {
	underrunNow := size == 0
	overrunNow := size+1 >= capacity

	wasUnderrun := l.underrunFlag.Load()
	wasOverrun := l.overrunFlag.Load()

	switch {
	case underrunNow && !wasUnderrun:
		l.underrunFlag.Store(true)
		return EdgeUnderrun
	case overrunNow && !wasOverrun:
		l.overrunFlag.Store(true)
		return EdgeOverrun
	case !underrunNow && wasUnderrun:
		l.underrunFlag.Store(false)
		return EdgeCleared
	case !overrunNow && wasOverrun:
		l.overrunFlag.Store(false)
		return EdgeCleared
	default:
		return EdgeNone
	}
}

// measureTickSkew compares the wall-clock interval actually observed via
// the master clock's monotonic reading against the configured tick
// interval, per §4.6's skew-correction note.
func (l *Loop) measureTickSkew() float64 {
	now := l.clock.NowMonotonicSeconds()
	last := l.lastTick.Swap(int64(now * 1e9))
	if last == 0 {
		return 0
	}
	observedNs := int64(now*1e9) - last
	expectedNs := l.cfg.Interval.Nanoseconds()
	return float64(observedNs-expectedNs) / 1e6
}

// CorrectionsTotal returns the cumulative tick-skew correction count.
func (l *Loop) CorrectionsTotal() int64 {
	return l.correctionsTotal.Load()
}

// Stop requests the loop to exit and waits for it to do so.
func (l *Loop) Stop() {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
	<-l.doneCh
}
