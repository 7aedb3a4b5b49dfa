package renderer

import (
	"context"
	"testing"
	"time"

	"github.com/jmylchreest/retrovue-playoutd/internal/frame"
	"github.com/jmylchreest/retrovue-playoutd/internal/masterclock"
	"github.com/jmylchreest/retrovue-playoutd/internal/stagingqueue"
)

func mkFrame(pts int64, w, h int) frame.Frame {
	return frame.Frame{PTS: pts, DTS: pts, Width: w, Height: h, Payload: make([]byte, frame.YUV420Size(w, h)), Duration: 0.033366}
}

func TestDecidePacing(t *testing.T) {
	early := -5 * time.Millisecond
	late := 50 * time.Millisecond

	tests := []struct {
		name string
		gap  time.Duration
		want decision
	}{
		{"early by 6ms", -6 * time.Millisecond, decisionWait},
		{"on-time exact early boundary", -5 * time.Millisecond, decisionDeliver},
		{"on-time zero gap", 0, decisionDeliver},
		{"on-time late boundary", 50 * time.Millisecond, decisionDeliver},
		{"too late by 1ms", 51 * time.Millisecond, decisionDrop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decidePacing(tt.gap, early, late)
			if got != tt.want {
				t.Errorf("decidePacing(%v) = %v, want %v", tt.gap, got, tt.want)
			}
		})
	}
}

// TestPaceControlConvergence implements S3.
func TestPaceControlConvergence(t *testing.T) {
	q := stagingqueue.New(128)
	const step = 33366
	for i := 0; i < 120; i++ {
		q.Push(mkFrame(int64(i)*step, 4, 4))
	}

	clock := masterclock.NewTest(10_000, 0, 0) // now_utc = epoch + 10ms skew ahead
	sink := NewHeadlessSink()
	r := New(Config{}, q, clock, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	// Advance the test clock steadily to simulate 150ms of wall-clock time
	// passing while the renderer paces against deadlines.
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	elapsed := 0
	for elapsed < 150 {
		<-ticker.C
		clock.AdvanceMicroseconds(1000)
		elapsed++
	}

	cancel()
	<-done

	if sink.Delivered() == 0 {
		t.Error("expected at least one frame rendered")
	}
	snap := r.Snapshot()
	if snap.LastGapMs > 8 {
		t.Errorf("expected |gap| <= 8ms, got %v", snap.LastGapMs)
	}
	if r.Stats.CorrectionsTotal.Load() == 0 {
		t.Error("expected corrections_total > 0 given initial 10ms skew")
	}
}

func TestPTSMonotonicityAcrossSwitch(t *testing.T) {
	q := stagingqueue.New(16)
	clock := masterclock.NewTest(0, 0, 0)
	sink := NewHeadlessSink()
	r := New(Config{}, q, clock, sink, nil)

	// Feed a frame "out of order" through Run after a first delivery to
	// simulate a regression after a switch; it must be rejected, not delivered.
	q.Push(mkFrame(1000, 4, 4))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()
	clock.SetNow(1_000) // both frames stay inside the on-time window
	time.Sleep(20 * time.Millisecond)

	q.Push(mkFrame(500, 4, 4)) // earlier pts than already delivered
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if r.Stats.FramesRendered.Load() != 1 {
		t.Errorf("expected exactly 1 frame rendered (out-of-order one rejected), got %d", r.Stats.FramesRendered.Load())
	}
}

func TestDimensionConsistency(t *testing.T) {
	q := stagingqueue.New(16)
	clock := masterclock.NewTest(33_366, 0, 0) // both frames inside the on-time window
	sink := NewHeadlessSink()
	r := New(Config{}, q, clock, sink, nil)

	q.Push(mkFrame(0, 4, 4))
	q.Push(mkFrame(33366, 8, 8)) // mismatched dims

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	if sink.Delivered() != 1 {
		t.Errorf("expected only the first (consistent-dimension) frame delivered, got %d", sink.Delivered())
	}
	if r.Stats.FramesSkipped.Load() == 0 {
		t.Error("expected mismatched-dimension frame to be counted as skipped")
	}
}

func TestLateFrameDrop(t *testing.T) {
	q := stagingqueue.New(4)
	clock := masterclock.NewTest(0, 0, 0)
	sink := NewHeadlessSink()
	r := New(Config{}, q, clock, sink, nil)

	// Frame due at pts=0 -> deadline 0; set now = 51ms so gap = 51ms > 50ms.
	q.Push(mkFrame(0, 4, 4))
	clock.SetNow(51_000)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	if r.Stats.FramesDropped.Load() != 1 {
		t.Errorf("expected frames_dropped=1, got %d", r.Stats.FramesDropped.Load())
	}
	if r.Stats.CorrectionsTotal.Load() != 1 {
		t.Errorf("expected corrections_total=1, got %d", r.Stats.CorrectionsTotal.Load())
	}
	if sink.Delivered() != 0 {
		t.Errorf("expected no frames delivered, got %d", sink.Delivered())
	}
}

func TestEmptyQueueSkipCounter(t *testing.T) {
	q := stagingqueue.New(4)
	clock := masterclock.NewTest(0, 0, 0)
	sink := NewHeadlessSink()
	r := New(Config{EmptyPollSleep: time.Millisecond}, q, clock, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if r.Stats.FramesSkipped.Load() == 0 {
		t.Error("expected frames_skipped to increment while queue stayed empty")
	}
}

func TestStopWithinBudget(t *testing.T) {
	q := stagingqueue.New(4)
	clock := masterclock.NewTest(0, 0, 0)
	sink := NewHeadlessSink()
	r := New(Config{StopBudget: 200 * time.Millisecond}, q, clock, sink, nil)

	ctx := context.Background()
	go r.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	r.Stop()
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("Stop() took %v, expected <= 200ms", elapsed)
	}
}
