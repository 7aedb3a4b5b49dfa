package orchestration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmylchreest/retrovue-playoutd/internal/channelfsm"
	"github.com/jmylchreest/retrovue-playoutd/internal/frame"
	"github.com/jmylchreest/retrovue-playoutd/internal/masterclock"
	"github.com/jmylchreest/retrovue-playoutd/internal/stagingqueue"
)

type recordingSink struct {
	mu     sync.Mutex
	events []EdgeEvent
}

func (r *recordingSink) ObserveTick(channelID int32, size, capacity int, latencyMs float64, edge EdgeEvent, skewMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, edge)
}

func (r *recordingSink) snapshot() []EdgeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EdgeEvent, len(r.events))
	copy(out, r.events)
	return out
}

func mkFrame(pts int64) frame.Frame {
	return frame.Frame{PTS: pts, DTS: pts, Duration: 1, Width: 2, Height: 2, Payload: make([]byte, frame.YUV420Size(2, 2))}
}

func TestDetectEdge_UnderrunThenCleared(t *testing.T) {
	queue := stagingqueue.New(4)
	clock := masterclock.NewTest(0, 0, 0)
	fsm := channelfsm.New(nil, queue, clock, 0, nil)
	sink := &recordingSink{}
	loop := New(Config{}, 1, queue, clock, fsm, sink, nil)

	// Empty queue: underrun edge fires once.
	if got := loop.detectEdge(0, 4); got != EdgeUnderrun {
		t.Fatalf("first tick edge = %v, want underrun", got)
	}
	if got := loop.detectEdge(0, 4); got != EdgeNone {
		t.Fatalf("repeated underrun tick edge = %v, want none", got)
	}

	queue.Push(mkFrame(0))
	if got := loop.detectEdge(1, 4); got != EdgeCleared {
		t.Fatalf("edge after filling = %v, want cleared", got)
	}
}

func TestDetectEdge_Overrun(t *testing.T) {
	queue := stagingqueue.New(4)
	clock := masterclock.NewTest(0, 0, 0)
	fsm := channelfsm.New(nil, queue, clock, 0, nil)
	loop := New(Config{}, 1, queue, clock, fsm, nil, nil)

	if got := loop.detectEdge(3, 4); got != EdgeOverrun { // size+1 >= capacity
		t.Fatalf("edge at near-full = %v, want overrun", got)
	}
	if got := loop.detectEdge(3, 4); got != EdgeNone {
		t.Fatalf("repeated overrun tick edge = %v, want none", got)
	}
	if got := loop.detectEdge(1, 4); got != EdgeCleared {
		t.Fatalf("edge after draining = %v, want cleared", got)
	}
}

func TestTick_FiresBackpressureIntoFSM(t *testing.T) {
	queue := stagingqueue.New(4)
	clock := masterclock.NewTest(0, 0, 0)
	fsm := channelfsm.New(nil, queue, clock, 0, nil)
	fsm.Fire(channelfsm.EventBeginSession, "s")
	fsm.Fire(channelfsm.EventBufferDepthReady, "")
	fsm.Fire(channelfsm.EventPlay, "")

	sink := &recordingSink{}
	loop := New(Config{Interval: 5 * time.Millisecond}, 1, queue, clock, fsm, sink, nil)

	loop.tick() // empty queue -> underrun -> fsm moves to buffering
	if got := fsm.State(); got != channelfsm.StateBuffering {
		t.Fatalf("fsm state after underrun tick = %v, want buffering", got)
	}

	queue.Push(mkFrame(0))
	loop.tick() // cleared -> fsm restores to playing
	if got := fsm.State(); got != channelfsm.StatePlaying {
		t.Fatalf("fsm state after cleared tick = %v, want playing", got)
	}

	events := sink.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected 2 observed ticks, got %d", len(events))
	}
}

func TestTick_FiresBufferDepthReady(t *testing.T) {
	queue := stagingqueue.New(10)
	clock := masterclock.NewTest(0, 0, 0)
	fsm := channelfsm.New(nil, queue, clock, 0, nil)
	fsm.Fire(channelfsm.EventBeginSession, "s")

	loop := New(Config{ReadyThreshold: 3}, 1, queue, clock, fsm, nil, nil)

	for i := int64(0); i < 3; i++ {
		queue.Push(mkFrame(i))
	}
	loop.tick()

	if got := fsm.State(); got != channelfsm.StateReady {
		t.Fatalf("fsm state after reaching ready threshold = %v, want ready", got)
	}
}

func TestRunAndStop(t *testing.T) {
	queue := stagingqueue.New(4)
	clock := masterclock.NewTest(0, 0, 0)
	fsm := channelfsm.New(nil, queue, clock, 0, nil)
	loop := New(Config{Interval: 2 * time.Millisecond}, 1, queue, clock, fsm, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	loop.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after Stop")
	}
}
