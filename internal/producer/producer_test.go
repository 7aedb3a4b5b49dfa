package producer

import (
	"context"
	"testing"
	"time"

	"github.com/jmylchreest/retrovue-playoutd/internal/stagingqueue"
)

func testConfig() Config {
	return Config{
		AssetURI:     "stub://test",
		AssetID:      "asset-1",
		TargetWidth:  4,
		TargetHeight: 4,
		TargetFPS:    29.97,
		StubMode:     true,
		PushBackoff:  time.Millisecond,
	}
}

func TestProducer_PTSMonotonicAndDTSOrdering(t *testing.T) {
	q := stagingqueue.New(60)
	p := New(testConfig(), q, nil)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	var last int64 = -1
	deadline := time.After(2 * time.Second)
	for i := 0; i < 20; i++ {
		for {
			f, ok := q.Pop()
			if ok {
				if f.DTS > f.PTS {
					t.Fatalf("dts %d exceeds pts %d", f.DTS, f.PTS)
				}
				if f.PTS <= last {
					t.Fatalf("pts not strictly increasing: last=%d, got=%d", last, f.PTS)
				}
				last = f.PTS
				break
			}
			select {
			case <-deadline:
				t.Fatal("timed out waiting for frames")
			case <-time.After(time.Millisecond):
			}
		}
	}
}

func TestProducer_ShadowDecodeReadyEvent(t *testing.T) {
	q := stagingqueue.New(60)
	p := New(testConfig(), q, nil)
	p.EnterShadowMode()

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	select {
	case ev := <-p.Events():
		if ev.Kind != EventShadowDecodeReady {
			t.Fatalf("expected ShadowDecodeReady, got %v", ev.Kind)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ShadowDecodeReady")
	}

	// Shadow mode must not push to the live queue.
	time.Sleep(20 * time.Millisecond)
	if q.Size() != 0 {
		t.Errorf("expected queue empty during shadow decode, size=%d", q.Size())
	}
}

func TestProducer_ExitShadowModeStartsAtGivenPTS(t *testing.T) {
	q := stagingqueue.New(60)
	p := New(testConfig(), q, nil)
	p.EnterShadowMode()
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	select {
	case <-p.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for shadow ready")
	}

	const contiguousStart = 1_033_366
	p.ExitShadowMode(contiguousStart)

	deadline := time.After(2 * time.Second)
	for {
		f, ok := q.Pop()
		if ok {
			if f.PTS != contiguousStart {
				t.Fatalf("expected first promoted frame pts=%d, got %d", contiguousStart, f.PTS)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for promoted frame")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestProducer_DoubleStartFails(t *testing.T) {
	q := stagingqueue.New(60)
	p := New(testConfig(), q, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	if err := p.Start(context.Background()); err == nil {
		t.Error("expected error starting an already-running producer")
	}
}

func TestProducer_BufferFullCount(t *testing.T) {
	q := stagingqueue.New(1)
	cfg := testConfig()
	cfg.PushBackoff = time.Millisecond
	p := New(cfg, q, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	time.Sleep(50 * time.Millisecond)
	if p.BufferFullCount() == 0 {
		t.Error("expected buffer_full_count to have incremented under sustained backpressure")
	}
}

func TestProducer_StopIsIdempotentViaDoubleStop(t *testing.T) {
	q := stagingqueue.New(60)
	p := New(testConfig(), q, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	p.Stop()
	p.Stop() // must not panic or block forever
	if p.Running() {
		t.Error("producer should not be running after stop")
	}
}
