package engine

import (
	"context"
	"testing"
	"time"

	"github.com/jmylchreest/retrovue-playoutd/internal/channelfsm"
	"github.com/jmylchreest/retrovue-playoutd/internal/config"
	"github.com/jmylchreest/retrovue-playoutd/internal/playouterr"
)

func testConfig() config.Config {
	var cfg config.Config
	cfg.Queue.Capacity = 10
	cfg.Producer.TargetWidth = 4
	cfg.Producer.TargetHeight = 4
	cfg.Producer.TargetFPS = 29.97
	cfg.Producer.StubMode = true
	cfg.Producer.PushBackoff = time.Millisecond
	cfg.Producer.TeardownDeadline = time.Second
	cfg.Sink.BindHost = "127.0.0.1"
	cfg.Sink.MaxOutputQueuePackets = 10
	cfg.Sink.OutputQueueHighWater = 8
	cfg.Sink.StopDrainBudget = 200 * time.Millisecond
	cfg.Orchestrator.TickInterval = 5 * time.Millisecond
	cfg.Orchestrator.MaxTickSkewMs = 50
	return cfg
}

func TestStart_ChannelBecomesPlayable(t *testing.T) {
	e := New(context.Background(), testConfig(), nil)

	ch, err := e.Start(context.Background(), 1, "asset.mp4", "asset-1", 0, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for ch.FSM.State() != channelfsm.StateReady && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := ch.FSM.State(); got != channelfsm.StateReady {
		t.Fatalf("channel state = %v, want ready within deadline", got)
	}

	ch.Cancel()
	ch.FSM.StopAll()
	select {
	case <-ch.Stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not stop")
	}
}

func TestStart_DuplicateChannelID(t *testing.T) {
	e := New(context.Background(), testConfig(), nil)

	ch, err := e.Start(context.Background(), 1, "asset.mp4", "asset-1", 0, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ch.Cancel()
		ch.FSM.StopAll()
		<-ch.Stopped
	}()

	_, err = e.Start(context.Background(), 1, "asset.mp4", "asset-1", 0, "")
	if playouterr.KindOf(err) != playouterr.KindAlreadyExists {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}
}
