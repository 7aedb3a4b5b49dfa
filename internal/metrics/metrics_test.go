package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jmylchreest/retrovue-playoutd/internal/orchestration"
)

func TestSetChannelState(t *testing.T) {
	r := New()
	r.SetChannelState("1", ChannelStateReady)

	got := testutil.ToFloat64(r.channelState.WithLabelValues("1"))
	if got != float64(ChannelStateReady) {
		t.Errorf("channel_state = %v, want %v", got, ChannelStateReady)
	}
}

func TestIncDecodeFailure(t *testing.T) {
	r := New()
	r.IncDecodeFailure("1")
	r.IncDecodeFailure("1")

	got := testutil.ToFloat64(r.decodeFailures.WithLabelValues("1"))
	if got != 2 {
		t.Errorf("decode_failure_count = %v, want 2", got)
	}
}

func TestObserveTick_UpdatesBufferDepthAndCorrections(t *testing.T) {
	r := New()
	r.ObserveTick(1, 5, 10, 10.0, orchestration.EdgeNone, 0)

	if got := testutil.ToFloat64(r.bufferDepth.WithLabelValues("1")); got != 5 {
		t.Errorf("buffer_depth = %v, want 5", got)
	}
	if got := testutil.ToFloat64(r.frameGapSeconds.WithLabelValues("1")); got != 0.01 {
		t.Errorf("frame_gap_seconds = %v, want 0.01", got)
	}
	if got := testutil.ToFloat64(r.correctionsTotal.WithLabelValues("1")); got != 0 {
		t.Errorf("corrections_total = %v, want 0 before any edge", got)
	}

	r.ObserveTick(1, 0, 10, 0, orchestration.EdgeUnderrun, 2.0)
	if got := testutil.ToFloat64(r.correctionsTotal.WithLabelValues("1")); got != 1 {
		t.Errorf("corrections_total after edge = %v, want 1", got)
	}
}

func TestChannelLabelFromID(t *testing.T) {
	cases := map[int32]string{0: "0", 7: "7", -3: "-3"}
	for id, want := range cases {
		if got := channelLabelFromID(id); got != want {
			t.Errorf("channelLabelFromID(%d) = %q, want %q", id, got, want)
		}
	}
}
