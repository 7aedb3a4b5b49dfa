package mpegtssink

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/jmylchreest/retrovue-playoutd/internal/codec"
	"github.com/jmylchreest/retrovue-playoutd/internal/frame"
	"github.com/jmylchreest/retrovue-playoutd/internal/masterclock"
	"github.com/jmylchreest/retrovue-playoutd/internal/stagingqueue"
)

func mkFrame(pts int64) frame.Frame {
	w, h := 2, 2
	return frame.Frame{
		Width:    w,
		Height:   h,
		Payload:  make([]byte, frame.YUV420Size(w, h)),
		PTS:      pts,
		DTS:      pts,
		Duration: 1.0 / 29.97,
	}
}

func newTestSink(t *testing.T, cap int) *Sink {
	t.Helper()
	queue := stagingqueue.New(cap)
	clock := masterclock.NewTest(0, 0, 0)
	cfg := Config{StubMode: true, GOPSize: 1, MaxOutputQueuePackets: 10, OutputQueueHighWater: 8}
	s := New(cfg, queue, clock, nil)
	// Tests that call runIteration/gracefulStop directly bypass Start, so
	// wire the encoder/muxer it would otherwise construct.
	s.encoder = newStubEncoder(cfg.GOPSize)
	s.mux = newMuxer(&connWriter{s: s}, cfg.EnableAudio)
	return s
}

// TestNullTSPacket_Shape verifies the null packet's length, sync byte and
// PID match the MPEG-TS null packet convention.
func TestNullTSPacket_Shape(t *testing.T) {
	p := nullTSPacket()
	if len(p) != tsPacketSize {
		t.Fatalf("expected %d bytes, got %d", tsPacketSize, len(p))
	}
	if p[0] != 0x47 {
		t.Errorf("sync byte = 0x%02X, want 0x47", p[0])
	}
	if p[1]&0x1F != 0x1F {
		t.Errorf("PID high bits = 0x%02X, want low 5 bits set (0x1F)", p[1])
	}
	if p[2] != 0xFF {
		t.Errorf("PID low byte = 0x%02X, want 0xFF", p[2])
	}
}

// TestGracefulStop_NullPacketDivisibility implements the end-of-stream
// scenario: the output queue holds whole-packet-aligned content (as the
// mediacommon mpegts.Writer always produces), and the graceful stop
// sequence appends exactly one trailing null packet. The client must
// observe a total byte count divisible by 188, with the final 188 bytes
// matching the null packet pattern.
func TestGracefulStop_NullPacketDivisibility(t *testing.T) {
	s := newTestSink(t, 4)

	// Seed the output queue as if the muxer had already produced three
	// whole TS packets' worth of content.
	s.outQ.push(bytes.Repeat([]byte{0xAA}, tsPacketSize*3))

	serverConn, clientConn := net.Pipe()
	s.setConnForTest(serverConn)

	received := make(chan []byte, 1)
	go func() {
		buf, _ := io.ReadAll(clientConn)
		received <- buf
	}()

	s.gracefulStop()

	var buf []byte
	select {
	case buf = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client to observe EOF")
	}

	if len(buf)%tsPacketSize != 0 {
		t.Fatalf("received %d bytes, not a multiple of %d", len(buf), tsPacketSize)
	}
	if len(buf) == 0 {
		t.Fatal("expected at least the trailing null packet")
	}
	last := buf[len(buf)-tsPacketSize:]
	if !bytes.Equal(last, nullTSPacket()) {
		t.Errorf("trailing packet = % X, want null packet", last)
	}
}

// TestRunIteration_LateFrameDrop implements the late-frame scenario: a
// frame whose pacing gap exceeds the 50ms late threshold is dropped rather
// than delivered, incrementing both FramesDropped and LateFrameDrops, and
// no bytes are written downstream for it.
func TestRunIteration_LateFrameDrop(t *testing.T) {
	s := newTestSink(t, 4)
	s.haveEpoch.Store(true)
	s.sinkStartUTCUs = 0

	clock := s.clock.(*masterclock.Test)
	clock.SetNow(51_000) // 51ms past the established epoch

	s.queue.Push(mkFrame(0)) // deadline = 0, gap = 51ms > 50ms late threshold

	s.runIteration(context.Background())

	if got := s.Stats.FramesDropped.Load(); got != 1 {
		t.Errorf("FramesDropped = %d, want 1", got)
	}
	if got := s.Stats.LateFrameDrops.Load(); got != 1 {
		t.Errorf("LateFrameDrops = %d, want 1", got)
	}
	if got := s.Stats.FramesEncoded.Load(); got != 0 {
		t.Errorf("FramesEncoded = %d, want 0 for a dropped frame", got)
	}
	if s.outQ.len() != 0 {
		t.Errorf("expected no bytes enqueued for a dropped frame, got %d items", s.outQ.len())
	}
	if !s.queue.IsEmpty() {
		t.Error("expected the late frame to be popped from the staging queue")
	}
}

// TestRunIteration_OnTimeFrameEmits verifies a frame within the pacing
// window is delivered through to the output queue.
func TestRunIteration_OnTimeFrameEmits(t *testing.T) {
	s := newTestSink(t, 4)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	s.setConnForTest(serverConn)

	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := clientConn.Read(buf); err != nil {
				return
			}
		}
	}()

	s.queue.Push(mkFrame(0))
	s.runIteration(context.Background())

	if got := s.Stats.FramesEncoded.Load(); got != 1 {
		t.Errorf("FramesEncoded = %d, want 1", got)
	}
	if got := s.Stats.FramesDropped.Load(); got != 0 {
		t.Errorf("FramesDropped = %d, want 0", got)
	}
}

// TestAcceptLoop_RejectsSecondClient verifies the single-client constraint:
// a second concurrent connection attempt does not preempt the first.
func TestAcceptLoop_RejectsSecondClient(t *testing.T) {
	s := newTestSink(t, 4)
	s.cfg.BindHost = "127.0.0.1"
	s.cfg.Port = 0
	s.cfg.AcceptPollInterval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	addr := s.Addr()
	if addr == nil {
		t.Fatal("expected a bound address after Start")
	}

	first, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()

	time.Sleep(100 * time.Millisecond)
	if s.State() != StateRunning {
		t.Fatalf("state = %v, want running after first client connects", s.State())
	}

	// A second TCP SYN can still succeed at the OS level (backlog accepts
	// it) even though LimitListener never lets the accept loop call
	// Accept again; what matters is the sink never swaps its one active
	// connection out from under the first client.
	second, err := net.DialTimeout("tcp", addr.String(), 200*time.Millisecond)
	if err == nil {
		second.Close()
	}

	if s.State() != StateRunning {
		t.Errorf("state = %v, want still running with the original client", s.State())
	}
}

// TestStart_RejectsNonH264Codec verifies the muxer's hardcoded H.264
// constraint is enforced at Start time rather than silently ignored.
func TestStart_RejectsNonH264Codec(t *testing.T) {
	queue := stagingqueue.New(4)
	clock := masterclock.NewTest(0, 0, 0)
	cfg := Config{StubMode: true, GOPSize: 1, VideoCodec: codec.VideoH265, BindHost: "127.0.0.1", Port: 0}
	s := New(cfg, queue, clock, nil)

	err := s.Start(context.Background())
	if err == nil {
		t.Fatal("expected Start to reject a non-h264 video codec")
	}
	if s.State() != StateError {
		t.Errorf("state = %v, want error after rejected codec", s.State())
	}
}

// TestBuildEncoder_RealModeWithoutFactoryErrors verifies a misconfigured
// real-mode sink (no EncoderFactory, StubMode false) surfaces an error
// naming the resolved encoder instead of silently falling back to the stub.
func TestBuildEncoder_RealModeWithoutFactoryErrors(t *testing.T) {
	queue := stagingqueue.New(4)
	clock := masterclock.NewTest(0, 0, 0)
	cfg := Config{StubMode: false, GOPSize: 1, VideoCodec: codec.VideoH264, HWAccel: codec.HWAccelNone}
	s := New(cfg, queue, clock, nil)

	_, err := s.buildEncoder()
	if err == nil {
		t.Fatal("expected buildEncoder to error without an EncoderFactory in real mode")
	}
}
