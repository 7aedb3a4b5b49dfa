// Package mpegtssink implements the specialized renderer that encodes
// staged frames, muxes them into an MPEG transport stream, and writes
// 188-byte packets atomically to a single connected client over TCP or a
// Unix domain socket.
package mpegtssink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"

	"github.com/jmylchreest/retrovue-playoutd/internal/codec"
	"github.com/jmylchreest/retrovue-playoutd/internal/frame"
	"github.com/jmylchreest/retrovue-playoutd/internal/masterclock"
	"github.com/jmylchreest/retrovue-playoutd/internal/playouterr"
	"github.com/jmylchreest/retrovue-playoutd/internal/stagingqueue"
)

// State is the sink's internal connection/lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateWaitingForClient
	StateRunning
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForClient:
		return "waiting_for_client"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// UnderflowPolicy is carried for the downstream sink to interpret; the
// worker's own behavior on underflow is always a passive short sleep.
type UnderflowPolicy string

const (
	UnderflowFreezeLastFrame UnderflowPolicy = "freeze_last_frame"
	UnderflowBlackFrame      UnderflowPolicy = "black_frame"
	UnderflowSkip            UnderflowPolicy = "skip"
)

// Config configures a Sink instance.
type Config struct {
	BindHost      string
	Port          int
	UDSSocketPath string

	Bitrate         int
	VideoCodec      codec.Video
	HWAccel         codec.HWAccel
	GOPSize         int
	EnableAudio     bool
	UnderflowPolicy UnderflowPolicy
	StubMode        bool

	MaxOutputQueuePackets int
	OutputQueueHighWater  int
	SendBufferBytes       int

	AcceptPollInterval   time.Duration
	StopFlagPollInterval time.Duration
	StopDrainBudget      time.Duration

	// EncoderFactory constructs the real-mode video Encoder. Ignored when
	// StubMode is true.
	EncoderFactory func(cfg Config) (Encoder, error)
}

func (c *Config) applyDefaults() {
	if c.MaxOutputQueuePackets <= 0 {
		c.MaxOutputQueuePackets = 100
	}
	if c.OutputQueueHighWater <= 0 {
		c.OutputQueueHighWater = 80
	}
	if c.SendBufferBytes <= 0 {
		c.SendBufferBytes = 256 * 1024
	}
	if c.AcceptPollInterval <= 0 {
		c.AcceptPollInterval = 100 * time.Millisecond
	}
	if c.StopFlagPollInterval <= 0 {
		c.StopFlagPollInterval = 10 * time.Millisecond
	}
	if c.StopDrainBudget <= 0 {
		c.StopDrainBudget = time.Second
	}
	if c.UnderflowPolicy == "" {
		c.UnderflowPolicy = UnderflowFreezeLastFrame
	}
	if c.GOPSize <= 0 {
		c.GOPSize = 30
	}
	if c.VideoCodec == "" {
		c.VideoCodec = codec.VideoH264
	}
	if c.HWAccel == "" {
		c.HWAccel = codec.HWAccelNone
	}
}

// Stats holds the sink's running counters.
type Stats struct {
	FramesEncoded    atomic.Int64
	FramesDropped    atomic.Int64
	LateFrameDrops   atomic.Int64
	EncodingErrors   atomic.Int64
	UnderflowCount   atomic.Int64
	CorrectionsTotal atomic.Int64
}

// Sink is the MPEG-TS specialized renderer.
type Sink struct {
	cfg    Config
	queue  *stagingqueue.Queue
	clock  masterclock.Clock
	logger *slog.Logger
	Stats  Stats

	listener    net.Listener
	rawListener net.Listener // unwrapped listener, for accept deadlines
	conn        net.Conn
	connMu      chan struct{} // 1-buffered mutex-like gate guarding conn field

	outQ    *outputQueue
	mux     *muxer
	encoder Encoder

	state atomic.Int32

	stopRequested atomic.Bool
	stopCh        chan struct{}
	acceptDone    chan struct{}
	workerDone    chan struct{}

	sinkStartUTCUs int64
	haveEpoch      atomic.Bool
}

// New constructs a Sink bound to queue and clock. Call Start to bind and
// spawn the accept/worker goroutines.
func New(cfg Config, queue *stagingqueue.Queue, clock masterclock.Clock, logger *slog.Logger) *Sink {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		cfg:        cfg,
		queue:      queue,
		clock:      clock,
		logger:     logger.With(slog.String("component", "mpegtssink")),
		outQ:       newOutputQueue(cfg.MaxOutputQueuePackets),
		connMu:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		acceptDone: make(chan struct{}),
		workerDone: make(chan struct{}),
	}
	s.connMu <- struct{}{}
	s.state.Store(int32(StateIdle))
	return s
}

// State returns the sink's current lifecycle state.
func (s *Sink) State() State {
	return State(s.state.Load())
}

// Start binds the listening endpoint and spawns the accept and worker
// goroutines.
func (s *Sink) Start(ctx context.Context) error {
	if st := s.cfg.VideoCodec.MPEGTSStreamType(); st != codec.StreamTypeH264 {
		s.state.Store(int32(StateError))
		return playouterr.New(playouterr.KindInternal,
			fmt.Sprintf("mpegts sink only muxes h264 video, configured codec %q is not supported", s.cfg.VideoCodec))
	}

	listener, err := s.bind()
	if err != nil {
		s.state.Store(int32(StateError))
		return playouterr.Wrap(playouterr.KindIoError, "binding mpegts sink listener", err)
	}
	s.rawListener = listener
	s.listener = netutil.LimitListener(listener, 1)
	s.state.Store(int32(StateWaitingForClient))

	encoder, err := s.buildEncoder()
	if err != nil {
		s.state.Store(int32(StateError))
		return playouterr.Wrap(playouterr.KindIoError, "constructing encoder", err)
	}
	s.encoder = encoder
	s.mux = newMuxer(&connWriter{s: s}, s.cfg.EnableAudio)

	go s.acceptLoop(ctx)
	go s.workerLoop(ctx)
	return nil
}

func (s *Sink) buildEncoder() (Encoder, error) {
	if s.cfg.StubMode {
		return newStubEncoder(s.cfg.GOPSize), nil
	}
	if s.cfg.EncoderFactory == nil {
		name := codec.GetVideoEncoder(s.cfg.VideoCodec, s.cfg.HWAccel)
		return nil, playouterr.New(playouterr.KindInternal,
			fmt.Sprintf("no encoder factory configured for real-mode sink (resolved encoder %q)", name))
	}
	return s.cfg.EncoderFactory(s.cfg)
}

func (s *Sink) bind() (net.Listener, error) {
	if s.cfg.UDSSocketPath != "" {
		return s.bindUDS()
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.BindHost, s.cfg.Port)
	return net.Listen("tcp", addr)
}

func (s *Sink) bindUDS() (net.Listener, error) {
	path := s.cfg.UDSSocketPath
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating uds parent dir: %w", err)
	}
	_ = os.Remove(path) // unlink any stale socket file
	return net.Listen("unix", path)
}

// deadlineListener is implemented by net.TCPListener and net.UnixListener,
// allowing the accept loop to poll at bounded intervals rather than
// blocking forever on Accept.
type deadlineListener interface {
	SetDeadline(t time.Time) error
}

func (s *Sink) acceptLoop(ctx context.Context) {
	defer close(s.acceptDone)
	dl, hasDeadline := s.rawListener.(deadlineListener)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if hasDeadline {
			_ = dl.SetDeadline(time.Now().Add(s.cfg.AcceptPollInterval))
		}
		conn, err := s.listener.Accept()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if s.stopRequested.Load() {
				return
			}
			s.logger.Warn("accept failed", slog.String("error", err.Error()))
			continue
		}

		if err := raiseSendBuffer(conn, s.cfg.SendBufferBytes); err != nil {
			s.logger.Warn("failed to raise send buffer", slog.String("error", err.Error()))
		}

		<-s.connMu
		s.conn = conn
		s.connMu <- struct{}{}
		s.state.Store(int32(StateRunning))
		s.logger.Info("mpegts client connected")
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func raiseSendBuffer(conn net.Conn, bytes int) error {
	type sndbufSetter interface {
		SetWriteBuffer(int) error
	}
	if setter, ok := conn.(sndbufSetter); ok {
		return setter.SetWriteBuffer(bytes)
	}
	return nil
}

// connWriter adapts the sink's current client connection to io.Writer for
// the muxer, enqueuing each muxer call's bytes as one atomic output-queue
// entry rather than writing directly — the worker goroutine owns the
// socket write path so continuity-counter ordering is preserved.
type connWriter struct {
	s *Sink
}

func (w *connWriter) Write(p []byte) (int, error) {
	buf := append([]byte(nil), p...)
	if w.s.outQ.push(buf) {
		w.s.logger.Debug("output queue overflow, dropped oldest packet run")
	}
	return len(p), nil
}

// Addr returns the sink's bound listener address. Only valid after Start
// has succeeded.
func (s *Sink) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// setConnForTest installs conn as the current client connection, bypassing
// the accept loop. Exported within the package only, for tests that drive
// runIteration/gracefulStop directly against a net.Pipe half.
func (s *Sink) setConnForTest(conn net.Conn) {
	<-s.connMu
	s.conn = conn
	s.connMu <- struct{}{}
	s.state.Store(int32(StateRunning))
}

func (s *Sink) currentConn() net.Conn {
	<-s.connMu
	c := s.conn
	s.connMu <- struct{}{}
	return c
}

func (s *Sink) clearConn() {
	<-s.connMu
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.connMu <- struct{}{}
}

// writeAll performs a blocking, atomic, in-order write of data to conn,
// retrying only on temporary interruption; any other error tears down the
// connection.
func writeAll(conn net.Conn, data []byte) error {
	for len(data) > 0 {
		n, err := conn.Write(data)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() { //nolint:staticcheck // explicit retry-on-temporary per the muxer write contract
				continue
			}
			return err
		}
		data = data[n:]
	}
	return nil
}

func (s *Sink) workerLoop(ctx context.Context) {
	defer close(s.workerDone)

	for {
		if s.stopRequested.Load() {
			s.gracefulStop()
			return
		}
		select {
		case <-ctx.Done():
			s.gracefulStop()
			return
		default:
		}
		s.runIteration(ctx)
	}
}

// runIteration executes one pass of the worker's 9-step algorithm: drain
// queued output, apply flow control, and pace/emit at most one staged
// frame. Split out from workerLoop so it can be driven directly in tests.
func (s *Sink) runIteration(ctx context.Context) {
	s.drainOutputQueue()

	if s.outQ.len() >= s.cfg.OutputQueueHighWater {
		time.Sleep(s.cfg.StopFlagPollInterval)
		return
	}

	f, ok := s.queue.Peek()
	if !ok {
		s.Stats.UnderflowCount.Add(1)
		time.Sleep(5 * time.Millisecond) // real-time sleep, not master-clock wait, to avoid deadlock with an absent producer
		return
	}

	if !s.haveEpoch.Load() {
		s.sinkStartUTCUs = s.clock.NowUTCMicros() - f.PTS
		s.haveEpoch.Store(true)
	}

	deadline := s.sinkStartUTCUs + f.PTS
	now := s.clock.NowUTCMicros()
	gap := now - deadline

	switch {
	case gap < -5000:
		_ = s.clock.WaitUntilUTCMicros(ctx, deadline-500)
	case gap > 50000:
		s.queue.Pop()
		s.Stats.FramesDropped.Add(1)
		s.Stats.LateFrameDrops.Add(1)
		s.Stats.CorrectionsTotal.Add(1)
	default:
		s.emit(f)
	}
}

func (s *Sink) emit(f frame.Frame) {
	s.queue.Pop()

	if s.currentConn() == nil {
		// No client connected: drop silently, frame never reaches the
		// encoder/mux pipeline.
		return
	}

	accessUnit, keyframe, err := s.encoder.Encode(f)
	if err != nil {
		s.Stats.EncodingErrors.Add(1)
		return
	}
	_ = keyframe

	pts90 := f.PTS90kHz()
	dts90 := f.DTS * 90000 / 1_000_000
	if err := s.mux.writeVideo(pts90, dts90, accessUnit); err != nil {
		s.Stats.EncodingErrors.Add(1)
		return
	}
	s.Stats.FramesEncoded.Add(1)
}

// drainOutputQueue writes every currently-queued byte-run to the connected
// client, in order, atomically per entry.
func (s *Sink) drainOutputQueue() {
	conn := s.currentConn()
	if conn == nil {
		return
	}
	for {
		items := s.outQ.drain(16)
		if len(items) == 0 {
			return
		}
		for _, item := range items {
			if err := writeAll(conn, item); err != nil {
				s.logger.Warn("client write failed, tearing down connection", slog.String("error", err.Error()))
				s.clearConn()
				s.state.Store(int32(StateWaitingForClient))
				return
			}
		}
	}
}

// gracefulStop implements the §4.5 stop sequence: drain the encoder,
// drain the output queue up to the stop budget, write a trailing null
// packet to guarantee the byte count is a multiple of 188, then tear down
// sockets.
func (s *Sink) gracefulStop() {
	deadline := time.Now().Add(s.cfg.StopDrainBudget)
	for time.Now().Before(deadline) {
		s.drainOutputQueue()
		if s.outQ.len() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if conn := s.currentConn(); conn != nil {
		_ = writeAll(conn, nullTSPacket())
	}

	if s.encoder != nil {
		_ = s.encoder.Close()
	}
	s.clearConn()
	s.state.Store(int32(StateStopped))
}

// Stop requests the accept and worker goroutines to exit, waits for the
// graceful stop sequence, then closes the listener and unlinks any UDS
// path.
func (s *Sink) Stop() {
	if !s.stopRequested.CompareAndSwap(false, true) {
		return
	}
	close(s.stopCh)
	<-s.workerDone
	<-s.acceptDone

	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.cfg.UDSSocketPath != "" {
		_ = os.Remove(s.cfg.UDSSocketPath)
	}
}

var _ io.Writer = (*connWriter)(nil)
