// Package producer drives the decode thread that resolves an asset into a
// sequence of frames and pushes them into a channel's staging queue,
// respecting backpressure and supporting a shadow-decode priming mode.
package producer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/retrovue-playoutd/internal/frame"
	"github.com/jmylchreest/retrovue-playoutd/internal/playouterr"
	"github.com/jmylchreest/retrovue-playoutd/internal/stagingqueue"
)

// EventKind identifies an observable producer lifecycle event.
type EventKind string

const (
	EventShadowDecodeReady EventKind = "shadow_decode_ready"
	EventFirstFrame        EventKind = "first_frame"
	EventEndOfStream       EventKind = "end_of_stream"
	EventDecodeError       EventKind = "decode_error"
)

// Event is published on the producer's Events channel as the decode loop
// progresses.
type Event struct {
	Kind EventKind
	Err  error
}

// Decoder abstracts the external demux/decode library binding (out of
// scope per the playout engine's contract; §6 external collaborator). A
// Decoder yields one frame per call, or io.EOF-equivalent via ok=false with
// a nil error at end of stream.
type Decoder interface {
	// Decode returns the next frame, or ok=false at end of stream. A
	// non-nil error with ok=false indicates a decode failure.
	Decode() (f frame.Frame, ok bool, err error)
	// Close releases decoder resources.
	Close() error
}

// Config configures a Producer instance.
type Config struct {
	AssetURI         string
	AssetID          string
	TargetWidth      int
	TargetHeight     int
	TargetFPS        float64
	StubMode         bool
	HWAccelEnabled   bool
	MaxDecodeThreads int
	PushBackoff      time.Duration
	TeardownDeadline time.Duration

	// StartPTS, when non-zero, is the PTS the first produced frame must
	// carry. Used for seamless preview->live PTS-contiguous promotion
	// (§4.7): the new live producer continues the sequence from
	// P_last + 1 frame_duration rather than restarting at 0.
	StartPTS int64

	// DecoderFactory constructs the real-mode Decoder. Ignored when
	// StubMode is true. Required in real mode.
	DecoderFactory func(cfg Config) (Decoder, error)
}

// Producer drives one decode loop: construct, Start, optionally
// EnterShadowMode before Start, ExitShadowMode to begin pushing live,
// RequestTeardown/Stop to tear down.
type Producer struct {
	cfg    Config
	queue  *stagingqueue.Queue
	logger *slog.Logger

	events chan Event

	running atomic.Bool
	shadow  atomic.Bool
	stopped atomic.Bool

	producedCount   atomic.Int64
	bufferFullCount atomic.Int64
	decodeErrors    atomic.Int64
	lastEmittedPTS  atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}

	wg sync.Mutex // guards Start/Stop against concurrent lifecycle calls
}

// New constructs a Producer bound to queue. It does not start decoding.
func New(cfg Config, queue *stagingqueue.Queue, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PushBackoff <= 0 {
		cfg.PushBackoff = 5 * time.Millisecond
	}
	if cfg.TeardownDeadline <= 0 {
		cfg.TeardownDeadline = 3 * time.Second
	}
	return &Producer{
		cfg:    cfg,
		queue:  queue,
		logger: logger.With(slog.String("component", "producer"), slog.String("asset_id", cfg.AssetID)),
		events: make(chan Event, 16),
	}
}

// Events returns the channel on which lifecycle events are published.
// Never closed by the producer; the caller stops reading once it has
// observed EventEndOfStream or has stopped the producer.
func (p *Producer) Events() <-chan Event {
	return p.events
}

// EnterShadowMode marks the producer to decode without pushing to the live
// queue until ExitShadowMode is called. Must be called before Start.
func (p *Producer) EnterShadowMode() {
	p.shadow.Store(true)
}

// ExitShadowMode promotes a shadow-decoding producer to live: subsequent
// frames are pushed to the queue starting at startPTS, continuing the PTS
// sequence of whatever producer preceded it.
func (p *Producer) ExitShadowMode(startPTS int64) {
	p.cfg.StartPTS = startPTS
	p.shadow.Store(false)
}

// IsShadow reports whether the producer is currently in shadow mode.
func (p *Producer) IsShadow() bool {
	return p.shadow.Load()
}

// Start spawns the decode goroutine. Returns an error if already running.
func (p *Producer) Start(ctx context.Context) error {
	p.wg.Lock()
	defer p.wg.Unlock()

	if !p.running.CompareAndSwap(false, true) {
		return playouterr.New(playouterr.KindInternal, "producer already running")
	}

	decoder, err := p.buildDecoder()
	if err != nil {
		p.running.Store(false)
		return playouterr.Wrap(playouterr.KindDecodeFailed, "constructing decoder", err)
	}

	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go p.run(ctx, decoder)
	return nil
}

func (p *Producer) buildDecoder() (Decoder, error) {
	if p.cfg.StubMode {
		return newStubDecoder(p.cfg), nil
	}
	if p.cfg.DecoderFactory == nil {
		return nil, playouterr.New(playouterr.KindDecodeFailed, "no decoder factory configured for real-mode producer")
	}
	return p.cfg.DecoderFactory(p.cfg)
}

const maxConsecutiveDecodeErrors = 10

func (p *Producer) run(ctx context.Context, decoder Decoder) {
	defer close(p.doneCh)
	defer func() {
		if err := decoder.Close(); err != nil {
			p.logger.Warn("decoder close failed", slog.String("error", err.Error()))
		}
	}()
	defer p.running.Store(false)

	if p.shadow.Load() {
		// Prime the pipeline: decode and discard the first frame before
		// signalling readiness, matching the "first keyframe decoded, codec
		// context warm" contract.
		if _, ok, err := decoder.Decode(); err != nil || !ok {
			p.emitEvent(Event{Kind: EventDecodeError, Err: err})
			return
		}
		p.emitEvent(Event{Kind: EventShadowDecodeReady})
	}

	firstFrameSeen := false
	consecutiveErrors := 0
	var ptsOffset int64 // shifts decoder timestamps so live output continues from StartPTS

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		f, ok, err := decoder.Decode()
		if err != nil {
			consecutiveErrors++
			p.decodeErrors.Add(1)
			p.emitEvent(Event{Kind: EventDecodeError, Err: err})
			if consecutiveErrors >= maxConsecutiveDecodeErrors {
				p.logger.Error("producer exceeded decode error threshold", slog.Int("errors", consecutiveErrors))
				return
			}
			continue
		}
		if !ok {
			p.emitEvent(Event{Kind: EventEndOfStream})
			return
		}
		consecutiveErrors = 0

		if p.shadow.Load() {
			// Shadow mode decodes but never pushes or advances PTS state
			// visible to the renderer.
			continue
		}

		if p.cfg.StartPTS != 0 && !firstFrameSeen {
			ptsOffset = p.cfg.StartPTS - f.PTS
		}
		f.PTS += ptsOffset
		f.DTS += ptsOffset

		if !firstFrameSeen {
			firstFrameSeen = true
			p.emitEvent(Event{Kind: EventFirstFrame})
		}

		for {
			if p.queue.Push(f) {
				p.producedCount.Add(1)
				p.lastEmittedPTS.Store(f.PTS)
				break
			}
			p.bufferFullCount.Add(1)
			select {
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PushBackoff):
			}
		}
	}
}

func (p *Producer) emitEvent(e Event) {
	select {
	case p.events <- e:
	default:
		p.logger.Warn("dropping producer event, channel full", slog.String("kind", string(e.Kind)))
	}
}

// Stop requests the decode goroutine to exit and blocks until it has.
func (p *Producer) Stop() {
	p.wg.Lock()
	defer p.wg.Unlock()
	if p.stopped.CompareAndSwap(false, true) {
		close(p.stopCh)
	}
	<-p.doneCh
}

// RequestTeardown signals stop and blocks until the decode goroutine exits.
// If it does not exit within the deadline, it is considered force-stopped:
// RequestTeardown logs a warning, still returns only once the goroutine
// actually exits (it cannot truly be killed from outside), and then returns
// a DeadlineExceeded error for the caller to surface.
func (p *Producer) RequestTeardown(deadline time.Duration) error {
	if deadline <= 0 {
		deadline = p.cfg.TeardownDeadline
	}
	p.wg.Lock()
	if p.stopped.CompareAndSwap(false, true) {
		close(p.stopCh)
	}
	p.wg.Unlock()

	select {
	case <-p.doneCh:
		return nil
	case <-time.After(deadline):
		p.logger.Warn("producer teardown exceeded deadline, forced", slog.Duration("deadline", deadline))
		<-p.doneCh // the goroutine still exits once decoder.Decode() returns control
		return playouterr.New(playouterr.KindDeadlineExceeded, "producer teardown exceeded deadline")
	}
}

// LastEmittedPTS returns the PTS of the most recently pushed frame, used by
// the channel state machine to compute the contiguous start PTS for a
// preview->live promotion.
func (p *Producer) LastEmittedPTS() int64 {
	return p.lastEmittedPTS.Load()
}

// ProducedCount returns the cumulative count of frames successfully pushed.
func (p *Producer) ProducedCount() int64 {
	return p.producedCount.Load()
}

// BufferFullCount returns the cumulative count of push-on-full backoffs.
func (p *Producer) BufferFullCount() int64 {
	return p.bufferFullCount.Load()
}

// DecodeErrorCount returns the cumulative count of recoverable decode
// errors observed.
func (p *Producer) DecodeErrorCount() int64 {
	return p.decodeErrors.Load()
}

// Running reports whether the decode goroutine is currently active.
func (p *Producer) Running() bool {
	return p.running.Load()
}
