// Package engine wires together one channel's full pipeline — staging
// queue, master clock, channel state machine, MPEG-TS sink, and
// orchestration loop — and coordinates their goroutines with an
// errgroup. It is the concrete ChannelStarter the control-plane adapter
// dispatches into, and owns the active-channel map.
package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/retrovue-playoutd/internal/channelfsm"
	"github.com/jmylchreest/retrovue-playoutd/internal/codec"
	"github.com/jmylchreest/retrovue-playoutd/internal/config"
	"github.com/jmylchreest/retrovue-playoutd/internal/controlplane"
	"github.com/jmylchreest/retrovue-playoutd/internal/masterclock"
	"github.com/jmylchreest/retrovue-playoutd/internal/mpegtssink"
	"github.com/jmylchreest/retrovue-playoutd/internal/orchestration"
	"github.com/jmylchreest/retrovue-playoutd/internal/playouterr"
	"github.com/jmylchreest/retrovue-playoutd/internal/producer"
	"github.com/jmylchreest/retrovue-playoutd/internal/stagingqueue"
)

// readyThresholdFrames is the default buffer depth, in frames, at which
// Buffering -> Ready fires (§4.7). Roughly one second of video at the
// default target fps; capped at the channel's queue capacity.
const readyThresholdFrames = 30

// Engine owns every active channel's worker and the shared goroutine
// group they run under.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger
	group  *errgroup.Group
	gctx   context.Context

	mu       sync.Mutex
	channels map[int32]*worker
}

// worker is the engine's concrete backing for a controlplane.Channel.
type worker struct {
	id        int32
	sessionID ulid.ULID // distinguishes successive start/stop cycles of the same channel id in logs
	queue     *stagingqueue.Queue
	clock     masterclock.Clock
	fsm       *channelfsm.Machine
	sink      *mpegtssink.Sink
	orch      *orchestration.Loop
	cancel    context.CancelFunc
	done      chan struct{}
}

// New constructs an Engine bound to cfg. Pass the parent context the
// engine's goroutines should be tied to (process lifetime).
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	g, gctx := errgroup.WithContext(ctx)
	return &Engine{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "engine")),
		group:    g,
		gctx:     gctx,
		channels: make(map[int32]*worker),
	}
}

// Wait blocks until every channel's goroutines have exited (normally only
// reached at process shutdown).
func (e *Engine) Wait() error {
	return e.group.Wait()
}

// metricsSink is implemented by internal/metrics.Registry; kept as a
// local alias of orchestration.Sink so callers needn't import metrics
// just to pass nil in tests.
type metricsSink = orchestration.Sink

// Start constructs a channel worker for channelID and satisfies
// controlplane.ChannelStarter. It is a method value (e.Start) rather than
// a free function so it can reach the engine's shared errgroup/context and
// active-channel map.
func (e *Engine) Start(ctx context.Context, channelID int32, path, assetID string, port int32, udsPath string) (*controlplane.Channel, error) {
	return e.StartWithMetrics(ctx, channelID, path, assetID, port, udsPath, nil)
}

// StartWithMetrics is Start with an explicit metrics sink for the
// orchestration loop to publish ticks to.
func (e *Engine) StartWithMetrics(ctx context.Context, channelID int32, path, assetID string, port int32, udsPath string, metrics metricsSink) (*controlplane.Channel, error) {
	e.mu.Lock()
	if _, exists := e.channels[channelID]; exists {
		e.mu.Unlock()
		return nil, playouterr.New(playouterr.KindAlreadyExists, fmt.Sprintf("channel %d already active", channelID))
	}
	e.mu.Unlock()

	queue := stagingqueue.New(e.cfg.Queue.Capacity)
	epochUTCUs := time.Now().UTC().UnixMicro()
	clock := masterclock.NewReal(epochUTCUs, 0)

	pCfg := e.cfg.Producer
	factory := func(p, assetID string, q *stagingqueue.Queue, c masterclock.Clock) (*producer.Producer, error) {
		cfg := producer.Config{
			AssetURI: p, AssetID: assetID,
			TargetWidth: pCfg.TargetWidth, TargetHeight: pCfg.TargetHeight, TargetFPS: pCfg.TargetFPS,
			StubMode: pCfg.StubMode, HWAccelEnabled: pCfg.HWAccelEnabled,
			MaxDecodeThreads: pCfg.MaxDecodeThreads, PushBackoff: pCfg.PushBackoff,
			TeardownDeadline: pCfg.TeardownDeadline,
		}
		return producer.New(cfg, q, e.logger), nil
	}

	sessionID := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader)
	logger := e.logger.With(slog.Int("channel_id", int(channelID)), slog.String("session_id", sessionID.String()))
	fsm := channelfsm.New(factory, queue, clock, pCfg.ShadowDecodeWait, logger)
	fsm.Fire(channelfsm.EventBeginSession, fmt.Sprintf("channel-%d", channelID))

	frameDurationUs := int64(1_000_000 / pCfg.TargetFPS)

	// The producer runs under the worker's context, not the caller's ctx,
	// so it outlives the StartChannel call.
	workerCtx, cancel := context.WithCancel(e.gctx)

	// StartChannel has no separate preview step of its own, but the state
	// machine still requires every producer to shadow-prime before it goes
	// live (§4.3): synthesize the LoadPreview+SwitchToLive pair internally
	// rather than special-casing the first asset (§9).
	if err := fsm.LoadPreviewAsset(workerCtx, path, assetID); err != nil {
		cancel()
		return nil, err
	}
	if _, err := fsm.SwitchToLive(assetID, frameDurationUs); err != nil {
		cancel()
		fsm.StopAll()
		return nil, err
	}

	sCfg := e.cfg.Sink
	videoCodec, _ := codec.ParseVideo(sCfg.VideoCodec)
	hwAccel, _ := codec.ParseHWAccel(sCfg.HWAccel)
	sinkCfg := mpegtssink.Config{
		BindHost: sCfg.BindHost, Port: int(port), UDSSocketPath: udsPath,
		Bitrate: sCfg.Bitrate, VideoCodec: videoCodec, HWAccel: hwAccel,
		GOPSize: sCfg.GOPSize, EnableAudio: sCfg.EnableAudio,
		UnderflowPolicy: mpegtssink.UnderflowPolicy(sCfg.UnderflowPolicy), StubMode: pCfg.StubMode,
		MaxOutputQueuePackets: sCfg.MaxOutputQueuePackets, OutputQueueHighWater: sCfg.OutputQueueHighWater,
		SendBufferBytes: int(sCfg.SendBufferBytes), AcceptPollInterval: sCfg.AcceptPollInterval,
		StopFlagPollInterval: sCfg.StopFlagPollInterval, StopDrainBudget: sCfg.StopDrainBudget,
	}
	sink := mpegtssink.New(sinkCfg, queue, clock, logger)

	if err := sink.Start(workerCtx); err != nil {
		cancel()
		fsm.StopAll()
		return nil, playouterr.Wrap(playouterr.KindIoError, "starting mpegts sink", err)
	}

	oCfg := e.cfg.Orchestrator
	readyThreshold := readyThresholdFrames
	if c := queue.Capacity(); readyThreshold > c {
		readyThreshold = c // the queue can never hold more than its capacity
	}
	orch := orchestration.New(orchestration.Config{
		Interval: oCfg.TickInterval, MaxTickSkewMs: oCfg.MaxTickSkewMs, ReadyThreshold: readyThreshold,
	}, channelID, queue, clock, fsm, metrics, logger)

	done := make(chan struct{})
	w := &worker{id: channelID, sessionID: sessionID, queue: queue, clock: clock, fsm: fsm, sink: sink, orch: orch, cancel: cancel, done: done}

	e.group.Go(func() error {
		defer close(done)
		defer e.Remove(channelID)
		orch.Run(workerCtx)
		sink.Stop()
		return nil
	})

	e.mu.Lock()
	e.channels[channelID] = w
	e.mu.Unlock()

	return &controlplane.Channel{
		ID: channelID, FSM: fsm, Cancel: cancel, Stopped: done, FrameDurationUs: frameDurationUs,
	}, nil
}

// SwapPlan implements controlplane.PlanSwapper for this engine: it
// restarts ch's live producer against the new asset via the channel's
// state machine (§4.8 update_plan). The orchestration loop and sink keep
// running unchanged — ReplaceLive clears the staging queue under them, so
// the renderer simply observes an empty queue until the new producer
// catches up. The new producer runs under the engine's context rather than
// the request's ctx, so it outlives the UpdatePlan call.
func (e *Engine) SwapPlan(ctx context.Context, ch *controlplane.Channel, path, assetID string) error {
	return ch.FSM.ReplaceLive(e.gctx, path, assetID)
}

// Remove drops channelID from the engine's active set. Each channel's
// worker goroutine calls it on exit, before the channel's Stopped closes.
func (e *Engine) Remove(channelID int32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.channels, channelID)
}

// ActiveChannelIDs returns the ids of all currently active channels.
func (e *Engine) ActiveChannelIDs() []int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int32, 0, len(e.channels))
	for id := range e.channels {
		ids = append(ids, id)
	}
	return ids
}

// SessionID returns the ULID identifying channelID's current run (distinct
// across successive StartChannel/StopChannel cycles of the same channel
// id), or the zero ULID if channelID is not active.
func (e *Engine) SessionID(channelID int32) ulid.ULID {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.channels[channelID]
	if !ok {
		return ulid.ULID{}
	}
	return w.sessionID
}
