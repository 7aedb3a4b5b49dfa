// Package controlplane implements the transport-agnostic adapter that
// translates external lifecycle commands into channel state-machine and
// channel-worker calls. It is pure Go — no RPC framing lives here; see
// internal/transport/httpapi for the HTTP translation layer.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/retrovue-playoutd/internal/channelfsm"
	"github.com/jmylchreest/retrovue-playoutd/internal/playouterr"
)

// Version is the static control-plane API version returned by GetVersion.
// Bump on any schema-incompatible change to the command surface.
const Version = "1.0.0"

const (
	defaultReadyWait       = 2 * time.Second
	defaultTeardownDeadline = 3 * time.Second
)

// Channel is the subset of a running channel worker the adapter needs.
// internal/engine provides the concrete implementation backing each
// active channel.
type Channel struct {
	ID      int32
	FSM     *channelfsm.Machine
	Cancel  context.CancelFunc // stops the orchestration loop
	Stopped chan struct{}      // closed once the worker's goroutines have exited

	FrameDurationUs int64
}

// PlanResolver resolves a plan_handle to the asset path/id a producer
// factory needs. internal/planregistry provides the concrete
// implementation backed by the Plan Registry store.
type PlanResolver interface {
	Resolve(ctx context.Context, planHandle string) (path, assetID string, err error)
}

// ChannelStarter constructs and starts a new Channel for channelID,
// returning once its producer has begun buffering. internal/engine
// supplies this so the adapter stays decoupled from goroutine wiring.
type ChannelStarter func(ctx context.Context, channelID int32, path, assetID string, port int32, udsPath string) (*Channel, error)

// Adapter is the control-plane command dispatcher.
type Adapter struct {
	mu       sync.Mutex
	channels map[int32]*Channel

	resolver PlanResolver
	starter  ChannelStarter
	logger   *slog.Logger

	readyWait       time.Duration
	teardownDeadline time.Duration
}

// New constructs an Adapter.
func New(resolver PlanResolver, starter ChannelStarter, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		channels:        make(map[int32]*Channel),
		resolver:        resolver,
		starter:         starter,
		logger:          logger.With(slog.String("component", "controlplane")),
		readyWait:       defaultReadyWait,
		teardownDeadline: defaultTeardownDeadline,
	}
}

// StartChannelResult is the response shape for StartChannel.
type StartChannelResult struct {
	Success bool
	Message string
}

// StartChannel resolves plan_handle, constructs the channel worker, and
// waits up to readyWait for buffer depth to reach the ready threshold.
func (a *Adapter) StartChannel(ctx context.Context, channelID int32, planHandle string, port int32, udsPath string) (StartChannelResult, error) {
	a.mu.Lock()
	if _, exists := a.channels[channelID]; exists {
		a.mu.Unlock()
		return StartChannelResult{}, playouterr.New(playouterr.KindAlreadyExists, fmt.Sprintf("channel %d already active", channelID))
	}
	a.mu.Unlock()

	path, assetID, err := a.resolver.Resolve(ctx, planHandle)
	if err != nil {
		return StartChannelResult{}, playouterr.Wrap(playouterr.KindInternal, "resolving plan handle", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, a.readyWait)
	defer cancel()

	ch, err := a.starter(waitCtx, channelID, path, assetID, port, udsPath)
	if err != nil {
		return StartChannelResult{}, playouterr.Wrap(playouterr.KindInternal, "starting channel", err)
	}

	if err := a.waitReady(waitCtx, ch); err != nil {
		a.teardown(ch)
		return StartChannelResult{}, err
	}

	a.mu.Lock()
	a.channels[channelID] = ch
	a.mu.Unlock()

	return StartChannelResult{Success: true, Message: "channel started"}, nil
}

func (a *Adapter) waitReady(ctx context.Context, ch *Channel) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if ch.FSM.State() == channelfsm.StateReady || ch.FSM.State() == channelfsm.StatePlaying {
			return nil
		}
		select {
		case <-ctx.Done():
			return playouterr.New(playouterr.KindDeadlineExceeded, "timed out waiting for buffer ready")
		case <-ticker.C:
		}
	}
}

// UpdatePlan hot-swaps the running channel's asset via swap. The engine's
// SwapPlan stops the current producer, clears the queue and starts the new
// producer; orchestration and the sink keep running. The adapter's role is
// validation and resolving the new plan.
type PlanSwapper func(ctx context.Context, ch *Channel, path, assetID string) error

func (a *Adapter) UpdatePlan(ctx context.Context, channelID int32, planHandle string, swap PlanSwapper) error {
	ch, err := a.get(channelID)
	if err != nil {
		return err
	}
	path, assetID, err := a.resolver.Resolve(ctx, planHandle)
	if err != nil {
		return playouterr.Wrap(playouterr.KindInternal, "resolving plan handle", err)
	}
	return swap(ctx, ch, path, assetID)
}

// StopChannel runs the single authoritative teardown sequence (§4.8): fire
// Stop, cancel the channel (ending orchestration, after which the engine's
// worker stops the sink), stop all producers, wait up to the teardown
// deadline for the worker to exit, and remove the channel from the active
// set. The staging queue is not drained.
func (a *Adapter) StopChannel(channelID int32) error {
	ch, err := a.get(channelID)
	if err != nil {
		return err
	}
	a.teardown(ch)

	a.mu.Lock()
	delete(a.channels, channelID)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) teardown(ch *Channel) {
	ch.FSM.Fire(channelfsm.EventStop, "")
	if ch.Cancel != nil {
		ch.Cancel() // stops orchestration loop; the engine's worker stops renderer before producer
	}
	ch.FSM.StopAll()

	select {
	case <-ch.Stopped:
	case <-time.After(a.teardownDeadline):
		a.logger.Warn("forced teardown after deadline", slog.Int("channel_id", int(ch.ID)))
	}
}

// LoadPreviewResult is the response shape for LoadPreview.
type LoadPreviewResult struct {
	Success              bool
	Message              string
	ShadowDecodeStarted  bool
}

func (a *Adapter) LoadPreview(ctx context.Context, channelID int32, path, assetID string) (LoadPreviewResult, error) {
	ch, err := a.get(channelID)
	if err != nil {
		return LoadPreviewResult{}, err
	}
	// The preview producer outlives this request; teardown stops it via StopAll.
	if err := ch.FSM.LoadPreviewAsset(context.WithoutCancel(ctx), path, assetID); err != nil {
		return LoadPreviewResult{}, err
	}
	return LoadPreviewResult{Success: true, Message: "preview loaded", ShadowDecodeStarted: true}, nil
}

// SwitchToLiveResult is the response shape for SwitchToLive.
type SwitchToLiveResult struct {
	Success       bool
	Message       string
	PTSContiguous bool
	LiveStartPTS  int64
}

func (a *Adapter) SwitchToLive(channelID int32, assetID string) (SwitchToLiveResult, error) {
	ch, err := a.get(channelID)
	if err != nil {
		return SwitchToLiveResult{}, err
	}
	pts, err := ch.FSM.SwitchToLive(assetID, ch.FrameDurationUs)
	if err != nil {
		return SwitchToLiveResult{}, err
	}
	return SwitchToLiveResult{Success: true, Message: "switched to live", PTSContiguous: true, LiveStartPTS: pts}, nil
}

// GetVersion returns the static control-plane API version.
func (a *Adapter) GetVersion() string {
	return Version
}

func (a *Adapter) get(channelID int32) (*Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.channels[channelID]
	if !ok {
		return nil, playouterr.New(playouterr.KindNotFound, fmt.Sprintf("channel %d not found", channelID))
	}
	return ch, nil
}
