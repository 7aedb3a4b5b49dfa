// Package channelfsm implements the per-channel lifecycle state machine:
// the states a channel moves through from creation to teardown, and the
// preview/live producer-slot operations that drive a PTS-contiguous
// seamless switch.
package channelfsm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/retrovue-playoutd/internal/masterclock"
	"github.com/jmylchreest/retrovue-playoutd/internal/playouterr"
	"github.com/jmylchreest/retrovue-playoutd/internal/producer"
	"github.com/jmylchreest/retrovue-playoutd/internal/stagingqueue"
)

// defaultShadowDecodeWait is used when a Machine is constructed with a
// non-positive wait, mirroring config.defaultShadowDecodeWait.
const defaultShadowDecodeWait = 5 * time.Second

// State is one of the channel lifecycle states.
type State string

const (
	StateIdle      State = "idle"
	StateBuffering State = "buffering"
	StateReady     State = "ready"
	StatePlaying   State = "playing"
	StatePaused    State = "paused"
	StateStopping  State = "stopping"
	StateError     State = "error"
)

// Event is a lifecycle event fired into the state machine.
type Event string

const (
	EventBeginSession          Event = "begin_session"
	EventBufferDepthReady      Event = "buffer_depth_ready"
	EventPlay                  Event = "play"
	EventPause                 Event = "pause"
	EventBackPressureUnderrun  Event = "back_pressure_underrun"
	EventBackPressureCleared   Event = "back_pressure_cleared"
	EventStop                  Event = "stop"
	EventFatalError            Event = "fatal_error"
)

// ProducerFactory maps a (path, asset_id, queue, clock) tuple to a running
// producer — the injected factory the spec's slot operations require,
// keeping the FSM itself decoupled from how a producer is constructed.
type ProducerFactory func(path, assetID string, queue *stagingqueue.Queue, clock masterclock.Clock) (*producer.Producer, error)

// slot holds one producer along with the asset identity it was loaded for.
type slot struct {
	prod    *producer.Producer
	assetID string
	path    string
}

// Machine is one channel's lifecycle state machine plus its preview/live
// producer slots.
type Machine struct {
	mu    sync.Mutex
	state State
	prior State // state to restore to on BackPressureCleared

	sessionID   string
	requestedAt time.Time

	live    *slot
	preview *slot

	factory ProducerFactory
	queue   *stagingqueue.Queue
	clock   masterclock.Clock
	logger  *slog.Logger

	// shadowDecodeWait bounds how long LoadPreviewAsset waits for the
	// producer's EventShadowDecodeReady before giving up (§4.3, §7).
	shadowDecodeWait time.Duration

	fatalReason error
}

// New constructs a Machine in state Idle. shadowDecodeWait bounds the
// preview-priming wait in LoadPreviewAsset; a non-positive value falls back
// to defaultShadowDecodeWait.
func New(factory ProducerFactory, queue *stagingqueue.Queue, clock masterclock.Clock, shadowDecodeWait time.Duration, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if shadowDecodeWait <= 0 {
		shadowDecodeWait = defaultShadowDecodeWait
	}
	return &Machine{
		state:            StateIdle,
		factory:          factory,
		queue:            queue,
		clock:            clock,
		shadowDecodeWait: shadowDecodeWait,
		logger:           logger.With(slog.String("component", "channelfsm")),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// FatalReason returns the error that drove the machine into StateError, if
// any.
func (m *Machine) FatalReason() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatalReason
}

// Fire applies one transition-table event. Events that have no transition
// from the current state are silently ignored, matching the table in
// §4.7: only the listed (from, event) pairs are meaningful.
func (m *Machine) Fire(event Event, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	switch event {
	case EventBeginSession:
		if from == StateIdle {
			m.sessionID = sessionID
			m.requestedAt = time.Now().UTC()
			m.state = StateBuffering
		}
	case EventBufferDepthReady:
		if from == StateBuffering {
			m.state = StateReady
		}
	case EventPlay:
		if from == StateReady || from == StatePaused {
			m.state = StatePlaying
		}
	case EventPause:
		if from == StatePlaying {
			m.state = StatePaused
		}
	case EventBackPressureUnderrun:
		if m.isActive(from) {
			m.prior = from
			m.state = StateBuffering
		}
	case EventBackPressureCleared:
		if from == StateBuffering && m.prior != "" {
			m.state = m.prior
			m.prior = ""
		}
	case EventStop:
		m.state = StateStopping
	case EventFatalError:
		m.state = StateError
	}

	if m.state != from {
		m.logger.Info("channel state transition",
			slog.String("event", string(event)),
			slog.String("from", string(from)),
			slog.String("to", string(m.state)))
	}
}

// FailFatal drives the machine into StateError, recording reason for
// FatalReason. Used by callers (orchestration, sink) that detect a
// hard failure rather than firing a plain Event.
func (m *Machine) FailFatal(reason error) {
	m.mu.Lock()
	m.fatalReason = reason
	m.state = StateError
	m.mu.Unlock()
	m.logger.Error("channel entered error state", slog.String("reason", reason.Error()))
}

func (m *Machine) isActive(s State) bool {
	switch s {
	case StateBuffering, StateReady, StatePlaying, StatePaused:
		return true
	default:
		return false
	}
}

// StartInitialLive constructs and starts a producer directly in the live
// slot, bypassing shadow-decode priming. StartChannel no longer calls this
// for its first asset (it synthesizes a LoadPreviewAsset+SwitchToLive pair
// instead, per §4.3/§9); this remains a Machine primitive for callers, such
// as ReplaceLive's own tests, that need a live producer seeded without the
// preview dance. Fails with FailedPrecondition if a live producer is already
// running.
func (m *Machine) StartInitialLive(ctx context.Context, path, assetID string) error {
	m.mu.Lock()
	if m.live != nil {
		m.mu.Unlock()
		return playouterr.New(playouterr.KindFailedPrecondition, "live slot already occupied")
	}
	m.mu.Unlock()

	prod, err := m.factory(path, assetID, m.queue, m.clock)
	if err != nil {
		return playouterr.Wrap(playouterr.KindDecodeFailed, "constructing initial producer", err)
	}
	if err := prod.Start(ctx); err != nil {
		return playouterr.Wrap(playouterr.KindInternal, "starting initial producer", err)
	}

	m.mu.Lock()
	m.live = &slot{prod: prod, assetID: assetID, path: path}
	m.mu.Unlock()
	return nil
}

// LoadPreviewAsset instantiates a producer for (path, assetID) via the
// injected factory, stores it in the preview slot in shadow mode, and
// starts it. Fails with FailedPrecondition if a preview is already loaded.
func (m *Machine) LoadPreviewAsset(ctx context.Context, path, assetID string) error {
	m.mu.Lock()
	if m.preview != nil {
		m.mu.Unlock()
		return playouterr.New(playouterr.KindFailedPrecondition, "preview slot already occupied")
	}
	m.mu.Unlock()

	prod, err := m.factory(path, assetID, m.queue, m.clock)
	if err != nil {
		return playouterr.Wrap(playouterr.KindDecodeFailed, "constructing preview producer", err)
	}
	prod.EnterShadowMode()

	if err := prod.Start(ctx); err != nil {
		return playouterr.Wrap(playouterr.KindInternal, "starting preview producer", err)
	}

	if err := m.waitShadowDecodeReady(prod); err != nil {
		prod.Stop()
		return err
	}

	m.mu.Lock()
	m.preview = &slot{prod: prod, assetID: assetID, path: path}
	m.mu.Unlock()
	return nil
}

// waitShadowDecodeReady blocks until prod reports its first keyframe decoded
// and codec context warm (§4.3), or returns DeadlineExceeded once
// shadowDecodeWait elapses without that signal — the "no cold-start latency"
// guarantee shadow mode exists for would otherwise be unenforced.
func (m *Machine) waitShadowDecodeReady(prod *producer.Producer) error {
	timer := time.NewTimer(m.shadowDecodeWait)
	defer timer.Stop()
	for {
		select {
		case ev := <-prod.Events():
			switch ev.Kind {
			case producer.EventShadowDecodeReady:
				return nil
			case producer.EventDecodeError:
				return playouterr.Wrap(playouterr.KindDecodeFailed, "preview producer failed while priming shadow mode", ev.Err)
			}
		case <-timer.C:
			return playouterr.New(playouterr.KindDeadlineExceeded, "shadow-decode wait exceeded timeout")
		}
	}
}

// ActivatePreviewAsLive atomically promotes the preview slot to live with
// PTS alignment, per §4.7:
//  1. read the live producer's last-emitted PTS,
//  2. instruct the preview producer to exit shadow mode at P_last + 1
//     frame duration,
//  3. stop the previous live producer,
//  4. move preview -> live, clear preview.
//
// frameDurationUs is the nominal frame duration in microseconds used to
// compute the contiguous starting PTS. Returns the PTS the newly-live
// producer started at.
func (m *Machine) ActivatePreviewAsLive(frameDurationUs int64) (int64, error) {
	m.mu.Lock()
	preview := m.preview
	prevLive := m.live
	m.mu.Unlock()

	if preview == nil {
		return 0, playouterr.New(playouterr.KindFailedPrecondition, "no preview slot to activate")
	}

	var pNext int64
	if prevLive != nil {
		pNext = prevLive.prod.LastEmittedPTS() + frameDurationUs
	}

	preview.prod.ExitShadowMode(pNext)

	if prevLive != nil {
		prevLive.prod.Stop()
	}

	m.mu.Lock()
	m.live = preview
	m.preview = nil
	m.mu.Unlock()

	return pNext, nil
}

// SwitchToLive validates the requested assetID matches the preview slot's
// asset before delegating to ActivatePreviewAsLive, per §4.8.
func (m *Machine) SwitchToLive(assetID string, frameDurationUs int64) (int64, error) {
	m.mu.Lock()
	preview := m.preview
	m.mu.Unlock()

	if preview == nil {
		return 0, playouterr.New(playouterr.KindFailedPrecondition, "no preview loaded")
	}
	if preview.assetID != assetID {
		return 0, playouterr.New(playouterr.KindFailedPrecondition,
			fmt.Sprintf("asset id mismatch: preview has %q, requested %q", preview.assetID, assetID))
	}
	return m.ActivatePreviewAsLive(frameDurationUs)
}

// LiveProducer returns the currently-live slot's producer, or nil.
func (m *Machine) LiveProducer() *producer.Producer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live == nil {
		return nil
	}
	return m.live.prod
}

// PreviewProducer returns the currently-loaded preview slot's producer, or
// nil.
func (m *Machine) PreviewProducer() *producer.Producer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.preview == nil {
		return nil
	}
	return m.preview.prod
}

// ReplaceLive implements update_plan's hot-swap (§4.8): stop the current
// live producer, clear the staging queue, and start a fresh producer for
// (path, assetID) directly into the live slot. Unlike
// ActivatePreviewAsLive this is not PTS-contiguous — the queue is dropped
// and the new producer starts from its own PTS origin, matching
// update_plan's plain restart semantics rather than switch_to_live's
// seamless handoff.
func (m *Machine) ReplaceLive(ctx context.Context, path, assetID string) error {
	m.mu.Lock()
	prevLive := m.live
	m.mu.Unlock()

	if prevLive != nil {
		prevLive.prod.Stop()
	}
	m.queue.Clear()

	prod, err := m.factory(path, assetID, m.queue, m.clock)
	if err != nil {
		return playouterr.Wrap(playouterr.KindDecodeFailed, "constructing replacement producer", err)
	}
	if err := prod.Start(ctx); err != nil {
		return playouterr.Wrap(playouterr.KindInternal, "starting replacement producer", err)
	}

	m.mu.Lock()
	m.live = &slot{prod: prod, assetID: assetID, path: path}
	m.mu.Unlock()
	return nil
}

// StopAll stops both slots' producers, used by the control-plane adapter's
// teardown sequence.
func (m *Machine) StopAll() {
	m.mu.Lock()
	live, preview := m.live, m.preview
	m.live, m.preview = nil, nil
	m.mu.Unlock()

	if live != nil {
		live.prod.Stop()
	}
	if preview != nil {
		preview.prod.Stop()
	}
}
