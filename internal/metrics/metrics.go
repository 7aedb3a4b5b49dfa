// Package metrics implements the Prometheus collector registry backing the
// playout engine's metrics endpoint (§6.2), plus ambient process gauges
// sampled on the orchestration tick.
package metrics

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/jmylchreest/retrovue-playoutd/internal/orchestration"
)

// ChannelState mirrors channelfsm.State as the small integer encoding the
// retrovue_playout_channel_state gauge requires.
type ChannelState int

const (
	ChannelStateStopped   ChannelState = 0
	ChannelStateBuffering ChannelState = 1
	ChannelStateReady     ChannelState = 2
	ChannelStateError     ChannelState = 3
)

// Registry wraps a prometheus.Registry with the five named series from
// §6.2, labeled by channel, plus process-level gauges.
type Registry struct {
	reg *prometheus.Registry

	channelState      *prometheus.GaugeVec
	bufferDepth       *prometheus.GaugeVec
	frameGapSeconds   *prometheus.GaugeVec
	decodeFailures    *prometheus.CounterVec
	correctionsTotal  *prometheus.CounterVec

	processCPUPercent prometheus.Gauge
	processRSSBytes   prometheus.Gauge

	proc *process.Process
}

// New constructs a Registry with all series registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		channelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "retrovue_playout_channel_state",
			Help: "Channel lifecycle state: 0=Stopped, 1=Buffering, 2=Ready, 3=Error.",
		}, []string{"channel"}),
		bufferDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "retrovue_playout_buffer_depth_frames",
			Help: "Current staging queue size.",
		}, []string{"channel"}),
		frameGapSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "retrovue_playout_frame_gap_seconds",
			Help: "Last observed renderer drift, signed.",
		}, []string{"channel"}),
		decodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retrovue_playout_decode_failure_count",
			Help: "Cumulative decode errors.",
		}, []string{"channel"}),
		correctionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retrovue_playout_corrections_total",
			Help: "Cumulative pace corrections.",
		}, []string{"channel"}),
		processCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "process_cpu_percent",
			Help: "CPU percent used by the retrovue-playoutd process.",
		}),
		processRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "process_rss_bytes",
			Help: "Resident set size of the retrovue-playoutd process, in bytes.",
		}),
	}

	reg.MustRegister(r.channelState, r.bufferDepth, r.frameGapSeconds, r.decodeFailures, r.correctionsTotal)
	reg.MustRegister(r.processCPUPercent, r.processRSSBytes)

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		r.proc = proc
	}

	return r
}

// Registerer returns the underlying prometheus.Registerer for
// promhttp.HandlerFor in the transport layer.
func (r *Registry) Registerer() *prometheus.Registry {
	return r.reg
}

// SetChannelState records a channel's current lifecycle state.
func (r *Registry) SetChannelState(channel string, state ChannelState) {
	r.channelState.WithLabelValues(channel).Set(float64(state))
}

// IncDecodeFailure increments the decode-failure counter for channel.
func (r *Registry) IncDecodeFailure(channel string) {
	r.decodeFailures.WithLabelValues(channel).Inc()
}

// SampleProcess updates the process CPU/RSS gauges. Intended to be called
// on the same cadence as the orchestration tick.
func (r *Registry) SampleProcess(ctx context.Context) {
	if r.proc == nil {
		return
	}
	if pct, err := r.proc.CPUPercentWithContext(ctx); err == nil {
		r.processCPUPercent.Set(pct)
	}
	if info, err := r.proc.MemoryInfoWithContext(ctx); err == nil && info != nil {
		r.processRSSBytes.Set(float64(info.RSS))
	}
}

var _ orchestration.Sink = (*Registry)(nil)

// ObserveTick implements orchestration.Sink: each tick updates buffer
// depth, frame-gap (approximated here by the latency heuristic, since the
// orchestration loop itself does not read renderer drift directly), and
// increments corrections_total whenever the tick carries an edge event
// (any edge other than EdgeNone). tickSkewMs is not used.
func (r *Registry) ObserveTick(channelID int32, queueSize, queueCapacity int, approxLatencyMs float64, edge orchestration.EdgeEvent, tickSkewMs float64) {
	label := channelLabelFromID(channelID)
	r.bufferDepth.WithLabelValues(label).Set(float64(queueSize))
	r.frameGapSeconds.WithLabelValues(label).Set(approxLatencyMs / 1000.0)
	if edge != orchestration.EdgeNone {
		r.correctionsTotal.WithLabelValues(label).Inc()
	}
}

func channelLabelFromID(channelID int32) string {
	return strconv.Itoa(int(channelID))
}

// StartProcessSampler runs SampleProcess on interval until ctx is
// cancelled. Used by the engine's top-level wiring alongside the
// orchestration ticks.
func (r *Registry) StartProcessSampler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.SampleProcess(ctx)
			}
		}
	}()
}
