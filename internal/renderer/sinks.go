package renderer

import (
	"log/slog"
	"sync/atomic"

	"github.com/jmylchreest/retrovue-playoutd/internal/frame"
)

// HeadlessSink discards delivered frames, recording only a count. Used for
// validation and testing where no actual display or network output is
// wanted.
type HeadlessSink struct {
	delivered atomic.Int64
}

// NewHeadlessSink constructs a HeadlessSink.
func NewHeadlessSink() *HeadlessSink {
	return &HeadlessSink{}
}

func (s *HeadlessSink) Mode() Mode { return ModeHeadless }

func (s *HeadlessSink) Deliver(f frame.Frame) error {
	s.delivered.Add(1)
	return nil
}

// Delivered returns the number of frames handed to this sink.
func (s *HeadlessSink) Delivered() int64 {
	return s.delivered.Load()
}

// PreviewWindow is the external collaborator contract for a local display
// window (SDL-like); out of scope per the playout engine's boundary, but
// modeled here as an injectable interface so PreviewSink stays testable
// without a real window.
type PreviewWindow interface {
	DrawFrame(f frame.Frame) error
}

// PreviewSink delivers frames to a local display window.
type PreviewSink struct {
	window PreviewWindow
	logger *slog.Logger
}

// NewPreviewSink constructs a PreviewSink drawing into window.
func NewPreviewSink(window PreviewWindow, logger *slog.Logger) *PreviewSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &PreviewSink{window: window, logger: logger}
}

func (s *PreviewSink) Mode() Mode { return ModePreview }

func (s *PreviewSink) Deliver(f frame.Frame) error {
	if s.window == nil {
		return nil
	}
	return s.window.DrawFrame(f)
}
