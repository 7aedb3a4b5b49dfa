package producer

import (
	"github.com/jmylchreest/retrovue-playoutd/internal/frame"
)

// stubDecoder generates synthetic color-bar frames at cfg.TargetFPS with
// monotonically increasing PTS (step = 1/target_fps in microseconds),
// standing in for the real demux/decode library in stub_mode.
type stubDecoder struct {
	cfg        Config
	frameIndex int
	stepUs     int64
	nextPTS    int64
}

func newStubDecoder(cfg Config) *stubDecoder {
	fps := cfg.TargetFPS
	if fps <= 0 {
		fps = 29.97
	}
	return &stubDecoder{
		cfg:    cfg,
		stepUs: int64(1_000_000 / fps),
	}
}

func (d *stubDecoder) Decode() (frame.Frame, bool, error) {
	payload := generateStubFrame(d.cfg.TargetWidth, d.cfg.TargetHeight, d.frameIndex)
	f := frame.Frame{
		Width:    d.cfg.TargetWidth,
		Height:   d.cfg.TargetHeight,
		Payload:  payload,
		PTS:      d.nextPTS,
		DTS:      d.nextPTS,
		Duration: 1.0 / fpsOrDefault(d.cfg.TargetFPS),
		AssetID:  d.cfg.AssetID,
	}
	d.frameIndex++
	d.nextPTS += d.stepUs
	return f, true, nil
}

func (d *stubDecoder) Close() error {
	return nil
}

func fpsOrDefault(fps float64) float64 {
	if fps <= 0 {
		return 29.97
	}
	return fps
}
