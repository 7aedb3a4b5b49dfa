package mpegtssink

import (
	"github.com/jmylchreest/retrovue-playoutd/internal/frame"
)

// Encoder abstracts the external FFmpeg-style video codec layer (out of
// scope per the playout engine's contract) that compresses a raw frame
// into an H.264 access unit (a slice of NAL units). Real-mode callers
// inject a binding to the external encoder library; stub_mode uses
// stubEncoder below.
type Encoder interface {
	// Encode compresses f into an access unit and reports whether the unit
	// starts a new GOP (a keyframe), so the muxer can prepend parameter sets.
	Encode(f frame.Frame) (accessUnit [][]byte, keyframe bool, err error)
	Close() error
}

// stubEncoder produces a minimal, deterministic placeholder access unit per
// frame so the muxing and pacing pipeline can be exercised end to end
// without a real H.264 encoder. It marks every gopSize-th frame as a
// keyframe.
type stubEncoder struct {
	gopSize int
	count   int
}

func newStubEncoder(gopSize int) *stubEncoder {
	if gopSize <= 0 {
		gopSize = 30
	}
	return &stubEncoder{gopSize: gopSize}
}

func (e *stubEncoder) Encode(f frame.Frame) ([][]byte, bool, error) {
	keyframe := e.count%e.gopSize == 0
	e.count++

	// A single synthetic NAL unit carrying a small deterministic payload
	// derived from the frame header; not a valid decodable bitstream, only
	// a stand-in access unit for the muxing/pacing pipeline.
	nal := make([]byte, 0, 16)
	nalType := byte(0x01) // non-IDR slice
	if keyframe {
		nalType = 0x05 // IDR slice
	}
	nal = append(nal, nalType)
	nal = append(nal, byte(f.PTS), byte(f.PTS>>8), byte(f.PTS>>16), byte(f.PTS>>24))

	return [][]byte{nal}, keyframe, nil
}

func (e *stubEncoder) Close() error {
	return nil
}
