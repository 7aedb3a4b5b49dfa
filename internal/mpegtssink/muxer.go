package mpegtssink

import (
	"fmt"
	"io"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

const (
	videoPID uint16 = 0x0100
	audioPID uint16 = 0x0101
)

// muxer wraps a mediacommon mpegts.Writer with the video/audio track
// selection this sink needs: a single H.264 video track, and an optional
// silent AAC audio track.
type muxer struct {
	w           io.Writer
	writer      *mpegts.Writer
	videoTrack  *mpegts.Track
	audioTrack  *mpegts.Track
	initialized bool
	enableAudio bool
}

func newMuxer(w io.Writer, enableAudio bool) *muxer {
	return &muxer{w: w, enableAudio: enableAudio}
}

func (m *muxer) initialize() error {
	if m.initialized {
		return nil
	}

	m.videoTrack = &mpegts.Track{PID: videoPID, Codec: &mpegts.CodecH264{}}
	tracks := []*mpegts.Track{m.videoTrack}

	if m.enableAudio {
		m.audioTrack = &mpegts.Track{
			PID: audioPID,
			Codec: &mpegts.CodecMPEG4Audio{
				Config: mpeg4audio.AudioSpecificConfig{
					Type:         mpeg4audio.ObjectTypeAACLC,
					SampleRate:   48000,
					ChannelCount: 2,
				},
			},
		}
		tracks = append(tracks, m.audioTrack)
	}

	m.writer = &mpegts.Writer{W: m.w, Tracks: tracks}
	if err := m.writer.Initialize(); err != nil {
		return fmt.Errorf("initializing mpegts writer: %w", err)
	}
	m.initialized = true
	return nil
}

// writeVideo muxes one H.264 access unit at the given 90kHz pts/dts.
func (m *muxer) writeVideo(pts, dts int64, accessUnit [][]byte) error {
	if !m.initialized {
		if err := m.initialize(); err != nil {
			return err
		}
	}
	return m.writer.WriteH264(m.videoTrack, pts, dts, accessUnit)
}

// writeTables forces emission of PAT/PMT, used so a late-joining client
// (one that connects after the first frame) still receives program tables
// promptly rather than waiting for the writer's periodic interval.
func (m *muxer) writeTables() error {
	if !m.initialized {
		if err := m.initialize(); err != nil {
			return err
		}
	}
	_, err := m.writer.WriteTables()
	return err
}
