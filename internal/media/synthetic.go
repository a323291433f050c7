package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

const (
	audioFrameInterval = 20 * time.Millisecond
	videoFrameInterval = 33 * time.Millisecond
)

var (
	// Opus TOC byte for a 20ms silence frame
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	// 16x16 VP8 key frame header
	vp8Frame = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00}
)

// SyntheticSource produces Opus and VP8 tracks carrying placeholder frames.
// It stands in for capture devices on headless hosts and in tests.
type SyntheticSource struct{}

func (SyntheticSource) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, ErrNoDevice
	}

	streamID := uuid.New().String()
	var tracks []*LocalTrack

	if c.Audio {
		t, err := newSyntheticTrack(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		}, "audio", streamID, audioFrameInterval, opusSilence)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := newSyntheticTrack(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video", streamID, videoFrameInterval, vp8Frame)
		if err != nil {
			for _, t := range tracks {
				t.Stop()
			}
			return nil, err
		}
		tracks = append(tracks, t)
	}

	log.Debugf("Synthetic media acquired: %d tracks", len(tracks))
	return NewStream(tracks...), nil
}

func newSyntheticTrack(codec webrtc.RTPCodecCapability, kind, streamID string, interval time.Duration, frame []byte) (*LocalTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(codec, kind+"-"+uuid.New().String(), streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}

	stop := make(chan struct{})
	var once sync.Once
	track := NewLocalTrack(local, func() { once.Do(func() { close(stop) }) })

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				// A disabled track sends nothing, like a muted device
				if !track.Enabled() {
					continue
				}
				err := local.WriteSample(pionmedia.Sample{Data: frame, Duration: interval})
				if err != nil && !errors.Is(err, io.ErrClosedPipe) {
					log.Debugf("Write %s sample: %v", kind, err)
				}
			}
		}
	}()

	return track, nil
}
