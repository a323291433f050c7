//go:build linux && cgo && mediadevices

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
)

// DefaultSource captures from the host camera and microphone.
func DefaultSource() Source { return DeviceSource{} }

// DeviceSource captures through pion/mediadevices (V4L2 + malgo).
type DeviceSource struct{}

func (DeviceSource) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, ErrNoDevice
	}
	for _, d := range devices {
		log.Debugf("Media device kind=%v label=%q", d.Kind, d.Label)
	}

	// GetUserMedia fails as a unit, so a missing microphone must not cost us
	// the camera and vice versa.
	type attempt struct {
		video bool
		audio bool
		label string
	}
	var attempts []attempt
	if c.Video && c.Audio {
		attempts = append(attempts, attempt{true, true, "video+audio"})
	}
	if c.Video {
		attempts = append(attempts, attempt{true, false, "video-only"})
	}
	if c.Audio {
		attempts = append(attempts, attempt{false, true, "audio-only"})
	}

	var lastErr error = ErrNoDevice
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				// Raw formats only; MJPEG nodes on some cameras poison the encoder
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mc.Width = prop.IntRanged{Max: 640}
				mc.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		ms, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		var tracks []*LocalTrack
		for _, track := range ms.GetTracks() {
			track := track
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("Local %s track ended: %v", track.Kind(), err)
				}
			})
			tracks = append(tracks, NewLocalTrack(track, func() { track.Close() }))
		}

		log.Infof("Local media captured (%s): %d tracks", a.label, len(tracks))
		return NewStream(tracks...), nil
	}

	return nil, fmt.Errorf("%w: %v", ErrNoDevice, lastErr)
}
