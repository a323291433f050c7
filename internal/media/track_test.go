package media

import (
	"context"
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTrack(t *testing.T, kind webrtc.RTPCodecType, stops *int) *LocalTrack {
	t.Helper()
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == webrtc.RTPCodecTypeVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	local, err := webrtc.NewTrackLocalStaticSample(codec, kind.String(), "test")
	require.NoError(t, err)
	return NewLocalTrack(local, func() {
		if stops != nil {
			*stops++
		}
	})
}

func TestLocalTrackEnabled(t *testing.T) {
	track := newTestTrack(t, webrtc.RTPCodecTypeVideo, nil)
	assert.True(t, track.Enabled())
	assert.Equal(t, webrtc.RTPCodecTypeVideo, track.Kind())

	var seen []bool
	remove := track.OnEnabledChange(func(on bool) { seen = append(seen, on) })

	track.SetEnabled(false)
	track.SetEnabled(false)
	track.SetEnabled(true)
	assert.Equal(t, []bool{false, true}, seen)

	remove()
	track.SetEnabled(false)
	assert.Equal(t, []bool{false, true}, seen)
	assert.False(t, track.Enabled())
	assert.False(t, track.Stopped())
}

func TestLocalTrackStopOnce(t *testing.T) {
	stops := 0
	track := newTestTrack(t, webrtc.RTPCodecTypeAudio, &stops)

	track.Stop()
	track.Stop()
	assert.True(t, track.Stopped())
	assert.Equal(t, 1, stops)
}

func TestStreamKinds(t *testing.T) {
	stops := 0
	stream := NewStream(
		newTestTrack(t, webrtc.RTPCodecTypeAudio, &stops),
		newTestTrack(t, webrtc.RTPCodecTypeVideo, &stops),
		newTestTrack(t, webrtc.RTPCodecTypeAudio, &stops),
	)
	assert.NotEmpty(t, stream.ID())
	assert.Len(t, stream.Tracks(), 3)
	assert.Len(t, stream.AudioTracks(), 2)
	assert.Len(t, stream.VideoTracks(), 1)

	stream.Stop()
	assert.Equal(t, 3, stops)
	for _, track := range stream.Tracks() {
		assert.True(t, track.Stopped())
	}
}

func TestSyntheticSource(t *testing.T) {
	src := SyntheticSource{}

	stream, err := src.GetUserMedia(context.Background(), Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	defer stream.Stop()
	require.Len(t, stream.AudioTracks(), 1)
	require.Len(t, stream.VideoTracks(), 1)
	assert.Equal(t, webrtc.MimeTypeOpus, stream.AudioTracks()[0].TrackLocal().(*webrtc.TrackLocalStaticSample).Codec().MimeType)

	audioOnly, err := src.GetUserMedia(context.Background(), Constraints{Audio: true})
	require.NoError(t, err)
	defer audioOnly.Stop()
	assert.Len(t, audioOnly.Tracks(), 1)

	_, err = src.GetUserMedia(context.Background(), Constraints{})
	assert.ErrorIs(t, err, ErrNoDevice)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.GetUserMedia(ctx, Constraints{Audio: true, Video: true})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSourceFunc(t *testing.T) {
	var src Source = SourceFunc(func(context.Context, Constraints) (*Stream, error) {
		return nil, ErrPermissionDenied
	})
	_, err := src.GetUserMedia(context.Background(), Constraints{Audio: true, Video: true})
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestRemoteStream(t *testing.T) {
	stream := NewRemoteStream("remote")
	video := NewRemoteTrack("v", webrtc.RTPCodecTypeVideo, webrtc.MimeTypeVP8)
	stream.Add(video)

	assert.Nil(t, stream.Track(webrtc.RTPCodecTypeAudio))
	assert.Same(t, video, stream.Track(webrtc.RTPCodecTypeVideo))
	assert.Len(t, stream.Tracks(), 1)

	video.Record(&rtp.Packet{Header: rtp.Header{SequenceNumber: 7}, Payload: []byte{1, 2, 3}})
	video.Record(&rtp.Packet{Header: rtp.Header{SequenceNumber: 8}, Payload: []byte{4}})
	assert.Equal(t, uint64(2), video.Packets())
	assert.Equal(t, uint64(4), video.Bytes())
	assert.Equal(t, uint16(8), video.LastSequence())
}
