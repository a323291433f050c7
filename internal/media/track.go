// Package media holds the local capture tracks a call owns and the read-only
// view of the tracks it receives.
package media

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/teleconsult/internal/logging"
)

var log = logging.Logger("media")

// LocalTrack is one captured audio or video track. Disabling a track keeps the
// device open; Stop releases it for good.
type LocalTrack struct {
	local  webrtc.TrackLocal
	onStop func()

	mu        sync.Mutex
	enabled   bool
	stopped   bool
	nextID    int
	listeners map[int]func(bool)
}

// NewLocalTrack wraps a pion track. onStop releases the underlying capture
// and runs once.
func NewLocalTrack(local webrtc.TrackLocal, onStop func()) *LocalTrack {
	return &LocalTrack{
		local:     local,
		onStop:    onStop,
		enabled:   true,
		listeners: make(map[int]func(bool)),
	}
}

func (t *LocalTrack) ID() string                    { return t.local.ID() }
func (t *LocalTrack) Kind() webrtc.RTPCodecType     { return t.local.Kind() }
func (t *LocalTrack) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled flips the enabled flag and notifies listeners on change.
func (t *LocalTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	if t.enabled == enabled {
		t.mu.Unlock()
		return
	}
	t.enabled = enabled
	listeners := make([]func(bool), 0, len(t.listeners))
	for _, fn := range t.listeners {
		listeners = append(listeners, fn)
	}
	t.mu.Unlock()

	log.Debugf("%s track %s enabled=%t", t.Kind(), t.ID(), enabled)
	for _, fn := range listeners {
		fn(enabled)
	}
}

// OnEnabledChange registers fn for enabled flips. The returned func removes it.
func (t *LocalTrack) OnEnabledChange(fn func(bool)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// Stop releases the capture device. Later calls do nothing.
func (t *LocalTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.listeners = make(map[int]func(bool))
	t.mu.Unlock()

	if t.onStop != nil {
		t.onStop()
	}
	log.Debugf("Stopped %s track %s", t.Kind(), t.ID())
}

func (t *LocalTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Stream is a set of local tracks acquired together.
type Stream struct {
	id     string
	tracks []*LocalTrack
}

func NewStream(tracks ...*LocalTrack) *Stream {
	return &Stream{id: uuid.New().String(), tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []*LocalTrack {
	return append([]*LocalTrack(nil), s.tracks...)
}

func (s *Stream) AudioTracks() []*LocalTrack { return s.ofKind(webrtc.RTPCodecTypeAudio) }
func (s *Stream) VideoTracks() []*LocalTrack { return s.ofKind(webrtc.RTPCodecTypeVideo) }

func (s *Stream) ofKind(kind webrtc.RTPCodecType) []*LocalTrack {
	var out []*LocalTrack
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track in the stream.
func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
