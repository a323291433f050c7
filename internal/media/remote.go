package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteStream is the read-only set of tracks received from the other
// participant. The peer session owns it; callers only render it.
type RemoteStream struct {
	id string

	mu     sync.RWMutex
	tracks []*RemoteTrack
}

func NewRemoteStream(id string) *RemoteStream {
	return &RemoteStream{id: id}
}

func (s *RemoteStream) ID() string { return s.id }

func (s *RemoteStream) Add(t *RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

func (s *RemoteStream) Tracks() []*RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*RemoteTrack(nil), s.tracks...)
}

// Track returns the first track of kind, or nil.
func (s *RemoteStream) Track(kind webrtc.RTPCodecType) *RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tracks {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

// RemoteTrack counts the RTP traffic of one received track.
type RemoteTrack struct {
	id    string
	kind  webrtc.RTPCodecType
	codec string

	packets atomic.Uint64
	bytes   atomic.Uint64
	lastSeq atomic.Uint32
}

func NewRemoteTrack(id string, kind webrtc.RTPCodecType, codec string) *RemoteTrack {
	return &RemoteTrack{id: id, kind: kind, codec: codec}
}

func (t *RemoteTrack) ID() string                { return t.id }
func (t *RemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *RemoteTrack) Codec() string             { return t.codec }
func (t *RemoteTrack) Packets() uint64           { return t.packets.Load() }
func (t *RemoteTrack) Bytes() uint64             { return t.bytes.Load() }
func (t *RemoteTrack) LastSequence() uint16      { return uint16(t.lastSeq.Load()) }

// Record accounts one received packet.
func (t *RemoteTrack) Record(pkt *rtp.Packet) {
	t.packets.Add(1)
	t.bytes.Add(uint64(len(pkt.Payload)))
	t.lastSeq.Store(uint32(pkt.SequenceNumber))
}
