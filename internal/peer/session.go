// Package peer wraps one WebRTC peer connection for a two-party call.
package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/teleconsult/internal/logging"
	"github.com/mossy-p/teleconsult/internal/media"
)

var log = logging.Logger("peer")

var (
	ErrConnectionFailed = errors.New("peer: connection failed")
	ErrUnexpectedSignal = errors.New("peer: unexpected signal")
)

type State int

const (
	StateNew State = iota
	StateNegotiating
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Closed is reachable from every state and is terminal.
var transitions = map[State][]State{
	StateNew:         {StateNegotiating, StateClosed},
	StateNegotiating: {StateConnected, StateClosed},
	StateConnected:   {StateClosed},
}

// Callbacks are invoked without any session lock held, so they may call back
// into the session, including Destroy.
type Callbacks struct {
	// OnSignal receives each outbound negotiation payload as JSON.
	OnSignal func(data json.RawMessage)
	// OnRemoteStream fires once, on the first remote track.
	OnRemoteStream func(*media.RemoteStream)
	OnError        func(error)
	// OnClose fires once, after Destroy.
	OnClose func()
}

type trackSender struct {
	track  *media.LocalTrack
	sender *webrtc.RTPSender
	remove func()
}

// Session owns one peer connection.
type Session struct {
	pc        *webrtc.PeerConnection
	initiator bool
	cb        Callbacks

	// Serializes inbound signals
	negMu sync.Mutex

	mu      sync.Mutex
	state   State
	senders []*trackSender
	pending []webrtc.ICECandidateInit
	remote  *media.RemoteStream

	closed atomic.Bool
}

// New creates a session sending local's tracks. The initiator creates and
// emits the offer before New returns; the answerer waits for one.
func New(cfg Config, local *media.Stream, initiator bool, cb Callbacks) (*Session, error) {
	cfg = cfg.withDefaults()

	api, err := newAPI(cfg)
	if err != nil {
		return nil, err
	}
	pc, err := api.NewPeerConnection(cfg.configuration())
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	s := &Session{
		pc:        pc,
		initiator: initiator,
		cb:        cb,
		state:     StateNew,
	}

	if err := s.addTracks(local); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnICECandidate(s.handleICECandidate)
	pc.OnTrack(s.handleTrack)
	pc.OnConnectionStateChange(s.handleConnectionState)

	if initiator {
		if err := s.offer(); err != nil {
			s.closed.Store(true)
			pc.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Session) addTracks(local *media.Stream) error {
	kinds := map[webrtc.RTPCodecType]bool{}
	if local != nil {
		for _, track := range local.Tracks() {
			sender, err := s.pc.AddTrack(track.TrackLocal())
			if err != nil {
				return fmt.Errorf("add %s track: %w", track.Kind(), err)
			}
			ts := &trackSender{track: track, sender: sender}
			s.senders = append(s.senders, ts)
			kinds[track.Kind()] = true

			go drainRTCP(sender)
			s.watch(ts)
			if !track.Enabled() {
				s.syncSender(ts)
			}
		}
	}

	// Every kind needs an m-line so the remote side can still send it
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if kinds[kind] {
			continue
		}
		if _, err := s.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// drainRTCP reads incoming RTCP so interceptors (NACK, reports) keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (s *Session) watch(ts *trackSender) {
	ts.remove = ts.track.OnEnabledChange(func(bool) { s.syncSender(ts) })
}

// syncSender detaches a disabled track from its sender and reattaches it once
// enabled, without renegotiating.
func (s *Session) syncSender(ts *trackSender) {
	if s.closed.Load() {
		return
	}

	s.mu.Lock()
	track := ts.track
	s.mu.Unlock()

	var next webrtc.TrackLocal
	if track.Enabled() {
		next = track.TrackLocal()
	}
	if ts.sender.Track() == next {
		return
	}
	if err := ts.sender.ReplaceTrack(next); err != nil {
		log.Warnf("Replace %s track: %v", track.Kind(), err)
	}
}

// ReplaceStream moves the senders onto stream's tracks, matching by kind in
// order. Tracks without a matching sender are not sent.
func (s *Session) ReplaceStream(stream *media.Stream) error {
	if s.closed.Load() {
		return nil
	}

	s.mu.Lock()
	byKind := map[webrtc.RTPCodecType][]*media.LocalTrack{
		webrtc.RTPCodecTypeAudio: stream.AudioTracks(),
		webrtc.RTPCodecTypeVideo: stream.VideoTracks(),
	}
	var changed []*trackSender
	for _, ts := range s.senders {
		kind := ts.track.Kind()
		if len(byKind[kind]) == 0 {
			log.Warnf("No %s track in replacement stream", kind)
			continue
		}
		next := byKind[kind][0]
		byKind[kind] = byKind[kind][1:]

		if ts.remove != nil {
			ts.remove()
		}
		ts.track = next
		s.watch(ts)
		changed = append(changed, ts)
	}
	s.mu.Unlock()

	for _, ts := range changed {
		var next webrtc.TrackLocal
		if ts.track.Enabled() {
			next = ts.track.TrackLocal()
		}
		if err := ts.sender.ReplaceTrack(next); err != nil {
			return fmt.Errorf("replace %s track: %w", ts.track.Kind(), err)
		}
	}
	return nil
}

// State returns the current negotiation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves to next if allowed. Must be called with s.mu held.
func (s *Session) transition(next State) bool {
	for _, allowed := range transitions[s.state] {
		if allowed == next {
			log.Debugf("Peer session %s -> %s", s.state, next)
			s.state = next
			return true
		}
	}
	return false
}

func (s *Session) offer() error {
	s.mu.Lock()
	s.transition(StateNegotiating)
	s.mu.Unlock()

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	s.emit(Signal{Type: SignalOffer, SDP: offer.SDP})
	return nil
}

// ReceiveSignal feeds one inbound payload into negotiation. Failures are
// reported through OnError. After Destroy it does nothing.
func (s *Session) ReceiveSignal(data json.RawMessage) {
	if s.closed.Load() {
		log.Debug("Ignoring signal for closed session")
		return
	}

	var sig Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		s.fail(fmt.Errorf("decode signal: %w", err))
		return
	}

	s.negMu.Lock()
	defer s.negMu.Unlock()
	if s.closed.Load() {
		return
	}

	var err error
	switch sig.Type {
	case SignalOffer:
		err = s.handleOffer(sig.SDP)
	case SignalAnswer:
		err = s.handleAnswer(sig.SDP)
	case SignalCandidate:
		if sig.Candidate == nil {
			err = fmt.Errorf("%w: candidate without body", ErrUnexpectedSignal)
			break
		}
		s.handleCandidate(*sig.Candidate)
	default:
		err = fmt.Errorf("%w: type %q", ErrUnexpectedSignal, sig.Type)
	}
	if err != nil {
		s.fail(err)
	}
}

func (s *Session) handleOffer(sdp string) error {
	if s.initiator {
		return fmt.Errorf("%w: offer received by initiator", ErrUnexpectedSignal)
	}

	s.mu.Lock()
	s.transition(StateNegotiating)
	s.mu.Unlock()

	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	s.flushCandidates()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	s.emit(Signal{Type: SignalAnswer, SDP: answer.SDP})
	return nil
}

func (s *Session) handleAnswer(sdp string) error {
	if !s.initiator {
		return fmt.Errorf("%w: answer received by answerer", ErrUnexpectedSignal)
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	s.flushCandidates()
	return nil
}

// handleCandidate queues candidates until the remote description is set.
func (s *Session) handleCandidate(c webrtc.ICECandidateInit) {
	if s.pc.RemoteDescription() == nil {
		s.mu.Lock()
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		log.Warnf("Add ICE candidate: %v", err)
	}
}

func (s *Session) flushCandidates() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Warnf("Add queued ICE candidate: %v", err)
		}
	}
}

func (s *Session) handleICECandidate(c *webrtc.ICECandidate) {
	// nil marks the end of gathering
	if c == nil || s.closed.Load() {
		return
	}
	init := c.ToJSON()
	s.emit(Signal{Type: SignalCandidate, Candidate: &init})
}

func (s *Session) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	rt := media.NewRemoteTrack(track.ID(), track.Kind(), track.Codec().MimeType)

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	first := s.remote == nil
	if first {
		s.remote = media.NewRemoteStream(track.StreamID())
		s.transition(StateConnected)
	}
	s.remote.Add(rt)
	remote := s.remote
	s.mu.Unlock()

	log.Infof("Remote %s track %s (%s)", track.Kind(), track.ID(), track.Codec().MimeType)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		if err := s.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		}); err != nil {
			log.Debugf("Send PLI: %v", err)
		}
	}

	go func() {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			rt.Record(pkt)
		}
	}()

	if first && s.cb.OnRemoteStream != nil {
		s.cb.OnRemoteStream(remote)
	}
}

func (s *Session) handleConnectionState(state webrtc.PeerConnectionState) {
	log.Debugf("Peer connection state: %s", state)

	switch state {
	case webrtc.PeerConnectionStateDisconnected:
		log.Warn("Peer connection disconnected, waiting for ICE to recover")
	case webrtc.PeerConnectionStateFailed:
		// Leave pion's callback before the owner tears the connection down
		go s.fail(ErrConnectionFailed)
	}
}

func (s *Session) emit(sig Signal) {
	if s.closed.Load() || s.cb.OnSignal == nil {
		return
	}
	data, err := json.Marshal(sig)
	if err != nil {
		log.Errorf("Marshal %s signal: %v", sig.Type, err)
		return
	}
	s.cb.OnSignal(data)
}

func (s *Session) fail(err error) {
	if s.closed.Load() {
		return
	}
	log.Warnf("Peer session error: %v", err)
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}

// RemoteStream returns the received stream, or nil before the first track.
func (s *Session) RemoteStream() *media.RemoteStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Destroy closes the connection. It is idempotent and safe to call from the
// session's own callbacks.
func (s *Session) Destroy() {
	s.mu.Lock()
	if !s.transition(StateClosed) {
		s.mu.Unlock()
		return
	}
	s.closed.Store(true)
	s.pending = nil
	for _, ts := range s.senders {
		if ts.remove != nil {
			ts.remove()
		}
	}
	s.mu.Unlock()

	if err := s.pc.Close(); err != nil {
		log.Warnf("Close peer connection: %v", err)
	}
	log.Debug("Peer session closed")

	if s.cb.OnClose != nil {
		s.cb.OnClose()
	}
}
