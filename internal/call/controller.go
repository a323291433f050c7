// Package call orchestrates one teleconsultation session: it acquires local
// media, agrees with the other participant on who sends the offer, runs the
// peer session and tears everything down in reverse order when the call ends.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mossy-p/teleconsult/internal/logging"
	"github.com/mossy-p/teleconsult/internal/media"
	"github.com/mossy-p/teleconsult/internal/models"
	"github.com/mossy-p/teleconsult/internal/peer"
	"github.com/mossy-p/teleconsult/internal/signaling"
)

var log = logging.Logger("call")

const defaultPingInterval = 250 * time.Millisecond

var errPeerClosed = errors.New("peer connection closed")

// Opener opens the signaling channel for a room.
type Opener func(ctx context.Context, roomID string) (signaling.Channel, error)

// LocalOpener opens channels on an in-process bus.
func LocalOpener(bus *signaling.LocalBus) Opener {
	return func(_ context.Context, roomID string) (signaling.Channel, error) {
		return bus.Open(roomID)
	}
}

// WebSocketOpener joins rooms on the signaling server with a join token.
func WebSocketOpener(baseURL, token string) Opener {
	return func(ctx context.Context, roomID string) (signaling.Channel, error) {
		ch, err := signaling.Dial(ctx, baseURL, roomID, token)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}

// PeerSession is the part of *peer.Session the controller drives.
type PeerSession interface {
	ReceiveSignal(data json.RawMessage)
	ReplaceStream(stream *media.Stream) error
	Destroy()
}

type PeerFactory func(local *media.Stream, initiator bool, cb peer.Callbacks) (PeerSession, error)

// NewPeerFactory builds pion-backed sessions with cfg.
func NewPeerFactory(cfg peer.Config) PeerFactory {
	return func(local *media.Stream, initiator bool, cb peer.Callbacks) (PeerSession, error) {
		s, err := peer.New(cfg, local, initiator, cb)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

type Options struct {
	// Source defaults to media.DefaultSource().
	Source media.Source
	Open   Opener
	// Peer defaults to NewPeerFactory(PeerConfig).
	Peer       PeerFactory
	PeerConfig peer.Config

	// Role as designated by the room backend. RoleAuto lets the two sides
	// settle it by comparing their IDs.
	Role   models.Role
	SelfID string

	PingInterval time.Duration
	// Zero waits indefinitely.
	MediaTimeout       time.Duration
	NegotiationTimeout time.Duration
}

// Controller owns the local media, the signaling channel and the peer
// session of one call. It is the only component that releases them.
type Controller struct {
	opts   Options
	selfID string

	// Serializes delivery of negotiation payloads into the peer session
	signalMu sync.Mutex

	mu          sync.Mutex
	state       State
	gen         uint64
	roomID      string
	scope       *scope
	channel     signaling.Channel
	local       *media.Stream
	session     PeerSession
	pending     []json.RawMessage
	remote      *media.RemoteStream
	remoteReady chan struct{}
	initiator   bool
	cancel      context.CancelFunc
	done        chan struct{}
	err         error

	micEnabled    bool
	cameraEnabled bool
}

func New(opts Options) *Controller {
	if opts.Source == nil {
		opts.Source = media.DefaultSource()
	}
	if opts.Peer == nil {
		opts.Peer = NewPeerFactory(opts.PeerConfig)
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	selfID := opts.SelfID
	if selfID == "" {
		selfID = uuid.New().String()
	}

	return &Controller{
		opts:          opts,
		selfID:        selfID,
		state:         StateIdle,
		remoteReady:   make(chan struct{}),
		done:          make(chan struct{}),
		micEnabled:    true,
		cameraEnabled: true,
	}
}

// setState applies a transition. Must be called with c.mu held.
func (c *Controller) setState(next State) bool {
	if !canTransition(c.state, next) {
		log.Debugf("Rejected transition %s -> %s", c.state, next)
		return false
	}
	log.Debugf("Call %s -> %s", c.state, next)
	c.state = next
	return true
}

// attach runs fn under the lock if the session that started as gen is still
// running.
func (c *Controller) attach(gen uint64, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.state == StateIdle {
		return false
	}
	fn()
	return true
}

// Start opens the room's signaling channel and acquires local media. It
// returns once the local stream is available; the role handshake and
// negotiation continue in the background until the call connects or ends.
// Done reports the end.
func (c *Controller) Start(ctx context.Context, roomID string) error {
	c.mu.Lock()
	if !c.setState(StateAcquiring) {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.gen++
	gen := c.gen
	c.roomID = roomID
	c.scope = &scope{}
	c.err = nil
	c.remote = nil
	c.initiator = false
	c.done = make(chan struct{})
	c.remoteReady = make(chan struct{})
	ready := c.remoteReady
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	log.Infof("Starting call in room %s as %s (%s)", roomID, c.selfID, roleName(c.opts.Role))

	if c.opts.Open == nil {
		err := &SignalingTransportError{Op: "open", Err: errors.New("no opener configured")}
		c.end(gen, err)
		return err
	}
	ch, err := c.opts.Open(ctx, roomID)
	if err != nil {
		terr := &SignalingTransportError{Op: "open", Err: err}
		c.end(gen, terr)
		return terr
	}

	el := newElection(c.selfID, c.opts.Role, c.opts.PingInterval, ch.Send)
	if !c.attach(gen, func() {
		c.channel = ch
		c.scope.push("signaling channel", func() { ch.Close() })
	}) {
		ch.Close()
		return c.endError(ErrStopped)
	}
	ch.OnMessage(func(m signaling.Message) { c.handleMessage(gen, el, m) })
	go c.watchChannel(runCtx, gen, ch)

	mctx := ctx
	if c.opts.MediaTimeout > 0 {
		var cancel context.CancelFunc
		mctx, cancel = context.WithTimeout(ctx, c.opts.MediaTimeout)
		defer cancel()
	}
	stream, err := c.opts.Source.GetUserMedia(mctx, media.Constraints{Audio: true, Video: true})
	if err != nil {
		merr := &MediaAcquisitionError{Err: err}
		c.end(gen, merr)
		return merr
	}
	if !c.attach(gen, func() {
		c.local = stream
		c.applyToggles(stream)
		c.scope.push("local media", stream.Stop)
		c.setState(StateElecting)
	}) {
		stream.Stop()
		return c.endError(ErrStopped)
	}

	go c.run(runCtx, gen, ch, el, ready)
	return nil
}

func (c *Controller) run(ctx context.Context, gen uint64, ch signaling.Channel, el *election, ready <-chan struct{}) {
	if c.opts.NegotiationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.NegotiationTimeout)
		defer cancel()
	}

	initiator, err := el.wait(ctx)
	if err != nil {
		c.end(gen, waitError(err))
		return
	}

	var local *media.Stream
	if !c.attach(gen, func() {
		c.initiator = initiator
		local = c.local
		c.setState(StateNegotiating)
	}) {
		return
	}
	if initiator {
		log.Infof("Room %s: sending the offer", c.RoomID())
	} else {
		log.Infof("Room %s: waiting for the offer", c.RoomID())
	}

	session, err := c.opts.Peer(local, initiator, peer.Callbacks{
		OnSignal:       func(data json.RawMessage) { c.sendSignal(ch, data) },
		OnRemoteStream: func(rs *media.RemoteStream) { c.handleRemoteStream(gen, rs) },
		OnError:        func(err error) { c.end(gen, &NegotiationError{Err: err}) },
		OnClose:        func() { c.end(gen, &NegotiationError{Err: errPeerClosed}) },
	})
	if err != nil {
		c.end(gen, &NegotiationError{Err: err})
		return
	}

	c.signalMu.Lock()
	var pending []json.RawMessage
	var current *media.Stream
	attached := c.attach(gen, func() {
		c.session = session
		c.scope.push("peer session", session.Destroy)
		pending, c.pending = c.pending, nil
		current = c.local
	})
	if attached {
		if current != local {
			if err := session.ReplaceStream(current); err != nil {
				log.Warnf("Replace local stream: %v", err)
			}
		}
		for _, data := range pending {
			session.ReceiveSignal(data)
		}
	}
	c.signalMu.Unlock()
	if !attached {
		session.Destroy()
		return
	}

	select {
	case <-ready:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.end(gen, ErrNegotiationTimeout)
		}
	}
}

// watchChannel ends a call that has not connected yet when the signaling
// transport fails. A connected call carries on and ends on bye or ICE failure.
func (c *Controller) watchChannel(ctx context.Context, gen uint64, ch signaling.Channel) {
	select {
	case <-ctx.Done():
		return
	case <-ch.Done():
	}
	err := ch.Err()
	if err == nil {
		return
	}
	connected := func(s State) bool { return s == StateConnected }
	if !c.endUnless(gen, &SignalingTransportError{Op: "read", Err: err}, connected) {
		log.Debugf("Signaling transport lost, call carries on: %v", err)
	}
}

func waitError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrNegotiationTimeout
	}
	return err
}

func (c *Controller) handleMessage(gen uint64, el *election, m signaling.Message) {
	switch m.Type {
	case signaling.TypePing:
		el.observe(m)
	case signaling.TypeSignal:
		c.deliverSignal(gen, m.Data)
	case signaling.TypeBye:
		c.end(gen, ErrRemoteHangup)
	default:
		log.Debugf("Ignoring %q message", m.Type)
	}
}

// deliverSignal hands data to the peer session, holding it until the
// session exists.
func (c *Controller) deliverSignal(gen uint64, data json.RawMessage) {
	c.signalMu.Lock()
	defer c.signalMu.Unlock()

	c.mu.Lock()
	if c.gen != gen || c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	session := c.session
	if session == nil {
		c.pending = append(c.pending, data)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	session.ReceiveSignal(data)
}

func (c *Controller) sendSignal(ch signaling.Channel, data json.RawMessage) {
	if err := ch.Send(signaling.Signal(data)); err != nil {
		log.Warnf("%v", &SignalingTransportError{Op: "send", Err: err})
	}
}

func (c *Controller) handleRemoteStream(gen uint64, rs *media.RemoteStream) {
	c.mu.Lock()
	if c.gen != gen || !c.setState(StateConnected) {
		c.mu.Unlock()
		return
	}
	c.remote = rs
	close(c.remoteReady)
	room := c.roomID
	c.mu.Unlock()

	log.Infof("Call in room %s connected", room)
}

// Stop ends the call: it tells the other side, then releases the peer
// session, the local tracks and the signaling channel in that order. This is
// the reverse of acquisition, so the channel is still open while the tracks
// stop. It is safe to call at any point, repeatedly, and from inside
// callbacks of the resources it releases.
func (c *Controller) Stop() {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	c.end(gen, nil)
}

func (c *Controller) end(gen uint64, cause error) {
	c.endUnless(gen, cause, nil)
}

// endUnless tears the call down unless keep reports true for the current
// state. It reports whether it did.
func (c *Controller) endUnless(gen uint64, cause error, keep func(State) bool) bool {
	c.mu.Lock()
	if c.gen != gen || c.state == StateIdle || (keep != nil && keep(c.state)) {
		c.mu.Unlock()
		return false
	}
	c.gen++
	sc, ch, cancel, done, room := c.scope, c.channel, c.cancel, c.done, c.roomID
	c.scope = nil
	c.channel = nil
	c.local = nil
	c.session = nil
	c.pending = nil
	c.remote = nil
	c.cancel = nil
	c.err = cause
	c.setState(StateIdle)
	c.mu.Unlock()

	if cause != nil {
		log.Warnf("Call in room %s ended: %v", room, cause)
	} else {
		log.Infof("Call in room %s stopped", room)
	}

	cancel()
	if ch != nil && !errors.Is(cause, ErrRemoteHangup) {
		if err := ch.Send(signaling.Bye()); err != nil {
			log.Debugf("Send bye: %v", err)
		}
	}
	sc.release()
	close(done)
	return true
}

// SetMicEnabled mirrors on onto every audio track of the local stream, now
// and after any stream replacement.
func (c *Controller) SetMicEnabled(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.micEnabled = on
	if c.local != nil {
		for _, t := range c.local.AudioTracks() {
			t.SetEnabled(on)
		}
	}
}

// SetCameraEnabled mirrors on onto every video track of the local stream.
func (c *Controller) SetCameraEnabled(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cameraEnabled = on
	if c.local != nil {
		for _, t := range c.local.VideoTracks() {
			t.SetEnabled(on)
		}
	}
}

// applyToggles must be called with c.mu held.
func (c *Controller) applyToggles(stream *media.Stream) {
	for _, t := range stream.AudioTracks() {
		t.SetEnabled(c.micEnabled)
	}
	for _, t := range stream.VideoTracks() {
		t.SetEnabled(c.cameraEnabled)
	}
}

// ReplaceLocalStream swaps in newly acquired media. The toggles are applied
// to the new tracks, the peer session sends them, and the old stream is
// stopped.
func (c *Controller) ReplaceLocalStream(stream *media.Stream) error {
	c.mu.Lock()
	if c.local == nil {
		c.mu.Unlock()
		return ErrNotStarted
	}
	old := c.local
	c.local = stream
	c.applyToggles(stream)
	c.scope.replace("local media", stream.Stop)
	session := c.session
	c.mu.Unlock()

	var err error
	if session != nil {
		if rerr := session.ReplaceStream(stream); rerr != nil {
			err = &NegotiationError{Err: rerr}
		}
	}
	old.Stop()
	return err
}

func (c *Controller) MicEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.micEnabled
}

func (c *Controller) CameraEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cameraEnabled
}

// LocalStream returns the self-preview stream, or nil when not started.
func (c *Controller) LocalStream() *media.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// RemoteStream returns the received stream, or nil until connected.
func (c *Controller) RemoteStream() *media.RemoteStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// WaitRemoteStream blocks until the remote stream arrives, the call ends or
// ctx is done.
func (c *Controller) WaitRemoteStream(ctx context.Context) (*media.RemoteStream, error) {
	c.mu.Lock()
	ready, done, state := c.remoteReady, c.done, c.state
	c.mu.Unlock()
	if state == StateIdle {
		return nil, c.endError(ErrNotStarted)
	}

	select {
	case <-ready:
		if rs := c.RemoteStream(); rs != nil {
			return rs, nil
		}
		return nil, c.endError(ErrStopped)
	case <-done:
		return nil, c.endError(ErrStopped)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Controller) endError(fallback error) error {
	if err := c.Err(); err != nil {
		return err
	}
	return fallback
}

// Done is closed when the current call has ended and its resources are
// released.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err reports why the last call ended; nil after a plain Stop.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsInitiator reports whether this side sent the offer.
func (c *Controller) IsInitiator() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initiator
}

func (c *Controller) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Controller) SelfID() string { return c.selfID }

func roleName(r models.Role) string {
	if r == models.RoleAuto {
		return "auto"
	}
	return string(r)
}
