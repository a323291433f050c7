package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mossy-p/teleconsult/internal/models"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
)

// WSChannel is a Channel backed by the signaling server's websocket hub.
type WSChannel struct {
	conn   *websocket.Conn
	roomID string
	*dispatcher

	writeMu sync.Mutex

	selfID    atomic.Value // string
	closed    atomic.Bool
	closeOnce sync.Once

	// set once the hub announced the room ended; the close that follows is expected
	ended atomic.Bool

	lost     chan struct{}
	lostOnce sync.Once
	errMu    sync.Mutex
	err      error
}

// Dial joins roomID on the hub at baseURL (for example
// ws://localhost:8080/ws/signal) using a room join token.
func Dial(ctx context.Context, baseURL, roomID, token string) (*WSChannel, error) {
	if roomID == "" {
		return nil, fmt.Errorf("signaling: empty room id")
	}

	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/" + url.PathEscape(roomID))
	if err != nil {
		return nil, fmt.Errorf("invalid signaling url %q: %w", baseURL, err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial error: %w (status: %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("websocket dial error: %w", err)
	}

	c := &WSChannel{
		conn:       conn,
		roomID:     roomID,
		dispatcher: newDispatcher(),
		lost:       make(chan struct{}),
	}
	c.selfID.Store("")
	go c.readLoop()

	log.Infof("Connected to signaling server for room %s", roomID)
	return c, nil
}

// PeerID returns the ID the hub assigned to this connection, or "" until the
// join confirmation arrives.
func (c *WSChannel) PeerID() string {
	return c.selfID.Load().(string)
}

func (c *WSChannel) OnMessage(h func(Message)) {
	c.setHandler(h)
}

func (c *WSChannel) Send(msg Message) error {
	if c.closed.Load() {
		log.Warnw("Send on closed signaling channel", "room", c.roomID, "type", msg.Type)
		return ErrChannelClosed
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signaling message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(models.SignalMessage{
		Type:    models.SignalTypeMessage,
		RoomID:  c.roomID,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("write signaling message: %w", err)
	}
	return nil
}

func (c *WSChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		err = c.conn.Close()
		c.stop()
		c.finish(nil)
	})
	return err
}

func (c *WSChannel) Done() <-chan struct{} { return c.lost }

func (c *WSChannel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *WSChannel) finish(err error) {
	c.lostOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.lost)
	})
}

func (c *WSChannel) readLoop() {
	for {
		var env models.SignalMessage
		if err := c.conn.ReadJSON(&env); err != nil {
			if c.closed.Swap(true) {
				return
			}
			if c.ended.Load() {
				c.finish(nil)
				return
			}
			log.Warnf("Signaling connection for room %s lost: %v", c.roomID, err)
			c.finish(err)
			return
		}

		switch env.Type {
		case models.SignalTypeJoin:
			if env.To != "" && env.From == env.To {
				c.selfID.Store(env.From)
				log.Debugf("Joined room %s as %s (%s)", c.roomID, env.From, env.Role)
			} else {
				log.Infof("Peer %s (%s) joined room %s", env.From, env.Role, c.roomID)
			}

		case models.SignalTypeMessage:
			var msg Message
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				log.Warnf("Invalid signaling payload from %s: %v", env.From, err)
				continue
			}
			c.deliver(msg)

		case models.SignalTypeLeave, models.SignalTypeEnded:
			if env.Type == models.SignalTypeEnded {
				c.ended.Store(true)
			}
			// The remote side is gone either way
			log.Infof("Room %s: %s from %s", c.roomID, env.Type, env.From)
			c.deliver(Bye())

		case models.SignalTypeError:
			log.Warnf("Signaling server error for room %s: %s", c.roomID, env.Error)
		}
	}
}

func (c *WSChannel) deliver(msg Message) {
	if !c.push(msg) {
		log.Warnw("Dropped signaling message", "room", c.roomID, "type", msg.Type)
	}
}
