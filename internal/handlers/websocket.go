package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/teleconsult/internal/auth"
	"github.com/mossy-p/teleconsult/internal/logging"
	"github.com/mossy-p/teleconsult/internal/models"
	"github.com/mossy-p/teleconsult/internal/rooms"
)

var hubLog = logging.Logger("hub")

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// SDP offers with many candidates stay well below this
	maxMessageSize = 64 * 1024

	sendBufferSize = 256
)

var (
	errRoomFull      = errors.New("room is full")
	errAlreadyJoined = errors.New("already connected to this room")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Hub relays signaling envelopes between the peers of each room.
type Hub struct {
	store  *rooms.Store
	issuer *auth.Issuer

	mu    sync.RWMutex
	rooms map[string]*Room
}

// Room manages the peers connected to one teleconsult room
type Room struct {
	ID    string
	Peers map[string]*Client
	mu    sync.RWMutex
}

// Client represents a WebSocket client connection
type Client struct {
	ID     string
	RoomID string
	UserID string
	Role   models.Role
	Conn   *websocket.Conn
	Send   chan outbound

	done      chan struct{}
	closeOnce sync.Once
}

// outbound is one queued write. A final write is followed by a close frame.
type outbound struct {
	data  []byte
	final bool
}

func NewHub(store *rooms.Store, issuer *auth.Issuer) *Hub {
	return &Hub{
		store:  store,
		issuer: issuer,
		rooms:  make(map[string]*Room),
	}
}

// HandleSignaling handles WebSocket connections for WebRTC signaling
func (h *Hub) HandleSignaling(c *gin.Context) {
	roomIdentifier := c.Param("roomId")
	if roomIdentifier == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return
	}

	// Browsers cannot set headers on a websocket handshake
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token is required"})
		return
	}
	claims, err := h.issuer.Parse(token, auth.AudienceSignal)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}

	room, err := h.store.Joinable(c.Request.Context(), roomIdentifier)
	if err != nil {
		writeRoomError(c, err)
		return
	}
	if claims.RoomID != room.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Token is not valid for this room"})
		return
	}

	if h.connected(room.ID, claims.UserID) {
		c.JSON(http.StatusConflict, gin.H{"error": "Already connected to this room"})
		return
	}

	// Upgrade HTTP connection to WebSocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hubLog.Warnf("Failed to upgrade connection: %v", err)
		return
	}

	client := &Client{
		ID:     uuid.New().String(),
		RoomID: room.ID,
		UserID: claims.UserID,
		Role:   claims.Role,
		Conn:   conn,
		Send:   make(chan outbound, sendBufferSize),
		done:   make(chan struct{}),
	}

	r, err := h.join(client)
	if err != nil {
		// Lost a race with another connection
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteJSON(models.SignalMessage{Type: models.SignalTypeError, RoomID: room.ID, Error: err.Error()})
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		conn.Close()
		return
	}

	if err := h.store.AddPeer(context.Background(), room.ID, client.ID); err != nil {
		hubLog.Warnf("Failed to record peer %s in room %s: %v", client.ID, room.ID, err)
	}

	hubLog.Infof("Peer %s (%s, %s) joined room %s (code: %s)",
		client.ID, client.UserID, client.Role, room.ID, room.Code)

	// Send join confirmation
	client.sendMessage(models.SignalMessage{
		Type:   models.SignalTypeJoin,
		From:   client.ID,
		To:     client.ID,
		RoomID: room.ID,
		Role:   client.Role,
	}, false)

	// Notify other peers in room
	r.broadcastMessage(models.SignalMessage{
		Type:   models.SignalTypeJoin,
		From:   client.ID,
		RoomID: room.ID,
		Role:   client.Role,
	}, client.ID)

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump(h, r)
}

// EndRoom tells every connected peer the room has ended and disconnects them.
func (h *Hub) EndRoom(roomID string) {
	h.mu.RLock()
	r, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, client := range r.Peers {
		client.sendMessage(models.SignalMessage{
			Type:   models.SignalTypeEnded,
			RoomID: roomID,
		}, true)
	}
}

// ActivePeers returns the number of peers connected to roomID.
func (h *Hub) ActivePeers(roomID string) int {
	h.mu.RLock()
	r, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.Peers)
}

// connected reports whether userID already has a connection in roomID.
// Both participants would otherwise share one role.
func (h *Hub) connected(roomID, userID string) bool {
	h.mu.RLock()
	r, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, peer := range r.Peers {
		if peer.UserID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) join(client *Client) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, exists := h.rooms[client.RoomID]
	if !exists {
		r = &Room{
			ID:    client.RoomID,
			Peers: make(map[string]*Client),
		}
		h.rooms[client.RoomID] = r
		hubLog.Debugf("Created new room: %s", client.RoomID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, peer := range r.Peers {
		if peer.UserID == client.UserID {
			return nil, errAlreadyJoined
		}
	}
	if len(r.Peers) >= models.MaxParticipants {
		return nil, errRoomFull
	}
	r.Peers[client.ID] = client
	return r, nil
}

func (h *Hub) leave(r *Room, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.Peers, client.ID)

	// Clean up room if empty
	if len(r.Peers) == 0 && h.rooms[r.ID] == r {
		delete(h.rooms, r.ID)
		hubLog.Debugf("Removed empty room: %s", r.ID)
	}
}

func (r *Room) broadcastMessage(msg models.SignalMessage, excludePeerID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for peerID, client := range r.Peers {
		if peerID != excludePeerID {
			client.sendMessage(msg, false)
		}
	}
}

func (r *Room) sendToClient(msg models.SignalMessage, targetPeerID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, exists := r.Peers[targetPeerID]
	if !exists {
		hubLog.Warnf("Target peer %s not found in room %s", targetPeerID, r.ID)
		return
	}
	client.sendMessage(msg, false)
}

func (c *Client) readPump(h *Hub, r *Room) {
	defer func() {
		h.leave(r, c)
		c.close()

		if err := h.store.RemovePeer(context.Background(), c.RoomID, c.ID); err != nil {
			hubLog.Warnf("Failed to remove peer %s from room %s: %v", c.ID, c.RoomID, err)
		}

		// Notify other peers
		r.broadcastMessage(models.SignalMessage{
			Type:   models.SignalTypeLeave,
			From:   c.ID,
			RoomID: c.RoomID,
			Role:   c.Role,
		}, c.ID)

		hubLog.Infof("Peer %s left room %s", c.ID, c.RoomID)
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				hubLog.Warnf("WebSocket error for peer %s: %v", c.ID, err)
			}
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			hubLog.Warnf("Failed to parse message from peer %s: %v", c.ID, err)
			continue
		}

		// The sender is always the connection, never what the client claims
		msg.From = c.ID
		msg.RoomID = c.RoomID
		msg.Role = c.Role

		switch msg.Type {
		case models.SignalTypeMessage:
			if msg.To != "" {
				r.sendToClient(msg, msg.To)
			} else {
				r.broadcastMessage(msg, c.ID)
			}
		default:
			hubLog.Warnf("Unknown message type %q from peer %s", msg.Type, c.ID)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case out := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, out.data); err != nil {
				hubLog.Debugf("Failed to write message to peer %s: %v", c.ID, err)
				return
			}
			if out.final {
				c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "room ended"))
				return
			}

		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendMessage(msg models.SignalMessage, final bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		hubLog.Errorf("Failed to marshal message: %v", err)
		return
	}

	select {
	case <-c.done:
	case c.Send <- outbound{data: data, final: final}:
	default:
		hubLog.Warnf("Failed to send message to peer %s, buffer full", c.ID)
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
