// Package signaling relays call negotiation messages between the two
// participants of a room. Delivery is best-effort: no retries, no queueing
// across close, and a message sent before a participant subscribes is lost.
package signaling

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/mossy-p/teleconsult/internal/logging"
	"github.com/mossy-p/teleconsult/internal/models"
)

var log = logging.Logger("signaling")

// ErrChannelClosed is returned by Send after Close.
var ErrChannelClosed = errors.New("signaling: channel closed")

type MessageType string

const (
	// TypePing is the presence ping used to decide who sends the offer.
	TypePing MessageType = "ping"
	// TypeSignal carries an opaque negotiation payload.
	TypeSignal MessageType = "signal"
	// TypeBye announces that the sender hung up.
	TypeBye MessageType = "bye"
)

// Message is what participants exchange over a Channel.
type Message struct {
	Type MessageType `json:"type"`

	// Ping fields
	ID    string      `json:"id,omitempty"`
	T     int64       `json:"t,omitempty"`
	Role  models.Role `json:"role,omitempty"`
	Ack   bool        `json:"ack,omitempty"`
	Reply bool        `json:"reply,omitempty"`

	Data json.RawMessage `json:"data,omitempty"`
}

// Ping builds a presence ping from id.
func Ping(id string, role models.Role, ack, reply bool) Message {
	return Message{
		Type:  TypePing,
		ID:    id,
		T:     time.Now().UnixMilli(),
		Role:  role,
		Ack:   ack,
		Reply: reply,
	}
}

// Signal wraps a negotiation payload.
func Signal(data json.RawMessage) Message {
	return Message{Type: TypeSignal, Data: data}
}

// Bye builds a hangup notice.
func Bye() Message {
	return Message{Type: TypeBye}
}

func (m Message) clone() Message {
	if m.Data != nil {
		m.Data = append(json.RawMessage(nil), m.Data...)
	}
	return m
}

// Channel is one participant's handle on a room.
type Channel interface {
	// OnMessage registers the handler for messages from other participants.
	// Registering again replaces the previous handler. Messages that arrive
	// before the first registration are held until it happens.
	OnMessage(func(Message))

	// Send delivers msg to every other participant currently subscribed.
	// After Close it returns ErrChannelClosed and logs a warning.
	Send(Message) error

	// Close releases the channel. It is idempotent.
	Close() error

	// Done is closed once the channel can no longer deliver messages: after
	// Close, or when the transport fails.
	Done() <-chan struct{}

	// Err reports the transport failure that closed Done. It is nil after a
	// plain Close.
	Err() error
}

// Namespace is the transport key for a room.
func Namespace(roomID string) string {
	return "teleconsult-" + roomID
}

const inboxSize = 64

// dispatcher delivers inbound messages to the registered handler in
// arrival order on its own goroutine.
type dispatcher struct {
	inbox chan Message
	done  chan struct{}
	start sync.Once

	mu      sync.Mutex
	handler func(Message)
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		inbox: make(chan Message, inboxSize),
		done:  make(chan struct{}),
	}
}

func (d *dispatcher) setHandler(h func(Message)) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
	d.start.Do(func() { go d.run() })
}

// push queues msg without blocking. It reports false when the dispatcher is
// stopped or the inbox is full.
func (d *dispatcher) push(msg Message) bool {
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.inbox <- msg:
		return true
	default:
		return false
	}
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case msg := <-d.inbox:
			d.mu.Lock()
			h := d.handler
			d.mu.Unlock()
			if h != nil {
				h(msg)
			}
		}
	}
}

// stop must be called at most once.
func (d *dispatcher) stop() {
	close(d.done)
}
