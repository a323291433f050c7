package signaling

import (
	"errors"
	"sync"
)

// LocalBus connects channels opened in the same process. It is the
// in-memory counterpart of the websocket hub.
type LocalBus struct {
	mu    sync.Mutex
	rooms map[string]map[*localChannel]struct{}
}

func NewLocalBus() *LocalBus {
	return &LocalBus{rooms: make(map[string]map[*localChannel]struct{})}
}

// Open subscribes a new participant to roomID. The first participant of a
// room simply waits for others.
func (b *LocalBus) Open(roomID string) (Channel, error) {
	if roomID == "" {
		return nil, errors.New("signaling: empty room id")
	}

	c := &localChannel{
		bus:        b,
		namespace:  Namespace(roomID),
		dispatcher: newDispatcher(),
	}

	b.mu.Lock()
	subs, ok := b.rooms[c.namespace]
	if !ok {
		subs = make(map[*localChannel]struct{})
		b.rooms[c.namespace] = subs
	}
	subs[c] = struct{}{}
	count := len(subs)
	b.mu.Unlock()

	log.Debugf("Opened %s (%d subscribers)", c.namespace, count)
	return c, nil
}

// Subscribers returns the number of open channels on roomID.
func (b *LocalBus) Subscribers(roomID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms[Namespace(roomID)])
}

func (b *LocalBus) publish(from *localChannel, msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.rooms[from.namespace] {
		if sub == from {
			continue
		}
		if !sub.push(msg.clone()) {
			log.Warnw("Dropped signaling message", "room", from.namespace, "type", msg.Type)
		}
	}
}

func (b *LocalBus) remove(c *localChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.rooms[c.namespace]
	delete(subs, c)
	if len(subs) == 0 {
		delete(b.rooms, c.namespace)
	}
}

type localChannel struct {
	bus       *LocalBus
	namespace string
	*dispatcher

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func (c *localChannel) OnMessage(h func(Message)) {
	c.setHandler(h)
}

func (c *localChannel) Send(msg Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		log.Warnw("Send on closed signaling channel", "room", c.namespace, "type", msg.Type)
		return ErrChannelClosed
	}

	c.bus.publish(c, msg)
	return nil
}

func (c *localChannel) Done() <-chan struct{} { return c.dispatcher.done }

// Err is always nil: an in-process channel only ends through Close.
func (c *localChannel) Err() error { return nil }

func (c *localChannel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.bus.remove(c)
		c.stop()
		log.Debugf("Closed %s", c.namespace)
	})
	return nil
}
