// Package events fans coordinator events out to connected clients over
// per-principal WebSocket subscriptions.
package events

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/0xHecker/omni-stream/internal/logger"
)

// client wraps a websocket connection with a write lock. gorilla/websocket
// allows at most one concurrent writer per connection.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) sendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *client) sendControl(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

// Broker is an in-process fan-out of events to per-principal socket sets.
// A single mutex guards the subscription map; sends happen outside it.
type Broker struct {
	mu          sync.Mutex
	subscribers map[string]map[*client]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subscribers: make(map[string]map[*client]struct{})}
}

// Connect registers a websocket under a principal and returns the handle
// used for Disconnect and Pong.
func (b *Broker) Connect(principalID string, conn *websocket.Conn) *Client {
	c := &client{conn: conn}
	b.mu.Lock()
	set, ok := b.subscribers[principalID]
	if !ok {
		set = make(map[*client]struct{})
		b.subscribers[principalID] = set
	}
	set[c] = struct{}{}
	b.mu.Unlock()
	return &Client{broker: b, principalID: principalID, inner: c}
}

// Publish sends an event to every socket subscribed to the principal.
// Sockets whose send fails are reaped. Events are fire-and-forget; absent
// subscribers simply miss them.
func (b *Broker) Publish(principalID string, event any) {
	b.mu.Lock()
	set := b.subscribers[principalID]
	snapshot := make([]*client, 0, len(set))
	for c := range set {
		snapshot = append(snapshot, c)
	}
	b.mu.Unlock()

	var stale []*client
	for _, c := range snapshot {
		if err := c.sendJSON(event); err != nil {
			stale = append(stale, c)
		}
	}
	if len(stale) == 0 {
		return
	}

	b.mu.Lock()
	if set, ok := b.subscribers[principalID]; ok {
		for _, c := range stale {
			delete(set, c)
		}
		if len(set) == 0 {
			delete(b.subscribers, principalID)
		}
	}
	b.mu.Unlock()

	for _, c := range stale {
		_ = c.conn.Close()
	}
	logger.Debug("reaped stale event subscribers",
		"principal_id", principalID,
		"count", len(stale))
}

// CloseAll closes every subscribed socket and clears the map. Used at
// shutdown.
func (b *Broker) CloseAll(code int) {
	b.mu.Lock()
	var all []*client
	for _, set := range b.subscribers {
		for c := range set {
			all = append(all, c)
		}
	}
	b.subscribers = make(map[string]map[*client]struct{})
	b.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, "")
	for _, c := range all {
		_ = c.sendControl(websocket.CloseMessage, msg)
		_ = c.conn.Close()
	}
}

// SubscriberCount returns the number of sockets subscribed for a
// principal.
func (b *Broker) SubscriberCount(principalID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[principalID])
}

// Client is a subscribed socket handle.
type Client struct {
	broker      *Broker
	principalID string
	inner       *client
}

// Pong answers a client ping frame.
func (c *Client) Pong() error {
	return c.inner.sendJSON(map[string]string{"type": "pong"})
}

// Disconnect removes the socket from the broker. The caller still owns
// closing the underlying connection.
func (c *Client) Disconnect() {
	b := c.broker
	b.mu.Lock()
	if set, ok := b.subscribers[c.principalID]; ok {
		delete(set, c.inner)
		if len(set) == 0 {
			delete(b.subscribers, c.principalID)
		}
	}
	b.mu.Unlock()
}
