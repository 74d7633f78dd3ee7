package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by Emit when the channel is down. Callers decide
// whether that is fatal; the call controller surfaces it as SignalingUnavailable.
var ErrNotConnected = errors.New("signaling channel not connected")

// Handler receives one inbound envelope. Handlers for the same event fire in
// registration order. No ordering is guaranteed across different event names.
type Handler func(env *Envelope)

type handlerEntry struct {
	id int
	fn Handler
}

// Client is a WebSocket signaling client bound to one user id.
// It performs pure dispatch: no call state lives here.
type Client struct {
	userID string

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu        sync.RWMutex
	connected bool
	handlers  map[string][]handlerEntry
	nextID    int

	done     chan struct{}
	closeOne sync.Once
}

// Dial connects to the signaling server at wsURL and starts the read loop.
func Dial(ctx context.Context, wsURL, userID string) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("signal url: %w", err)
	}
	q := u.Query()
	q.Set("user", userID)
	u.RawQuery = q.Encode()

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling server: %w", err)
	}

	c := &Client{
		userID:   userID,
		conn:     conn,
		handlers: make(map[string][]handlerEntry),
		done:     make(chan struct{}),
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	go c.readLoop()
	log.Printf("SIGNAL: connected as %s to %s", userID, wsURL)
	return c, nil
}

// On registers fn for event and returns an unregister func.
func (c *Client) On(event string, fn Handler) (off func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		entries := c.handlers[event]
		for i, e := range entries {
			if e.id == id {
				c.handlers[event] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
	}
}

// Emit sends an event to the given user via the hub.
func (c *Client) Emit(to, event string, payload any) error {
	c.mu.RLock()
	ok := c.connected
	c.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	env := Envelope{Event: event, To: to, Payload: raw}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(&env); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

// IsConnected reports whether the channel is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Close tears down the connection. Idempotent.
func (c *Client) Close() {
	c.closeOne.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		_ = c.conn.Close()
	})
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
			default:
				log.Printf("SIGNAL: read loop ended: %v", err)
			}
			return
		}
		c.dispatch(&env)
	}
}

// dispatch fires handlers registered for env.Event in registration order.
// The handler slice is copied under the lock so a handler may call Off
// (or On) without deadlocking.
func (c *Client) dispatch(env *Envelope) {
	c.mu.RLock()
	entries := make([]handlerEntry, len(c.handlers[env.Event]))
	copy(entries, c.handlers[env.Event])
	c.mu.RUnlock()

	for _, e := range entries {
		e.fn(env)
	}
}
