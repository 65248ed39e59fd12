package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/set"

	"github.com/miuchi/chat-server/internal/v1/ratelimit"
	"github.com/miuchi/chat-server/internal/v1/wire"
)

// OutboundQueueSize bounds the per-connection outbound frame backlog.
const OutboundQueueSize = 100

// Client is the in-memory session record for one live connection. It is
// created by the upgrade handler, inserted into the registry on join, and
// destroyed on disconnect. The identity and display name are immutable for
// the life of the connection.
type Client struct {
	UserID      uuid.UUID
	Username    string
	Rooms       set.Set[string] // joined room names, mutated under the registry lock
	ConnectedAt time.Time
	Permits     *ratelimit.Pool

	send         chan wire.Frame
	messageCount atomic.Uint64

	activityMu   sync.RWMutex
	lastActivity time.Time

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewClient builds a session record with a fresh outbound queue and a full
// permit pool.
func NewClient(userID uuid.UUID, username string) *Client {
	now := time.Now()
	return &Client{
		UserID:       userID,
		Username:     username,
		Rooms:        set.New[string](),
		ConnectedAt:  now,
		Permits:      ratelimit.NewPool(),
		send:         make(chan wire.Frame, OutboundQueueSize),
		lastActivity: now,
	}
}

// Outbound exposes the receive side of the outbound queue to the writer.
func (c *Client) Outbound() <-chan wire.Frame {
	return c.send
}

// TrySend enqueues a frame without blocking. It returns false when the
// queue is full or the client has disconnected; the frame is dropped and
// never retried for this recipient.
func (c *Client) TrySend(f wire.Frame) bool {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return false
	}
	c.mu.RUnlock()

	// The channel may be closed between the check and the send; recover
	// turns that race into a reported drop.
	ok := false
	func() {
		defer func() { _ = recover() }()
		select {
		case c.send <- f:
			ok = true
		default:
		}
	}()
	return ok
}

// Disconnect closes the outbound queue. The writer drains any buffered
// frames, emits a close frame, and tears the connection down. Safe to call
// more than once.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// Closed reports whether Disconnect has been called.
func (c *Client) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Touch records inbound activity for the heartbeat timeout check.
func (c *Client) Touch() {
	c.activityMu.Lock()
	c.lastActivity = time.Now()
	c.activityMu.Unlock()
}

// IdleFor returns how long the connection has been without inbound activity.
func (c *Client) IdleFor() time.Duration {
	c.activityMu.RLock()
	defer c.activityMu.RUnlock()
	return time.Since(c.lastActivity)
}

// CountMessage increments the per-connection inbound frame counter.
func (c *Client) CountMessage() uint64 {
	return c.messageCount.Add(1)
}

// MessageCount returns the number of dispatched inbound frames.
func (c *Client) MessageCount() uint64 {
	return c.messageCount.Load()
}
