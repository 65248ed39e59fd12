package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/miuchi/chat-server/internal/v1/auth"
	"github.com/miuchi/chat-server/internal/v1/logging"
	"github.com/miuchi/chat-server/internal/v1/metrics"
	"github.com/miuchi/chat-server/internal/v1/ratelimit"
	"github.com/miuchi/chat-server/internal/v1/registry"
	"github.com/miuchi/chat-server/internal/v1/wire"
)

const (
	// HeartbeatInterval is the cadence of server-originated pings.
	HeartbeatInterval = 30 * time.Second
	// ClientTimeout is the inbound-silence threshold after which a
	// connection is declared dead.
	ClientTimeout = 60 * time.Second
	// WriteWait bounds a single socket write.
	WriteWait = 5 * time.Second
)

// socket is the slice of *websocket.Conn the actor uses; tests substitute
// an in-memory implementation.
type socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPingHandler(h func(appData string) error)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// conn is the actor for one live connection: a reader, a writer and a
// heartbeat goroutine sharing a client record. Teardown always converges on
// cleanup exactly once, whichever goroutine dies first.
type conn struct {
	sock       socket
	client     *registry.Client
	user       *auth.Identity
	dispatcher *Dispatcher
	registry   *registry.Registry

	ctx    context.Context
	cancel context.CancelFunc

	heartbeatInterval time.Duration
	clientTimeout     time.Duration
	writeWait         time.Duration

	cleanupOnce sync.Once
}

func newConn(parent context.Context, sock socket, client *registry.Client, user *auth.Identity, d *Dispatcher, reg *registry.Registry) *conn {
	ctx, cancel := context.WithCancel(parent)
	ctx = context.WithValue(ctx, logging.UserIDKey, user.ID.String())
	return &conn{
		sock:              sock,
		client:            client,
		user:              user,
		dispatcher:        d,
		registry:          reg,
		ctx:               ctx,
		cancel:            cancel,
		heartbeatInterval: HeartbeatInterval,
		clientTimeout:     ClientTimeout,
		writeWait:         WriteWait,
	}
}

// run spawns the three goroutines of the actor. It returns immediately.
func (c *conn) run() {
	go c.writePump()
	go c.heartbeat()
	go c.readPump()
}

// readPump consumes the socket until it errors, dispatching each text
// frame. Its defer is the single cleanup path for the whole actor: closing
// the socket from any other goroutine unblocks the read and lands here.
func (c *conn) readPump() {
	defer c.teardown()

	// Transport-level cap, above the protocol cap so oversize frames get a
	// polite error reply instead of an abrupt close.
	c.sock.SetReadLimit(2 * wire.MaxFrameSize)
	c.sock.SetPingHandler(func(string) error {
		c.client.Touch()
		c.client.TrySend(wire.NewPong(nil))
		return nil
	})
	c.sock.SetPongHandler(func(string) error {
		c.client.Touch()
		return nil
	})

	for {
		msgType, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Warn(c.ctx, "connection closed unexpectedly", zap.Error(err))
			}
			return
		}
		c.client.Touch()

		switch msgType {
		case websocket.TextMessage:
			c.handleText(data)
		case websocket.BinaryMessage:
			c.client.TrySend(wire.NewError("Binary messages not supported", wire.CodeProtocol))
		}
	}
}

// handleText runs the full inbound pipeline for one text frame: size check,
// permit, decode, dispatch. Dispatch panics are contained to this frame.
func (c *conn) handleText(data []byte) {
	if len(data) > wire.MaxFrameSize {
		logging.Warn(c.ctx, "oversized frame rejected", zap.Int("size", len(data)))
		c.client.TrySend(wire.NewError("Message too large", wire.CodeTooLarge))
		return
	}

	if !c.client.Permits.TryAcquire() {
		metrics.RateLimitedFrames.Inc()
		c.client.TrySend(wire.NewRateLimited(ratelimit.RetryAfterSeconds))
		return
	}
	c.client.CountMessage()

	frame, err := wire.Decode(data)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownType) {
			c.client.TrySend(wire.NewError("Unknown message type", wire.CodeProtocol))
		} else {
			c.client.TrySend(wire.NewError("Invalid JSON format", wire.CodeProtocol))
		}
		return
	}

	c.dispatch(frame)
}

func (c *conn) dispatch(frame wire.Frame) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(c.ctx, "dispatch panic",
				zap.String("frame_type", frame.FrameType()), zap.Any("panic", r))
			metrics.WsEvents.WithLabelValues(frame.FrameType(), "panic").Inc()
			c.client.TrySend(wire.NewError("Internal server error", wire.CodeInternal))
		}
	}()

	start := time.Now()
	err := c.dispatcher.Dispatch(c.ctx, frame, c.user, c.client)
	metrics.DispatchDuration.WithLabelValues(frame.FrameType()).Observe(time.Since(start).Seconds())

	status := "ok"
	if err != nil {
		status = "error"
		var derr *dispatchError
		if errors.As(err, &derr) {
			c.client.TrySend(derr.Frame())
		} else {
			logging.Error(c.ctx, "dispatch failed",
				zap.String("frame_type", frame.FrameType()), zap.Error(err))
			c.client.TrySend(wire.NewError("Internal server error", wire.CodeInternal))
		}
	}
	metrics.WsEvents.WithLabelValues(frame.FrameType(), status).Inc()
}

// writePump serializes the outbound queue onto the socket. When the queue
// closes it drains whatever was already buffered, then sends a close frame;
// that ordering is what lets a timeout error reach the client before the
// connection dies.
func (c *conn) writePump() {
	defer c.sock.Close()

	for f := range c.client.Outbound() {
		data, err := wire.Encode(f)
		if err != nil {
			logging.Error(c.ctx, "frame serialization failed",
				zap.String("frame_type", f.FrameType()), zap.Error(err))
			data, err = wire.Encode(wire.NewError("Internal serialization error", wire.CodeInternal))
			if err != nil {
				return
			}
		}
		if len(data) > wire.MaxFrameSize {
			logging.Warn(c.ctx, "outbound frame too large, dropping",
				zap.String("frame_type", f.FrameType()), zap.Int("size", len(data)))
			continue
		}

		_ = c.sock.SetWriteDeadline(time.Now().Add(c.writeWait))
		if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}

	_ = c.sock.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.writeWait))
}

// heartbeat pings the client on a fixed cadence and declares it dead after
// the silence threshold. The timeout error is enqueued before the queue is
// closed so the writer flushes it ahead of the close frame.
func (c *conn) heartbeat() {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.client.IdleFor() > c.clientTimeout {
				logging.Warn(c.ctx, "client heartbeat timeout",
					zap.Duration("idle", c.client.IdleFor()))
				c.client.TrySend(wire.NewError("Connection timed out", wire.CodeTimeout))
				c.client.Disconnect()
				return
			}
			c.client.TrySend(wire.NewPing(uint64(time.Now().UnixMilli())))
		}
	}
}

// teardown releases everything the connection holds. Runs exactly once, on
// every terminal path.
func (c *conn) teardown() {
	c.cleanupOnce.Do(func() {
		cleaned := c.registry.Cleanup(c.client)
		c.client.Disconnect()
		c.cancel()
		c.sock.Close()
		metrics.DecConnection()
		logging.Info(c.ctx, "connection closed",
			zap.String("username", c.user.Username),
			zap.Strings("rooms_cleaned", cleaned),
			zap.Uint64("messages_dispatched", c.client.MessageCount()))
	})
}
