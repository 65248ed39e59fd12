package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miuchi/chat-server/internal/v1/auth"
	"github.com/miuchi/chat-server/internal/v1/ratelimit"
	"github.com/miuchi/chat-server/internal/v1/registry"
	"github.com/miuchi/chat-server/internal/v1/store"
	"github.com/miuchi/chat-server/internal/v1/wire"
)

type fakeMsg struct {
	kind int
	data []byte
}

type controlMsg struct {
	kind int
	data []byte
}

// fakeSocket is an in-memory stand-in for *websocket.Conn.
type fakeSocket struct {
	mu        sync.Mutex
	inbound   chan fakeMsg
	frames    [][]byte
	controls  []controlMsg
	closeOnce sync.Once
	done      chan struct{}

	pingHandler func(string) error
	pongHandler func(string) error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan fakeMsg, 16),
		done:    make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case m := <-s.inbound:
		return m.kind, m.data, nil
	case <-s.done:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (s *fakeSocket) WriteMessage(kind int, data []byte) error {
	select {
	case <-s.done:
		return errors.New("use of closed network connection")
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) WriteControl(kind int, data []byte, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls = append(s.controls, controlMsg{kind: kind, data: data})
	return nil
}

func (s *fakeSocket) SetWriteDeadline(time.Time) error { return nil }
func (s *fakeSocket) SetReadLimit(int64)               {}

func (s *fakeSocket) SetPingHandler(h func(string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingHandler = h
}

func (s *fakeSocket) SetPongHandler(h func(string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pongHandler = h
}

func (s *fakeSocket) getPingHandler() func(string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingHandler
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSocket) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *fakeSocket) writtenFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

func (s *fakeSocket) writtenControls() []controlMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]controlMsg(nil), s.controls...)
}

type connFixture struct {
	conn     *conn
	sock     *fakeSocket
	client   *registry.Client
	user     *auth.Identity
	registry *registry.Registry
	rooms    *mockRoomStore
}

func newConnFixture(t *testing.T) *connFixture {
	t.Helper()
	sock := newFakeSocket()
	user := newIdentity("alice")
	client := registry.NewClient(user.ID, user.Username)
	reg := registry.New()
	rooms := newMockRoomStore()
	d := NewDispatcher(reg, rooms, &mockIndexer{})

	c := newConn(context.Background(), sock, client, user, d, reg)
	t.Cleanup(c.teardown)
	return &connFixture{conn: c, sock: sock, client: client, user: user, registry: reg, rooms: rooms}
}

func TestHandleText_OversizedFrame(t *testing.T) {
	fx := newConnFixture(t)

	big := []byte(`{"type":"send_message","room":"lobby","content":"` + strings.Repeat("a", wire.MaxFrameSize) + `"}`)
	fx.conn.handleText(big)

	errFrame := requireFrame[*wire.Error](t, fx.client)
	assert.Equal(t, "Message too large", errFrame.Message)
	require.NotNil(t, errFrame.Code)
	assert.Equal(t, wire.CodeTooLarge, *errFrame.Code)
}

func TestHandleText_OversizedFrameCostsNoPermit(t *testing.T) {
	fx := newConnFixture(t)
	before := fx.client.Permits.Available()

	fx.conn.handleText(make([]byte, wire.MaxFrameSize+1))

	assert.Equal(t, before, fx.client.Permits.Available())
	assert.Equal(t, uint64(0), fx.client.MessageCount())
}

func TestHandleText_RateLimited(t *testing.T) {
	fx := newConnFixture(t)
	for fx.client.Permits.TryAcquire() {
	}

	fx.conn.handleText([]byte(`{"type":"ping"}`))

	rl := requireFrame[*wire.RateLimited](t, fx.client)
	assert.Equal(t, uint64(ratelimit.RetryAfterSeconds), rl.RetryAfter)
	// The frame was dropped before decode and dispatch.
	assert.Equal(t, uint64(0), fx.client.MessageCount())
}

func TestHandleText_InvalidJSON(t *testing.T) {
	fx := newConnFixture(t)

	fx.conn.handleText([]byte(`{"type":"join_room"`))

	errFrame := requireFrame[*wire.Error](t, fx.client)
	assert.Equal(t, "Invalid JSON format", errFrame.Message)
	require.NotNil(t, errFrame.Code)
	assert.Equal(t, wire.CodeProtocol, *errFrame.Code)
}

func TestHandleText_UnknownType(t *testing.T) {
	fx := newConnFixture(t)

	fx.conn.handleText([]byte(`{"type":"teleport"}`))

	errFrame := requireFrame[*wire.Error](t, fx.client)
	assert.Equal(t, "Unknown message type", errFrame.Message)
	require.NotNil(t, errFrame.Code)
	assert.Equal(t, wire.CodeProtocol, *errFrame.Code)
}

func TestHandleText_DispatchErrorReachesClient(t *testing.T) {
	fx := newConnFixture(t)

	fx.conn.handleText([]byte(`{"type":"join_room","room":"ghost"}`))

	errFrame := requireFrame[*wire.Error](t, fx.client)
	assert.Equal(t, "Room not found", errFrame.Message)
	assert.Nil(t, errFrame.Code)
}

// panickyStore blows up on any lookup.
type panickyStore struct{ *mockRoomStore }

func (p *panickyStore) FindRoomByName(ctx context.Context, name string) (*store.Room, error) {
	panic("index out of range")
}

func TestHandleText_DispatchPanicIsContained(t *testing.T) {
	fx := newConnFixture(t)
	fx.conn.dispatcher = NewDispatcher(fx.registry, &panickyStore{fx.rooms}, &mockIndexer{})

	require.NotPanics(t, func() {
		fx.conn.handleText([]byte(`{"type":"join_room","room":"lobby"}`))
	})

	errFrame := requireFrame[*wire.Error](t, fx.client)
	assert.Equal(t, "Internal server error", errFrame.Message)
	require.NotNil(t, errFrame.Code)
	assert.Equal(t, wire.CodeInternal, *errFrame.Code)
}

func TestReadPump_BinaryFrameRejected(t *testing.T) {
	fx := newConnFixture(t)
	fx.sock.inbound <- fakeMsg{kind: websocket.BinaryMessage, data: []byte{0x01, 0x02}}

	go fx.conn.readPump()
	defer fx.sock.Close()

	errFrame := requireFrame[*wire.Error](t, fx.client)
	assert.Equal(t, "Binary messages not supported", errFrame.Message)
	require.NotNil(t, errFrame.Code)
	assert.Equal(t, wire.CodeProtocol, *errFrame.Code)
}

func TestReadPump_ControlPingGetsPong(t *testing.T) {
	fx := newConnFixture(t)
	go fx.conn.readPump()
	defer fx.sock.Close()

	require.Eventually(t, func() bool { return fx.sock.getPingHandler() != nil },
		time.Second, 5*time.Millisecond)
	require.NoError(t, fx.sock.getPingHandler()(""))

	pong := requireFrame[*wire.Pong](t, fx.client)
	assert.Nil(t, pong.Timestamp)
}

func TestReadPump_SocketCloseTriggersCleanup(t *testing.T) {
	fx := newConnFixture(t)
	fx.registry.Add("lobby", fx.client)

	go fx.conn.readPump()
	fx.sock.Close()

	require.Eventually(t, func() bool {
		return fx.registry.Occupants("lobby") == 0
	}, time.Second, 5*time.Millisecond)
	assert.True(t, fx.client.Closed())
}

func TestWritePump_SerializesOutbound(t *testing.T) {
	fx := newConnFixture(t)

	require.True(t, fx.client.TrySend(wire.NewRoomJoined("lobby", fx.user.ID.String(), "alice")))

	go fx.conn.writePump()

	require.Eventually(t, func() bool {
		return len(fx.sock.writtenFrames()) == 1
	}, time.Second, 5*time.Millisecond)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(fx.sock.writtenFrames()[0], &decoded))
	assert.Equal(t, "room_joined", decoded["type"])

	fx.client.Disconnect()
	require.Eventually(t, fx.sock.closed, time.Second, 5*time.Millisecond)
}

func TestWritePump_FlushesBeforeCloseFrame(t *testing.T) {
	fx := newConnFixture(t)

	// Enqueue the timeout error, then close the queue: the writer must
	// flush the error before emitting the close frame.
	require.True(t, fx.client.TrySend(wire.NewError("Connection timed out", wire.CodeTimeout)))
	fx.client.Disconnect()

	fx.conn.writePump()

	frames := fx.sock.writtenFrames()
	require.Len(t, frames, 1)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(frames[0], &decoded))
	assert.Equal(t, "error", decoded["type"])
	assert.Equal(t, float64(wire.CodeTimeout), decoded["code"])

	controls := fx.sock.writtenControls()
	require.Len(t, controls, 1)
	assert.Equal(t, websocket.CloseMessage, controls[0].kind)
	assert.True(t, fx.sock.closed())
}

func TestHeartbeat_SendsPings(t *testing.T) {
	fx := newConnFixture(t)
	fx.conn.heartbeatInterval = 10 * time.Millisecond
	fx.conn.clientTimeout = time.Minute

	go fx.conn.heartbeat()
	defer fx.conn.cancel()

	ping := requireFrameWait[*wire.Ping](t, fx.client)
	require.NotNil(t, ping.Timestamp)
	assert.InDelta(t, uint64(time.Now().UnixMilli()), *ping.Timestamp, 5000)
}

func TestHeartbeat_TimesOutIdleConnection(t *testing.T) {
	fx := newConnFixture(t)
	fx.conn.heartbeatInterval = 10 * time.Millisecond
	fx.conn.clientTimeout = 20 * time.Millisecond

	go fx.conn.heartbeat()

	// Let the idle threshold pass without touching the client.
	errFrame := requireFrameWait[*wire.Error](t, fx.client)
	assert.Equal(t, "Connection timed out", errFrame.Message)
	require.NotNil(t, errFrame.Code)
	assert.Equal(t, wire.CodeTimeout, *errFrame.Code)

	require.Eventually(t, fx.client.Closed, time.Second, 5*time.Millisecond)
}

func TestHeartbeat_ActivityPreventsTimeout(t *testing.T) {
	fx := newConnFixture(t)
	fx.conn.heartbeatInterval = 10 * time.Millisecond
	fx.conn.clientTimeout = 200 * time.Millisecond

	go fx.conn.heartbeat()
	defer fx.conn.cancel()

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		fx.client.Touch()
		time.Sleep(5 * time.Millisecond)
	}
	assert.False(t, fx.client.Closed())
}

func TestActorLifecycle(t *testing.T) {
	// End to end: run all three goroutines, join a room over the wire,
	// then kill the socket and watch everything converge.
	fx := newConnFixture(t)
	fx.rooms.addRoom("lobby", true)

	fx.conn.run()
	fx.sock.inbound <- fakeMsg{kind: websocket.TextMessage, data: []byte(`{"type":"join_room","room":"lobby"}`)}

	require.Eventually(t, func() bool {
		for _, f := range fx.sock.writtenFrames() {
			var decoded map[string]any
			if json.Unmarshal(f, &decoded) == nil && decoded["type"] == "room_joined" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, fx.registry.Occupants("lobby"))

	fx.sock.Close()
	require.Eventually(t, func() bool {
		return fx.registry.Occupants("lobby") == 0 && fx.client.Closed()
	}, time.Second, 5*time.Millisecond)
}

// requireFrameWait blocks for a frame, for tests racing a goroutine.
func requireFrameWait[T wire.Frame](t *testing.T, c *registry.Client) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-c.Outbound():
			require.True(t, ok, "outbound queue closed while waiting")
			if typed, match := f.(T); match {
				return typed
			}
			// Skip interleaved pings.
		case <-deadline:
			t.Fatal("no frame received")
			panic("unreachable")
		}
	}
}
