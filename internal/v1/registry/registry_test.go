package registry

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miuchi/chat-server/internal/v1/wire"
)

func TestRegistry_AddRemove(t *testing.T) {
	r := New()
	c := newTestClient("alice")

	r.Add("lobby", c)
	assert.Equal(t, 1, r.Occupants("lobby"))
	assert.Equal(t, 1, r.RoomCount())
	assert.True(t, c.Rooms.Has("lobby"))
	assert.Same(t, c, r.Lookup("lobby", c.UserID))

	removed := r.Remove("lobby", c.UserID)
	assert.Same(t, c, removed)
	assert.Equal(t, 0, r.Occupants("lobby"))
	assert.False(t, c.Rooms.Has("lobby"))
}

func TestRegistry_EmptyRoomIsReaped(t *testing.T) {
	r := New()
	a, b := newTestClient("alice"), newTestClient("bob")

	r.Add("lobby", a)
	r.Add("lobby", b)
	r.Remove("lobby", a.UserID)
	assert.Equal(t, 1, r.RoomCount())

	r.Remove("lobby", b.UserID)
	assert.Equal(t, 0, r.RoomCount())
}

func TestRegistry_RemoveAbsent(t *testing.T) {
	r := New()
	assert.Nil(t, r.Remove("nowhere", uuid.New()))

	c := newTestClient("alice")
	r.Add("lobby", c)
	assert.Nil(t, r.Remove("lobby", uuid.New()))
	assert.Equal(t, 1, r.Occupants("lobby"))
}

func TestRegistry_DuplicateJoinOverwritesSlot(t *testing.T) {
	r := New()
	userID := uuid.New()
	old := NewClient(userID, "alice")
	fresh := NewClient(userID, "alice")

	r.Add("lobby", old)
	r.Add("lobby", fresh)

	// One identity, one slot.
	assert.Equal(t, 1, r.Occupants("lobby"))
	assert.Same(t, fresh, r.Lookup("lobby", userID))
}

func TestRegistry_OverwriteClearsDisplacedRoomsSet(t *testing.T) {
	r := New()
	userID := uuid.New()
	old := NewClient(userID, "alice")
	fresh := NewClient(userID, "alice")

	r.Add("lobby", old)
	r.Add("lobby", fresh)

	// The displaced client's Rooms mirror must agree with the registry:
	// it no longer occupies the slot, so it no longer holds the room.
	assert.False(t, old.Rooms.Has("lobby"))
	assert.True(t, fresh.Rooms.Has("lobby"))

	// Re-adding the same client must not disturb its own mirror.
	r.Add("lobby", fresh)
	assert.True(t, fresh.Rooms.Has("lobby"))
}

func TestRegistry_CleanupRemovesAllRooms(t *testing.T) {
	r := New()
	c := newTestClient("alice")
	other := newTestClient("bob")

	r.Add("lobby", c)
	r.Add("dev", c)
	r.Add("dev", other)

	cleaned := r.Cleanup(c)
	assert.Equal(t, []string{"dev", "lobby"}, cleaned)
	assert.Equal(t, 0, r.Occupants("lobby"))
	assert.Equal(t, 1, r.Occupants("dev"))
	assert.Equal(t, 1, r.RoomCount())
}

func TestRegistry_CleanupSparesOvertakenSlot(t *testing.T) {
	r := New()
	userID := uuid.New()
	old := NewClient(userID, "alice")
	fresh := NewClient(userID, "alice")

	r.Add("lobby", old)
	r.Add("lobby", fresh)

	// The stale connection's cleanup must not evict the newer one.
	cleaned := r.Cleanup(old)
	assert.Empty(t, cleaned)
	assert.Same(t, fresh, r.Lookup("lobby", userID))
}

func TestRegistry_ConnectionCount(t *testing.T) {
	r := New()
	c := newTestClient("alice")
	assert.Equal(t, 0, r.ConnectionCount(c.UserID))

	r.Add("lobby", c)
	r.Add("dev", c)
	r.Add("random", c)
	assert.Equal(t, 3, r.ConnectionCount(c.UserID))
	assert.Equal(t, 0, r.ConnectionCount(uuid.New()))
}

func TestRegistry_Broadcast(t *testing.T) {
	r := New()
	a, b, c := newTestClient("alice"), newTestClient("bob"), newTestClient("carol")
	r.Add("lobby", a)
	r.Add("lobby", b)
	r.Add("lobby", c)

	delivered, dropped := r.Broadcast("lobby", wire.NewUserJoined("lobby", a.UserID.String(), "alice"), &a.UserID)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, 0, dropped)

	// Excluded sender got nothing.
	select {
	case f := <-a.Outbound():
		t.Fatalf("sender received excluded broadcast: %v", f)
	default:
	}

	f := <-b.Outbound()
	assert.Equal(t, wire.TypeUserJoined, f.FrameType())
	f = <-c.Outbound()
	assert.Equal(t, wire.TypeUserJoined, f.FrameType())
}

func TestRegistry_BroadcastNoExclusion(t *testing.T) {
	r := New()
	a, b := newTestClient("alice"), newTestClient("bob")
	r.Add("lobby", a)
	r.Add("lobby", b)

	delivered, _ := r.Broadcast("lobby", wire.NewMessage("m1", "lobby", a.UserID.String(), "alice", "hi", "text", time.Now()), nil)
	assert.Equal(t, 2, delivered)
}

func TestRegistry_BroadcastCountsDrops(t *testing.T) {
	r := New()
	a, b := newTestClient("alice"), newTestClient("bob")
	r.Add("lobby", a)
	r.Add("lobby", b)

	// Fill bob's queue so the broadcast drops for him only.
	for i := 0; i < OutboundQueueSize; i++ {
		require.True(t, b.TrySend(wire.NewPong(nil)))
	}

	delivered, dropped := r.Broadcast("lobby", wire.NewUserLeft("lobby", "x", "x"), nil)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, dropped)
}

func TestRegistry_BroadcastUnknownRoom(t *testing.T) {
	r := New()
	delivered, dropped := r.Broadcast("ghost", wire.NewPong(nil), nil)
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 0, dropped)
}

func TestRegistry_ClientsOfDeduplicates(t *testing.T) {
	r := New()
	c := newTestClient("alice")
	r.Add("lobby", c)
	r.Add("dev", c)

	clients := r.ClientsOf(c.UserID)
	require.Len(t, clients, 1)
	assert.Same(t, c, clients[0])

	assert.Empty(t, r.ClientsOf(uuid.New()))
}

func TestRegistry_OnlineUsers(t *testing.T) {
	r := New()
	alice := newTestClient("alice")
	bob := newTestClient("bob")
	r.Add("lobby", alice)
	r.Add("dev", alice)
	r.Add("lobby", bob)

	users := r.OnlineUsers()
	require.Len(t, users, 2)

	// Sorted by username, rooms collated and sorted.
	assert.Equal(t, "alice", users[0].Username)
	assert.Equal(t, []string{"dev", "lobby"}, users[0].Rooms)
	assert.Equal(t, "bob", users[1].Username)
	assert.Equal(t, []string{"lobby"}, users[1].Rooms)
}

func TestRegistry_ForEachClientVisitsEveryRow(t *testing.T) {
	r := New()
	a, b := newTestClient("alice"), newTestClient("bob")
	r.Add("lobby", a)
	r.Add("dev", a)
	r.Add("lobby", b)

	visits := map[*Client]int{}
	r.ForEachClient(func(c *Client) { visits[c]++ })

	assert.Equal(t, 2, visits[a])
	assert.Equal(t, 1, visits[b])
}
