// Package registry holds the process-wide map of who is connected to which
// room right now. It is the single piece of shared mutable state in the
// realtime core, guarded by one readers-writer lock. No I/O happens while
// the lock is held.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/miuchi/chat-server/internal/v1/logging"
	"github.com/miuchi/chat-server/internal/v1/metrics"
	"github.com/miuchi/chat-server/internal/v1/wire"
)

// Registry maps room name -> identity -> client. A room key exists only
// while its inner map is non-empty; empty rooms are reaped eagerly.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[uuid.UUID]*Client
}

func New() *Registry {
	return &Registry{rooms: make(map[string]map[uuid.UUID]*Client)}
}

// Add inserts the client into a room. A re-join by the same identity
// replaces the existing slot; within one room an identity occupies exactly
// one slot. A displaced client no longer holds the room, so its Rooms
// mirror must not claim it either.
func (r *Registry) Add(room string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	occupants, ok := r.rooms[room]
	if !ok {
		occupants = make(map[uuid.UUID]*Client)
		r.rooms[room] = occupants
		metrics.ActiveRooms.Inc()
	}
	if prev, ok := occupants[c.UserID]; ok && prev != c {
		prev.Rooms.Delete(room)
	}
	occupants[c.UserID] = c
	c.Rooms.Insert(room)
	metrics.RoomOccupants.WithLabelValues(room).Set(float64(len(occupants)))
}

// Remove deletes the identity's slot in a room and reaps the room if it
// becomes empty. Returns the removed client, or nil if it was not present.
func (r *Registry) Remove(room string, userID uuid.UUID) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	occupants, ok := r.rooms[room]
	if !ok {
		return nil
	}
	c, ok := occupants[userID]
	if !ok {
		return nil
	}
	delete(occupants, userID)
	c.Rooms.Delete(room)
	if len(occupants) == 0 {
		delete(r.rooms, room)
		metrics.ActiveRooms.Dec()
		metrics.RoomOccupants.DeleteLabelValues(room)
	} else {
		metrics.RoomOccupants.WithLabelValues(room).Set(float64(len(occupants)))
	}
	return c
}

// Cleanup removes the client from every room it appears in, reaping rooms
// that become empty. Called on every terminal connection path. A slot taken
// over by a newer connection of the same identity is left alone. Returns
// the names of the rooms the client was removed from.
func (r *Registry) Cleanup(client *Client) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cleaned []string
	for room, occupants := range r.rooms {
		c, ok := occupants[client.UserID]
		if !ok || c != client {
			continue
		}
		delete(occupants, client.UserID)
		c.Rooms.Delete(room)
		cleaned = append(cleaned, room)
		if len(occupants) == 0 {
			delete(r.rooms, room)
			metrics.ActiveRooms.Dec()
			metrics.RoomOccupants.DeleteLabelValues(room)
		} else {
			metrics.RoomOccupants.WithLabelValues(room).Set(float64(len(occupants)))
		}
	}
	sort.Strings(cleaned)
	return cleaned
}

// Lookup returns the client occupying the identity's slot in a room.
func (r *Registry) Lookup(room string, userID uuid.UUID) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if occupants, ok := r.rooms[room]; ok {
		return occupants[userID]
	}
	return nil
}

// ClientsOf scans all rooms for the identity's clients, deduplicated (one
// connection joined to several rooms holds the same client in each). Used
// by the signaling relay, which delivers to the first slot that accepts.
func (r *Registry) ClientsOf(userID uuid.UUID) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[*Client]struct{})
	var clients []*Client
	for _, occupants := range r.rooms {
		if c, ok := occupants[userID]; ok {
			if _, dup := seen[c]; !dup {
				seen[c] = struct{}{}
				clients = append(clients, c)
			}
		}
	}
	return clients
}

// ConnectionCount reports how many registry rows reference the identity,
// one per occupied room. The upgrade handler uses it to enforce the
// per-identity connection cap.
func (r *Registry) ConnectionCount(userID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, occupants := range r.rooms {
		if _, ok := occupants[userID]; ok {
			n++
		}
	}
	return n
}

// Occupants returns the number of clients currently in a room.
func (r *Registry) Occupants(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Broadcast enqueues a frame to every client in a room, optionally skipping
// one identity. A full or closed recipient queue counts as a dropped
// delivery for that recipient only; the frame is not retried. Returns the
// delivered and dropped counts.
func (r *Registry) Broadcast(room string, f wire.Frame, exclude *uuid.UUID) (delivered, dropped int) {
	r.mu.RLock()
	occupants, ok := r.rooms[room]
	if !ok {
		r.mu.RUnlock()
		logging.Warn(context.Background(), "broadcast to non-existent room", zap.String("room", room))
		return 0, 0
	}
	targets := make([]*Client, 0, len(occupants))
	for userID, c := range occupants {
		if exclude != nil && *exclude == userID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if c.TrySend(f) {
			delivered++
		} else {
			dropped++
			metrics.DroppedDeliveries.Inc()
			logging.Warn(context.Background(), "outbound queue full, dropping frame",
				zap.String("room", room), zap.String("user_id", c.UserID.String()))
		}
	}
	return delivered, dropped
}

// OnlineUser is one row of the online-users snapshot consumed by the REST
// surface.
type OnlineUser struct {
	UserID      uuid.UUID
	Username    string
	Rooms       []string
	ConnectedAt time.Time
}

// OnlineUsers synthesizes one entry per distinct identity with its rooms
// collated across all registry rows. ConnectedAt comes from the first row
// encountered for the identity.
func (r *Registry) OnlineUsers() []OnlineUser {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byUser := make(map[uuid.UUID]*OnlineUser)
	for room, occupants := range r.rooms {
		for userID, c := range occupants {
			entry, ok := byUser[userID]
			if !ok {
				entry = &OnlineUser{
					UserID:      userID,
					Username:    c.Username,
					ConnectedAt: c.ConnectedAt,
				}
				byUser[userID] = entry
			}
			entry.Rooms = append(entry.Rooms, room)
		}
	}

	users := make([]OnlineUser, 0, len(byUser))
	for _, entry := range byUser {
		sort.Strings(entry.Rooms)
		users = append(users, *entry)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users
}

// ForEachClient visits every registry row. Rows sharing a client (one
// connection joined to several rooms) are visited once per room; callers
// must be idempotent per client. Used by the rate-limit replenisher.
func (r *Registry) ForEachClient(fn func(*Client)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, occupants := range r.rooms {
		for _, c := range occupants {
			fn(c)
		}
	}
}
