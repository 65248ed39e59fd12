// Package ws is the realtime core: the upgrade handler, the per-connection
// actor (reader, writer, heartbeat), and the dispatcher that executes
// client frames against the registry, persistence and search.
package ws

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/miuchi/chat-server/internal/v1/auth"
	"github.com/miuchi/chat-server/internal/v1/logging"
	"github.com/miuchi/chat-server/internal/v1/registry"
	"github.com/miuchi/chat-server/internal/v1/search"
	"github.com/miuchi/chat-server/internal/v1/store"
	"github.com/miuchi/chat-server/internal/v1/wire"
)

const (
	// MaxRoomNameLen bounds the room field of join/send frames.
	MaxRoomNameLen = 100
	// MaxContentBytes bounds the content of a chat message, in bytes.
	MaxContentBytes = 4000
)

// RoomStore is the slice of persistence the dispatcher needs: room
// resolution, membership checks, and message inserts.
type RoomStore interface {
	FindRoomByID(ctx context.Context, id uuid.UUID) (*store.Room, error)
	FindRoomByName(ctx context.Context, name string) (*store.Room, error)
	IsMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error)
	CreateMessage(ctx context.Context, roomID, userID uuid.UUID, content string, kind store.MessageKind) (*store.Message, error)
}

// Indexer receives one document per persisted message. Implementations must
// tolerate being down; the dispatcher never fails delivery on an index error.
type Indexer interface {
	IndexMessage(ctx context.Context, doc search.MessageDocument) error
}

// dispatchError is the failure a handler reports back to the offending
// client. Validation and internal failures carry a code; authorization
// failures carry only the message.
type dispatchError struct {
	message string
	code    *uint16
}

func (e *dispatchError) Error() string { return e.message }

// Frame returns the error frame to send to the client.
func (e *dispatchError) Frame() *wire.Error {
	return &wire.Error{Type: wire.TypeError, Message: e.message, Code: e.code}
}

func validationErr(msg string) *dispatchError {
	code := wire.CodeValidation
	return &dispatchError{message: msg, code: &code}
}

func authzErr(msg string) *dispatchError {
	return &dispatchError{message: msg}
}

// Dispatcher executes inbound frames. It owns no per-connection state;
// everything it touches is either an argument or a shared service.
type Dispatcher struct {
	registry *registry.Registry
	rooms    RoomStore
	indexer  Indexer
}

func NewDispatcher(reg *registry.Registry, rooms RoomStore, indexer Indexer) *Dispatcher {
	return &Dispatcher{registry: reg, rooms: rooms, indexer: indexer}
}

// Dispatch routes one decoded frame to its handler. A returned error is
// always a *dispatchError destined for the offending client only; broadcast
// side effects have already happened by the time it returns.
func (d *Dispatcher) Dispatch(ctx context.Context, f wire.Frame, user *auth.Identity, client *registry.Client) error {
	ctx = context.WithValue(ctx, logging.UserIDKey, user.ID.String())

	switch frame := f.(type) {
	case *wire.JoinRoom:
		return d.handleJoin(ctx, frame, user, client)
	case *wire.SendMessage:
		return d.handleSend(ctx, frame, user)
	case *wire.LeaveRoom:
		return d.handleLeave(ctx, frame, user)
	case *wire.Ping:
		client.TrySend(wire.NewPong(frame.Timestamp))
		return nil
	case *wire.WebRTCSignal:
		return d.relaySignal(ctx, frame, user)
	default:
		// Server-originated variants echoed back by a confused client.
		logging.Warn(ctx, "ignoring unexpected inbound frame",
			zap.String("frame_type", f.FrameType()))
		return nil
	}
}

func (d *Dispatcher) handleJoin(ctx context.Context, f *wire.JoinRoom, user *auth.Identity, client *registry.Client) error {
	if f.Room == "" || len(f.Room) > MaxRoomNameLen {
		return validationErr("Invalid room name")
	}

	room, err := d.resolveRoom(ctx, f.Room)
	if err != nil {
		logging.Error(ctx, "room lookup failed", zap.String("room", f.Room), zap.Error(err))
		return validationErr("Failed to join room")
	}
	if room == nil {
		return authzErr("Room not found")
	}
	if !room.IsPublic {
		member, err := d.rooms.IsMember(ctx, room.ID, user.ID)
		if err != nil {
			logging.Error(ctx, "membership check failed", zap.String("room", f.Room), zap.Error(err))
			return validationErr("Failed to join room")
		}
		if !member {
			return authzErr("You are not a member of this private room")
		}
	}

	// Registry rooms are keyed by the name the client used, so a join by id
	// and a join by name land in distinct broadcast domains.
	d.registry.Add(f.Room, client)
	client.TrySend(wire.NewRoomJoined(f.Room, user.ID.String(), user.Username))
	d.registry.Broadcast(f.Room, wire.NewUserJoined(f.Room, user.ID.String(), user.Username), &user.ID)

	logging.Info(ctx, "user joined room",
		zap.String("room", f.Room),
		zap.String("username", user.Username))
	return nil
}

func (d *Dispatcher) handleSend(ctx context.Context, f *wire.SendMessage, user *auth.Identity) error {
	if f.Content == "" {
		return validationErr("Message content cannot be empty")
	}
	if len(f.Content) > MaxContentBytes {
		return validationErr("Message content too long")
	}
	if f.Room == "" || len(f.Room) > MaxRoomNameLen {
		return validationErr("Invalid room name")
	}

	room, err := d.resolveRoom(ctx, f.Room)
	if err != nil {
		logging.Error(ctx, "room lookup failed", zap.String("room", f.Room), zap.Error(err))
		return validationErr("Failed to send message")
	}
	if room == nil {
		return authzErr("Room not found")
	}
	if !room.IsPublic {
		member, err := d.rooms.IsMember(ctx, room.ID, user.ID)
		if err != nil {
			logging.Error(ctx, "membership check failed", zap.String("room", f.Room), zap.Error(err))
			return validationErr("Failed to send message")
		}
		if !member {
			return authzErr("You are not a member of this private room")
		}
	}

	kind := store.KindFromString(f.MessageType)
	msg, err := d.rooms.CreateMessage(ctx, room.ID, user.ID, f.Content, kind)
	if err != nil {
		logging.Error(ctx, "message insert failed", zap.String("room", f.Room), zap.Error(err))
		return validationErr("Failed to send message")
	}

	// Best-effort: a failed index never blocks or fails delivery.
	if d.indexer != nil {
		doc := search.MessageDocument{
			ID:          msg.ID.String(),
			RoomID:      room.ID.String(),
			RoomName:    room.Name,
			AuthorID:    user.ID.String(),
			AuthorName:  user.Username,
			Content:     f.Content,
			CreatedAt:   msg.CreatedAt.Unix(),
			MessageType: string(kind),
		}
		if err := d.indexer.IndexMessage(ctx, doc); err != nil {
			logging.Error(ctx, "search indexing failed",
				zap.String("message_id", msg.ID.String()), zap.Error(err))
		}
	}

	broadcast := wire.NewMessage(msg.ID.String(), f.Room, user.ID.String(), user.Username,
		f.Content, string(kind), msg.CreatedAt)
	d.registry.Broadcast(f.Room, broadcast, nil)
	return nil
}

func (d *Dispatcher) handleLeave(ctx context.Context, f *wire.LeaveRoom, user *auth.Identity) error {
	if f.Room == "" || len(f.Room) > MaxRoomNameLen {
		return validationErr("Invalid room name")
	}

	// Leaving a room you are not in is a no-op, not an error.
	if d.registry.Remove(f.Room, user.ID) == nil {
		return nil
	}
	d.registry.Broadcast(f.Room, wire.NewUserLeft(f.Room, user.ID.String(), user.Username), &user.ID)

	logging.Info(ctx, "user left room",
		zap.String("room", f.Room),
		zap.String("username", user.Username))
	return nil
}

// relaySignal forwards an offer/answer/candidate frame to any live
// connection of the target identity, rewriting to_user_id to the sender so
// the recipient can address its reply.
func (d *Dispatcher) relaySignal(ctx context.Context, f *wire.WebRTCSignal, user *auth.Identity) error {
	target, err := uuid.Parse(f.ToUserID)
	if err != nil {
		return validationErr("Invalid target user ID")
	}

	relayed := &wire.WebRTCSignal{
		Type:      f.Type,
		Room:      f.Room,
		ToUserID:  user.ID.String(),
		Offer:     f.Offer,
		Answer:    f.Answer,
		Candidate: f.Candidate,
	}

	for _, tc := range d.registry.ClientsOf(target) {
		if tc.TrySend(relayed) {
			return nil
		}
	}
	return authzErr("Target user not found or offline")
}

// resolveRoom accepts either a room id or a unique room name.
func (d *Dispatcher) resolveRoom(ctx context.Context, nameOrID string) (*store.Room, error) {
	if id, err := uuid.Parse(nameOrID); err == nil {
		return d.rooms.FindRoomByID(ctx, id)
	}
	return d.rooms.FindRoomByName(ctx, nameOrID)
}
