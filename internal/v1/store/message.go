package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageKind classifies a persisted message. Stored as the message_type
// enum in Postgres and carried verbatim on the wire.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindFile   MessageKind = "file"
	KindSystem MessageKind = "system"
)

// KindFromString maps an optional wire hint to a kind. Anything other than
// the recognized hints (including absence) means text.
func KindFromString(s *string) MessageKind {
	if s == nil {
		return KindText
	}
	switch *s {
	case "image":
		return KindImage
	case "file":
		return KindFile
	case "system":
		return KindSystem
	default:
		return KindText
	}
}

// Message is a row of the messages table. Created once by the dispatcher,
// never mutated.
type Message struct {
	ID        uuid.UUID
	RoomID    uuid.UUID
	UserID    uuid.UUID
	Content   string
	Kind      MessageKind
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateMessage persists a message and returns it with the server-assigned
// id and creation timestamp.
func (s *Store) CreateMessage(ctx context.Context, roomID, userID uuid.UUID, content string, kind MessageKind) (*Message, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO messages (room_id, user_id, content, message_type)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, room_id, user_id, content, message_type, created_at, updated_at`,
		roomID, userID, content, string(kind))

	var m Message
	var kindStr string
	if err := row.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Content, &kindStr, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	m.Kind = MessageKind(kindStr)
	return &m, nil
}
