package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Room is a row of the rooms table. Rooms are created and mutated only by
// the REST surface; the realtime core resolves and reads them.
type Room struct {
	ID          uuid.UUID
	Name        string
	Description *string
	IsPublic    bool
	CreatedBy   uuid.UUID
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const roomColumns = `id, name, description, is_public, created_by, created_at, updated_at`

// FindRoomByID returns the room with the given id, or nil if absent.
func (s *Store) FindRoomByID(ctx context.Context, id uuid.UUID) (*Room, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id)
	return scanRoom(row)
}

// FindRoomByName returns the room with the given unique name, or nil.
func (s *Store) FindRoomByName(ctx context.Context, name string) (*Room, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE name = $1`, name)
	return scanRoom(row)
}

// IsMember reports whether the user belongs to the room's membership set.
// Public rooms bypass this check entirely on the caller's side.
func (s *Store) IsMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2)`,
		roomID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query membership: %w", err)
	}
	return exists, nil
}

func scanRoom(row pgx.Row) (*Room, error) {
	var r Room
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.IsPublic, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query room: %w", err)
	}
	return &r, nil
}
