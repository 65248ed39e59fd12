package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// User is a row of the users table. Accounts are provisioned by the login
// service; this gateway only reads them.
type User struct {
	ID        uuid.UUID
	GitHubID  int64
	Username  string
	Email     *string
	AvatarURL *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FindUserByID returns the user with the given id, or nil if absent.
func (s *Store) FindUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, github_id, username, email, avatar_url, created_at, updated_at
		 FROM users WHERE id = $1`, id)

	var u User
	err := row.Scan(&u.ID, &u.GitHubID, &u.Username, &u.Email, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &u, nil
}

// FindUserByUsername returns the user with the given username, or nil.
func (s *Store) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, github_id, username, email, avatar_url, created_at, updated_at
		 FROM users WHERE username = $1`, username)

	var u User
	err := row.Scan(&u.ID, &u.GitHubID, &u.Username, &u.Email, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &u, nil
}
