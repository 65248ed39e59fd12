// Package auth verifies the bearer credential presented at upgrade time.
//
// Credentials are HS256-signed assertions bound to the fixed audience
// "miuchi.chat". Verification also confirms the identity still exists in
// the persistence store, so deleting a user revokes their tokens.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Audience is the fixed audience constant bound into every credential.
const Audience = "miuchi.chat"

// Claims are the registered claims plus the identity fields the login
// service embeds at issue time.
type Claims struct {
	Username string  `json:"username"`
	Email    *string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the verified caller: a stable id plus the display name used
// for the life of the connection.
type Identity struct {
	ID        uuid.UUID
	Username  string
	Email     string
	AvatarURL string
}

// UserDirectory resolves an identity id against the persistence store.
// It returns (nil, nil) when the id is unknown.
type UserDirectory interface {
	FindUserByID(ctx context.Context, id uuid.UUID) (*Identity, error)
}

// DirectoryFunc adapts a function to the UserDirectory interface.
type DirectoryFunc func(ctx context.Context, id uuid.UUID) (*Identity, error)

func (f DirectoryFunc) FindUserByID(ctx context.Context, id uuid.UUID) (*Identity, error) {
	return f(ctx, id)
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUserNotFound = errors.New("user not found")
)

// Verifier validates credentials against the shared symmetric secret and
// the user directory.
type Verifier struct {
	secret   []byte
	audience string
	users    UserDirectory
}

// NewVerifier creates a Verifier for the given secret and directory.
func NewVerifier(secret []byte, users UserDirectory) *Verifier {
	return &Verifier{
		secret:   secret,
		audience: Audience,
		users:    users,
	}
}

// Verify parses and validates the credential and resolves the identity it
// names. It rejects bad signatures, wrong audiences, expired tokens,
// malformed subjects, and subjects no longer present in persistence.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(t *jwt.Token) (interface{}, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed subject: %w", ErrInvalidToken, err)
	}

	identity, err := v.users.FindUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("user lookup failed: %w", err)
	}
	if identity == nil {
		return nil, ErrUserNotFound
	}
	return identity, nil
}
