package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/pulselink/backend/internal/models"
)

var (
	// ErrTokenNotFound indicates the presented bearer token does not map to an active session.
	ErrTokenNotFound = errors.New("token not found")
	// ErrTokenExpired indicates the bearer token has expired and the connection must be refused.
	ErrTokenExpired = errors.New("token expired")
)

// TokenStore persists issued bearer tokens so they survive process restarts.
type TokenStore interface {
	Save(ctx context.Context, token models.SessionToken) error
	Find(ctx context.Context, token string) (models.SessionToken, error)
	Delete(ctx context.Context, token string) error
}

// Manager validates the bearer credentials presented at connection time. The
// system that hands credentials to clients is an external collaborator; this
// is its verification edge.
type Manager struct {
	tokenTTL time.Duration
	store    TokenStore
}

// NewManager constructs a Manager issuing tokens with the provided TTL.
func NewManager(tokenTTL time.Duration, store TokenStore) *Manager {
	if store == nil {
		panic("auth: token store must not be nil")
	}
	return &Manager{tokenTTL: tokenTTL, store: store}
}

// Issue creates a new bearer token for the provided user identifier.
func (m *Manager) Issue(ctx context.Context, userID string) (models.SessionToken, error) {
	if userID == "" {
		return models.SessionToken{}, errors.New("user id must be provided")
	}

	value, err := randomToken()
	if err != nil {
		return models.SessionToken{}, err
	}

	token := models.SessionToken{
		Token:     value,
		UserID:    userID,
		ExpiresAt: time.Now().UTC().Add(m.tokenTTL),
	}

	if err := m.store.Save(ctx, token); err != nil {
		return models.SessionToken{}, err
	}

	return token, nil
}

// Validate resolves a bearer token to the verified user identity. Expired
// tokens are removed and rejected.
func (m *Manager) Validate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrTokenNotFound
	}

	record, err := m.store.Find(ctx, token)
	if err != nil {
		return "", err
	}

	if time.Now().UTC().After(record.ExpiresAt) {
		_ = m.store.Delete(ctx, token)
		return "", ErrTokenExpired
	}

	return record.UserID, nil
}

// Revoke removes the provided token from the active store.
func (m *Manager) Revoke(ctx context.Context, token string) {
	if token == "" {
		return
	}
	_ = m.store.Delete(ctx, token)
}

func randomToken() (string, error) {
	const size = 32
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
