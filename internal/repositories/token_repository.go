package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pulselink/backend/internal/auth"
	"github.com/pulselink/backend/internal/db"
	"github.com/pulselink/backend/internal/models"
)

// PostgresTokenStore persists bearer tokens to PostgreSQL.
type PostgresTokenStore struct {
	pool db.Pool
}

// NewPostgresTokenStore constructs a token store backed by PostgreSQL.
func NewPostgresTokenStore(pool db.Pool) *PostgresTokenStore {
	return &PostgresTokenStore{pool: pool}
}

// Save stores or updates a token record.
func (s *PostgresTokenStore) Save(ctx context.Context, token models.SessionToken) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO session_tokens (token, user_id, expires_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (token)
        DO UPDATE SET user_id = EXCLUDED.user_id, expires_at = EXCLUDED.expires_at
    `, token.Token, token.UserID, token.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}

	return nil
}

// Find loads a token record by its bearer value.
func (s *PostgresTokenStore) Find(ctx context.Context, token string) (models.SessionToken, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return models.SessionToken{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT token, user_id, expires_at
        FROM session_tokens
        WHERE token = $1
    `, token)

	var record models.SessionToken
	var expiresAt time.Time
	if err := row.Scan(&record.Token, &record.UserID, &expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.SessionToken{}, auth.ErrTokenNotFound
		}
		return models.SessionToken{}, fmt.Errorf("select token: %w", err)
	}

	record.ExpiresAt = expiresAt.UTC()
	return record, nil
}

// Delete removes a token record.
func (s *PostgresTokenStore) Delete(ctx context.Context, token string) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        DELETE FROM session_tokens
        WHERE token = $1
    `, token)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return auth.ErrTokenNotFound
	}

	return nil
}
