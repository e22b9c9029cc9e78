package repositories

import (
	"context"

	"github.com/pulselink/backend/internal/models"
)

// CallRecordStore persists the outcome of calls for history. It is written
// once per call, at the terminal transition, and never consulted for live
// coordination.
type CallRecordStore interface {
	Insert(ctx context.Context, record models.CallRecord) error
}

// DirectoryStore resolves a stable identity to its profile attributes.
type DirectoryStore interface {
	FindProfile(ctx context.Context, userID string) (models.Profile, error)
}
