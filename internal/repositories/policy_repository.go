package repositories

import (
	"context"

	"github.com/pulselink/backend/internal/models"
)

// PolicyStore persists privacy policies. Policies are never deleted, only
// overwritten by their owner.
type PolicyStore interface {
	// PolicyFor resolves the applicable policy for a status of userID: a
	// status-specific override when statusID is non-empty and one exists,
	// else the user's default policy. Returns ErrNotFound when the user has
	// no stored policy at all.
	PolicyFor(ctx context.Context, userID, statusID string) (models.PrivacyPolicy, error)

	// Save upserts a policy keyed by (user, status override).
	Save(ctx context.Context, policy models.PrivacyPolicy) error
}
