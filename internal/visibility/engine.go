// Package visibility decides whether a viewer may observe a subject's
// presence/status, evaluated per recipient against the relationship store.
package visibility

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pulselink/backend/internal/models"
	"github.com/pulselink/backend/internal/repositories"
)

// Engine evaluates privacy policies. It never returns an error to callers:
// relationship-store failures resolve fail-closed to a denial, since leaking
// a status on an infrastructure hiccup is worse than withholding one.
type Engine struct {
	relationships repositories.RelationshipStore
	policies      repositories.PolicyStore
	logger        *slog.Logger
}

// NewEngine constructs a visibility engine over the given stores.
func NewEngine(relationships repositories.RelationshipStore, policies repositories.PolicyStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{relationships: relationships, policies: policies, logger: logger}
}

// CanSee reports whether viewerID may observe subjectID's status. statusID
// selects a per-status policy override when non-empty. Location inclusion is
// a separate decision; see LocationAllowed.
func (e *Engine) CanSee(ctx context.Context, subjectID, viewerID, statusID string) bool {
	if subjectID == viewerID {
		return true
	}

	policy := e.resolvePolicy(ctx, subjectID, statusID)

	switch policy.Visibility {
	case models.VisibilityPublic:
		return true
	case models.VisibilityPrivate:
		return false
	case models.VisibilityContactsOnly:
		return e.isContact(ctx, subjectID, viewerID)
	case models.VisibilityAppConnections:
		return e.isConnection(ctx, subjectID, viewerID)
	case models.VisibilitySelectedGroups:
		return e.inAnyGroup(ctx, policy.AllowedGroups, viewerID)
	case models.VisibilityCustomList:
		return contains(policy.AllowedContacts, viewerID)
	case models.VisibilityFriends:
		// Three independent relationship sources; any one suffices.
		if e.isContact(ctx, subjectID, viewerID) {
			return true
		}
		if e.isConnection(ctx, subjectID, viewerID) {
			return true
		}
		return e.areFriends(ctx, subjectID, viewerID)
	default:
		e.logger.Warn("unrecognized visibility value denies view",
			"subject_id", subjectID, "visibility", policy.Visibility)
		return false
	}
}

// LocationAllowed reports whether the subject's location sub-policy permits
// delivering the location field to the viewer. Evaluated in addition to the
// overall visibility check, never instead of it.
func (e *Engine) LocationAllowed(ctx context.Context, subjectID, viewerID, statusID string) bool {
	if subjectID == viewerID {
		return true
	}

	policy := e.resolvePolicy(ctx, subjectID, statusID)
	sharing := policy.LocationSharing
	if !sharing.Enabled {
		return false
	}

	switch sharing.ShareWith {
	case models.ShareWithAll:
		return true
	case models.ShareWithContacts:
		if contains(sharing.AllowedContacts, viewerID) {
			return true
		}
		return e.isContact(ctx, subjectID, viewerID)
	case models.ShareWithGroups:
		return e.inAnyGroup(ctx, sharing.AllowedGroups, viewerID)
	default:
		return false
	}
}

// resolvePolicy loads the applicable policy, synthesizing and persisting the
// public default the first time a user with no policy is queried. Store
// failures fall back to an in-memory private policy so the caller denies.
func (e *Engine) resolvePolicy(ctx context.Context, subjectID, statusID string) models.PrivacyPolicy {
	policy, err := e.policies.PolicyFor(ctx, subjectID, statusID)
	if err == nil {
		return policy
	}

	if errors.Is(err, repositories.ErrNotFound) {
		policy = models.DefaultPolicy(subjectID)
		if saveErr := e.policies.Save(ctx, policy); saveErr != nil {
			e.logger.Warn("persisting default policy failed", "subject_id", subjectID, "error", saveErr)
		}
		return policy
	}

	e.logger.Warn("policy lookup failed, denying view", "subject_id", subjectID, "error", err)
	return models.PrivacyPolicy{UserID: subjectID, Visibility: models.VisibilityPrivate}
}

// isContact checks device contacts in both directions: either side's list
// naming the other is sufficient.
func (e *Engine) isContact(ctx context.Context, subjectID, viewerID string) bool {
	ok, err := e.relationships.IsContact(ctx, subjectID, viewerID)
	if err != nil {
		e.logger.Warn("contact check failed, denying view", "subject_id", subjectID, "viewer_id", viewerID, "error", err)
		return false
	}
	if ok {
		return true
	}

	ok, err = e.relationships.IsContact(ctx, viewerID, subjectID)
	if err != nil {
		e.logger.Warn("contact check failed, denying view", "subject_id", subjectID, "viewer_id", viewerID, "error", err)
		return false
	}
	return ok
}

func (e *Engine) isConnection(ctx context.Context, subjectID, viewerID string) bool {
	ok, err := e.relationships.IsConnection(ctx, subjectID, viewerID)
	if err != nil {
		e.logger.Warn("connection check failed, denying view", "subject_id", subjectID, "viewer_id", viewerID, "error", err)
		return false
	}
	return ok
}

func (e *Engine) areFriends(ctx context.Context, subjectID, viewerID string) bool {
	ok, err := e.relationships.AreFriends(ctx, subjectID, viewerID)
	if err != nil {
		e.logger.Warn("friendship check failed, denying view", "subject_id", subjectID, "viewer_id", viewerID, "error", err)
		return false
	}
	return ok
}

func (e *Engine) inAnyGroup(ctx context.Context, groupIDs []string, viewerID string) bool {
	for _, groupID := range groupIDs {
		ok, err := e.relationships.IsGroupMember(ctx, groupID, viewerID)
		if err != nil {
			e.logger.Warn("group membership check failed, denying view", "group_id", groupID, "viewer_id", viewerID, "error", err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
