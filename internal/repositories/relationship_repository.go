package repositories

import "context"

// RelationshipStore answers the relationship questions the realtime core
// depends on. It is the authoritative source; connection-local contact caches
// are only a pre-filter in front of it.
type RelationshipStore interface {
	// IsContact reports whether ownerID's device contact list names otherID.
	// The check is directional; callers that accept either direction ask twice.
	IsContact(ctx context.Context, ownerID, otherID string) (bool, error)

	// IsConnection reports whether otherID appears in ownerID's app-connection
	// list, matched by stable id with a normalized phone number as the
	// fallback key for legacy records.
	IsConnection(ctx context.Context, ownerID, otherID string) (bool, error)

	// AreFriends reports whether an accepted friend record exists between the
	// two identities, in either direction.
	AreFriends(ctx context.Context, userID, otherID string) (bool, error)

	// IsGroupMember reports whether userID is a member, admin or owner of the
	// group, matched by stable id first and normalized phone number second.
	IsGroupMember(ctx context.Context, groupID, userID string) (bool, error)

	// ViewersOf returns every identity that has subjectID as a device contact
	// or app connection. Used to build the broadcast candidate set.
	ViewersOf(ctx context.Context, subjectID string) ([]string, error)

	// ContactIDs returns ownerID's device contacts and app connections,
	// deduplicated. Used to populate the per-session contact cache.
	ContactIDs(ctx context.Context, ownerID string) ([]string, error)
}
