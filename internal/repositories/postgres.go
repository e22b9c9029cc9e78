package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulselink/backend/internal/db"
	"github.com/pulselink/backend/internal/models"
)

// PostgresRelationshipStore provides PostgreSQL-backed relationship queries.
type PostgresRelationshipStore struct {
	pool db.Pool
}

// NewPostgresRelationshipStore constructs a relationship store backed by PostgreSQL.
func NewPostgresRelationshipStore(pool db.Pool) *PostgresRelationshipStore {
	return &PostgresRelationshipStore{pool: pool}
}

// IsContact reports whether ownerID's device contacts name otherID.
func (r *PostgresRelationshipStore) IsContact(ctx context.Context, ownerID, otherID string) (bool, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var exists bool
	err = conn.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM device_contacts
            WHERE owner_id = $1 AND contact_id = $2
        )
    `, ownerID, otherID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("select device contact: %w", err)
	}

	return exists, nil
}

// IsConnection reports whether otherID appears in ownerID's app-connection
// list. Legacy connection rows carry only a phone number, so a stable id miss
// falls back to comparing both sides through NormalizePhone.
func (r *PostgresRelationshipStore) IsConnection(ctx context.Context, ownerID, otherID string) (bool, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var exists bool
	err = conn.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM app_connections
            WHERE owner_id = $1 AND peer_id = $2
        )
    `, ownerID, otherID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("select app connection: %w", err)
	}
	if exists {
		return true, nil
	}

	phone, err := normalizedUserPhone(ctx, conn, otherID)
	if err != nil || phone == "" {
		return false, err
	}

	rows, err := conn.Query(ctx, `
        SELECT peer_phone FROM app_connections
        WHERE owner_id = $1 AND peer_phone <> ''
    `, ownerID)
	if err != nil {
		return false, fmt.Errorf("select legacy connections: %w", err)
	}

	return anyPhoneMatches(rows, phone)
}

// AreFriends reports whether an accepted friend record exists between the two
// identities, in either direction.
func (r *PostgresRelationshipStore) AreFriends(ctx context.Context, userID, otherID string) (bool, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var exists bool
	err = conn.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM friendships
            WHERE status = 'accepted'
              AND ((user_a = $1 AND user_b = $2) OR (user_a = $2 AND user_b = $1))
        )
    `, userID, otherID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("select friendship: %w", err)
	}

	return exists, nil
}

// IsGroupMember reports whether userID belongs to the group as member, admin
// or owner. Membership rows imported from phone books carry no stable id and
// match by normalized phone number instead.
func (r *PostgresRelationshipStore) IsGroupMember(ctx context.Context, groupID, userID string) (bool, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var exists bool
	err = conn.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM group_members
            WHERE group_id = $1
              AND role IN ('member', 'admin', 'owner')
              AND user_id = $2
        )
    `, groupID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("select group member: %w", err)
	}
	if exists {
		return true, nil
	}

	phone, err := normalizedUserPhone(ctx, conn, userID)
	if err != nil || phone == "" {
		return false, err
	}

	rows, err := conn.Query(ctx, `
        SELECT phone_number FROM group_members
        WHERE group_id = $1
          AND role IN ('member', 'admin', 'owner')
          AND phone_number <> ''
    `, groupID)
	if err != nil {
		return false, fmt.Errorf("select phone-keyed members: %w", err)
	}

	return anyPhoneMatches(rows, phone)
}

// ViewersOf returns every identity holding subjectID as a device contact or
// app connection.
func (r *PostgresRelationshipStore) ViewersOf(ctx context.Context, subjectID string) ([]string, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT owner_id FROM device_contacts WHERE contact_id = $1
        UNION
        SELECT owner_id FROM app_connections WHERE peer_id = $1
    `, subjectID)
	if err != nil {
		return nil, fmt.Errorf("select viewers: %w", err)
	}
	defer rows.Close()

	var viewers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan viewer: %w", err)
		}
		viewers = append(viewers, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate viewers: %w", err)
	}

	return viewers, nil
}

// ContactIDs returns ownerID's device contacts and app connections, deduplicated.
func (r *PostgresRelationshipStore) ContactIDs(ctx context.Context, ownerID string) ([]string, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT contact_id FROM device_contacts WHERE owner_id = $1
        UNION
        SELECT peer_id FROM app_connections WHERE owner_id = $1 AND peer_id <> ''
    `, ownerID)
	if err != nil {
		return nil, fmt.Errorf("select contact ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan contact id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contact ids: %w", err)
	}

	return ids, nil
}

// PostgresPolicyStore provides PostgreSQL-backed persistence for privacy policies.
type PostgresPolicyStore struct {
	pool db.Pool
}

// NewPostgresPolicyStore constructs a policy store backed by PostgreSQL.
func NewPostgresPolicyStore(pool db.Pool) *PostgresPolicyStore {
	return &PostgresPolicyStore{pool: pool}
}

const policyColumns = `
        user_id, status_id, visibility,
        allowed_groups, allowed_contacts, blocked_contacts,
        loc_enabled, loc_share_with, loc_allowed_groups, loc_allowed_contacts,
        updated_at`

// PolicyFor resolves the applicable policy: the status override when one
// exists, else the default row (empty status_id), else ErrNotFound.
func (s *PostgresPolicyStore) PolicyFor(ctx context.Context, userID, statusID string) (models.PrivacyPolicy, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return models.PrivacyPolicy{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if statusID != "" {
		policy, err := scanPolicy(conn.QueryRow(ctx, `
            SELECT `+policyColumns+`
            FROM privacy_policies
            WHERE user_id = $1 AND status_id = $2
        `, userID, statusID))
		if err == nil {
			return policy, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return models.PrivacyPolicy{}, fmt.Errorf("select policy override: %w", err)
		}
	}

	policy, err := scanPolicy(conn.QueryRow(ctx, `
        SELECT `+policyColumns+`
        FROM privacy_policies
        WHERE user_id = $1 AND status_id = ''
    `, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.PrivacyPolicy{}, ErrNotFound
		}
		return models.PrivacyPolicy{}, fmt.Errorf("select default policy: %w", err)
	}

	return policy, nil
}

// Save upserts the policy keyed by (user, status override).
func (s *PostgresPolicyStore) Save(ctx context.Context, policy models.PrivacyPolicy) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	// nil slices would encode as SQL NULL; the array columns are NOT NULL.
	notNull := func(list []string) []string {
		if list == nil {
			return []string{}
		}
		return list
	}

	_, err = conn.Exec(ctx, `
        INSERT INTO privacy_policies (`+policyColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (user_id, status_id)
        DO UPDATE SET
            visibility = EXCLUDED.visibility,
            allowed_groups = EXCLUDED.allowed_groups,
            allowed_contacts = EXCLUDED.allowed_contacts,
            blocked_contacts = EXCLUDED.blocked_contacts,
            loc_enabled = EXCLUDED.loc_enabled,
            loc_share_with = EXCLUDED.loc_share_with,
            loc_allowed_groups = EXCLUDED.loc_allowed_groups,
            loc_allowed_contacts = EXCLUDED.loc_allowed_contacts,
            updated_at = EXCLUDED.updated_at
    `, policy.UserID, policy.StatusID, policy.Visibility,
		notNull(policy.AllowedGroups), notNull(policy.AllowedContacts), notNull(policy.BlockedContacts),
		policy.LocationSharing.Enabled, policy.LocationSharing.ShareWith,
		notNull(policy.LocationSharing.AllowedGroups), notNull(policy.LocationSharing.AllowedContacts),
		policy.UpdatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("upsert policy: %w", err)
	}

	return nil
}

func scanPolicy(row pgx.Row) (models.PrivacyPolicy, error) {
	var policy models.PrivacyPolicy
	if err := row.Scan(
		&policy.UserID, &policy.StatusID, &policy.Visibility,
		&policy.AllowedGroups, &policy.AllowedContacts, &policy.BlockedContacts,
		&policy.LocationSharing.Enabled, &policy.LocationSharing.ShareWith,
		&policy.LocationSharing.AllowedGroups, &policy.LocationSharing.AllowedContacts,
		&policy.UpdatedAt,
	); err != nil {
		return models.PrivacyPolicy{}, err
	}
	return policy, nil
}

// PostgresCallRecordStore provides PostgreSQL-backed persistence for call history.
type PostgresCallRecordStore struct {
	pool db.Pool
}

// NewPostgresCallRecordStore constructs a call record store backed by PostgreSQL.
func NewPostgresCallRecordStore(pool db.Pool) *PostgresCallRecordStore {
	return &PostgresCallRecordStore{pool: pool}
}

// Insert appends a terminal call record.
func (r *PostgresCallRecordStore) Insert(ctx context.Context, record models.CallRecord) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO call_records
            (id, caller_id, receiver_id, call_type, state, end_reason,
             started_at, ended_at, duration_seconds, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
    `, record.ID, record.CallerID, record.ReceiverID, record.CallType,
		string(record.State), record.EndReason,
		record.StartedAt, record.EndedAt.UTC(), record.Duration, record.CreatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("insert call record: %w", err)
	}

	return nil
}

// PostgresDirectoryStore resolves identities to profiles from the users table.
type PostgresDirectoryStore struct {
	pool db.Pool
}

// NewPostgresDirectoryStore constructs a directory store backed by PostgreSQL.
func NewPostgresDirectoryStore(pool db.Pool) *PostgresDirectoryStore {
	return &PostgresDirectoryStore{pool: pool}
}

// FindProfile fetches the profile attributes for a stable identity.
func (r *PostgresDirectoryStore) FindProfile(ctx context.Context, userID string) (models.Profile, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.Profile{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT id, display_name, avatar_url, phone_number
        FROM users
        WHERE id = $1
    `, userID)

	var profile models.Profile
	if err := row.Scan(&profile.UserID, &profile.DisplayName, &profile.AvatarURL, &profile.PhoneNumber); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Profile{}, ErrNotFound
		}
		return models.Profile{}, fmt.Errorf("select profile: %w", err)
	}

	return profile, nil
}

// NormalizePhone reduces a phone number to digits with an optional leading
// plus so legacy phone-keyed rows compare consistently.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for i, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			continue
		}
		if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normalizedUserPhone resolves a user's phone number for the legacy fallback
// checks. Unknown users and users without a phone on record yield "".
func normalizedUserPhone(ctx context.Context, conn *pgxpool.Conn, userID string) (string, error) {
	var phone string
	err := conn.QueryRow(ctx, `SELECT phone_number FROM users WHERE id = $1`, userID).Scan(&phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select phone number: %w", err)
	}
	return NormalizePhone(phone), nil
}

// anyPhoneMatches reports whether any stored phone equals want once both
// sides pass through NormalizePhone. Consumes and closes rows.
func anyPhoneMatches(rows pgx.Rows, want string) (bool, error) {
	defer rows.Close()
	for rows.Next() {
		var stored string
		if err := rows.Scan(&stored); err != nil {
			return false, fmt.Errorf("scan phone number: %w", err)
		}
		if NormalizePhone(stored) == want {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("iterate phone numbers: %w", err)
	}
	return false, nil
}
