package repositories

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/cockroachdb/cockroach-go/v2/testserver"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulselink/backend/internal/auth"
	"github.com/pulselink/backend/internal/models"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	server, err := testserver.NewTestServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "start cockroach test server: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, server.PGURL().String())
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to cockroach test server: %v\n", err)
		server.Stop()
		os.Exit(1)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		fmt.Fprintf(os.Stderr, "apply migrations: %v\n", err)
		pool.Close()
		server.Stop()
		os.Exit(1)
	}

	testPool = pool

	code := m.Run()

	pool.Close()
	server.Stop()

	os.Exit(code)
}

func TestPostgresRelationshipStore_Contacts(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	store := NewPostgresRelationshipStore(testPool)

	alice := createTestUser(t, "+4915111111111")
	bob := createTestUser(t, "+4915122222222")

	exec(t, `INSERT INTO device_contacts (owner_id, contact_id) VALUES ($1, $2)`, alice, bob)

	ok, err := store.IsContact(ctx, alice, bob)
	if err != nil {
		t.Fatalf("is contact: %v", err)
	}
	if !ok {
		t.Fatal("expected alice to hold bob as a contact")
	}

	// Directional: the reverse edge does not exist.
	ok, err = store.IsContact(ctx, bob, alice)
	if err != nil {
		t.Fatalf("is contact reverse: %v", err)
	}
	if ok {
		t.Fatal("contact edges are directional; reverse must be false")
	}
}

func TestPostgresRelationshipStore_Connections(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	store := NewPostgresRelationshipStore(testPool)

	alice := createTestUser(t, "+4915111111111")
	bob := createTestUser(t, "+4915122222222")
	carol := createTestUser(t, "+4915133333333")
	// Registered with a formatted number.
	dave := createTestUser(t, "+49 (151) 4444-4444")

	exec(t, `INSERT INTO app_connections (owner_id, peer_id) VALUES ($1, $2)`, alice, bob)
	// Legacy rows created before carol and dave had stable ids; imported
	// phone numbers keep whatever formatting the address book used.
	exec(t, `INSERT INTO app_connections (owner_id, peer_phone) VALUES ($1, $2)`, alice, "+49 (151) 3333-3333")
	exec(t, `INSERT INTO app_connections (owner_id, peer_phone) VALUES ($1, $2)`, alice, "+4915144444444")

	ok, err := store.IsConnection(ctx, alice, bob)
	if err != nil {
		t.Fatalf("is connection: %v", err)
	}
	if !ok {
		t.Fatal("expected a connection matched by stable id")
	}

	ok, err = store.IsConnection(ctx, alice, carol)
	if err != nil {
		t.Fatalf("is connection by phone: %v", err)
	}
	if !ok {
		t.Fatal("expected the formatted legacy row to match carol's number")
	}

	ok, err = store.IsConnection(ctx, alice, dave)
	if err != nil {
		t.Fatalf("is connection by formatted user phone: %v", err)
	}
	if !ok {
		t.Fatal("expected dave's formatted number to match the legacy row")
	}

	ok, err = store.IsConnection(ctx, bob, alice)
	if err != nil {
		t.Fatalf("is connection absent: %v", err)
	}
	if ok {
		t.Fatal("expected no connection for bob")
	}
}

func TestPostgresRelationshipStore_Friendships(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	store := NewPostgresRelationshipStore(testPool)

	alice := createTestUser(t, "")
	bob := createTestUser(t, "")
	carol := createTestUser(t, "")

	exec(t, `INSERT INTO friendships (user_a, user_b, status) VALUES ($1, $2, 'accepted')`, alice, bob)
	exec(t, `INSERT INTO friendships (user_a, user_b, status) VALUES ($1, $2, 'pending')`, alice, carol)

	for _, pair := range [][2]string{{alice, bob}, {bob, alice}} {
		ok, err := store.AreFriends(ctx, pair[0], pair[1])
		if err != nil {
			t.Fatalf("are friends: %v", err)
		}
		if !ok {
			t.Fatalf("accepted friendship should match in either direction (%s, %s)", pair[0], pair[1])
		}
	}

	ok, err := store.AreFriends(ctx, alice, carol)
	if err != nil {
		t.Fatalf("are friends pending: %v", err)
	}
	if ok {
		t.Fatal("pending requests must not count as friendship")
	}
}

func TestPostgresRelationshipStore_Groups(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	store := NewPostgresRelationshipStore(testPool)

	alice := createTestUser(t, "+4915111111111")
	bob := createTestUser(t, "+4915122222222")

	exec(t, `INSERT INTO group_members (group_id, user_id, role) VALUES ('team', $1, 'admin')`, alice)
	// Imported from a phone book, no stable id recorded and the number kept
	// its display formatting.
	exec(t, `INSERT INTO group_members (group_id, phone_number, role) VALUES ('team', $1, 'member')`, "+49 (151) 2222-2222")

	ok, err := store.IsGroupMember(ctx, "team", alice)
	if err != nil {
		t.Fatalf("is group member: %v", err)
	}
	if !ok {
		t.Fatal("expected admin row to match by id")
	}

	ok, err = store.IsGroupMember(ctx, "team", bob)
	if err != nil {
		t.Fatalf("is group member by phone: %v", err)
	}
	if !ok {
		t.Fatal("expected the formatted member row to match by normalized phone")
	}

	ok, err = store.IsGroupMember(ctx, "other-group", alice)
	if err != nil {
		t.Fatalf("is group member absent: %v", err)
	}
	if ok {
		t.Fatal("expected no membership in an unrelated group")
	}
}

func TestPostgresRelationshipStore_ViewersAndContactIDs(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	store := NewPostgresRelationshipStore(testPool)

	subject := createTestUser(t, "")
	byContact := createTestUser(t, "")
	byConnection := createTestUser(t, "")
	byBoth := createTestUser(t, "")

	exec(t, `INSERT INTO device_contacts (owner_id, contact_id) VALUES ($1, $2)`, byContact, subject)
	exec(t, `INSERT INTO app_connections (owner_id, peer_id) VALUES ($1, $2)`, byConnection, subject)
	exec(t, `INSERT INTO device_contacts (owner_id, contact_id) VALUES ($1, $2)`, byBoth, subject)
	exec(t, `INSERT INTO app_connections (owner_id, peer_id) VALUES ($1, $2)`, byBoth, subject)

	viewers, err := store.ViewersOf(ctx, subject)
	if err != nil {
		t.Fatalf("viewers of: %v", err)
	}
	sort.Strings(viewers)
	want := []string{byContact, byConnection, byBoth}
	sort.Strings(want)
	if len(viewers) != len(want) {
		t.Fatalf("expected %d deduplicated viewers, got %v", len(want), viewers)
	}
	for i := range want {
		if viewers[i] != want[i] {
			t.Fatalf("expected viewers %v, got %v", want, viewers)
		}
	}

	ids, err := store.ContactIDs(ctx, byBoth)
	if err != nil {
		t.Fatalf("contact ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != subject {
		t.Fatalf("expected deduplicated contact ids [%s], got %v", subject, ids)
	}
}

func TestPostgresPolicyStore_ResolutionOrder(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	store := NewPostgresPolicyStore(testPool)
	alice := createTestUser(t, "")

	if _, err := store.PolicyFor(ctx, alice, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before any save, got %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	defaultPolicy := models.PrivacyPolicy{
		UserID:     alice,
		Visibility: models.VisibilityContactsOnly,
		LocationSharing: models.LocationSharing{
			Enabled:   true,
			ShareWith: models.ShareWithContacts,
		},
		UpdatedAt: now,
	}
	if err := store.Save(ctx, defaultPolicy); err != nil {
		t.Fatalf("save default policy: %v", err)
	}

	override := models.PrivacyPolicy{
		UserID:          alice,
		StatusID:        "status-1",
		Visibility:      models.VisibilityCustomList,
		AllowedContacts: []string{"bob", "carol"},
		UpdatedAt:       now,
	}
	if err := store.Save(ctx, override); err != nil {
		t.Fatalf("save override policy: %v", err)
	}

	got, err := store.PolicyFor(ctx, alice, "status-1")
	if err != nil {
		t.Fatalf("policy for override: %v", err)
	}
	if got.Visibility != models.VisibilityCustomList || len(got.AllowedContacts) != 2 {
		t.Fatalf("expected the override policy, got %+v", got)
	}

	got, err = store.PolicyFor(ctx, alice, "other-status")
	if err != nil {
		t.Fatalf("policy for default: %v", err)
	}
	if got.Visibility != models.VisibilityContactsOnly || !got.LocationSharing.Enabled {
		t.Fatalf("expected the default policy, got %+v", got)
	}

	// Upsert replaces in place.
	defaultPolicy.Visibility = models.VisibilityPrivate
	if err := store.Save(ctx, defaultPolicy); err != nil {
		t.Fatalf("re-save default policy: %v", err)
	}
	got, err = store.PolicyFor(ctx, alice, "")
	if err != nil {
		t.Fatalf("policy after upsert: %v", err)
	}
	if got.Visibility != models.VisibilityPrivate {
		t.Fatalf("expected upserted visibility, got %+v", got)
	}
}

func TestPostgresPolicyStore_UnknownUser(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	store := NewPostgresPolicyStore(testPool)
	err := store.Save(ctx, models.PrivacyPolicy{
		UserID:     uuid.NewString(),
		Visibility: models.VisibilityPublic,
		UpdatedAt:  time.Now().UTC(),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a policy naming no user, got %v", err)
	}
}

func TestPostgresCallRecordStore_Insert(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	store := NewPostgresCallRecordStore(testPool)

	started := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Minute)
	record := models.CallRecord{
		ID:         uuid.NewString(),
		CallerID:   "alice",
		ReceiverID: "bob",
		CallType:   models.CallTypeVideo,
		State:      models.CallEnded,
		EndReason:  "completed",
		StartedAt:  &started,
		EndedAt:    started.Add(45 * time.Second),
		Duration:   45,
		CreatedAt:  started.Add(-5 * time.Second),
	}

	if err := store.Insert(ctx, record); err != nil {
		t.Fatalf("insert call record: %v", err)
	}
	if err := store.Insert(ctx, record); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate id, got %v", err)
	}

	var state string
	var duration int64
	row := testPool.QueryRow(ctx, `SELECT state, duration_seconds FROM call_records WHERE id = $1`, record.ID)
	if err := row.Scan(&state, &duration); err != nil {
		t.Fatalf("read back record: %v", err)
	}
	if state != string(models.CallEnded) || duration != 45 {
		t.Fatalf("unexpected stored record state=%q duration=%d", state, duration)
	}

	// Missed calls never started.
	missed := models.CallRecord{
		ID:         uuid.NewString(),
		CallerID:   "alice",
		ReceiverID: "bob",
		CallType:   models.CallTypeVoice,
		State:      models.CallMissed,
		EndReason:  "no_answer",
		EndedAt:    time.Now().UTC(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.Insert(ctx, missed); err != nil {
		t.Fatalf("insert missed record: %v", err)
	}
}

func TestPostgresDirectoryStore_FindProfile(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	store := NewPostgresDirectoryStore(testPool)
	alice := createTestUser(t, "+4915111111111")
	exec(t, `UPDATE users SET display_name = 'Alice', avatar_url = 'https://cdn.example/a.png' WHERE id = $1`, alice)

	profile, err := store.FindProfile(ctx, alice)
	if err != nil {
		t.Fatalf("find profile: %v", err)
	}
	if profile.DisplayName != "Alice" || profile.PhoneNumber != "+4915111111111" {
		t.Fatalf("unexpected profile %+v", profile)
	}

	if _, err := store.FindProfile(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown identity, got %v", err)
	}
}

func TestPostgresTokenStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	store := NewPostgresTokenStore(testPool)
	alice := createTestUser(t, "")

	token := models.SessionToken{
		Token:     uuid.NewString(),
		UserID:    alice,
		ExpiresAt: time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond),
	}

	if err := store.Save(ctx, token); err != nil {
		t.Fatalf("save token: %v", err)
	}

	found, err := store.Find(ctx, token.Token)
	if err != nil {
		t.Fatalf("find token: %v", err)
	}
	if found.UserID != alice {
		t.Fatalf("unexpected token record %+v", found)
	}

	if err := store.Delete(ctx, token.Token); err != nil {
		t.Fatalf("delete token: %v", err)
	}
	if _, err := store.Find(ctx, token.Token); !errors.Is(err, auth.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound after delete, got %v", err)
	}
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	migrationsDir := filepath.Join("..", "..", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		contents, err := os.ReadFile(filepath.Join(migrationsDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		if _, err := pool.Exec(ctx, string(contents)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
	}

	return nil
}

func resetDatabase(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	conn, err := testPool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire connection: %v", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `TRUNCATE TABLE call_records, privacy_policies, group_members,
                friendships, app_connections, device_contacts, session_tokens, users CASCADE`); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
}

func createTestUser(t *testing.T, phone string) string {
	t.Helper()
	id := uuid.NewString()
	exec(t, `INSERT INTO users (id, phone_number, display_name) VALUES ($1, $2, $3)`, id, phone, "user-"+id[:8])
	return id
}

func exec(t *testing.T, sql string, args ...any) {
	t.Helper()
	if _, err := testPool.Exec(context.Background(), sql, args...); err != nil {
		t.Fatalf("exec %q: %v", sql, err)
	}
}
