package models

import "time"

// Visibility values accepted in a privacy policy. Unrecognized values deny.
const (
	VisibilityPublic         = "public"
	VisibilityPrivate        = "private"
	VisibilityContactsOnly   = "contacts_only"
	VisibilityAppConnections = "app_connections_only"
	VisibilitySelectedGroups = "selected_groups"
	VisibilityCustomList     = "custom_list"
	VisibilityFriends        = "friends"
)

// LocationShareWith values for the location sub-policy.
const (
	ShareWithNone     = "none"
	ShareWithGroups   = "groups"
	ShareWithContacts = "contacts"
	ShareWithAll      = "all"
)

// LocationSharing gates whether a location field attached to a status update
// is delivered to a given viewer, independent of the overall visibility check.
type LocationSharing struct {
	Enabled         bool     `json:"enabled"`
	ShareWith       string   `json:"share_with"`
	AllowedGroups   []string `json:"allowed_groups,omitempty"`
	AllowedContacts []string `json:"allowed_contacts,omitempty"`
}

// PrivacyPolicy is the durable visibility rule set for one user. A user has
// one default policy plus optional per-status overrides.
type PrivacyPolicy struct {
	UserID          string          `json:"user_id"`
	StatusID        string          `json:"status_id,omitempty"`
	Visibility      string          `json:"visibility"`
	AllowedGroups   []string        `json:"allowed_groups,omitempty"`
	AllowedContacts []string        `json:"allowed_contacts,omitempty"`
	BlockedContacts []string        `json:"blocked_contacts,omitempty"`
	LocationSharing LocationSharing `json:"location_sharing"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// DefaultPolicy is the policy synthesized the first time a user with no
// stored policy is queried.
func DefaultPolicy(userID string) PrivacyPolicy {
	return PrivacyPolicy{
		UserID:          userID,
		Visibility:      VisibilityPublic,
		LocationSharing: LocationSharing{Enabled: false, ShareWith: ShareWithNone},
		UpdatedAt:       time.Now().UTC(),
	}
}

// Location is an optional position attached to a status update.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Label     string  `json:"label,omitempty"`
}

// StatusUpdate is the payload fanned out to authorized connected viewers.
// Sequence increases monotonically per subject so recipients can drop
// out-of-order deliveries.
type StatusUpdate struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Location  *Location `json:"location,omitempty"`
	Sequence  uint64    `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
}

// CallState is the lifecycle state of a call. Ringing and Connected are
// non-terminal; Ended, Rejected, Missed and Failed are terminal.
type CallState string

const (
	CallRinging   CallState = "ringing"
	CallConnected CallState = "connected"
	CallEnded     CallState = "ended"
	CallRejected  CallState = "rejected"
	CallMissed    CallState = "missed"
	CallFailed    CallState = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s CallState) Terminal() bool {
	switch s {
	case CallEnded, CallRejected, CallMissed, CallFailed:
		return true
	}
	return false
}

// Call types.
const (
	CallTypeVoice = "voice"
	CallTypeVideo = "video"
)

// CallRecord is the durable trace of a call written at its terminal state.
// Live coordination never reads it back.
type CallRecord struct {
	ID         string     `json:"id"`
	CallerID   string     `json:"caller_id"`
	ReceiverID string     `json:"receiver_id"`
	CallType   string     `json:"call_type"`
	State      CallState  `json:"state"`
	EndReason  string     `json:"end_reason,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    time.Time  `json:"ended_at"`
	Duration   int64      `json:"duration_seconds"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Profile groups the directory attributes resolved for a stable identity.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// SessionToken is the bearer credential consumed at connection time.
type SessionToken struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}
