package models

import (
	"strings"
	"time"
)

// AccessMode controls how a meeting admits new participants.
type AccessMode string

const (
	AccessOpen      AccessMode = "open"      // anyone with the key joins
	AccessApproval  AccessMode = "approval"  // host approves each join request
	AccessAllowList AccessMode = "allowlist" // email must match the allow list
)

// Valid reports whether m is a known access mode.
func (m AccessMode) Valid() bool {
	switch m {
	case AccessOpen, AccessApproval, AccessAllowList:
		return true
	}
	return false
}

// Participant roles. The coordinator keeps at most one binding per
// (user, meeting); "admin" is assigned to the creator at first join.
const (
	RoleAdmin       = "admin"
	RoleCoAdmin     = "co-admin"
	RoleParticipant = "participant"
)

// ValidRole reports whether r is an assignable meeting role.
func ValidRole(r string) bool {
	return r == RoleAdmin || r == RoleCoAdmin || r == RoleParticipant
}

// Meeting is the cached snapshot of a meeting. The authority's resource
// attributes are the source of truth; the device store holds this as a
// fast-path copy. Participants live only in the client cache — the
// authority stores role bindings, not a roster.
type Meeting struct {
	Key              string            `json:"key"`
	Title            string            `json:"title"`
	Description      string            `json:"description"`
	AccessMode       AccessMode        `json:"access_mode"`
	AllowedEmails    []string          `json:"allowed_emails,omitempty"`
	CreatedBy        string            `json:"created_by"` // authority user key
	CreatorEmail     string            `json:"creator_email"`
	CreatedAt        time.Time         `json:"created_at"`
	IsActive         bool              `json:"is_active"`
	PendingApprovals []PendingApproval `json:"pending_approvals,omitempty"`
	Participants     []Participant     `json:"participants,omitempty"`
}

// EmailAllowed reports whether email matches the allow list,
// case-insensitively.
func (m *Meeting) EmailAllowed(email string) bool {
	for _, allowed := range m.AllowedEmails {
		if strings.EqualFold(strings.TrimSpace(allowed), strings.TrimSpace(email)) {
			return true
		}
	}
	return false
}

// PendingApproval is a queued join request awaiting a host decision.
// Removal from the queue is its only transition; the outcome is recorded
// separately as a Decision and communicated out-of-band.
type PendingApproval struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Email            string    `json:"email,omitempty"`
	RequestedAt      time.Time `json:"requested_at"`
	RequesterChannel string    `json:"requester_channel"` // routes the decision back to the waiting client
}

// Decision outcomes.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Decision is the terminal record of a resolved join request. Records are
// retained in the authority attributes for a short window so a waiting
// client can tell "approved" apart from "request lost".
type Decision struct {
	ApprovalID       string    `json:"approval_id"`
	Outcome          string    `json:"outcome"`
	DecidedBy        string    `json:"decided_by"`
	DecidedAt        time.Time `json:"decided_at"`
	Name             string    `json:"name"`
	Email            string    `json:"email,omitempty"`
	RequesterChannel string    `json:"requester_channel"`
}

// Participant is one attendee of a meeting as seen by the client cache.
// The ID is ephemeral, generated per join; UserKey is the authority's
// durable identity.
type Participant struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	UserKey      string    `json:"user_key"`
	Role         string    `json:"role"`
	Email        string    `json:"email,omitempty"`
	AudioEnabled bool      `json:"audio_enabled"`
	VideoEnabled bool      `json:"video_enabled"`
	Speaking     bool      `json:"speaking"`
	JoinedAt     time.Time `json:"joined_at"`
}

// RoleBinding is an (identity, role, resource) assignment held by the
// authority. The coordinator collapses multiple bindings back to one;
// more than one is a transient state during reassignment.
type RoleBinding struct {
	UserKey  string `json:"user_key"`
	Role     string `json:"role"`
	Resource string `json:"resource"`
}
