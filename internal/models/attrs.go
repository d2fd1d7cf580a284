package models

import (
	"encoding/json"
	"time"
)

// MeetingState is the typed view of a meeting's authority attributes: the
// durable metadata, the pending approval queue, and the short-lived decision
// log. Participants never cross this boundary — the authority stores role
// bindings, not rosters.
type MeetingState struct {
	Meeting   Meeting
	Decisions []Decision
}

// attrPayload is the wire shape of the attribute map. Queue and decisions
// are typed arrays, not stringified blobs, so concurrent appends only need
// the caller's read-modify-write ordering.
type attrPayload struct {
	Title            string            `json:"title"`
	Description      string            `json:"description"`
	AccessMode       AccessMode        `json:"access_mode"`
	AllowedEmails    []string          `json:"allowed_emails,omitempty"`
	CreatedBy        string            `json:"created_by"`
	CreatorEmail     string            `json:"creator_email"`
	CreatedAt        time.Time         `json:"created_at"`
	IsActive         bool              `json:"is_active"`
	PendingApprovals []PendingApproval `json:"pending_approvals,omitempty"`
	Decisions        []Decision        `json:"decisions,omitempty"`
	LastUpdated      time.Time         `json:"last_updated"`
}

// Attributes encodes the state as a generic attribute map for the
// authority's attribute store.
func (s *MeetingState) Attributes() map[string]any {
	p := attrPayload{
		Title:            s.Meeting.Title,
		Description:      s.Meeting.Description,
		AccessMode:       s.Meeting.AccessMode,
		AllowedEmails:    s.Meeting.AllowedEmails,
		CreatedBy:        s.Meeting.CreatedBy,
		CreatorEmail:     s.Meeting.CreatorEmail,
		CreatedAt:        s.Meeting.CreatedAt,
		IsActive:         s.Meeting.IsActive,
		PendingApprovals: s.Meeting.PendingApprovals,
		Decisions:        s.Decisions,
		LastUpdated:      time.Now().UTC(),
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// StateFromAttributes decodes an attribute map fetched from the authority.
// Unknown or missing fields fall back to safe defaults; a meeting without
// an explicit is_active=false is treated as active, matching how the
// authority's attributes were written historically.
func StateFromAttributes(key string, attrs map[string]any) *MeetingState {
	raw, err := json.Marshal(attrs)
	if err != nil {
		raw = []byte("{}")
	}
	var p attrPayload
	p.IsActive = true
	if err := json.Unmarshal(raw, &p); err != nil {
		p = attrPayload{IsActive: true}
	}
	mode := p.AccessMode
	if !mode.Valid() {
		mode = AccessOpen
	}
	return &MeetingState{
		Meeting: Meeting{
			Key:              key,
			Title:            p.Title,
			Description:      p.Description,
			AccessMode:       mode,
			AllowedEmails:    p.AllowedEmails,
			CreatedBy:        p.CreatedBy,
			CreatorEmail:     p.CreatorEmail,
			CreatedAt:        p.CreatedAt,
			IsActive:         p.IsActive,
			PendingApprovals: p.PendingApprovals,
		},
		Decisions: p.Decisions,
	}
}
