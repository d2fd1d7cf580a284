// Package store is the per-device cache of meeting state: the meeting
// registry, per-meeting rosters, participant identity mappings, and derived
// permission flags. It is a cache, not a system of record — every entry
// converges to the authority's truth. Mutations fire a notifier event so the
// sync bus can re-publish them as a second delivery path.
package store

import (
	"context"
	"sort"

	"github.com/meetsync/backend/internal/models"
)

// EventType identifies a store mutation kind.
type EventType string

const (
	// EventRegistryUpdate fires when a meeting snapshot is written.
	EventRegistryUpdate EventType = "registry-update"
	// EventRosterUpdate fires when a meeting's participant roster changes.
	EventRosterUpdate EventType = "roster-update"
)

// Event describes one observed mutation. Payload is the post-mutation state
// (the full meeting or roster), so receivers can reduce idempotently.
type Event struct {
	Type       EventType
	MeetingKey string
	Payload    any
}

// Notifier receives mutation events. Called synchronously after a
// successful write; implementations must not block.
type Notifier func(Event)

// Store is the device store contract. Writes are last-write-wins: every key
// is scoped per meeting or participant, and conflicting writers converge to
// the same authority state on the next poll.
type Store interface {
	SaveMeeting(ctx context.Context, m *models.Meeting) error
	// GetMeeting returns an error wrapping errs.ErrNotFound for unknown keys.
	GetMeeting(ctx context.Context, key string) (*models.Meeting, error)
	ListMeetings(ctx context.Context) ([]models.Meeting, error)

	// UpsertParticipant replaces the roster entry with the same ID, or appends.
	UpsertParticipant(ctx context.Context, meetingKey string, p models.Participant) error
	RemoveParticipant(ctx context.Context, meetingKey, participantID string) error
	ListParticipants(ctx context.Context, meetingKey string) ([]models.Participant, error)

	// Participant -> authority user key mapping.
	SetParticipantUser(ctx context.Context, meetingKey, participantID, userKey string) error
	GetParticipantUser(ctx context.Context, meetingKey, participantID string) (string, error)

	// Speaking permission is device-cache only; it does not exist in the
	// authority and does not survive a new device.
	SetSpeaking(ctx context.Context, meetingKey, participantID string, speaking bool) error
	GetSpeaking(ctx context.Context, meetingKey, participantID string) (bool, error)

	// SetNotifier installs the mutation hook. One notifier; a second call
	// replaces the first.
	SetNotifier(fn Notifier)
}

// sortParticipants orders a roster by join time, then ID for stability.
func sortParticipants(list []models.Participant) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].JoinedAt.Equal(list[j].JoinedAt) {
			return list[i].JoinedAt.Before(list[j].JoinedAt)
		}
		return list[i].ID < list[j].ID
	})
}
