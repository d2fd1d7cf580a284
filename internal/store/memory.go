package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/meetsync/backend/internal/errs"
	"github.com/meetsync/backend/internal/models"
)

// MemoryStore is the in-process Store used by tests and by clients without a
// Redis (single-tab equivalent). Behavior matches RedisStore.
type MemoryStore struct {
	mu       sync.RWMutex
	meetings map[string]models.Meeting
	rosters  map[string][]models.Participant
	userIdx  map[string]map[string]string // meeting -> participant -> user key
	speaking map[string]map[string]bool
	notify   Notifier
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		meetings: make(map[string]models.Meeting),
		rosters:  make(map[string][]models.Participant),
		userIdx:  make(map[string]map[string]string),
		speaking: make(map[string]map[string]bool),
	}
}

// SetNotifier installs the mutation hook.
func (s *MemoryStore) SetNotifier(fn Notifier) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

// SaveMeeting writes a meeting snapshot.
func (s *MemoryStore) SaveMeeting(_ context.Context, m *models.Meeting) error {
	s.mu.Lock()
	s.meetings[m.Key] = *m
	fn := s.notify
	s.mu.Unlock()
	if fn != nil {
		fn(Event{Type: EventRegistryUpdate, MeetingKey: m.Key, Payload: *m})
	}
	return nil
}

// GetMeeting returns a copy of the stored snapshot.
func (s *MemoryStore) GetMeeting(_ context.Context, key string) (*models.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meetings[key]
	if !ok {
		return nil, fmt.Errorf("meeting %s: %w", key, errs.ErrNotFound)
	}
	return &m, nil
}

// ListMeetings returns all cached snapshots.
func (s *MemoryStore) ListMeetings(_ context.Context) ([]models.Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Meeting, 0, len(s.meetings))
	for _, m := range s.meetings {
		out = append(out, m)
	}
	return out, nil
}

// UpsertParticipant replaces by ID or appends.
func (s *MemoryStore) UpsertParticipant(_ context.Context, meetingKey string, p models.Participant) error {
	s.mu.Lock()
	roster := s.rosters[meetingKey]
	replaced := false
	for i := range roster {
		if roster[i].ID == p.ID {
			roster[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		roster = append(roster, p)
	}
	s.rosters[meetingKey] = roster
	snapshot := append([]models.Participant(nil), roster...)
	fn := s.notify
	s.mu.Unlock()
	if fn != nil {
		fn(Event{Type: EventRosterUpdate, MeetingKey: meetingKey, Payload: snapshot})
	}
	return nil
}

// RemoveParticipant drops a roster entry. Removing an absent entry is a no-op.
func (s *MemoryStore) RemoveParticipant(_ context.Context, meetingKey, participantID string) error {
	s.mu.Lock()
	roster := s.rosters[meetingKey]
	out := roster[:0]
	changed := false
	for _, p := range roster {
		if p.ID == participantID {
			changed = true
			continue
		}
		out = append(out, p)
	}
	s.rosters[meetingKey] = out
	snapshot := append([]models.Participant(nil), out...)
	fn := s.notify
	s.mu.Unlock()
	if changed && fn != nil {
		fn(Event{Type: EventRosterUpdate, MeetingKey: meetingKey, Payload: snapshot})
	}
	return nil
}

// ListParticipants returns the roster in insertion order.
func (s *MemoryStore) ListParticipants(_ context.Context, meetingKey string) ([]models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Participant(nil), s.rosters[meetingKey]...), nil
}

// SetParticipantUser records the participant -> user key mapping.
func (s *MemoryStore) SetParticipantUser(_ context.Context, meetingKey, participantID, userKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userIdx[meetingKey] == nil {
		s.userIdx[meetingKey] = make(map[string]string)
	}
	s.userIdx[meetingKey][participantID] = userKey
	return nil
}

// GetParticipantUser resolves a participant to their authority user key.
func (s *MemoryStore) GetParticipantUser(_ context.Context, meetingKey, participantID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.userIdx[meetingKey][participantID]
	if !ok {
		return "", fmt.Errorf("participant %s: %w", participantID, errs.ErrNotFound)
	}
	return key, nil
}

// SetSpeaking caches the speaking flag for a participant.
func (s *MemoryStore) SetSpeaking(_ context.Context, meetingKey, participantID string, speaking bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.speaking[meetingKey] == nil {
		s.speaking[meetingKey] = make(map[string]bool)
	}
	s.speaking[meetingKey][participantID] = speaking
	return nil
}

// GetSpeaking reads the cached speaking flag; absent means false.
func (s *MemoryStore) GetSpeaking(_ context.Context, meetingKey, participantID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.speaking[meetingKey][participantID], nil
}
