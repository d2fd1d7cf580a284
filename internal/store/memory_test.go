package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetsync/backend/internal/errs"
	"github.com/meetsync/backend/internal/models"
)

func TestSaveAndGetMeeting(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	m := &models.Meeting{Key: "m1", Title: "standup", AccessMode: models.AccessOpen, IsActive: true}
	require.NoError(t, s.SaveMeeting(ctx, m))

	got, err := s.GetMeeting(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "standup", got.Title)

	_, err = s.GetMeeting(ctx, "nope")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUpsertParticipantReplacesByID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	p := models.Participant{ID: "p1", Name: "Ada", Role: models.RoleParticipant}
	require.NoError(t, s.UpsertParticipant(ctx, "m1", p))

	p.Role = models.RoleCoAdmin
	require.NoError(t, s.UpsertParticipant(ctx, "m1", p))

	roster, err := s.ListParticipants(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, models.RoleCoAdmin, roster[0].Role)
}

func TestRemoveParticipant(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.UpsertParticipant(ctx, "m1", models.Participant{ID: "p1"}))
	require.NoError(t, s.UpsertParticipant(ctx, "m1", models.Participant{ID: "p2"}))
	require.NoError(t, s.RemoveParticipant(ctx, "m1", "p1"))

	roster, err := s.ListParticipants(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, "p2", roster[0].ID)

	// Removing an absent entry is a no-op.
	require.NoError(t, s.RemoveParticipant(ctx, "m1", "p1"))
}

func TestParticipantUserMapping(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SetParticipantUser(ctx, "m1", "p1", "user-1"))

	key, err := s.GetParticipantUser(ctx, "m1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", key)

	_, err = s.GetParticipantUser(ctx, "m1", "p2")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSpeakingFlag(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	speaking, err := s.GetSpeaking(ctx, "m1", "p1")
	require.NoError(t, err)
	assert.False(t, speaking)

	require.NoError(t, s.SetSpeaking(ctx, "m1", "p1", true))
	speaking, err = s.GetSpeaking(ctx, "m1", "p1")
	require.NoError(t, err)
	assert.True(t, speaking)

	require.NoError(t, s.SetSpeaking(ctx, "m1", "p1", false))
	speaking, err = s.GetSpeaking(ctx, "m1", "p1")
	require.NoError(t, err)
	assert.False(t, speaking)
}

func TestNotifierFiresOnMutations(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var events []Event
	s.SetNotifier(func(ev Event) { events = append(events, ev) })

	require.NoError(t, s.SaveMeeting(ctx, &models.Meeting{Key: "m1"}))
	require.NoError(t, s.UpsertParticipant(ctx, "m1", models.Participant{ID: "p1", JoinedAt: time.Now()}))
	require.NoError(t, s.RemoveParticipant(ctx, "m1", "p1"))

	require.Len(t, events, 3)
	assert.Equal(t, EventRegistryUpdate, events[0].Type)
	assert.Equal(t, EventRosterUpdate, events[1].Type)
	assert.Equal(t, EventRosterUpdate, events[2].Type)
	assert.Equal(t, "m1", events[1].MeetingKey)

	// Roster payload is the post-mutation snapshot.
	snapshot, ok := events[2].Payload.([]models.Participant)
	require.True(t, ok)
	assert.Empty(t, snapshot)
}

func TestNotifierNotFiredForNoopRemove(t *testing.T) {
	s := NewMemoryStore()

	fired := 0
	s.SetNotifier(func(Event) { fired++ })

	require.NoError(t, s.RemoveParticipant(context.Background(), "m1", "ghost"))
	assert.Zero(t, fired)
}
