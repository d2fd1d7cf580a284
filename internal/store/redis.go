package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meetsync/backend/internal/errs"
	"github.com/meetsync/backend/internal/models"
)

const (
	keyRegistry       = "meetsync:registry"
	keyParticipants   = "meetsync:participants:" // + meeting key
	keyParticipantIdx = "meetsync:useridx:"      // + meeting key
	keySpeakingFlags  = "meetsync:speaking:"     // + meeting key
)

// RedisStore is the Redis-backed device store shared by all clients
// colocated on one deployment. JSON values under namespaced hashes;
// last-write-wins per field.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger

	mu     sync.RWMutex
	notify Notifier
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, logger: logger}
}

// SetNotifier installs the mutation hook.
func (s *RedisStore) SetNotifier(fn Notifier) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

func (s *RedisStore) emit(ev Event) {
	s.mu.RLock()
	fn := s.notify
	s.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

// SaveMeeting writes a meeting snapshot into the registry hash.
func (s *RedisStore) SaveMeeting(ctx context.Context, m *models.Meeting) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal meeting: %w", err)
	}
	if err := s.client.HSet(ctx, keyRegistry, m.Key, raw).Err(); err != nil {
		return fmt.Errorf("hset registry: %w", err)
	}
	s.emit(Event{Type: EventRegistryUpdate, MeetingKey: m.Key, Payload: *m})
	return nil
}

// GetMeeting reads a snapshot from the registry hash.
func (s *RedisStore) GetMeeting(ctx context.Context, key string) (*models.Meeting, error) {
	raw, err := s.client.HGet(ctx, keyRegistry, key).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("meeting %s: %w", key, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("hget registry: %w", err)
	}
	var m models.Meeting
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("unmarshal meeting: %w", err)
	}
	return &m, nil
}

// ListMeetings returns every cached snapshot.
func (s *RedisStore) ListMeetings(ctx context.Context) ([]models.Meeting, error) {
	entries, err := s.client.HGetAll(ctx, keyRegistry).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall registry: %w", err)
	}
	out := make([]models.Meeting, 0, len(entries))
	for _, raw := range entries {
		var m models.Meeting
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			s.logger.Warn("skipping corrupt registry entry", zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// UpsertParticipant writes a roster entry keyed by participant ID.
func (s *RedisStore) UpsertParticipant(ctx context.Context, meetingKey string, p models.Participant) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal participant: %w", err)
	}
	if err := s.client.HSet(ctx, keyParticipants+meetingKey, p.ID, raw).Err(); err != nil {
		return fmt.Errorf("hset roster: %w", err)
	}
	roster, err := s.ListParticipants(ctx, meetingKey)
	if err != nil {
		roster = []models.Participant{p}
	}
	s.emit(Event{Type: EventRosterUpdate, MeetingKey: meetingKey, Payload: roster})
	return nil
}

// RemoveParticipant deletes a roster entry.
func (s *RedisStore) RemoveParticipant(ctx context.Context, meetingKey, participantID string) error {
	removed, err := s.client.HDel(ctx, keyParticipants+meetingKey, participantID).Result()
	if err != nil {
		return fmt.Errorf("hdel roster: %w", err)
	}
	if removed == 0 {
		return nil
	}
	roster, err := s.ListParticipants(ctx, meetingKey)
	if err != nil {
		roster = nil
	}
	s.emit(Event{Type: EventRosterUpdate, MeetingKey: meetingKey, Payload: roster})
	return nil
}

// ListParticipants returns the roster sorted by join time.
func (s *RedisStore) ListParticipants(ctx context.Context, meetingKey string) ([]models.Participant, error) {
	entries, err := s.client.HGetAll(ctx, keyParticipants+meetingKey).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall roster: %w", err)
	}
	out := make([]models.Participant, 0, len(entries))
	for _, raw := range entries {
		var p models.Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			s.logger.Warn("skipping corrupt roster entry", zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	sortParticipants(out)
	return out, nil
}

// SetParticipantUser records the participant -> user key mapping.
func (s *RedisStore) SetParticipantUser(ctx context.Context, meetingKey, participantID, userKey string) error {
	if err := s.client.HSet(ctx, keyParticipantIdx+meetingKey, participantID, userKey).Err(); err != nil {
		return fmt.Errorf("hset user index: %w", err)
	}
	return nil
}

// GetParticipantUser resolves a participant to their authority user key.
func (s *RedisStore) GetParticipantUser(ctx context.Context, meetingKey, participantID string) (string, error) {
	key, err := s.client.HGet(ctx, keyParticipantIdx+meetingKey, participantID).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("participant %s: %w", participantID, errs.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("hget user index: %w", err)
	}
	return key, nil
}

// SetSpeaking caches the speaking flag.
func (s *RedisStore) SetSpeaking(ctx context.Context, meetingKey, participantID string, speaking bool) error {
	val := "0"
	if speaking {
		val = "1"
	}
	if err := s.client.HSet(ctx, keySpeakingFlags+meetingKey, participantID, val).Err(); err != nil {
		return fmt.Errorf("hset speaking: %w", err)
	}
	return nil
}

// GetSpeaking reads the cached speaking flag; absent means false.
func (s *RedisStore) GetSpeaking(ctx context.Context, meetingKey, participantID string) (bool, error) {
	val, err := s.client.HGet(ctx, keySpeakingFlags+meetingKey, participantID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("hget speaking: %w", err)
	}
	return val == "1", nil
}
