// Package audit keeps a durable trail of approval decisions and role
// transitions. Recording is fire-and-forget through the job queue; a lost
// audit row never affects the coordination path.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Event kinds.
const (
	KindApprovalApproved   = "approval_approved"
	KindApprovalRejected   = "approval_rejected"
	KindRoleUpdated        = "role_updated"
	KindParticipantRemoved = "participant_removed"
)

// Event is one recorded coordination action.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	MeetingKey string          `json:"meeting_key"`
	Kind       string          `json:"kind"`
	ActorKey   string          `json:"actor_key"`
	TargetKey  string          `json:"target_key"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Repository handles audit event persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an audit repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert writes one event. Duplicate IDs are ignored: the queue delivers
// at-least-once.
func (r *Repository) Insert(ctx context.Context, e *Event) error {
	const q = `INSERT INTO audit_events (id, meeting_key, kind, actor_key, target_key, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`
	detail := e.Detail
	if len(detail) == 0 {
		detail = json.RawMessage("{}")
	}
	_, err := r.pool.Exec(ctx, q, e.ID, e.MeetingKey, e.Kind, e.ActorKey, e.TargetKey, detail, e.OccurredAt)
	return err
}

// ListByMeeting returns events for a meeting, newest first.
func (r *Repository) ListByMeeting(ctx context.Context, meetingKey string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const q = `SELECT id, meeting_key, kind, actor_key, target_key, detail, occurred_at
		FROM audit_events WHERE meeting_key = $1 ORDER BY occurred_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, q, meetingKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.MeetingKey, &e.Kind, &e.ActorKey, &e.TargetKey, &e.Detail, &e.OccurredAt); err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}
