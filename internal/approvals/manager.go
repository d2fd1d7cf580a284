// Package approvals owns the lifecycle of pending join requests. The
// authority's resource attributes are the durable queue; the manager
// serializes every read-modify-write per meeting because the attribute
// store has no append primitive.
package approvals

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meetsync/backend/internal/errs"
	"github.com/meetsync/backend/internal/models"
	"github.com/meetsync/backend/internal/policy"
)

// Decision actions accepted by Decide.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
)

// DefaultRetention is how long a resolved decision stays readable so a
// waiting client can tell "approved" apart from "request lost".
const DefaultRetention = 5 * time.Minute

// Manager coordinates the pending-approval queue of every meeting.
type Manager struct {
	policy    policy.Client
	namespace string
	retention time.Duration
	logger    *zap.Logger

	locks    sync.Map // meeting key -> *sync.Mutex
	inflight sync.Map // approval id -> struct{}, decision already being applied
}

// NewManager creates an approval queue manager. retention <= 0 uses
// DefaultRetention.
func NewManager(pc policy.Client, namespace string, retention time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Manager{policy: pc, namespace: namespace, retention: retention, logger: logger}
}

func (m *Manager) lock(meetingKey string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(meetingKey, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// state fetches and decodes the meeting's authority attributes.
func (m *Manager) state(ctx context.Context, meetingKey string) (*models.MeetingState, error) {
	resource := policy.ResourceKey(m.namespace, meetingKey)
	res, err := m.policy.GetResource(ctx, resource)
	if err != nil {
		return nil, fmt.Errorf("get meeting %s: %w", meetingKey, err)
	}
	return models.StateFromAttributes(meetingKey, res.Attributes), nil
}

func (m *Manager) write(ctx context.Context, meetingKey string, state *models.MeetingState) error {
	resource := policy.ResourceKey(m.namespace, meetingKey)
	state.Decisions = pruneDecisions(state.Decisions, time.Now().Add(-m.retention))
	if err := m.policy.SetAttributes(ctx, resource, state.Attributes()); err != nil {
		return fmt.Errorf("write meeting %s: %w", meetingKey, err)
	}
	return nil
}

// RequestJoin appends a pending approval and returns its id. Concurrent
// requests never lose an entry: the per-meeting mutex serializes the
// read-modify-write.
func (m *Manager) RequestJoin(ctx context.Context, meetingKey, name, email, requesterChannel string) (string, error) {
	mu := m.lock(meetingKey)
	mu.Lock()
	defer mu.Unlock()

	state, err := m.state(ctx, meetingKey)
	if err != nil {
		return "", err
	}
	if !state.Meeting.IsActive {
		return "", fmt.Errorf("meeting %s is no longer active: %w", meetingKey, errs.ErrNotFound)
	}

	approval := models.PendingApproval{
		ID:               "approval-" + uuid.New().String(),
		Name:             name,
		Email:            email,
		RequestedAt:      time.Now().UTC(),
		RequesterChannel: requesterChannel,
	}
	state.Meeting.PendingApprovals = append(state.Meeting.PendingApprovals, approval)
	if err := m.write(ctx, meetingKey, state); err != nil {
		return "", err
	}
	m.logger.Info("join request queued",
		zap.String("meeting", meetingKey),
		zap.String("approval_id", approval.ID),
	)
	return approval.ID, nil
}

// Decide resolves a pending approval. Exactly one concurrent decision on an
// id succeeds; the loser gets ErrNotFound ("already processed", not a
// failure to retry). A decision already in flight for the same id returns
// ErrConflict. The permission check fails closed: a transport error denies.
func (m *Manager) Decide(ctx context.Context, meetingKey, approvalID, action, actorKey string) (*models.PendingApproval, error) {
	if action != ActionApprove && action != ActionReject {
		return nil, fmt.Errorf("action %q: %w", action, errs.ErrValidation)
	}

	resource := policy.ResourceKey(m.namespace, meetingKey)
	allowed, err := m.policy.CheckPermission(ctx, actorKey, "moderate", resource)
	if err != nil {
		m.logger.Warn("permission check failed, denying", zap.String("actor", actorKey), zap.Error(err))
		return nil, fmt.Errorf("check moderate: %w", errs.ErrForbidden)
	}
	if !allowed {
		return nil, fmt.Errorf("actor %s may not moderate %s: %w", actorKey, meetingKey, errs.ErrForbidden)
	}

	if _, busy := m.inflight.LoadOrStore(approvalID, struct{}{}); busy {
		return nil, fmt.Errorf("decision for %s already in flight: %w", approvalID, errs.ErrConflict)
	}
	defer m.inflight.Delete(approvalID)

	mu := m.lock(meetingKey)
	mu.Lock()
	defer mu.Unlock()

	state, err := m.state(ctx, meetingKey)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i, a := range state.Meeting.PendingApprovals {
		if a.ID == approvalID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("approval %s: %w", approvalID, errs.ErrNotFound)
	}
	approval := state.Meeting.PendingApprovals[idx]
	state.Meeting.PendingApprovals = append(
		state.Meeting.PendingApprovals[:idx],
		state.Meeting.PendingApprovals[idx+1:]...,
	)

	outcome := models.DecisionApproved
	if action == ActionReject {
		outcome = models.DecisionRejected
	}
	state.Decisions = append(state.Decisions, models.Decision{
		ApprovalID:       approval.ID,
		Outcome:          outcome,
		DecidedBy:        actorKey,
		DecidedAt:        time.Now().UTC(),
		Name:             approval.Name,
		Email:            approval.Email,
		RequesterChannel: approval.RequesterChannel,
	})

	if err := m.write(ctx, meetingKey, state); err != nil {
		return nil, err
	}
	m.logger.Info("join request decided",
		zap.String("meeting", meetingKey),
		zap.String("approval_id", approvalID),
		zap.String("outcome", outcome),
		zap.String("actor", actorKey),
	)
	return &approval, nil
}

// ListPending returns the current queue, oldest first.
func (m *Manager) ListPending(ctx context.Context, meetingKey string) ([]models.PendingApproval, error) {
	state, err := m.state(ctx, meetingKey)
	if err != nil {
		return nil, err
	}
	return state.Meeting.PendingApprovals, nil
}

// LookupDecision returns the retained decision for an approval id, or
// ErrNotFound once the retention window has passed (or if the id never
// existed).
func (m *Manager) LookupDecision(ctx context.Context, meetingKey, approvalID string) (*models.Decision, error) {
	state, err := m.state(ctx, meetingKey)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-m.retention)
	for _, d := range state.Decisions {
		if d.ApprovalID == approvalID && d.DecidedAt.After(cutoff) {
			decision := d
			return &decision, nil
		}
	}
	return nil, fmt.Errorf("decision %s: %w", approvalID, errs.ErrNotFound)
}

func pruneDecisions(list []models.Decision, cutoff time.Time) []models.Decision {
	out := list[:0]
	for _, d := range list {
		if d.DecidedAt.After(cutoff) {
			out = append(out, d)
		}
	}
	return out
}
