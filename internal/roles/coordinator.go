// Package roles performs role changes against the authority with a
// remove-existing-then-add-new protocol and collapses transient multiple
// bindings back to one per (user, meeting).
package roles

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/meetsync/backend/internal/errs"
	"github.com/meetsync/backend/internal/models"
	"github.com/meetsync/backend/internal/policy"
)

// Coordinator serializes role transitions per (meeting, target) so a
// transition in flight blocks only the same target; unrelated participants
// proceed unblocked.
type Coordinator struct {
	policy    policy.Client
	namespace string
	logger    *zap.Logger
	inflight  sync.Map // meeting + "\x00" + target -> struct{}
}

// NewCoordinator creates a role assignment coordinator.
func NewCoordinator(pc policy.Client, namespace string, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{policy: pc, namespace: namespace, logger: logger}
}

// DefaultRole is the role granted at first binding: admin for the meeting
// creator, participant for everyone else. Decided once, never revisited.
func DefaultRole(userKey, creatorKey string) string {
	if userKey != "" && userKey == creatorKey {
		return models.RoleAdmin
	}
	return models.RoleParticipant
}

func (c *Coordinator) guard(meetingKey, targetUserKey string) (release func(), err error) {
	key := meetingKey + "\x00" + targetUserKey
	if _, busy := c.inflight.LoadOrStore(key, struct{}{}); busy {
		return nil, fmt.Errorf("role change for %s already in flight: %w", targetUserKey, errs.ErrConflict)
	}
	return func() { c.inflight.Delete(key) }, nil
}

// checkModerate fails closed: a transport error denies like a false check.
func (c *Coordinator) checkModerate(ctx context.Context, actorKey, resource string) error {
	allowed, err := c.policy.CheckPermission(ctx, actorKey, "moderate", resource)
	if err != nil {
		c.logger.Warn("permission check failed, denying", zap.String("actor", actorKey), zap.Error(err))
		return fmt.Errorf("check moderate: %w", errs.ErrForbidden)
	}
	if !allowed {
		return fmt.Errorf("actor %s may not moderate: %w", actorKey, errs.ErrForbidden)
	}
	return nil
}

// SetRole replaces the target's binding on the meeting with newRole:
// list existing, unassign each (best-effort), assign the new role, re-list
// as confirmation. Not atomic against the authority — a crash between
// unassign and assign leaves zero bindings, which readers treat as "no
// privileged role", never an error that blocks rejoining.
func (c *Coordinator) SetRole(ctx context.Context, meetingKey, targetUserKey, newRole, actorKey string) ([]models.RoleBinding, error) {
	if !models.ValidRole(newRole) {
		return nil, fmt.Errorf("role %q: %w", newRole, errs.ErrValidation)
	}
	resource := policy.ResourceKey(c.namespace, meetingKey)
	if err := c.checkModerate(ctx, actorKey, resource); err != nil {
		return nil, err
	}
	release, err := c.guard(meetingKey, targetUserKey)
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := c.policy.ListRoleBindings(ctx, targetUserKey, resource)
	if err != nil {
		c.logger.Warn("listing existing bindings failed",
			zap.String("target", targetUserKey),
			zap.Error(err),
		)
		// A stale binding left behind is corrected by the next
		// assign-then-list cycle.
	}
	for _, b := range existing {
		if err := c.policy.UnassignRole(ctx, targetUserKey, b.Role, resource); err != nil {
			c.logger.Warn("unassign failed, continuing",
				zap.String("target", targetUserKey),
				zap.String("role", b.Role),
				zap.Error(err),
			)
		}
	}

	if err := c.policy.AssignRole(ctx, targetUserKey, newRole, resource); err != nil {
		return nil, fmt.Errorf("assign %s to %s: %w", newRole, targetUserKey, err)
	}

	bindings, err := c.policy.ListRoleBindings(ctx, targetUserKey, resource)
	if err != nil {
		return nil, fmt.Errorf("confirm bindings for %s: %w", targetUserKey, err)
	}
	c.logger.Info("role updated",
		zap.String("meeting", meetingKey),
		zap.String("target", targetUserKey),
		zap.String("role", newRole),
		zap.String("actor", actorKey),
	)
	return bindings, nil
}

// RemoveBindings strips every binding the target holds on the meeting
// (forced removal). The permission check fails closed.
func (c *Coordinator) RemoveBindings(ctx context.Context, meetingKey, targetUserKey, actorKey string) error {
	resource := policy.ResourceKey(c.namespace, meetingKey)
	if err := c.checkModerate(ctx, actorKey, resource); err != nil {
		return err
	}
	release, err := c.guard(meetingKey, targetUserKey)
	if err != nil {
		return err
	}
	defer release()

	existing, err := c.policy.ListRoleBindings(ctx, targetUserKey, resource)
	if err != nil {
		return fmt.Errorf("list bindings for %s: %w", targetUserKey, err)
	}
	for _, b := range existing {
		if err := c.policy.UnassignRole(ctx, targetUserKey, b.Role, resource); err != nil {
			c.logger.Warn("unassign failed, continuing",
				zap.String("target", targetUserKey),
				zap.String("role", b.Role),
				zap.Error(err),
			)
		}
	}
	c.logger.Info("bindings removed",
		zap.String("meeting", meetingKey),
		zap.String("target", targetUserKey),
		zap.String("actor", actorKey),
	)
	return nil
}

// EnsureRole resolves the role a user holds on a meeting at join time: an
// existing binding wins; otherwise the default role is assigned once.
func (c *Coordinator) EnsureRole(ctx context.Context, meetingKey, userKey, creatorKey string) (string, error) {
	resource := policy.ResourceKey(c.namespace, meetingKey)
	existing, err := c.policy.ListRoleBindings(ctx, userKey, resource)
	if err != nil {
		c.logger.Warn("listing bindings failed, treating as first join",
			zap.String("user", userKey),
			zap.Error(err),
		)
	}
	if len(existing) > 0 {
		return existing[0].Role, nil
	}
	role := DefaultRole(userKey, creatorKey)
	if err := c.policy.AssignRole(ctx, userKey, role, resource); err != nil {
		return "", fmt.Errorf("assign default role %s: %w", role, err)
	}
	return role, nil
}
