// Package meetings is the HTTP boundary and orchestration glue: session
// creation, the join flow, approval decisions, role changes, and removal.
// The coordination logic itself lives in approvals, roles, and realtime;
// this package wires them to the authority and the device store.
package meetings

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meetsync/backend/internal/approvals"
	"github.com/meetsync/backend/internal/audit"
	"github.com/meetsync/backend/internal/auth"
	"github.com/meetsync/backend/internal/errs"
	"github.com/meetsync/backend/internal/models"
	"github.com/meetsync/backend/internal/policy"
	"github.com/meetsync/backend/internal/realtime"
	"github.com/meetsync/backend/internal/roles"
	"github.com/meetsync/backend/internal/store"
	"github.com/meetsync/backend/pkg/queue"
)

// directoryRole is the tenant-level role every identity gets on upsert.
const directoryRole = "viewer"

// AuditSink records coordination events asynchronously. May be nil.
type AuditSink interface {
	EnqueueAudit(ctx context.Context, payload queue.AuditPayload) error
}

// Service orchestrates meeting access coordination.
type Service struct {
	policy    policy.Client
	store     store.Store
	approvals *approvals.Manager
	roles     *roles.Coordinator
	grants    *auth.GrantService
	bus       *realtime.Conn
	audit     AuditSink
	namespace string
	logger    *zap.Logger
}

// NewService creates the orchestration service. bus is the server's own bus
// connection (events it publishes reach every other client); audit may be
// nil to disable the trail.
func NewService(
	pc policy.Client,
	st store.Store,
	am *approvals.Manager,
	rc *roles.Coordinator,
	grants *auth.GrantService,
	bus *realtime.Conn,
	audit AuditSink,
	namespace string,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		policy:    pc,
		store:     st,
		approvals: am,
		roles:     rc,
		grants:    grants,
		bus:       bus,
		audit:     audit,
		namespace: namespace,
		logger:    logger,
	}
}

// CreateInput is the request to create a meeting.
type CreateInput struct {
	Title         string
	Description   string
	AccessMode    models.AccessMode
	AllowedEmails []string
	Email         string
	FirstName     string
	LastName      string
}

// CreateResult is the outcome of meeting creation.
type CreateResult struct {
	Meeting *models.Meeting `json:"meeting"`
	UserKey string          `json:"user_key"`
	Grant   string          `json:"grant"`
}

// Create provisions the authority resource, binds the creator as admin,
// caches the snapshot, and announces the meeting on the bus.
func (s *Service) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("title is required: %w", errs.ErrValidation)
	}
	if strings.TrimSpace(in.Email) == "" {
		return nil, fmt.Errorf("email is required: %w", errs.ErrValidation)
	}
	if !in.AccessMode.Valid() {
		return nil, fmt.Errorf("access mode %q: %w", in.AccessMode, errs.ErrValidation)
	}
	if in.AccessMode == models.AccessAllowList && len(trimEmails(in.AllowedEmails)) == 0 {
		return nil, fmt.Errorf("allow-list mode requires at least one email: %w", errs.ErrValidation)
	}

	user, err := s.upsertIdentity(ctx, in.Email, in.FirstName, in.LastName)
	if err != nil {
		return nil, err
	}

	meeting := &models.Meeting{
		Key:           newMeetingKey(),
		Title:         in.Title,
		Description:   in.Description,
		AccessMode:    in.AccessMode,
		AllowedEmails: trimEmails(in.AllowedEmails),
		CreatedBy:     user.Key,
		CreatorEmail:  user.Email,
		CreatedAt:     time.Now().UTC(),
		IsActive:      true,
	}
	stateAttrs := (&models.MeetingState{Meeting: *meeting}).Attributes()
	resource := policy.ResourceKey(s.namespace, meeting.Key)
	if err := s.policy.CreateResource(ctx, resource, stateAttrs); err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	if err := s.policy.AssignRole(ctx, user.Key, models.RoleAdmin, resource); err != nil {
		return nil, fmt.Errorf("assign creator admin: %w", err)
	}

	if err := s.store.SaveMeeting(ctx, meeting); err != nil {
		s.logger.Warn("cache meeting failed", zap.String("meeting", meeting.Key), zap.Error(err))
	}
	s.bus.Publish(realtime.EventSessionCreated, meeting.Key, meeting)

	grant, err := s.grants.Issue(user.Key, meeting.Key, models.RoleAdmin)
	if err != nil {
		return nil, fmt.Errorf("issue grant: %w", err)
	}
	s.logger.Info("meeting created",
		zap.String("meeting", meeting.Key),
		zap.String("creator", user.Key),
		zap.String("access_mode", string(meeting.AccessMode)),
	)
	return &CreateResult{Meeting: meeting, UserKey: user.Key, Grant: grant}, nil
}

// JoinInput is one join attempt.
type JoinInput struct {
	MeetingKey       string
	Email            string
	FirstName        string
	LastName         string
	ApprovalID       string // held from a previous attempt, if any
	RequesterChannel string // routes the decision back to this client
}

// JoinResult is the outcome of a join attempt. Either Admitted is true, or
// RequiresApproval carries the id to poll with.
type JoinResult struct {
	Admitted         bool                `json:"admitted"`
	RequiresApproval bool                `json:"requires_approval,omitempty"`
	ApprovalID       string              `json:"approval_id,omitempty"`
	Message          string              `json:"message,omitempty"`
	UserKey          string              `json:"user_key,omitempty"`
	Role             string              `json:"role,omitempty"`
	Participant      *models.Participant `json:"participant,omitempty"`
	Meeting          *models.Meeting     `json:"meeting,omitempty"`
	Grant            string              `json:"grant,omitempty"`
}

// Join runs one attempt of the join flow against the current authority
// state. The waiting client re-invokes it with the held approval id; the
// workflow in internal/join drives that loop.
func (s *Service) Join(ctx context.Context, in JoinInput) (*JoinResult, error) {
	if strings.TrimSpace(in.Email) == "" {
		return nil, fmt.Errorf("email is required: %w", errs.ErrValidation)
	}
	meeting, err := s.lookupMeeting(ctx, in.MeetingKey)
	if err != nil {
		return nil, err
	}
	if !meeting.IsActive {
		return nil, fmt.Errorf("meeting %s is no longer active: %w", in.MeetingKey, errs.ErrNotFound)
	}

	switch meeting.AccessMode {
	case models.AccessAllowList:
		if !meeting.EmailAllowed(in.Email) {
			return nil, fmt.Errorf("your email is not authorized to join this meeting: %w", errs.ErrForbidden)
		}
	case models.AccessApproval:
		result, proceed, err := s.resolveApproval(ctx, meeting, in)
		if err != nil {
			return nil, err
		}
		if !proceed {
			return result, nil
		}
	}

	return s.admit(ctx, meeting, in)
}

// resolveApproval handles the approval-mode leg. proceed=true means the
// attempt may continue to admission.
func (s *Service) resolveApproval(ctx context.Context, meeting *models.Meeting, in JoinInput) (*JoinResult, bool, error) {
	name := strings.TrimSpace(in.FirstName + " " + in.LastName)

	// Existing binding means a rejoin: no fresh approval needed.
	if user, err := s.policy.FindUserByEmail(ctx, in.Email); err == nil {
		resource := policy.ResourceKey(s.namespace, meeting.Key)
		if bindings, err := s.policy.ListRoleBindings(ctx, user.Key, resource); err == nil && len(bindings) > 0 {
			return nil, true, nil
		}
	}

	if in.ApprovalID == "" {
		approvalID, err := s.approvals.RequestJoin(ctx, meeting.Key, name, in.Email, in.RequesterChannel)
		if err != nil {
			return nil, false, err
		}
		s.bus.Publish(realtime.EventApprovalRequest, meeting.Key, models.PendingApproval{
			ID:               approvalID,
			Name:             name,
			Email:            in.Email,
			RequesterChannel: in.RequesterChannel,
		})
		return &JoinResult{
			RequiresApproval: true,
			ApprovalID:       approvalID,
			Message:          "your request to join has been sent to the meeting host for approval",
		}, false, nil
	}

	pending, err := s.approvals.ListPending(ctx, meeting.Key)
	if err != nil {
		return nil, false, err
	}
	for _, a := range pending {
		if a.ID == in.ApprovalID {
			return &JoinResult{
				RequiresApproval: true,
				ApprovalID:       in.ApprovalID,
				Message:          "your request is still pending approval from the meeting host",
			}, false, nil
		}
	}

	decision, err := s.approvals.LookupDecision(ctx, meeting.Key, in.ApprovalID)
	switch {
	case err == nil && decision.Outcome == models.DecisionRejected:
		return nil, false, fmt.Errorf("your request to join was declined by the host: %w", errs.ErrForbidden)
	case err == nil:
		return nil, true, nil
	default:
		// No pending entry and no retained decision: the id left the queue
		// without a readable outcome. Treated as approved so an admitted
		// client is never locked out by decision-log expiry.
		return nil, true, nil
	}
}

// admit finishes a successful join: identity upsert, role resolution,
// roster registration, grant.
func (s *Service) admit(ctx context.Context, meeting *models.Meeting, in JoinInput) (*JoinResult, error) {
	user, err := s.upsertIdentity(ctx, in.Email, in.FirstName, in.LastName)
	if err != nil {
		return nil, err
	}

	role, err := s.roles.EnsureRole(ctx, meeting.Key, user.Key, meeting.CreatedBy)
	if err != nil {
		return nil, err
	}

	participant := models.Participant{
		ID:           "participant-" + uuid.New().String(),
		Name:         strings.TrimSpace(in.FirstName + " " + in.LastName),
		UserKey:      user.Key,
		Role:         role,
		Email:        user.Email,
		AudioEnabled: true,
		VideoEnabled: true,
		JoinedAt:     time.Now().UTC(),
	}
	if err := s.store.UpsertParticipant(ctx, meeting.Key, participant); err != nil {
		s.logger.Warn("cache participant failed", zap.String("meeting", meeting.Key), zap.Error(err))
	}
	if err := s.store.SetParticipantUser(ctx, meeting.Key, participant.ID, user.Key); err != nil {
		s.logger.Warn("cache participant mapping failed", zap.String("meeting", meeting.Key), zap.Error(err))
	}

	grant, err := s.grants.Issue(user.Key, meeting.Key, role)
	if err != nil {
		return nil, fmt.Errorf("issue grant: %w", err)
	}
	s.logger.Info("participant admitted",
		zap.String("meeting", meeting.Key),
		zap.String("user", user.Key),
		zap.String("role", role),
	)
	return &JoinResult{
		Admitted:    true,
		UserKey:     user.Key,
		Role:        role,
		Participant: &participant,
		Meeting:     meeting,
		Grant:       grant,
	}, nil
}

// Decide resolves a pending approval and routes the outcome to the waiting
// client over the bus.
func (s *Service) Decide(ctx context.Context, meetingKey, approvalID, action, actorKey string) (*models.PendingApproval, error) {
	approval, err := s.approvals.Decide(ctx, meetingKey, approvalID, action, actorKey)
	if err != nil {
		return nil, err
	}

	event := realtime.EventApprovalGranted
	kind := audit.KindApprovalApproved
	if action == approvals.ActionReject {
		event = realtime.EventApprovalRejected
		kind = audit.KindApprovalRejected
	}
	s.bus.Publish(event, meetingKey, map[string]string{
		"approval_id":       approval.ID,
		"requester_channel": approval.RequesterChannel,
		"name":              approval.Name,
	})
	s.recordAudit(ctx, meetingKey, kind, actorKey, approval.Email, map[string]string{
		"approval_id": approval.ID,
		"name":        approval.Name,
	})
	return approval, nil
}

// ListPending returns the approval queue for host panels and pollers.
func (s *Service) ListPending(ctx context.Context, meetingKey string) ([]models.PendingApproval, error) {
	return s.approvals.ListPending(ctx, meetingKey)
}

// SetRole updates a participant's role and mirrors it to the roster cache
// and the bus.
func (s *Service) SetRole(ctx context.Context, meetingKey, targetUserKey, newRole, actorKey string) ([]models.RoleBinding, error) {
	bindings, err := s.roles.SetRole(ctx, meetingKey, targetUserKey, newRole, actorKey)
	if err != nil {
		return nil, err
	}

	s.updateCachedRole(ctx, meetingKey, targetUserKey, newRole)
	s.bus.Publish(realtime.EventRoleUpdate, meetingKey, map[string]string{
		"user_key": targetUserKey,
		"role":     newRole,
	})
	s.recordAudit(ctx, meetingKey, audit.KindRoleUpdated, actorKey, targetUserKey, map[string]string{
		"role": newRole,
	})
	return bindings, nil
}

// RemoveParticipant strips the target's bindings and drops them from the
// roster cache. The roster-update reaches other clients through the store
// mirror (and their polls).
func (s *Service) RemoveParticipant(ctx context.Context, meetingKey, targetUserKey, actorKey string) error {
	if err := s.roles.RemoveBindings(ctx, meetingKey, targetUserKey, actorKey); err != nil {
		return err
	}

	roster, err := s.store.ListParticipants(ctx, meetingKey)
	if err == nil {
		for _, p := range roster {
			if p.UserKey == targetUserKey {
				if err := s.store.RemoveParticipant(ctx, meetingKey, p.ID); err != nil {
					s.logger.Warn("roster removal failed", zap.String("participant", p.ID), zap.Error(err))
				}
			}
		}
	}
	s.recordAudit(ctx, meetingKey, audit.KindParticipantRemoved, actorKey, targetUserKey, nil)
	return nil
}

// PermissionSet is the per-user permission probe result.
type PermissionSet struct {
	Roles         []models.RoleBinding `json:"roles"`
	CanMute       bool                 `json:"can_mute"`
	CanPromote    bool                 `json:"can_promote"`
	CanEndMeeting bool                 `json:"can_end_meeting"`
}

// Permissions reports a user's bindings and moderation capability. The
// check fails closed: on transport error every capability is false.
func (s *Service) Permissions(ctx context.Context, meetingKey, userKey string) (*PermissionSet, error) {
	resource := policy.ResourceKey(s.namespace, meetingKey)
	bindings, err := s.policy.ListRoleBindings(ctx, userKey, resource)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	canModerate, err := s.policy.CheckPermission(ctx, userKey, "moderate", resource)
	if err != nil {
		s.logger.Warn("permission check failed, reporting none", zap.String("user", userKey), zap.Error(err))
		canModerate = false
	}
	return &PermissionSet{
		Roles:         bindings,
		CanMute:       canModerate,
		CanPromote:    canModerate,
		CanEndMeeting: canModerate,
	}, nil
}

// SetSpeaking grants or revokes the device-cached speaking flag. The flag
// never reaches the authority; only the admin gate does.
func (s *Service) SetSpeaking(ctx context.Context, meetingKey, participantID string, speaking bool, actorKey string) error {
	resource := policy.ResourceKey(s.namespace, meetingKey)
	allowed, err := s.policy.CheckPermission(ctx, actorKey, "moderate", resource)
	if err != nil {
		s.logger.Warn("permission check failed, denying", zap.String("actor", actorKey), zap.Error(err))
		return fmt.Errorf("check moderate: %w", errs.ErrForbidden)
	}
	if !allowed {
		return fmt.Errorf("actor %s may not moderate: %w", actorKey, errs.ErrForbidden)
	}

	if err := s.store.SetSpeaking(ctx, meetingKey, participantID, speaking); err != nil {
		return fmt.Errorf("cache speaking flag: %w", err)
	}
	roster, err := s.store.ListParticipants(ctx, meetingKey)
	if err == nil {
		for _, p := range roster {
			if p.ID == participantID {
				p.Speaking = speaking
				if err := s.store.UpsertParticipant(ctx, meetingKey, p); err != nil {
					s.logger.Warn("roster speaking update failed", zap.String("participant", participantID), zap.Error(err))
				}
				break
			}
		}
	}
	return nil
}

// GetMeeting returns the cached snapshot, falling back to the authority.
func (s *Service) GetMeeting(ctx context.Context, meetingKey string) (*models.Meeting, error) {
	return s.lookupMeeting(ctx, meetingKey)
}

// lookupMeeting reads the device cache first, then reconstructs the
// snapshot from the authority's attributes and backfills the cache.
func (s *Service) lookupMeeting(ctx context.Context, meetingKey string) (*models.Meeting, error) {
	if m, err := s.store.GetMeeting(ctx, meetingKey); err == nil {
		return m, nil
	}

	resource := policy.ResourceKey(s.namespace, meetingKey)
	res, err := s.policy.GetResource(ctx, resource)
	if err != nil {
		return nil, fmt.Errorf("meeting %s: %w", meetingKey, err)
	}
	state := models.StateFromAttributes(meetingKey, res.Attributes)
	meeting := state.Meeting
	if err := s.store.SaveMeeting(ctx, &meeting); err != nil {
		s.logger.Warn("cache backfill failed", zap.String("meeting", meetingKey), zap.Error(err))
	}
	return &meeting, nil
}

// upsertIdentity reuses an existing identity by email; otherwise a new one
// is created with a fresh key. Idempotent: the existing key always wins.
func (s *Service) upsertIdentity(ctx context.Context, email, firstName, lastName string) (*policy.User, error) {
	if user, err := s.policy.FindUserByEmail(ctx, email); err == nil {
		return user, nil
	}
	user, err := s.policy.SyncUser(ctx, policy.User{
		Key:       uuid.New().String(),
		Email:     email,
		FirstName: firstName,
		LastName:  lastName,
	}, directoryRole)
	if err != nil {
		return nil, fmt.Errorf("sync user: %w", err)
	}
	return user, nil
}

func (s *Service) updateCachedRole(ctx context.Context, meetingKey, userKey, role string) {
	roster, err := s.store.ListParticipants(ctx, meetingKey)
	if err != nil {
		return
	}
	for _, p := range roster {
		if p.UserKey == userKey && p.Role != role {
			p.Role = role
			if err := s.store.UpsertParticipant(ctx, meetingKey, p); err != nil {
				s.logger.Warn("roster role update failed", zap.String("participant", p.ID), zap.Error(err))
			}
		}
	}
}

func (s *Service) recordAudit(ctx context.Context, meetingKey, kind, actorKey, targetKey string, detail map[string]string) {
	if s.audit == nil {
		return
	}
	var raw json.RawMessage
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	payload := queue.AuditPayload{
		EventID:    uuid.New(),
		MeetingKey: meetingKey,
		Kind:       kind,
		ActorKey:   actorKey,
		TargetKey:  targetKey,
		Detail:     raw,
		OccurredAt: time.Now().UTC(),
	}
	if err := s.audit.EnqueueAudit(ctx, payload); err != nil {
		s.logger.Warn("audit enqueue failed", zap.String("kind", kind), zap.Error(err))
	}
}

func trimEmails(list []string) []string {
	var out []string
	for _, e := range list {
		if t := strings.TrimSpace(e); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// newMeetingKey generates a short opaque meeting key.
func newMeetingKey() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:13]
}
