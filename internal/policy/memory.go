package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/meetsync/backend/internal/errs"
	"github.com/meetsync/backend/internal/models"
)

// Memory is an in-process authority used by tests and local development
// (AUTHORITY_MODE=memory). It implements the same contract as HTTPClient:
// attributes cross the boundary as generic JSON values, and a single mutex
// provides the per-resource update ordering the real authority guarantees.
type Memory struct {
	mu        sync.Mutex
	users     map[string]User           // key -> user
	resources map[string]map[string]any // resource -> attributes
	multi     map[string][]models.RoleBinding
}

// NewMemory creates an empty in-memory authority.
func NewMemory() *Memory {
	return &Memory{
		users:     make(map[string]User),
		resources: make(map[string]map[string]any),
		multi:     make(map[string][]models.RoleBinding),
	}
}

// CheckPermission models the meeting policy: "moderate" requires an admin or
// co-admin binding on the resource; any binding grants non-privileged actions.
func (m *Memory) CheckPermission(_ context.Context, userKey, action, resource string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var role string
	for _, b := range m.multi[resource] {
		if b.UserKey == userKey {
			role = b.Role
			break
		}
	}
	if role == "" {
		return false, nil
	}
	if action == "moderate" {
		return role == models.RoleAdmin || role == models.RoleCoAdmin, nil
	}
	return true, nil
}

// ListRoleBindings returns bindings for (user, resource).
func (m *Memory) ListRoleBindings(_ context.Context, userKey, resource string) ([]models.RoleBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RoleBinding
	for _, b := range m.multi[resource] {
		if b.UserKey == userKey {
			out = append(out, b)
		}
	}
	return out, nil
}

// AssignRole appends a binding. Duplicate (user, role) pairs collapse.
func (m *Memory) AssignRole(_ context.Context, userKey, role, resource string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.multi[resource] {
		if b.UserKey == userKey && b.Role == role {
			return nil
		}
	}
	m.multi[resource] = append(m.multi[resource], models.RoleBinding{UserKey: userKey, Role: role, Resource: resource})
	return nil
}

// UnassignRole removes a single binding. Missing bindings are not an error.
func (m *Memory) UnassignRole(_ context.Context, userKey, role, resource string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.multi[resource]
	out := list[:0]
	for _, b := range list {
		if b.UserKey == userKey && b.Role == role {
			continue
		}
		out = append(out, b)
	}
	m.multi[resource] = out
	return nil
}

// GetResource returns a deep copy of the resource attributes.
func (m *Memory) GetResource(_ context.Context, resource string) (*Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attrs, ok := m.resources[resource]
	if !ok {
		return nil, fmt.Errorf("resource %s: %w", resource, errs.ErrNotFound)
	}
	return &Resource{Key: resource, Attributes: cloneAttrs(attrs)}, nil
}

// CreateResource stores a new resource instance.
func (m *Memory) CreateResource(_ context.Context, resource string, attrs map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resources[resource]; ok {
		return fmt.Errorf("resource %s already exists: %w", resource, errs.ErrConflict)
	}
	m.resources[resource] = cloneAttrs(attrs)
	return nil
}

// SetAttributes replaces the attribute map of an existing resource.
func (m *Memory) SetAttributes(_ context.Context, resource string, attrs map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resources[resource]; !ok {
		return fmt.Errorf("resource %s: %w", resource, errs.ErrNotFound)
	}
	m.resources[resource] = cloneAttrs(attrs)
	return nil
}

// FindUserByEmail scans the directory for a matching email.
func (m *Memory) FindUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			copied := u
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("user %s: %w", email, errs.ErrNotFound)
}

// SyncUser upserts an identity by key.
func (m *Memory) SyncUser(_ context.Context, u User, _ string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.Key == "" {
		u.Key = uuid.New().String()
	}
	m.users[u.Key] = u
	copied := u
	return &copied, nil
}

// cloneAttrs deep-copies an attribute map through JSON, matching what the
// wire does: typed values come back as generic JSON values.
func cloneAttrs(attrs map[string]any) map[string]any {
	raw, err := json.Marshal(attrs)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}
