// Package policy wraps the external policy authority: permission checks,
// role bindings, resource attributes, and user identities. Calls are plain
// request/response round-trips; the client never retries — callers decide.
package policy

import (
	"context"

	"github.com/meetsync/backend/internal/models"
)

// User is an identity held by the authority.
type User struct {
	Key       string `json:"key"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Resource is an authority resource instance with free-form attributes.
type Resource struct {
	Key        string         `json:"key"`
	Attributes map[string]any `json:"attributes"`
}

// Client is the authority boundary. Every call can fail independently.
// A CheckPermission error must be treated as deny by callers that gate a
// privileged action.
type Client interface {
	// CheckPermission evaluates whether userKey may perform action on resource.
	CheckPermission(ctx context.Context, userKey, action, resource string) (bool, error)

	// ListRoleBindings returns the bindings for (userKey, resource).
	ListRoleBindings(ctx context.Context, userKey, resource string) ([]models.RoleBinding, error)

	// AssignRole binds role to userKey on resource.
	AssignRole(ctx context.Context, userKey, role, resource string) error

	// UnassignRole removes a single binding.
	UnassignRole(ctx context.Context, userKey, role, resource string) error

	// GetResource fetches a resource instance and its attributes.
	// Returns an error wrapping errs.ErrNotFound when the resource is unknown.
	GetResource(ctx context.Context, resource string) (*Resource, error)

	// CreateResource creates a resource instance with initial attributes.
	CreateResource(ctx context.Context, resource string, attrs map[string]any) error

	// SetAttributes replaces the attribute map of a resource. The attribute
	// store has no merge or append primitive: callers read-modify-write.
	SetAttributes(ctx context.Context, resource string, attrs map[string]any) error

	// FindUserByEmail returns the identity with the given email, or an error
	// wrapping errs.ErrNotFound.
	FindUserByEmail(ctx context.Context, email string) (*User, error)

	// SyncUser upserts an identity and grants defaultRole at the directory
	// level. Upsert by key; an existing identity is updated in place.
	SyncUser(ctx context.Context, u User, defaultRole string) (*User, error)
}

// ResourceKey builds the authority resource key for a meeting,
// "<namespace>:<meetingKey>".
func ResourceKey(namespace, meetingKey string) string {
	return namespace + ":" + meetingKey
}
