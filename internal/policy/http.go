package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/meetsync/backend/internal/errs"
	"github.com/meetsync/backend/internal/models"
)

// HTTPClient talks JSON to the authority's REST API.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// NewHTTPClient creates an authority client. timeout bounds every round-trip;
// there is no cancellation of an in-flight call beyond it.
func NewHTTPClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// CheckPermission evaluates an (user, action, resource) check.
func (c *HTTPClient) CheckPermission(ctx context.Context, userKey, action, resource string) (bool, error) {
	body := map[string]string{"user": userKey, "action": action, "resource": resource}
	var out struct {
		Allow bool `json:"allow"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/allowed", body, &out); err != nil {
		return false, err
	}
	return out.Allow, nil
}

// ListRoleBindings lists assignments for (user, resource).
func (c *HTTPClient) ListRoleBindings(ctx context.Context, userKey, resource string) ([]models.RoleBinding, error) {
	q := url.Values{"user": {userKey}, "resource": {resource}}
	var out struct {
		Assignments []models.RoleBinding `json:"assignments"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/role_assignments?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Assignments, nil
}

// AssignRole creates a binding.
func (c *HTTPClient) AssignRole(ctx context.Context, userKey, role, resource string) error {
	body := map[string]string{"user": userKey, "role": role, "resource": resource}
	return c.do(ctx, http.MethodPost, "/v1/role_assignments", body, nil)
}

// UnassignRole removes a binding.
func (c *HTTPClient) UnassignRole(ctx context.Context, userKey, role, resource string) error {
	body := map[string]string{"user": userKey, "role": role, "resource": resource}
	return c.do(ctx, http.MethodPost, "/v1/role_assignments/unassign", body, nil)
}

// GetResource fetches a resource instance with attributes.
func (c *HTTPClient) GetResource(ctx context.Context, resource string) (*Resource, error) {
	var out Resource
	if err := c.do(ctx, http.MethodGet, "/v1/resource_instances/"+url.PathEscape(resource), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateResource creates a resource instance.
func (c *HTTPClient) CreateResource(ctx context.Context, resource string, attrs map[string]any) error {
	body := map[string]any{"key": resource, "attributes": attrs}
	return c.do(ctx, http.MethodPost, "/v1/resource_instances", body, nil)
}

// SetAttributes replaces the attribute map of a resource.
func (c *HTTPClient) SetAttributes(ctx context.Context, resource string, attrs map[string]any) error {
	body := map[string]any{"attributes": attrs}
	return c.do(ctx, http.MethodPatch, "/v1/resource_instances/"+url.PathEscape(resource), body, nil)
}

// FindUserByEmail looks up an identity by email.
func (c *HTTPClient) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	q := url.Values{"email": {email}}
	var out struct {
		Users []User `json:"users"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/users?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	if len(out.Users) == 0 {
		return nil, fmt.Errorf("user %s: %w", email, errs.ErrNotFound)
	}
	return &out.Users[0], nil
}

// SyncUser upserts an identity with a directory-level default role.
func (c *HTTPClient) SyncUser(ctx context.Context, u User, defaultRole string) (*User, error) {
	body := map[string]any{
		"key":        u.Key,
		"email":      u.Email,
		"first_name": u.FirstName,
		"last_name":  u.LastName,
		"role_assignments": []map[string]string{
			{"role": defaultRole, "tenant": "default"},
		},
	}
	var out User
	if err := c.do(ctx, http.MethodPut, "/v1/users", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", method, path, err, errs.ErrUpstream)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, errs.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn("authority call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("%s %s: status %d: %s: %w", method, path, resp.StatusCode, bytes.TrimSpace(raw), errs.ErrUpstream)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
