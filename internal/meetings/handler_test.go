package meetings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetsync/backend/internal/approvals"
	"github.com/meetsync/backend/internal/middleware"
	"github.com/meetsync/backend/internal/models"
	"github.com/meetsync/backend/pkg/response"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func newTestRouter(t *testing.T, f *fixture) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := NewHandler(f.service)

	router := gin.New()
	router.POST("/meetings", h.Create)
	router.GET("/meetings/:id", h.Get)
	router.POST("/meetings/:id/join", h.Join)

	// The test stubs grant validation: actor key from header.
	authed := router.Group("/meetings/:id")
	authed.Use(func(c *gin.Context) {
		actor := c.GetHeader("X-Actor")
		if actor == "" {
			response.Unauthorized(c, "missing actor")
			c.Abort()
			return
		}
		c.Set(middleware.ContextUserKey, actor)
		c.Next()
	})
	authed.GET("/approvals", h.ListApprovals)
	authed.POST("/approvals/:approvalId", h.Decide)
	authed.POST("/roles", h.SetRole)
	authed.DELETE("/participants/:userKey", h.RemoveParticipant)
	authed.POST("/permissions", h.Permissions)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path, actor string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor", actor)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestCreateEndpoint(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)

	rec, env := doJSON(t, router, http.MethodPost, "/meetings", "", map[string]any{
		"title":       "standup",
		"access_mode": "open",
		"email":       "host@x.io",
		"first_name":  "Hana",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, env.Success)

	var result CreateResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.NotEmpty(t, result.Meeting.Key)
	assert.NotEmpty(t, result.Grant)
}

func TestCreateEndpointRejectsBadBody(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)

	rec, env := doJSON(t, router, http.MethodPost, "/meetings", "", map[string]any{
		"title":       "standup",
		"access_mode": "vip",
		"email":       "host@x.io",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.Success)
}

func TestJoinEndpointOpenMeeting(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)
	created := f.create(t, models.AccessOpen, nil)

	rec, env := doJSON(t, router, http.MethodPost, "/meetings/"+created.Meeting.Key+"/join", "", map[string]any{
		"email":      "guest@x.io",
		"first_name": "Gina",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result JoinResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.True(t, result.Admitted)
}

func TestJoinEndpointUnknownMeeting(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)

	rec, _ := doJSON(t, router, http.MethodPost, "/meetings/nope/join", "", map[string]any{
		"email": "guest@x.io",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJoinEndpointAllowListForbidden(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)
	created := f.create(t, models.AccessAllowList, []string{"vip@x.io"})

	rec, _ := doJSON(t, router, http.MethodPost, "/meetings/"+created.Meeting.Key+"/join", "", map[string]any{
		"email": "guest@x.io",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestApprovalEndpoints(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)
	created := f.create(t, models.AccessApproval, nil)
	base := "/meetings/" + created.Meeting.Key

	rec, env := doJSON(t, router, http.MethodPost, base+"/join", "", map[string]any{
		"email":             "guest@x.io",
		"requester_channel": "chan-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var joinResult JoinResult
	require.NoError(t, json.Unmarshal(env.Data, &joinResult))
	require.True(t, joinResult.RequiresApproval)

	rec, env = doJSON(t, router, http.MethodGet, base+"/approvals", created.UserKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Pending []models.PendingApproval `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &listing))
	require.Len(t, listing.Pending, 1)

	rec, _ = doJSON(t, router, http.MethodPost,
		fmt.Sprintf("%s/approvals/%s", base, joinResult.ApprovalID), created.UserKey,
		map[string]any{"action": approvals.ActionApprove},
	)
	require.Equal(t, http.StatusOK, rec.Code)

	// Deciding again: the id is gone.
	rec, _ = doJSON(t, router, http.MethodPost,
		fmt.Sprintf("%s/approvals/%s", base, joinResult.ApprovalID), created.UserKey,
		map[string]any{"action": approvals.ActionReject},
	)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDecideEndpointForbiddenForGuest(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)
	created := f.create(t, models.AccessApproval, nil)
	base := "/meetings/" + created.Meeting.Key

	_, env := doJSON(t, router, http.MethodPost, base+"/join", "", map[string]any{
		"email": "guest@x.io",
	})
	var joinResult JoinResult
	require.NoError(t, json.Unmarshal(env.Data, &joinResult))

	rec, _ := doJSON(t, router, http.MethodPost,
		fmt.Sprintf("%s/approvals/%s", base, joinResult.ApprovalID), "stranger",
		map[string]any{"action": approvals.ActionApprove},
	)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSetRoleEndpoint(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)
	created := f.create(t, models.AccessOpen, nil)
	base := "/meetings/" + created.Meeting.Key

	_, env := doJSON(t, router, http.MethodPost, base+"/join", "", map[string]any{"email": "guest@x.io"})
	var joined JoinResult
	require.NoError(t, json.Unmarshal(env.Data, &joined))

	rec, _ := doJSON(t, router, http.MethodPost, base+"/roles", created.UserKey, map[string]any{
		"user_key": joined.UserKey,
		"role":     models.RoleCoAdmin,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, router, http.MethodPost, base+"/roles", created.UserKey, map[string]any{
		"user_key": joined.UserKey,
		"role":     "superuser",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRemoveParticipantEndpoint(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)
	created := f.create(t, models.AccessOpen, nil)
	base := "/meetings/" + created.Meeting.Key

	_, env := doJSON(t, router, http.MethodPost, base+"/join", "", map[string]any{"email": "guest@x.io"})
	var joined JoinResult
	require.NoError(t, json.Unmarshal(env.Data, &joined))

	rec, _ := doJSON(t, router, http.MethodDelete, base+"/participants/"+joined.UserKey, created.UserKey, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPermissionsEndpoint(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)
	created := f.create(t, models.AccessOpen, nil)

	rec, env := doJSON(t, router, http.MethodPost, "/meetings/"+created.Meeting.Key+"/permissions", created.UserKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var perms PermissionSet
	require.NoError(t, json.Unmarshal(env.Data, &perms))
	assert.True(t, perms.CanMute)
}

func TestAuthedRoutesRequireActor(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)
	created := f.create(t, models.AccessOpen, nil)

	rec, _ := doJSON(t, router, http.MethodGet, "/meetings/"+created.Meeting.Key+"/approvals", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
