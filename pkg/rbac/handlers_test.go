package rbac

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/spoke-iam/pkg/audit"
	"github.com/platinummonkey/spoke-iam/pkg/auth"
	"github.com/platinummonkey/spoke-iam/pkg/contextkeys"
)

type resolverSource struct {
	resolver *Resolver
	err      error
}

func (s resolverSource) GetOrCompute(ctx context.Context, principalID int64) (PermissionSet, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.resolver.ResolveEffectivePermissions(ctx, principalID)
}

func newTestRouter(t *testing.T, env *testEnv, source PermissionSource) *mux.Router {
	t.Helper()
	h := NewHandlers(env.manager, source, nil)

	router := mux.NewRouter()
	admin := router.PathPrefix("/rbac").Subrouter()
	admin.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "1"}}
			ctx := contextkeys.WithClaims(r.Context(), claims)
			ctx = contextkeys.WithClientIP(ctx, "198.51.100.4")
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	h.RegisterRoutes(admin)
	return router
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "admin-console")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandlers_RoleLifecycle(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(t, env, resolverSource{resolver: env.resolver()})

	w := doJSON(t, router, "POST", "/rbac/roles", map[string]interface{}{"name": "Manager", "description": "m"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var role Role
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &role))
	assert.Equal(t, RoleName("Manager"), role.Name)

	rec := env.audit.last()
	assert.Equal(t, int64(1), rec.PerformedBy)
	assert.Equal(t, "198.51.100.4", rec.IPAddress)
	assert.Equal(t, "admin-console", rec.UserAgent)

	w = doJSON(t, router, "POST", "/rbac/roles", map[string]interface{}{"name": "Manager"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.JSONEq(t, `{"error":"role name already exists"}`, w.Body.String())

	w = doJSON(t, router, "GET", "/rbac/roles", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var roles []Role
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &roles))
	assert.Len(t, roles, 1)

	path := fmt.Sprintf("/rbac/roles/%d", role.ID)
	w = doJSON(t, router, "PATCH", path, map[string]interface{}{"name": "Lead", "is_active": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &role))
	assert.Equal(t, RoleName("Lead"), role.Name)
	assert.False(t, role.IsActive)

	w = doJSON(t, router, "PATCH", path, map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, "GET", path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"permissions":[]`)

	w = doJSON(t, router, "DELETE", path, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, "GET", path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, audit.ActionRoleDelete, env.audit.last().ActionType)
}

func TestHandlers_BadInput(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(t, env, resolverSource{resolver: env.resolver()})

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"malformed json", "POST", "/rbac/roles", `{"name":`, http.StatusBadRequest},
		{"unknown field", "POST", "/rbac/roles", `{"name":"A","admin":true}`, http.StatusBadRequest},
		{"empty name", "POST", "/rbac/roles", map[string]string{"name": " "}, http.StatusBadRequest},
		{"bad id", "GET", "/rbac/roles/abc", nil, http.StatusBadRequest},
		{"missing edge ids", "POST", "/rbac/hierarchy", map[string]int{"parent_role_id": 1}, http.StatusBadRequest},
		{"bad date", "POST", "/rbac/principals/42/roles", map[string]interface{}{"role_id": 1, "start_date": "yesterday"}, http.StatusBadRequest},
		{"unknown role", "POST", "/rbac/principals/42/roles", map[string]interface{}{"role_id": 999}, http.StatusNotFound},
		{"remove missing assignment", "DELETE", "/rbac/principals/42/roles/1", nil, http.StatusNotFound},
		{"remove missing edge", "DELETE", "/rbac/hierarchy/1/2", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestHandlers_HierarchyAndPermissions(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(t, env, resolverSource{resolver: env.resolver()})
	manager := env.role(t, "Manager")
	staff := env.role(t, "Staff")

	w := doJSON(t, router, "POST", "/rbac/permissions", map[string]string{"name": "P1", "category": "ops"})
	require.Equal(t, http.StatusCreated, w.Code)
	var p1 Permission
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p1))

	w = doJSON(t, router, "GET", "/rbac/permissions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"P1"`)

	w = doJSON(t, router, "PUT", fmt.Sprintf("/rbac/roles/%d/permissions", manager.ID), map[string][]int64{"permission_ids": {p1.ID}})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = doJSON(t, router, "PUT", fmt.Sprintf("/rbac/roles/%d/permissions", manager.ID), map[string][]int64{"permission_ids": {999}})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, "POST", "/rbac/hierarchy", edgeRequest{ParentRoleID: manager.ID, ChildRoleID: staff.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, router, "POST", "/rbac/hierarchy", edgeRequest{ParentRoleID: staff.ID, ChildRoleID: manager.ID})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.JSONEq(t, `{"error":"role hierarchy edge would create a cycle"}`, w.Body.String())

	w = doJSON(t, router, "GET", "/rbac/hierarchy", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var edges []HierarchyEdge
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &edges))
	assert.Len(t, edges, 1)

	w = doJSON(t, router, "POST", "/rbac/principals/42/roles", map[string]interface{}{
		"role_id":    staff.ID,
		"start_date": "2026-03-01",
		"end_date":   "2026-12-31",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, router, "POST", "/rbac/principals/42/roles", map[string]interface{}{"role_id": staff.ID})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, router, "GET", "/rbac/principals/42/permissions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"principal_id":42,"permissions":["P1"]}`, w.Body.String())

	w = doJSON(t, router, "GET", "/rbac/principals/42/roles", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var assignments []RoleAssignment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &assignments))
	require.Len(t, assignments, 1)
	assert.Equal(t, staff.ID, assignments[0].RoleID)

	w = doJSON(t, router, "DELETE", fmt.Sprintf("/rbac/principals/42/roles/%d", staff.ID), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, "DELETE", fmt.Sprintf("/rbac/roles/%d", staff.ID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, router, "DELETE", fmt.Sprintf("/rbac/hierarchy/%d/%d", manager.ID, staff.ID), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHandlers_PermissionLookupUnavailable(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(t, env, resolverSource{err: errors.New("store unavailable")})

	w := doJSON(t, router, "GET", "/rbac/principals/42/permissions", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotContains(t, w.Body.String(), "store unavailable")
}

func TestHandlers_InternalErrorIsGeneric(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(t, env, resolverSource{resolver: env.resolver()})
	require.NoError(t, env.db.Close())

	w := doJSON(t, router, "GET", "/rbac/roles", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, w.Body.String())
}

func TestParseDate(t *testing.T) {
	d, err := parseDate("")
	assert.NoError(t, err)
	assert.Nil(t, d)

	d, err = parseDate("2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 2026, d.Year())

	d, err = parseDate("2026-03-01T12:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 12, d.Hour())

	_, err = parseDate("03/01/2026")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
