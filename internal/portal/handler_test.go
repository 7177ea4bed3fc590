package portal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLister struct {
	users []User
	err   error
}

func (s stubLister) List(context.Context) ([]User, error) {
	return s.users, s.err
}

func TestHandlerListUsers(t *testing.T) {
	lister := stubLister{users: []User{
		{ID: "1", Email: "admin@news.com", Name: "Admin", Role: RoleAdmin},
		{ID: "2", Email: "author@news.com", Name: "Author", Role: RoleAuthor},
	}}

	rec := httptest.NewRecorder()
	NewHandler(lister).ListUsers(rec, httptest.NewRequest(http.MethodGet, "/admin/users", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Users []User `json:"users"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, lister.users, body.Users)
}

func TestHandlerListUsers_StoreError(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(stubLister{err: errors.New("pq: relation does not exist")}).
		ListUsers(rec, httptest.NewRequest(http.MethodGet, "/admin/users", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "relation")
}

func TestRoleValid(t *testing.T) {
	for _, role := range []Role{RoleAdmin, RoleEditor, RoleAuthor} {
		assert.True(t, role.Valid(), role)
	}
	assert.False(t, Role("reader").Valid())
	assert.False(t, Role("").Valid())
}
