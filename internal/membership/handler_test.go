package membership

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lms/internal/auth"
)

type stubIssuer struct{}

func (stubIssuer) Issue(id uuid.UUID, username, role string) (string, error) {
	return "token-" + username + "-" + role, nil
}

func newHandlerRouter(svc Service) http.Handler {
	h := NewHandler(svc, stubIssuer{})
	r := chi.NewRouter()
	r.Post("/api/auth/register", h.Register)
	r.Post("/api/auth/login", h.Login)
	r.Get("/api/members/{id}", h.GetMember)
	r.Put("/api/members/{id}", h.UpdateMember)
	r.Delete("/api/members/{id}", h.DeleteMember)
	r.Get("/api/members/search", h.SearchMembers)
	return r
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func asCaller(req *http.Request, id uuid.UUID, role string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{MemberID: id, Role: role}))
}

func TestHandler_RegisterAndLogin(t *testing.T) {
	svc, _ := newTestService()
	router := newHandlerRouter(svc)

	rec := do(t, router, httptest.NewRequest(http.MethodPost, "/api/auth/register",
		strings.NewReader(`{"username":"ada","name":"Ada","password":"pw"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"token":"token-ada-MEMBER"`)
	assert.NotContains(t, rec.Body.String(), "password")

	rec = do(t, router, httptest.NewRequest(http.MethodPost, "/api/auth/register",
		strings.NewReader(`{"username":"ada","name":"Ada","password":"pw"}`)))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, router, httptest.NewRequest(http.MethodPost, "/api/auth/login",
		strings.NewReader(`{"username":"ada","password":"pw"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, httptest.NewRequest(http.MethodPost, "/api/auth/login",
		strings.NewReader(`{"username":"ada","password":"bad"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_CREDENTIALS")
}

func TestHandler_MemberAccess(t *testing.T) {
	svc, _ := newTestService()
	router := newHandlerRouter(svc)
	ada := register(t, svc, "ada")
	grace := register(t, svc, "grace")
	path := "/api/members/" + ada.ID.String()

	rec := do(t, router, asCaller(httptest.NewRequest(http.MethodGet, path, nil), ada.ID, RoleMember))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, asCaller(httptest.NewRequest(http.MethodGet, path, nil), grace.ID, RoleMember))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, router, asCaller(httptest.NewRequest(http.MethodGet, path, nil), grace.ID, RoleLibrarian))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, asCaller(httptest.NewRequest(http.MethodPut, path,
		strings.NewReader(`{"name":"Ada L","email":"a@x","address":"","contact_info":""}`)), ada.ID, RoleMember))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Ada L")

	rec = do(t, router, asCaller(httptest.NewRequest(http.MethodGet, "/api/members/search?name=ada", nil), grace.ID, RoleLibrarian))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, httptest.NewRequest(http.MethodDelete, path, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err := svc.GetMember(context.Background(), ada.ID)
	assert.ErrorIs(t, err, ErrMemberNotFound)

	rec = do(t, router, httptest.NewRequest(http.MethodDelete, "/api/members/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_OnlyLibrarianMovesRegistrationDate(t *testing.T) {
	svc, _ := newTestService()
	router := newHandlerRouter(svc)
	ada := register(t, svc, "ada")
	path := "/api/members/" + ada.ID.String()
	renewal := `{"name":"Ada","registration_date":"` + fixedNow.AddDate(1, 0, 0).Format(time.RFC3339) + `"}`

	rec := do(t, router, asCaller(httptest.NewRequest(http.MethodPut, path, strings.NewReader(renewal)), ada.ID, RoleMember))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "FORBIDDEN")

	got, err := svc.GetMember(context.Background(), ada.ID)
	require.NoError(t, err)
	assert.Equal(t, ada.MembershipExpiryDate, got.MembershipExpiryDate)

	rec = do(t, router, asCaller(httptest.NewRequest(http.MethodPut, path, strings.NewReader(renewal)), uuid.New(), RoleLibrarian))
	require.Equal(t, http.StatusOK, rec.Code)

	got, err = svc.GetMember(context.Background(), ada.ID)
	require.NoError(t, err)
	assert.Equal(t, fixedNow.AddDate(2, 0, 0), got.MembershipExpiryDate)
}
