package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMux(service *Service) *http.ServeMux {
	handler := NewHandler(service)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", handler.Register)
	mux.HandleFunc("POST /auth/login", handler.Login)
	mux.HandleFunc("POST /auth/password-reset", handler.RequestPasswordReset)
	mux.HandleFunc("POST /auth/password-reset/confirm", handler.ConfirmPasswordReset)
	mux.Handle("GET /auth/me", Middleware("test-secret", http.HandlerFunc(handler.Me)))
	mux.Handle("GET /admin/users", Middleware("test-secret", RequireRole(http.HandlerFunc(handler.ListUsers), RoleAdmin)))
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestRegisterEndpoint(t *testing.T) {
	service := newTestService(t, newMemStore(), 100)
	mux := newTestMux(service)

	rec := doJSON(t, mux, http.MethodPost, "/auth/register",
		`{"username":"alice","email":"alice@example.com","password":"password123"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "alice", created.Username)
	assert.Equal(t, RoleCustomer, created.Role)
	assert.NotContains(t, rec.Body.String(), "password", "hash never leaves the server")

	rec = doJSON(t, mux, http.MethodPost, "/auth/register",
		`{"username":"alice","email":"alice2@example.com","password":"password123"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/auth/register",
		`{"username":"bob","email":"not-an-email","password":"password123"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/auth/register",
		`{"username":"bob","email":"bob@example.com","password":"short"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginEndpointStatusMapping(t *testing.T) {
	service := newTestService(t, newMemStore(), 100)
	registerUser(t, service, "alice", "password123")
	mux := newTestMux(service)

	rec := doJSON(t, mux, http.MethodPost, "/auth/login",
		`{"login":"alice","password":"password123"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		User   User   `json:"user"`
		Tokens Tokens `json:"tokens"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Tokens.AccessToken)

	rec = doJSON(t, mux, http.MethodPost, "/auth/login",
		`{"login":"alice","password":"wrong"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/auth/login",
		`{"login":"","password":""}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginEndpointThrottled(t *testing.T) {
	service := newTestService(t, newMemStore(), 1)
	registerUser(t, service, "alice", "password123")
	mux := newTestMux(service)

	headers := map[string]string{"X-Forwarded-For": "203.0.113.7"}
	doJSON(t, mux, http.MethodPost, "/auth/login", `{"login":"alice","password":"wrong"}`, headers)

	rec := doJSON(t, mux, http.MethodPost, "/auth/login", `{"login":"alice","password":"password123"}`, headers)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestLoginEndpointLocked(t *testing.T) {
	service := newTestService(t, newMemStore(), 100)
	registerUser(t, service, "alice", "password123")
	mux := newTestMux(service)

	for i := 0; i < 5; i++ {
		doJSON(t, mux, http.MethodPost, "/auth/login", `{"login":"alice","password":"wrong"}`, nil)
	}

	rec := doJSON(t, mux, http.MethodPost, "/auth/login", `{"login":"alice","password":"password123"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "account temporarily locked")
}

func TestPasswordResetEndpointsAreUniform(t *testing.T) {
	service := newTestService(t, newMemStore(), 100)
	registerUser(t, service, "alice", "password123")
	mux := newTestMux(service)

	known := doJSON(t, mux, http.MethodPost, "/auth/password-reset", `{"email":"alice@example.com"}`, nil)
	unknown := doJSON(t, mux, http.MethodPost, "/auth/password-reset", `{"email":"ghost@example.com"}`, nil)

	assert.Equal(t, http.StatusAccepted, known.Code)
	assert.Equal(t, http.StatusAccepted, unknown.Code)
	assert.Equal(t, known.Body.String(), unknown.Body.String())

	rec := doJSON(t, mux, http.MethodPost, "/auth/password-reset/confirm",
		`{"token":"bogus","new_password":"password456"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid")
}

func TestPasswordResetUniformUnderMailerFailure(t *testing.T) {
	service := newTestService(t, newMemStore(), 100)
	registerUser(t, service, "alice", "password123")
	service.WithMailer(&failingMailer{})
	mux := newTestMux(service)

	known := doJSON(t, mux, http.MethodPost, "/auth/password-reset", `{"email":"alice@example.com"}`, nil)
	unknown := doJSON(t, mux, http.MethodPost, "/auth/password-reset", `{"email":"ghost@example.com"}`, nil)

	// A mail outage must not turn known addresses into 500s.
	assert.Equal(t, http.StatusAccepted, known.Code)
	assert.Equal(t, http.StatusAccepted, unknown.Code)
	assert.Equal(t, known.Body.String(), unknown.Body.String())
}

func TestOptionalMiddleware(t *testing.T) {
	service := newTestService(t, newMemStore(), 100)
	registerUser(t, service, "alice", "password123")

	handler := OptionalMiddleware("test-secret", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFrom(r.Context())
		if !ok {
			writeJSON(w, http.StatusOK, map[string]string{"role": "anonymous"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"role": string(identity.Role)})
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "anonymous")

	_, tokens, err := service.Authenticate(context.Background(), "alice", "password123", "ip", "ua")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(RoleCustomer))

	// Presenting a broken token is still an error, not anonymity.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedEndpoints(t *testing.T) {
	store := newMemStore()
	service := newTestService(t, store, 100)
	registerUser(t, service, "alice", "password123")
	mux := newTestMux(service)

	rec := doJSON(t, mux, http.MethodGet, "/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/auth/me", "", map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	_, tokens, err := service.Authenticate(context.Background(), "alice", "password123", "ip", "ua")
	require.NoError(t, err)
	bearer := map[string]string{"Authorization": "Bearer " + tokens.AccessToken}

	rec = doJSON(t, mux, http.MethodGet, "/auth/me", "", bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	var me User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, "alice", me.Username)

	// A customer token does not pass the admin gate.
	rec = doJSON(t, mux, http.MethodGet, "/admin/users", "", bearer)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminRoleGate(t *testing.T) {
	store := newMemStore()
	service := newTestService(t, store, 100)
	mux := newTestMux(service)

	admin, err := service.Register(context.Background(), RegisterInput{
		Username: "root",
		Email:    "root@example.com",
		Password: "password123",
		Role:     RoleAdmin,
	})
	require.NoError(t, err)

	_, tokens, err := service.Authenticate(context.Background(), "root", "password123", "ip", "ua")
	require.NoError(t, err)

	rec := doJSON(t, mux, http.MethodGet, "/admin/users", "", map[string]string{
		"Authorization": "Bearer " + tokens.AccessToken,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var users []User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &users))
	require.Len(t, users, 1)
	assert.Equal(t, admin.ID, users[0].ID)
}
