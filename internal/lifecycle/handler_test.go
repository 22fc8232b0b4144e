package lifecycle

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMux(f *fixture) *http.ServeMux {
	h := NewHandler(f.svc, f.issuer, "ROLE_ADMIN", nil)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", h.Register)
	mux.HandleFunc("POST /verify-otp", h.VerifyOtp)
	mux.HandleFunc("POST /login", h.Login)
	mux.HandleFunc("POST /refresh", h.Refresh)
	mux.HandleFunc("POST /logout", h.RequireAuth(h.Logout))
	mux.HandleFunc("GET /profile", h.RequireAuth(h.Profile))
	mux.HandleFunc("POST /unlock", h.RequireAdmin(h.Unlock))
	return mux
}

func do(t *testing.T, mux http.Handler, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &er))
	return er
}

func TestHandler_RegisterAndVerify(t *testing.T) {
	f := newFixture(t)
	mux := newTestMux(f)

	rec := do(t, mux, http.MethodPost, "/register", "", RegisterRequest{
		Username: "alice", Email: "a@x.com", Password: "Pw1!", ConfirmPassword: "Pw1!",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	rec = do(t, mux, http.MethodPost, "/register", "", RegisterRequest{
		Username: "alice", Email: "b@x.com", Password: "Pw1!", ConfirmPassword: "Pw1!",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, mux, http.MethodPost, "/verify-otp", "", ActivateRequest{Email: "a@x.com", Otp: f.notifier.lastOtp("a@x.com")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var auth AuthResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &auth))
	assert.NotEmpty(t, auth.AccessToken)

	rec = do(t, mux, http.MethodGet, "/profile", auth.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p IdentitySummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "alice", p.Username)
}

func TestHandler_LoginFailures(t *testing.T) {
	f := newFixture(t)
	mux := newTestMux(f)
	f.activeUser(t, "alice", "a@x.com", "Pw1!")

	rec := do(t, mux, http.MethodPost, "/login", "", LoginRequest{Email: "a@x.com", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	er := decodeError(t, rec)
	assert.Equal(t, KindInvalidCredentials, er.Kind)
	assert.Equal(t, 4, er.RemainingAttempts)

	for i := 0; i < 4; i++ {
		rec = do(t, mux, http.MethodPost, "/login", "", LoginRequest{Email: "a@x.com", Password: "wrong"})
	}
	assert.Equal(t, http.StatusLocked, rec.Code)
	er = decodeError(t, rec)
	assert.Equal(t, KindAccountLocked, er.Kind)
	assert.Equal(t, 30, er.RemainingMinutes)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/login", bytes.NewBufferString("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_LoginUnknownEmailLooksLikeWrongPassword(t *testing.T) {
	f := newFixture(t)
	mux := newTestMux(f)
	f.activeUser(t, "alice", "a@x.com", "Pw1!")

	wrong := do(t, mux, http.MethodPost, "/login", "", LoginRequest{Email: "a@x.com", Password: "wrong"})
	unknown := do(t, mux, http.MethodPost, "/login", "", LoginRequest{Email: "ghost@x.com", Password: "wrong"})

	assert.Equal(t, http.StatusUnauthorized, unknown.Code)
	assert.Equal(t, wrong.Code, unknown.Code)
	assert.Equal(t, decodeError(t, wrong).Kind, decodeError(t, unknown).Kind)
}

func TestHandler_BearerRequired(t *testing.T) {
	f := newFixture(t)
	mux := newTestMux(f)

	assert.Equal(t, http.StatusUnauthorized, do(t, mux, http.MethodPost, "/logout", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, mux, http.MethodPost, "/logout", "garbage", nil).Code)

	auth := f.activeUser(t, "alice", "a@x.com", "Pw1!")
	rec := do(t, mux, http.MethodPost, "/logout", auth.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, f.refresh.count(auth.Identity.ID))

	rec = do(t, mux, http.MethodPost, "/refresh", "", RefreshRequest{RefreshToken: auth.RefreshToken})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_UnlockNeedsAdmin(t *testing.T) {
	f := newFixture(t)
	mux := newTestMux(f)
	user := f.activeUser(t, "alice", "a@x.com", "Pw1!")

	rec := do(t, mux, http.MethodPost, "/unlock", user.AccessToken, UnlockRequest{Email: "a@x.com"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	admin, err := f.issuer.Issue(999, "root@x.com", "ROLE_ADMIN")
	require.NoError(t, err)
	rec = do(t, mux, http.MethodPost, "/unlock", admin.Token, UnlockRequest{Email: "a@x.com"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:         http.StatusBadRequest,
		KindConflict:           http.StatusConflict,
		KindNotFound:           http.StatusNotFound,
		KindInvalidCredentials: http.StatusUnauthorized,
		KindInvalidOtp:         http.StatusBadRequest,
		KindExpired:            http.StatusGone,
		KindAccountLocked:      http.StatusLocked,
		KindNotVerified:        http.StatusForbidden,
		KindAccountDisabled:    http.StatusForbidden,
		KindConfiguration:      http.StatusInternalServerError,
		KindStorageUnavailable: http.StatusServiceUnavailable,
	}
	for k, want := range cases {
		assert.Equal(t, want, StatusFor(k), k)
	}
}
