package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/halcyonhost/panel/internal/models"
	"github.com/halcyonhost/panel/internal/repository"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubSessions struct {
	userID uuid.UUID
	role   string
	err    error
}

func (s *stubSessions) ValidateToken(_ context.Context, _ string) (uuid.UUID, string, error) {
	return s.userID, s.role, s.err
}

type stubKeys struct {
	result *repository.APIKeyWithUser
	err    error
}

func (s *stubKeys) FindByKeyHash(_ context.Context, _ string) (*repository.APIKeyWithUser, error) {
	return s.result, s.err
}

type stubUsers struct {
	user *models.User
	err  error
}

func (s *stubUsers) GetByID(_ context.Context, _ uuid.UUID) (*models.User, error) {
	return s.user, s.err
}

// okHandler writes 200 and the user email (for assertions).
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	u := UserFromCtx(r.Context())
	if u != nil {
		w.Write([]byte(u.Email))
	}
	w.WriteHeader(http.StatusOK)
})

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestAuth_ValidSessionToken(t *testing.T) {
	user := &models.User{ID: uuid.New(), Email: "customer@example.com", Role: models.RoleCustomer}

	mw := Auth(&stubSessions{userID: user.ID, role: user.Role}, &stubKeys{}, &stubUsers{user: user})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer eyJhbGciOi.fake.jwt")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := rec.Body.String(); body != user.Email {
		t.Errorf("expected user email %q in body, got %q", user.Email, body)
	}
}

func TestAuth_ValidAPIKey(t *testing.T) {
	user := models.User{ID: uuid.New(), Email: "keyed@example.com", Role: models.RoleCustomer}
	keys := &stubKeys{
		result: &repository.APIKeyWithUser{
			APIKey: models.APIKey{ID: uuid.New(), UserID: user.ID, IsActive: true},
			User:   user,
		},
	}
	// Sessions stub errors to prove the key path never consults it.
	mw := Auth(&stubSessions{err: errors.New("not a jwt")}, keys, &stubUsers{})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer hh_0123456789abcdef")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := rec.Body.String(); body != user.Email {
		t.Errorf("expected user email %q in body, got %q", user.Email, body)
	}
}

func TestAuth_MissingHeader(t *testing.T) {
	mw := Auth(&stubSessions{}, &stubKeys{}, &stubUsers{})(okHandler)

	cases := []struct {
		name   string
		header string
	}{
		{"no header at all", ""},
		{"empty bearer", "Bearer "},
		{"wrong scheme", "Basic abc123"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			mw.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestAuth_InvalidToken(t *testing.T) {
	mw := Auth(&stubSessions{err: errors.New("token expired")}, &stubKeys{}, &stubUsers{})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer expired.jwt.token")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAuth_RevokedAPIKey(t *testing.T) {
	mw := Auth(&stubSessions{}, &stubKeys{err: errors.New("no rows")}, &stubUsers{})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer hh_revokedkey")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRequireAdmin(t *testing.T) {
	handler := RequireAdmin(okHandler)

	cases := []struct {
		name string
		user *models.User
		want int
	}{
		{"admin passes", &models.User{ID: uuid.New(), Email: "admin@example.com", Role: models.RoleAdmin}, http.StatusOK},
		{"customer forbidden", &models.User{ID: uuid.New(), Role: models.RoleCustomer}, http.StatusForbidden},
		{"anonymous unauthorized", nil, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.user != nil {
				req = req.WithContext(WithUser(req.Context(), tc.user))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}
