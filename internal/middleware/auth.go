package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/halcyonhost/panel/internal/models"
	"github.com/halcyonhost/panel/internal/repository"
)

type contextKey string

const ctxUserKey contextKey = "user"

// APIKeyScheme prefixes personal access tokens so Auth can tell them apart
// from session JWTs without parsing.
const APIKeyScheme = "hh_"

// SessionValidator validates a bearer session token and returns the user id
// and role embedded in it.
type SessionValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

// APIKeyLookup resolves a hashed personal access token to its user.
type APIKeyLookup interface {
	FindByKeyHash(ctx context.Context, keyHash string) (*repository.APIKeyWithUser, error)
}

// UserLookup loads the authenticated user for session tokens.
type UserLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Auth authenticates requests with either a session JWT or a personal access
// token (hh_ prefix, matched by SHA-256 hash). On success the user is set
// into the request context; role always comes from the database, not the
// token, so role changes apply immediately.
func Auth(sessions SessionValidator, keys APIKeyLookup, users UserLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}

			var user *models.User
			if strings.HasPrefix(raw, APIKeyScheme) {
				result, err := keys.FindByKeyHash(r.Context(), HashAPIKey(raw))
				if err != nil {
					http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
					return
				}
				user = &result.User
			} else {
				userID, _, err := sessions.ValidateToken(r.Context(), raw)
				if err != nil {
					http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
					return
				}
				user, err = users.GetByID(r.Context(), userID)
				if err != nil {
					http.Error(w, `{"error":"unknown user"}`, http.StatusUnauthorized)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// RequireAdmin gates a route group to admin users. Must run after Auth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := UserFromCtx(r.Context())
		if user == nil {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		if !user.IsAdmin() {
			http.Error(w, `{"error":"admin access required"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UserFromCtx returns the authenticated user or nil.
func UserFromCtx(ctx context.Context) *models.User {
	u, _ := ctx.Value(ctxUserKey).(*models.User)
	return u
}

// WithUser returns a context carrying the given user.
func WithUser(ctx context.Context, u *models.User) context.Context {
	return context.WithValue(ctx, ctxUserKey, u)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// HashAPIKey is the storage form of a personal access token. Key creation and
// key lookup must agree on it.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
