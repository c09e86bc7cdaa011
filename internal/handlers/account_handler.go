package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/halcyonhost/panel/internal/auth"
	"github.com/halcyonhost/panel/internal/middleware"
	"github.com/halcyonhost/panel/internal/models"
	"github.com/halcyonhost/panel/internal/virtfusion"
)

// UserStore is the account surface of the user repository.
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	List(ctx context.Context) ([]*models.User, error)
	UpdateProfile(ctx context.Context, u *models.User) error
	UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error
	SetVFUserID(ctx context.Context, id uuid.UUID, vfUserID int) error
}

// KeyStore manages personal access tokens.
type KeyStore interface {
	Create(ctx context.Context, k *models.APIKey) error
	ListByUserID(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	Revoke(ctx context.Context, id, userID uuid.UUID) (bool, error)
}

// VFUserDirectory resolves control plane accounts when an admin links one.
type VFUserDirectory interface {
	GetUser(ctx context.Context, id int) (*virtfusion.User, error)
	GetUserByExtRelation(ctx context.Context, extRelationID int) (*virtfusion.User, error)
}

// AccountHandler serves profile, credential, and access token management,
// plus the admin user directory.
type AccountHandler struct {
	Users UserStore
	Keys  KeyStore
	VF    VFUserDirectory
	Log   *slog.Logger
}

// --- GET /account ---

func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, auth.UserToResponse(user))
}

// --- PUT /account ---

type updateProfileRequest struct {
	DisplayName string `json:"display_name"`
	Company     string `json:"company"`
}

func (h *AccountHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req updateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.DisplayName == "" {
		http.Error(w, `{"error":"display_name is required"}`, http.StatusBadRequest)
		return
	}

	updated := *user
	updated.DisplayName = req.DisplayName
	updated.Company = strings.TrimSpace(req.Company)
	if err := h.Users.UpdateProfile(r.Context(), &updated); err != nil {
		h.Log.Error("update profile", "user_id", user.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, auth.UserToResponse(&updated))
}

// --- PUT /account/password ---

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *AccountHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if len(req.NewPassword) < 8 {
		http.Error(w, `{"error":"password must be at least 8 characters"}`, http.StatusBadRequest)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.CurrentPassword)); err != nil {
		http.Error(w, `{"error":"current password is incorrect"}`, http.StatusForbidden)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		h.Log.Error("hash password", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if err := h.Users.UpdatePasswordHash(r.Context(), user.ID, string(hash)); err != nil {
		h.Log.Error("update password", "user_id", user.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	h.Log.Info("password changed", "user_id", user.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "changed"})
}

// --- POST /account/api-keys ---

type createKeyRequest struct {
	Label string `json:"label"`
}

type createKeyResponse struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Key       string    `json:"key"`
	KeyPrefix string    `json:"key_prefix"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateAPIKey mints a personal access token. The raw key appears in this
// response only; the store keeps its SHA-256 digest.
func (h *AccountHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	req.Label = strings.TrimSpace(req.Label)
	if req.Label == "" || len(req.Label) > 100 {
		http.Error(w, `{"error":"label must be 1-100 characters"}`, http.StatusBadRequest)
		return
	}

	raw, err := generateAPIKey()
	if err != nil {
		h.Log.Error("generate api key", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	key := &models.APIKey{
		ID:        uuid.New(),
		UserID:    user.ID,
		KeyHash:   middleware.HashAPIKey(raw),
		KeyPrefix: raw[:len(middleware.APIKeyScheme)+8],
		Label:     req.Label,
		IsActive:  true,
	}
	if err := h.Keys.Create(r.Context(), key); err != nil {
		h.Log.Error("create api key", "user_id", user.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	h.Log.Info("api key created", "user_id", user.ID, "key_prefix", key.KeyPrefix)
	writeJSON(w, http.StatusCreated, createKeyResponse{
		ID:        key.ID.String(),
		Label:     key.Label,
		Key:       raw,
		KeyPrefix: key.KeyPrefix,
		CreatedAt: key.CreatedAt,
	})
}

// --- GET /account/api-keys ---

func (h *AccountHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	keys, err := h.Keys.ListByUserID(r.Context(), user.ID)
	if err != nil {
		h.Log.Error("list api keys", "user_id", user.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

// --- DELETE /account/api-keys/{id} ---

func (h *AccountHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"invalid key id"}`, http.StatusBadRequest)
		return
	}
	ok, err := h.Keys.Revoke(r.Context(), id, user.ID)
	if err != nil {
		h.Log.Error("revoke api key", "user_id", user.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"key not found"}`, http.StatusNotFound)
		return
	}
	h.Log.Info("api key revoked", "user_id", user.ID, "key_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// --- GET /admin/users ---

type adminUserResponse struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Company     string    `json:"company,omitempty"`
	Role        string    `json:"role"`
	VFUserID    int       `json:"vf_user_id,omitempty"`
	Balance     string    `json:"balance"`
	CreatedAt   time.Time `json:"created_at"`
}

func (h *AccountHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Users.List(r.Context())
	if err != nil {
		h.Log.Error("list users", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	out := make([]adminUserResponse, 0, len(users))
	for _, u := range users {
		out = append(out, adminUserResponse{
			ID:          u.ID.String(),
			Email:       u.Email,
			DisplayName: u.DisplayName,
			Company:     u.Company,
			Role:        u.Role,
			VFUserID:    u.VFUserID,
			Balance:     u.Balance.StringFixed(2),
			CreatedAt:   u.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// --- POST /admin/users/{id}/link ---

type linkVFRequest struct {
	VFUserID      int `json:"vf_user_id"`
	ExtRelationID int `json:"ext_relation_id"`
}

// LinkVFUser attaches an existing control plane account to a portal user,
// either by its direct id or by the external relation id another billing
// system stamped on it. The account must exist upstream.
func (h *AccountHandler) LinkVFUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}
	user, err := h.Users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, `{"error":"user not found"}`, http.StatusNotFound)
			return
		}
		h.Log.Error("load user", "user_id", id, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	var req linkVFRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.VFUserID == 0 && req.ExtRelationID == 0 {
		http.Error(w, `{"error":"vf_user_id or ext_relation_id is required"}`, http.StatusBadRequest)
		return
	}

	var vfUser *virtfusion.User
	if req.VFUserID != 0 {
		vfUser, err = h.VF.GetUser(r.Context(), req.VFUserID)
	} else {
		vfUser, err = h.VF.GetUserByExtRelation(r.Context(), req.ExtRelationID)
	}
	if err != nil {
		var apiErr *virtfusion.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			http.Error(w, `{"error":"control plane user not found"}`, http.StatusUnprocessableEntity)
			return
		}
		h.Log.Error("resolve control plane user", "error", err)
		http.Error(w, `{"error":"control plane lookup failed"}`, http.StatusBadGateway)
		return
	}

	if err := h.Users.SetVFUserID(r.Context(), user.ID, vfUser.ID); err != nil {
		h.Log.Error("link control plane user", "user_id", user.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	h.Log.Info("control plane user linked", "user_id", user.ID, "vf_user_id", vfUser.ID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":    user.ID.String(),
		"vf_user_id": vfUser.ID,
	})
}

func generateAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return middleware.APIKeyScheme + hex.EncodeToString(buf), nil
}
