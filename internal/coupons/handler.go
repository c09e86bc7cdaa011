package coupons

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/halcyonhost/panel/internal/middleware"
	"github.com/halcyonhost/panel/internal/models"
	"github.com/halcyonhost/panel/internal/validate"
)

// Handler serves customer coupon redemption and the admin coupon CRUD.
type Handler struct {
	Svc *Service
	Log *slog.Logger
}

type couponResponse struct {
	ID             string     `json:"id"`
	Code           string     `json:"code"`
	Kind           string     `json:"kind"`
	Value          string     `json:"value"`
	MaxRedemptions int        `json:"max_redemptions"`
	RedeemedCount  int        `json:"redeemed_count"`
	Active         bool       `json:"active"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func toCouponResponse(c *models.Coupon) couponResponse {
	return couponResponse{
		ID:             c.ID.String(),
		Code:           c.Code,
		Kind:           c.Kind,
		Value:          c.Value.String(),
		MaxRedemptions: c.MaxRedemptions,
		RedeemedCount:  c.RedeemedCount,
		Active:         c.Active,
		ExpiresAt:      c.ExpiresAt,
		CreatedAt:      c.CreatedAt,
	}
}

// --- POST /coupons/redeem ---

type redeemRequest struct {
	Code string `json:"code"`
}

type redeemResponse struct {
	Code       string `json:"code"`
	Amount     string `json:"amount"`
	NewBalance string `json:"new_balance"`
}

func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		http.Error(w, `{"error":"code is required"}`, http.StatusBadRequest)
		return
	}

	res, err := h.Svc.Redeem(r.Context(), user.ID, req.Code)
	if err != nil {
		h.writeCouponError(w, err, "redeem coupon")
		return
	}

	writeJSON(w, http.StatusOK, redeemResponse{
		Code:       req.Code,
		Amount:     res.Credit.Amount.StringFixed(2),
		NewBalance: res.NewBalance.StringFixed(2),
	})
}

// --- GET /coupons/{code} ---

type previewResponse struct {
	Code      string     `json:"code"`
	Kind      string     `json:"kind"`
	Value     string     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Preview lets a customer check a code before ordering. Redemption counts
// stay hidden.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	c, err := h.Svc.Preview(r.Context(), code)
	if err != nil {
		h.writeCouponError(w, err, "preview coupon")
		return
	}
	writeJSON(w, http.StatusOK, previewResponse{
		Code:      c.Code,
		Kind:      c.Kind,
		Value:     c.Value.String(),
		ExpiresAt: c.ExpiresAt,
	})
}

// --- POST /admin/coupons ---

type createCouponRequest struct {
	Code           string  `json:"code"`
	Kind           string  `json:"kind"`
	Value          string  `json:"value"`
	MaxRedemptions int     `json:"max_redemptions"`
	ExpiresAt      *string `json:"expires_at"`
	Active         *bool   `json:"active"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}
	if err := validate.Body("coupon_create", body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	var req createCouponRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	value, err := decimal.NewFromString(req.Value)
	if err != nil {
		http.Error(w, `{"error":"invalid value"}`, http.StatusBadRequest)
		return
	}
	expiresAt, ok := parseExpiry(req.ExpiresAt)
	if !ok {
		http.Error(w, `{"error":"invalid expires_at"}`, http.StatusBadRequest)
		return
	}

	c, err := h.Svc.Create(r.Context(), CreateParams{
		Code:           req.Code,
		Kind:           req.Kind,
		Value:          value,
		MaxRedemptions: req.MaxRedemptions,
		ExpiresAt:      expiresAt,
		Active:         req.Active,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidValue):
			http.Error(w, `{"error":"value out of range for kind"}`, http.StatusUnprocessableEntity)
		case errors.Is(err, ErrDuplicateCode):
			http.Error(w, `{"error":"coupon code already exists"}`, http.StatusConflict)
		default:
			h.Log.Error("create coupon", "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, toCouponResponse(c))
}

// --- GET /admin/coupons ---

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.Svc.List(r.Context())
	if err != nil {
		h.Log.Error("list coupons", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	out := make([]couponResponse, 0, len(list))
	for _, c := range list {
		out = append(out, toCouponResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// --- GET /admin/coupons/{id} ---

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"invalid coupon id"}`, http.StatusBadRequest)
		return
	}
	c, err := h.Svc.Get(r.Context(), id)
	if err != nil {
		h.writeCouponError(w, err, "get coupon")
		return
	}
	writeJSON(w, http.StatusOK, toCouponResponse(c))
}

// --- PATCH /admin/coupons/{id} ---

type updateCouponRequest struct {
	Value          *string `json:"value"`
	MaxRedemptions *int    `json:"max_redemptions"`
	Active         *bool   `json:"active"`
	ExpiresAt      *string `json:"expires_at"`
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"invalid coupon id"}`, http.StatusBadRequest)
		return
	}

	var req updateCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	var p UpdateParams
	if req.Value != nil {
		v, err := decimal.NewFromString(*req.Value)
		if err != nil {
			http.Error(w, `{"error":"invalid value"}`, http.StatusBadRequest)
			return
		}
		p.Value = &v
	}
	p.MaxRedemptions = req.MaxRedemptions
	p.Active = req.Active
	if req.ExpiresAt != nil {
		if *req.ExpiresAt == "" {
			p.ClearExpiry = true
		} else {
			t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
			if err != nil {
				http.Error(w, `{"error":"invalid expires_at"}`, http.StatusBadRequest)
				return
			}
			p.ExpiresAt = &t
		}
	}

	c, err := h.Svc.Update(r.Context(), id, p)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			http.Error(w, `{"error":"coupon not found"}`, http.StatusNotFound)
		case errors.Is(err, ErrInvalidValue):
			http.Error(w, `{"error":"value out of range for kind"}`, http.StatusUnprocessableEntity)
		default:
			h.Log.Error("update coupon", "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, toCouponResponse(c))
}

// --- DELETE /admin/coupons/{id} ---

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"invalid coupon id"}`, http.StatusBadRequest)
		return
	}
	if err := h.Svc.Delete(r.Context(), id); err != nil {
		h.Log.Error("delete coupon", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

func (h *Handler) writeCouponError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInactive):
		http.Error(w, `{"error":"coupon not found"}`, http.StatusNotFound)
	case errors.Is(err, ErrExpired):
		http.Error(w, `{"error":"coupon has expired"}`, http.StatusGone)
	case errors.Is(err, ErrExhausted):
		http.Error(w, `{"error":"coupon redemption limit reached"}`, http.StatusGone)
	case errors.Is(err, ErrAlreadyRedeemed):
		http.Error(w, `{"error":"coupon already redeemed"}`, http.StatusConflict)
	case errors.Is(err, ErrNotRedeemable):
		http.Error(w, `{"error":"coupon cannot be redeemed for credit"}`, http.StatusUnprocessableEntity)
	default:
		h.Log.Error(op, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func parseExpiry(raw *string) (*time.Time, bool) {
	if raw == nil || *raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		return nil, false
	}
	return &t, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
