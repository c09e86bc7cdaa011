package provisioning

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/halcyonhost/panel/internal/billing"
	"github.com/halcyonhost/panel/internal/coupons"
	"github.com/halcyonhost/panel/internal/middleware"
	"github.com/halcyonhost/panel/internal/models"
	"github.com/halcyonhost/panel/internal/validate"
)

// Handler serves customer order placement and the admin order controls.
type Handler struct {
	Svc *Service
	Log *slog.Logger
}

type orderResponse struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	PackageID   string    `json:"package_id"`
	Hostname    string    `json:"hostname"`
	Status      string    `json:"status"`
	VFServerID  int       `json:"vf_server_id,omitempty"`
	CouponID    string    `json:"coupon_id,omitempty"`
	Price       string    `json:"price"`
	FailureNote string    `json:"failure_note,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toOrderResponse(o *models.ServerOrder) orderResponse {
	resp := orderResponse{
		ID:          o.ID.String(),
		UserID:      o.UserID.String(),
		PackageID:   o.PackageID.String(),
		Hostname:    o.Hostname,
		Status:      o.Status,
		VFServerID:  o.VFServerID,
		Price:       o.Price.StringFixed(2),
		FailureNote: o.FailureNote,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
	if o.CouponID != nil {
		resp.CouponID = o.CouponID.String()
	}
	return resp
}

// --- POST /orders ---

type placeOrderRequest struct {
	PackageID  string `json:"package_id"`
	Hostname   string `json:"hostname"`
	CouponCode string `json:"coupon_code"`
}

func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}
	if err := validate.Body("server_order", body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	var req placeOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	packageID, err := uuid.Parse(req.PackageID)
	if err != nil {
		http.Error(w, `{"error":"invalid package id"}`, http.StatusBadRequest)
		return
	}

	order, err := h.Svc.PlaceOrder(r.Context(), user.ID, PlaceOrderParams{
		PackageID:  packageID,
		Hostname:   req.Hostname,
		CouponCode: req.CouponCode,
	})
	if err != nil {
		h.writeOrderError(w, err, "place order")
		return
	}

	// 202: the charge is committed but the build happens in the background.
	writeJSON(w, http.StatusAccepted, toOrderResponse(order))
}

// --- GET /orders ---

func (h *Handler) ListMine(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	list, err := h.Svc.ListForUser(r.Context(), user.ID)
	if err != nil {
		h.Log.Error("list orders", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	out := make([]orderResponse, 0, len(list))
	for _, o := range list {
		out = append(out, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, out)
}

// --- GET /orders/{id} ---

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"invalid order id"}`, http.StatusBadRequest)
		return
	}
	order, err := h.Svc.Get(r.Context(), user.ID, id)
	if err != nil {
		h.writeOrderError(w, err, "get order")
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// --- POST /orders/{id}/cancel ---

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"invalid order id"}`, http.StatusBadRequest)
		return
	}
	order, err := h.Svc.Cancel(r.Context(), user.ID, id)
	if err != nil {
		h.writeOrderError(w, err, "cancel order")
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// --- GET /admin/orders ---

func (h *Handler) ListAll(w http.ResponseWriter, r *http.Request) {
	list, err := h.Svc.ListAll(r.Context())
	if err != nil {
		h.Log.Error("list all orders", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	out := make([]orderResponse, 0, len(list))
	for _, o := range list {
		out = append(out, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, out)
}

// --- POST /admin/orders/{id}/suspend ---

func (h *Handler) Suspend(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"invalid order id"}`, http.StatusBadRequest)
		return
	}
	if err := h.Svc.Suspend(r.Context(), id); err != nil {
		h.writeOrderError(w, err, "suspend server")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "suspended"})
}

// --- POST /admin/orders/{id}/unsuspend ---

func (h *Handler) Unsuspend(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"invalid order id"}`, http.StatusBadRequest)
		return
	}
	if err := h.Svc.Unsuspend(r.Context(), id); err != nil {
		h.writeOrderError(w, err, "unsuspend server")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

// --- helpers ---

func (h *Handler) writeOrderError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, ErrPackageUnavailable):
		http.Error(w, `{"error":"package not available for order"}`, http.StatusUnprocessableEntity)
	case errors.Is(err, ErrInvalidHostname):
		http.Error(w, `{"error":"invalid hostname"}`, http.StatusUnprocessableEntity)
	case errors.Is(err, billing.ErrInsufficientFunds):
		http.Error(w, `{"error":"insufficient balance"}`, http.StatusPaymentRequired)
	case errors.Is(err, coupons.ErrNotFound), errors.Is(err, coupons.ErrInactive):
		http.Error(w, `{"error":"coupon code is not valid"}`, http.StatusUnprocessableEntity)
	case errors.Is(err, coupons.ErrExpired):
		http.Error(w, `{"error":"coupon has expired"}`, http.StatusUnprocessableEntity)
	case errors.Is(err, coupons.ErrExhausted):
		http.Error(w, `{"error":"coupon redemption limit reached"}`, http.StatusUnprocessableEntity)
	case errors.Is(err, coupons.ErrAlreadyRedeemed):
		http.Error(w, `{"error":"coupon already used"}`, http.StatusUnprocessableEntity)
	case errors.Is(err, coupons.ErrNotDiscount):
		http.Error(w, `{"error":"coupon cannot be applied to orders"}`, http.StatusUnprocessableEntity)
	case errors.Is(err, ErrOrderNotFound):
		http.Error(w, `{"error":"order not found"}`, http.StatusNotFound)
	case errors.Is(err, ErrNotCancellable):
		http.Error(w, `{"error":"order can no longer be cancelled"}`, http.StatusConflict)
	case errors.Is(err, ErrNoServer):
		http.Error(w, `{"error":"order has no active server"}`, http.StatusConflict)
	default:
		h.Log.Error(op, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
