// Package handlers holds the HTTP handlers that span multiple services:
// billing views, the payment webhook, account management, notifications,
// and portal settings.
package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/halcyonhost/panel/internal/billing"
	"github.com/halcyonhost/panel/internal/jobs"
	"github.com/halcyonhost/panel/internal/metrics"
	"github.com/halcyonhost/panel/internal/middleware"
	"github.com/halcyonhost/panel/internal/models"
	"github.com/halcyonhost/panel/internal/validate"
)

// TxBeginner abstracts transaction creation for handlers that combine ledger
// writes with job enqueues.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Biller is the billing surface the HTTP layer uses.
type Biller interface {
	Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	ListEntries(ctx context.Context, userID uuid.UUID, f billing.EntryFilter) ([]*models.LedgerEntry, error)
	ListAllEntries(ctx context.Context, f billing.EntryFilter) ([]*models.LedgerEntry, error)
	ApplyCreditTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, src billing.Source) (*billing.CreditResult, error)
	AnnounceApplied(ctx context.Context, res *billing.CreditResult)
}

// WebhookStore claims gateway deliveries for idempotent processing.
type WebhookStore interface {
	InsertTx(ctx context.Context, tx pgx.Tx, w *models.WebhookEvent) (bool, error)
	MarkProcessed(ctx context.Context, w *models.WebhookEvent, processingError string) error
}

// InsertPushCreditTxFunc enqueues a PushCredit job within the given transaction. Provided by main using river.Client.InsertTx.
type InsertPushCreditTxFunc func(ctx context.Context, tx pgx.Tx, args jobs.PushCreditArgs) error

// EnqueueSyncUsageFunc enqueues a SyncUsage job. Provided by main using river.Client.Insert.
type EnqueueSyncUsageFunc func(ctx context.Context, args jobs.SyncUsageArgs) error

// BillingHandler serves balance and transaction views, the payment gateway
// webhook, and the admin credit operations.
type BillingHandler struct {
	DB            TxBeginner
	Billing       Biller
	Webhooks      WebhookStore
	InsertPush    InsertPushCreditTxFunc
	EnqueueSync   EnqueueSyncUsageFunc
	Provider      string
	WebhookSecret string
	Log           *slog.Logger
}

type entryResponse struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Kind             string    `json:"kind"`
	Amount           string    `json:"amount"`
	Description      string    `json:"description"`
	Status           string    `json:"status"`
	PaymentMethod    *string   `json:"payment_method,omitempty"`
	PaymentReference *string   `json:"payment_reference,omitempty"`
	RelatedEntryID   string    `json:"related_entry_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

func toEntryResponse(e *models.LedgerEntry) entryResponse {
	resp := entryResponse{
		ID:               e.ID.String(),
		UserID:           e.UserID.String(),
		Kind:             e.Kind,
		Amount:           e.Amount.StringFixed(2),
		Description:      e.Description,
		Status:           e.Status,
		PaymentMethod:    e.PaymentMethod,
		PaymentReference: e.PaymentReference,
		CreatedAt:        e.CreatedAt,
	}
	if e.RelatedEntryID != nil {
		resp.RelatedEntryID = e.RelatedEntryID.String()
	}
	return resp
}

// --- GET /billing/balance ---

type balanceResponse struct {
	Balance string `json:"balance"`
	// Outstanding is the amount the next credit will settle before any of it
	// becomes spendable. Present only while the balance is negative.
	Outstanding string `json:"outstanding,omitempty"`
}

func (h *BillingHandler) Balance(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	balance, err := h.Billing.Balance(r.Context(), user.ID)
	if err != nil {
		h.Log.Error("read balance", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	resp := balanceResponse{Balance: balance.StringFixed(2)}
	if balance.Sign() < 0 {
		resp.Outstanding = balance.Neg().StringFixed(2)
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- GET /billing/transactions ---

func (h *BillingHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromCtx(r.Context())
	if user == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	filter, err := parseEntryFilter(r)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}
	entries, err := h.Billing.ListEntries(r.Context(), user.ID, filter)
	if err != nil {
		h.Log.Error("list transactions", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toEntryResponses(entries))
}

// --- GET /admin/billing/transactions ---

func (h *BillingHandler) ListAllTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEntryFilter(r)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}
	if v := r.URL.Query().Get("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
			return
		}
		filter.UserID = &id
	}
	entries, err := h.Billing.ListAllEntries(r.Context(), filter)
	if err != nil {
		h.Log.Error("list all transactions", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toEntryResponses(entries))
}

// --- POST /billing/webhooks/payment ---

type paymentWebhookEvent struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	UserID        string `json:"user_id"`
	Amount        string `json:"amount"`
	Method        string `json:"method"`
	TransactionID string `json:"transaction_id"`
}

// PaymentWebhook applies a gateway-confirmed payment to the customer ledger.
// The delivery claim, the ledger write, and the upstream push enqueue share
// one transaction: a retry of a failed delivery starts from scratch, and a
// committed delivery can never be applied twice.
func (h *BillingHandler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}

	if !h.signatureValid(body, r.Header.Get("X-Webhook-Signature")) {
		metrics.WebhookEvents.WithLabelValues(h.Provider, "invalid").Inc()
		http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
		return
	}

	var ev paymentWebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.ID == "" {
		metrics.WebhookEvents.WithLabelValues(h.Provider, "invalid").Inc()
		http.Error(w, `{"error":"malformed event"}`, http.StatusBadRequest)
		return
	}
	if ev.Type != "payment.succeeded" {
		metrics.WebhookEvents.WithLabelValues(h.Provider, "ignored").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	userID, err := uuid.Parse(ev.UserID)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(h.Provider, "invalid").Inc()
		http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
		return
	}
	amount, err := decimal.NewFromString(ev.Amount)
	if err != nil || amount.Sign() <= 0 {
		metrics.WebhookEvents.WithLabelValues(h.Provider, "invalid").Inc()
		http.Error(w, `{"error":"credit amount must be positive"}`, http.StatusBadRequest)
		return
	}

	delivery := &models.WebhookEvent{
		ID:              uuid.New(),
		Provider:        h.Provider,
		ProviderEventID: ev.ID,
		Payload:         body,
	}

	tx, err := h.DB.Begin(r.Context())
	if err != nil {
		h.Log.Error("begin webhook tx", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	defer tx.Rollback(r.Context())

	claimed, err := h.Webhooks.InsertTx(r.Context(), tx, delivery)
	if err != nil {
		h.Log.Error("claim webhook delivery", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !claimed {
		metrics.WebhookEvents.WithLabelValues(h.Provider, "duplicate").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	res, err := h.Billing.ApplyCreditTx(r.Context(), tx, userID, amount,
		billing.PaymentSource{Method: ev.Method, TransactionID: ev.TransactionID})
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrDuplicatePayment):
			// Same gateway transaction under a fresh event id. The claim rolls
			// back with the tx, a later redelivery lands here again.
			metrics.WebhookEvents.WithLabelValues(h.Provider, "duplicate").Inc()
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		case errors.Is(err, billing.ErrInvalidAmount):
			metrics.WebhookEvents.WithLabelValues(h.Provider, "invalid").Inc()
			http.Error(w, `{"error":"credit amount must be positive"}`, http.StatusBadRequest)
		case errors.Is(err, pgx.ErrNoRows):
			metrics.WebhookEvents.WithLabelValues(h.Provider, "invalid").Inc()
			http.Error(w, `{"error":"unknown user"}`, http.StatusBadRequest)
		default:
			h.Log.Error("apply payment credit", "event_id", ev.ID, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}

	if err := h.InsertPush(r.Context(), tx, jobs.PushCreditArgs{
		UserID:  userID,
		Amount:  amount,
		EntryID: res.Credit.ID,
	}); err != nil {
		h.Log.Error("enqueue credit push", "event_id", ev.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	if err := tx.Commit(r.Context()); err != nil {
		h.Log.Error("commit webhook tx", "event_id", ev.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	if err := h.Webhooks.MarkProcessed(r.Context(), delivery, ""); err != nil {
		h.Log.Warn("mark webhook processed", "event_id", ev.ID, "error", err)
	}
	h.Billing.AnnounceApplied(r.Context(), res)
	metrics.WebhookEvents.WithLabelValues(h.Provider, "applied").Inc()
	h.Log.Info("payment credit applied",
		"provider", h.Provider, "event_id", ev.ID, "user_id", userID, "amount", amount)

	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "applied",
		"new_balance": res.NewBalance.StringFixed(2),
	})
}

// --- POST /admin/billing/credits ---

type grantCreditRequest struct {
	UserID    string `json:"user_id"`
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
}

type grantCreditResponse struct {
	UserID     string `json:"user_id"`
	Amount     string `json:"amount"`
	NewBalance string `json:"new_balance"`
	Deduction  string `json:"deduction,omitempty"`
}

// GrantCredit applies an administrator credit and mirrors it upstream.
func (h *BillingHandler) GrantCredit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}
	if err := validate.Body("credit_grant", body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	var req grantCreditRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		http.Error(w, `{"error":"invalid amount"}`, http.StatusBadRequest)
		return
	}

	tx, err := h.DB.Begin(r.Context())
	if err != nil {
		h.Log.Error("begin grant tx", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	defer tx.Rollback(r.Context())

	res, err := h.Billing.ApplyCreditTx(r.Context(), tx, userID, amount, billing.AdminGrant{Reference: req.Reference})
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrInvalidAmount):
			http.Error(w, `{"error":"credit amount must be positive"}`, http.StatusUnprocessableEntity)
		case errors.Is(err, pgx.ErrNoRows):
			http.Error(w, `{"error":"user not found"}`, http.StatusNotFound)
		default:
			h.Log.Error("grant credit", "user_id", userID, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}

	if err := h.InsertPush(r.Context(), tx, jobs.PushCreditArgs{
		UserID:  userID,
		Amount:  amount,
		EntryID: res.Credit.ID,
	}); err != nil {
		h.Log.Error("enqueue credit push", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		h.Log.Error("commit grant tx", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	h.Billing.AnnounceApplied(r.Context(), res)
	h.Log.Info("admin credit granted", "user_id", userID, "amount", amount, "reference", req.Reference)

	resp := grantCreditResponse{
		UserID:     res.UserID.String(),
		Amount:     res.Credit.Amount.StringFixed(2),
		NewBalance: res.NewBalance.StringFixed(2),
	}
	if res.Deduction != nil {
		resp.Deduction = res.Deduction.Amount.StringFixed(2)
	}
	writeJSON(w, http.StatusCreated, resp)
}

// --- POST /admin/billing/sync-usage ---

type syncUsageRequest struct {
	UserID string `json:"user_id"`
}

// TriggerUsageSync enqueues an on-demand usage reconciliation, for one user
// or (empty body) for everyone.
func (h *BillingHandler) TriggerUsageSync(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}

	var args jobs.SyncUsageArgs
	if len(bytes.TrimSpace(body)) > 0 {
		var req syncUsageRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
			return
		}
		if req.UserID != "" {
			id, err := uuid.Parse(req.UserID)
			if err != nil {
				http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
				return
			}
			args.UserID = id
		}
	}

	if err := h.EnqueueSync(r.Context(), args); err != nil {
		h.Log.Error("enqueue usage sync", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// --- helpers ---

func (h *BillingHandler) signatureValid(body []byte, header string) bool {
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.WebhookSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(want))
}

func toEntryResponses(entries []*models.LedgerEntry) []entryResponse {
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryResponse(e))
	}
	return out
}

func parseEntryFilter(r *http.Request) (billing.EntryFilter, error) {
	q := r.URL.Query()
	f := billing.EntryFilter{Limit: 50}
	if k := q.Get("kind"); k != "" {
		if k != models.EntryKindCredit && k != models.EntryKindDeduction {
			return f, errors.New("invalid kind")
		}
		f.Kind = k
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, errors.New("invalid limit")
		}
		if n > 200 {
			n = 200
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("invalid offset")
		}
		f.Offset = n
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
