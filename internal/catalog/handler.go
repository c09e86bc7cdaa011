package catalog

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/halcyonhost/panel/internal/models"
	"github.com/halcyonhost/panel/internal/validate"
)

// Handler serves the public storefront catalog and the admin catalog CRUD.
type Handler struct {
	Repo *Repository
	Sync *Syncer
	Log  *slog.Logger
}

// --- GET /catalog/packages ---

// ListPublic returns only packages an admin has published.
func (h *Handler) ListPublic(w http.ResponseWriter, r *http.Request) {
	list, err := h.Repo.ListPackages(r.Context(), true)
	if err != nil {
		h.Log.Error("list public packages", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.Package{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- GET /catalog/categories ---

func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	list, err := h.Repo.ListCategories(r.Context())
	if err != nil {
		h.Log.Error("list categories", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.PackageCategory{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- GET /catalog/slas ---

func (h *Handler) ListSLAs(w http.ResponseWriter, r *http.Request) {
	list, err := h.Repo.ListSLAs(r.Context())
	if err != nil {
		h.Log.Error("list slas", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.SLA{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- GET /admin/packages ---

// ListAdmin includes unpublished packages so admins can price fresh syncs.
func (h *Handler) ListAdmin(w http.ResponseWriter, r *http.Request) {
	list, err := h.Repo.ListPackages(r.Context(), false)
	if err != nil {
		h.Log.Error("list packages", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.Package{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- PATCH /admin/packages/{id} ---

// UpdatePackage applies a partial update. category_id and sla_id accept
// explicit null to detach, which is why the fields are applied from the raw
// key set rather than a decoded struct.
func (h *Handler) UpdatePackage(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"invalid package id"}`, http.StatusBadRequest)
		return
	}

	p, err := h.Repo.GetPackage(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, `{"error":"package not found"}`, http.StatusNotFound)
			return
		}
		h.Log.Error("get package", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}
	if err := validate.Body("package_update", body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	if raw, ok := fields["name"]; ok {
		_ = json.Unmarshal(raw, &p.Name)
	}
	if raw, ok := fields["price_monthly"]; ok {
		var s string
		_ = json.Unmarshal(raw, &s)
		price, err := decimal.NewFromString(s)
		if err != nil {
			http.Error(w, `{"error":"invalid price_monthly"}`, http.StatusBadRequest)
			return
		}
		p.PriceMonthly = price
	}
	if raw, ok := fields["sort_order"]; ok {
		_ = json.Unmarshal(raw, &p.SortOrder)
	}
	if raw, ok := fields["active"]; ok {
		_ = json.Unmarshal(raw, &p.Active)
	}
	if ref, ok, bad := optionalUUID(fields, "category_id"); bad {
		http.Error(w, `{"error":"invalid category_id"}`, http.StatusBadRequest)
		return
	} else if ok {
		p.CategoryID = ref
	}
	if ref, ok, bad := optionalUUID(fields, "sla_id"); bad {
		http.Error(w, `{"error":"invalid sla_id"}`, http.StatusBadRequest)
		return
	} else if ok {
		p.SLAID = ref
	}

	if err := h.Repo.UpdatePackage(r.Context(), p); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			http.Error(w, `{"error":"category or sla does not exist"}`, http.StatusUnprocessableEntity)
			return
		}
		h.Log.Error("update package", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- POST /admin/sync/packages ---

func (h *Handler) SyncPackages(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sync.Sync(r.Context())
	if err != nil {
		h.Log.Error("sync packages", "error", err)
		http.Error(w, `{"error":"package sync failed"}`, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- POST /admin/categories ---

type categoryRequest struct {
	Name      string `json:"name"`
	Slug      string `json:"slug"`
	SortOrder int    `json:"sort_order"`
}

func (h *Handler) CreateCategory(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCategory(w, r)
	if !ok {
		return
	}
	c := &models.PackageCategory{ID: uuid.New(), Name: req.Name, Slug: req.Slug, SortOrder: req.SortOrder}
	if err := h.Repo.CreateCategory(r.Context(), c); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			http.Error(w, `{"error":"slug already in use"}`, http.StatusConflict)
			return
		}
		h.Log.Error("create category", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// --- PATCH /admin/categories/{id} ---

func (h *Handler) UpdateCategory(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"invalid category id"}`, http.StatusBadRequest)
		return
	}
	req, ok := h.decodeCategory(w, r)
	if !ok {
		return
	}
	c := &models.PackageCategory{ID: id, Name: req.Name, Slug: req.Slug, SortOrder: req.SortOrder}
	if err := h.Repo.UpdateCategory(r.Context(), c); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			http.Error(w, `{"error":"slug already in use"}`, http.StatusConflict)
			return
		}
		http.Error(w, `{"error":"category not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// --- DELETE /admin/categories/{id} ---

func (h *Handler) DeleteCategory(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"invalid category id"}`, http.StatusBadRequest)
		return
	}
	if err := h.Repo.DeleteCategory(r.Context(), id); err != nil {
		h.Log.Error("delete category", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decodeCategory(w http.ResponseWriter, r *http.Request) (*categoryRequest, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return nil, false
	}
	if err := validate.Body("category", body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return nil, false
	}
	var req categoryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

// --- POST /admin/slas ---

type slaRequest struct {
	Name                string `json:"name"`
	UptimePercent       string `json:"uptime_percent"`
	ResponseTimeMinutes int    `json:"response_time_minutes"`
	CreditPercent       string `json:"credit_percent"`
}

func (h *Handler) CreateSLA(w http.ResponseWriter, r *http.Request) {
	s, ok := h.decodeSLA(w, r)
	if !ok {
		return
	}
	s.ID = uuid.New()
	if err := h.Repo.CreateSLA(r.Context(), s); err != nil {
		h.Log.Error("create sla", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// --- PATCH /admin/slas/{id} ---

func (h *Handler) UpdateSLA(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"invalid sla id"}`, http.StatusBadRequest)
		return
	}
	s, ok := h.decodeSLA(w, r)
	if !ok {
		return
	}
	s.ID = id
	if err := h.Repo.UpdateSLA(r.Context(), s); err != nil {
		http.Error(w, `{"error":"sla not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// --- DELETE /admin/slas/{id} ---

func (h *Handler) DeleteSLA(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"invalid sla id"}`, http.StatusBadRequest)
		return
	}
	if err := h.Repo.DeleteSLA(r.Context(), id); err != nil {
		h.Log.Error("delete sla", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decodeSLA(w http.ResponseWriter, r *http.Request) (*models.SLA, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return nil, false
	}
	if err := validate.Body("sla", body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return nil, false
	}
	var req slaRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return nil, false
	}

	s := &models.SLA{Name: req.Name, ResponseTimeMinutes: req.ResponseTimeMinutes}
	if s.UptimePercent, err = decimal.NewFromString(req.UptimePercent); err != nil {
		http.Error(w, `{"error":"invalid uptime_percent"}`, http.StatusBadRequest)
		return nil, false
	}
	if req.CreditPercent != "" {
		if s.CreditPercent, err = decimal.NewFromString(req.CreditPercent); err != nil {
			http.Error(w, `{"error":"invalid credit_percent"}`, http.StatusBadRequest)
			return nil, false
		}
	}
	return s, true
}

// --- helpers ---

// optionalUUID reads a nullable uuid field. ok reports the key was present;
// a null value yields a nil reference.
func optionalUUID(fields map[string]json.RawMessage, key string) (ref *uuid.UUID, ok, bad bool) {
	raw, present := fields[key]
	if !present {
		return nil, false, false
	}
	if string(raw) == "null" {
		return nil, true, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false, true
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, false, true
	}
	return &id, true, false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
