package content

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/halcyonhost/panel/internal/models"
	"github.com/halcyonhost/panel/internal/validate"
)

// Handler serves plan features and FAQs. Admin writes send the full form, so
// updates replace the row; omitted optional fields fall back to defaults.
type Handler struct {
	Repo *Repository
	Log  *slog.Logger
}

// --- GET /catalog/features ---

func (h *Handler) ListPublicFeatures(w http.ResponseWriter, r *http.Request) {
	h.listFeatures(w, r, true)
}

// --- GET /admin/features ---

func (h *Handler) ListAdminFeatures(w http.ResponseWriter, r *http.Request) {
	h.listFeatures(w, r, false)
}

func (h *Handler) listFeatures(w http.ResponseWriter, r *http.Request, activeOnly bool) {
	list, err := h.Repo.ListFeatures(r.Context(), activeOnly)
	if err != nil {
		h.Log.Error("list plan features", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.PlanFeature{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- POST /admin/features ---

type featureRequest struct {
	Title     string  `json:"title"`
	Detail    string  `json:"detail"`
	PackageID *string `json:"package_id"`
	SortOrder int     `json:"sort_order"`
	Active    *bool   `json:"active"`
}

func (h *Handler) CreateFeature(w http.ResponseWriter, r *http.Request) {
	f, ok := h.decodeFeature(w, r)
	if !ok {
		return
	}
	f.ID = uuid.New()
	if err := h.Repo.CreateFeature(r.Context(), f); err != nil {
		h.Log.Error("create plan feature", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

// --- PATCH /admin/features/{id} ---

func (h *Handler) UpdateFeature(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"invalid feature id"}`, http.StatusBadRequest)
		return
	}
	f, ok := h.decodeFeature(w, r)
	if !ok {
		return
	}
	f.ID = id
	if err := h.Repo.UpdateFeature(r.Context(), f); err != nil {
		http.Error(w, `{"error":"feature not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// --- DELETE /admin/features/{id} ---

func (h *Handler) DeleteFeature(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"invalid feature id"}`, http.StatusBadRequest)
		return
	}
	if err := h.Repo.DeleteFeature(r.Context(), id); err != nil {
		h.Log.Error("delete plan feature", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decodeFeature(w http.ResponseWriter, r *http.Request) (*models.PlanFeature, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return nil, false
	}
	if err := validate.Body("plan_feature", body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return nil, false
	}
	var req featureRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return nil, false
	}

	f := &models.PlanFeature{Title: req.Title, Detail: req.Detail, SortOrder: req.SortOrder, Active: true}
	if req.Active != nil {
		f.Active = *req.Active
	}
	if req.PackageID != nil {
		pkgID, err := uuid.Parse(*req.PackageID)
		if err != nil {
			http.Error(w, `{"error":"invalid package_id"}`, http.StatusBadRequest)
			return nil, false
		}
		f.PackageID = &pkgID
	}
	return f, true
}

// --- GET /catalog/faqs ---

func (h *Handler) ListPublicFAQs(w http.ResponseWriter, r *http.Request) {
	h.listFAQs(w, r, true)
}

// --- GET /admin/faqs ---

func (h *Handler) ListAdminFAQs(w http.ResponseWriter, r *http.Request) {
	h.listFAQs(w, r, false)
}

func (h *Handler) listFAQs(w http.ResponseWriter, r *http.Request, activeOnly bool) {
	list, err := h.Repo.ListFAQs(r.Context(), activeOnly)
	if err != nil {
		h.Log.Error("list faqs", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.FAQ{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- POST /admin/faqs ---

type faqRequest struct {
	Question  string `json:"question"`
	Answer    string `json:"answer"`
	Category  string `json:"category"`
	SortOrder int    `json:"sort_order"`
	Active    *bool  `json:"active"`
}

func (h *Handler) CreateFAQ(w http.ResponseWriter, r *http.Request) {
	f, ok := h.decodeFAQ(w, r)
	if !ok {
		return
	}
	f.ID = uuid.New()
	if err := h.Repo.CreateFAQ(r.Context(), f); err != nil {
		h.Log.Error("create faq", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

// --- PATCH /admin/faqs/{id} ---

func (h *Handler) UpdateFAQ(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"invalid faq id"}`, http.StatusBadRequest)
		return
	}
	f, ok := h.decodeFAQ(w, r)
	if !ok {
		return
	}
	f.ID = id
	if err := h.Repo.UpdateFAQ(r.Context(), f); err != nil {
		http.Error(w, `{"error":"faq not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// --- DELETE /admin/faqs/{id} ---

func (h *Handler) DeleteFAQ(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"invalid faq id"}`, http.StatusBadRequest)
		return
	}
	if err := h.Repo.DeleteFAQ(r.Context(), id); err != nil {
		h.Log.Error("delete faq", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decodeFAQ(w http.ResponseWriter, r *http.Request) (*models.FAQ, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return nil, false
	}
	if err := validate.Body("faq", body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return nil, false
	}
	var req faqRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return nil, false
	}

	f := &models.FAQ{Question: req.Question, Answer: req.Answer, Category: req.Category, SortOrder: req.SortOrder, Active: true}
	if f.Category == "" {
		f.Category = "general"
	}
	if req.Active != nil {
		f.Active = *req.Active
	}
	return f, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
