package content

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyonhost/panel/internal/models"
)

// Repository persists the marketing content: plan feature bullets and FAQs.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// --- plan features ---

func (r *Repository) CreateFeature(ctx context.Context, f *models.PlanFeature) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO plan_features (id, package_id, title, detail, sort_order, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, f.ID, f.PackageID, f.Title, f.Detail, f.SortOrder, f.Active).Scan(&f.CreatedAt)
}

// ListFeatures returns features ordered for display. activeOnly hides
// unpublished rows from the storefront.
func (r *Repository) ListFeatures(ctx context.Context, activeOnly bool) ([]*models.PlanFeature, error) {
	query := `
		SELECT id, package_id, title, detail, sort_order, active, created_at
		FROM plan_features`
	if activeOnly {
		query += " WHERE active"
	}
	query += " ORDER BY sort_order, title"

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.PlanFeature
	for rows.Next() {
		var f models.PlanFeature
		if err := rows.Scan(&f.ID, &f.PackageID, &f.Title, &f.Detail, &f.SortOrder, &f.Active, &f.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &f)
	}
	return list, rows.Err()
}

func (r *Repository) UpdateFeature(ctx context.Context, f *models.PlanFeature) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE plan_features SET package_id = $2, title = $3, detail = $4, sort_order = $5, active = $6, updated_at = now()
		WHERE id = $1
	`, f.ID, f.PackageID, f.Title, f.Detail, f.SortOrder, f.Active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("plan feature %s not found", f.ID)
	}
	return nil
}

func (r *Repository) DeleteFeature(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, "DELETE FROM plan_features WHERE id = $1", id)
	return err
}

// --- FAQs ---

func (r *Repository) CreateFAQ(ctx context.Context, f *models.FAQ) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO faqs (id, question, answer, category, sort_order, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, f.ID, f.Question, f.Answer, f.Category, f.SortOrder, f.Active).Scan(&f.CreatedAt)
}

func (r *Repository) ListFAQs(ctx context.Context, activeOnly bool) ([]*models.FAQ, error) {
	query := `
		SELECT id, question, answer, category, sort_order, active, created_at
		FROM faqs`
	if activeOnly {
		query += " WHERE active"
	}
	query += " ORDER BY category, sort_order, question"

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.FAQ
	for rows.Next() {
		var f models.FAQ
		if err := rows.Scan(&f.ID, &f.Question, &f.Answer, &f.Category, &f.SortOrder, &f.Active, &f.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &f)
	}
	return list, rows.Err()
}

func (r *Repository) UpdateFAQ(ctx context.Context, f *models.FAQ) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE faqs SET question = $2, answer = $3, category = $4, sort_order = $5, active = $6, updated_at = now()
		WHERE id = $1
	`, f.ID, f.Question, f.Answer, f.Category, f.SortOrder, f.Active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("faq %s not found", f.ID)
	}
	return nil
}

func (r *Repository) DeleteFAQ(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, "DELETE FROM faqs WHERE id = $1", id)
	return err
}
