package catalog

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyonhost/panel/internal/models"
)

// Repository persists the sellable catalog: packages synced from the hosting
// platform plus the admin-curated categories and SLA tiers.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// --- packages ---

func (r *Repository) GetPackage(ctx context.Context, id uuid.UUID) (*models.Package, error) {
	return scanPackage(r.pool.QueryRow(ctx, `
		SELECT id, vf_package_id, name, category_id, sla_id, price_monthly,
		       cpu_cores, memory_mb, disk_gb, bandwidth_gb, sort_order, active, created_at, updated_at
		FROM packages WHERE id = $1
	`, id))
}

func (r *Repository) ListPackages(ctx context.Context, activeOnly bool) ([]*models.Package, error) {
	query := `
		SELECT id, vf_package_id, name, category_id, sla_id, price_monthly,
		       cpu_cores, memory_mb, disk_gb, bandwidth_gb, sort_order, active, created_at, updated_at
		FROM packages`
	if activeOnly {
		query += " WHERE active"
	}
	query += " ORDER BY sort_order, price_monthly, name"

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// UpsertFromUpstream inserts a freshly synced package or refreshes the
// hardware columns of an existing one. Pricing, category, SLA, ordering, and
// visibility are admin-owned and never touched here. The package's ID and
// Active fields are overwritten with the stored row's values; the return
// reports whether a new row was created.
func (r *Repository) UpsertFromUpstream(ctx context.Context, p *models.Package) (bool, error) {
	var inserted bool
	err := r.pool.QueryRow(ctx, `
		INSERT INTO packages (id, vf_package_id, name, cpu_cores, memory_mb, disk_gb, bandwidth_gb)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (vf_package_id) DO UPDATE SET
			name = EXCLUDED.name, cpu_cores = EXCLUDED.cpu_cores, memory_mb = EXCLUDED.memory_mb,
			disk_gb = EXCLUDED.disk_gb, bandwidth_gb = EXCLUDED.bandwidth_gb, updated_at = now()
		RETURNING id, active, (xmax = 0)
	`, p.ID, p.VFPackageID, p.Name, p.CPUCores, p.MemoryMB, p.DiskGB, p.BandwidthGB).Scan(&p.ID, &p.Active, &inserted)
	return inserted, err
}

// DeactivateMissing hides active packages whose upstream counterpart is gone.
func (r *Repository) DeactivateMissing(ctx context.Context, vfIDs []int) (int64, error) {
	ids := make([]int32, len(vfIDs))
	for i, id := range vfIDs {
		ids[i] = int32(id)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE packages SET active = FALSE, updated_at = now()
		WHERE active AND NOT (vf_package_id = ANY($1))
	`, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) UpdatePackage(ctx context.Context, p *models.Package) error {
	return r.pool.QueryRow(ctx, `
		UPDATE packages
		SET name = $2, category_id = $3, sla_id = $4, price_monthly = $5, sort_order = $6, active = $7, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, p.ID, p.Name, p.CategoryID, p.SLAID, p.PriceMonthly, p.SortOrder, p.Active).Scan(&p.UpdatedAt)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPackage(row rowScanner) (*models.Package, error) {
	var p models.Package
	err := row.Scan(
		&p.ID, &p.VFPackageID, &p.Name, &p.CategoryID, &p.SLAID, &p.PriceMonthly,
		&p.CPUCores, &p.MemoryMB, &p.DiskGB, &p.BandwidthGB, &p.SortOrder, &p.Active,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// --- categories ---

func (r *Repository) CreateCategory(ctx context.Context, c *models.PackageCategory) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO package_categories (id, name, slug, sort_order)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, c.ID, c.Name, c.Slug, c.SortOrder).Scan(&c.CreatedAt)
}

func (r *Repository) ListCategories(ctx context.Context) ([]*models.PackageCategory, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, slug, sort_order, created_at
		FROM package_categories ORDER BY sort_order, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.PackageCategory
	for rows.Next() {
		var c models.PackageCategory
		if err := rows.Scan(&c.ID, &c.Name, &c.Slug, &c.SortOrder, &c.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &c)
	}
	return list, rows.Err()
}

func (r *Repository) UpdateCategory(ctx context.Context, c *models.PackageCategory) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE package_categories SET name = $2, slug = $3, sort_order = $4, updated_at = now()
		WHERE id = $1
	`, c.ID, c.Name, c.Slug, c.SortOrder)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("category %s not found", c.ID)
	}
	return nil
}

func (r *Repository) DeleteCategory(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, "DELETE FROM package_categories WHERE id = $1", id)
	return err
}

// --- SLAs ---

func (r *Repository) CreateSLA(ctx context.Context, s *models.SLA) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO slas (id, name, uptime_percent, response_time_minutes, credit_percent)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, s.ID, s.Name, s.UptimePercent, s.ResponseTimeMinutes, s.CreditPercent).Scan(&s.CreatedAt)
}

func (r *Repository) ListSLAs(ctx context.Context) ([]*models.SLA, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, uptime_percent, response_time_minutes, credit_percent, created_at
		FROM slas ORDER BY uptime_percent DESC, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.SLA
	for rows.Next() {
		var s models.SLA
		if err := rows.Scan(&s.ID, &s.Name, &s.UptimePercent, &s.ResponseTimeMinutes, &s.CreditPercent, &s.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &s)
	}
	return list, rows.Err()
}

func (r *Repository) UpdateSLA(ctx context.Context, s *models.SLA) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE slas SET name = $2, uptime_percent = $3, response_time_minutes = $4, credit_percent = $5, updated_at = now()
		WHERE id = $1
	`, s.ID, s.Name, s.UptimePercent, s.ResponseTimeMinutes, s.CreditPercent)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sla %s not found", s.ID)
	}
	return nil
}

func (r *Repository) DeleteSLA(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, "DELETE FROM slas WHERE id = $1", id)
	return err
}
