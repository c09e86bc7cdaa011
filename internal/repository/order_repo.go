package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyonhost/panel/internal/models"
)

type OrderRepo struct {
	pool *pgxpool.Pool
}

func NewOrderRepo(pool *pgxpool.Pool) *OrderRepo {
	return &OrderRepo{pool: pool}
}

// CreateTx inserts the order inside the caller's transaction so the charge
// and the order land together.
func (r *OrderRepo) CreateTx(ctx context.Context, tx pgx.Tx, o *models.ServerOrder) error {
	return tx.QueryRow(ctx, `
		INSERT INTO server_orders (id, user_id, package_id, hostname, status, vf_server_id, coupon_id, price, failure_note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, o.ID, o.UserID, o.PackageID, o.Hostname, o.Status, o.VFServerID, o.CouponID, o.Price, o.FailureNote).Scan(&o.CreatedAt, &o.UpdatedAt)
}

func (r *OrderRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.ServerOrder, error) {
	var o models.ServerOrder
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, package_id, hostname, status, vf_server_id, coupon_id, price, failure_note, created_at, updated_at
		FROM server_orders WHERE id = $1
	`, id).Scan(&o.ID, &o.UserID, &o.PackageID, &o.Hostname, &o.Status, &o.VFServerID, &o.CouponID, &o.Price, &o.FailureNote, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *OrderRepo) ListByUserID(ctx context.Context, userID uuid.UUID) ([]*models.ServerOrder, error) {
	return r.list(ctx, `
		SELECT id, user_id, package_id, hostname, status, vf_server_id, coupon_id, price, failure_note, created_at, updated_at
		FROM server_orders WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
}

func (r *OrderRepo) ListAll(ctx context.Context) ([]*models.ServerOrder, error) {
	return r.list(ctx, `
		SELECT id, user_id, package_id, hostname, status, vf_server_id, coupon_id, price, failure_note, created_at, updated_at
		FROM server_orders ORDER BY created_at DESC
	`)
}

func (r *OrderRepo) list(ctx context.Context, query string, args ...any) ([]*models.ServerOrder, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.ServerOrder
	for rows.Next() {
		var o models.ServerOrder
		if err := rows.Scan(&o.ID, &o.UserID, &o.PackageID, &o.Hostname, &o.Status, &o.VFServerID, &o.CouponID, &o.Price, &o.FailureNote, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &o)
	}
	return list, rows.Err()
}

// UpdateStatus moves the order between states. The fromStatus guard makes the
// transition a compare-and-set; false means someone else moved it first.
func (r *OrderRepo) UpdateStatus(ctx context.Context, id uuid.UUID, fromStatus, toStatus string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE server_orders SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
	`, id, fromStatus, toStatus)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateStatusTx is UpdateStatus inside the caller's transaction, used when
// the transition must land together with a ledger write.
func (r *OrderRepo) UpdateStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, fromStatus, toStatus string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE server_orders SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
	`, id, fromStatus, toStatus)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetServerID records the upstream server id as soon as it exists, before
// the build finishes, so a retried provisioning job resumes instead of
// creating a second server.
func (r *OrderRepo) SetServerID(ctx context.Context, id uuid.UUID, vfServerID int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE server_orders SET vf_server_id = $2, updated_at = now()
		WHERE id = $1
	`, id, vfServerID)
	return err
}

// MarkActive records the provisioned server id and activates the order.
func (r *OrderRepo) MarkActive(ctx context.Context, id uuid.UUID, vfServerID int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE server_orders SET status = $2, vf_server_id = $3, updated_at = now()
		WHERE id = $1
	`, id, models.OrderStatusActive, vfServerID)
	return err
}

// MarkFailed stores the failure reason shown to the customer.
func (r *OrderRepo) MarkFailed(ctx context.Context, id uuid.UUID, note string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE server_orders SET status = $2, failure_note = $3, updated_at = now()
		WHERE id = $1
	`, id, models.OrderStatusFailed, note)
	return err
}
