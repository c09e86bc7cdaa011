package coupons

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyonhost/panel/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, c *models.Coupon) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO coupons (id, code, kind, value, max_redemptions, redeemed_count, active, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, c.ID, c.Code, c.Kind, c.Value, c.MaxRedemptions, c.RedeemedCount, c.Active, c.ExpiresAt).Scan(&c.CreatedAt)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Coupon, error) {
	return r.get(ctx, "id = $1", id)
}

func (r *Repository) GetByCode(ctx context.Context, code string) (*models.Coupon, error) {
	return r.get(ctx, "code = $1", code)
}

func (r *Repository) get(ctx context.Context, where string, arg any) (*models.Coupon, error) {
	var c models.Coupon
	err := r.pool.QueryRow(ctx, `
		SELECT id, code, kind, value, max_redemptions, redeemed_count, active, expires_at, created_at
		FROM coupons WHERE `+where, arg).Scan(&c.ID, &c.Code, &c.Kind, &c.Value, &c.MaxRedemptions, &c.RedeemedCount, &c.Active, &c.ExpiresAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetByCodeForUpdate locks the coupon row for the redemption transaction.
func (r *Repository) GetByCodeForUpdate(ctx context.Context, tx pgx.Tx, code string) (*models.Coupon, error) {
	var c models.Coupon
	err := tx.QueryRow(ctx, `
		SELECT id, code, kind, value, max_redemptions, redeemed_count, active, expires_at, created_at
		FROM coupons WHERE code = $1 FOR UPDATE
	`, code).Scan(&c.ID, &c.Code, &c.Kind, &c.Value, &c.MaxRedemptions, &c.RedeemedCount, &c.Active, &c.ExpiresAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repository) List(ctx context.Context) ([]*models.Coupon, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, code, kind, value, max_redemptions, redeemed_count, active, expires_at, created_at
		FROM coupons ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Coupon
	for rows.Next() {
		var c models.Coupon
		if err := rows.Scan(&c.ID, &c.Code, &c.Kind, &c.Value, &c.MaxRedemptions, &c.RedeemedCount, &c.Active, &c.ExpiresAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &c)
	}
	return list, rows.Err()
}

func (r *Repository) Update(ctx context.Context, c *models.Coupon) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE coupons SET kind = $2, value = $3, max_redemptions = $4, active = $5, expires_at = $6, updated_at = now()
		WHERE id = $1
	`, c.ID, c.Kind, c.Value, c.MaxRedemptions, c.Active, c.ExpiresAt)
	return err
}

func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, "DELETE FROM coupons WHERE id = $1", id)
	return err
}

// InsertRedemptionTx records that a user consumed the coupon. The unique
// (coupon_id, user_id) index turns repeat redemptions into a 23505.
func (r *Repository) InsertRedemptionTx(ctx context.Context, tx pgx.Tx, red *models.CouponRedemption) error {
	return tx.QueryRow(ctx, `
		INSERT INTO coupon_redemptions (id, coupon_id, user_id, order_id)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, red.ID, red.CouponID, red.UserID, red.OrderID).Scan(&red.CreatedAt)
}

// IncrementRedeemedTx bumps the redemption counter while the cap still has
// room. Returns false when the coupon is exhausted.
func (r *Repository) IncrementRedeemedTx(ctx context.Context, tx pgx.Tx, couponID uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE coupons SET redeemed_count = redeemed_count + 1, updated_at = now()
		WHERE id = $1 AND (max_redemptions = 0 OR redeemed_count < max_redemptions)
	`, couponID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
