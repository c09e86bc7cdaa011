package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/halcyonhost/panel/internal/models"
)

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, company, password_hash, role, vf_user_id, balance, created_at, updated_at
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Email, &u.DisplayName, &u.Company, &u.PasswordHash, &u.Role, &u.VFUserID, &u.Balance, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepo) List(ctx context.Context) ([]*models.User, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, email, display_name, company, password_hash, role, vf_user_id, balance, created_at, updated_at
		FROM users ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Email, &u.DisplayName, &u.Company, &u.PasswordHash, &u.Role, &u.VFUserID, &u.Balance, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &u)
	}
	return list, rows.Err()
}

func (r *UserRepo) UpdateProfile(ctx context.Context, u *models.User) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE users SET display_name = $2, company = $3, updated_at = now()
		WHERE id = $1
	`, u.ID, u.DisplayName, u.Company)
	return err
}

func (r *UserRepo) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1
	`, id, hash)
	return err
}

// SetVFUserID records the hosting platform user id once the remote account
// exists.
func (r *UserRepo) SetVFUserID(ctx context.Context, id uuid.UUID, vfUserID int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE users SET vf_user_id = $2, updated_at = now() WHERE id = $1
	`, id, vfUserID)
	return err
}

// GetByIDForUpdate locks the user row for update. Call within a transaction.
func (r *UserRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := tx.QueryRow(ctx, `
		SELECT id, email, display_name, company, password_hash, role, vf_user_id, balance, created_at, updated_at
		FROM users WHERE id = $1 FOR UPDATE
	`, id).Scan(&u.ID, &u.Email, &u.DisplayName, &u.Company, &u.PasswordHash, &u.Role, &u.VFUserID, &u.Balance, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateBalance sets the stored balance. Call after GetByIDForUpdate in the
// same transaction.
func (r *UserRepo) UpdateBalance(ctx context.Context, tx pgx.Tx, id uuid.UUID, balance decimal.Decimal) error {
	_, err := tx.Exec(ctx, `
		UPDATE users SET balance = $2, updated_at = now() WHERE id = $1
	`, id, balance)
	return err
}
