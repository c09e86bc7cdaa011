package auth

import (
	"context"
	"errors"

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

// Create inserts a new user and returns it with server-side timestamps.
func (r *Repository) Create(ctx context.Context, email, passwordHash, displayName, company, role string) (*models.User, error) {
	u := models.User{
		ID:           uuid.New(),
		Email:        email,
		DisplayName:  displayName,
		Company:      company,
		PasswordHash: passwordHash,
		Role:         role,
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO users (id, email, display_name, company, password_hash, role)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING balance, created_at, updated_at
	`, u.ID, u.Email, u.DisplayName, u.Company, u.PasswordHash, u.Role).Scan(&u.Balance, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetByEmail returns the user for login. Returns nil, nil when not found.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, company, password_hash, role, vf_user_id, balance, created_at, updated_at
		FROM users WHERE email = $1
	`, email).Scan(&u.ID, &u.Email, &u.DisplayName, &u.Company, &u.PasswordHash, &u.Role, &u.VFUserID, &u.Balance, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}
