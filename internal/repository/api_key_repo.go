package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyonhost/panel/internal/models"
)

type APIKeyRepo struct {
	pool *pgxpool.Pool
}

func NewAPIKeyRepo(pool *pgxpool.Pool) *APIKeyRepo {
	return &APIKeyRepo{pool: pool}
}

// APIKeyWithUser is returned by FindByKeyHash (api_key joined with its user).
type APIKeyWithUser struct {
	APIKey models.APIKey
	User   models.User
}

func (r *APIKeyRepo) Create(ctx context.Context, k *models.APIKey) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO api_keys (id, user_id, key_hash, key_prefix, label, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, k.ID, k.UserID, k.KeyHash, k.KeyPrefix, k.Label, k.IsActive).Scan(&k.CreatedAt)
}

// Revoke deactivates a key without deleting it so the prefix stays visible
// in the key list. Scoped to the owner.
func (r *APIKeyRepo) Revoke(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET is_active = FALSE
		WHERE id = $1 AND user_id = $2 AND is_active = TRUE
	`, id, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListByUserID returns all API keys for the given user.
func (r *APIKeyRepo) ListByUserID(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, key_hash, key_prefix, label, is_active, created_at
		FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.KeyHash, &k.KeyPrefix, &k.Label, &k.IsActive, &k.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &k)
	}
	if list == nil {
		list = []*models.APIKey{}
	}
	return list, rows.Err()
}

// FindByKeyHash returns the api_key and joined user for the given key hash,
// or pgx.ErrNoRows if not found or inactive.
func (r *APIKeyRepo) FindByKeyHash(ctx context.Context, keyHash string) (*APIKeyWithUser, error) {
	var out APIKeyWithUser
	err := r.pool.QueryRow(ctx, `
		SELECT k.id, k.user_id, k.key_hash, k.key_prefix, k.label, k.is_active, k.created_at,
		       u.id, u.email, u.display_name, u.company, u.password_hash, u.role, u.vf_user_id, u.balance, u.created_at, u.updated_at
		FROM api_keys k
		INNER JOIN users u ON u.id = k.user_id
		WHERE k.key_hash = $1 AND k.is_active = TRUE
	`, keyHash).Scan(
		&out.APIKey.ID, &out.APIKey.UserID, &out.APIKey.KeyHash, &out.APIKey.KeyPrefix, &out.APIKey.Label, &out.APIKey.IsActive, &out.APIKey.CreatedAt,
		&out.User.ID, &out.User.Email, &out.User.DisplayName, &out.User.Company, &out.User.PasswordHash, &out.User.Role, &out.User.VFUserID, &out.User.Balance, &out.User.CreatedAt, &out.User.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
