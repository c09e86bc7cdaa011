package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyonhost/panel/internal/billing"
	"github.com/halcyonhost/panel/internal/models"
)

// LedgerRepo persists ledger entries. The table is append-only: entries are
// inserted completed and never updated or deleted.
type LedgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

// CreateTx inserts an entry inside the caller's transaction.
func (r *LedgerRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, user_id, kind, amount, description, status, payment_method, payment_reference, related_entry_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, e.ID, e.UserID, e.Kind, e.Amount, e.Description, e.Status, e.PaymentMethod, e.PaymentReference, e.RelatedEntryID).Scan(&e.CreatedAt)
}

// HasPaymentReference reports whether a gateway transaction id already
// appears in the ledger. Runs in the caller's transaction so the check and
// the subsequent insert see the same snapshot.
func (r *LedgerRepo) HasPaymentReference(ctx context.Context, tx pgx.Tx, reference string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE payment_reference = $1)
	`, reference).Scan(&exists)
	return exists, err
}

func (r *LedgerRepo) ListByUserID(ctx context.Context, userID uuid.UUID, f billing.EntryFilter) ([]*models.LedgerEntry, error) {
	query := `
		SELECT id, user_id, kind, amount, description, status, payment_method, payment_reference, related_entry_id, created_at
		FROM ledger_entries WHERE user_id = $1`
	args := []any{userID}
	if f.Kind != "" {
		args = append(args, f.Kind)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	query += " ORDER BY created_at DESC, id DESC"
	query += limitOffset(&args, f.Limit, f.Offset)
	return r.list(ctx, query, args)
}

func (r *LedgerRepo) ListAll(ctx context.Context, f billing.EntryFilter) ([]*models.LedgerEntry, error) {
	query := `
		SELECT id, user_id, kind, amount, description, status, payment_method, payment_reference, related_entry_id, created_at
		FROM ledger_entries WHERE 1=1`
	var args []any
	if f.UserID != nil {
		args = append(args, *f.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if f.Kind != "" {
		args = append(args, f.Kind)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	query += " ORDER BY created_at DESC, id DESC"
	query += limitOffset(&args, f.Limit, f.Offset)
	return r.list(ctx, query, args)
}

func (r *LedgerRepo) list(ctx context.Context, query string, args []any) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.Amount, &e.Description, &e.Status, &e.PaymentMethod, &e.PaymentReference, &e.RelatedEntryID, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

func limitOffset(args *[]any, limit, offset int) string {
	var clause string
	if limit > 0 {
		*args = append(*args, limit)
		clause += fmt.Sprintf(" LIMIT $%d", len(*args))
	}
	if offset > 0 {
		*args = append(*args, offset)
		clause += fmt.Sprintf(" OFFSET $%d", len(*args))
	}
	return clause
}
