package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyonhost/panel/internal/models"
)

// WebhookRepo records processed gateway webhook deliveries for idempotency.
type WebhookRepo struct {
	pool *pgxpool.Pool
}

func NewWebhookRepo(pool *pgxpool.Pool) *WebhookRepo {
	return &WebhookRepo{pool: pool}
}

// InsertTx claims a delivery keyed by (provider, provider_event_id) inside the
// caller's transaction. Returns false without error when the event was already
// recorded, which is the signal to acknowledge the retry without reprocessing.
// Running inside the ledger transaction means a failed credit rolls the claim
// back too, so the gateway's retry gets a clean slate.
func (r *WebhookRepo) InsertTx(ctx context.Context, tx pgx.Tx, w *models.WebhookEvent) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO webhook_events (id, provider, provider_event_id, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`, w.ID, w.Provider, w.ProviderEventID, w.Payload)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkProcessed stamps the delivery after the ledger write committed.
func (r *WebhookRepo) MarkProcessed(ctx context.Context, w *models.WebhookEvent, processingError string) error {
	var errPtr *string
	if processingError != "" {
		errPtr = &processingError
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE webhook_events SET processed_at = now(), processing_error = $2
		WHERE id = $1
	`, w.ID, errPtr)
	return err
}
