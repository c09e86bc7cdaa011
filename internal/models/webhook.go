package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebhookEvent records every payment-gateway callback we accepted, keyed by
// (provider, provider_event_id) so redelivered events are applied once.
type WebhookEvent struct {
	ID              uuid.UUID       `json:"id"`
	Provider        string          `json:"provider"`
	ProviderEventID string          `json:"provider_event_id"`
	Payload         json.RawMessage `json:"payload"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	ProcessingError *string         `json:"processing_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
