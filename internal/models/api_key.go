package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey is a personal access token. Only the SHA-256 hash is stored; the
// raw key is shown once at creation and the prefix identifies it in the UI.
type APIKey struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	KeyHash   string    `json:"-"`
	KeyPrefix string    `json:"key_prefix"`
	Label     string    `json:"label"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}
