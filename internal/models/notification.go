package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	NotificationKindBilling = "billing"
	NotificationKindServer  = "server"
	NotificationKindSystem  = "system"
)

type Notification struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	Kind      string     `json:"kind"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
