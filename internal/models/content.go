package models

import (
	"time"

	"github.com/google/uuid"
)

// PlanFeature is a marketing bullet shown on the pricing page. PackageID nil
// means the feature is listed for every plan.
type PlanFeature struct {
	ID        uuid.UUID  `json:"id"`
	PackageID *uuid.UUID `json:"package_id,omitempty"`
	Title     string     `json:"title"`
	Detail    string     `json:"detail"`
	SortOrder int        `json:"sort_order"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
}

type FAQ struct {
	ID        uuid.UUID `json:"id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Category  string    `json:"category"`
	SortOrder int       `json:"sort_order"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
