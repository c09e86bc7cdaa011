package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Server order statuses. pending → provisioning → active | failed;
// pending orders can also be cancelled by the customer.
const (
	OrderStatusPending      = "pending"
	OrderStatusProvisioning = "provisioning"
	OrderStatusActive       = "active"
	OrderStatusFailed       = "failed"
	OrderStatusCancelled    = "cancelled"
)

type ServerOrder struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"user_id"`
	PackageID   uuid.UUID       `json:"package_id"`
	Hostname    string          `json:"hostname"`
	Status      string          `json:"status"`
	VFServerID  int             `json:"vf_server_id"`
	CouponID    *uuid.UUID      `json:"coupon_id,omitempty"`
	Price       decimal.Decimal `json:"price"`
	FailureNote string          `json:"failure_note,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
