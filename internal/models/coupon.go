package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	CouponKindPercent = "percent"
	CouponKindCredit  = "credit"
)

// Coupon is either a percent discount applied at order pricing time or a
// fixed credit added to the account balance on redemption.
// MaxRedemptions of zero means unlimited.
type Coupon struct {
	ID             uuid.UUID       `json:"id"`
	Code           string          `json:"code"`
	Kind           string          `json:"kind"`
	Value          decimal.Decimal `json:"value"`
	MaxRedemptions int             `json:"max_redemptions"`
	RedeemedCount  int             `json:"redeemed_count"`
	Active         bool            `json:"active"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type CouponRedemption struct {
	ID        uuid.UUID  `json:"id"`
	CouponID  uuid.UUID  `json:"coupon_id"`
	UserID    uuid.UUID  `json:"user_id"`
	OrderID   *uuid.UUID `json:"order_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
