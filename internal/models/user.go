package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

// User is a portal account. Balance mirrors the hosting platform's credit
// balance for the linked upstream user; it can go negative when usage billed
// upstream outruns purchased credit.
type User struct {
	ID           uuid.UUID       `json:"id"`
	Email        string          `json:"email"`
	DisplayName  string          `json:"display_name"`
	Company      string          `json:"company"`
	PasswordHash string          `json:"-"`
	Role         string          `json:"role"`
	VFUserID     int             `json:"vf_user_id"`
	Balance      decimal.Decimal `json:"balance"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (u *User) IsAdmin() bool { return u.Role == RoleAdmin }
