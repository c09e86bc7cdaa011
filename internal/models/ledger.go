package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger entry kinds. The ledger is append-only: entries are inserted once
// and never updated or deleted.
const (
	EntryKindCredit    = "credit"
	EntryKindDeduction = "deduction"
)

// EntryStatusCompleted is the only status the billing policy produces.
const EntryStatusCompleted = "completed"

// LedgerEntry is one signed movement on a user's balance. Credits are
// positive, deductions negative. PaymentMethod and PaymentReference are set
// only on gateway-sourced credits; RelatedEntryID links a negative-balance
// deduction back to the credit that absorbed it.
type LedgerEntry struct {
	ID               uuid.UUID       `json:"id"`
	UserID           uuid.UUID       `json:"user_id"`
	Kind             string          `json:"kind"`
	Amount           decimal.Decimal `json:"amount"`
	Description      string          `json:"description"`
	Status           string          `json:"status"`
	PaymentMethod    *string         `json:"payment_method,omitempty"`
	PaymentReference *string         `json:"payment_reference,omitempty"`
	RelatedEntryID   *uuid.UUID      `json:"related_entry_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}
