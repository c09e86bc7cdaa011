package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/halcyonhost/panel/internal/models"
)

// ErrInvalidAmount is returned when a credit amount is zero or negative.
var ErrInvalidAmount = errors.New("credit amount must be positive")

// Source describes where a credit came from. The reconciler copies its
// metadata onto the credit entry; only payment sources carry gateway fields.
type Source interface {
	describe() (description string, method, reference *string)
}

// PaymentSource is a gateway-confirmed payment.
type PaymentSource struct {
	Method        string
	TransactionID string
}

func (p PaymentSource) describe() (string, *string, *string) {
	method := p.Method
	ref := p.TransactionID
	return fmt.Sprintf("Credit purchase via %s", p.Method), &method, &ref
}

// AdminGrant is a credit granted by an administrator or by the platform
// itself (coupon redemptions, order refunds). It carries no payment fields.
type AdminGrant struct {
	Reference string
}

func (g AdminGrant) describe() (string, *string, *string) {
	if g.Reference == "" {
		return "Credit granted by administrator", nil, nil
	}
	return fmt.Sprintf("Credit granted by administrator (%s)", g.Reference), nil, nil
}

// EntryDraft is a ledger entry that has not been persisted yet. Drafts carry
// no ID and no timestamp; the billing service assigns both on insert, which
// keeps Reconcile deterministic.
type EntryDraft struct {
	Kind             string
	Amount           decimal.Decimal
	Description      string
	Status           string
	PaymentMethod    *string
	PaymentReference *string
}

// Reconciliation is the outcome of applying one credit to a balance.
// Deduction is nil unless the starting balance was negative.
type Reconciliation struct {
	Credit     EntryDraft
	Deduction  *EntryDraft
	NewBalance decimal.Decimal
}

// Reconcile applies a single credit of amount to currentBalance.
//
// The credit entry always records the full amount. When the starting balance
// is negative the hosting platform nets the debt out of the credit upstream,
// so a deduction entry is recorded to show where that slice of the credit
// went; its magnitude is capped at the credit amount. The deduction is
// reporting only: NewBalance is currentBalance + amount in every case and
// the deduction must never be subtracted a second time.
//
// Reconcile is pure. It performs no I/O and reads no clock, so identical
// inputs produce structurally identical results.
func Reconcile(currentBalance, amount decimal.Decimal, src Source) (Reconciliation, error) {
	if amount.Sign() <= 0 {
		return Reconciliation{}, ErrInvalidAmount
	}

	desc, method, ref := src.describe()
	rec := Reconciliation{
		Credit: EntryDraft{
			Kind:             models.EntryKindCredit,
			Amount:           amount,
			Description:      desc,
			Status:           models.EntryStatusCompleted,
			PaymentMethod:    method,
			PaymentReference: ref,
		},
		NewBalance: currentBalance.Add(amount),
	}

	if currentBalance.Sign() < 0 {
		owed := currentBalance.Neg()
		applied := decimal.Min(owed, amount)
		rec.Deduction = &EntryDraft{
			Kind:        models.EntryKindDeduction,
			Amount:      applied.Neg(),
			Description: fmt.Sprintf("Outstanding balance settled from credit (%s)", desc),
			Status:      models.EntryStatusCompleted,
		}
	}

	return rec, nil
}
