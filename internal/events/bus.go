package events

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Subjects published on the bus. Consumers subscribe with wildcards
// (billing.>, servers.>) so new leaf subjects stay backward compatible.
const (
	SubjectCreditApplied     = "billing.credit.applied"
	SubjectDeductionRecorded = "billing.deduction.recorded"
	SubjectServerProvisioned = "servers.provisioned"
	SubjectServerFailed      = "servers.failed"
)

// Bus publishes domain events. Implementations must be safe for concurrent
// use; publishing is best-effort and never blocks a database commit.
type Bus interface {
	Publish(subject string, data []byte) error
}

// BillingEvent is the payload for billing.* subjects. Amounts serialize as
// decimal strings.
type BillingEvent struct {
	UserID      uuid.UUID       `json:"user_id"`
	Kind        string          `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	NewBalance  decimal.Decimal `json:"new_balance"`
	Description string          `json:"description"`
}

// ServerEvent is the payload for servers.* subjects.
type ServerEvent struct {
	UserID     uuid.UUID `json:"user_id"`
	OrderID    uuid.UUID `json:"order_id"`
	Hostname   string    `json:"hostname"`
	VFServerID int       `json:"vf_server_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// NopBus drops every event. Used in tests and when NATS is not configured.
type NopBus struct{}

func (NopBus) Publish(string, []byte) error { return nil }
