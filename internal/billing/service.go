package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/halcyonhost/panel/internal/events"
	"github.com/halcyonhost/panel/internal/metrics"
	"github.com/halcyonhost/panel/internal/models"
)

// ErrInsufficientFunds is returned when a portal charge would drive the
// balance negative. Negative balances only arrive from upstream usage sync.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrDuplicatePayment is returned when a gateway transaction id has already
// been applied to the ledger.
var ErrDuplicatePayment = errors.New("payment already applied")

// UserStore is the minimal user repository interface for billing.
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.User, error)
	UpdateBalance(ctx context.Context, tx pgx.Tx, id uuid.UUID, balance decimal.Decimal) error
}

// LedgerStore is the minimal ledger repository interface for billing.
// The ledger is append-only; there is deliberately no update or delete.
type LedgerStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	HasPaymentReference(ctx context.Context, tx pgx.Tx, reference string) (bool, error)
	ListByUserID(ctx context.Context, userID uuid.UUID, f EntryFilter) ([]*models.LedgerEntry, error)
	ListAll(ctx context.Context, f EntryFilter) ([]*models.LedgerEntry, error)
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Bus is the event publisher used after commits. Publish failures are logged,
// never rolled back into the ledger write.
type Bus interface {
	Publish(subject string, data []byte) error
}

// EntryFilter narrows ledger listings.
type EntryFilter struct {
	UserID *uuid.UUID
	Kind   string
	Limit  int
	Offset int
}

// CreditResult is the persisted outcome of ApplyCredit.
type CreditResult struct {
	UserID     uuid.UUID           `json:"user_id"`
	Credit     *models.LedgerEntry `json:"credit"`
	Deduction  *models.LedgerEntry `json:"deduction,omitempty"`
	NewBalance decimal.Decimal     `json:"new_balance"`
	source     Source
}

// ChargeResult is the persisted outcome of Charge.
type ChargeResult struct {
	UserID     uuid.UUID           `json:"user_id"`
	Entry      *models.LedgerEntry `json:"entry"`
	NewBalance decimal.Decimal     `json:"new_balance"`
}

// SyncResult is the outcome of SyncUsage. Entry is nil when the reported
// balance required no correction.
type SyncResult struct {
	UserID     uuid.UUID           `json:"user_id"`
	Entry      *models.LedgerEntry `json:"entry,omitempty"`
	NewBalance decimal.Decimal     `json:"new_balance"`
}

// Service owns the ledger write path: per-user serialization via row locks,
// payment idempotency, balance mirror updates, and post-commit cache/event
// fan-out. Reconcile stays pure; everything effectful lives here.
type Service struct {
	DB     TxBeginner
	Users  UserStore
	Ledger LedgerStore
	Cache  BalanceCache
	Events Bus
	Log    *slog.Logger
}

func NewService(db TxBeginner, users UserStore, ledger LedgerStore, cache BalanceCache, bus Bus, log *slog.Logger) *Service {
	if cache == nil {
		cache = NopCache{}
	}
	if bus == nil {
		bus = events.NopBus{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{DB: db, Users: users, Ledger: ledger, Cache: cache, Events: bus, Log: log}
}

// ApplyCredit records a credit against the user's balance in its own
// transaction and fans out cache/event updates after commit.
func (s *Service) ApplyCredit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, src Source) (*CreditResult, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	res, err := s.ApplyCreditTx(ctx, tx, userID, amount, src)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.AnnounceApplied(ctx, res)
	return res, nil
}

// ApplyCreditTx runs the credit application inside the caller's transaction:
// lock the user row, reject duplicate gateway transaction ids, reconcile,
// insert the entries, and move the balance mirror. The caller must invoke
// AnnounceApplied after its commit succeeds.
func (s *Service) ApplyCreditTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, src Source) (*CreditResult, error) {
	user, err := s.Users.GetByIDForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	if p, ok := src.(PaymentSource); ok && p.TransactionID != "" {
		seen, err := s.Ledger.HasPaymentReference(ctx, tx, p.TransactionID)
		if err != nil {
			return nil, err
		}
		if seen {
			return nil, ErrDuplicatePayment
		}
	}

	rec, err := Reconcile(user.Balance, amount, src)
	if err != nil {
		return nil, err
	}

	credit := entryFromDraft(userID, rec.Credit)
	if err := s.Ledger.CreateTx(ctx, tx, credit); err != nil {
		return nil, err
	}

	var deduction *models.LedgerEntry
	if rec.Deduction != nil {
		deduction = entryFromDraft(userID, *rec.Deduction)
		deduction.RelatedEntryID = &credit.ID
		if err := s.Ledger.CreateTx(ctx, tx, deduction); err != nil {
			return nil, err
		}
	}

	if err := s.Users.UpdateBalance(ctx, tx, userID, rec.NewBalance); err != nil {
		return nil, err
	}

	return &CreditResult{
		UserID:     userID,
		Credit:     credit,
		Deduction:  deduction,
		NewBalance: rec.NewBalance,
		source:     src,
	}, nil
}

// AnnounceApplied publishes the post-commit side effects of a credit:
// balance cache refresh, bus events, and counters.
func (s *Service) AnnounceApplied(ctx context.Context, res *CreditResult) {
	if res == nil {
		return
	}
	s.setCachedBalance(ctx, res.UserID, res.NewBalance)

	sourceLabel := "admin_grant"
	if _, ok := res.source.(PaymentSource); ok {
		sourceLabel = "payment"
	}
	metrics.CreditsApplied.WithLabelValues(sourceLabel).Inc()

	s.publish(events.SubjectCreditApplied, events.BillingEvent{
		UserID:      res.UserID,
		Kind:        models.EntryKindCredit,
		Amount:      res.Credit.Amount,
		NewBalance:  res.NewBalance,
		Description: res.Credit.Description,
	})
	if res.Deduction != nil {
		metrics.DeductionsRecorded.WithLabelValues("negative_balance").Inc()
		s.publish(events.SubjectDeductionRecorded, events.BillingEvent{
			UserID:      res.UserID,
			Kind:        models.EntryKindDeduction,
			Amount:      res.Deduction.Amount,
			NewBalance:  res.NewBalance,
			Description: res.Deduction.Description,
		})
	}
}

// Charge records a portal-originated deduction (server orders) in its own
// transaction. The balance may not go negative through this path.
func (s *Service) Charge(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, description string) (*ChargeResult, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	res, err := s.ChargeTx(ctx, tx, userID, amount, description)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.AnnounceCharged(ctx, res)
	return res, nil
}

// ChargeTx runs the charge inside the caller's transaction. The caller must
// invoke AnnounceCharged after its commit succeeds.
func (s *Service) ChargeTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, description string) (*ChargeResult, error) {
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	user, err := s.Users.GetByIDForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if user.Balance.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}

	newBalance := user.Balance.Sub(amount)
	entry := &models.LedgerEntry{
		ID:          uuid.New(),
		UserID:      userID,
		Kind:        models.EntryKindDeduction,
		Amount:      amount.Neg(),
		Description: description,
		Status:      models.EntryStatusCompleted,
	}
	if err := s.Ledger.CreateTx(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := s.Users.UpdateBalance(ctx, tx, userID, newBalance); err != nil {
		return nil, err
	}

	return &ChargeResult{UserID: userID, Entry: entry, NewBalance: newBalance}, nil
}

// AnnounceCharged publishes the post-commit side effects of a charge.
func (s *Service) AnnounceCharged(ctx context.Context, res *ChargeResult) {
	if res == nil {
		return
	}
	s.setCachedBalance(ctx, res.UserID, res.NewBalance)
	metrics.DeductionsRecorded.WithLabelValues("order").Inc()
	s.publish(events.SubjectDeductionRecorded, events.BillingEvent{
		UserID:      res.UserID,
		Kind:        models.EntryKindDeduction,
		Amount:      res.Entry.Amount,
		NewBalance:  res.NewBalance,
		Description: res.Entry.Description,
	})
}

// SyncUsage lowers the stored balance to the value the hosting platform
// reports and records the difference as a usage deduction. Reported balances
// at or above the stored one are a no-op: upstream increases only happen
// through our own credit path.
func (s *Service) SyncUsage(ctx context.Context, userID uuid.UUID, reported decimal.Decimal) (*SyncResult, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	user, err := s.Users.GetByIDForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if reported.GreaterThanOrEqual(user.Balance) {
		return &SyncResult{UserID: userID, NewBalance: user.Balance}, nil
	}

	delta := user.Balance.Sub(reported)
	entry := &models.LedgerEntry{
		ID:          uuid.New(),
		UserID:      userID,
		Kind:        models.EntryKindDeduction,
		Amount:      delta.Neg(),
		Description: fmt.Sprintf("Resource usage billed by hosting platform (%s)", delta.StringFixed(2)),
		Status:      models.EntryStatusCompleted,
	}
	if err := s.Ledger.CreateTx(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := s.Users.UpdateBalance(ctx, tx, userID, reported); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.setCachedBalance(ctx, userID, reported)
	metrics.DeductionsRecorded.WithLabelValues("usage").Inc()
	s.publish(events.SubjectDeductionRecorded, events.BillingEvent{
		UserID:      userID,
		Kind:        models.EntryKindDeduction,
		Amount:      entry.Amount,
		NewBalance:  reported,
		Description: entry.Description,
	})

	return &SyncResult{UserID: userID, Entry: entry, NewBalance: reported}, nil
}

// Balance is a cache read-through over the users table.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	if b, ok := s.Cache.Get(ctx, userID); ok {
		return b, nil
	}
	user, err := s.Users.GetByID(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	s.setCachedBalance(ctx, userID, user.Balance)
	return user.Balance, nil
}

// ListEntries returns a user's ledger entries, newest first.
func (s *Service) ListEntries(ctx context.Context, userID uuid.UUID, f EntryFilter) ([]*models.LedgerEntry, error) {
	f.UserID = &userID
	return s.Ledger.ListByUserID(ctx, userID, f)
}

// ListAllEntries returns ledger entries across users (admin view).
func (s *Service) ListAllEntries(ctx context.Context, f EntryFilter) ([]*models.LedgerEntry, error) {
	return s.Ledger.ListAll(ctx, f)
}

func (s *Service) setCachedBalance(ctx context.Context, userID uuid.UUID, balance decimal.Decimal) {
	if err := s.Cache.Set(ctx, userID, balance); err != nil {
		s.Log.Warn("balance cache set failed", "user_id", userID, "error", err)
	}
}

func (s *Service) publish(subject string, event events.BillingEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		s.Log.Error("marshal billing event", "subject", subject, "error", err)
		return
	}
	if err := s.Events.Publish(subject, data); err != nil {
		s.Log.Warn("publish billing event failed", "subject", subject, "error", err)
	}
}

func entryFromDraft(userID uuid.UUID, d EntryDraft) *models.LedgerEntry {
	return &models.LedgerEntry{
		ID:               uuid.New(),
		UserID:           userID,
		Kind:             d.Kind,
		Amount:           d.Amount,
		Description:      d.Description,
		Status:           d.Status,
		PaymentMethod:    d.PaymentMethod,
		PaymentReference: d.PaymentReference,
	}
}
