package coupons

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/teris-io/shortid"

	"github.com/halcyonhost/panel/internal/billing"
	"github.com/halcyonhost/panel/internal/models"
)

var (
	ErrNotFound        = errors.New("coupon not found")
	ErrDuplicateCode   = errors.New("coupon code already exists")
	ErrInvalidValue    = errors.New("coupon value out of range")
	ErrInactive        = errors.New("coupon is not active")
	ErrExpired         = errors.New("coupon has expired")
	ErrExhausted       = errors.New("coupon redemption limit reached")
	ErrAlreadyRedeemed = errors.New("coupon already redeemed by this user")
	ErrNotRedeemable   = errors.New("coupon is not redeemable for account credit")
	ErrNotDiscount     = errors.New("coupon does not apply to orders")
)

// Store is the coupon persistence interface used by the service.
type Store interface {
	Create(ctx context.Context, c *models.Coupon) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Coupon, error)
	GetByCode(ctx context.Context, code string) (*models.Coupon, error)
	GetByCodeForUpdate(ctx context.Context, tx pgx.Tx, code string) (*models.Coupon, error)
	List(ctx context.Context) ([]*models.Coupon, error)
	Update(ctx context.Context, c *models.Coupon) error
	Delete(ctx context.Context, id uuid.UUID) error
	InsertRedemptionTx(ctx context.Context, tx pgx.Tx, red *models.CouponRedemption) error
	IncrementRedeemedTx(ctx context.Context, tx pgx.Tx, couponID uuid.UUID) (bool, error)
}

// CreditApplier is the slice of the billing service a credit-kind redemption
// needs: the in-transaction write plus the post-commit announcement.
type CreditApplier interface {
	ApplyCreditTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, src billing.Source) (*billing.CreditResult, error)
	AnnounceApplied(ctx context.Context, res *billing.CreditResult)
}

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service struct {
	DB      TxBeginner
	Repo    Store
	Billing CreditApplier
	Log     *slog.Logger
}

func NewService(db TxBeginner, repo Store, credits CreditApplier, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{DB: db, Repo: repo, Billing: credits, Log: log}
}

var sid = shortid.MustNew(1, shortid.DefaultABC, uint64(time.Now().UnixNano()))

// generateCode is swapped out in tests for deterministic codes.
var generateCode = func() string {
	return sid.MustGenerate()
}

type CreateParams struct {
	Code           string
	Kind           string
	Value          decimal.Decimal
	MaxRedemptions int
	ExpiresAt      *time.Time
	Active         *bool
}

// Create validates the value range for the kind and generates a code when
// none is given.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.Coupon, error) {
	switch p.Kind {
	case models.CouponKindPercent:
		if p.Value.Sign() <= 0 || p.Value.GreaterThan(decimal.NewFromInt(100)) {
			return nil, ErrInvalidValue
		}
	case models.CouponKindCredit:
		if p.Value.Sign() <= 0 {
			return nil, ErrInvalidValue
		}
	default:
		return nil, ErrInvalidValue
	}

	code := p.Code
	if code == "" {
		code = generateCode()
	}
	c := &models.Coupon{
		ID:             uuid.New(),
		Code:           code,
		Kind:           p.Kind,
		Value:          p.Value,
		MaxRedemptions: p.MaxRedemptions,
		Active:         true,
		ExpiresAt:      p.ExpiresAt,
	}
	if p.Active != nil {
		c.Active = *p.Active
	}

	if err := s.Repo.Create(ctx, c); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateCode
		}
		return nil, err
	}
	return c, nil
}

// Redeem converts a credit-kind coupon into an account credit. The lookup,
// redemption record, counter bump, and ledger write share one transaction so
// concurrent redeemers cannot oversubscribe the coupon.
func (s *Service) Redeem(ctx context.Context, userID uuid.UUID, code string) (*billing.CreditResult, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	c, err := s.Repo.GetByCodeForUpdate(ctx, tx, code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if c.Kind != models.CouponKindCredit {
		return nil, ErrNotRedeemable
	}
	if err := usable(c); err != nil {
		return nil, err
	}

	if err := s.recordRedemptionTx(ctx, tx, c, userID, nil); err != nil {
		return nil, err
	}

	res, err := s.Billing.ApplyCreditTx(ctx, tx, userID, c.Value, billing.AdminGrant{Reference: fmt.Sprintf("coupon %s", c.Code)})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.Billing.AnnounceApplied(ctx, res)
	s.Log.Info("coupon redeemed", "code", c.Code, "user_id", userID, "amount", c.Value)
	return res, nil
}

// LockForUpdate loads a coupon by code inside the caller's transaction,
// taking the row lock that serializes concurrent redemptions.
func (s *Service) LockForUpdate(ctx context.Context, tx pgx.Tx, code string) (*models.Coupon, error) {
	c, err := s.Repo.GetByCodeForUpdate(ctx, tx, code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// RedeemForOrderTx consumes a percent coupon inside an order placement
// transaction. The caller holds the coupon row lock via LockForUpdate.
func (s *Service) RedeemForOrderTx(ctx context.Context, tx pgx.Tx, c *models.Coupon, userID, orderID uuid.UUID) error {
	if c.Kind != models.CouponKindPercent {
		return ErrNotDiscount
	}
	if err := usable(c); err != nil {
		return err
	}
	return s.recordRedemptionTx(ctx, tx, c, userID, &orderID)
}

func (s *Service) recordRedemptionTx(ctx context.Context, tx pgx.Tx, c *models.Coupon, userID uuid.UUID, orderID *uuid.UUID) error {
	red := &models.CouponRedemption{ID: uuid.New(), CouponID: c.ID, UserID: userID, OrderID: orderID}
	if err := s.Repo.InsertRedemptionTx(ctx, tx, red); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyRedeemed
		}
		return err
	}
	ok, err := s.Repo.IncrementRedeemedTx(ctx, tx, c.ID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrExhausted
	}
	return nil
}

// Preview returns the coupon if a customer could still use it, without
// consuming anything.
func (s *Service) Preview(ctx context.Context, code string) (*models.Coupon, error) {
	c, err := s.Repo.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := usable(c); err != nil {
		return nil, err
	}
	return c, nil
}

// PriceAfter applies a percent coupon to a base price, rounding the discount
// to cents.
func PriceAfter(c *models.Coupon, base decimal.Decimal) (decimal.Decimal, error) {
	if c.Kind != models.CouponKindPercent {
		return decimal.Zero, ErrNotDiscount
	}
	discount := base.Mul(c.Value).Div(decimal.NewFromInt(100)).Round(2)
	return base.Sub(discount), nil
}

func usable(c *models.Coupon) error {
	if !c.Active {
		return ErrInactive
	}
	if c.ExpiresAt != nil && time.Now().After(*c.ExpiresAt) {
		return ErrExpired
	}
	if c.MaxRedemptions > 0 && c.RedeemedCount >= c.MaxRedemptions {
		return ErrExhausted
	}
	return nil
}

func (s *Service) List(ctx context.Context) ([]*models.Coupon, error) {
	return s.Repo.List(ctx)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Coupon, error) {
	c, err := s.Repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

type UpdateParams struct {
	Value          *decimal.Decimal
	MaxRedemptions *int
	Active         *bool
	ExpiresAt      *time.Time
	ClearExpiry    bool
}

// Update applies partial changes. The kind and code are immutable once
// customers may have seen them.
func (s *Service) Update(ctx context.Context, id uuid.UUID, p UpdateParams) (*models.Coupon, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Value != nil {
		if p.Value.Sign() <= 0 || (c.Kind == models.CouponKindPercent && p.Value.GreaterThan(decimal.NewFromInt(100))) {
			return nil, ErrInvalidValue
		}
		c.Value = *p.Value
	}
	if p.MaxRedemptions != nil {
		c.MaxRedemptions = *p.MaxRedemptions
	}
	if p.Active != nil {
		c.Active = *p.Active
	}
	if p.ExpiresAt != nil {
		c.ExpiresAt = p.ExpiresAt
	}
	if p.ClearExpiry {
		c.ExpiresAt = nil
	}
	if err := s.Repo.Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.Repo.Delete(ctx, id)
}
