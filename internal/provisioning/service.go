// Package provisioning turns paid orders into running servers. Placement
// charges the ledger and enqueues the build; the provisioning worker in
// internal/jobs does the slow control plane work.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/halcyonhost/panel/internal/billing"
	"github.com/halcyonhost/panel/internal/coupons"
	"github.com/halcyonhost/panel/internal/jobs"
	"github.com/halcyonhost/panel/internal/models"
)

var (
	ErrPackageUnavailable = errors.New("package not available for order")
	ErrInvalidHostname    = errors.New("invalid hostname")
	ErrOrderNotFound      = errors.New("order not found")
	ErrNotCancellable     = errors.New("order can no longer be cancelled")
	ErrNoServer           = errors.New("order has no active server")
)

// RFC 1123 labels, dot-separated. Case is normalized away before matching.
var hostnameRx = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OrderStore is the slice of the order repository the service needs.
type OrderStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, o *models.ServerOrder) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ServerOrder, error)
	ListByUserID(ctx context.Context, userID uuid.UUID) ([]*models.ServerOrder, error)
	ListAll(ctx context.Context) ([]*models.ServerOrder, error)
	UpdateStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, fromStatus, toStatus string) (bool, error)
}

type PackageGetter interface {
	GetPackage(ctx context.Context, id uuid.UUID) (*models.Package, error)
}

// CouponGate applies percent coupons during placement. Both calls run inside
// the placement transaction; LockForUpdate holds the coupon row lock until
// commit so the redemption counter cannot oversubscribe.
type CouponGate interface {
	LockForUpdate(ctx context.Context, tx pgx.Tx, code string) (*models.Coupon, error)
	RedeemForOrderTx(ctx context.Context, tx pgx.Tx, c *models.Coupon, userID, orderID uuid.UUID) error
}

// Biller is the ledger surface for order charges and cancellation refunds.
type Biller interface {
	ChargeTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, description string) (*billing.ChargeResult, error)
	AnnounceCharged(ctx context.Context, res *billing.ChargeResult)
	ApplyCreditTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, src billing.Source) (*billing.CreditResult, error)
	AnnounceApplied(ctx context.Context, res *billing.CreditResult)
}

// ServerController covers the control plane calls made synchronously from
// admin actions.
type ServerController interface {
	SuspendServer(ctx context.Context, id int) error
	UnsuspendServer(ctx context.Context, id int) error
}

// InsertProvisionTxFunc enqueues a ProvisionServer job within the given transaction. Provided by main using river.Client.InsertTx.
type InsertProvisionTxFunc func(ctx context.Context, tx pgx.Tx, args jobs.ProvisionServerArgs) error

type Service struct {
	DB       TxBeginner
	Orders   OrderStore
	Packages PackageGetter
	Coupons  CouponGate
	Billing  Biller
	VF       ServerController
	Insert   InsertProvisionTxFunc
	Log      *slog.Logger
}

func NewService(db TxBeginner, orders OrderStore, packages PackageGetter, cpns CouponGate, biller Biller, vf ServerController, insert InsertProvisionTxFunc, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{DB: db, Orders: orders, Packages: packages, Coupons: cpns, Billing: biller, VF: vf, Insert: insert, Log: log}
}

type PlaceOrderParams struct {
	PackageID  uuid.UUID
	Hostname   string
	CouponCode string
}

// PlaceOrder charges the customer's balance for the package, records the
// pending order, and enqueues the build. Charge, order, coupon redemption,
// and job insert share one transaction, so a failed enqueue rolls the charge
// back and a successful commit guarantees the worker will see the order.
func (s *Service) PlaceOrder(ctx context.Context, userID uuid.UUID, p PlaceOrderParams) (*models.ServerOrder, error) {
	pkg, err := s.Packages.GetPackage(ctx, p.PackageID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPackageUnavailable
		}
		return nil, err
	}
	if !pkg.Active {
		return nil, ErrPackageUnavailable
	}

	hostname := strings.ToLower(strings.TrimSpace(p.Hostname))
	if hostname == "" || len(hostname) > 253 || !hostnameRx.MatchString(hostname) {
		return nil, ErrInvalidHostname
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	price := pkg.PriceMonthly
	var coupon *models.Coupon
	if code := strings.TrimSpace(p.CouponCode); code != "" {
		coupon, err = s.Coupons.LockForUpdate(ctx, tx, code)
		if err != nil {
			return nil, err
		}
		price, err = coupons.PriceAfter(coupon, price)
		if err != nil {
			return nil, err
		}
	}

	var charged *billing.ChargeResult
	if price.Sign() > 0 {
		charged, err = s.Billing.ChargeTx(ctx, tx, userID, price, fmt.Sprintf("Server order %s (%s)", hostname, pkg.Name))
		if err != nil {
			return nil, err
		}
	}

	order := &models.ServerOrder{
		ID:        uuid.New(),
		UserID:    userID,
		PackageID: pkg.ID,
		Hostname:  hostname,
		Status:    models.OrderStatusPending,
		Price:     price,
	}
	if coupon != nil {
		order.CouponID = &coupon.ID
	}
	if err := s.Orders.CreateTx(ctx, tx, order); err != nil {
		return nil, err
	}

	if coupon != nil {
		if err := s.Coupons.RedeemForOrderTx(ctx, tx, coupon, userID, order.ID); err != nil {
			return nil, err
		}
	}

	if err := s.Insert(ctx, tx, jobs.ProvisionServerArgs{OrderID: order.ID}); err != nil {
		return nil, fmt.Errorf("enqueue provisioning: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if charged != nil {
		s.Billing.AnnounceCharged(ctx, charged)
	}
	s.Log.Info("order placed",
		"order_id", order.ID, "user_id", userID, "package", pkg.Name, "hostname", hostname, "price", price)
	return order, nil
}

// Cancel refunds a pending order. The status flip is a compare-and-set inside
// the refund transaction, so a cancel that races the provisioning worker
// either wins cleanly or reports ErrNotCancellable. A consumed coupon
// redemption is not returned.
func (s *Service) Cancel(ctx context.Context, userID, orderID uuid.UUID) (*models.ServerOrder, error) {
	order, err := s.getOwned(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ok, err := s.Orders.UpdateStatusTx(ctx, tx, order.ID, models.OrderStatusPending, models.OrderStatusCancelled)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotCancellable
	}

	var refunded *billing.CreditResult
	if order.Price.Sign() > 0 {
		refunded, err = s.Billing.ApplyCreditTx(ctx, tx, order.UserID, order.Price,
			billing.AdminGrant{Reference: fmt.Sprintf("order %s cancelled", order.ID)})
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if refunded != nil {
		s.Billing.AnnounceApplied(ctx, refunded)
	}
	s.Log.Info("order cancelled", "order_id", order.ID, "user_id", userID, "refund", order.Price)

	order.Status = models.OrderStatusCancelled
	return order, nil
}

// Suspend cuts off the server behind an active order.
func (s *Service) Suspend(ctx context.Context, orderID uuid.UUID) error {
	order, err := s.Orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrderNotFound
		}
		return err
	}
	if order.VFServerID == 0 || order.Status != models.OrderStatusActive {
		return ErrNoServer
	}
	if err := s.VF.SuspendServer(ctx, order.VFServerID); err != nil {
		return err
	}
	s.Log.Info("server suspended", "order_id", order.ID, "vf_server_id", order.VFServerID)
	return nil
}

// Unsuspend restores a previously suspended server.
func (s *Service) Unsuspend(ctx context.Context, orderID uuid.UUID) error {
	order, err := s.Orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrderNotFound
		}
		return err
	}
	if order.VFServerID == 0 || order.Status != models.OrderStatusActive {
		return ErrNoServer
	}
	if err := s.VF.UnsuspendServer(ctx, order.VFServerID); err != nil {
		return err
	}
	s.Log.Info("server unsuspended", "order_id", order.ID, "vf_server_id", order.VFServerID)
	return nil
}

// Get returns the order if it belongs to the user.
func (s *Service) Get(ctx context.Context, userID, orderID uuid.UUID) (*models.ServerOrder, error) {
	return s.getOwned(ctx, userID, orderID)
}

func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.ServerOrder, error) {
	return s.Orders.ListByUserID(ctx, userID)
}

func (s *Service) ListAll(ctx context.Context) ([]*models.ServerOrder, error) {
	return s.Orders.ListAll(ctx)
}

// getOwned hides other users' orders behind ErrOrderNotFound.
func (s *Service) getOwned(ctx context.Context, userID, orderID uuid.UUID) (*models.ServerOrder, error) {
	order, err := s.Orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrOrderNotFound
	}
	return order, nil
}
