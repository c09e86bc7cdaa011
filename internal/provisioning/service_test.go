package provisioning

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/halcyonhost/panel/internal/billing"
	"github.com/halcyonhost/panel/internal/coupons"
	"github.com/halcyonhost/panel/internal/jobs"
	"github.com/halcyonhost/panel/internal/models"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

type fakeTx struct {
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }

func (t *fakeTx) Commit(ctx context.Context) error {
	if t.committed || t.rolledBack {
		return pgx.ErrTxClosed
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if t.committed {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

func (t *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *fakeTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (t *fakeTx) Conn() *pgx.Conn                                               { return nil }

type fakeDB struct {
	tx *fakeTx
}

func (db *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	db.tx = &fakeTx{}
	return db.tx, nil
}

type stubOrderStore struct {
	order       *models.ServerOrder
	created     []*models.ServerOrder
	transitions []string
	casResult   bool
}

func (s *stubOrderStore) CreateTx(ctx context.Context, tx pgx.Tx, o *models.ServerOrder) error {
	cp := *o
	s.created = append(s.created, &cp)
	return nil
}

func (s *stubOrderStore) GetByID(ctx context.Context, id uuid.UUID) (*models.ServerOrder, error) {
	if s.order == nil || s.order.ID != id {
		return nil, pgx.ErrNoRows
	}
	cp := *s.order
	return &cp, nil
}

func (s *stubOrderStore) ListByUserID(ctx context.Context, userID uuid.UUID) ([]*models.ServerOrder, error) {
	if s.order == nil || s.order.UserID != userID {
		return []*models.ServerOrder{}, nil
	}
	return []*models.ServerOrder{s.order}, nil
}

func (s *stubOrderStore) ListAll(ctx context.Context) ([]*models.ServerOrder, error) {
	if s.order == nil {
		return []*models.ServerOrder{}, nil
	}
	return []*models.ServerOrder{s.order}, nil
}

func (s *stubOrderStore) UpdateStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, fromStatus, toStatus string) (bool, error) {
	s.transitions = append(s.transitions, fromStatus+">"+toStatus)
	if s.casResult && s.order != nil {
		s.order.Status = toStatus
	}
	return s.casResult, nil
}

type stubPackages struct {
	pkg *models.Package
}

func (s *stubPackages) GetPackage(ctx context.Context, id uuid.UUID) (*models.Package, error) {
	if s.pkg == nil || s.pkg.ID != id {
		return nil, pgx.ErrNoRows
	}
	cp := *s.pkg
	return &cp, nil
}

type stubCouponGate struct {
	coupon    *models.Coupon
	redeemed  []uuid.UUID
	redeemErr error
}

func (s *stubCouponGate) LockForUpdate(ctx context.Context, tx pgx.Tx, code string) (*models.Coupon, error) {
	if s.coupon == nil || s.coupon.Code != code {
		return nil, coupons.ErrNotFound
	}
	return s.coupon, nil
}

func (s *stubCouponGate) RedeemForOrderTx(ctx context.Context, tx pgx.Tx, c *models.Coupon, userID, orderID uuid.UUID) error {
	if s.redeemErr != nil {
		return s.redeemErr
	}
	s.redeemed = append(s.redeemed, orderID)
	return nil
}

type chargeCall struct {
	amount      decimal.Decimal
	description string
}

type stubBiller struct {
	charges          []chargeCall
	chargeErr        error
	credits          []decimal.Decimal
	creditSources    []billing.Source
	announcedCharges int
	announcedCredits int
}

func (s *stubBiller) ChargeTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, description string) (*billing.ChargeResult, error) {
	if s.chargeErr != nil {
		return nil, s.chargeErr
	}
	s.charges = append(s.charges, chargeCall{amount: amount, description: description})
	return &billing.ChargeResult{
		UserID:     userID,
		Entry:      &models.LedgerEntry{ID: uuid.New(), UserID: userID, Kind: models.EntryKindDeduction, Amount: amount.Neg()},
		NewBalance: decimal.Zero,
	}, nil
}

func (s *stubBiller) AnnounceCharged(ctx context.Context, res *billing.ChargeResult) {
	s.announcedCharges++
}

func (s *stubBiller) ApplyCreditTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, src billing.Source) (*billing.CreditResult, error) {
	s.credits = append(s.credits, amount)
	s.creditSources = append(s.creditSources, src)
	return &billing.CreditResult{
		UserID:     userID,
		Credit:     &models.LedgerEntry{ID: uuid.New(), UserID: userID, Kind: models.EntryKindCredit, Amount: amount},
		NewBalance: amount,
	}, nil
}

func (s *stubBiller) AnnounceApplied(ctx context.Context, res *billing.CreditResult) {
	s.announcedCredits++
}

type stubServerControl struct {
	suspended   []int
	unsuspended []int
}

func (s *stubServerControl) SuspendServer(ctx context.Context, id int) error {
	s.suspended = append(s.suspended, id)
	return nil
}

func (s *stubServerControl) UnsuspendServer(ctx context.Context, id int) error {
	s.unsuspended = append(s.unsuspended, id)
	return nil
}

type insertCapture struct {
	args []jobs.ProvisionServerArgs
	err  error
}

func (c *insertCapture) insert(ctx context.Context, tx pgx.Tx, args jobs.ProvisionServerArgs) error {
	if c.err != nil {
		return c.err
	}
	c.args = append(c.args, args)
	return nil
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

type fixture struct {
	db      *fakeDB
	orders  *stubOrderStore
	pkgs    *stubPackages
	cpns    *stubCouponGate
	biller  *stubBiller
	vf      *stubServerControl
	inserts *insertCapture
	svc     *Service
	userID  uuid.UUID
}

func newFixture() *fixture {
	f := &fixture{
		db:      &fakeDB{},
		orders:  &stubOrderStore{casResult: true},
		cpns:    &stubCouponGate{},
		biller:  &stubBiller{},
		vf:      &stubServerControl{},
		inserts: &insertCapture{},
		userID:  uuid.New(),
	}
	f.pkgs = &stubPackages{pkg: &models.Package{
		ID:           uuid.New(),
		VFPackageID:  12,
		Name:         "Cloud 2GB",
		PriceMonthly: decimal.RequireFromString("12.00"),
		Active:       true,
	}}
	f.svc = NewService(f.db, f.orders, f.pkgs, f.cpns, f.biller, f.vf, f.inserts.insert, nil)
	return f
}

// ---------------------------------------------------------------------------
// 1. PlaceOrder
// ---------------------------------------------------------------------------

func TestPlaceOrder(t *testing.T) {
	f := newFixture()

	order, err := f.svc.PlaceOrder(context.Background(), f.userID, PlaceOrderParams{
		PackageID: f.pkgs.pkg.ID,
		Hostname:  "Web1.Example.COM",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if order.Hostname != "web1.example.com" {
		t.Errorf("hostname = %q, want lowercased", order.Hostname)
	}
	if order.Status != models.OrderStatusPending {
		t.Errorf("status = %s, want pending", order.Status)
	}
	if !order.Price.Equal(dec(t, "12.00")) {
		t.Errorf("price = %s, want 12.00", order.Price)
	}

	if len(f.biller.charges) != 1 {
		t.Fatalf("charges = %d, want 1", len(f.biller.charges))
	}
	charge := f.biller.charges[0]
	if !charge.amount.Equal(dec(t, "12.00")) {
		t.Errorf("charged %s, want 12.00", charge.amount)
	}
	if !strings.Contains(charge.description, "web1.example.com") || !strings.Contains(charge.description, "Cloud 2GB") {
		t.Errorf("charge description = %q", charge.description)
	}

	if len(f.orders.created) != 1 {
		t.Fatalf("orders created = %d, want 1", len(f.orders.created))
	}
	if len(f.inserts.args) != 1 || f.inserts.args[0].OrderID != order.ID {
		t.Errorf("enqueued = %+v, want the new order", f.inserts.args)
	}
	if !f.db.tx.committed {
		t.Error("transaction should commit")
	}
	if f.biller.announcedCharges != 1 {
		t.Error("charge event should be announced after commit")
	}
}

func TestPlaceOrder_WithCoupon(t *testing.T) {
	f := newFixture()
	f.cpns.coupon = &models.Coupon{
		ID:     uuid.New(),
		Code:   "LAUNCH25",
		Kind:   models.CouponKindPercent,
		Value:  dec(t, "25"),
		Active: true,
	}

	order, err := f.svc.PlaceOrder(context.Background(), f.userID, PlaceOrderParams{
		PackageID:  f.pkgs.pkg.ID,
		Hostname:   "web1.example.com",
		CouponCode: "LAUNCH25",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if !order.Price.Equal(dec(t, "9.00")) {
		t.Errorf("price = %s, want 9.00 after 25%% off 12.00", order.Price)
	}
	if len(f.biller.charges) != 1 || !f.biller.charges[0].amount.Equal(dec(t, "9.00")) {
		t.Errorf("charges = %+v, want one charge of 9.00", f.biller.charges)
	}
	if order.CouponID == nil || *order.CouponID != f.cpns.coupon.ID {
		t.Error("order should reference the coupon")
	}
	if len(f.cpns.redeemed) != 1 || f.cpns.redeemed[0] != order.ID {
		t.Errorf("redeemed = %v, want the new order", f.cpns.redeemed)
	}
}

func TestPlaceOrder_FreeOrderSkipsCharge(t *testing.T) {
	f := newFixture()
	f.cpns.coupon = &models.Coupon{
		ID:     uuid.New(),
		Code:   "FREEBIE",
		Kind:   models.CouponKindPercent,
		Value:  dec(t, "100"),
		Active: true,
	}

	order, err := f.svc.PlaceOrder(context.Background(), f.userID, PlaceOrderParams{
		PackageID:  f.pkgs.pkg.ID,
		Hostname:   "web1.example.com",
		CouponCode: "FREEBIE",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if !order.Price.IsZero() {
		t.Errorf("price = %s, want 0", order.Price)
	}
	if len(f.biller.charges) != 0 {
		t.Error("a fully discounted order must not touch the ledger")
	}
	if len(f.inserts.args) != 1 {
		t.Error("the build should still be enqueued")
	}
	if !f.db.tx.committed {
		t.Error("transaction should commit")
	}
}

func TestPlaceOrder_InsufficientFunds(t *testing.T) {
	f := newFixture()
	f.biller.chargeErr = billing.ErrInsufficientFunds

	_, err := f.svc.PlaceOrder(context.Background(), f.userID, PlaceOrderParams{
		PackageID: f.pkgs.pkg.ID,
		Hostname:  "web1.example.com",
	})
	if !errors.Is(err, billing.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if len(f.inserts.args) != 0 {
		t.Error("nothing should be enqueued")
	}
	if f.db.tx == nil || !f.db.tx.rolledBack {
		t.Error("transaction should roll back")
	}
	if f.biller.announcedCharges != 0 {
		t.Error("no event for a failed charge")
	}
}

func TestPlaceOrder_PackageGate(t *testing.T) {
	f := newFixture()
	f.pkgs.pkg.Active = false

	_, err := f.svc.PlaceOrder(context.Background(), f.userID, PlaceOrderParams{
		PackageID: f.pkgs.pkg.ID,
		Hostname:  "web1.example.com",
	})
	if !errors.Is(err, ErrPackageUnavailable) {
		t.Fatalf("inactive package: err = %v, want ErrPackageUnavailable", err)
	}

	_, err = f.svc.PlaceOrder(context.Background(), f.userID, PlaceOrderParams{
		PackageID: uuid.New(),
		Hostname:  "web1.example.com",
	})
	if !errors.Is(err, ErrPackageUnavailable) {
		t.Fatalf("unknown package: err = %v, want ErrPackageUnavailable", err)
	}
}

func TestPlaceOrder_HostnameValidation(t *testing.T) {
	bad := []string{"", "-bad.example.com", "has space.com", "under_score.com", "trailing-.com"}
	for _, hostname := range bad {
		f := newFixture()
		_, err := f.svc.PlaceOrder(context.Background(), f.userID, PlaceOrderParams{
			PackageID: f.pkgs.pkg.ID,
			Hostname:  hostname,
		})
		if !errors.Is(err, ErrInvalidHostname) {
			t.Errorf("hostname %q: err = %v, want ErrInvalidHostname", hostname, err)
		}
	}
}

func TestPlaceOrder_CreditCouponRejected(t *testing.T) {
	f := newFixture()
	f.cpns.coupon = &models.Coupon{
		ID:     uuid.New(),
		Code:   "WALLET5",
		Kind:   models.CouponKindCredit,
		Value:  dec(t, "5.00"),
		Active: true,
	}

	_, err := f.svc.PlaceOrder(context.Background(), f.userID, PlaceOrderParams{
		PackageID:  f.pkgs.pkg.ID,
		Hostname:   "web1.example.com",
		CouponCode: "WALLET5",
	})
	if !errors.Is(err, coupons.ErrNotDiscount) {
		t.Fatalf("err = %v, want ErrNotDiscount", err)
	}
	if f.db.tx == nil || !f.db.tx.rolledBack {
		t.Error("transaction should roll back")
	}
}

func TestPlaceOrder_EnqueueFailureRollsBack(t *testing.T) {
	f := newFixture()
	f.inserts.err = errors.New("queue unavailable")

	_, err := f.svc.PlaceOrder(context.Background(), f.userID, PlaceOrderParams{
		PackageID: f.pkgs.pkg.ID,
		Hostname:  "web1.example.com",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if f.db.tx.committed {
		t.Error("the charge must not survive a failed enqueue")
	}
	if f.biller.announcedCharges != 0 {
		t.Error("no event for a rolled back charge")
	}
}

// ---------------------------------------------------------------------------
// 2. Cancel
// ---------------------------------------------------------------------------

func TestCancel(t *testing.T) {
	f := newFixture()
	f.orders.order = &models.ServerOrder{
		ID:       uuid.New(),
		UserID:   f.userID,
		Hostname: "web1.example.com",
		Status:   models.OrderStatusPending,
		Price:    dec(t, "9.00"),
	}

	order, err := f.svc.Cancel(context.Background(), f.userID, f.orders.order.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if order.Status != models.OrderStatusCancelled {
		t.Errorf("status = %s, want cancelled", order.Status)
	}
	if len(f.orders.transitions) != 1 || f.orders.transitions[0] != "pending>cancelled" {
		t.Errorf("transitions = %v", f.orders.transitions)
	}
	if len(f.biller.credits) != 1 || !f.biller.credits[0].Equal(dec(t, "9.00")) {
		t.Errorf("refunds = %v, want the order price back", f.biller.credits)
	}
	grant, ok := f.biller.creditSources[0].(billing.AdminGrant)
	if !ok || !strings.Contains(grant.Reference, f.orders.order.ID.String()) {
		t.Errorf("refund source = %+v, want a grant referencing the order", f.biller.creditSources[0])
	}
	if !f.db.tx.committed {
		t.Error("transaction should commit")
	}
	if f.biller.announcedCredits != 1 {
		t.Error("refund event should be announced after commit")
	}
}

func TestCancel_RaceWithWorker(t *testing.T) {
	f := newFixture()
	f.orders.casResult = false
	f.orders.order = &models.ServerOrder{
		ID:     uuid.New(),
		UserID: f.userID,
		Status: models.OrderStatusPending,
		Price:  dec(t, "9.00"),
	}

	_, err := f.svc.Cancel(context.Background(), f.userID, f.orders.order.ID)
	if !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("err = %v, want ErrNotCancellable", err)
	}
	if len(f.biller.credits) != 0 {
		t.Error("no refund when the worker already claimed the order")
	}
	if f.db.tx.committed {
		t.Error("transaction must not commit")
	}
}

func TestCancel_OtherUsersOrder(t *testing.T) {
	f := newFixture()
	f.orders.order = &models.ServerOrder{
		ID:     uuid.New(),
		UserID: uuid.New(),
		Status: models.OrderStatusPending,
	}

	_, err := f.svc.Cancel(context.Background(), f.userID, f.orders.order.ID)
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// 3. Suspend / Unsuspend
// ---------------------------------------------------------------------------

func TestSuspendUnsuspend(t *testing.T) {
	f := newFixture()
	f.orders.order = &models.ServerOrder{
		ID:         uuid.New(),
		UserID:     f.userID,
		Status:     models.OrderStatusActive,
		VFServerID: 4242,
	}

	if err := f.svc.Suspend(context.Background(), f.orders.order.ID); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if len(f.vf.suspended) != 1 || f.vf.suspended[0] != 4242 {
		t.Errorf("suspended = %v, want [4242]", f.vf.suspended)
	}

	if err := f.svc.Unsuspend(context.Background(), f.orders.order.ID); err != nil {
		t.Fatalf("Unsuspend: %v", err)
	}
	if len(f.vf.unsuspended) != 1 || f.vf.unsuspended[0] != 4242 {
		t.Errorf("unsuspended = %v, want [4242]", f.vf.unsuspended)
	}
}

func TestSuspend_NoServer(t *testing.T) {
	f := newFixture()
	f.orders.order = &models.ServerOrder{
		ID:     uuid.New(),
		UserID: f.userID,
		Status: models.OrderStatusPending,
	}

	if err := f.svc.Suspend(context.Background(), f.orders.order.ID); !errors.Is(err, ErrNoServer) {
		t.Fatalf("err = %v, want ErrNoServer", err)
	}
	if err := f.svc.Suspend(context.Background(), uuid.New()); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}
