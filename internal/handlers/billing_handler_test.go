package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/halcyonhost/panel/internal/billing"
	"github.com/halcyonhost/panel/internal/jobs"
	"github.com/halcyonhost/panel/internal/middleware"
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

type appliedCredit struct {
	userID uuid.UUID
	amount decimal.Decimal
	src    billing.Source
}

type stubBiller struct {
	balance   decimal.Decimal
	entries   []*models.LedgerEntry
	applyErr  error
	applied   []appliedCredit
	announced int
}

func (s *stubBiller) Balance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	return s.balance, nil
}

func (s *stubBiller) ListEntries(ctx context.Context, userID uuid.UUID, f billing.EntryFilter) ([]*models.LedgerEntry, error) {
	return s.entries, nil
}

func (s *stubBiller) ListAllEntries(ctx context.Context, f billing.EntryFilter) ([]*models.LedgerEntry, error) {
	return s.entries, nil
}

func (s *stubBiller) ApplyCreditTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, src billing.Source) (*billing.CreditResult, error) {
	if s.applyErr != nil {
		return nil, s.applyErr
	}
	s.applied = append(s.applied, appliedCredit{userID: userID, amount: amount, src: src})
	credit := &models.LedgerEntry{
		ID:     uuid.New(),
		UserID: userID,
		Kind:   models.EntryKindCredit,
		Amount: amount,
		Status: models.EntryStatusCompleted,
	}
	return &billing.CreditResult{
		UserID:     userID,
		Credit:     credit,
		NewBalance: s.balance.Add(amount),
	}, nil
}

func (s *stubBiller) AnnounceApplied(ctx context.Context, res *billing.CreditResult) {
	s.announced++
}

type stubWebhookStore struct {
	duplicate bool
	claimed   []*models.WebhookEvent
	processed []*models.WebhookEvent
}

func (s *stubWebhookStore) InsertTx(ctx context.Context, tx pgx.Tx, w *models.WebhookEvent) (bool, error) {
	if s.duplicate {
		return false, nil
	}
	s.claimed = append(s.claimed, w)
	return true, nil
}

func (s *stubWebhookStore) MarkProcessed(ctx context.Context, w *models.WebhookEvent, processingError string) error {
	s.processed = append(s.processed, w)
	return nil
}

type pushCapture struct {
	args []jobs.PushCreditArgs
	err  error
}

func (c *pushCapture) insert(ctx context.Context, tx pgx.Tx, args jobs.PushCreditArgs) error {
	if c.err != nil {
		return c.err
	}
	c.args = append(c.args, args)
	return nil
}

type syncCapture struct {
	args []jobs.SyncUsageArgs
}

func (c *syncCapture) enqueue(ctx context.Context, args jobs.SyncUsageArgs) error {
	c.args = append(c.args, args)
	return nil
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

const testSecret = "whsec_test"

type billingFixture struct {
	handler *BillingHandler
	db      *fakeDB
	biller  *stubBiller
	store   *stubWebhookStore
	push    *pushCapture
	sync    *syncCapture
}

func newBillingFixture() *billingFixture {
	f := &billingFixture{
		db:     &fakeDB{},
		biller: &stubBiller{},
		store:  &stubWebhookStore{},
		push:   &pushCapture{},
		sync:   &syncCapture{},
	}
	f.handler = &BillingHandler{
		DB:            f.db,
		Billing:       f.biller,
		Webhooks:      f.store,
		InsertPush:    f.push.insert,
		EnqueueSync:   f.sync.enqueue,
		Provider:      "stripe",
		WebhookSecret: testSecret,
		Log:           slog.Default(),
	}
	return f
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func webhookRequest(body []byte, signature string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhooks/payment", bytes.NewReader(body))
	if signature != "" {
		r.Header.Set("X-Webhook-Signature", signature)
	}
	return r
}

func paymentEvent(userID uuid.UUID, amount string) []byte {
	body, _ := json.Marshal(map[string]string{
		"id":             "evt_123",
		"type":           "payment.succeeded",
		"user_id":        userID.String(),
		"amount":         amount,
		"method":         "card",
		"transaction_id": "ch_789",
	})
	return body
}

func authedRequest(method, target string, user *models.User) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	return r.WithContext(middleware.WithUser(r.Context(), user))
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

// ---------------------------------------------------------------------------
// Webhook
// ---------------------------------------------------------------------------

func TestPaymentWebhook_AppliesCredit(t *testing.T) {
	f := newBillingFixture()
	f.biller.balance = decimal.RequireFromString("-3.50")
	userID := uuid.New()
	body := paymentEvent(userID, "5.00")

	w := httptest.NewRecorder()
	f.handler.PaymentWebhook(w, webhookRequest(body, sign(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	decodeBody(t, w, &resp)
	if resp["status"] != "applied" {
		t.Errorf("status = %q, want applied", resp["status"])
	}
	if resp["new_balance"] != "1.50" {
		t.Errorf("new_balance = %q, want 1.50", resp["new_balance"])
	}

	if len(f.biller.applied) != 1 {
		t.Fatalf("applied %d credits, want 1", len(f.biller.applied))
	}
	got := f.biller.applied[0]
	if got.userID != userID || !got.amount.Equal(decimal.RequireFromString("5.00")) {
		t.Errorf("applied = %+v", got)
	}
	src, ok := got.src.(billing.PaymentSource)
	if !ok {
		t.Fatalf("source = %T, want PaymentSource", got.src)
	}
	if src.Method != "card" || src.TransactionID != "ch_789" {
		t.Errorf("payment source = %+v", src)
	}

	if len(f.push.args) != 1 {
		t.Fatalf("enqueued %d push jobs, want 1", len(f.push.args))
	}
	if f.push.args[0].UserID != userID || !f.push.args[0].Amount.Equal(got.amount) {
		t.Errorf("push args = %+v", f.push.args[0])
	}
	if f.db.tx == nil || !f.db.tx.committed {
		t.Error("transaction not committed")
	}
	if len(f.store.claimed) != 1 || len(f.store.processed) != 1 {
		t.Errorf("claimed %d, processed %d, want 1 each", len(f.store.claimed), len(f.store.processed))
	}
	if f.store.claimed[0].ProviderEventID != "evt_123" {
		t.Errorf("provider event id = %q", f.store.claimed[0].ProviderEventID)
	}
	if f.biller.announced != 1 {
		t.Errorf("announced %d times, want 1", f.biller.announced)
	}
}

func TestPaymentWebhook_BadSignature(t *testing.T) {
	f := newBillingFixture()
	body := paymentEvent(uuid.New(), "5.00")

	for _, sig := range []string{"", "deadbeef", sign([]byte("other body"))} {
		w := httptest.NewRecorder()
		f.handler.PaymentWebhook(w, webhookRequest(body, sig))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("signature %q: status = %d, want 401", sig, w.Code)
		}
	}
	if len(f.biller.applied) != 0 || len(f.store.claimed) != 0 {
		t.Error("rejected delivery must not touch the ledger")
	}
}

func TestPaymentWebhook_DuplicateDelivery(t *testing.T) {
	f := newBillingFixture()
	f.store.duplicate = true
	body := paymentEvent(uuid.New(), "5.00")

	w := httptest.NewRecorder()
	f.handler.PaymentWebhook(w, webhookRequest(body, sign(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]string
	decodeBody(t, w, &resp)
	if resp["status"] != "duplicate" {
		t.Errorf("status = %q, want duplicate", resp["status"])
	}
	if len(f.biller.applied) != 0 {
		t.Error("duplicate delivery must not re-apply the credit")
	}
	if f.db.tx.committed {
		t.Error("duplicate delivery must not commit")
	}
}

func TestPaymentWebhook_DuplicateTransaction(t *testing.T) {
	f := newBillingFixture()
	f.biller.applyErr = billing.ErrDuplicatePayment
	body := paymentEvent(uuid.New(), "5.00")

	w := httptest.NewRecorder()
	f.handler.PaymentWebhook(w, webhookRequest(body, sign(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]string
	decodeBody(t, w, &resp)
	if resp["status"] != "duplicate" {
		t.Errorf("status = %q, want duplicate", resp["status"])
	}
	if f.db.tx.committed {
		t.Error("claim must roll back so a redelivery can settle cleanly")
	}
	if len(f.push.args) != 0 || len(f.store.processed) != 0 {
		t.Error("nothing should be enqueued or stamped for a duplicate transaction")
	}
}

func TestPaymentWebhook_IgnoredEventType(t *testing.T) {
	f := newBillingFixture()
	body, _ := json.Marshal(map[string]string{"id": "evt_9", "type": "payment.refunded"})

	w := httptest.NewRecorder()
	f.handler.PaymentWebhook(w, webhookRequest(body, sign(body)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]string
	decodeBody(t, w, &resp)
	if resp["status"] != "ignored" {
		t.Errorf("status = %q, want ignored", resp["status"])
	}
	if len(f.store.claimed) != 0 || len(f.biller.applied) != 0 {
		t.Error("ignored event must not touch storage")
	}
}

func TestPaymentWebhook_InvalidAmount(t *testing.T) {
	f := newBillingFixture()
	for _, amount := range []string{"-5.00", "0", "abc"} {
		body := paymentEvent(uuid.New(), amount)
		w := httptest.NewRecorder()
		f.handler.PaymentWebhook(w, webhookRequest(body, sign(body)))
		if w.Code != http.StatusBadRequest {
			t.Errorf("amount %q: status = %d, want 400", amount, w.Code)
		}
	}
	if len(f.biller.applied) != 0 || len(f.store.claimed) != 0 {
		t.Error("invalid amounts must not persist anything")
	}
}

func TestPaymentWebhook_UnknownUser(t *testing.T) {
	f := newBillingFixture()
	f.biller.applyErr = pgx.ErrNoRows
	body := paymentEvent(uuid.New(), "5.00")

	w := httptest.NewRecorder()
	f.handler.PaymentWebhook(w, webhookRequest(body, sign(body)))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if f.db.tx.committed {
		t.Error("unknown user must roll back")
	}
}

func TestPaymentWebhook_EnqueueFailureRollsBack(t *testing.T) {
	f := newBillingFixture()
	f.push.err = context.DeadlineExceeded
	body := paymentEvent(uuid.New(), "5.00")

	w := httptest.NewRecorder()
	f.handler.PaymentWebhook(w, webhookRequest(body, sign(body)))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if f.db.tx.committed {
		t.Error("failed enqueue must roll the credit back")
	}
	if len(f.store.processed) != 0 {
		t.Error("failed delivery must not be stamped processed")
	}
}

// ---------------------------------------------------------------------------
// Admin grant
// ---------------------------------------------------------------------------

func TestGrantCredit(t *testing.T) {
	f := newBillingFixture()
	f.biller.balance = decimal.RequireFromString("-2.25")
	userID := uuid.New()
	body, _ := json.Marshal(map[string]string{
		"user_id":   userID.String(),
		"amount":    "5.00",
		"reference": "goodwill",
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/admin/billing/credits", bytes.NewReader(body))
	f.handler.GrantCredit(w, r)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp grantCreditResponse
	decodeBody(t, w, &resp)
	if resp.NewBalance != "2.75" {
		t.Errorf("new_balance = %q, want 2.75", resp.NewBalance)
	}

	if len(f.biller.applied) != 1 {
		t.Fatalf("applied %d credits, want 1", len(f.biller.applied))
	}
	src, ok := f.biller.applied[0].src.(billing.AdminGrant)
	if !ok {
		t.Fatalf("source = %T, want AdminGrant", f.biller.applied[0].src)
	}
	if src.Reference != "goodwill" {
		t.Errorf("reference = %q", src.Reference)
	}
	if len(f.push.args) != 1 {
		t.Errorf("enqueued %d push jobs, want 1", len(f.push.args))
	}
	if !f.db.tx.committed {
		t.Error("grant not committed")
	}
	if f.biller.announced != 1 {
		t.Errorf("announced %d times, want 1", f.biller.announced)
	}
}

func TestGrantCredit_SchemaRejectsBadPayloads(t *testing.T) {
	f := newBillingFixture()
	cases := []struct {
		name string
		body map[string]string
	}{
		{"missing user", map[string]string{"amount": "5.00"}},
		{"missing amount", map[string]string{"user_id": uuid.New().String()}},
		{"malformed user id", map[string]string{"user_id": "not-a-uuid", "amount": "5.00"}},
		{"negative amount", map[string]string{"user_id": uuid.New().String(), "amount": "-5.00"}},
		{"sub-cent amount", map[string]string{"user_id": uuid.New().String(), "amount": "5.001"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, _ := json.Marshal(tc.body)
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/api/v1/admin/billing/credits", bytes.NewReader(body))
			f.handler.GrantCredit(w, r)
			if w.Code != http.StatusUnprocessableEntity {
				t.Errorf("status = %d, want 422", w.Code)
			}
		})
	}
	if len(f.biller.applied) != 0 {
		t.Error("rejected payloads must not apply credits")
	}
}

func TestGrantCredit_ZeroAmount(t *testing.T) {
	f := newBillingFixture()
	f.biller.applyErr = billing.ErrInvalidAmount
	body, _ := json.Marshal(map[string]string{
		"user_id": uuid.New().String(),
		"amount":  "0",
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/admin/billing/credits", bytes.NewReader(body))
	f.handler.GrantCredit(w, r)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	if f.db.tx == nil || f.db.tx.committed {
		t.Error("zero grant must roll back")
	}
}

func TestGrantCredit_UnknownUser(t *testing.T) {
	f := newBillingFixture()
	f.biller.applyErr = pgx.ErrNoRows
	body, _ := json.Marshal(map[string]string{
		"user_id": uuid.New().String(),
		"amount":  "5.00",
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/admin/billing/credits", bytes.NewReader(body))
	f.handler.GrantCredit(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Balance and transactions
// ---------------------------------------------------------------------------

func TestBalance_NegativeReportsOutstanding(t *testing.T) {
	f := newBillingFixture()
	f.biller.balance = decimal.RequireFromString("-3.50")
	user := &models.User{ID: uuid.New(), Role: models.RoleCustomer}

	w := httptest.NewRecorder()
	f.handler.Balance(w, authedRequest(http.MethodGet, "/api/v1/billing/balance", user))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp balanceResponse
	decodeBody(t, w, &resp)
	if resp.Balance != "-3.50" || resp.Outstanding != "3.50" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestBalance_PositiveOmitsOutstanding(t *testing.T) {
	f := newBillingFixture()
	f.biller.balance = decimal.RequireFromString("10.00")
	user := &models.User{ID: uuid.New(), Role: models.RoleCustomer}

	w := httptest.NewRecorder()
	f.handler.Balance(w, authedRequest(http.MethodGet, "/api/v1/billing/balance", user))

	var resp map[string]string
	decodeBody(t, w, &resp)
	if resp["balance"] != "10.00" {
		t.Errorf("balance = %q", resp["balance"])
	}
	if _, present := resp["outstanding"]; present {
		t.Error("outstanding should be omitted for a positive balance")
	}
}

func TestListTransactions_FilterValidation(t *testing.T) {
	f := newBillingFixture()
	user := &models.User{ID: uuid.New(), Role: models.RoleCustomer}

	for _, target := range []string{
		"/api/v1/billing/transactions?kind=refund",
		"/api/v1/billing/transactions?limit=0",
		"/api/v1/billing/transactions?limit=abc",
		"/api/v1/billing/transactions?offset=-1",
	} {
		w := httptest.NewRecorder()
		f.handler.ListTransactions(w, authedRequest(http.MethodGet, target, user))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, w.Code)
		}
	}
}

// ---------------------------------------------------------------------------
// Usage sync trigger
// ---------------------------------------------------------------------------

func TestTriggerUsageSync_AllUsers(t *testing.T) {
	f := newBillingFixture()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/admin/billing/sync-usage", bytes.NewReader(nil))
	f.handler.TriggerUsageSync(w, r)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if len(f.sync.args) != 1 || f.sync.args[0].UserID != uuid.Nil {
		t.Errorf("sync args = %+v, want one all-users job", f.sync.args)
	}
}

func TestTriggerUsageSync_SingleUser(t *testing.T) {
	f := newBillingFixture()
	userID := uuid.New()
	body, _ := json.Marshal(map[string]string{"user_id": userID.String()})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/admin/billing/sync-usage", bytes.NewReader(body))
	f.handler.TriggerUsageSync(w, r)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if len(f.sync.args) != 1 || f.sync.args[0].UserID != userID {
		t.Errorf("sync args = %+v", f.sync.args)
	}
}
