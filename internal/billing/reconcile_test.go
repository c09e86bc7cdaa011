package billing

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/halcyonhost/panel/internal/models"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// ---------------------------------------------------------------------------
// 1. TestReconcile_NegativeBalance
//    Balance -3.50, credit 5.00 → deduction -3.50, new balance 1.50.
// ---------------------------------------------------------------------------

func TestReconcile_NegativeBalance(t *testing.T) {
	src := PaymentSource{Method: "card", TransactionID: "ch_1001"}

	rec, err := Reconcile(dec("-3.50"), dec("5.00"), src)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if rec.Credit.Kind != models.EntryKindCredit {
		t.Errorf("credit kind: got %q, want %q", rec.Credit.Kind, models.EntryKindCredit)
	}
	if !rec.Credit.Amount.Equal(dec("5.00")) {
		t.Errorf("credit amount: got %s, want 5.00", rec.Credit.Amount)
	}
	if rec.Credit.Status != models.EntryStatusCompleted {
		t.Errorf("credit status: got %q, want %q", rec.Credit.Status, models.EntryStatusCompleted)
	}
	if rec.Credit.PaymentMethod == nil || *rec.Credit.PaymentMethod != "card" {
		t.Error("credit entry should carry the payment method")
	}
	if rec.Credit.PaymentReference == nil || *rec.Credit.PaymentReference != "ch_1001" {
		t.Error("credit entry should carry the gateway transaction id")
	}

	if rec.Deduction == nil {
		t.Fatal("expected a deduction entry for a negative starting balance")
	}
	if rec.Deduction.Kind != models.EntryKindDeduction {
		t.Errorf("deduction kind: got %q, want %q", rec.Deduction.Kind, models.EntryKindDeduction)
	}
	if !rec.Deduction.Amount.Equal(dec("-3.50")) {
		t.Errorf("deduction amount: got %s, want -3.50", rec.Deduction.Amount)
	}
	if !strings.Contains(rec.Deduction.Description, rec.Credit.Description) {
		t.Errorf("deduction description %q should reference the credit description %q",
			rec.Deduction.Description, rec.Credit.Description)
	}
	if rec.Deduction.PaymentMethod != nil || rec.Deduction.PaymentReference != nil {
		t.Error("deduction entry must not carry payment metadata")
	}

	if !rec.NewBalance.Equal(dec("1.50")) {
		t.Errorf("new balance: got %s, want 1.50", rec.NewBalance)
	}
}

// ---------------------------------------------------------------------------
// 2. TestReconcile_AdminGrant
//    Balance -2.25, grant 5.00 → deduction -2.25, new balance 2.75,
//    no payment metadata on the credit entry.
// ---------------------------------------------------------------------------

func TestReconcile_AdminGrant(t *testing.T) {
	rec, err := Reconcile(dec("-2.25"), dec("5.00"), AdminGrant{Reference: "goodwill"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if rec.Credit.PaymentMethod != nil || rec.Credit.PaymentReference != nil {
		t.Error("admin grant credit must not carry payment metadata")
	}
	if !strings.Contains(rec.Credit.Description, "goodwill") {
		t.Errorf("credit description %q should carry the grant reference", rec.Credit.Description)
	}

	if rec.Deduction == nil {
		t.Fatal("expected a deduction entry")
	}
	if !rec.Deduction.Amount.Equal(dec("-2.25")) {
		t.Errorf("deduction amount: got %s, want -2.25", rec.Deduction.Amount)
	}
	if !rec.NewBalance.Equal(dec("2.75")) {
		t.Errorf("new balance: got %s, want 2.75", rec.NewBalance)
	}
}

// ---------------------------------------------------------------------------
// 3. TestReconcile_PositiveBalance
//    Balance 10.00, credit 5.00 → no deduction, new balance 15.00.
// ---------------------------------------------------------------------------

func TestReconcile_PositiveBalance(t *testing.T) {
	rec, err := Reconcile(dec("10.00"), dec("5.00"), PaymentSource{Method: "paypal", TransactionID: "pp_7"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rec.Deduction != nil {
		t.Errorf("expected no deduction for a positive balance, got %+v", rec.Deduction)
	}
	if !rec.NewBalance.Equal(dec("15.00")) {
		t.Errorf("new balance: got %s, want 15.00", rec.NewBalance)
	}
}

// Zero starting balance behaves like positive: no deduction.
func TestReconcile_ZeroBalance(t *testing.T) {
	rec, err := Reconcile(dec("0"), dec("5.00"), AdminGrant{})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rec.Deduction != nil {
		t.Error("expected no deduction for a zero balance")
	}
	if !rec.NewBalance.Equal(dec("5.00")) {
		t.Errorf("new balance: got %s, want 5.00", rec.NewBalance)
	}
}

// ---------------------------------------------------------------------------
// 4. TestReconcile_DeductionCappedAtCredit
//    Balance -10.00, credit 5.00 → deduction -5.00 (capped), new -5.00.
// ---------------------------------------------------------------------------

func TestReconcile_DeductionCappedAtCredit(t *testing.T) {
	rec, err := Reconcile(dec("-10.00"), dec("5.00"), PaymentSource{Method: "card", TransactionID: "ch_1002"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rec.Deduction == nil {
		t.Fatal("expected a deduction entry")
	}
	if !rec.Deduction.Amount.Equal(dec("-5.00")) {
		t.Errorf("deduction must be capped at the credit amount: got %s, want -5.00", rec.Deduction.Amount)
	}
	if !rec.NewBalance.Equal(dec("-5.00")) {
		t.Errorf("new balance: got %s, want -5.00", rec.NewBalance)
	}
}

// ---------------------------------------------------------------------------
// 5. TestReconcile_InvalidAmount
// ---------------------------------------------------------------------------

func TestReconcile_InvalidAmount(t *testing.T) {
	for _, amount := range []string{"0", "-1.00", "-0.01"} {
		rec, err := Reconcile(dec("10.00"), dec(amount), AdminGrant{})
		if !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("amount %s: expected ErrInvalidAmount, got %v", amount, err)
		}
		if rec.Deduction != nil || !rec.Credit.Amount.IsZero() {
			t.Errorf("amount %s: expected zero-value result on error", amount)
		}
	}
}

// ---------------------------------------------------------------------------
// 6. TestReconcile_Deterministic
//    Identical inputs must produce structurally identical results.
// ---------------------------------------------------------------------------

func TestReconcile_Deterministic(t *testing.T) {
	src := PaymentSource{Method: "card", TransactionID: "ch_2000"}

	a, err := Reconcile(dec("-4.25"), dec("6.00"), src)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	b, err := Reconcile(dec("-4.25"), dec("6.00"), src)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("results differ between identical calls:\n  first:  %+v\n  second: %+v", a, b)
	}
}

// ---------------------------------------------------------------------------
// 7. TestReconcile_NewBalanceNeverDoubleApplies
//    Across a spread of inputs: new balance == current + amount, and any
//    deduction equals -min(|current|, amount).
// ---------------------------------------------------------------------------

func TestReconcile_NewBalanceNeverDoubleApplies(t *testing.T) {
	cases := []struct{ balance, amount string }{
		{"-3.50", "5.00"},
		{"-2.25", "5.00"},
		{"10.00", "5.00"},
		{"-10.00", "5.00"},
		{"-0.01", "0.01"},
		{"-100.00", "0.50"},
		{"0.00", "12.34"},
		{"999.99", "0.01"},
	}
	for _, tc := range cases {
		balance, amount := dec(tc.balance), dec(tc.amount)
		rec, err := Reconcile(balance, amount, AdminGrant{})
		if err != nil {
			t.Fatalf("Reconcile(%s, %s): %v", tc.balance, tc.amount, err)
		}
		if want := balance.Add(amount); !rec.NewBalance.Equal(want) {
			t.Errorf("Reconcile(%s, %s): new balance %s, want %s", tc.balance, tc.amount, rec.NewBalance, want)
		}
		if balance.Sign() < 0 {
			want := decimal.Min(balance.Neg(), amount).Neg()
			if rec.Deduction == nil {
				t.Errorf("Reconcile(%s, %s): missing deduction", tc.balance, tc.amount)
			} else if !rec.Deduction.Amount.Equal(want) {
				t.Errorf("Reconcile(%s, %s): deduction %s, want %s", tc.balance, tc.amount, rec.Deduction.Amount, want)
			}
		} else if rec.Deduction != nil {
			t.Errorf("Reconcile(%s, %s): unexpected deduction %+v", tc.balance, tc.amount, rec.Deduction)
		}
	}
}
