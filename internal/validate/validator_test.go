package validate

import (
	"strings"
	"testing"
)

func TestBody_CouponCreate(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name: "valid percent coupon",
			body: `{"code": "SUMMER-25", "kind": "percent", "value": "25", "max_redemptions": 100}`,
		},
		{
			name: "valid credit coupon without code",
			body: `{"kind": "credit", "value": "10.00"}`,
		},
		{
			name:    "unknown kind",
			body:    `{"kind": "bogo", "value": "10.00"}`,
			wantErr: "/kind",
		},
		{
			name:    "value not a decimal string",
			body:    `{"kind": "credit", "value": 10}`,
			wantErr: "/value",
		},
		{
			name:    "missing value",
			body:    `{"kind": "credit"}`,
			wantErr: "value",
		},
		{
			name:    "unexpected field",
			body:    `{"kind": "credit", "value": "10.00", "discount": true}`,
			wantErr: "discount",
		},
		{
			name:    "not JSON",
			body:    `{"kind": `,
			wantErr: "invalid JSON",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Body("coupon_create", []byte(tc.body))
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Body() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Body() = nil, want error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err.Error(), tc.wantErr)
			}
		})
	}
}

func TestBody_ServerOrder(t *testing.T) {
	valid := `{"package_id": "0b2ddbd2-3be3-4b57-8184-6c4be3f66f1e", "hostname": "web-01.example.com"}`
	if err := Body("server_order", []byte(valid)); err != nil {
		t.Fatalf("Body() = %v, want nil", err)
	}

	badHost := `{"package_id": "0b2ddbd2-3be3-4b57-8184-6c4be3f66f1e", "hostname": "-bad-"}`
	if err := Body("server_order", []byte(badHost)); err == nil {
		t.Error("hostname starting with a dash should fail")
	}

	badID := `{"package_id": "42", "hostname": "web-01"}`
	if err := Body("server_order", []byte(badID)); err == nil {
		t.Error("non-uuid package_id should fail")
	}
}

func TestBody_PackageUpdate(t *testing.T) {
	if err := Body("package_update", []byte(`{"price_monthly": "12.50", "active": true}`)); err != nil {
		t.Fatalf("Body() = %v, want nil", err)
	}
	if err := Body("package_update", []byte(`{}`)); err == nil {
		t.Error("empty update should fail minProperties")
	}
	if err := Body("package_update", []byte(`{"price_monthly": "12.505"}`)); err == nil {
		t.Error("three decimal places should fail the money pattern")
	}
}

func TestBody_UnknownSchemaPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for unknown schema name")
		}
	}()
	_ = Body("no_such_schema", []byte(`{}`))
}
