package virtfusion

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "test-token", nil)
	c.pollInterval = time.Millisecond
	return c, srv
}

// ---------------------------------------------------------------------------
// 1. TestClient_RetriesServerErrors
// ---------------------------------------------------------------------------

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"data": {"id": 7, "name": "alice", "email": "alice@example.com"}}`))
	}))

	u, err := c.GetUser(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.ID != 7 || u.Email != "alice@example.com" {
		t.Errorf("user = %+v", u)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", got)
	}
}

// ---------------------------------------------------------------------------
// 2. TestClient_ClientErrorNotRetried
// ---------------------------------------------------------------------------

func TestClient_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message": "hostname already taken"}`))
	}))

	_, err := c.CreateServer(context.Background(), CreateServerRequest{PackageID: 1, UserID: 7, Hostname: "web-01"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", apiErr.StatusCode)
	}
	if apiErr.Message != "hostname already taken" {
		t.Errorf("message = %q", apiErr.Message)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1 (no retries on 4xx)", got)
	}
}

// ---------------------------------------------------------------------------
// 3. TestClient_AddCredit
// ---------------------------------------------------------------------------

func TestClient_AddCredit(t *testing.T) {
	var gotPath, gotAuth, gotBody string
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Write([]byte(`{"data": {}}`))
	}))

	if err := c.AddCredit(context.Background(), 42, decimal.RequireFromString("12.50")); err != nil {
		t.Fatalf("AddCredit: %v", err)
	}
	if gotPath != "/users/42/credit" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotBody != `{"tokens":12.5}` {
		t.Errorf("body = %q, want unquoted numeric tokens", gotBody)
	}
}

// ---------------------------------------------------------------------------
// 4. TestClient_ListPackages
// ---------------------------------------------------------------------------

func TestClient_ListPackages(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/packages" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"data": [
			{"id": 3, "name": "VPS 2GB", "enabled": true, "cpuCores": 2, "memory": 2048, "primaryStorage": 40, "traffic": 2000},
			{"id": 4, "name": "VPS 4GB", "enabled": false, "cpuCores": 4, "memory": 4096, "primaryStorage": 80, "traffic": 4000}
		]}`))
	}))

	pkgs, err := c.ListPackages(context.Background())
	if err != nil {
		t.Fatalf("ListPackages: %v", err)
	}
	if len(pkgs) != 2 {
		t.Fatalf("got %d packages, want 2", len(pkgs))
	}
	if pkgs[0].Memory != 2048 || pkgs[1].CPUCores != 4 {
		t.Errorf("packages = %+v", pkgs)
	}
}

// ---------------------------------------------------------------------------
// 5. TestClient_WaitServerReady
// ---------------------------------------------------------------------------

func TestClient_WaitServerReady(t *testing.T) {
	var calls atomic.Int32
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Write([]byte(`{"data": {"id": 9, "built": false, "state": "building"}}`))
			return
		}
		w.Write([]byte(`{"data": {"id": 9, "built": true, "state": "complete", "hostname": "web-01"}}`))
	}))

	s, err := c.WaitServerReady(context.Background(), 9)
	if err != nil {
		t.Fatalf("WaitServerReady: %v", err)
	}
	if !s.Built || s.Hostname != "web-01" {
		t.Errorf("server = %+v", s)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}
