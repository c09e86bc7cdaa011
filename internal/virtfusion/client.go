// Package virtfusion is a client for the VirtFusion control plane API. The
// portal treats VirtFusion as the system of record for servers and resource
// usage; the client mirrors only the endpoints the portal drives.
package virtfusion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/halcyonhost/panel/internal/metrics"
)

const (
	requestTimeout = 15 * time.Second
	retryBase      = 500 * time.Millisecond
	maxRetries     = 3
)

// APIError is a non-retryable rejection from the control plane (4xx).
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("virtfusion: %d %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *slog.Logger

	// pollInterval paces WaitServerReady. Shortened in tests.
	pollInterval time.Duration
}

func NewClient(baseURL, token string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		httpClient:   &http.Client{Timeout: requestTimeout},
		log:          log,
		pollInterval: 3 * time.Second,
	}
}

// User is a control plane account linked to a portal user via VFUserID.
type User struct {
	ID            int         `json:"id"`
	Name          string      `json:"name"`
	Email         string      `json:"email"`
	ExtRelationID int         `json:"extRelationId"`
	Tokens        json.Number `json:"tokens"`
}

// TokenBalance converts the reported token balance. A missing field reads as
// zero.
func (u *User) TokenBalance() (decimal.Decimal, error) {
	if u.Tokens == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(u.Tokens.String())
}

// Server is the control plane's view of a VPS.
type Server struct {
	ID        int    `json:"id"`
	OwnerID   int    `json:"ownerId"`
	Hostname  string `json:"hostname"`
	State     string `json:"state"`
	Built     bool   `json:"built"`
	UUID      string `json:"uuid"`
	Suspended bool   `json:"suspended"`
}

// Package is a control plane server plan. Specs come from here; pricing and
// visibility stay in the portal.
type Package struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	Enabled        bool   `json:"enabled"`
	CPUCores       int    `json:"cpuCores"`
	Memory         int    `json:"memory"`
	PrimaryStorage int    `json:"primaryStorage"`
	Traffic        int    `json:"traffic"`
}

type CreateUserRequest struct {
	Name          string `json:"name"`
	Email         string `json:"email"`
	ExtRelationID int    `json:"extRelationId,omitempty"`
	SendMail      bool   `json:"sendMail"`
}

type CreateServerRequest struct {
	PackageID int    `json:"packageId"`
	UserID    int    `json:"userId"`
	Hostname  string `json:"hostname"`
	IPv4      int    `json:"ipv4"`
}

type addCreditRequest struct {
	// json.Number marshals unquoted, which is what the API expects.
	Tokens json.Number `json:"tokens"`
}

// GetUser fetches a control plane user by its own id.
func (c *Client) GetUser(ctx context.Context, id int) (*User, error) {
	var u User
	if err := c.do(ctx, "get_user", http.MethodGet, fmt.Sprintf("/users/%d", id), nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByExtRelation fetches a control plane user by the external relation
// id a billing system attached to it.
func (c *Client) GetUserByExtRelation(ctx context.Context, extRelationID int) (*User, error) {
	var u User
	if err := c.do(ctx, "get_user_by_ext_relation", http.MethodGet, fmt.Sprintf("/users/%d/byExtRelation", extRelationID), nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser provisions a control plane account for a portal user.
func (c *Client) CreateUser(ctx context.Context, req CreateUserRequest) (*User, error) {
	var u User
	if err := c.do(ctx, "create_user", http.MethodPost, "/users", req, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// AddCredit pushes purchased tokens to the user's control plane balance.
func (c *Client) AddCredit(ctx context.Context, vfUserID int, tokens decimal.Decimal) error {
	body := addCreditRequest{Tokens: json.Number(tokens.String())}
	return c.do(ctx, "add_credit", http.MethodPost, fmt.Sprintf("/users/%d/credit", vfUserID), body, nil)
}

// CreateServer asks the control plane to create a VPS. The server comes back
// unbuilt; use WaitServerReady before reporting it active.
func (c *Client) CreateServer(ctx context.Context, req CreateServerRequest) (*Server, error) {
	var s Server
	if err := c.do(ctx, "create_server", http.MethodPost, "/servers", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) GetServer(ctx context.Context, id int) (*Server, error) {
	var s Server
	if err := c.do(ctx, "get_server", http.MethodGet, fmt.Sprintf("/servers/%d", id), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// WaitServerReady polls until the server reports built, bounded by ctx and a
// capped number of attempts.
func (c *Client) WaitServerReady(ctx context.Context, id int) (*Server, error) {
	var out *Server
	backoff := retry.WithMaxRetries(20, retry.NewConstant(c.pollInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, err := c.GetServer(ctx, id)
		if err != nil {
			return err
		}
		if !s.Built {
			return retry.RetryableError(fmt.Errorf("server %d not built yet (state %s)", id, s.State))
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SuspendServer(ctx context.Context, id int) error {
	return c.do(ctx, "suspend_server", http.MethodPost, fmt.Sprintf("/servers/%d/suspend", id), nil, nil)
}

func (c *Client) UnsuspendServer(ctx context.Context, id int) error {
	return c.do(ctx, "unsuspend_server", http.MethodPost, fmt.Sprintf("/servers/%d/unsuspend", id), nil, nil)
}

// ListPackages returns every plan the control plane knows, enabled or not.
func (c *Client) ListPackages(ctx context.Context) ([]Package, error) {
	var pkgs []Package
	if err := c.do(ctx, "list_packages", http.MethodGet, "/packages", nil, &pkgs); err != nil {
		return nil, err
	}
	return pkgs, nil
}

// do runs one API call with bearer auth, bounded retries on transport
// failures and 5xx, and latency observation. 4xx responses surface as
// *APIError and are never retried.
func (c *Client) do(ctx context.Context, operation, method, path string, body, out any) error {
	timer := prometheus.NewTimer(metrics.UpstreamRequestDuration.WithLabelValues(operation))
	defer timer.ObserveDuration()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", operation, err)
		}
	}

	backoff := retry.WithMaxRetries(maxRetries, retry.NewExponential(retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create %s request: %w", operation, err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.log.Warn("control plane request failed", "operation", operation, "error", err)
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return retry.RetryableError(fmt.Errorf("read %s response: %w", operation, err))
		}

		switch {
		case resp.StatusCode >= 500:
			c.log.Warn("control plane server error", "operation", operation, "status", resp.StatusCode)
			return retry.RetryableError(&APIError{StatusCode: resp.StatusCode, Message: apiMessage(raw)})
		case resp.StatusCode >= 400:
			return &APIError{StatusCode: resp.StatusCode, Message: apiMessage(raw)}
		}

		if out == nil {
			return nil
		}
		return decodeData(raw, out)
	})
}

// decodeData unwraps the {"data": ...} envelope the API puts around payloads.
func decodeData(raw []byte, out any) error {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(envelope.Data) == 0 {
		return json.Unmarshal(raw, out)
	}
	return json.Unmarshal(envelope.Data, out)
}

func apiMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Msg     string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Msg != "" {
			return body.Msg
		}
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return strings.TrimSpace(string(raw))
}
