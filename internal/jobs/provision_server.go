package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/shopspring/decimal"

	"github.com/halcyonhost/panel/internal/billing"
	"github.com/halcyonhost/panel/internal/events"
	"github.com/halcyonhost/panel/internal/metrics"
	"github.com/halcyonhost/panel/internal/models"
	"github.com/halcyonhost/panel/internal/virtfusion"
)

type ProvisionServerArgs struct {
	OrderID uuid.UUID `json:"order_id"`
}

func (ProvisionServerArgs) Kind() string { return "provision_server" }

// OrderStore is the slice of the order repository the worker needs.
type OrderStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.ServerOrder, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, fromStatus, toStatus string) (bool, error)
	SetServerID(ctx context.Context, id uuid.UUID, vfServerID int) error
	MarkActive(ctx context.Context, id uuid.UUID, vfServerID int) error
	MarkFailed(ctx context.Context, id uuid.UUID, note string) error
}

type PackageStore interface {
	GetPackage(ctx context.Context, id uuid.UUID) (*models.Package, error)
}

// VFProvisioner is the control plane surface for building servers.
type VFProvisioner interface {
	VFUsers
	CreateServer(ctx context.Context, req virtfusion.CreateServerRequest) (*virtfusion.Server, error)
	WaitServerReady(ctx context.Context, id int) (*virtfusion.Server, error)
}

// Refunder returns the order price when provisioning fails for good.
type Refunder interface {
	ApplyCredit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, src billing.Source) (*billing.CreditResult, error)
}

// ProvisionServerWorker builds the VPS for a paid order: it creates the
// control plane account on first order, creates the server, waits for the
// build, and settles the order either way.
type ProvisionServerWorker struct {
	river.WorkerDefaults[ProvisionServerArgs]
	orders   OrderStore
	packages PackageStore
	users    UserStore
	vf       VFProvisioner
	billing  Refunder
	bus      events.Bus
	log      *slog.Logger
}

func NewProvisionServerWorker(orders OrderStore, packages PackageStore, users UserStore, vf VFProvisioner, refunds Refunder, bus events.Bus, log *slog.Logger) *ProvisionServerWorker {
	if bus == nil {
		bus = events.NopBus{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &ProvisionServerWorker{orders: orders, packages: packages, users: users, vf: vf, billing: refunds, bus: bus, log: log}
}

func (w *ProvisionServerWorker) Work(ctx context.Context, job *river.Job[ProvisionServerArgs]) error {
	order, err := w.orders.GetByID(ctx, job.Args.OrderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			w.log.Error("provision job for unknown order", "order_id", job.Args.OrderID)
			return nil
		}
		return err
	}

	switch order.Status {
	case models.OrderStatusPending:
		ok, err := w.orders.UpdateStatus(ctx, order.ID, models.OrderStatusPending, models.OrderStatusProvisioning)
		if err != nil {
			return err
		}
		if !ok {
			// Cancelled between enqueue and pickup.
			w.log.Info("order no longer pending, skipping", "order_id", order.ID)
			return nil
		}
	case models.OrderStatusProvisioning:
		// Retry attempt, continue from the recorded server if any.
	default:
		w.log.Info("order not in a provisionable state", "order_id", order.ID, "status", order.Status)
		return nil
	}

	server, err := w.provision(ctx, order)
	if err != nil {
		var apiErr *virtfusion.APIError
		permanent := errors.As(err, &apiErr) && apiErr.StatusCode < 500
		if permanent || job.Attempt >= job.MaxAttempts {
			return w.fail(ctx, order, err)
		}
		return err
	}

	if err := w.orders.MarkActive(ctx, order.ID, server.ID); err != nil {
		return err
	}
	metrics.ProvisionJobs.WithLabelValues("success").Inc()
	w.publish(events.SubjectServerProvisioned, events.ServerEvent{
		UserID:     order.UserID,
		OrderID:    order.ID,
		Hostname:   order.Hostname,
		VFServerID: server.ID,
	})
	w.log.Info("server provisioned", "order_id", order.ID, "vf_server_id", server.ID, "hostname", order.Hostname)
	return nil
}

// provision performs the upstream calls. It records the server id as soon as
// the server exists so a retry resumes the build wait instead of creating a
// second server.
func (w *ProvisionServerWorker) provision(ctx context.Context, order *models.ServerOrder) (*virtfusion.Server, error) {
	serverID := order.VFServerID
	if serverID == 0 {
		user, err := w.users.GetByID(ctx, order.UserID)
		if err != nil {
			return nil, err
		}
		vfUserID, err := ensureVFUser(ctx, w.users, w.vf, user)
		if err != nil {
			return nil, err
		}

		pkg, err := w.packages.GetPackage(ctx, order.PackageID)
		if err != nil {
			return nil, err
		}

		server, err := w.vf.CreateServer(ctx, virtfusion.CreateServerRequest{
			PackageID: pkg.VFPackageID,
			UserID:    vfUserID,
			Hostname:  order.Hostname,
			IPv4:      1,
		})
		if err != nil {
			return nil, fmt.Errorf("create server: %w", err)
		}
		serverID = server.ID
		if err := w.orders.SetServerID(ctx, order.ID, serverID); err != nil {
			return nil, err
		}
		order.VFServerID = serverID
	}

	server, err := w.vf.WaitServerReady(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("wait for build: %w", err)
	}
	return server, nil
}

// fail settles a dead order: the status records the reason, the charge is
// returned to the wallet, and the failure event goes out. Returns nil so the
// job is not retried further.
func (w *ProvisionServerWorker) fail(ctx context.Context, order *models.ServerOrder, cause error) error {
	w.log.Error("provisioning failed", "order_id", order.ID, "error", cause)

	if err := w.orders.MarkFailed(ctx, order.ID, cause.Error()); err != nil {
		return fmt.Errorf("provisioning failed (%v) and order could not be marked: %w", cause, err)
	}
	metrics.ProvisionJobs.WithLabelValues("failed").Inc()

	if order.Price.Sign() > 0 {
		ref := fmt.Sprintf("order %s refund", order.ID)
		if _, err := w.billing.ApplyCredit(ctx, order.UserID, order.Price, billing.AdminGrant{Reference: ref}); err != nil {
			// A retry cannot reach this branch again once the order is
			// failed, so surface it for a manual grant instead of
			// risking a double credit.
			w.log.Error("refund failed, grant manually",
				"order_id", order.ID, "user_id", order.UserID, "amount", order.Price, "error", err)
		}
	}

	w.publish(events.SubjectServerFailed, events.ServerEvent{
		UserID:   order.UserID,
		OrderID:  order.ID,
		Hostname: order.Hostname,
		Reason:   cause.Error(),
	})
	return nil
}

func (w *ProvisionServerWorker) publish(subject string, event events.ServerEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		w.log.Error("marshal server event", "subject", subject, "error", err)
		return
	}
	if err := w.bus.Publish(subject, data); err != nil {
		w.log.Warn("publish server event failed", "subject", subject, "error", err)
	}
}
