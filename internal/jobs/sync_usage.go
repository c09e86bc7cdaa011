package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/shopspring/decimal"

	"github.com/halcyonhost/panel/internal/billing"
	"github.com/halcyonhost/panel/internal/models"
)

// SyncUsageArgs targets one user, or every linked user when UserID is zero
// (the periodic schedule enqueues it that way).
type SyncUsageArgs struct {
	UserID uuid.UUID `json:"user_id"`
}

func (SyncUsageArgs) Kind() string { return "sync_usage" }

// UsageSyncer is the billing surface that turns upstream token drops into
// ledger deductions.
type UsageSyncer interface {
	SyncUsage(ctx context.Context, userID uuid.UUID, reported decimal.Decimal) (*billing.SyncResult, error)
}

// SyncUsageWorker pulls each linked user's token balance from the control
// plane and reconciles the local ledger against it.
type SyncUsageWorker struct {
	river.WorkerDefaults[SyncUsageArgs]
	users   UserStore
	vf      VFUsers
	billing UsageSyncer
	log     *slog.Logger
}

func NewSyncUsageWorker(users UserStore, vf VFUsers, usage UsageSyncer, log *slog.Logger) *SyncUsageWorker {
	if log == nil {
		log = slog.Default()
	}
	return &SyncUsageWorker{users: users, vf: vf, billing: usage, log: log}
}

func (w *SyncUsageWorker) Work(ctx context.Context, job *river.Job[SyncUsageArgs]) error {
	if job.Args.UserID != uuid.Nil {
		user, err := w.users.GetByID(ctx, job.Args.UserID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				w.log.Error("usage sync for unknown user", "user_id", job.Args.UserID)
				return nil
			}
			return err
		}
		return w.syncOne(ctx, user)
	}

	users, err := w.users.List(ctx)
	if err != nil {
		return err
	}
	failures := 0
	for _, u := range users {
		if u.VFUserID == 0 {
			continue
		}
		if err := w.syncOne(ctx, u); err != nil {
			failures++
			w.log.Warn("usage sync failed for user", "user_id", u.ID, "error", err)
		}
	}
	if failures > 0 {
		return fmt.Errorf("usage sync finished with %d failures", failures)
	}
	return nil
}

func (w *SyncUsageWorker) syncOne(ctx context.Context, u *models.User) error {
	// Nothing to reconcile until the account is linked upstream.
	if u.VFUserID == 0 {
		return nil
	}

	vfUser, err := w.vf.GetUser(ctx, u.VFUserID)
	if err != nil {
		return err
	}
	reported, err := vfUser.TokenBalance()
	if err != nil {
		return fmt.Errorf("parse token balance: %w", err)
	}

	res, err := w.billing.SyncUsage(ctx, u.ID, reported)
	if err != nil {
		return err
	}
	if res.Entry != nil {
		w.log.Info("usage deduction recorded",
			"user_id", u.ID, "amount", res.Entry.Amount, "new_balance", res.NewBalance)
	}
	return nil
}
