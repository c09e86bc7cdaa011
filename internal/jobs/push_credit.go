package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/shopspring/decimal"

	"github.com/halcyonhost/panel/internal/models"
	"github.com/halcyonhost/panel/internal/virtfusion"
)

type PushCreditArgs struct {
	UserID  uuid.UUID       `json:"user_id"`
	Amount  decimal.Decimal `json:"amount"`
	EntryID uuid.UUID       `json:"entry_id"`
}

func (PushCreditArgs) Kind() string { return "push_credit" }

// VFCreditor is the control plane surface for pushing purchased credit.
type VFCreditor interface {
	VFUsers
	AddCredit(ctx context.Context, vfUserID int, tokens decimal.Decimal) error
}

// PushCreditWorker mirrors a ledger credit to the user's control plane token
// balance so upstream resource billing draws from the purchased amount.
type PushCreditWorker struct {
	river.WorkerDefaults[PushCreditArgs]
	users UserStore
	vf    VFCreditor
	log   *slog.Logger
}

func NewPushCreditWorker(users UserStore, vf VFCreditor, log *slog.Logger) *PushCreditWorker {
	if log == nil {
		log = slog.Default()
	}
	return &PushCreditWorker{users: users, vf: vf, log: log}
}

func (w *PushCreditWorker) Work(ctx context.Context, job *river.Job[PushCreditArgs]) error {
	args := job.Args

	user, err := w.users.GetByID(ctx, args.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			w.log.Error("credit push for unknown user", "user_id", args.UserID, "entry_id", args.EntryID)
			return nil
		}
		return err
	}

	if err := w.push(ctx, user, args.Amount); err != nil {
		var apiErr *virtfusion.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			// The control plane rejected the push; retrying cannot fix it.
			// Logged loudly so the drift gets reconciled by hand.
			w.log.Error("credit push rejected upstream",
				"user_id", args.UserID, "entry_id", args.EntryID, "amount", args.Amount, "error", err)
			return nil
		}
		return err
	}

	w.log.Info("credit pushed upstream",
		"user_id", args.UserID, "vf_user_id", user.VFUserID, "amount", args.Amount, "entry_id", args.EntryID)
	return nil
}

func (w *PushCreditWorker) push(ctx context.Context, user *models.User, amount decimal.Decimal) error {
	vfUserID, err := ensureVFUser(ctx, w.users, w.vf, user)
	if err != nil {
		return err
	}
	return w.vf.AddCredit(ctx, vfUserID, amount)
}
