package jobs

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/halcyonhost/panel/internal/models"
	"github.com/halcyonhost/panel/internal/virtfusion"
)

// UserStore is the slice of the user repository the workers need.
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	List(ctx context.Context) ([]*models.User, error)
	SetVFUserID(ctx context.Context, id uuid.UUID, vfUserID int) error
}

// VFUsers is the control plane surface for account linking.
type VFUsers interface {
	GetUser(ctx context.Context, id int) (*virtfusion.User, error)
	CreateUser(ctx context.Context, req virtfusion.CreateUserRequest) (*virtfusion.User, error)
}

// ensureVFUser returns the control plane account id for a portal user,
// creating the upstream account on first use and recording the link.
func ensureVFUser(ctx context.Context, users UserStore, vf VFUsers, u *models.User) (int, error) {
	if u.VFUserID != 0 {
		return u.VFUserID, nil
	}
	created, err := vf.CreateUser(ctx, virtfusion.CreateUserRequest{Name: u.DisplayName, Email: u.Email})
	if err != nil {
		return 0, fmt.Errorf("create control plane user: %w", err)
	}
	if err := users.SetVFUserID(ctx, u.ID, created.ID); err != nil {
		return 0, err
	}
	u.VFUserID = created.ID
	return created.ID, nil
}
