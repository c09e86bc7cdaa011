package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/halcyonhost/panel/internal/models"
	"github.com/halcyonhost/panel/internal/virtfusion"
)

// UpstreamLister is the slice of the platform client the sync needs.
type UpstreamLister interface {
	ListPackages(ctx context.Context) ([]virtfusion.Package, error)
}

// PackageStore abstracts the package writes so tests don't need a pool.
type PackageStore interface {
	UpsertFromUpstream(ctx context.Context, p *models.Package) (bool, error)
	DeactivateMissing(ctx context.Context, vfIDs []int) (int64, error)
}

type SyncResult struct {
	Created     int `json:"created"`
	Updated     int `json:"updated"`
	Deactivated int `json:"deactivated"`
}

// Syncer mirrors the platform's package list into the local catalog. New
// packages land inactive so admins can price them before they go on sale;
// packages that disappear (or are disabled) upstream are hidden.
type Syncer struct {
	Store PackageStore
	VF    UpstreamLister
	Log   *slog.Logger
}

func NewSyncer(store PackageStore, vf UpstreamLister, log *slog.Logger) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{Store: store, VF: vf, Log: log}
}

func (s *Syncer) Sync(ctx context.Context) (*SyncResult, error) {
	ups, err := s.VF.ListPackages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list upstream packages: %w", err)
	}

	res := &SyncResult{}
	vfIDs := make([]int, 0, len(ups))
	for _, up := range ups {
		if !up.Enabled {
			continue
		}
		vfIDs = append(vfIDs, up.ID)

		p := &models.Package{
			ID:          uuid.New(),
			VFPackageID: up.ID,
			Name:        up.Name,
			CPUCores:    up.CPUCores,
			MemoryMB:    up.Memory,
			DiskGB:      up.PrimaryStorage,
			BandwidthGB: up.Traffic,
		}
		inserted, err := s.Store.UpsertFromUpstream(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("upsert package %d: %w", up.ID, err)
		}
		if inserted {
			res.Created++
		} else {
			res.Updated++
		}
	}

	gone, err := s.Store.DeactivateMissing(ctx, vfIDs)
	if err != nil {
		return nil, fmt.Errorf("deactivate missing packages: %w", err)
	}
	res.Deactivated = int(gone)

	s.Log.Info("package sync complete",
		"created", res.Created, "updated", res.Updated, "deactivated", res.Deactivated)
	return res, nil
}
