package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PackageCategory struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	SortOrder int       `json:"sort_order"`
	CreatedAt time.Time `json:"created_at"`
}

// SLA is an admin-configured service level tier attached to packages.
// CreditPercent is the monthly credit granted when UptimePercent is missed.
type SLA struct {
	ID                  uuid.UUID       `json:"id"`
	Name                string          `json:"name"`
	UptimePercent       decimal.Decimal `json:"uptime_percent"`
	ResponseTimeMinutes int             `json:"response_time_minutes"`
	CreditPercent       decimal.Decimal `json:"credit_percent"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Package is a sellable VPS plan. VFPackageID ties it to the upstream
// platform's package; specs are refreshed from upstream on sync while
// pricing and visibility stay admin-owned.
type Package struct {
	ID           uuid.UUID       `json:"id"`
	VFPackageID  int             `json:"vf_package_id"`
	Name         string          `json:"name"`
	CategoryID   *uuid.UUID      `json:"category_id,omitempty"`
	SLAID        *uuid.UUID      `json:"sla_id,omitempty"`
	PriceMonthly decimal.Decimal `json:"price_monthly"`
	CPUCores     int             `json:"cpu_cores"`
	MemoryMB     int             `json:"memory_mb"`
	DiskGB       int             `json:"disk_gb"`
	BandwidthGB  int             `json:"bandwidth_gb"`
	SortOrder    int             `json:"sort_order"`
	Active       bool            `json:"active"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
