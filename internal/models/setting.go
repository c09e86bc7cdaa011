package models

import "time"

// Known settings keys.
const (
	SettingMaintenanceMode    = "maintenance_mode"
	SettingMaintenanceMessage = "maintenance_message"
	SettingBrandName          = "brand_name"
	SettingSupportEmail       = "support_email"
)

type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
