package settings

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/halcyonhost/panel/internal/models"
)

const (
	KeyMaintenanceMode    = "maintenance_mode"
	KeyMaintenanceMessage = "maintenance_message"
	KeyBrandName          = "brand_name"
	KeySupportEmail       = "support_email"
)

// settingTTL bounds how stale the maintenance flag can be across replicas.
const settingTTL = 15 * time.Second

var (
	ErrUnknownKey   = errors.New("unknown setting key")
	ErrInvalidValue = errors.New("invalid setting value")
)

var knownKeys = map[string]bool{
	KeyMaintenanceMode:    true,
	KeyMaintenanceMessage: true,
	KeyBrandName:          true,
	KeySupportEmail:       true,
}

type Store interface {
	Get(ctx context.Context, key string) (*models.Setting, error)
	Set(ctx context.Context, key, value string) error
	All(ctx context.Context) ([]*models.Setting, error)
}

// Service reads and writes portal settings with a short redis cache in front
// of the hot maintenance flag. A nil redis client disables caching.
type Service struct {
	Repo  Store
	Cache *redis.Client
	Log   *slog.Logger
}

func NewService(repo Store, cache *redis.Client, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{Repo: repo, Cache: cache, Log: log}
}

// MaintenanceEnabled reports the maintenance flag and banner message.
// Lookup failures fail open so a flaky settings read can't take the portal
// down.
func (s *Service) MaintenanceEnabled(ctx context.Context) (bool, string) {
	if s.cachedGet(ctx, KeyMaintenanceMode) != "true" {
		return false, ""
	}
	return true, s.cachedGet(ctx, KeyMaintenanceMessage)
}

func (s *Service) cachedGet(ctx context.Context, key string) string {
	if s.Cache != nil {
		if v, err := s.Cache.Get(ctx, cacheKey(key)).Result(); err == nil {
			return v
		}
	}
	st, err := s.Repo.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			s.Log.Warn("setting lookup failed", "key", key, "error", err)
		}
		return ""
	}
	if s.Cache != nil {
		if err := s.Cache.Set(ctx, cacheKey(key), st.Value, settingTTL).Err(); err != nil {
			s.Log.Warn("setting cache write failed", "key", key, "error", err)
		}
	}
	return st.Value
}

// Set validates and persists a setting, then drops the cached copy so the
// change shows up within one request rather than one TTL.
func (s *Service) Set(ctx context.Context, key, value string) error {
	if !knownKeys[key] {
		return ErrUnknownKey
	}
	if key == KeyMaintenanceMode && value != "true" && value != "false" {
		return ErrInvalidValue
	}
	if err := s.Repo.Set(ctx, key, value); err != nil {
		return err
	}
	if s.Cache != nil {
		if err := s.Cache.Del(ctx, cacheKey(key)).Err(); err != nil {
			s.Log.Warn("setting cache invalidate failed", "key", key, "error", err)
		}
	}
	s.Log.Info("setting updated", "key", key)
	return nil
}

func (s *Service) All(ctx context.Context) ([]*models.Setting, error) {
	return s.Repo.All(ctx)
}

// Meta is the public branding blob served to the storefront.
type Meta struct {
	BrandName          string `json:"brand_name"`
	SupportEmail       string `json:"support_email"`
	Maintenance        bool   `json:"maintenance"`
	MaintenanceMessage string `json:"maintenance_message,omitempty"`
}

func (s *Service) Meta(ctx context.Context) *Meta {
	enabled, msg := s.MaintenanceEnabled(ctx)
	return &Meta{
		BrandName:          s.cachedGet(ctx, KeyBrandName),
		SupportEmail:       s.cachedGet(ctx, KeySupportEmail),
		Maintenance:        enabled,
		MaintenanceMessage: msg,
	}
}

func cacheKey(key string) string {
	return "panel:setting:" + key
}
