package transform

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kranthikarthan/payment-engine/internal/eventbus"
	"github.com/kranthikarthan/payment-engine/internal/models"
	"github.com/kranthikarthan/payment-engine/internal/payerr"
)

// Store loads tenant-scoped payload mappings by name, with a short TTL
// cache dropped on config.changed events.
type Store struct {
	db     *gorm.DB
	cache  *gocache.Cache
	logger *zap.Logger
}

// NewStore creates a mapping store.
func NewStore(db *gorm.DB, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		cache:  gocache.New(ttl, ttl),
		logger: logger,
	}
}

// Get returns the active mapping (tenant, name).
func (s *Store) Get(ctx context.Context, tenant, name string) (*models.PayloadMapping, error) {
	key := tenant + "|" + name
	if v, ok := s.cache.Get(key); ok {
		return v.(*models.PayloadMapping), nil
	}
	var mapping models.PayloadMapping
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND name = ? AND is_active = ?", tenant, name, true).
		First(&mapping).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, payerr.Wrapf(payerr.ErrNoConfigFound, nil, "no mapping %s for tenant %s", name, tenant)
		}
		return nil, fmt.Errorf("loading mapping %s: %w", name, err)
	}
	s.cache.Set(key, &mapping, gocache.DefaultExpiration)
	return &mapping, nil
}

// WatchInvalidations flushes the cache on any config change.
func (s *Store) WatchInvalidations(ctx context.Context, bus eventbus.EventBus) error {
	_, err := bus.Subscribe(ctx, eventbus.TopicConfigChanged, func(ctx context.Context, event map[string]interface{}) error {
		s.cache.Flush()
		return nil
	})
	return err
}
