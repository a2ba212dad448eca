package configres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kranthikarthan/payment-engine/internal/eventbus"
	"github.com/kranthikarthan/payment-engine/internal/models"
	"github.com/kranthikarthan/payment-engine/internal/payerr"
)

// CallContext identifies one downstream call for config resolution.
// Every component boundary passes this explicitly; there is no ambient
// tenant state.
type CallContext struct {
	Tenant          string
	PaymentType     string
	LocalInstrument string
	ClearingSystem  string
	ServiceType     string
	Endpoint        string
	Direction       string
	Now             time.Time
}

// CacheKey renders the context as a stable cache key.
func (c CallContext) CacheKey() string {
	return strings.Join([]string{
		c.Tenant, c.PaymentType, c.LocalInstrument, c.ClearingSystem,
		c.ServiceType, c.Endpoint, c.Direction,
	}, "|")
}

// ResolvedConfig is the effective configuration for one call context,
// merged least-specific to most-specific so narrower values override.
type ResolvedConfig struct {
	Resiliency  models.ResiliencyConfig
	Auth        models.AuthConfig
	MappingName string
	FraudToggle models.FraudToggle
	FraudPolicy models.FraudPolicy
}

// Resolver walks the level precedence chain over stored config
// entries. Results are cached with a short TTL and dropped whenever a
// config.changed event arrives.
type Resolver struct {
	db     *gorm.DB
	cache  *gocache.Cache
	logger *zap.Logger
}

// NewResolver creates a config resolver with the given cache TTL.
func NewResolver(db *gorm.DB, ttl time.Duration, logger *zap.Logger) *Resolver {
	return &Resolver{
		db:     db,
		cache:  gocache.New(ttl, 2*ttl),
		logger: logger,
	}
}

// WatchInvalidations subscribes to config change events and flushes
// the cache on every write. Writers publish after commit.
func (r *Resolver) WatchInvalidations(ctx context.Context, bus eventbus.EventBus) error {
	_, err := bus.Subscribe(ctx, eventbus.TopicConfigChanged, func(ctx context.Context, event map[string]interface{}) error {
		r.cache.Flush()
		r.logger.Debug("Config cache flushed", zap.Any("event", event))
		return nil
	})
	return err
}

// Invalidate drops all cached resolutions. Called directly by
// in-process config writers.
func (r *Resolver) Invalidate() {
	r.cache.Flush()
}

// Resolve computes the effective configuration for the call context.
// The resiliency kind is mandatory; everything else degrades to its
// zero value when absent.
func (r *Resolver) Resolve(ctx context.Context, call CallContext) (*ResolvedConfig, error) {
	if cached, ok := r.cache.Get(call.CacheKey()); ok {
		cfg := cached.(ResolvedConfig)
		return &cfg, nil
	}

	resolved := ResolvedConfig{}

	resiliencyChain, err := r.candidates(ctx, models.KindResiliency, call)
	if err != nil {
		return nil, err
	}
	if len(resiliencyChain) == 0 {
		return nil, payerr.Wrapf(payerr.ErrNoConfigFound, nil,
			"no active RESILIENCY config for tenant %s service %s", call.Tenant, call.ServiceType)
	}
	for _, entry := range resiliencyChain {
		var rc models.ResiliencyConfig
		if err := json.Unmarshal(entry.Payload, &rc); err != nil {
			return nil, fmt.Errorf("invalid RESILIENCY payload %s: %w", entry.ID, err)
		}
		resolved.Resiliency = resolved.Resiliency.Merge(rc)
	}

	authChain, err := r.candidates(ctx, models.KindAuth, call)
	if err != nil {
		return nil, err
	}
	for _, entry := range authChain {
		var ac models.AuthConfig
		if err := json.Unmarshal(entry.Payload, &ac); err != nil {
			return nil, fmt.Errorf("invalid AUTH payload %s: %w", entry.ID, err)
		}
		resolved.Auth = resolved.Auth.Merge(ac)
	}

	mappingChain, err := r.candidates(ctx, models.KindMapping, call)
	if err != nil {
		return nil, err
	}
	for _, entry := range mappingChain {
		var mc struct {
			MappingName string `json:"mapping_name"`
		}
		if err := json.Unmarshal(entry.Payload, &mc); err != nil {
			return nil, fmt.Errorf("invalid MAPPING payload %s: %w", entry.ID, err)
		}
		if mc.MappingName != "" {
			resolved.MappingName = mc.MappingName
		}
	}

	toggle, err := r.resolveFraudToggle(ctx, call)
	if err != nil {
		return nil, err
	}
	resolved.FraudToggle = toggle

	policyChain, err := r.candidates(ctx, models.KindFraudPolicy, call)
	if err != nil {
		return nil, err
	}
	for _, entry := range policyChain {
		var fp models.FraudPolicy
		if err := json.Unmarshal(entry.Payload, &fp); err != nil {
			return nil, fmt.Errorf("invalid FRAUD_POLICY payload %s: %w", entry.ID, err)
		}
		resolved.FraudPolicy = resolved.FraudPolicy.Merge(fp)
	}

	r.cache.Set(call.CacheKey(), resolved, gocache.DefaultExpiration)
	return &resolved, nil
}

// resolveFraudToggle returns the first match in the precedence chain,
// narrowest level first. Absence means disabled.
func (r *Resolver) resolveFraudToggle(ctx context.Context, call CallContext) (models.FraudToggle, error) {
	entries, err := r.candidates(ctx, models.KindFraudToggle, call)
	if err != nil {
		return models.FraudToggle{}, err
	}
	if len(entries) == 0 {
		return models.FraudToggle{Enabled: false, Reason: "no fraud toggle configured"}, nil
	}
	// candidates are ordered broadest-first; the narrowest wins.
	winner := entries[len(entries)-1]
	var toggle models.FraudToggle
	if err := json.Unmarshal(winner.Payload, &toggle); err != nil {
		return models.FraudToggle{}, fmt.Errorf("invalid FRAUD_TOGGLE payload %s: %w", winner.ID, err)
	}
	return toggle, nil
}

// candidates returns the applicable entries ordered broadest level
// first, at most one entry per level, with ambiguity detection at
// every level that contributes.
func (r *Resolver) candidates(ctx context.Context, kind models.ConfigKind, call CallContext) ([]models.ConfigEntry, error) {
	now := call.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var entries []models.ConfigEntry
	if err := r.db.WithContext(ctx).
		Where("kind = ? AND is_active = ?", kind, true).
		Order("created_at ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to load %s configs: %w", kind, err)
	}

	applicable := entries[:0]
	for _, e := range entries {
		if !e.InWindow(now) {
			continue
		}
		if !matches(e, call) {
			continue
		}
		applicable = append(applicable, e)
	}

	// Group per level, pick the winner within each, detect ties.
	byLevel := make(map[models.ConfigLevel][]models.ConfigEntry)
	for _, e := range applicable {
		byLevel[e.Level] = append(byLevel[e.Level], e)
	}

	levels := []models.ConfigLevel{
		models.LevelClearingSystem,
		models.LevelTenant,
		models.LevelPaymentType,
		models.LevelDownstreamCall,
	}

	var chain []models.ConfigEntry
	for _, level := range levels {
		group := byLevel[level]
		if len(group) == 0 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].Priority != group[j].Priority {
				return group[i].Priority < group[j].Priority
			}
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		})
		if len(group) > 1 && group[0].Priority == group[1].Priority && sameKey(group[0], group[1]) {
			return nil, payerr.Wrapf(payerr.ErrAmbiguousConfig, nil,
				"kind %s level %s: entries %s and %s tie on key and priority",
				kind, level, group[0].ID, group[1].ID)
		}
		chain = append(chain, group[0])
	}
	return chain, nil
}

// matches reports whether an entry's key constraints are a subset of
// the call context: empty entry fields match anything, non-empty
// fields must equal the context.
func matches(e models.ConfigEntry, call CallContext) bool {
	if e.TenantID != "" && e.TenantID != call.Tenant {
		return false
	}
	if e.PaymentType != "" && e.PaymentType != call.PaymentType {
		return false
	}
	if e.LocalInstrument != "" && e.LocalInstrument != call.LocalInstrument {
		return false
	}
	if e.ClearingSystem != "" && e.ClearingSystem != call.ClearingSystem {
		return false
	}
	if e.ServiceType != "" && e.ServiceType != call.ServiceType {
		return false
	}
	if e.Endpoint != "" && e.Endpoint != call.Endpoint {
		return false
	}
	if e.Direction != "" && e.Direction != call.Direction {
		return false
	}
	return true
}

func sameKey(a, b models.ConfigEntry) bool {
	return a.TenantID == b.TenantID &&
		a.PaymentType == b.PaymentType &&
		a.LocalInstrument == b.LocalInstrument &&
		a.ClearingSystem == b.ClearingSystem &&
		a.ServiceType == b.ServiceType &&
		a.Endpoint == b.Endpoint &&
		a.Direction == b.Direction
}
