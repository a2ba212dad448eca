package configres_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/kranthikarthan/payment-engine/internal/configres"
	"github.com/kranthikarthan/payment-engine/internal/models"
	"github.com/kranthikarthan/payment-engine/internal/payerr"
)

func newMockResolver(t *testing.T, ttl time.Duration) (*configres.Resolver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{})
	require.NoError(t, err)

	return configres.NewResolver(gormDB, ttl, zap.NewNop()), mock
}

type entrySpec struct {
	level    models.ConfigLevel
	tenant   string
	service  string
	priority int
	payload  map[string]interface{}
	created  time.Time
}

func entryRows(t *testing.T, specs ...entrySpec) *sqlmock.Rows {
	t.Helper()
	rows := sqlmock.NewRows([]string{
		"id", "kind", "level", "tenant_id", "service_type", "priority", "payload", "is_active", "created_at",
	})
	for _, s := range specs {
		raw, err := json.Marshal(s.payload)
		require.NoError(t, err)
		rows.AddRow(uuid.New().String(), "", string(s.level), s.tenant, s.service, s.priority, raw, true, s.created)
	}
	return rows
}

func expectKindQuery(mock sqlmock.Sqlmock, kind models.ConfigKind, rows *sqlmock.Rows) {
	mock.ExpectQuery(`SELECT \* FROM "config_entries"`).
		WithArgs(string(kind), true).
		WillReturnRows(rows)
}

func expectEmptyChains(t *testing.T, mock sqlmock.Sqlmock, kinds ...models.ConfigKind) {
	for _, kind := range kinds {
		expectKindQuery(mock, kind, entryRows(t))
	}
}

// TestResolveOverridePrecedence tests that narrower levels override
// broader ones field by field while untouched fields survive.
func TestResolveOverridePrecedence(t *testing.T) {
	resolver, mock := newMockResolver(t, time.Minute)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	expectKindQuery(mock, models.KindResiliency, entryRows(t,
		entrySpec{
			level:   models.LevelClearingSystem,
			payload: map[string]interface{}{"max_attempts": 5, "timeout_ms": 1000},
			created: base,
		},
		entrySpec{
			level:   models.LevelTenant,
			tenant:  "tenant-a",
			payload: map[string]interface{}{"max_attempts": 2},
			created: base.Add(time.Hour),
		},
		// a different tenant's override must not apply
		entrySpec{
			level:   models.LevelTenant,
			tenant:  "tenant-b",
			payload: map[string]interface{}{"max_attempts": 9},
			created: base.Add(2 * time.Hour),
		},
	))
	expectEmptyChains(t, mock, models.KindAuth, models.KindMapping, models.KindFraudToggle, models.KindFraudPolicy)

	resolved, err := resolver.Resolve(context.Background(), configres.CallContext{
		Tenant:      "tenant-a",
		ServiceType: "core-banking",
	})
	require.NoError(t, err)

	require.NotNil(t, resolved.Resiliency.MaxAttempts)
	assert.Equal(t, 2, *resolved.Resiliency.MaxAttempts)
	require.NotNil(t, resolved.Resiliency.TimeoutMs)
	assert.Equal(t, 1000, *resolved.Resiliency.TimeoutMs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestResolveNoResiliencyConfig tests the mandatory-kind failure
func TestResolveNoResiliencyConfig(t *testing.T) {
	resolver, mock := newMockResolver(t, time.Minute)

	expectKindQuery(mock, models.KindResiliency, entryRows(t))

	_, err := resolver.Resolve(context.Background(), configres.CallContext{
		Tenant:      "tenant-a",
		ServiceType: "core-banking",
	})
	assert.ErrorIs(t, err, payerr.ErrNoConfigFound)
}

// TestResolveAmbiguousTie tests that two entries tying on level, key
// and priority refuse to resolve instead of picking silently.
func TestResolveAmbiguousTie(t *testing.T) {
	resolver, mock := newMockResolver(t, time.Minute)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	expectKindQuery(mock, models.KindResiliency, entryRows(t,
		entrySpec{
			level:    models.LevelTenant,
			tenant:   "tenant-a",
			priority: 10,
			payload:  map[string]interface{}{"max_attempts": 2},
			created:  base,
		},
		entrySpec{
			level:    models.LevelTenant,
			tenant:   "tenant-a",
			priority: 10,
			payload:  map[string]interface{}{"max_attempts": 4},
			created:  base,
		},
	))

	_, err := resolver.Resolve(context.Background(), configres.CallContext{
		Tenant: "tenant-a",
	})
	assert.ErrorIs(t, err, payerr.ErrAmbiguousConfig)
}

// TestResolvePriorityBreaksSameLevelConflict tests deterministic
// selection when two same-level entries differ in priority.
func TestResolvePriorityBreaksSameLevelConflict(t *testing.T) {
	resolver, mock := newMockResolver(t, time.Minute)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	expectKindQuery(mock, models.KindResiliency, entryRows(t,
		entrySpec{
			level:    models.LevelTenant,
			tenant:   "tenant-a",
			priority: 20,
			payload:  map[string]interface{}{"max_attempts": 7},
			created:  base,
		},
		entrySpec{
			level:    models.LevelTenant,
			tenant:   "tenant-a",
			priority: 10,
			payload:  map[string]interface{}{"max_attempts": 3},
			created:  base.Add(time.Hour),
		},
	))
	expectEmptyChains(t, mock, models.KindAuth, models.KindMapping, models.KindFraudToggle, models.KindFraudPolicy)

	resolved, err := resolver.Resolve(context.Background(), configres.CallContext{Tenant: "tenant-a"})
	require.NoError(t, err)
	require.NotNil(t, resolved.Resiliency.MaxAttempts)
	assert.Equal(t, 3, *resolved.Resiliency.MaxAttempts)
}

// TestResolveFraudToggleNarrowestWins tests first-match semantics for
// the fraud toggle rather than merging.
func TestResolveFraudToggleNarrowestWins(t *testing.T) {
	resolver, mock := newMockResolver(t, time.Minute)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	expectKindQuery(mock, models.KindResiliency, entryRows(t,
		entrySpec{level: models.LevelTenant, tenant: "tenant-a", payload: map[string]interface{}{}, created: base},
	))
	expectEmptyChains(t, mock, models.KindAuth, models.KindMapping)
	expectKindQuery(mock, models.KindFraudToggle, entryRows(t,
		entrySpec{
			level:   models.LevelTenant,
			tenant:  "tenant-a",
			payload: map[string]interface{}{"enabled": false, "reason": "tenant default off"},
			created: base,
		},
		entrySpec{
			level:   models.LevelDownstreamCall,
			tenant:  "tenant-a",
			service: "fraud-api",
			payload: map[string]interface{}{"enabled": true, "reason": "enabled for fraud calls"},
			created: base,
		},
	))
	expectEmptyChains(t, mock, models.KindFraudPolicy)

	resolved, err := resolver.Resolve(context.Background(), configres.CallContext{
		Tenant:      "tenant-a",
		ServiceType: "fraud-api",
	})
	require.NoError(t, err)
	assert.True(t, resolved.FraudToggle.Enabled)
	assert.Equal(t, "enabled for fraud calls", resolved.FraudToggle.Reason)
}

// TestResolveCachesUntilInvalidated tests the TTL cache and the
// explicit invalidation hook.
func TestResolveCachesUntilInvalidated(t *testing.T) {
	resolver, mock := newMockResolver(t, time.Minute)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	expectKindQuery(mock, models.KindResiliency, entryRows(t,
		entrySpec{level: models.LevelTenant, tenant: "tenant-a", payload: map[string]interface{}{"max_attempts": 2}, created: base},
	))
	expectEmptyChains(t, mock, models.KindAuth, models.KindMapping, models.KindFraudToggle, models.KindFraudPolicy)

	call := configres.CallContext{Tenant: "tenant-a", ServiceType: "core-banking"}

	first, err := resolver.Resolve(context.Background(), call)
	require.NoError(t, err)

	// served from cache, no further queries expected
	second, err := resolver.Resolve(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.NoError(t, mock.ExpectationsWereMet())

	// after invalidation the chain is recomputed
	resolver.Invalidate()
	expectKindQuery(mock, models.KindResiliency, entryRows(t,
		entrySpec{level: models.LevelTenant, tenant: "tenant-a", payload: map[string]interface{}{"max_attempts": 6}, created: base},
	))
	expectEmptyChains(t, mock, models.KindAuth, models.KindMapping, models.KindFraudToggle, models.KindFraudPolicy)

	third, err := resolver.Resolve(context.Background(), call)
	require.NoError(t, err)
	require.NotNil(t, third.Resiliency.MaxAttempts)
	assert.Equal(t, 6, *third.Resiliency.MaxAttempts)
}
