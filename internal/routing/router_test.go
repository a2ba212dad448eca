package routing

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/kranthikarthan/payment-engine/internal/models"
	"github.com/kranthikarthan/payment-engine/internal/payerr"
)

func newMockRouter(t *testing.T) (*Router, sqlmock.Sqlmock) {
	t.Helper()
	return newMockRouterWithAccounts(t, nil)
}

func newMockRouterWithAccounts(t *testing.T, accounts AccountLookup) (*Router, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{})
	require.NoError(t, err)

	return NewRouter(gormDB, "LOCAL", accounts, zap.NewNop()), mock
}

// stubDirectory answers bank-code lookups from a fixed table.
type stubDirectory struct {
	codes map[string]string
}

func (s *stubDirectory) BankCodeOf(ctx context.Context, tenant, account string) (string, error) {
	return s.codes[account], nil
}

func mappingRows(specs ...models.TenantClearingMapping) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "payment_type", "local_instrument", "clearing_system_code", "priority", "is_active", "created_at",
	})
	for _, m := range specs {
		rows.AddRow(uuid.New().String(), m.TenantID, m.PaymentType, m.LocalInstrument, m.ClearingSystemCode, m.Priority, true, m.CreatedAt)
	}
	return rows
}

// TestBankCodeOf tests account reference parsing without a directory
func TestBankCodeOf(t *testing.T) {
	r, _ := newMockRouter(t)
	ctx := context.Background()

	code, err := r.bankCodeOf(ctx, "tenant-a", "FNB-10012345")
	require.NoError(t, err)
	assert.Equal(t, "FNB", code)

	code, err = r.bankCodeOf(ctx, "tenant-a", "10012345")
	require.NoError(t, err)
	assert.Equal(t, "LOCAL", code)

	code, err = r.bankCodeOf(ctx, "tenant-a", "LOCAL-10012345")
	require.NoError(t, err)
	assert.Equal(t, "LOCAL", code)

	// a leading dash is not a bank code separator
	code, err = r.bankCodeOf(ctx, "tenant-a", "-10012345")
	require.NoError(t, err)
	assert.Equal(t, "LOCAL", code)
}

// TestBankCodeOfConsultsAccountDirectory tests that bare account
// references resolve through the directory, not the local default.
func TestBankCodeOfConsultsAccountDirectory(t *testing.T) {
	dir := &stubDirectory{codes: map[string]string{
		"10012345": "FNB",
		"20067890": "LOCAL",
	}}
	r, _ := newMockRouterWithAccounts(t, dir)
	ctx := context.Background()

	code, err := r.bankCodeOf(ctx, "tenant-a", "10012345")
	require.NoError(t, err)
	assert.Equal(t, "FNB", code)

	code, err = r.bankCodeOf(ctx, "tenant-a", "20067890")
	require.NoError(t, err)
	assert.Equal(t, "LOCAL", code)

	// prefixed references still answer without a lookup
	code, err = r.bankCodeOf(ctx, "tenant-a", "CHAS-333")
	require.NoError(t, err)
	assert.Equal(t, "CHAS", code)
}

// TestDecideBareForeignAccountLeavesTheBank tests that a bare account
// the directory places at another bank does not settle locally.
func TestDecideBareForeignAccountLeavesTheBank(t *testing.T) {
	dir := &stubDirectory{codes: map[string]string{"987654": "FNB"}}
	r, mock := newMockRouterWithAccounts(t, dir)

	mock.ExpectQuery(`SELECT \* FROM "tenant_clearing_mappings"`).
		WithArgs("tenant-a", true).
		WillReturnRows(mappingRows())

	_, err := r.Decide(context.Background(), &models.PaymentInstruction{
		TenantID:    "tenant-a",
		Source:      models.SourceBankClient,
		FromAccount: "LOCAL-111",
		ToAccount:   "987654",
		PaymentType: "CREDIT_TRANSFER",
	}, "pacs.008")
	// reaching mapping selection proves the SAME_BANK shortcut was not
	// taken for the foreign account
	assert.ErrorIs(t, err, payerr.ErrNoRouteFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestDecideIncomingClearing tests that clearing-sourced instructions
// never route outward.
func TestDecideIncomingClearing(t *testing.T) {
	r, _ := newMockRouter(t)

	d, err := r.Decide(context.Background(), &models.PaymentInstruction{
		Source:      models.SourceClearingSystem,
		FromAccount: "FNB-1",
		ToAccount:   "LOCAL-2",
	}, "pacs.008")
	require.NoError(t, err)
	assert.Equal(t, RouteIncomingClearing, d.Route)
}

// TestDecideSameBank tests the local settlement shortcut
func TestDecideSameBank(t *testing.T) {
	r, _ := newMockRouter(t)

	d, err := r.Decide(context.Background(), &models.PaymentInstruction{
		Source:      models.SourceBankClient,
		FromAccount: "LOCAL-111",
		ToAccount:   "222",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, RouteSameBank, d.Route)
	assert.Nil(t, d.ClearingSystem)
}

// TestDecideMostSpecificMappingWins tests mapping selection by
// specificity, then priority, then age.
func TestDecideMostSpecificMappingWins(t *testing.T) {
	r, mock := newMockRouter(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT \* FROM "tenant_clearing_mappings"`).
		WithArgs("tenant-a", true).
		WillReturnRows(mappingRows(
			models.TenantClearingMapping{TenantID: "tenant-a", ClearingSystemCode: "SEPA", Priority: 10, CreatedAt: base},
			models.TenantClearingMapping{TenantID: "tenant-a", PaymentType: "CREDIT_TRANSFER", ClearingSystemCode: "FEDWIRE", Priority: 50, CreatedAt: base},
			// matches, but the wrong instrument must be filtered out
			models.TenantClearingMapping{TenantID: "tenant-a", PaymentType: "CREDIT_TRANSFER", LocalInstrument: "RTP", ClearingSystemCode: "CHAPS", Priority: 1, CreatedAt: base},
		))

	mock.ExpectQuery(`SELECT \* FROM "clearing_systems"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "code", "name", "is_active"}).
			AddRow(uuid.New().String(), "FEDWIRE", "Fedwire Funds Service", true))

	mock.ExpectQuery(`SELECT \* FROM "clearing_system_endpoints"`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "clearing_system_code", "name", "endpoint_type", "message_type", "url", "http_method", "priority", "is_active",
		}).
			AddRow(uuid.New().String(), "FEDWIRE", "secondary", "SYNC", "pacs.008", "http://fedwire/b", "POST", 20, true).
			AddRow(uuid.New().String(), "FEDWIRE", "primary", "SYNC", "pacs.008", "http://fedwire/a", "POST", 10, true).
			AddRow(uuid.New().String(), "FEDWIRE", "status", "SYNC", "pacs.028", "http://fedwire/s", "POST", 1, true).
			AddRow(uuid.New().String(), "FEDWIRE", "retired", "SYNC", "pacs.008", "http://fedwire/old", "POST", 1, false))

	d, err := r.Decide(context.Background(), &models.PaymentInstruction{
		TenantID:    "tenant-a",
		Source:      models.SourceBankClient,
		FromAccount: "LOCAL-111",
		ToAccount:   "FNB-222",
		PaymentType: "CREDIT_TRANSFER",
	}, "pacs.008")
	require.NoError(t, err)

	assert.Equal(t, RouteOtherBank, d.Route)
	assert.Equal(t, "FEDWIRE", d.ClearingSystem.Code)
	assert.Equal(t, "primary", d.Endpoint.Name)
	assert.Equal(t, "pacs.008", d.MessageType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestDecideEndpointMatchesProcessingMode tests that an asynchronous
// clearing system dispatches through its ASYNC endpoint even when a
// SYNC endpoint carries a better priority.
func TestDecideEndpointMatchesProcessingMode(t *testing.T) {
	r, mock := newMockRouter(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT \* FROM "tenant_clearing_mappings"`).
		WithArgs("tenant-a", true).
		WillReturnRows(mappingRows(
			models.TenantClearingMapping{TenantID: "tenant-a", ClearingSystemCode: "SEPA", Priority: 10, CreatedAt: base},
		))

	mock.ExpectQuery(`SELECT \* FROM "clearing_systems"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "code", "name", "processing_mode", "is_active"}).
			AddRow(uuid.New().String(), "SEPA", "SEPA Credit Transfer", "ASYNCHRONOUS", true))

	mock.ExpectQuery(`SELECT \* FROM "clearing_system_endpoints"`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "clearing_system_code", "name", "endpoint_type", "message_type", "url", "http_method", "priority", "is_active",
		}).
			AddRow(uuid.New().String(), "SEPA", "sync", "SYNC", "pacs.008", "http://sepa/sync", "POST", 1, true).
			AddRow(uuid.New().String(), "SEPA", "async", "ASYNC", "pacs.008", "http://sepa/async", "POST", 50, true))

	d, err := r.Decide(context.Background(), &models.PaymentInstruction{
		TenantID:    "tenant-a",
		Source:      models.SourceBankClient,
		FromAccount: "LOCAL-111",
		ToAccount:   "FNB-222",
		PaymentType: "CREDIT_TRANSFER",
	}, "pacs.008")
	require.NoError(t, err)

	assert.Equal(t, "async", d.Endpoint.Name)
	assert.Equal(t, models.ModeAsynchronous, d.ProcessingMode)
	assert.Equal(t, "pacs.008", d.MessageType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestEndpointTypeFor tests the processing-mode to endpoint-type table
func TestEndpointTypeFor(t *testing.T) {
	assert.Equal(t, models.EndpointSync, endpointTypeFor(models.ModeSynchronous))
	assert.Equal(t, models.EndpointAsync, endpointTypeFor(models.ModeAsynchronous))
	assert.Equal(t, models.EndpointPolling, endpointTypeFor(models.ModeBatch))
	assert.Equal(t, models.EndpointType(""), endpointTypeFor(""))
}

// TestDecideNoRoute tests the no-mapping failure
func TestDecideNoRoute(t *testing.T) {
	r, mock := newMockRouter(t)

	mock.ExpectQuery(`SELECT \* FROM "tenant_clearing_mappings"`).
		WithArgs("tenant-a", true).
		WillReturnRows(mappingRows())

	_, err := r.Decide(context.Background(), &models.PaymentInstruction{
		TenantID:    "tenant-a",
		Source:      models.SourceBankClient,
		FromAccount: "LOCAL-111",
		ToAccount:   "FNB-222",
		PaymentType: "CREDIT_TRANSFER",
	}, "pacs.008")
	assert.ErrorIs(t, err, payerr.ErrNoRouteFound)
}

// TestDecideUnsupportedMessageType tests endpoint filtering by message type
func TestDecideUnsupportedMessageType(t *testing.T) {
	r, mock := newMockRouter(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT \* FROM "tenant_clearing_mappings"`).
		WithArgs("tenant-a", true).
		WillReturnRows(mappingRows(
			models.TenantClearingMapping{TenantID: "tenant-a", ClearingSystemCode: "SEPA", Priority: 10, CreatedAt: base},
		))

	mock.ExpectQuery(`SELECT \* FROM "clearing_systems"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "code", "name", "is_active"}).
			AddRow(uuid.New().String(), "SEPA", "SEPA Credit Transfer", true))

	mock.ExpectQuery(`SELECT \* FROM "clearing_system_endpoints"`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "clearing_system_code", "name", "endpoint_type", "message_type", "url", "http_method", "priority", "is_active",
		}).
			AddRow(uuid.New().String(), "SEPA", "status", "SYNC", "pacs.028", "http://sepa/s", "POST", 1, true))

	_, err := r.Decide(context.Background(), &models.PaymentInstruction{
		TenantID:    "tenant-a",
		Source:      models.SourceBankClient,
		FromAccount: "LOCAL-111",
		ToAccount:   "FNB-222",
		PaymentType: "CREDIT_TRANSFER",
	}, "pacs.008")
	assert.ErrorIs(t, err, payerr.ErrUnsupportedMessageType)
}
