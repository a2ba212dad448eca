package repair

import (
	"context"
	"math/rand"
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
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{})
	require.NoError(t, err)

	store := NewStore(gormDB, zap.NewNop())
	store.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	store.rand = rand.New(rand.NewSource(1))
	return store, mock
}

func repairRow(id uuid.UUID, status models.RepairStatus) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "transaction_reference", "repair_type", "repair_status", "retry_count", "max_retries", "priority",
	}).AddRow(id.String(), "tenant-a", "TX-1", "CREDIT_FAILED", string(status), 0, 3, 7)
}

// TestJitterBounds tests the ±10% spread
func TestJitterBounds(t *testing.T) {
	s, _ := newMockStore(t)

	for i := 0; i < 200; i++ {
		w := s.jitter(time.Second)
		assert.GreaterOrEqual(t, w, 900*time.Millisecond)
		assert.LessOrEqual(t, w, 1100*time.Millisecond)
	}
}

// TestCreateReturnsExistingOpenRepair tests the one-open-repair-per-payment rule
func TestCreateReturnsExistingOpenRepair(t *testing.T) {
	s, mock := newMockStore(t)
	existingID := uuid.New()

	mock.ExpectQuery(`SELECT \* FROM "repair_records"`).
		WillReturnRows(repairRow(existingID, models.RepairPending))

	rec, err := s.Create(context.Background(), &models.RepairRecord{
		TenantID:             "tenant-a",
		TransactionReference: "TX-1",
		RepairType:           models.RepairCreditTimeout,
	})
	require.NoError(t, err)
	assert.Equal(t, existingID, rec.ID)
	assert.Equal(t, models.RepairCreditFailed, rec.RepairType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestCreateRevivesTerminalRepair tests reuse of a resolved record for
// a fresh failure of the same payment.
func TestCreateRevivesTerminalRepair(t *testing.T) {
	s, mock := newMockStore(t)
	existingID := uuid.New()

	mock.ExpectQuery(`SELECT \* FROM "repair_records"`).
		WillReturnRows(repairRow(existingID, models.RepairResolved))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "repair_records"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := s.Create(context.Background(), &models.RepairRecord{
		TenantID:             "tenant-a",
		TransactionReference: "TX-1",
		RepairType:           models.RepairCreditTimeout,
		DebitStatus:          models.LegSucceeded,
		CreditStatus:         models.LegFailed,
		Priority:             8,
	})
	require.NoError(t, err)
	assert.Equal(t, existingID, rec.ID)
	assert.Equal(t, models.RepairPending, rec.RepairStatus)
	assert.Equal(t, models.RepairCreditTimeout, rec.RepairType)
	assert.Equal(t, 0, rec.RetryCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestBackoffWait tests the exponential schedule: base scaled by the
// multiplier once per recorded retry, capped.
func TestBackoffWait(t *testing.T) {
	assert.Equal(t, 30*time.Second, backoffWait(30*time.Second, 2.0, 0))
	assert.Equal(t, time.Minute, backoffWait(30*time.Second, 2.0, 1))
	assert.Equal(t, 2*time.Minute, backoffWait(30*time.Second, 2.0, 2))
	assert.Equal(t, 4*time.Minute, backoffWait(30*time.Second, 2.0, 3))
	assert.Equal(t, maxBackoffWait, backoffWait(30*time.Second, 2.0, 20))
}

// TestPickNextBatchScopedToTenant tests that a tenant-scoped claim
// only considers that tenant's records.
func TestPickNextBatchScopedToTenant(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "repair_records" WHERE .*tenant_id = \$3`).
		WillReturnRows(repairRow(id, models.RepairPending))
	mock.ExpectExec(`UPDATE "repair_records"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := s.PickNextBatch(context.Background(), "tenant-a", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)
	assert.Equal(t, models.RepairInProgress, claimed[0].RepairStatus)
	assert.NotEmpty(t, claimed[0].ClaimToken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestRescheduleEscalatesWhenExhausted tests that the retry budget
// flips the record to human attention instead of waiting again.
func TestRescheduleEscalatesWhenExhausted(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "repair_records"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec := &models.RepairRecord{
		ID:         uuid.New(),
		RetryCount: 2,
		MaxRetries: 3,
	}
	err := s.Reschedule(context.Background(), rec, 30*time.Second, 2.0, "leg still failing")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.RetryCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestRescheduleBacksOff tests the PENDING re-queue path below budget
func TestRescheduleBacksOff(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "repair_records"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec := &models.RepairRecord{
		ID:         uuid.New(),
		RetryCount: 0,
		MaxRetries: 3,
	}
	err := s.Reschedule(context.Background(), rec, 30*time.Second, 2.0, "transient")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.RetryCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}
