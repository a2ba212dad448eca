package queue

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

func queuedRows(ids ...uuid.UUID) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "service_name", "message_type", "url", "http_method", "status", "priority", "retry_count", "max_retries",
	})
	for _, id := range ids {
		rows.AddRow(id.String(), "tenant-a", "clearing", "pacs.008", "http://clearing/v1", "POST", "PENDING", 5, 0, 3)
	}
	return rows
}

// TestClaimBatch tests that due messages flip to PROCESSING under a
// fresh claim token inside one transaction.
func TestClaimBatch(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "queued_messages" .* FOR UPDATE SKIP LOCKED`).
		WillReturnRows(queuedRows(uuid.New(), uuid.New()))
	mock.ExpectExec(`UPDATE "queued_messages"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "queued_messages"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := s.ClaimBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, msg := range claimed {
		assert.Equal(t, models.QueueProcessing, msg.Status)
		assert.NotEmpty(t, msg.ClaimToken)
		assert.NotNil(t, msg.ProcessingStartedAt)
	}
	assert.NotEqual(t, claimed[0].ClaimToken, claimed[1].ClaimToken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestMarkRetrySchedulesBackoff tests the re-queue path below the
// retry budget. The settle must be fenced by the claim token.
func TestMarkRetrySchedulesBackoff(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "queued_messages" SET .+ WHERE id = \$\d+ AND claim_token = \$\d+$`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	msg := &models.QueuedMessage{
		ID:         uuid.New(),
		RetryCount: 0,
		MaxRetries: 3,
		ClaimToken: "tok-1",
	}
	err := s.MarkRetry(context.Background(), msg, 30*time.Second, 2.0, "downstream returned 503")
	require.NoError(t, err)
	assert.Equal(t, 1, msg.RetryCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestMarkRetryExhaustsBudget tests that the last retry expires the
// message instead of waiting again.
func TestMarkRetryExhaustsBudget(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "queued_messages" SET .+ WHERE id = \$\d+$`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	msg := &models.QueuedMessage{
		ID:         uuid.New(),
		RetryCount: 2,
		MaxRetries: 3,
		ClaimToken: "tok-1",
	}
	err := s.MarkRetry(context.Background(), msg, 30*time.Second, 2.0, "downstream returned 503")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestMarkRetryExpiresPastDeadline tests the wall-clock expiry even
// when retries remain.
func TestMarkRetryExpiresPastDeadline(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "queued_messages" SET .+ WHERE id = \$\d+$`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	deadline := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	msg := &models.QueuedMessage{
		ID:         uuid.New(),
		RetryCount: 0,
		MaxRetries: 3,
		ExpiresAt:  &deadline,
		ClaimToken: "tok-1",
	}
	err := s.MarkRetry(context.Background(), msg, 30*time.Second, 2.0, "downstream returned 503")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestReclaimStuck tests recovery of claims abandoned by a dead worker
func TestReclaimStuck(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "queued_messages"`).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	n, err := s.ReclaimStuck(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestCancel tests withdrawal of an incomplete message
func TestCancel(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "queued_messages"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Cancel(context.Background(), uuid.New()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
