package queue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/kranthikarthan/payment-engine/internal/models"
	"github.com/kranthikarthan/payment-engine/internal/resilience"
)

func newReplayLoop(t *testing.T) (*Loop, sqlmock.Sqlmock) {
	t.Helper()
	store, mock := newMockStore(t)
	dispatcher := resilience.NewDispatcher(nil, resilience.NewMetrics(prometheus.NewRegistry()), zap.NewNop())
	return NewLoop(store, dispatcher, LoopConfig{}, zap.NewNop()), mock
}

func claimedMessage(url string) *models.QueuedMessage {
	started := time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC)
	return &models.QueuedMessage{
		ID:                  uuid.New(),
		TenantID:            "tenant-a",
		ServiceName:         "clearing",
		MessageType:         "pacs.008",
		HTTPMethod:          http.MethodPost,
		URL:                 url,
		Payload:             datatypes.JSON(`{"MsgId":"M-1"}`),
		Status:              models.QueueProcessing,
		RetryCount:          0,
		MaxRetries:          3,
		ClaimToken:          "tok-1",
		ProcessingStartedAt: &started,
	}
}

// TestReplaySuccessMarksProcessed tests the happy replay path
func TestReplaySuccessMarksProcessed(t *testing.T) {
	l, mock := newReplayLoop(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ack":"ACSP"}`))
	}))
	defer srv.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "queued_messages" SET .+ WHERE id = \$\d+ AND claim_token = \$\d+$`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	l.replay(context.Background(), claimedMessage(srv.URL))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestReplayTransientFailureReschedules tests that a retryable replay
// failure is rescheduled, and that the replay itself runs a single
// attempt with no fallback.
func TestReplayTransientFailureReschedules(t *testing.T) {
	l, mock := newReplayLoop(t)

	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "queued_messages" SET .+ WHERE id = \$\d+ AND claim_token = \$\d+$`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	msg := claimedMessage(srv.URL)
	l.replay(context.Background(), msg)

	require.EqualValues(t, 1, atomic.LoadInt64(&hits))
	assert.Equal(t, 1, msg.RetryCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestReplayTerminalFailureExpires tests that a definitive downstream
// rejection ends the replay instead of rescheduling it.
func TestReplayTerminalFailureExpires(t *testing.T) {
	l, mock := newReplayLoop(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "queued_messages" SET .+ WHERE id = \$\d+$`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	msg := claimedMessage(srv.URL)
	l.replay(context.Background(), msg)

	assert.Equal(t, 0, msg.RetryCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}
