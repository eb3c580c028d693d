// File: internal/store/store_test.go
package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hexforge/promptbridge/api/schemas"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing().WillReturnError(nil)
	mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS automation_requests").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	s, err := New(context.Background(), mockPool, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s, mockPool
}

func TestNewFailsWhenPingFails(t *testing.T) {
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockPool.Close()

	mockPool.ExpectPing().WillReturnError(errors.New("connection refused"))

	_, err = New(context.Background(), mockPool, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "failed to ping database")
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestNewFailsWhenSchemaFails(t *testing.T) {
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockPool.Close()

	mockPool.ExpectPing().WillReturnError(nil)
	mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS automation_requests").
		WillReturnError(errors.New("permission denied"))

	_, err = New(context.Background(), mockPool, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "failed to ensure audit schema")
}

func TestRecordRequest(t *testing.T) {
	s, mockPool := newMockStore(t)

	mockPool.ExpectExec("INSERT INTO automation_requests").
		WithArgs("c-1", "describe the weather", "https://chat.example.com/", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.RecordRequest(context.Background(), "c-1", "describe the weather", "https://chat.example.com/")
	require.NoError(t, err)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRecordRequestError(t *testing.T) {
	s, mockPool := newMockStore(t)

	mockPool.ExpectExec("INSERT INTO automation_requests").
		WithArgs("c-1", "p", "", pgxmock.AnyArg()).
		WillReturnError(errors.New("disk full"))

	err := s.RecordRequest(context.Background(), "c-1", "p", "")
	assert.ErrorContains(t, err, "failed to record request")
}

func TestRecordResponse(t *testing.T) {
	s, mockPool := newMockStore(t)

	mockPool.ExpectExec("INSERT INTO automation_responses").
		WithArgs("c-1", "success", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectExec("INSERT INTO automation_responses").
		WithArgs("c-2", "error", "element not found", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.RecordResponse(context.Background(), "c-1", schemas.ResponseSuccess, ""))
	require.NoError(t, s.RecordResponse(context.Background(), "c-2", schemas.ResponseError, "element not found"))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestDisabledStoreIsNoOp(t *testing.T) {
	var d Disabled
	assert.NoError(t, d.RecordRequest(context.Background(), "c-1", "p", ""))
	assert.NoError(t, d.RecordResponse(context.Background(), "c-1", schemas.ResponseSuccess, ""))
}

func TestHistory(t *testing.T) {
	s, mockPool := newMockStore(t)

	requestedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	answeredAt := requestedAt.Add(9 * time.Second)
	rows := pgxmock.NewRows([]string{"correlation_id", "kind", "detail", "at"}).
		AddRow("c-1", "request", "describe the weather", requestedAt).
		AddRow("c-1", "response", "success: ", answeredAt)

	mockPool.ExpectQuery("SELECT correlation_id").
		WithArgs("c-1").
		WillReturnRows(rows)

	got, err := s.History(context.Background(), "c-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "request", got[0].Kind)
	assert.Equal(t, "response", got[1].Kind)
	assert.True(t, got[1].At.After(got[0].At))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestHistoryQueryError(t *testing.T) {
	s, mockPool := newMockStore(t)

	mockPool.ExpectQuery("SELECT correlation_id").
		WithArgs("c-1").
		WillReturnError(errors.New("relation does not exist"))

	_, err := s.History(context.Background(), "c-1")
	assert.ErrorContains(t, err, "failed to query audit history")
}
