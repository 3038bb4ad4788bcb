package transcript

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/borderdesk/borderdesk/internal/circuitbreaker"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	wrapped := circuitbreaker.NewDBWrapper(sqlx.NewDb(db, "sqlmock"), zap.NewNop())
	return &Store{db: wrapped, logger: zap.NewNop()}, mock
}

func TestSaveJoinsSourceFiles(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO qa_transcripts").
		WithArgs("42_abc", "turn-1", int64(42), "停留时限？", "不超过240小时。", "visa_free",
			"visa_free.txt,airline.txt").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.Save(context.Background(), Record{
		SessionID:   "42_abc",
		TurnID:      "turn-1",
		UserID:      42,
		Question:    "停留时限？",
		Answer:      "不超过240小时。",
		Strategy:    "visa_free",
		SourceFiles: []string{"visa_free.txt", "airline.txt"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveDuplicateTurnIsSilent(t *testing.T) {
	s, mock := newMockStore(t)

	// ON CONFLICT DO NOTHING reports zero affected rows, which is not an error.
	mock.ExpectExec("INSERT INTO qa_transcripts").
		WithArgs("42_abc", "turn-1", int64(42), "q", "a", "general", "").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Save(context.Background(), Record{
		SessionID: "42_abc", TurnID: "turn-1", UserID: 42,
		Question: "q", Answer: "a", Strategy: "general",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveWrapsDBError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO qa_transcripts").
		WillReturnError(assert.AnError)

	err := s.Save(context.Background(), Record{TurnID: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transcript: insert")
}

func TestRecentBySession(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"session_id", "turn_id", "user_id", "question", "answer", "strategy", "created_at",
	}).
		AddRow("42_abc", "turn-2", int64(42), "第二问", "第二答", "general", now).
		AddRow("42_abc", "turn-1", int64(42), "第一问", "第一答", "visa_free", now.Add(-time.Minute))

	mock.ExpectQuery("SELECT session_id, turn_id, user_id, question, answer, strategy, created_at").
		WithArgs("42_abc", 2).
		WillReturnRows(rows)

	out, err := s.RecentBySession(context.Background(), "42_abc", 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "turn-2", out[0].TurnID)
	assert.Equal(t, "第一问", out[1].Question)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentBySessionError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT session_id").WillReturnError(assert.AnError)

	_, err := s.RecentBySession(context.Background(), "42_abc", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transcript: select")
}

func TestSaveShedsWritesWhenBreakerOpens(t *testing.T) {
	t.Setenv("CB_DB_FAILURE_THRESHOLD", "2")
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO qa_transcripts").WillReturnError(assert.AnError)
	mock.ExpectExec("INSERT INTO qa_transcripts").WillReturnError(assert.AnError)

	require.Error(t, s.Save(context.Background(), Record{TurnID: "t1"}))
	require.Error(t, s.Save(context.Background(), Record{TurnID: "t2"}))

	// The breaker is open now: the third write never reaches the database.
	err := s.Save(context.Background(), Record{TurnID: "t3"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNilStoreIsSafe(t *testing.T) {
	var s *Store
	assert.NoError(t, s.Save(context.Background(), Record{}))
	recs, err := s.RecentBySession(context.Background(), "42_abc", 5)
	assert.NoError(t, err)
	assert.Nil(t, recs)
	assert.NoError(t, s.Close())
}

func TestOpenEmptyDSN(t *testing.T) {
	s, err := Open("", zap.NewNop())
	assert.NoError(t, err)
	assert.Nil(t, s)
}
