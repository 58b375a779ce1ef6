package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/stagehand/internal/observability"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newStore(t *testing.T) (*Store, pgxmock.PgxPoolIface, *observer.ObservedLogs) {
	t.Helper()
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	core, logs := observer.New(zapcore.ErrorLevel)
	mockPool.ExpectPing().WillReturnError(nil)
	s, err := New(context.Background(), mockPool, zap.New(core))
	require.NoError(t, err)
	return s, mockPool, logs
}

func outcomes(runID string) []observability.Outcome {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.FixedZone("CET", 3600))
	return []observability.Outcome{
		{ID: uuid.NewString(), RunID: runID, Kind: observability.OutcomePass, Message: "Clicked submit.", At: at},
		{ID: uuid.NewString(), RunID: runID, Kind: observability.OutcomeFail, Message: "Could not find total.",
			Cause: "timed out", Code: "TIMEOUT", Screenshot: "/tmp/shot.png", At: at.Add(time.Second)},
	}
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestSaveOutcomes(t *testing.T) {
	ctx := context.Background()
	runID := uuid.NewString()

	t.Run("should insert every outcome in one transaction", func(t *testing.T) {
		s, mockPool, logs := newStore(t)
		batch := outcomes(runID)

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertOutcome)).
			WithArgs(batch[0].ID, runID, "pass", "Clicked submit.", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), batch[0].At.UTC()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertOutcome)).
			WithArgs(batch[1].ID, runID, "fail", "Could not find total.", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.SaveOutcomes(ctx, batch))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Zero(t, logs.Len(), "a rollback after commit is not an error")
	})

	t.Run("should roll back when an insert fails", func(t *testing.T) {
		s, mockPool, logs := newStore(t)
		batch := outcomes(runID)
		dbErr := errors.New("unique violation")

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertOutcome)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(dbErr)
		mockPool.ExpectRollback()

		err := s.SaveOutcomes(ctx, batch)
		require.Error(t, err)
		assert.ErrorIs(t, err, dbErr)
		assert.Contains(t, err.Error(), batch[0].ID)
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Zero(t, logs.Len())
	})

	t.Run("should report a failed commit", func(t *testing.T) {
		s, mockPool, _ := newStore(t)
		batch := outcomes(runID)[:1]

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertOutcome)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit().WillReturnError(errors.New("connection reset"))
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		err := s.SaveOutcomes(ctx, batch)
		assert.ErrorContains(t, err, "failed to commit transaction")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should log an unexpected rollback error", func(t *testing.T) {
		s, mockPool, logs := newStore(t)

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertOutcome)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(errors.New("boom"))
		mockPool.ExpectRollback().WillReturnError(errors.New("connection lost"))

		require.Error(t, s.SaveOutcomes(ctx, outcomes(runID)))
		assert.Equal(t, 1, logs.FilterMessage("Failed to rollback transaction").Len())
	})

	t.Run("should not open a transaction for an empty batch", func(t *testing.T) {
		s, mockPool, _ := newStore(t)
		require.NoError(t, s.SaveOutcomes(ctx, nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should be usable as the journal sink", func(t *testing.T) {
		s, mockPool, _ := newStore(t)
		journal := observability.NewJournal(zap.NewNop(), nil, "")
		journal.RecordSuccess("Opened the page.")

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertOutcome)).
			WithArgs(pgxmock.AnyArg(), journal.RunID(), "pass", "Opened the page.",
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, journal.Flush(ctx, s))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestEnsureSchema(t *testing.T) {
	s, mockPool, _ := newStore(t)
	mockPool.ExpectExec(flexibleSQLMatcher(sqlCreateOutcomes)).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, s.EnsureSchema(context.Background()))

	mockPool.ExpectExec(`CREATE TABLE IF NOT EXISTS outcomes`).WillReturnError(errors.New("permission denied"))
	assert.ErrorContains(t, s.EnsureSchema(context.Background()), "failed to create outcomes table")
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestNullable(t *testing.T) {
	assert.Nil(t, nullable(""))
	require.NotNil(t, nullable("x"))
	assert.Equal(t, "x", *nullable("x"))
}
