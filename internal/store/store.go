// Package store persists run outcomes to PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/internal/observability"
)

// DBPool abstracts pgxpool.Pool so tests can substitute a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	sqlCreateOutcomes = `
        CREATE TABLE IF NOT EXISTS outcomes (
            id         UUID PRIMARY KEY,
            run_id     UUID NOT NULL,
            kind       TEXT NOT NULL,
            message    TEXT NOT NULL,
            cause      TEXT,
            code       TEXT,
            screenshot TEXT,
            at         TIMESTAMPTZ NOT NULL
        );
    `
	sqlInsertOutcome = `
        INSERT INTO outcomes (id, run_id, kind, message, cause, code, screenshot, at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (id) DO NOTHING;
    `
)

// Store writes outcomes. It implements observability.Sink.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ observability.Sink = (*Store)(nil)

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Connect opens a pool for dsn and wraps it in a Store. The caller closes the
// returned pool.
func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

// EnsureSchema creates the outcomes table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlCreateOutcomes); err != nil {
		return fmt.Errorf("failed to create outcomes table: %w", err)
	}
	return nil
}

// SaveOutcomes inserts outcomes in one transaction. Re-sending an outcome
// that is already stored is a no-op.
func (s *Store) SaveOutcomes(ctx context.Context, outcomes []observability.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	for _, o := range outcomes {
		_, err := tx.Exec(ctx, sqlInsertOutcome,
			o.ID, o.RunID, string(o.Kind), o.Message,
			nullable(o.Cause), nullable(o.Code), nullable(o.Screenshot),
			o.At.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert outcome %s: %w", o.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Outcomes persisted.", zap.Int("count", len(outcomes)))
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
