package transcript

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/borderdesk/borderdesk/internal/circuitbreaker"
)

// Record is one completed QA exchange kept for audit.
type Record struct {
	SessionID   string    `db:"session_id"`
	TurnID      string    `db:"turn_id"`
	UserID      int64     `db:"user_id"`
	Question    string    `db:"question"`
	Answer      string    `db:"answer"`
	Strategy    string    `db:"strategy"`
	SourceFiles []string  `db:"-"`
	CreatedAt   time.Time `db:"created_at"`
}

// Store writes QA transcripts to Postgres through a circuit breaker, so a
// struggling database sheds audit writes instead of piling up connections.
// Entirely best-effort: callers log failures and move on.
type Store struct {
	db     *circuitbreaker.DBWrapper
	logger *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS qa_transcripts (
    id          BIGSERIAL PRIMARY KEY,
    session_id  TEXT NOT NULL,
    turn_id     TEXT NOT NULL UNIQUE,
    user_id     BIGINT NOT NULL,
    question    TEXT NOT NULL,
    answer      TEXT NOT NULL,
    strategy    TEXT NOT NULL,
    source_files TEXT,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Open connects and ensures the transcript table exists. An empty DSN returns
// a nil store, which every method tolerates.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	if dsn == "" {
		return nil, nil
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript: connect: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("transcript: ensure schema: %w", err)
	}
	return &Store{db: circuitbreaker.NewDBWrapper(db, logger), logger: logger}, nil
}

// Save inserts one record. Duplicate turn ids are ignored so retried writes
// stay idempotent.
func (s *Store) Save(ctx context.Context, r Record) error {
	if s == nil {
		return nil
	}
	files := ""
	for i, f := range r.SourceFiles {
		if i > 0 {
			files += ","
		}
		files += f
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO qa_transcripts (session_id, turn_id, user_id, question, answer, strategy, source_files)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (turn_id) DO NOTHING`,
		r.SessionID, r.TurnID, r.UserID, r.Question, r.Answer, r.Strategy, files)
	if err != nil {
		return fmt.Errorf("transcript: insert: %w", err)
	}
	return nil
}

// RecentBySession returns the latest transcripts for a session, newest first.
func (s *Store) RecentBySession(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if s == nil {
		return nil, nil
	}
	var out []Record
	err := s.db.SelectContext(ctx, &out, `
		SELECT session_id, turn_id, user_id, question, answer, strategy, created_at
		FROM qa_transcripts
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("transcript: select: %w", err)
	}
	return out, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
