package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/weaver/internal/protocol"
)

// PostgresStore persists session records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL DEFAULT '',
			thread_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			cwd TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			is_pinned BOOLEAN NOT NULL DEFAULT FALSE,
			error TEXT NOT NULL DEFAULT '',
			messages JSONB NOT NULL DEFAULT '[]',
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_task ON sessions (task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions (updated_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, record Record) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
	messages, err := json.Marshal(record.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (session_id, task_id, thread_id, status, title, cwd, model, is_pinned, error, messages, input_tokens, output_tokens, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (session_id) DO UPDATE SET
			task_id = EXCLUDED.task_id,
			thread_id = EXCLUDED.thread_id,
			status = EXCLUDED.status,
			title = EXCLUDED.title,
			cwd = EXCLUDED.cwd,
			model = EXCLUDED.model,
			is_pinned = EXCLUDED.is_pinned,
			error = EXCLUDED.error,
			messages = EXCLUDED.messages,
			input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens,
			updated_at = EXCLUDED.updated_at`,
		record.SessionID,
		record.TaskID,
		record.ThreadID,
		record.Status,
		record.Title,
		record.Cwd,
		record.Model,
		record.IsPinned,
		record.Error,
		messages,
		record.InputTokens,
		record.OutputTokens,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT session_id, task_id, thread_id, status, title, cwd, model, is_pinned, error, messages, input_tokens, output_tokens, created_at, updated_at
		 FROM sessions WHERE session_id = $1`,
		sessionID,
	)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get session: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, task_id, thread_id, status, title, cwd, model, is_pinned, error, messages, input_tokens, output_tokens, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var r Record
	var messages []byte
	if err := row.Scan(
		&r.SessionID,
		&r.TaskID,
		&r.ThreadID,
		&r.Status,
		&r.Title,
		&r.Cwd,
		&r.Model,
		&r.IsPinned,
		&r.Error,
		&messages,
		&r.InputTokens,
		&r.OutputTokens,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return Record{}, err
	}
	if len(messages) > 0 {
		if err := json.Unmarshal(messages, &r.Messages); err != nil {
			return Record{}, fmt.Errorf("decode messages: %w", err)
		}
	}
	if r.Messages == nil {
		r.Messages = []protocol.Message{}
	}
	return r, nil
}
