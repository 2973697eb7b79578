package usage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists usage records in PostgreSQL.
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
		`CREATE TABLE IF NOT EXISTS relay_usage (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL UNIQUE,
			model TEXT NOT NULL,
			status TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			segments INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_relay_usage_model ON relay_usage (model);`,
		`CREATE INDEX IF NOT EXISTS idx_relay_usage_created ON relay_usage (created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context, rec Record) error {
	rec = normalize(rec)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO relay_usage (id, session_id, model, status, prompt_tokens, completion_tokens, total_tokens, segments, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (session_id) DO NOTHING`,
		rec.ID,
		rec.SessionID,
		rec.Model,
		rec.Status,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.TotalTokens,
		rec.Segments,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) Totals(ctx context.Context) ([]ModelTotal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT model, COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(total_tokens), 0)
		 FROM relay_usage GROUP BY model ORDER BY model`,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage totals: %w", err)
	}
	defer rows.Close()

	var out []ModelTotal
	for rows.Next() {
		var t ModelTotal
		if err := rows.Scan(&t.Model, &t.Sessions, &t.PromptTokens, &t.CompletionTokens, &t.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan usage total: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage totals: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, model, status, prompt_tokens, completion_tokens, total_tokens, segments, created_at
		 FROM relay_usage ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent usage: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Model, &r.Status, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.Segments, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
