// File: internal/memory/postgres.go
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// DBPool abstracts the pgxpool.Pool so tests can substitute a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

const createRecallTable = `
	CREATE TABLE IF NOT EXISTS recall_entries (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		goal TEXT NOT NULL,
		summary TEXT NOT NULL,
		tags JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL
	);`

// PostgresStore persists recall entries in PostgreSQL. Recall matching uses
// case-insensitive substring search over goal and summary, which is crude but
// cheap and good enough for seeding planning context.
type PostgresStore struct {
	pool   DBPool
	logger *zap.Logger

	// closePool releases the underlying pool when this store owns it.
	closePool func()
	stopOnce  sync.Once
}

// NewPostgresStore verifies connectivity and ensures the schema exists.
func NewPostgresStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, createRecallTable); err != nil {
		return nil, fmt.Errorf("failed to ensure recall_entries table: %w", err)
	}

	return &PostgresStore{
		pool:   pool,
		logger: logger.Named("memory.postgres"),
	}, nil
}

// Record inserts the entry. Replayed IDs are ignored so retried requests do
// not produce duplicate rows.
func (p *PostgresStore) Record(ctx context.Context, entry schemas.RecallEntry) error {
	tags, err := json.Marshal(entry.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal entry tags: %w", err)
	}
	if entry.Tags == nil {
		tags = json.RawMessage("[]")
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO recall_entries (id, request_id, goal, summary, tags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING;
	`, entry.ID, entry.RequestID, entry.Goal, entry.Summary, tags, entry.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to insert recall entry: %w", err)
	}
	return nil
}

// Recall returns up to limit entries whose goal or summary contains the
// query, most recent first.
func (p *PostgresStore) Recall(ctx context.Context, query string, limit int) ([]schemas.RecallEntry, error) {
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return nil, nil
	}

	pattern := "%" + query + "%"
	rows, err := p.pool.Query(ctx, `
		SELECT id, request_id, goal, summary, tags, created_at
		FROM recall_entries
		WHERE goal ILIKE $1 OR summary ILIKE $1
		ORDER BY created_at DESC
		LIMIT $2;
	`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recall entries: %w", err)
	}
	defer rows.Close()

	var entries []schemas.RecallEntry
	for rows.Next() {
		var entry schemas.RecallEntry
		var tags []byte
		if err := rows.Scan(&entry.ID, &entry.RequestID, &entry.Goal, &entry.Summary, &tags, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan recall entry row: %w", err)
		}
		if len(tags) > 0 {
			if err := json.Unmarshal(tags, &entry.Tags); err != nil {
				return nil, fmt.Errorf("failed to unmarshal entry tags: %w", err)
			}
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// Stop releases the connection pool if this store owns one. Safe to call
// more than once.
func (p *PostgresStore) Stop() {
	p.stopOnce.Do(func() {
		if p.closePool != nil {
			p.closePool()
		}
	})
}

var _ schemas.RecallStore = (*PostgresStore)(nil)
