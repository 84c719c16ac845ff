// Package memory provides the best-effort recall store that seeds planning
// context with summaries of past requests. Recall is an optimization, never
// a durability guarantee: every backend degrades to empty results instead of
// failing the request that asked.
package memory

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
)

// New builds the recall store selected by configuration. A postgres backend
// that cannot be reached falls back to the in-memory store with a warning,
// honoring the degrade-don't-fail contract.
func New(ctx context.Context, cfg config.MemoryConfig, logger *zap.Logger) schemas.RecallStore {
	if !cfg.Enabled {
		return NewNoopStore()
	}

	if cfg.Backend == "postgres" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN())
		if err == nil {
			store, serr := NewPostgresStore(ctx, pool, logger)
			if serr == nil {
				store.closePool = pool.Close
				return store
			}
			pool.Close()
			err = serr
		}
		logger.Warn("Postgres recall store unavailable, falling back to in-memory",
			zap.String("host", cfg.Postgres.Host),
			zap.Error(err),
		)
	}

	return NewInMemoryStore(cfg, logger)
}

// NoopStore satisfies the RecallStore interface when memory is disabled.
type NoopStore struct{}

// NewNoopStore returns the disabled recall store.
func NewNoopStore() *NoopStore { return &NoopStore{} }

func (n *NoopStore) Record(ctx context.Context, entry schemas.RecallEntry) error { return nil }

func (n *NoopStore) Recall(ctx context.Context, query string, limit int) ([]schemas.RecallEntry, error) {
	return nil, nil
}

func (n *NoopStore) Stop() {}

var _ schemas.RecallStore = (*NoopStore)(nil)
