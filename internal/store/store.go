// Package store persists session state. The SQL store is the durable source
// of truth (Postgres in production, SQLite for local runs); an optional Redis
// cache in front of it absorbs the read traffic of active sessions.
package store

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lumilearn/orchestrator/internal/config"
	"github.com/lumilearn/orchestrator/internal/state"
)

// ErrNotFound is returned when no session exists for the user.
var ErrNotFound = errors.New("session not found")

// Store loads and saves session state keyed by user id.
type Store interface {
	Load(ctx context.Context, userID string) (*state.SessionState, error)
	Save(ctx context.Context, s *state.SessionState) error
	Delete(ctx context.Context, userID string) error
	Close() error
}

// Open builds the configured store stack: a SQL store, wrapped in a Redis
// write-through cache when a Redis address is configured.
func Open(cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	sqlStore, err := OpenSQL(cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.RedisAddr == "" {
		return sqlStore, nil
	}
	cached, err := NewCached(sqlStore, cfg, logger)
	if err != nil {
		closeErr := sqlStore.Close()
		_ = closeErr
		return nil, err
	}
	return cached, nil
}
