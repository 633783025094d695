package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/lumilearn/orchestrator/internal/config"
	"github.com/lumilearn/orchestrator/internal/metrics"
	"github.com/lumilearn/orchestrator/internal/state"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	user_id    TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// SQLStore is the durable session store. State is stored as a JSON document:
// the session is always read and written whole, so a relational breakdown of
// turns would only add write amplification.
type SQLStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// OpenSQL connects to the configured database and ensures the schema.
func OpenSQL(cfg config.StoreConfig, logger *zap.Logger) (*SQLStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite3"
	}
	dsn := cfg.DSN
	if dsn == "" && driver == "sqlite3" {
		dsn = "file:lumilearn.db?_journal=WAL"
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		closeErr := db.Close()
		_ = closeErr
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	logger.Info("Session store opened",
		zap.String("driver", driver),
	)
	return &SQLStore{db: db, logger: logger}, nil
}

// NewSQLStore wraps an existing connection; used by tests with sqlmock.
func NewSQLStore(db *sqlx.DB, logger *zap.Logger) *SQLStore {
	return &SQLStore{db: db, logger: logger}
}

func (s *SQLStore) Load(ctx context.Context, userID string) (*state.SessionState, error) {
	var doc string
	err := s.db.GetContext(ctx, &doc, s.db.Rebind("SELECT state FROM sessions WHERE user_id = ?"), userID)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.StoreOperations.WithLabelValues("load", "miss").Inc()
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.StoreOperations.WithLabelValues("load", "error").Inc()
		return nil, fmt.Errorf("load session %s: %w", userID, err)
	}

	var st state.SessionState
	if err := json.Unmarshal([]byte(doc), &st); err != nil {
		metrics.StoreOperations.WithLabelValues("load", "error").Inc()
		return nil, fmt.Errorf("decode session %s: %w", userID, err)
	}
	if err := state.Validate(&st); err != nil {
		metrics.StoreOperations.WithLabelValues("load", "invalid").Inc()
		return nil, fmt.Errorf("stored session %s: %w", userID, err)
	}
	metrics.StoreOperations.WithLabelValues("load", "ok").Inc()
	return &st, nil
}

func (s *SQLStore) Save(ctx context.Context, st *state.SessionState) error {
	if err := state.Validate(st); err != nil {
		metrics.StoreOperations.WithLabelValues("save", "invalid").Inc()
		return fmt.Errorf("refusing to persist: %w", err)
	}
	doc, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", st.UserID, err)
	}

	query := s.db.Rebind(`
		INSERT INTO sessions (user_id, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, st.UserID, string(doc), time.Now().UTC()); err != nil {
		metrics.StoreOperations.WithLabelValues("save", "error").Inc()
		return fmt.Errorf("save session %s: %w", st.UserID, err)
	}
	metrics.StoreOperations.WithLabelValues("save", "ok").Inc()
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM sessions WHERE user_id = ?"), userID); err != nil {
		metrics.StoreOperations.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("delete session %s: %w", userID, err)
	}
	metrics.StoreOperations.WithLabelValues("delete", "ok").Inc()
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
