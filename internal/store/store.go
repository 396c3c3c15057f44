// Package store provides the sqlite-backed persistence for strategy
// settings, tuning spaces, override patches and the tuning audit trail.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS strategy_settings (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id     INTEGER NOT NULL,
	strategy_type  TEXT    NOT NULL,
	exchange       TEXT    NOT NULL,
	network        TEXT    NOT NULL,
	symbol         TEXT    NOT NULL DEFAULT 'BTCUSDT',
	timeframe      TEXT    NOT NULL DEFAULT '1m',
	candles_limit  INTEGER NOT NULL DEFAULT 300,
	params_json    TEXT    NOT NULL DEFAULT '{}',
	active         INTEGER NOT NULL DEFAULT 1,
	updated_at     TEXT    NOT NULL,
	UNIQUE (account_id, strategy_type, exchange, network)
);

CREATE TABLE IF NOT EXISTS tuning_space (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy_type  TEXT    NOT NULL,
	param_name     TEXT    NOT NULL,
	value_kind     TEXT    NOT NULL,
	min_value      TEXT,
	max_value      TEXT,
	step_value     TEXT,
	fixed_value    TEXT,
	enabled        INTEGER NOT NULL DEFAULT 1,
	UNIQUE (strategy_type, param_name)
);

CREATE TABLE IF NOT EXISTS ai_override (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id     INTEGER NOT NULL,
	strategy_type  TEXT    NOT NULL,
	exchange       TEXT    NOT NULL,
	network        TEXT    NOT NULL,
	patch_json     TEXT    NOT NULL,
	source         TEXT    NOT NULL,
	reason         TEXT,
	model_version  TEXT,
	confidence     REAL,
	created_at     TEXT    NOT NULL,
	expires_at     TEXT,
	active         INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS ix_override_session_active
	ON ai_override (account_id, strategy_type, exchange, network, active, created_at);

CREATE TABLE IF NOT EXISTS tuning_run (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id     INTEGER NOT NULL,
	strategy_type  TEXT    NOT NULL,
	exchange       TEXT    NOT NULL,
	network        TEXT    NOT NULL,
	symbol         TEXT,
	timeframe      TEXT,
	old_json       TEXT,
	new_json       TEXT,
	score_before   TEXT,
	score_after    TEXT,
	model_version  TEXT,
	created_at     TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_run_session_created
	ON tuning_run (account_id, strategy_type, exchange, network, created_at);
`

// Store wraps the sqlite connection behind the repository methods the
// tuning pipeline needs.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the sqlite database at path and applies
// the schema. Use ":memory:" for tests.
func Open(logger *zap.Logger, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: sqlite has a single writer anyway, and pooled
	// connections would each see their own ":memory:" database.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.Named("store"),
		now:    time.Now,
	}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// SetClock overrides the store's wall clock. Test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// timeLayout is fixed-width so stored timestamps sort lexicographically;
// RFC3339Nano trims trailing zeros and breaks ORDER BY within a second.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", raw, err)
	}
	return t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
