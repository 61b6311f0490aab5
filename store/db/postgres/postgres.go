package postgres

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"
)

// DB is the PostgreSQL implementation of store.Driver.
type DB struct {
	db *sql.DB
}

// NewDB opens a PostgreSQL connection with the given DSN.
func NewDB(dsn string) (*DB, error) {
	if dsn == "" {
		return nil, errors.New("dsn required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	return &DB{db: db}, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Migrate creates any missing tables and indexes.
func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_session (
			id                SERIAL PRIMARY KEY,
			uid               TEXT    NOT NULL UNIQUE,
			creator_id        INTEGER NOT NULL DEFAULT 0,
			anon_key          TEXT    NOT NULL DEFAULT '',
			title             TEXT    NOT NULL DEFAULT 'New Chat',
			model_id          INTEGER NOT NULL,
			prompt            TEXT    NOT NULL DEFAULT '',
			reasoning_enabled INTEGER NOT NULL DEFAULT 0,
			created_ts        BIGINT  NOT NULL,
			updated_ts        BIGINT  NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS provider_model (
			id                    SERIAL PRIMARY KEY,
			name                  TEXT    NOT NULL UNIQUE,
			family                TEXT    NOT NULL,
			base_url              TEXT    NOT NULL,
			api_key               TEXT    NOT NULL DEFAULT '',
			api_version           TEXT    NOT NULL DEFAULT '',
			context_window        INTEGER NOT NULL DEFAULT 0,
			max_completion_tokens INTEGER NOT NULL DEFAULT 0,
			temperature           DOUBLE PRECISION,
			supports_reasoning    INTEGER NOT NULL DEFAULT 0,
			created_ts            BIGINT  NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message (
			id                SERIAL PRIMARY KEY,
			session_id        INTEGER NOT NULL REFERENCES chat_session(id) ON DELETE CASCADE,
			role              TEXT    NOT NULL,
			content           TEXT    NOT NULL,
			client_message_id TEXT,
			parent_id         INTEGER,
			reasoning         TEXT    NOT NULL DEFAULT '',
			group_id          INTEGER,
			token_count       INTEGER NOT NULL DEFAULT 0,
			created_ts        BIGINT  NOT NULL,
			UNIQUE(session_id, client_message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_session ON message(session_id)`,
		`CREATE TABLE IF NOT EXISTS message_group (
			id              SERIAL PRIMARY KEY,
			uid             TEXT    NOT NULL UNIQUE,
			session_id      INTEGER NOT NULL REFERENCES chat_session(id) ON DELETE CASCADE,
			summary         TEXT    NOT NULL,
			snapshot        TEXT    NOT NULL DEFAULT '',
			last_message_id INTEGER NOT NULL,
			expanded        INTEGER NOT NULL DEFAULT 0,
			cancelled_ts    BIGINT,
			created_ts      BIGINT  NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS quota (
			id                 SERIAL PRIMARY KEY,
			scope              TEXT    NOT NULL,
			identifier         TEXT    NOT NULL,
			used_count         INTEGER NOT NULL DEFAULT 0,
			last_reset_ts      BIGINT  NOT NULL,
			custom_daily_limit INTEGER,
			UNIQUE(scope, identifier)
		)`,
		`CREATE TABLE IF NOT EXISTS usage_record (
			id                SERIAL PRIMARY KEY,
			session_id        INTEGER NOT NULL,
			message_id        INTEGER,
			model             TEXT    NOT NULL,
			provider_host     TEXT    NOT NULL,
			prompt_tokens     INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens      INTEGER NOT NULL DEFAULT 0,
			context_limit     INTEGER NOT NULL DEFAULT 0,
			created_ts        BIGINT  NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trace (
			id            TEXT PRIMARY KEY,
			status        TEXT    NOT NULL,
			event_count   INTEGER NOT NULL DEFAULT 0,
			log_file_path TEXT    NOT NULL DEFAULT '',
			duration_ms   BIGINT  NOT NULL DEFAULT 0,
			created_ts    BIGINT  NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to migrate")
		}
	}
	return nil
}

func boolToInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
