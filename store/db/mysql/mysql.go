package mysql

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Import the MySQL driver.
	_ "github.com/go-sql-driver/mysql"
)

// DB is the MySQL implementation of store.Driver.
type DB struct {
	db *sql.DB
}

// NewDB opens a MySQL connection with the given DSN.
func NewDB(dsn string) (*DB, error) {
	if dsn == "" {
		return nil, errors.New("dsn required")
	}
	db, err := sql.Open("mysql", dsn)
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
			id                INT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			uid               VARCHAR(256) NOT NULL UNIQUE,
			creator_id        INT NOT NULL DEFAULT 0,
			anon_key          VARCHAR(256) NOT NULL DEFAULT '',
			title             TEXT NOT NULL,
			model_id          INT NOT NULL,
			prompt            TEXT NOT NULL,
			reasoning_enabled TINYINT NOT NULL DEFAULT 0,
			created_ts        BIGINT NOT NULL,
			updated_ts        BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS provider_model (
			id                    INT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			name                  VARCHAR(256) NOT NULL UNIQUE,
			family                VARCHAR(64) NOT NULL,
			base_url              TEXT NOT NULL,
			api_key               TEXT NOT NULL,
			api_version           VARCHAR(64) NOT NULL DEFAULT '',
			context_window        INT NOT NULL DEFAULT 0,
			max_completion_tokens INT NOT NULL DEFAULT 0,
			temperature           DOUBLE,
			supports_reasoning    TINYINT NOT NULL DEFAULT 0,
			created_ts            BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message (
			id                INT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			session_id        INT NOT NULL,
			role              VARCHAR(32) NOT NULL,
			content           MEDIUMTEXT NOT NULL,
			client_message_id VARCHAR(256),
			parent_id         INT,
			reasoning         MEDIUMTEXT,
			group_id          INT,
			token_count       INT NOT NULL DEFAULT 0,
			created_ts        BIGINT NOT NULL,
			UNIQUE KEY ux_message_client (session_id, client_message_id),
			KEY idx_message_session (session_id),
			CONSTRAINT fk_message_session FOREIGN KEY (session_id) REFERENCES chat_session(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS message_group (
			id              INT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			uid             VARCHAR(256) NOT NULL UNIQUE,
			session_id      INT NOT NULL,
			summary         MEDIUMTEXT NOT NULL,
			snapshot        MEDIUMTEXT NOT NULL,
			last_message_id INT NOT NULL,
			expanded        TINYINT NOT NULL DEFAULT 0,
			cancelled_ts    BIGINT,
			created_ts      BIGINT NOT NULL,
			CONSTRAINT fk_message_group_session FOREIGN KEY (session_id) REFERENCES chat_session(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS quota (
			id                 INT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			scope              VARCHAR(32) NOT NULL,
			identifier         VARCHAR(256) NOT NULL,
			used_count         INT NOT NULL DEFAULT 0,
			last_reset_ts      BIGINT NOT NULL,
			custom_daily_limit INT,
			UNIQUE KEY ux_quota_scope (scope, identifier)
		)`,
		`CREATE TABLE IF NOT EXISTS usage_record (
			id                INT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			session_id        INT NOT NULL,
			message_id        INT,
			model             VARCHAR(256) NOT NULL,
			provider_host     VARCHAR(256) NOT NULL,
			prompt_tokens     INT NOT NULL DEFAULT 0,
			completion_tokens INT NOT NULL DEFAULT 0,
			total_tokens      INT NOT NULL DEFAULT 0,
			context_limit     INT NOT NULL DEFAULT 0,
			created_ts        BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trace (
			id            VARCHAR(64) NOT NULL PRIMARY KEY,
			status        VARCHAR(32) NOT NULL,
			event_count   INT NOT NULL DEFAULT 0,
			log_file_path TEXT NOT NULL,
			duration_ms   BIGINT NOT NULL DEFAULT 0,
			created_ts    BIGINT NOT NULL
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
