package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/parleyhq/parley/store"
)

func (d *DB) CreateUsageRecord(ctx context.Context, create *store.UsageRecord) (*store.UsageRecord, error) {
	now := time.Now().Unix()
	stmt := `INSERT INTO usage_record (session_id, message_id, model, provider_host, prompt_tokens, completion_tokens, total_tokens, context_limit, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := d.db.ExecContext(ctx, stmt,
		create.SessionID, create.MessageID, create.Model, create.ProviderHost,
		create.PromptTokens, create.CompletionTokens, create.TotalTokens, create.ContextLimit, now)
	if err != nil {
		return nil, err
	}
	rawID, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	create.ID = int32(rawID)
	create.CreatedTs = now
	return create, nil
}

func (d *DB) ListUsageRecords(ctx context.Context, find *store.FindUsageRecord) ([]*store.UsageRecord, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.SessionID; v != nil {
		where, args = append(where, "session_id = ?"), append(args, *v)
	}
	query := fmt.Sprintf(`SELECT id, session_id, message_id, model, provider_host, prompt_tokens, completion_tokens, total_tokens, context_limit, created_ts
		FROM usage_record WHERE %s ORDER BY id ASC`, strings.Join(where, " AND "))
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*store.UsageRecord
	for rows.Next() {
		u := &store.UsageRecord{}
		var messageID sql.NullInt64
		if err := rows.Scan(&u.ID, &u.SessionID, &messageID, &u.Model, &u.ProviderHost,
			&u.PromptTokens, &u.CompletionTokens, &u.TotalTokens, &u.ContextLimit, &u.CreatedTs); err != nil {
			return nil, err
		}
		if messageID.Valid {
			v := int32(messageID.Int64)
			u.MessageID = &v
		}
		list = append(list, u)
	}
	return list, rows.Err()
}

func (d *DB) CreateTrace(ctx context.Context, create *store.Trace) (*store.Trace, error) {
	now := time.Now().Unix()
	stmt := `INSERT INTO trace (id, status, event_count, log_file_path, duration_ms, created_ts)
		VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := d.db.ExecContext(ctx, stmt,
		create.ID, create.Status, create.EventCount, create.LogFilePath, create.DurationMs, now); err != nil {
		return nil, err
	}
	create.CreatedTs = now
	return create, nil
}

func (d *DB) UpdateTrace(ctx context.Context, update *store.UpdateTrace) error {
	set, args := []string{}, []any{}
	if v := update.Status; v != nil {
		set, args = append(set, "status = ?"), append(args, *v)
	}
	if v := update.EventCount; v != nil {
		set, args = append(set, "event_count = ?"), append(args, *v)
	}
	if v := update.DurationMs; v != nil {
		set, args = append(set, "duration_ms = ?"), append(args, *v)
	}
	if len(set) == 0 {
		return nil
	}
	args = append(args, update.ID)
	stmt := fmt.Sprintf("UPDATE trace SET %s WHERE id = ?", strings.Join(set, ", "))
	_, err := d.db.ExecContext(ctx, stmt, args...)
	return err
}
