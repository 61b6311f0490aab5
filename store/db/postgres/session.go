package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/parleyhq/parley/store"
)

func (d *DB) CreateChatSession(ctx context.Context, create *store.ChatSession) (*store.ChatSession, error) {
	now := time.Now().Unix()
	stmt := `INSERT INTO chat_session (uid, creator_id, anon_key, title, model_id, prompt, reasoning_enabled, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt,
		create.UID, create.CreatorID, create.AnonKey, create.Title, create.ModelID,
		create.Prompt, boolToInt(create.ReasoningEnabled), now, now).Scan(&create.ID); err != nil {
		return nil, err
	}
	create.CreatedTs = now
	create.UpdatedTs = now
	return create, nil
}

func (d *DB) ListChatSessions(ctx context.Context, find *store.FindChatSession) ([]*store.ChatSession, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.ID; v != nil {
		args = append(args, *v)
		where = append(where, fmt.Sprintf("id = $%d", len(args)))
	}
	if v := find.UID; v != nil {
		args = append(args, *v)
		where = append(where, fmt.Sprintf("uid = $%d", len(args)))
	}
	if v := find.CreatorID; v != nil {
		args = append(args, *v)
		where = append(where, fmt.Sprintf("creator_id = $%d", len(args)))
	}
	if v := find.AnonKey; v != nil {
		args = append(args, *v)
		where = append(where, fmt.Sprintf("anon_key = $%d", len(args)))
	}
	query := fmt.Sprintf(`SELECT id, uid, creator_id, anon_key, title, model_id, prompt, reasoning_enabled, created_ts, updated_ts
		FROM chat_session WHERE %s ORDER BY updated_ts DESC`, strings.Join(where, " AND "))
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*store.ChatSession
	for rows.Next() {
		s := &store.ChatSession{}
		var reasoning int32
		if err := rows.Scan(&s.ID, &s.UID, &s.CreatorID, &s.AnonKey, &s.Title, &s.ModelID, &s.Prompt, &reasoning, &s.CreatedTs, &s.UpdatedTs); err != nil {
			return nil, err
		}
		s.ReasoningEnabled = reasoning != 0
		list = append(list, s)
	}
	return list, rows.Err()
}

func (d *DB) UpdateChatSession(ctx context.Context, update *store.UpdateChatSession) (*store.ChatSession, error) {
	set, args := []string{}, []any{}
	if v := update.Title; v != nil {
		args = append(args, *v)
		set = append(set, fmt.Sprintf("title = $%d", len(args)))
	}
	if v := update.Prompt; v != nil {
		args = append(args, *v)
		set = append(set, fmt.Sprintf("prompt = $%d", len(args)))
	}
	if v := update.ReasoningEnabled; v != nil {
		args = append(args, boolToInt(*v))
		set = append(set, fmt.Sprintf("reasoning_enabled = $%d", len(args)))
	}
	if len(set) > 0 {
		args = append(args, time.Now().Unix())
		set = append(set, fmt.Sprintf("updated_ts = $%d", len(args)))
		args = append(args, update.UID)
		stmt := fmt.Sprintf("UPDATE chat_session SET %s WHERE uid = $%d", strings.Join(set, ", "), len(args))
		if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
			return nil, err
		}
	}
	list, err := d.ListChatSessions(ctx, &store.FindChatSession{UID: &update.UID})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (d *DB) DeleteChatSession(ctx context.Context, uid string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM chat_session WHERE uid = $1", uid)
	return err
}
