package mysql

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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := d.db.ExecContext(ctx, stmt,
		create.UID, create.CreatorID, create.AnonKey, create.Title, create.ModelID,
		create.Prompt, boolToInt(create.ReasoningEnabled), now, now)
	if err != nil {
		return nil, err
	}
	rawID, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	create.ID = int32(rawID)
	create.CreatedTs = now
	create.UpdatedTs = now
	return create, nil
}

func (d *DB) ListChatSessions(ctx context.Context, find *store.FindChatSession) ([]*store.ChatSession, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.ID; v != nil {
		where, args = append(where, "id = ?"), append(args, *v)
	}
	if v := find.UID; v != nil {
		where, args = append(where, "uid = ?"), append(args, *v)
	}
	if v := find.CreatorID; v != nil {
		where, args = append(where, "creator_id = ?"), append(args, *v)
	}
	if v := find.AnonKey; v != nil {
		where, args = append(where, "anon_key = ?"), append(args, *v)
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
		set, args = append(set, "title = ?"), append(args, *v)
	}
	if v := update.Prompt; v != nil {
		set, args = append(set, "prompt = ?"), append(args, *v)
	}
	if v := update.ReasoningEnabled; v != nil {
		set, args = append(set, "reasoning_enabled = ?"), append(args, boolToInt(*v))
	}
	if len(set) > 0 {
		set = append(set, "updated_ts = ?")
		args = append(args, time.Now().Unix(), update.UID)
		stmt := fmt.Sprintf("UPDATE chat_session SET %s WHERE uid = ?", strings.Join(set, ", "))
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
	_, err := d.db.ExecContext(ctx, "DELETE FROM chat_session WHERE uid = ?", uid)
	return err
}
