package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/parleyhq/parley/store"
)

func (d *DB) CreateMessage(ctx context.Context, create *store.CreateMessage) (*store.Message, error) {
	now := time.Now().Unix()
	stmt := `INSERT INTO message (session_id, role, content, client_message_id, parent_id, reasoning, token_count, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := d.db.ExecContext(ctx, stmt,
		create.SessionID, create.Role, create.Content, create.ClientMessageID,
		create.ParentID, create.Reasoning, create.TokenCount, now)
	if err != nil {
		return nil, err
	}
	rawID, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &store.Message{
		ID:              int32(rawID),
		SessionID:       create.SessionID,
		Role:            create.Role,
		Content:         create.Content,
		ClientMessageID: create.ClientMessageID,
		ParentID:        create.ParentID,
		Reasoning:       create.Reasoning,
		TokenCount:      create.TokenCount,
		CreatedTs:       now,
	}, nil
}

func (d *DB) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	where, args := []string{"session_id = ?"}, []any{find.SessionID}
	if v := find.ClientMessageID; v != nil {
		where, args = append(where, "client_message_id = ?"), append(args, *v)
	}
	if find.Ungrouped {
		where = append(where, "group_id IS NULL")
	}
	if v := find.MaxID; v != nil {
		where, args = append(where, "id <= ?"), append(args, *v)
	}
	query := fmt.Sprintf(`SELECT id, session_id, role, content, client_message_id, parent_id, reasoning, group_id, token_count, created_ts
		FROM message WHERE %s ORDER BY id ASC`, strings.Join(where, " AND "))
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

func (d *DB) DeleteMessages(ctx context.Context, sessionID int32) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM message WHERE session_id = ?", sessionID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*store.Message, error) {
	m := &store.Message{}
	var clientMessageID sql.NullString
	var parentID, groupID sql.NullInt64
	if err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &clientMessageID,
		&parentID, &m.Reasoning, &groupID, &m.TokenCount, &m.CreatedTs); err != nil {
		return nil, err
	}
	if clientMessageID.Valid {
		v := clientMessageID.String
		m.ClientMessageID = &v
	}
	if parentID.Valid {
		v := int32(parentID.Int64)
		m.ParentID = &v
	}
	if groupID.Valid {
		v := int32(groupID.Int64)
		m.GroupID = &v
	}
	return m, nil
}
