package postgres

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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`
	var id int32
	if err := d.db.QueryRowContext(ctx, stmt,
		create.SessionID, create.Role, create.Content, create.ClientMessageID,
		create.ParentID, create.Reasoning, create.TokenCount, now).Scan(&id); err != nil {
		return nil, err
	}
	return &store.Message{
		ID:              id,
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
	where, args := []string{"session_id = $1"}, []any{find.SessionID}
	if v := find.ClientMessageID; v != nil {
		args = append(args, *v)
		where = append(where, fmt.Sprintf("client_message_id = $%d", len(args)))
	}
	if find.Ungrouped {
		where = append(where, "group_id IS NULL")
	}
	if v := find.MaxID; v != nil {
		args = append(args, *v)
		where = append(where, fmt.Sprintf("id <= $%d", len(args)))
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
	_, err := d.db.ExecContext(ctx, "DELETE FROM message WHERE session_id = $1", sessionID)
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
