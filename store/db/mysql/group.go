package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/parleyhq/parley/store"
)

func (d *DB) CreateMessageGroup(ctx context.Context, create *store.CreateMessageGroup) (*store.MessageGroup, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	stmt := `INSERT INTO message_group (uid, session_id, summary, snapshot, last_message_id, expanded, created_ts)
		VALUES (?, ?, ?, ?, ?, 0, ?)`
	result, err := tx.ExecContext(ctx, stmt,
		create.UID, create.SessionID, create.Summary, create.Snapshot, create.LastMessageID, now)
	if err != nil {
		return nil, err
	}
	rawID, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	groupID := int32(rawID)

	if len(create.MemberIDs) > 0 {
		placeholders := make([]string, 0, len(create.MemberIDs))
		args := []any{groupID}
		for _, id := range create.MemberIDs {
			placeholders = append(placeholders, "?")
			args = append(args, id)
		}
		assign := fmt.Sprintf("UPDATE message SET group_id = ? WHERE id IN (%s)", strings.Join(placeholders, ", "))
		if _, err := tx.ExecContext(ctx, assign, args...); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &store.MessageGroup{
		ID:            groupID,
		UID:           create.UID,
		SessionID:     create.SessionID,
		Summary:       create.Summary,
		Snapshot:      create.Snapshot,
		LastMessageID: create.LastMessageID,
		CreatedTs:     now,
	}, nil
}

func (d *DB) ListMessageGroups(ctx context.Context, find *store.FindMessageGroup) ([]*store.MessageGroup, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.ID; v != nil {
		where, args = append(where, "id = ?"), append(args, *v)
	}
	if v := find.SessionID; v != nil {
		where, args = append(where, "session_id = ?"), append(args, *v)
	}
	if find.Active {
		where = append(where, "cancelled_ts IS NULL")
	}
	query := fmt.Sprintf(`SELECT id, uid, session_id, summary, snapshot, last_message_id, expanded, cancelled_ts, created_ts
		FROM message_group WHERE %s ORDER BY id ASC`, strings.Join(where, " AND "))
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*store.MessageGroup
	for rows.Next() {
		g := &store.MessageGroup{}
		var expanded int32
		var cancelledTs sql.NullInt64
		if err := rows.Scan(&g.ID, &g.UID, &g.SessionID, &g.Summary, &g.Snapshot,
			&g.LastMessageID, &expanded, &cancelledTs, &g.CreatedTs); err != nil {
			return nil, err
		}
		g.Expanded = expanded != 0
		if cancelledTs.Valid {
			v := cancelledTs.Int64
			g.CancelledTs = &v
		}
		list = append(list, g)
	}
	return list, rows.Err()
}

func (d *DB) UpdateGroupExpanded(ctx context.Context, groupID int32, expanded bool) error {
	_, err := d.db.ExecContext(ctx, "UPDATE message_group SET expanded = ? WHERE id = ?", boolToInt(expanded), groupID)
	return err
}

func (d *DB) CancelMessageGroup(ctx context.Context, groupID int32, now int64) (int64, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var cancelledTs sql.NullInt64
	err = tx.QueryRowContext(ctx, "SELECT cancelled_ts FROM message_group WHERE id = ?", groupID).Scan(&cancelledTs)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if cancelledTs.Valid {
		// Second cancel is a no-op.
		return 0, nil
	}

	result, err := tx.ExecContext(ctx, "UPDATE message SET group_id = NULL WHERE group_id = ?", groupID)
	if err != nil {
		return 0, err
	}
	released, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE message_group SET cancelled_ts = ? WHERE id = ?", now, groupID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return released, nil
}
