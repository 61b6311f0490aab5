package mysql

import (
	"context"
	"database/sql"

	"github.com/parleyhq/parley/store"
)

func (d *DB) ConsumeQuota(ctx context.Context, consume *store.ConsumeQuota) (*store.QuotaRecord, bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	rec, accepted, err := d.consumeQuotaTx(ctx, tx, consume)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return rec, accepted, nil
}

// consumeQuotaTx runs the fetch-or-create / reset / check / debit steps
// against an open transaction. The policy itself lives in store.ApplyQuota.
func (d *DB) consumeQuotaTx(ctx context.Context, tx *sql.Tx, consume *store.ConsumeQuota) (*store.QuotaRecord, bool, error) {
	if _, err := tx.ExecContext(ctx,
		"INSERT IGNORE INTO quota (scope, identifier, used_count, last_reset_ts) VALUES (?, ?, 0, ?)",
		string(consume.Scope), consume.Identifier, consume.Now.UTC().Unix()); err != nil {
		return nil, false, err
	}

	rec := &store.QuotaRecord{Scope: consume.Scope, Identifier: consume.Identifier}
	var custom sql.NullInt64
	err := tx.QueryRowContext(ctx,
		"SELECT id, used_count, last_reset_ts, custom_daily_limit FROM quota WHERE scope = ? AND identifier = ? FOR UPDATE",
		string(consume.Scope), consume.Identifier).
		Scan(&rec.ID, &rec.UsedCount, &rec.LastResetTs, &custom)
	if err != nil {
		return nil, false, err
	}
	if custom.Valid {
		v := int32(custom.Int64)
		rec.CustomDailyLimit = &v
	}

	accepted := store.ApplyQuota(rec, consume.Cost, consume.DefaultLimit, consume.Now)
	if _, err := tx.ExecContext(ctx,
		"UPDATE quota SET used_count = ?, last_reset_ts = ? WHERE id = ?",
		rec.UsedCount, rec.LastResetTs, rec.ID); err != nil {
		return nil, false, err
	}
	return rec, accepted, nil
}

func (d *DB) ReserveTurn(ctx context.Context, reserve *store.ReserveTurn) (*store.ReserveResult, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	quota := &store.ConsumeQuota{
		Scope:        reserve.Scope,
		Identifier:   reserve.Identifier,
		Cost:         reserve.Cost,
		DefaultLimit: reserve.DefaultLimit,
		Now:          reserve.Now,
	}

	// Dedup lookup shares the transaction with the quota debit so a
	// duplicate submission can never be charged twice.
	if reserve.ClientMessageID != nil {
		existing, err := d.findMessageTx(ctx, tx, reserve.SessionID, *reserve.ClientMessageID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			quota.Cost = 0
			rec, _, err := d.consumeQuotaTx(ctx, tx, quota)
			if err != nil {
				return nil, err
			}
			if err := tx.Commit(); err != nil {
				return nil, err
			}
			return &store.ReserveResult{Accepted: true, Reused: true, Message: existing, Quota: rec}, nil
		}
	}

	rec, accepted, err := d.consumeQuotaTx(ctx, tx, quota)
	if err != nil {
		return nil, err
	}
	if !accepted {
		// Keep the reset write, drop nothing else.
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return &store.ReserveResult{Accepted: false, Quota: rec}, nil
	}

	now := reserve.Now.Unix()
	result, err := tx.ExecContext(ctx,
		`INSERT INTO message (session_id, role, content, client_message_id, parent_id, reasoning, token_count, created_ts)
		 VALUES (?, 'user', ?, ?, ?, '', ?, ?)`,
		reserve.SessionID, reserve.Content, reserve.ClientMessageID, reserve.ParentID, reserve.TokenCount, now)
	if err != nil {
		return nil, err
	}
	rawID, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &store.ReserveResult{
		Accepted: true,
		Message: &store.Message{
			ID:              int32(rawID),
			SessionID:       reserve.SessionID,
			Role:            "user",
			Content:         reserve.Content,
			ClientMessageID: reserve.ClientMessageID,
			ParentID:        reserve.ParentID,
			TokenCount:      reserve.TokenCount,
			CreatedTs:       now,
		},
		Quota: rec,
	}, nil
}

func (d *DB) findMessageTx(ctx context.Context, tx *sql.Tx, sessionID int32, clientMessageID string) (*store.Message, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, session_id, role, content, client_message_id, parent_id, reasoning, group_id, token_count, created_ts
		 FROM message WHERE session_id = ? AND client_message_id = ?`,
		sessionID, clientMessageID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}
