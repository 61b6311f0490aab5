package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/parleyhq/parley/store"
)

func (d *DB) CreateProviderModel(ctx context.Context, create *store.ProviderModel) (*store.ProviderModel, error) {
	now := time.Now().Unix()
	stmt := `INSERT INTO provider_model (name, family, base_url, api_key, api_version, context_window, max_completion_tokens, temperature, supports_reasoning, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := d.db.ExecContext(ctx, stmt,
		create.Name, string(create.Family), create.BaseURL, create.APIKey, create.APIVersion,
		create.ContextWindow, create.MaxCompletionTokens, create.Temperature,
		boolToInt(create.SupportsReasoning), now)
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

func (d *DB) ListProviderModels(ctx context.Context, find *store.FindProviderModel) ([]*store.ProviderModel, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.ID; v != nil {
		where, args = append(where, "id = ?"), append(args, *v)
	}
	if v := find.Name; v != nil {
		where, args = append(where, "name = ?"), append(args, *v)
	}
	query := fmt.Sprintf(`SELECT id, name, family, base_url, api_key, api_version, context_window, max_completion_tokens, temperature, supports_reasoning, created_ts
		FROM provider_model WHERE %s ORDER BY id ASC`, strings.Join(where, " AND "))
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*store.ProviderModel
	for rows.Next() {
		m := &store.ProviderModel{}
		var family string
		var temperature sql.NullFloat64
		var reasoning int32
		if err := rows.Scan(&m.ID, &m.Name, &family, &m.BaseURL, &m.APIKey, &m.APIVersion,
			&m.ContextWindow, &m.MaxCompletionTokens, &temperature, &reasoning, &m.CreatedTs); err != nil {
			return nil, err
		}
		m.Family = store.ProviderFamily(family)
		if temperature.Valid {
			t := temperature.Float64
			m.Temperature = &t
		}
		m.SupportsReasoning = reasoning != 0
		list = append(list, m)
	}
	return list, rows.Err()
}
