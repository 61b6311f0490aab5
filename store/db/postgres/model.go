package postgres

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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt,
		create.Name, string(create.Family), create.BaseURL, create.APIKey, create.APIVersion,
		create.ContextWindow, create.MaxCompletionTokens, create.Temperature,
		boolToInt(create.SupportsReasoning), now).Scan(&create.ID); err != nil {
		return nil, err
	}
	create.CreatedTs = now
	return create, nil
}

func (d *DB) ListProviderModels(ctx context.Context, find *store.FindProviderModel) ([]*store.ProviderModel, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.ID; v != nil {
		args = append(args, *v)
		where = append(where, fmt.Sprintf("id = $%d", len(args)))
	}
	if v := find.Name; v != nil {
		args = append(args, *v)
		where = append(where, fmt.Sprintf("name = $%d", len(args)))
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
