package storage

import (
	"context"
	"fmt"
	"sort"
)

// ConfigValues returns every name/value pair of the config table.
func (s *Store) ConfigValues(ctx context.Context) (map[string]string, error) {
	sqlStr, args, err := s.sql.Select("name", "value").From("config").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build config query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan config row: %w", err)
		}
		out[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate config rows: %w", err)
	}
	return out, nil
}

// SetConfigValues upserts the given pairs in one transaction.
func (s *Store) SetConfigValues(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin config tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, name := range names {
		sqlStr, args, err := s.sql.Insert("config").
			Columns("name", "value").
			Values(name, values[name]).
			Suffix("ON CONFLICT(name) DO UPDATE SET value=excluded.value").
			ToSql()
		if err != nil {
			return fmt.Errorf("build config upsert query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("upsert config %q: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit config tx: %w", err)
	}
	return nil
}
