package storage

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// MaxLogRows caps ListLogs.
const MaxLogRows = 50

func (s *Store) AppendLog(ctx context.Context, e LogEntry) error {
	if e.Kind == "" {
		e.Kind = LogError
	}
	sqlStr, args, err := s.sql.Insert("logs").
		Columns("log_type", "message", "created_at").
		Values(string(e.Kind), e.Message, e.Timestamp).
		ToSql()
	if err != nil {
		return fmt.Errorf("build append log query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// ListLogs returns the newest entries first.
func (s *Store) ListLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 || limit > MaxLogRows {
		limit = MaxLogRows
	}
	sqlStr, args, err := s.sql.Select("id", "log_type", "message", "created_at").
		From("logs").
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list logs query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	out := make([]LogEntry, 0)
	for rows.Next() {
		var e LogEntry
		var kind string
		if err := rows.Scan(&e.ID, &kind, &e.Message, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		e.Kind = LogKind(kind)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log rows: %w", err)
	}
	return out, nil
}

func (s *Store) ClearLogs(ctx context.Context) error {
	sqlStr, args, err := s.sql.Delete("logs").ToSql()
	if err != nil {
		return fmt.Errorf("build clear logs query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("clear logs: %w", err)
	}
	return nil
}

// UsageSince counts turns and distinct users newer than since. userID 0 means all users.
func (s *Store) UsageSince(ctx context.Context, userID int64, since int64) (UsageStats, error) {
	q := s.sql.Select("COUNT(*)", "COUNT(DISTINCT user_id)").
		From("chat").
		Where(sq.Gt{"created_at": since})
	if userID > 0 {
		q = q.Where(sq.Eq{"user_id": userID})
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return UsageStats{}, fmt.Errorf("build usage query: %w", err)
	}
	var out UsageStats
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&out.MessageCount, &out.UniqueUsers); err != nil {
		return UsageStats{}, fmt.Errorf("usage stats: %w", err)
	}
	return out, nil
}

// TopUsers ranks users by turn count newer than since.
func (s *Store) TopUsers(ctx context.Context, since int64, limit int) ([]UserUsage, error) {
	if limit <= 0 {
		limit = 10
	}
	sqlStr, args, err := s.sql.Select("user_id", "COUNT(*) AS message_count").
		From("chat").
		Where(sq.Gt{"created_at": since}).
		GroupBy("user_id").
		OrderBy("message_count DESC", "user_id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build top users query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("top users: %w", err)
	}
	defer rows.Close()

	out := make([]UserUsage, 0)
	for rows.Next() {
		var u UserUsage
		if err := rows.Scan(&u.UserID, &u.MessageCount); err != nil {
			return nil, fmt.Errorf("scan top user row: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate top user rows: %w", err)
	}
	return out, nil
}
