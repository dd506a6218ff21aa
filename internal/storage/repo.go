package storage

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// MaxHistoryRows caps History regardless of the requested size.
const MaxHistoryRows = 50

func (s *Store) AppendTurn(ctx context.Context, m ChatMessage) (int64, error) {
	if m.Sender != SenderUser && m.Sender != SenderAssistant {
		return 0, fmt.Errorf("append turn: unknown sender %q", m.Sender)
	}
	q := s.sql.Insert("chat").
		Columns("user_id", "message", "sender", "created_at").
		Values(m.UserID, m.Text, string(m.Sender), m.Timestamp).
		Suffix("RETURNING id")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build append turn query: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("append turn: %w", err)
	}
	return id, nil
}

// RecentContext returns the newest limit turns of a user, oldest first, with
// senders mapped to provider roles.
func (s *Store) RecentContext(ctx context.Context, userID int64, limit int) ([]ContextMessage, error) {
	return s.RecentContextExcluding(ctx, userID, 0, limit)
}

// RecentContextExcluding is RecentContext without the row excludeID, which lets
// the relay leave out the user turn it has just persisted.
func (s *Store) RecentContextExcluding(ctx context.Context, userID, excludeID int64, limit int) ([]ContextMessage, error) {
	if limit < 1 {
		limit = 1
	}
	where := sq.And{sq.Eq{"user_id": userID}}
	if excludeID > 0 {
		where = append(where, sq.NotEq{"id": excludeID})
	}
	q := s.sql.Select("message", "sender").
		From("chat").
		Where(where).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build recent context query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("recent context: %w", err)
	}
	defer rows.Close()

	newestFirst := make([]ContextMessage, 0, limit)
	for rows.Next() {
		var m ChatMessage
		var sender string
		if err := rows.Scan(&m.Text, &sender); err != nil {
			return nil, fmt.Errorf("scan context row: %w", err)
		}
		m.Sender = Sender(sender)
		newestFirst = append(newestFirst, ContextMessage{Role: m.Role(), Content: m.Text})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate context rows: %w", err)
	}

	out := make([]ContextMessage, len(newestFirst))
	for i, m := range newestFirst {
		out[len(newestFirst)-1-i] = m
	}
	return out, nil
}

// History returns up to maxRows turns in chronological order. Out of range
// sizes fall back to MaxHistoryRows.
func (s *Store) History(ctx context.Context, userID int64, maxRows int) ([]ChatMessage, error) {
	if maxRows <= 0 || maxRows > MaxHistoryRows {
		maxRows = MaxHistoryRows
	}
	q := s.sql.Select("id", "user_id", "message", "sender", "created_at").
		From("chat").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(maxRows))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build history query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	out := make([]ChatMessage, 0)
	for rows.Next() {
		var m ChatMessage
		var sender string
		if err := rows.Scan(&m.ID, &m.UserID, &m.Text, &sender, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		m.Sender = Sender(sender)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return out, nil
}

// ClearHistory deletes every turn of the user. Clearing an empty history succeeds.
func (s *Store) ClearHistory(ctx context.Context, userID int64) error {
	sqlStr, args, err := s.sql.Delete("chat").Where(sq.Eq{"user_id": userID}).ToSql()
	if err != nil {
		return fmt.Errorf("build clear history query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// CountUserTurnsSince counts user-sent turns strictly newer than since (unix seconds).
func (s *Store) CountUserTurnsSince(ctx context.Context, userID int64, since int64) (int64, error) {
	q := s.sql.Select("COUNT(*)").
		From("chat").
		Where(sq.Eq{"user_id": userID, "sender": string(SenderUser)}).
		Where(sq.Gt{"created_at": since})

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count turns query: %w", err)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}
