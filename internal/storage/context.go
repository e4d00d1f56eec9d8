package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SetContextRow upserts a context row by key. Writing an existing key
// replaces its content, priority, and always flag.
func (s *Store) SetContextRow(ctx context.Context, row ContextRow) error {
	if strings.TrimSpace(row.Key) == "" {
		return fmt.Errorf("%w: context key must not be empty", ErrInvalid)
	}
	if strings.TrimSpace(row.Content) == "" {
		return fmt.Errorf("%w: context content must not be empty", ErrInvalid)
	}

	always := 0
	if row.Always {
		always = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO context_rows (key, content, priority, always_on, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			content = excluded.content,
			priority = excluded.priority,
			always_on = excluded.always_on,
			updated_at = excluded.updated_at`,
		row.Key, row.Content, row.Priority, always, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upserting context row %q: %w", row.Key, err)
	}
	return nil
}

// RemoveContextRow deletes a context row outright. Context rows are
// operator-curated; they have no soft-delete window.
func (s *Store) RemoveContextRow(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM context_rows WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("removing context row %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListContextRows returns all context rows ordered by ascending priority,
// then key for a stable order among equal priorities.
func (s *Store) ListContextRows(ctx context.Context) ([]ContextRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, content, priority, always_on, updated_at
		FROM context_rows ORDER BY priority ASC, key ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing context rows: %w", err)
	}
	defer rows.Close()

	var out []ContextRow
	for rows.Next() {
		var r ContextRow
		var always int
		var updatedAt string
		if err := rows.Scan(&r.Key, &r.Content, &r.Priority, &always, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning context row: %w", err)
		}
		r.Always = always != 0
		if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at for context row %q: %w", r.Key, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
