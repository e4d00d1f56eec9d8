package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const recordColumns = `id, title, content, category, tags, embedding, created_at, updated_at, deleted_at, last_accessed_at`

// CreateRecord validates and persists a new record, returning its assigned id.
// The embedding is attached later by the embed worker; records are created
// without a vector.
func (s *Store) CreateRecord(ctx context.Context, title, content, category, tags string) (int64, error) {
	if strings.TrimSpace(content) == "" {
		return 0, fmt.Errorf("%w: content must not be empty", ErrInvalid)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return 0, fmt.Errorf("%w: content exceeds %d characters", ErrInvalid, MaxContentLength)
	}
	if category == "" {
		category = DefaultCategory
	}
	if tags == "" {
		tags = "[]"
	}

	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (title, content, category, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		title, content, category, tags, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading new record id: %w", err)
	}
	return id, nil
}

// RecordUpdate holds the fields of a partial update. Nil means "unchanged".
type RecordUpdate struct {
	Title    *string
	Content  *string
	Category *string
	Tags     *string
}

// UpdateRecord applies a partial update and reports whether content changed
// (the caller re-enqueues embedding in that case). Updating a soft-deleted
// record is a conflict; it must be restored first.
func (s *Store) UpdateRecord(ctx context.Context, id int64, upd RecordUpdate) (contentChanged bool, err error) {
	if upd.Content != nil {
		if strings.TrimSpace(*upd.Content) == "" {
			return false, fmt.Errorf("%w: content must not be empty", ErrInvalid)
		}
		if utf8.RuneCountInString(*upd.Content) > MaxContentLength {
			return false, fmt.Errorf("%w: content exceeds %d characters", ErrInvalid, MaxContentLength)
		}
	}

	var deletedAt sql.NullString
	var oldContent string
	err = s.db.QueryRowContext(ctx, `SELECT content, deleted_at FROM memories WHERE id = ?`, id).
		Scan(&oldContent, &deletedAt)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("loading record %d: %w", id, err)
	}
	if deletedAt.Valid {
		return false, ErrSoftDeleted
	}

	sets := []string{"updated_at = ?"}
	args := []any{formatTime(time.Now())}
	if upd.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *upd.Title)
	}
	if upd.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *upd.Content)
		contentChanged = *upd.Content != oldContent
		if contentChanged {
			// Stale vector must not serve searches while re-embedding is queued.
			sets = append(sets, "embedding = NULL")
		}
	}
	if upd.Category != nil {
		cat := *upd.Category
		if cat == "" {
			cat = DefaultCategory
		}
		sets = append(sets, "category = ?")
		args = append(args, cat)
	}
	if upd.Tags != nil {
		sets = append(sets, "tags = ?")
		args = append(args, *upd.Tags)
	}
	args = append(args, id)

	query := "UPDATE memories SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return false, fmt.Errorf("updating record %d: %w", id, err)
	}
	return contentChanged, nil
}

// GetRecord returns a single active record. When touch is true the read is
// recorded in last_accessed_at; search result assembly never touches.
func (s *Store) GetRecord(ctx context.Context, id int64, touch bool) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM memories WHERE id = ? AND deleted_at IS NULL`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}

	if touch {
		now := formatTime(time.Now())
		if _, err := s.db.ExecContext(ctx,
			`UPDATE memories SET last_accessed_at = ? WHERE id = ?`, now, id); err != nil {
			return Record{}, fmt.Errorf("updating last_accessed_at for %d: %w", id, err)
		}
	}
	return rec, nil
}

// GetRecords returns the active records matching ids, in no particular order.
func (s *Store) GetRecords(ctx context.Context, ids []int64) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT ` + recordColumns + ` FROM memories
		WHERE deleted_at IS NULL AND id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records by ids: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SoftDelete marks a record deleted. Deleting an already-deleted or missing
// record is a no-op; there is no error path an agent can use to distinguish
// them, keeping the operation idempotent.
func (s *Store) SoftDelete(ctx context.Context, id int64) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("soft-deleting record %d: %w", id, err)
	}
	return nil
}

// Undelete restores a soft-deleted record. Restoring an active record is a
// no-op; a missing (purged) id is ErrNotFound.
func (s *Store) Undelete(ctx context.Context, id int64) error {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET deleted_at = NULL, updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("restoring record %d: %w", id, err)
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

// PurgeDeletedBefore permanently removes soft-deleted records whose deletion
// timestamp is at or before cutoff. Returns the number of rows destroyed.
// This is the only irreversible path in the store.
func (s *Store) PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE deleted_at IS NOT NULL AND deleted_at <= ?`,
		formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging deleted records: %w", err)
	}
	return res.RowsAffected()
}

// PurgeStaleBefore permanently removes active records not accessed since
// cutoff. Records that were never explicitly read are kept: an absent
// last_accessed_at is not evidence of staleness.
func (s *Store) PurgeStaleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE deleted_at IS NULL
			AND last_accessed_at IS NOT NULL AND last_accessed_at <= ?`,
		formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging stale records: %w", err)
	}
	return res.RowsAffected()
}

// SetEmbedding attaches a vector to a record. The worker calls this after the
// provider responds; a record deleted in the meantime keeps its vector update
// (harmless, the deleted_at filter hides it anyway).
func (s *Store) SetEmbedding(ctx context.Context, id int64, embedding []float32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET embedding = ? WHERE id = ?`, encodeFloat32s(embedding), id)
	if err != nil {
		return fmt.Errorf("storing embedding for %d: %w", id, err)
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

// GetStats returns operator-facing store counts.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	st := Stats{ByCategory: make(map[string]int)}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE deleted_at IS NULL`).Scan(&st.ActiveRecords)
	if err != nil {
		return Stats{}, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE deleted_at IS NOT NULL`).Scan(&st.DeletedRecords)
	if err != nil {
		return Stats{}, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE deleted_at IS NULL AND embedding IS NOT NULL`).Scan(&st.WithEmbedding)
	if err != nil {
		return Stats{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT category, COUNT(*) FROM memories WHERE deleted_at IS NULL GROUP BY category`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return Stats{}, err
		}
		st.ByCategory[cat] = n
	}
	return st, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var r Record
	var blob []byte
	var createdAt, updatedAt string
	var deletedAt, lastAccessedAt sql.NullString

	err := sc.Scan(&r.ID, &r.Title, &r.Content, &r.Category, &r.Tags, &blob,
		&createdAt, &updatedAt, &deletedAt, &lastAccessedAt)
	if err != nil {
		return Record{}, err
	}

	if blob != nil {
		r.Embedding, err = decodeFloat32s(blob)
		if err != nil {
			return Record{}, fmt.Errorf("decoding embedding for %d: %w", r.ID, err)
		}
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return Record{}, fmt.Errorf("parsing created_at for %d: %w", r.ID, err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Record{}, fmt.Errorf("parsing updated_at for %d: %w", r.ID, err)
	}
	if r.DeletedAt, err = parseNullableTime(deletedAt); err != nil {
		return Record{}, fmt.Errorf("parsing deleted_at for %d: %w", r.ID, err)
	}
	if r.LastAccessedAt, err = parseNullableTime(lastAccessedAt); err != nil {
		return Record{}, fmt.Errorf("parsing last_accessed_at for %d: %w", r.ID, err)
	}
	return r, nil
}
