package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/saperet/photoset/internal/domain"
)

// recordRepo implements domain.RecordRepository using SQLite.
type recordRepo struct {
	db *sql.DB
}

const recordColumns = `id, source, search_query, source_url, attribution, raw_path, processed_path,
	width, height, format, fingerprint, status, reject_reason, duplicate_of,
	caption, type_label, flags, created_at, updated_at`

// Upsert inserts a record or, when the id or source URL is already known,
// updates its mutable metadata. Attribution and raw_path are kept once set;
// source_url is never rewritten. The record's ID, CreatedAt and UpdatedAt
// are populated on return.
func (r *recordRepo) Upsert(ctx context.Context, rec *domain.ImageRecord) error {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	var createdAt time.Time
	err = tx.QueryRowContext(ctx,
		"SELECT id, created_at FROM images WHERE id = ? OR source_url = ?",
		rec.ID, rec.SourceURL,
	).Scan(&existingID, &createdAt)

	switch {
	case err == sql.ErrNoRows:
		if rec.Status == "" {
			rec.Status = domain.StatusRaw
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO images (id, source, search_query, source_url, attribution, raw_path,
			 status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.Source, rec.Query, rec.SourceURL, rec.Attribution, rec.RawPath,
			rec.Status, now, now,
		)
		if err != nil {
			return fmt.Errorf("insert image: %w", err)
		}
		rec.CreatedAt = now
	case err != nil:
		return fmt.Errorf("lookup image: %w", err)
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE images SET
			 source = ?,
			 search_query = ?,
			 attribution = CASE WHEN attribution = '' THEN ? ELSE attribution END,
			 raw_path = CASE WHEN raw_path = '' THEN ? ELSE raw_path END,
			 updated_at = ?
			 WHERE id = ?`,
			rec.Source, rec.Query, rec.Attribution, rec.RawPath, now, existingID,
		)
		if err != nil {
			return fmt.Errorf("update image: %w", err)
		}
		rec.ID = existingID
		rec.CreatedAt = createdAt
	}

	rec.UpdatedAt = now
	return tx.Commit()
}

func (r *recordRepo) Get(ctx context.Context, id string) (*domain.ImageRecord, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM images WHERE id = ?", id)
	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get image: %w", err)
	}
	return rec, nil
}

func (r *recordRepo) Query(ctx context.Context, f domain.Filter) ([]domain.ImageRecord, error) {
	var where []string
	var args []any

	if len(f.Statuses) > 0 {
		placeholders := strings.Repeat("?,", len(f.Statuses))
		where = append(where, fmt.Sprintf("status IN (%s)", placeholders[:len(placeholders)-1]))
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, f.Source)
	}
	if f.Query != "" {
		where = append(where, "search_query LIKE ?")
		args = append(args, "%"+f.Query+"%")
	}
	if f.TypeLabel != "" {
		where = append(where, "type_label = ?")
		args = append(args, f.TypeLabel)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.Until.UTC())
	}

	q := "SELECT " + recordColumns + " FROM images"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query images: %w", err)
	}
	defer rows.Close()

	var recs []domain.ImageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// Transition moves a record to a new status after validating the lifecycle
// graph. The check and the update happen in one transaction with an
// optimistic status guard, so concurrent stages cannot interleave a partial
// update. On an invalid transition the record is left unchanged and
// domain.ErrInvalidTransition is returned.
func (r *recordRepo) Transition(ctx context.Context, id string, to domain.Status, reason domain.RejectReason) error {
	return r.transition(ctx, id, to, reason, "")
}

// MarkDuplicate rejects a record as a duplicate of the canonical owner.
func (r *recordRepo) MarkDuplicate(ctx context.Context, id, canonicalID string) error {
	return r.transition(ctx, id, domain.StatusRejected, domain.RejectDuplicate, canonicalID)
}

func (r *recordRepo) transition(ctx context.Context, id string, to domain.Status, reason domain.RejectReason, duplicateOf string) error {
	if to == domain.StatusRejected && reason == "" {
		return fmt.Errorf("%w: rejected status requires a reason", domain.ErrInvalidInput)
	}
	if to != domain.StatusRejected && reason != "" {
		return fmt.Errorf("%w: reason %q only valid for rejected", domain.ErrInvalidInput, reason)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	var fromStr string
	if err := tx.QueryRowContext(ctx, "SELECT status FROM images WHERE id = ?", id).Scan(&fromStr); err != nil {
		if err == sql.ErrNoRows {
			return domain.ErrNotFound
		}
		return fmt.Errorf("read status: %w", err)
	}
	from := domain.Status(fromStr)

	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%s: %s -> %s: %w", id, from, to, domain.ErrInvalidTransition)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE images SET status = ?, reject_reason = ?, duplicate_of = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), string(reason), duplicateOf, time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// Status changed under us between read and write.
		return fmt.Errorf("%s: concurrent status change: %w", id, domain.ErrInvalidTransition)
	}

	return tx.Commit()
}

// UpdateProcessed commits preprocessing output and the transition to
// processed in a single transaction. Derived fields (fingerprint, caption,
// type label) are cleared: a re-run with new parameters invalidates them.
func (r *recordRepo) UpdateProcessed(ctx context.Context, id string, res domain.ProcessedResult) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	var fromStr string
	if err := tx.QueryRowContext(ctx, "SELECT status FROM images WHERE id = ?", id).Scan(&fromStr); err != nil {
		if err == sql.ErrNoRows {
			return domain.ErrNotFound
		}
		return fmt.Errorf("read status: %w", err)
	}
	from := domain.Status(fromStr)
	if !domain.CanTransition(from, domain.StatusProcessed) {
		return fmt.Errorf("%s: %s -> %s: %w", id, from, domain.StatusProcessed, domain.ErrInvalidTransition)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE images SET processed_path = ?, width = ?, height = ?, format = ?, flags = ?,
		 fingerprint = NULL, caption = '', type_label = '',
		 status = ?, reject_reason = '', duplicate_of = '', updated_at = ?
		 WHERE id = ? AND status = ?`,
		res.ProcessedPath, res.Width, res.Height, res.Format, res.Flags,
		string(domain.StatusProcessed), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("update processed: %w", err)
	}

	return tx.Commit()
}

func (r *recordRepo) SetFingerprint(ctx context.Context, id string, fp uint64) error {
	return r.setField(ctx, id, "fingerprint", int64(fp))
}

func (r *recordRepo) SetCaption(ctx context.Context, id, caption string) error {
	return r.setField(ctx, id, "caption", caption)
}

func (r *recordRepo) SetTypeLabel(ctx context.Context, id, label string) error {
	return r.setField(ctx, id, "type_label", label)
}

func (r *recordRepo) setField(ctx context.Context, id, column string, value any) error {
	res, err := r.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE images SET %s = ?, updated_at = ? WHERE id = ?", column),
		value, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ActiveFingerprints returns the fingerprints that participate in duplicate
// comparison. Rejected records are excluded so a bad duplicate chain never
// blocks future decisions; ordering by stored timestamps makes the canonical
// owner deterministic across re-runs.
func (r *recordRepo) ActiveFingerprints(ctx context.Context) ([]domain.FingerprintEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, fingerprint, created_at FROM images
		 WHERE status IN (?, ?, ?) AND fingerprint IS NOT NULL
		 ORDER BY created_at, id`,
		string(domain.StatusProcessed), string(domain.StatusAccepted), string(domain.StatusExported),
	)
	if err != nil {
		return nil, fmt.Errorf("query fingerprints: %w", err)
	}
	defer rows.Close()

	var entries []domain.FingerprintEntry
	for rows.Next() {
		var e domain.FingerprintEntry
		var fp int64
		if err := rows.Scan(&e.ID, &fp, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		e.Fingerprint = uint64(fp)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkExported transitions accepted records to exported. Records already
// exported are left untouched, making a repeated export a no-op for them.
func (r *recordRepo) MarkExported(ctx context.Context, ids []string) error {
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("mark exported %s: %w", id, err)
		}
		if rec.Status == domain.StatusExported {
			continue
		}
		if err := r.Transition(ctx, id, domain.StatusExported, ""); err != nil {
			return fmt.Errorf("mark exported %s: %w", id, err)
		}
	}
	return nil
}

func (r *recordRepo) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM images GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[domain.Status(s)] = n
	}
	return counts, rows.Err()
}

func (r *recordRepo) CountByType(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT CASE WHEN type_label = '' THEN 'unknown' ELSE type_label END, COUNT(*)
		 FROM images GROUP BY 1`)
	if err != nil {
		return nil, fmt.Errorf("count by type: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var label string
		var n int
		if err := rows.Scan(&label, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[label] = n
	}
	return counts, rows.Err()
}

// PurgeRejected deletes rejected records and returns how many were removed.
func (r *recordRepo) PurgeRejected(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM images WHERE status = ?", string(domain.StatusRejected))
	if err != nil {
		return 0, fmt.Errorf("purge rejected: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*domain.ImageRecord, error) {
	rec := &domain.ImageRecord{}
	var fp sql.NullInt64
	var status, reason string
	err := row.Scan(
		&rec.ID, &rec.Source, &rec.Query, &rec.SourceURL, &rec.Attribution,
		&rec.RawPath, &rec.ProcessedPath, &rec.Width, &rec.Height, &rec.Format,
		&fp, &status, &reason, &rec.DuplicateOf,
		&rec.Caption, &rec.TypeLabel, &rec.Flags, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if fp.Valid {
		v := uint64(fp.Int64)
		rec.Fingerprint = &v
	}
	rec.Status = domain.Status(status)
	rec.RejectReason = domain.RejectReason(reason)
	return rec, nil
}
