package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/cogsmith/internal/record"
)

// ErrCanonicalNotSucceeded is returned by MarkDuplicate when the
// referenced canonical record is missing or not in succeeded state.
// A file may only be marked duplicate of an output that actually exists.
var ErrCanonicalNotSucceeded = errors.New("duplicate target is not a succeeded record")

const fileColumns = `
	path, content_hash, size_bytes, mtime_unix_ns, status,
	output_reference, upload_reference, upload_error, duplicate_of,
	last_run_id, attempt_count, last_error, last_error_kind,
	first_seen_at, updated_at
`

// ClaimProcessing atomically transitions a path into processing state,
// inserting the record if it has never been seen. Exactly one caller
// wins for a given path within a run: a path this run already holds in
// processing is not reclaimed.
//
// A path left in processing by a DIFFERENT run is reclaimable: that
// run crashed before writing a terminal state, and nothing else will
// ever finish the file. Claims within one run never collide this way
// because each worker claims a path at most once.
//
// Returns claimed=false when another worker of this run holds the
// path. This is the at-most-one-outcome guard for pathological inputs
// that surface the same path more than once in a single run.
func (s *Store) ClaimProcessing(ctx context.Context, path string, hash record.ContentHash, sizeBytes int64, mtime time.Time, runID string, now time.Time) (claimed bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO files
		(path, content_hash, size_bytes, mtime_unix_ns, status, last_run_id, first_seen_at, updated_at)
		VALUES (?, ?, ?, ?, 'processing', ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			content_hash  = excluded.content_hash,
			size_bytes    = excluded.size_bytes,
			mtime_unix_ns = excluded.mtime_unix_ns,
			status        = 'processing',
			last_run_id   = excluded.last_run_id,
			updated_at    = excluded.updated_at
		WHERE files.status != 'processing' OR files.last_run_id != excluded.last_run_id
	`,
		path, string(hash), sizeBytes, mtime.UnixNano(), runID,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("claim processing: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim processing: rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkSucceeded finalizes a successful conversion. attempts is the
// number of conversion attempts made this run; it accumulates into
// attempt_count so reprocessing history survives re-runs.
func (s *Store) MarkSucceeded(ctx context.Context, path string, hash record.ContentHash, outputRef, runID string, attempts int, now time.Time) error {
	if outputRef == "" {
		return fmt.Errorf("mark succeeded %s: empty output reference", path)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE files SET
			content_hash    = ?,
			status          = 'succeeded',
			output_reference = ?,
			duplicate_of    = '',
			last_run_id     = ?,
			attempt_count   = attempt_count + ?,
			last_error      = '',
			last_error_kind = '',
			upload_reference = '',
			upload_error    = '',
			updated_at      = ?
		WHERE path = ?
	`, string(hash), outputRef, runID, attempts, formatTime(now), path)
	if err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	return nil
}

// MarkFailed finalizes a permanently failed conversion, recording the
// classified kind so a later run can tell deterministic failures from
// transient ones.
func (s *Store) MarkFailed(ctx context.Context, path string, kind, message, runID string, attempts int, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE files SET
			status          = 'failed',
			last_run_id     = ?,
			attempt_count   = attempt_count + ?,
			last_error      = ?,
			last_error_kind = ?,
			updated_at      = ?
		WHERE path = ?
	`, runID, attempts, message, kind, formatTime(now), path)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// MarkSkipped records a skip outcome. Inserts the record when the file
// was never seen before (discovery-time skips); never overwrites a
// succeeded or duplicate record, so history from earlier runs holds.
func (s *Store) MarkSkipped(ctx context.Context, path, reason, runID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files
		(path, status, last_run_id, last_error, first_seen_at, updated_at)
		VALUES (?, 'skipped', ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			status      = 'skipped',
			last_run_id = excluded.last_run_id,
			last_error  = excluded.last_error,
			updated_at  = excluded.updated_at
		WHERE files.status NOT IN ('succeeded', 'duplicate')
	`, path, runID, reason, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("mark skipped: %w", err)
	}
	return nil
}

// MarkDuplicate records that path's content duplicates canonicalPath's
// and reuses its output. The canonical record must be succeeded; this
// is checked inside the same transaction so the invariant cannot race
// with a concurrent failure of the canonical conversion.
func (s *Store) MarkDuplicate(ctx context.Context, path, canonicalPath string, hash record.ContentHash, sizeBytes int64, mtime time.Time, runID string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark duplicate: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var canonicalStatus string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM files WHERE path = ?`, canonicalPath,
	).Scan(&canonicalStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("mark duplicate %s of %s: %w", path, canonicalPath, ErrCanonicalNotSucceeded)
	}
	if err != nil {
		return fmt.Errorf("mark duplicate: check canonical: %w", err)
	}
	if record.Status(canonicalStatus) != record.StatusSucceeded {
		return fmt.Errorf("mark duplicate %s of %s (status %s): %w", path, canonicalPath, canonicalStatus, ErrCanonicalNotSucceeded)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO files
		(path, content_hash, size_bytes, mtime_unix_ns, status, duplicate_of, last_run_id, first_seen_at, updated_at)
		VALUES (?, ?, ?, ?, 'duplicate', ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			content_hash  = excluded.content_hash,
			size_bytes    = excluded.size_bytes,
			mtime_unix_ns = excluded.mtime_unix_ns,
			status        = 'duplicate',
			duplicate_of  = excluded.duplicate_of,
			output_reference = '',
			last_run_id   = excluded.last_run_id,
			updated_at    = excluded.updated_at
	`,
		path, string(hash), sizeBytes, mtime.UnixNano(), canonicalPath,
		runID, formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("mark duplicate: upsert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mark duplicate: commit: %w", err)
	}
	return nil
}

// TouchObserved refreshes bookkeeping for a file whose stored outcome
// is being reused unchanged this run. The status and outcome columns
// are left alone.
func (s *Store) TouchObserved(ctx context.Context, path, runID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE files SET last_run_id = ?, updated_at = ? WHERE path = ?
	`, runID, formatTime(now), path)
	if err != nil {
		return fmt.Errorf("touch observed: %w", err)
	}
	return nil
}

// RecordUploadResult stores the upload sub-outcome for a succeeded
// conversion. An upload failure is recorded without touching the
// conversion status.
func (s *Store) RecordUploadResult(ctx context.Context, path, uploadRef, uploadErr string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE files SET upload_reference = ?, upload_error = ?, updated_at = ?
		WHERE path = ?
	`, uploadRef, uploadErr, formatTime(now), path)
	if err != nil {
		return fmt.Errorf("record upload result: %w", err)
	}
	return nil
}

// GetByPath returns the record for a path, or nil if the path has
// never been seen.
func (s *Store) GetByPath(ctx context.Context, path string) (*record.FileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE path = ?`, path)

	rec, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get by path: %w", err)
	}
	return rec, nil
}

// FindSucceededByHash returns the canonical succeeded record whose
// content hash matches, excluding excludePath (a file is never a
// duplicate of itself). Only succeeded records are matched - a record
// still in processing may yet fail and cannot anchor a duplicate.
//
// When several succeeded records share a hash the lexicographically
// smallest path wins, so the canonical choice is deterministic.
func (s *Store) FindSucceededByHash(ctx context.Context, hash record.ContentHash, excludePath string) (*record.FileRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE content_hash = ? AND status = 'succeeded' AND path != ?
		ORDER BY path ASC
		LIMIT 1
	`, string(hash), excludePath)

	rec, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find succeeded by hash: %w", err)
	}
	return rec, nil
}

// ListByStatus returns up to limit records in the given status,
// ordered by path. limit <= 0 means no limit.
func (s *Store) ListByStatus(ctx context.Context, status record.Status, limit int) ([]record.FileRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE status = ?
		ORDER BY path ASC
		LIMIT ?
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	defer rows.Close()

	records := []record.FileRecord{}
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("list by status: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list by status: iterate: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*record.FileRecord, error) {
	var (
		rec       record.FileRecord
		hash      string
		status    string
		mtimeNS   int64
		firstSeen string
		updated   string
	)
	err := row.Scan(
		&rec.Path, &hash, &rec.SizeBytes, &mtimeNS, &status,
		&rec.OutputReference, &rec.UploadReference, &rec.UploadError, &rec.DuplicateOf,
		&rec.LastRunID, &rec.AttemptCount, &rec.LastError, &rec.LastErrorKind,
		&firstSeen, &updated,
	)
	if err != nil {
		return nil, err
	}

	rec.ContentHash = record.ContentHash(hash)
	rec.Status = record.Status(status)
	rec.ModTime = time.Unix(0, mtimeNS)
	if rec.FirstSeenAt, err = parseTime(firstSeen); err != nil {
		return nil, fmt.Errorf("parse first_seen_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
