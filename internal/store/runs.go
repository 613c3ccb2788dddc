package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/cogsmith/internal/record"
)

// ErrRunNotFound is returned when a run ID has no row.
var ErrRunNotFound = errors.New("run not found")

const runColumns = `
	run_id, started_at, ended_at, input_root, config_snapshot,
	total, new_files, unchanged, duplicates, succeeded, failed, skipped,
	uploaded, upload_failed
`

// BeginRun creates the RunRecord row at orchestration start.
// Counts are zero until the run is sealed.
func (s *Store) BeginRun(ctx context.Context, runID, inputRoot, configSnapshot string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, input_root, config_snapshot)
		VALUES (?, ?, ?, ?)
	`, runID, formatTime(startedAt), inputRoot, configSnapshot)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// SealRun finalizes a run: sets ended_at and writes the aggregated
// counts. Sealing is idempotent; re-sealing overwrites with the same
// final values.
func (s *Store) SealRun(ctx context.Context, runID string, counts record.RunCounts, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			ended_at      = ?,
			total         = ?,
			new_files     = ?,
			unchanged     = ?,
			duplicates    = ?,
			succeeded     = ?,
			failed        = ?,
			skipped       = ?,
			uploaded      = ?,
			upload_failed = ?
		WHERE run_id = ?
	`,
		formatTime(endedAt),
		counts.Total, counts.New, counts.Unchanged, counts.Duplicates,
		counts.Succeeded, counts.Failed, counts.Skipped,
		counts.Uploaded, counts.UploadFailed,
		runID,
	)
	if err != nil {
		return fmt.Errorf("seal run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("seal run: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("seal run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

// GetRun returns one run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*record.RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns up to limit runs, most recent first.
// limit <= 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]record.RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		ORDER BY started_at DESC, run_id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []record.RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: iterate: %w", err)
	}
	return runs, nil
}

func scanRun(row rowScanner) (*record.RunRecord, error) {
	var (
		run     record.RunRecord
		started string
		ended   sql.NullString
	)
	err := row.Scan(
		&run.ID, &started, &ended, &run.InputRoot, &run.ConfigSnapshot,
		&run.Counts.Total, &run.Counts.New, &run.Counts.Unchanged,
		&run.Counts.Duplicates, &run.Counts.Succeeded, &run.Counts.Failed,
		&run.Counts.Skipped, &run.Counts.Uploaded, &run.Counts.UploadFailed,
	)
	if err != nil {
		return nil, err
	}

	if run.StartedAt, err = parseTime(started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if ended.Valid {
		if run.EndedAt, err = parseTime(ended.String); err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
	}
	return &run, nil
}
