package store

import (
	"context"
	"fmt"

	"github.com/roach88/cogsmith/internal/record"
)

// AppendFailure appends one event to the error log. The log is
// append-only: events are never updated or deleted, so every attempt
// (terminal or retried) stays diagnosable after the run.
func (s *Store) AppendFailure(ctx context.Context, ev record.FailureEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failures (path, run_id, attempt, kind, message, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.Path, ev.RunID, ev.Attempt, ev.Kind, ev.Message, formatTime(ev.OccurredAt))
	if err != nil {
		return fmt.Errorf("append failure: %w", err)
	}
	return nil
}

// ListFailures returns failure events, oldest first. Either filter may
// be empty; runID narrows to one run, path to one file. limit <= 0
// means no limit.
func (s *Store) ListFailures(ctx context.Context, runID, path string, limit int) ([]record.FailureEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, run_id, attempt, kind, message, occurred_at
		FROM failures
		WHERE (? = '' OR run_id = ?) AND (? = '' OR path = ?)
		ORDER BY id ASC
		LIMIT ?
	`, runID, runID, path, path, limit)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	events := []record.FailureEvent{}
	for rows.Next() {
		var (
			ev       record.FailureEvent
			occurred string
		)
		if err := rows.Scan(&ev.Path, &ev.RunID, &ev.Attempt, &ev.Kind, &ev.Message, &occurred); err != nil {
			return nil, fmt.Errorf("list failures: scan: %w", err)
		}
		if ev.OccurredAt, err = parseTime(occurred); err != nil {
			return nil, fmt.Errorf("list failures: parse occurred_at: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list failures: iterate: %w", err)
	}
	return events, nil
}
