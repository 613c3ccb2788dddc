package record

import "time"

// Status is the lifecycle state of a tracked input file.
//
// Transitions are driven by the engine:
//
//	pending → processing → {succeeded, failed, skipped}
//	pending → {skipped, duplicate}  (no worker dispatch)
//
// Terminal statuses are never overwritten except by a later run that
// reprocesses the file (changed content or force mode).
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
	StatusDuplicate  Status = "duplicate"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSucceeded, StatusFailed, StatusSkipped, StatusDuplicate:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status for a run.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusDuplicate:
		return true
	}
	return false
}

// ContentHash is a deterministic digest of a file's bytes.
// Two files with equal hashes are content-identical regardless of path.
type ContentHash string

// FileRecord is the durable processing history for one input path.
//
// The path is the unique key. A record is upserted in place across
// runs and never deleted by normal operation.
//
// Invariants enforced by the store's write paths:
//   - StatusDuplicate implies DuplicateOf refers to a succeeded record.
//   - StatusSucceeded implies OutputReference is non-empty.
type FileRecord struct {
	Path        string
	ContentHash ContentHash
	SizeBytes   int64
	ModTime     time.Time

	Status Status

	// OutputReference locates the produced artifact. Empty unless the
	// conversion succeeded.
	OutputReference string

	// UploadReference locates the uploaded copy of the artifact, if any.
	// An upload failure is recorded in UploadError without reverting a
	// succeeded conversion.
	UploadReference string
	UploadError     string

	// DuplicateOf names the canonical path whose output this file reuses.
	DuplicateOf string

	LastRunID    string
	AttemptCount int
	LastError    string

	// LastErrorKind records the classified kind of the most recent
	// failure, so a re-run can tell deterministic failures (never
	// retried) from transient ones (eligible for a fresh attempt).
	LastErrorKind string

	FirstSeenAt time.Time
	UpdatedAt   time.Time
}

// RunCounts aggregates per-run outcome totals.
type RunCounts struct {
	Total        int
	New          int
	Unchanged    int
	Duplicates   int
	Succeeded    int
	Failed       int
	Skipped      int
	Uploaded     int
	UploadFailed int
}

// Add accumulates d into c field-wise.
func (c *RunCounts) Add(d RunCounts) {
	c.Total += d.Total
	c.New += d.New
	c.Unchanged += d.Unchanged
	c.Duplicates += d.Duplicates
	c.Succeeded += d.Succeeded
	c.Failed += d.Failed
	c.Skipped += d.Skipped
	c.Uploaded += d.Uploaded
	c.UploadFailed += d.UploadFailed
}

// RunRecord summarizes one invocation of the engine.
// Created when orchestration starts, sealed (EndedAt set, counts
// finalized) when it completes or aborts.
type RunRecord struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time // zero until the run is sealed
	InputRoot string

	// ConfigSnapshot is an opaque rendering of the effective run
	// configuration, kept for operator diagnosis of old runs.
	ConfigSnapshot string

	Counts RunCounts
}

// Sealed reports whether the run has been finalized.
func (r RunRecord) Sealed() bool { return !r.EndedAt.IsZero() }

// FailureEvent is one entry in the append-only error log. Every
// failure, terminal or retried, produces exactly one event.
type FailureEvent struct {
	Path       string
	RunID      string
	Attempt    int
	Kind       string
	Message    string
	OccurredAt time.Time
}
