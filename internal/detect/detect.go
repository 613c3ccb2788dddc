// Package detect classifies discovered files against stored history:
// brand new, unchanged since last success, changed content, or a
// content duplicate of an already-converted file.
package detect

import (
	"context"
	"fmt"

	"github.com/roach88/cogsmith/internal/discover"
	"github.com/roach88/cogsmith/internal/fingerprint"
	"github.com/roach88/cogsmith/internal/record"
	"github.com/roach88/cogsmith/internal/retry"
	"github.com/roach88/cogsmith/internal/store"
)

// Class is the detector's verdict for one candidate.
type Class int

const (
	// ClassNew: no reusable prior outcome; convert it.
	ClassNew Class = iota + 1
	// ClassUnchanged: stored outcome still applies; skip conversion.
	ClassUnchanged
	// ClassChanged: content differs from the stored hash; reconvert.
	ClassChanged
	// ClassDuplicate: content matches another path's succeeded
	// conversion; reuse that output.
	ClassDuplicate
)

func (c Class) String() string {
	switch c {
	case ClassNew:
		return "new"
	case ClassUnchanged:
		return "unchanged"
	case ClassChanged:
		return "changed"
	case ClassDuplicate:
		return "duplicate"
	}
	return "unknown"
}

// Result carries the verdict plus everything the scheduler needs to
// act on it without re-querying.
type Result struct {
	Class Class

	// Hash is the candidate's content hash. Empty when the cheap
	// size/mtime short-circuit skipped hashing.
	Hash record.ContentHash

	// DuplicateOf is the canonical path whose output is reused.
	// Set only for ClassDuplicate.
	DuplicateOf string

	// Prior is the stored record for this path, if any.
	Prior *record.FileRecord
}

// Policy toggles mirror the engine configuration flags.
type Policy struct {
	// DetectDuplicates enables the cross-path content-hash match.
	DetectDuplicates bool

	// TrackChanges enables the size/mtime short-circuit that avoids
	// hashing files whose cheap metadata is unchanged. With it off,
	// every candidate is hashed every run.
	TrackChanges bool

	// SkipProcessed allows stored outcomes to be reused at all. With
	// it off, files with prior outcomes are reprocessed (duplicate
	// detection still applies).
	SkipProcessed bool
}

// Detector classifies candidates. It only reads the store; all writes
// stay with the scheduler.
type Detector struct {
	store  *store.Store
	policy Policy

	// hashFile is swappable for tests.
	hashFile func(string) (record.ContentHash, error)
}

// New creates a Detector over the given store.
func New(st *store.Store, policy Policy) *Detector {
	return &Detector{store: st, policy: policy, hashFile: fingerprint.File}
}

// Classify decides what to do with one discovered candidate.
//
// The algorithm, in order:
//  1. Look up the prior record by path.
//  2. If the prior outcome is reusable and size+mtime are unchanged,
//     answer ClassUnchanged without hashing (TrackChanges only).
//  3. Hash the content. If another path's succeeded record has the
//     same hash, answer ClassDuplicate of that path.
//  4. Same hash as a reusable prior: ClassUnchanged (hash-verified).
//     Different hash than the prior: ClassChanged. No prior: ClassNew.
//
// A hashing failure is returned as an error; the scheduler treats it
// as a discovery-time skip, not a conversion failure.
func (d *Detector) Classify(ctx context.Context, cand discover.Candidate) (Result, error) {
	prior, err := d.store.GetByPath(ctx, cand.Path)
	if err != nil {
		return Result{}, fmt.Errorf("classify %s: %w", cand.Path, err)
	}

	reusable := prior != nil && d.reusable(prior)

	if d.policy.TrackChanges && reusable &&
		prior.SizeBytes == cand.SizeBytes &&
		prior.ModTime.UnixNano() == cand.ModTime.UnixNano() {
		return Result{Class: ClassUnchanged, Hash: prior.ContentHash, Prior: prior}, nil
	}

	hash, err := d.hashFile(cand.Path)
	if err != nil {
		return Result{Prior: prior}, err
	}

	if d.policy.DetectDuplicates {
		canonical, err := d.store.FindSucceededByHash(ctx, hash, cand.Path)
		if err != nil {
			return Result{}, fmt.Errorf("classify %s: %w", cand.Path, err)
		}
		if canonical != nil {
			return Result{Class: ClassDuplicate, Hash: hash, DuplicateOf: canonical.Path, Prior: prior}, nil
		}
	}

	switch {
	case prior == nil:
		return Result{Class: ClassNew, Hash: hash}, nil
	case reusable && prior.ContentHash == hash:
		return Result{Class: ClassUnchanged, Hash: hash, Prior: prior}, nil
	case prior.ContentHash != "" && prior.ContentHash != hash:
		return Result{Class: ClassChanged, Hash: hash, Prior: prior}, nil
	default:
		// Prior exists but never produced a reusable outcome
		// (transient failure, interrupted run): treat as new work.
		return Result{Class: ClassNew, Hash: hash, Prior: prior}, nil
	}
}

// reusable reports whether the stored outcome can stand for this run.
// Succeeded and duplicate outcomes are reusable; a failed outcome is
// reusable only when its failure was deterministic, since retrying
// those cannot change the result.
func (d *Detector) reusable(prior *record.FileRecord) bool {
	if !d.policy.SkipProcessed {
		return false
	}
	switch prior.Status {
	case record.StatusSucceeded, record.StatusDuplicate:
		return true
	case record.StatusFailed:
		return prior.LastErrorKind == string(retry.KindDeterministic)
	}
	return false
}
