package engine

import (
	"context"
	"errors"

	"github.com/roach88/cogsmith/internal/detect"
	"github.com/roach88/cogsmith/internal/discover"
	"github.com/roach88/cogsmith/internal/fingerprint"
	"github.com/roach88/cogsmith/internal/record"
	"github.com/roach88/cogsmith/internal/store"
)

// dispatchAll walks the input tree, classifies every candidate, and
// feeds new work to the worker pool. Candidates whose content hash
// matches a conversion still in flight are returned for a later wave:
// marking them duplicate now would race the canonical outcome.
func (e *Engine) dispatchAll(ctx context.Context, rs *runState) ([]job, error) {
	jobs := make(chan job)
	wg := e.startWorkers(ctx, rs, jobs)

	inflight := map[record.ContentHash]string{}
	var deferred []job

	opts := discover.Options{
		Extensions:   e.cfg.Extensions,
		Exclude:      e.cfg.Exclude,
		MinSizeBytes: e.cfg.MinSizeBytes,
		MaxSizeBytes: e.cfg.MaxSizeBytes,
		Logger:       rs.log,
	}
	walkErr := discover.Walk(ctx, e.cfg.InputRoot, opts, func(cand discover.Candidate) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if e.cfg.Force {
			hash, err := fingerprint.File(cand.Path)
			if err != nil {
				e.skipCandidate(ctx, rs, cand, err, true)
				return nil
			}
			rs.send(record.RunCounts{Total: 1, New: 1})
			jobs <- job{cand: cand, hash: hash}
			return nil
		}

		res, err := e.detector.Classify(ctx, cand)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.skipCandidate(ctx, rs, cand, err, true)
			return nil
		}

		switch res.Class {
		case detect.ClassUnchanged:
			e.observeUnchanged(ctx, rs, cand, res, true)
		case detect.ClassDuplicate:
			e.recordDuplicate(ctx, rs, cand, res, true)
		default: // new or changed content: convert it
			if holder, held := inflight[res.Hash]; held && e.cfg.DetectDuplicates {
				rs.log.Debug("identical content in flight, deferring",
					"path", cand.Path, "holder", holder)
				deferred = append(deferred, job{cand: cand, hash: res.Hash})
				rs.send(record.RunCounts{Total: 1})
				return nil
			}
			inflight[res.Hash] = cand.Path
			rs.send(record.RunCounts{Total: 1, New: 1})
			jobs <- job{cand: cand, hash: res.Hash}
		}
		return nil
	})

	close(jobs)
	wg.Wait()
	return deferred, walkErr
}

// dispatchWave re-classifies deferred candidates after earlier
// conversions settled. If the holder succeeded they come out duplicate;
// if it failed they earn their own conversion. Same-hash collisions
// within the wave defer again, so each wave strictly shrinks the set.
func (e *Engine) dispatchWave(ctx context.Context, rs *runState, pending []job) []job {
	jobs := make(chan job)
	wg := e.startWorkers(ctx, rs, jobs)

	inflight := map[record.ContentHash]string{}
	var deferred []job

	for _, j := range pending {
		if ctx.Err() != nil {
			deferred = append(deferred, j)
			continue
		}

		res, err := e.detector.Classify(ctx, j.cand)
		if err != nil {
			e.skipCandidate(ctx, rs, j.cand, err, false)
			continue
		}

		switch res.Class {
		case detect.ClassUnchanged:
			e.observeUnchanged(ctx, rs, j.cand, res, false)
		case detect.ClassDuplicate:
			e.recordDuplicate(ctx, rs, j.cand, res, false)
		default:
			if _, held := inflight[res.Hash]; held {
				deferred = append(deferred, job{cand: j.cand, hash: res.Hash})
				continue
			}
			inflight[res.Hash] = j.cand.Path
			rs.send(record.RunCounts{New: 1})
			jobs <- job{cand: j.cand, hash: res.Hash}
		}
	}

	close(jobs)
	wg.Wait()
	return deferred
}

// observeUnchanged reuses a stored outcome: bookkeeping is refreshed,
// nothing is converted. The run count bucket follows the stored status,
// so a prior duplicate still reports as a duplicate and a prior
// deterministic failure still reports as failed.
func (e *Engine) observeUnchanged(ctx context.Context, rs *runState, cand discover.Candidate, res detect.Result, countTotal bool) {
	if err := e.persist(ctx, "touch observed", func(pctx context.Context) error {
		return e.store.TouchObserved(pctx, cand.Path, rs.runID, e.now())
	}); err != nil {
		rs.sendFatal(err)
		return
	}

	var c record.RunCounts
	if countTotal {
		c.Total = 1
	}
	status := record.Status("")
	if res.Prior != nil {
		status = res.Prior.Status
	}
	switch status {
	case record.StatusDuplicate:
		c.Duplicates = 1
	case record.StatusFailed:
		c.Failed = 1
	default:
		c.Unchanged = 1
	}
	rs.send(c)
	rs.log.Debug("unchanged, reusing stored outcome", "path", cand.Path, "status", string(status))
}

// recordDuplicate marks cand as a duplicate of the canonical succeeded
// conversion the detector found.
func (e *Engine) recordDuplicate(ctx context.Context, rs *runState, cand discover.Candidate, res detect.Result, countTotal bool) {
	var canonicalGone bool
	err := e.persist(ctx, "mark duplicate", func(pctx context.Context) error {
		err := e.store.MarkDuplicate(pctx, cand.Path, res.DuplicateOf, res.Hash,
			cand.SizeBytes, cand.ModTime, rs.runID, e.now())
		if errors.Is(err, store.ErrCanonicalNotSucceeded) {
			canonicalGone = true
			return nil
		}
		return err
	})
	if err != nil {
		rs.sendFatal(err)
		return
	}
	if canonicalGone {
		// The canonical record regressed between classification and
		// the write; another process owns the database. Skip rather
		// than reference a missing output.
		e.skipCandidate(ctx, rs, cand,
			errors.New("duplicate target "+res.DuplicateOf+" is no longer succeeded"), countTotal)
		return
	}

	var c record.RunCounts
	if countTotal {
		c.Total = 1
	}
	c.Duplicates = 1
	rs.send(c)
	rs.log.Info("duplicate content, reusing output",
		"path", cand.Path, "canonical", res.DuplicateOf)
}

// skipCandidate records a discovery-time skip: unreadable file, failed
// classification, or cancellation before dispatch.
func (e *Engine) skipCandidate(ctx context.Context, rs *runState, cand discover.Candidate, cause error, countTotal bool) {
	rs.log.Warn("skipping file", "path", cand.Path, "error", cause)

	err := e.persist(ctx, "mark skipped", func(pctx context.Context) error {
		if err := e.store.MarkSkipped(pctx, cand.Path, cause.Error(), rs.runID, e.now()); err != nil {
			return err
		}
		return e.store.AppendFailure(pctx, record.FailureEvent{
			Path:       cand.Path,
			RunID:      rs.runID,
			Kind:       "discovery",
			Message:    cause.Error(),
			OccurredAt: e.now(),
		})
	})
	if err != nil {
		rs.sendFatal(err)
		return
	}

	var c record.RunCounts
	if countTotal {
		c.Total = 1
	}
	c.Skipped = 1
	rs.send(c)
}
