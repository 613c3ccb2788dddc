package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/roach88/cogsmith/internal/record"
	"github.com/roach88/cogsmith/internal/retry"
)

// startWorkers launches the current pool size worth of workers reading
// from jobs. The returned WaitGroup completes when jobs is closed and
// every in-flight conversion has settled.
func (e *Engine) startWorkers(ctx context.Context, rs *runState, jobs <-chan job) *sync.WaitGroup {
	var wg sync.WaitGroup
	n := int(rs.workers.Load())
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-rs.exitOne:
					return
				case j, ok := <-jobs:
					if !ok {
						return
					}
					e.processJob(ctx, rs, j)
				}
			}
		}()
	}
	return &wg
}

// processJob drives one file from claim to terminal state: convert with
// retries per the policy, persist the outcome, then run the upload
// sub-outcome for successes.
func (e *Engine) processJob(ctx context.Context, rs *runState, j job) {
	outputPath := rs.namer.Reserve(j.cand.Path)

	var claimed bool
	err := e.persist(ctx, "claim processing", func(pctx context.Context) error {
		var perr error
		claimed, perr = e.store.ClaimProcessing(pctx, j.cand.Path, j.hash,
			j.cand.SizeBytes, j.cand.ModTime, rs.runID, e.now())
		return perr
	})
	if err != nil {
		rs.sendFatal(err)
		return
	}
	if !claimed {
		// Another worker holds this path: the input surfaced the same
		// path twice. Exactly one outcome per path per run.
		rs.log.Warn("path already claimed this run, dropping", "path", j.cand.Path)
		rs.send(record.RunCounts{Skipped: 1})
		return
	}

	for attempt := 1; ; attempt++ {
		ref, convErr := e.converter.Convert(ctx, j.cand.Path, outputPath, rs.params)
		if convErr == nil {
			if err := e.persist(ctx, "mark succeeded", func(pctx context.Context) error {
				return e.store.MarkSucceeded(pctx, j.cand.Path, j.hash, ref, rs.runID, attempt, e.now())
			}); err != nil {
				rs.sendFatal(err)
				return
			}
			rs.log.Info("converted", "path", j.cand.Path, "output", ref, "attempts", attempt)

			c := record.RunCounts{Succeeded: 1}
			e.uploadArtifact(ctx, rs, j, ref, &c)
			rs.send(c)
			return
		}

		kind := retry.KindOf(convErr)
		if err := e.appendFailure(ctx, rs, j.cand.Path, attempt, kind, convErr); err != nil {
			rs.sendFatal(err)
			return
		}

		d := e.policy.Classify(kind, attempt)
		if d.Action != retry.ActionRetry {
			if err := e.persist(ctx, "mark failed", func(pctx context.Context) error {
				return e.store.MarkFailed(pctx, j.cand.Path, string(kind), convErr.Error(), rs.runID, attempt, e.now())
			}); err != nil {
				rs.sendFatal(err)
				return
			}
			rs.log.Error("conversion failed permanently",
				"path", j.cand.Path, "kind", string(kind), "attempts", attempt, "error", convErr)
			rs.send(record.RunCounts{Failed: 1})
			return
		}

		if d.ReduceConcurrency {
			rs.reduceConcurrency()
		}
		rs.log.Warn("conversion failed, retrying",
			"path", j.cand.Path, "kind", string(kind), "attempt", attempt, "delay", d.Delay, "error", convErr)
		if sleepCtx(ctx, d.Delay) != nil {
			// Cancelled mid-backoff: the attempt already failed, so a
			// retry-eligible file ends the run skipped, not failed.
			if err := e.persist(ctx, "mark skipped", func(pctx context.Context) error {
				return e.store.MarkSkipped(pctx, j.cand.Path, "run cancelled during retry backoff", rs.runID, e.now())
			}); err != nil {
				rs.sendFatal(err)
				return
			}
			rs.send(record.RunCounts{Skipped: 1})
			return
		}
	}
}

// uploadArtifact pushes the converted artifact to the object store,
// retrying on the same backoff policy. Upload failure is recorded as a
// sub-outcome and never reverts the succeeded conversion.
func (e *Engine) uploadArtifact(ctx context.Context, rs *runState, j job, localRef string, c *record.RunCounts) {
	if e.uploader == nil {
		return
	}

	for attempt := 1; ; attempt++ {
		ref, upErr := e.uploader.Upload(ctx, localRef, j.cand.Path, j.hash)
		if upErr == nil {
			if err := e.persist(ctx, "record upload", func(pctx context.Context) error {
				return e.store.RecordUploadResult(pctx, j.cand.Path, ref, "", e.now())
			}); err != nil {
				rs.sendFatal(err)
				return
			}
			c.Uploaded = 1
			rs.log.Info("uploaded", "path", j.cand.Path, "ref", ref)

			if !e.cfg.PreserveLocal {
				if rmErr := os.Remove(localRef); rmErr != nil {
					rs.log.Warn("could not remove local artifact after upload",
						"path", localRef, "error", rmErr)
				}
			}
			return
		}

		if err := e.appendFailure(ctx, rs, j.cand.Path, attempt, retry.KindUpload, upErr); err != nil {
			rs.sendFatal(err)
			return
		}

		d := e.policy.Classify(retry.KindUpload, attempt)
		if d.Action != retry.ActionRetry {
			if err := e.persist(ctx, "record upload failure", func(pctx context.Context) error {
				return e.store.RecordUploadResult(pctx, j.cand.Path, "", upErr.Error(), e.now())
			}); err != nil {
				rs.sendFatal(err)
				return
			}
			c.UploadFailed = 1
			rs.log.Error("upload failed, conversion outcome preserved",
				"path", j.cand.Path, "attempts", attempt, "error", upErr)
			return
		}

		rs.log.Warn("upload failed, retrying",
			"path", j.cand.Path, "attempt", attempt, "delay", d.Delay, "error", upErr)
		if sleepCtx(ctx, d.Delay) != nil {
			if err := e.persist(ctx, "record upload failure", func(pctx context.Context) error {
				return e.store.RecordUploadResult(pctx, j.cand.Path, "", "run cancelled during upload retry", e.now())
			}); err != nil {
				rs.sendFatal(err)
				return
			}
			c.UploadFailed = 1
			return
		}
	}
}

// appendFailure writes one entry to the append-only error log. Every
// attempt that fails gets exactly one entry, retried or not.
func (e *Engine) appendFailure(ctx context.Context, rs *runState, path string, attempt int, kind retry.Kind, cause error) error {
	return e.persist(ctx, "append failure", func(pctx context.Context) error {
		return e.store.AppendFailure(pctx, record.FailureEvent{
			Path:       path,
			RunID:      rs.runID,
			Attempt:    attempt,
			Kind:       string(kind),
			Message:    cause.Error(),
			OccurredAt: e.now(),
		})
	})
}

// persist runs a metadata write with the store retry policy. The write
// ignores run cancellation: a cancelled run still records everything it
// finished. Exhausting retries here is fatal to the run.
func (e *Engine) persist(ctx context.Context, op string, fn func(context.Context) error) error {
	pctx := context.WithoutCancel(ctx)
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(pctx); err == nil {
			return nil
		}
		d := e.policy.Classify(retry.KindStore, attempt)
		if d.Action != retry.ActionRetry {
			break
		}
		e.log.Warn("metadata write failed, retrying", "op", op, "attempt", attempt, "error", err)
		time.Sleep(d.Delay)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
