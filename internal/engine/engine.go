// Package engine orchestrates a conversion run: discovery feeds the
// detector, new work is dispatched to a bounded worker pool, outcomes
// are persisted through the store, and the run is sealed with final
// counts whether it completes or aborts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/cogsmith/internal/blob"
	"github.com/roach88/cogsmith/internal/convert"
	"github.com/roach88/cogsmith/internal/detect"
	"github.com/roach88/cogsmith/internal/discover"
	"github.com/roach88/cogsmith/internal/record"
	"github.com/roach88/cogsmith/internal/retry"
	"github.com/roach88/cogsmith/internal/store"
)

// Engine runs conversions. Construct with New, execute with Run.
// An Engine is safe to reuse for sequential runs; Run must not be
// called concurrently with itself because the store expects a single
// orchestrating process.
type Engine struct {
	store     *store.Store
	converter convert.Converter
	uploader  *blob.Uploader
	detector  *detect.Detector
	cfg       Config
	policy    retry.Policy
	runGen    RunIDGenerator
	now       func() time.Time
	log       *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithUploader enables pushing converted artifacts to an object store.
func WithUploader(u *blob.Uploader) Option {
	return func(e *Engine) { e.uploader = u }
}

// WithRunIDGenerator overrides run identifier generation. Tests use
// FixedGenerator for deterministic run IDs.
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(e *Engine) { e.runGen = g }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger overrides the logger (default slog.Default).
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// New creates an Engine over the given store and converter.
func New(st *store.Store, conv convert.Converter, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		converter: conv,
		cfg:       cfg.withDefaults(),
		runGen:    UUIDv7Generator{},
		now:       time.Now,
		log:       slog.Default(),
	}
	e.policy = retry.Policy{MaxRetries: e.cfg.MaxRetries, BaseDelay: e.cfg.BaseDelay}
	e.detector = detect.New(st, detect.Policy{
		DetectDuplicates: e.cfg.DetectDuplicates,
		TrackChanges:     e.cfg.TrackChanges,
		SkipProcessed:    e.cfg.SkipProcessed,
	})
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// job is one file handed to the worker pool, hash already computed.
type job struct {
	cand discover.Candidate
	hash record.ContentHash
}

// outcome is one bookkeeping event flowing to the aggregator. A fatal
// outcome aborts the run.
type outcome struct {
	counts record.RunCounts
	fatal  error
}

// runState is the mutable per-run context shared by the dispatcher,
// the workers, and the aggregator.
type runState struct {
	runID  string
	log    *slog.Logger
	namer  *convert.Namer
	params convert.Params

	// workers is the effective pool size; shrunk by one after a
	// resource-limit failure so later dispatch waves start smaller.
	workers    atomic.Int32
	exitOne    chan struct{}
	reduceOnce sync.Once

	results chan outcome
}

func (rs *runState) send(c record.RunCounts) { rs.results <- outcome{counts: c} }
func (rs *runState) sendFatal(err error)     { rs.results <- outcome{fatal: err} }

// reduceConcurrency retires one worker, at most once per run. The
// token in exitOne is consumed by whichever worker next goes idle, so
// in-flight conversions are never interrupted.
func (rs *runState) reduceConcurrency() {
	rs.reduceOnce.Do(func() {
		if rs.workers.Load() <= 1 {
			return
		}
		rs.workers.Add(-1)
		select {
		case rs.exitOne <- struct{}{}:
		default:
		}
		rs.log.Warn("resource limit hit, shrinking worker pool by one",
			"workers", rs.workers.Load())
	})
}

// Run executes one conversion run to completion and returns the sealed
// run record.
//
// Cancellation is graceful: discovery and dispatch stop, in-flight
// conversions finish, and the run is sealed with partial counts before
// Run returns the context error. Metadata writes deliberately ignore
// cancellation so everything that finished is recorded.
//
// A non-nil error alongside a sealed record means the run aborted:
// cancelled, input root unreadable, or the metadata store gave out.
func (e *Engine) Run(ctx context.Context) (record.RunRecord, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	run := record.RunRecord{
		ID:             e.runGen.Generate(),
		StartedAt:      e.now(),
		InputRoot:      e.cfg.InputRoot,
		ConfigSnapshot: e.cfg.Snapshot(),
	}
	if err := e.store.BeginRun(ctx, run.ID, run.InputRoot, run.ConfigSnapshot, run.StartedAt); err != nil {
		return run, fmt.Errorf("begin run: %w", err)
	}

	rs := &runState{
		runID:   run.ID,
		log:     e.log.With("run_id", run.ID),
		namer:   convert.NewNamer(e.cfg.InputRoot, e.cfg.OutputDir),
		params:  e.cfg.params(),
		exitOne: make(chan struct{}, 1),
		results: make(chan outcome, e.cfg.MaxWorkers),
	}
	rs.workers.Store(int32(e.cfg.MaxWorkers))

	rs.log.Info("run started",
		"input_root", e.cfg.InputRoot,
		"workers", e.cfg.MaxWorkers,
		"force", e.cfg.Force)

	if e.uploader != nil {
		if err := e.uploader.EnsureBucket(ctx); err != nil {
			rs.log.Warn("destination bucket not ready, uploads will be recorded as failed", "error", err)
		}
	}

	var (
		counts   record.RunCounts
		fatalErr error
		aggDone  = make(chan struct{})
	)
	go func() {
		defer close(aggDone)
		for o := range rs.results {
			if o.fatal != nil {
				if fatalErr == nil {
					fatalErr = o.fatal
					rs.log.Error("metadata store unavailable, aborting run", "error", o.fatal)
					cancel()
				}
				continue
			}
			counts.Add(o.counts)
		}
	}()

	deferred, walkErr := e.dispatchAll(ctx, rs)

	// Candidates whose content was still being converted when first
	// seen get re-classified once the earlier conversion has settled.
	for len(deferred) > 0 && ctx.Err() == nil {
		deferred = e.dispatchWave(ctx, rs, deferred)
	}
	for _, j := range deferred {
		e.skipCandidate(ctx, rs, j.cand, errors.New("run cancelled"), false)
	}

	close(rs.results)
	<-aggDone

	run.Counts = counts
	run.EndedAt = e.now()
	if err := e.store.SealRun(context.WithoutCancel(ctx), run.ID, counts, run.EndedAt); err != nil {
		return run, fmt.Errorf("seal run: %w", err)
	}

	rs.log.Info("run sealed",
		"total", counts.Total,
		"succeeded", counts.Succeeded,
		"failed", counts.Failed,
		"skipped", counts.Skipped,
		"duplicates", counts.Duplicates,
		"uploaded", counts.Uploaded)

	switch {
	case fatalErr != nil:
		return run, fatalErr
	case walkErr != nil:
		return run, walkErr
	default:
		return run, ctx.Err()
	}
}
