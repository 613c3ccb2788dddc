package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roach88/cogsmith/internal/record"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func mustClaim(t *testing.T, s *Store, path string, hash record.ContentHash, runID string) {
	t.Helper()
	claimed, err := s.ClaimProcessing(context.Background(), path, hash, 100, testTime, runID, testTime)
	if err != nil {
		t.Fatalf("ClaimProcessing(%s) failed: %v", path, err)
	}
	if !claimed {
		t.Fatalf("ClaimProcessing(%s) not claimed", path)
	}
}

func TestClaimProcessing_NewPath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustClaim(t, s, "/in/a.tif", "h1", "run-1")

	rec, err := s.GetByPath(ctx, "/in/a.tif")
	if err != nil {
		t.Fatalf("GetByPath failed: %v", err)
	}
	if rec == nil {
		t.Fatal("record not found after claim")
	}
	if rec.Status != record.StatusProcessing {
		t.Errorf("status = %s, expected processing", rec.Status)
	}
	if rec.ContentHash != "h1" {
		t.Errorf("content_hash = %s, expected h1", rec.ContentHash)
	}
	if rec.LastRunID != "run-1" {
		t.Errorf("last_run_id = %s, expected run-1", rec.LastRunID)
	}
}

func TestClaimProcessing_SecondClaimLoses(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustClaim(t, s, "/in/a.tif", "h1", "run-1")

	claimed, err := s.ClaimProcessing(ctx, "/in/a.tif", "h1", 100, testTime, "run-1", testTime)
	if err != nil {
		t.Fatalf("second ClaimProcessing failed: %v", err)
	}
	if claimed {
		t.Error("second claim should lose while path is processing")
	}
}

func TestClaimProcessing_ReclaimAfterTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustClaim(t, s, "/in/a.tif", "h1", "run-1")
	if err := s.MarkSucceeded(ctx, "/in/a.tif", "h1", "/out/a.tif", "run-1", 1, testTime); err != nil {
		t.Fatalf("MarkSucceeded failed: %v", err)
	}

	// A later run (force mode or changed content) may reclaim.
	mustClaim(t, s, "/in/a.tif", "h2", "run-2")

	rec, err := s.GetByPath(ctx, "/in/a.tif")
	if err != nil {
		t.Fatalf("GetByPath failed: %v", err)
	}
	if rec.Status != record.StatusProcessing {
		t.Errorf("status = %s, expected processing after reclaim", rec.Status)
	}
	if rec.ContentHash != "h2" {
		t.Errorf("content_hash = %s, expected h2", rec.ContentHash)
	}
}

func TestClaimProcessing_ReclaimStrandedByOtherRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// run-1 claimed the path and died before writing a terminal state.
	mustClaim(t, s, "/in/a.tif", "h1", "run-1")

	// A later run must be able to take the stranded claim over,
	// otherwise the file can never reach a terminal state again.
	mustClaim(t, s, "/in/a.tif", "h1", "run-2")

	rec, err := s.GetByPath(ctx, "/in/a.tif")
	if err != nil {
		t.Fatalf("GetByPath failed: %v", err)
	}
	if rec.Status != record.StatusProcessing {
		t.Errorf("status = %s, expected processing under the new run", rec.Status)
	}
	if rec.LastRunID != "run-2" {
		t.Errorf("last_run_id = %s, expected run-2", rec.LastRunID)
	}
}

func TestClaimProcessing_ConcurrentSinglePath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const attempts = 16
	var wg sync.WaitGroup
	wins := make(chan bool, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimProcessing(ctx, "/in/hot.tif", "h1", 100, testTime, "run-1", testTime)
			if err != nil {
				t.Errorf("ClaimProcessing failed: %v", err)
				return
			}
			wins <- claimed
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for w := range wins {
		if w {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, expected exactly 1", winners)
	}
}

func TestMarkSucceeded_SetsOutcome(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustClaim(t, s, "/in/a.tif", "h1", "run-1")
	if err := s.MarkSucceeded(ctx, "/in/a.tif", "h1", "/out/a.tif", "run-1", 2, testTime); err != nil {
		t.Fatalf("MarkSucceeded failed: %v", err)
	}

	rec, _ := s.GetByPath(ctx, "/in/a.tif")
	if rec.Status != record.StatusSucceeded {
		t.Errorf("status = %s, expected succeeded", rec.Status)
	}
	if rec.OutputReference != "/out/a.tif" {
		t.Errorf("output_reference = %s", rec.OutputReference)
	}
	if rec.AttemptCount != 2 {
		t.Errorf("attempt_count = %d, expected 2", rec.AttemptCount)
	}
}

func TestMarkSucceeded_EmptyOutputRejected(t *testing.T) {
	s := openTestStore(t)

	mustClaim(t, s, "/in/a.tif", "h1", "run-1")
	err := s.MarkSucceeded(context.Background(), "/in/a.tif", "h1", "", "run-1", 1, testTime)
	if err == nil {
		t.Error("succeeded without output reference must be rejected")
	}
}

func TestMarkSucceeded_AccumulatesAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustClaim(t, s, "/in/a.tif", "h1", "run-1")
	if err := s.MarkSucceeded(ctx, "/in/a.tif", "h1", "/out/a.tif", "run-1", 1, testTime); err != nil {
		t.Fatalf("MarkSucceeded failed: %v", err)
	}

	// Force reprocessing in a later run adds to the attempt history.
	mustClaim(t, s, "/in/a.tif", "h1", "run-2")
	if err := s.MarkSucceeded(ctx, "/in/a.tif", "h1", "/out/a2.tif", "run-2", 1, testTime); err != nil {
		t.Fatalf("second MarkSucceeded failed: %v", err)
	}

	rec, _ := s.GetByPath(ctx, "/in/a.tif")
	if rec.AttemptCount != 2 {
		t.Errorf("attempt_count = %d, expected 2 across runs", rec.AttemptCount)
	}
	if rec.OutputReference != "/out/a2.tif" {
		t.Errorf("output_reference = %s, expected fresh output", rec.OutputReference)
	}
}

func TestMarkFailed_RecordsKind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustClaim(t, s, "/in/bad.tif", "h1", "run-1")
	if err := s.MarkFailed(ctx, "/in/bad.tif", "deterministic", "corrupt input", "run-1", 1, testTime); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	rec, _ := s.GetByPath(ctx, "/in/bad.tif")
	if rec.Status != record.StatusFailed {
		t.Errorf("status = %s, expected failed", rec.Status)
	}
	if rec.LastErrorKind != "deterministic" {
		t.Errorf("last_error_kind = %s", rec.LastErrorKind)
	}
	if rec.LastError != "corrupt input" {
		t.Errorf("last_error = %s", rec.LastError)
	}
}

func TestMarkSkipped_InsertsUnseenPath(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.MarkSkipped(ctx, "/in/unreadable.tif", "fingerprint failed", "run-1", testTime); err != nil {
		t.Fatalf("MarkSkipped failed: %v", err)
	}

	rec, _ := s.GetByPath(ctx, "/in/unreadable.tif")
	if rec == nil || rec.Status != record.StatusSkipped {
		t.Fatalf("record = %+v, expected skipped", rec)
	}
}

func TestMarkSkipped_NeverClobbersSucceeded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustClaim(t, s, "/in/a.tif", "h1", "run-1")
	if err := s.MarkSucceeded(ctx, "/in/a.tif", "h1", "/out/a.tif", "run-1", 1, testTime); err != nil {
		t.Fatalf("MarkSucceeded failed: %v", err)
	}
	if err := s.MarkSkipped(ctx, "/in/a.tif", "later skip", "run-2", testTime); err != nil {
		t.Fatalf("MarkSkipped failed: %v", err)
	}

	rec, _ := s.GetByPath(ctx, "/in/a.tif")
	if rec.Status != record.StatusSucceeded {
		t.Errorf("status = %s, succeeded history must survive a later skip", rec.Status)
	}
}

func TestMarkDuplicate_RequiresSucceededCanonical(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Canonical still processing: duplicate must be refused.
	mustClaim(t, s, "/in/a.tif", "h1", "run-1")
	err := s.MarkDuplicate(ctx, "/in/b.tif", "/in/a.tif", "h1", 100, testTime, "run-1", testTime)
	if !errors.Is(err, ErrCanonicalNotSucceeded) {
		t.Fatalf("err = %v, expected ErrCanonicalNotSucceeded", err)
	}

	// Once the canonical succeeds, the duplicate is accepted.
	if err := s.MarkSucceeded(ctx, "/in/a.tif", "h1", "/out/a.tif", "run-1", 1, testTime); err != nil {
		t.Fatalf("MarkSucceeded failed: %v", err)
	}
	if err := s.MarkDuplicate(ctx, "/in/b.tif", "/in/a.tif", "h1", 100, testTime, "run-1", testTime); err != nil {
		t.Fatalf("MarkDuplicate failed: %v", err)
	}

	rec, _ := s.GetByPath(ctx, "/in/b.tif")
	if rec.Status != record.StatusDuplicate {
		t.Errorf("status = %s, expected duplicate", rec.Status)
	}
	if rec.DuplicateOf != "/in/a.tif" {
		t.Errorf("duplicate_of = %s", rec.DuplicateOf)
	}
	if rec.OutputReference != "" {
		t.Errorf("duplicate should not carry its own output reference, got %s", rec.OutputReference)
	}
}

func TestMarkDuplicate_MissingCanonical(t *testing.T) {
	s := openTestStore(t)

	err := s.MarkDuplicate(context.Background(), "/in/b.tif", "/in/ghost.tif", "h1", 100, testTime, "run-1", testTime)
	if !errors.Is(err, ErrCanonicalNotSucceeded) {
		t.Errorf("err = %v, expected ErrCanonicalNotSucceeded", err)
	}
}

func TestFindSucceededByHash_CanonicalOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, p := range []string{"/in/z.tif", "/in/a.tif"} {
		mustClaim(t, s, p, "shared", "run-1")
		if err := s.MarkSucceeded(ctx, p, "shared", "/out"+p, "run-1", 1, testTime); err != nil {
			t.Fatalf("MarkSucceeded(%s) failed: %v", p, err)
		}
	}

	rec, err := s.FindSucceededByHash(ctx, "shared", "/in/c.tif")
	if err != nil {
		t.Fatalf("FindSucceededByHash failed: %v", err)
	}
	if rec == nil || rec.Path != "/in/a.tif" {
		t.Errorf("canonical = %+v, expected lexicographically smallest path", rec)
	}
}

func TestFindSucceededByHash_ExcludesSelfAndNonSucceeded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustClaim(t, s, "/in/self.tif", "h1", "run-1")
	if err := s.MarkSucceeded(ctx, "/in/self.tif", "h1", "/out/self.tif", "run-1", 1, testTime); err != nil {
		t.Fatalf("MarkSucceeded failed: %v", err)
	}
	// A processing record with the same hash must never match.
	mustClaim(t, s, "/in/inflight.tif", "h2", "run-1")

	rec, err := s.FindSucceededByHash(ctx, "h1", "/in/self.tif")
	if err != nil {
		t.Fatalf("FindSucceededByHash failed: %v", err)
	}
	if rec != nil {
		t.Errorf("self match returned: %+v", rec)
	}

	rec, err = s.FindSucceededByHash(ctx, "h2", "/in/other.tif")
	if err != nil {
		t.Fatalf("FindSucceededByHash failed: %v", err)
	}
	if rec != nil {
		t.Errorf("processing record matched as duplicate anchor: %+v", rec)
	}
}

func TestRecordUploadResult(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustClaim(t, s, "/in/a.tif", "h1", "run-1")
	if err := s.MarkSucceeded(ctx, "/in/a.tif", "h1", "/out/a.tif", "run-1", 1, testTime); err != nil {
		t.Fatalf("MarkSucceeded failed: %v", err)
	}
	if err := s.RecordUploadResult(ctx, "/in/a.tif", "", "connection refused", testTime); err != nil {
		t.Fatalf("RecordUploadResult failed: %v", err)
	}

	rec, _ := s.GetByPath(ctx, "/in/a.tif")
	if rec.Status != record.StatusSucceeded {
		t.Errorf("upload failure reverted status to %s", rec.Status)
	}
	if rec.UploadError != "connection refused" {
		t.Errorf("upload_error = %s", rec.UploadError)
	}

	if err := s.RecordUploadResult(ctx, "/in/a.tif", "s3://bucket/h1.tif", "", testTime); err != nil {
		t.Fatalf("RecordUploadResult retry failed: %v", err)
	}
	rec, _ = s.GetByPath(ctx, "/in/a.tif")
	if rec.UploadReference != "s3://bucket/h1.tif" {
		t.Errorf("upload_reference = %s", rec.UploadReference)
	}
	if rec.UploadError != "" {
		t.Errorf("upload_error not cleared: %s", rec.UploadError)
	}
}

func TestGetByPath_Unseen(t *testing.T) {
	s := openTestStore(t)

	rec, err := s.GetByPath(context.Background(), "/never/seen.tif")
	if err != nil {
		t.Fatalf("GetByPath failed: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil record for unseen path, got %+v", rec)
	}
}

func TestRecords_SurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	ctx := context.Background()

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	mustClaim(t, s1, "/in/a.tif", "h1", "run-1")
	if err := s1.MarkSucceeded(ctx, "/in/a.tif", "h1", "/out/a.tif", "run-1", 1, testTime); err != nil {
		t.Fatalf("MarkSucceeded failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	rec, err := s2.GetByPath(ctx, "/in/a.tif")
	if err != nil {
		t.Fatalf("GetByPath after reopen failed: %v", err)
	}
	if rec == nil || rec.Status != record.StatusSucceeded {
		t.Fatalf("record lost across restart: %+v", rec)
	}
	if !rec.UpdatedAt.Equal(testTime) {
		t.Errorf("updated_at = %v, expected %v", rec.UpdatedAt, testTime)
	}
}
