package engine

import (
	"bytes"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/cogsmith/internal/record"
)

func TestWriteSummary_Golden(t *testing.T) {
	started := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	run := record.RunRecord{
		ID:        "0195b2aa-0000-7000-8000-000000000001",
		StartedAt: started,
		EndedAt:   started.Add(90 * time.Second),
		InputRoot: "/data/rasters",
		Counts: record.RunCounts{
			Total:        10,
			New:          5,
			Unchanged:    2,
			Duplicates:   1,
			Succeeded:    4,
			Failed:       1,
			Skipped:      2,
			Uploaded:     3,
			UploadFailed: 1,
		},
	}

	var buf bytes.Buffer
	WriteSummary(&buf, run)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "run_summary", buf.Bytes())
}

func TestWriteSummary_UnsealedOmitsDuration(t *testing.T) {
	run := record.RunRecord{ID: "r1", InputRoot: "/in"}

	var buf bytes.Buffer
	WriteSummary(&buf, run)

	if bytes.Contains(buf.Bytes(), []byte("Duration")) {
		t.Fatalf("unsealed run must not report a duration:\n%s", buf.String())
	}
}
