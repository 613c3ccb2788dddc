package engine

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/roach88/cogsmith/internal/record"
)

// WriteSummary renders the operator-facing report for one run.
func WriteSummary(w io.Writer, run record.RunRecord) {
	rule := strings.Repeat("=", 60)
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Run %s\n", run.ID)
	fmt.Fprintf(w, "  %-17s%s\n", "Input root:", run.InputRoot)
	if run.Sealed() {
		fmt.Fprintf(w, "  %-17s%s\n", "Duration:", run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintf(w, "  %-17s%d\n", "Total files:", run.Counts.Total)
	fmt.Fprintf(w, "  %-17s%d\n", "New:", run.Counts.New)
	fmt.Fprintf(w, "  %-17s%d\n", "Unchanged:", run.Counts.Unchanged)
	fmt.Fprintf(w, "  %-17s%d\n", "Duplicates:", run.Counts.Duplicates)
	fmt.Fprintf(w, "  %-17s%d\n", "Succeeded:", run.Counts.Succeeded)
	fmt.Fprintf(w, "  %-17s%d\n", "Failed:", run.Counts.Failed)
	fmt.Fprintf(w, "  %-17s%d\n", "Skipped:", run.Counts.Skipped)
	fmt.Fprintf(w, "  %-17s%d\n", "Uploaded:", run.Counts.Uploaded)
	fmt.Fprintf(w, "  %-17s%d\n", "Upload failures:", run.Counts.UploadFailed)
	fmt.Fprintln(w, rule)
}
