// Package discover enumerates candidate raster files under an input root.
//
// Discovery is pure filesystem enumeration: it never consults the
// metadata store, carries no state between walks, and can be re-run at
// any time over the same root.
package discover

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

// Candidate is one discovered input file with the cheap metadata the
// change detector uses before deciding whether to hash it.
type Candidate struct {
	Path      string // canonical absolute path
	SizeBytes int64
	ModTime   time.Time
}

// Options filters the walk.
type Options struct {
	// Extensions lists accepted file extensions including the leading
	// dot, matched case-insensitively (".tif" accepts "A.TIF").
	Extensions []string

	// Exclude holds glob patterns matched against both the path
	// relative to the root and the file's base name. A matching file
	// or directory is skipped; matching directories are pruned.
	Exclude []string

	// MinSizeBytes and MaxSizeBytes bound candidate sizes.
	// Zero means unbounded.
	MinSizeBytes int64
	MaxSizeBytes int64

	// Logger receives skip warnings for unreadable entries.
	// Defaults to slog.Default.
	Logger *slog.Logger
}

// WalkFunc receives each candidate in traversal order. Returning an
// error aborts the walk and propagates the error to the caller.
type WalkFunc func(Candidate) error

// Walk traverses root recursively and calls fn for every file that
// passes the extension, exclusion, and size filters.
//
// Unreadable directories and files are logged and skipped; they never
// abort the walk. Symlinks are not followed, which also rules out
// symlink cycles. The walk stops early when ctx is cancelled.
func Walk(ctx context.Context, root string, opts Options, fn WalkFunc) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("discover: resolve root %s: %w", root, err)
	}

	exts := normalizeExtensions(opts.Extensions)
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			// Unlistable or unreadable entry: skip and continue.
			log.Warn("discovery skipping unreadable path", "path", path, "error", walkErr)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		rel, relErr := filepath.Rel(absRoot, path)
		if relErr != nil {
			rel = d.Name()
		}

		if excluded(rel, d.Name(), opts.Exclude) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}
		// WalkDir does not follow symlinks; skip the links themselves
		// so a dangling or cyclic link never becomes a candidate.
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		if len(exts) > 0 && !exts[strings.ToLower(filepath.Ext(d.Name()))] {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			log.Warn("discovery skipping unstatable file", "path", path, "error", err)
			return nil
		}
		if opts.MinSizeBytes > 0 && info.Size() < opts.MinSizeBytes {
			return nil
		}
		if opts.MaxSizeBytes > 0 && info.Size() > opts.MaxSizeBytes {
			return nil
		}

		return fn(Candidate{Path: path, SizeBytes: info.Size(), ModTime: info.ModTime()})
	})
}

// Collect runs Walk and gathers all candidates into a slice.
// Convenience for callers and tests that do not need streaming.
func Collect(ctx context.Context, root string, opts Options) ([]Candidate, error) {
	var out []Candidate
	err := Walk(ctx, root, opts, func(c Candidate) error {
		out = append(out, c)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	return out, err
}

func normalizeExtensions(exts []string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = true
	}
	return set
}

func excluded(rel, base string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}
