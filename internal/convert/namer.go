package convert

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Namer derives canonical output paths from input paths, preserving
// the directory structure below the input root and normalizing the
// extension to .tif.
//
// Distinct inputs can collide on the derived name (a.tif and a.png
// both map to a.tif), so Reserve checks each name against everything
// reserved so far and disambiguates with a numeric suffix. Reservation
// is in-memory per run; the derived name itself is deterministic, so
// non-colliding inputs get the same output path on every run.
type Namer struct {
	inputRoot string
	outputDir string

	mu       sync.Mutex
	reserved map[string]string // output path -> input path that owns it
}

// NewNamer creates a Namer mapping inputRoot's tree into outputDir.
func NewNamer(inputRoot, outputDir string) *Namer {
	return &Namer{
		inputRoot: inputRoot,
		outputDir: outputDir,
		reserved:  make(map[string]string),
	}
}

// Reserve returns the output path for inputPath, claiming it so no
// other input of this run can produce the same artifact. Re-reserving
// for the same input returns the same path.
func (n *Namer) Reserve(inputPath string) string {
	base := n.derive(inputPath)

	n.mu.Lock()
	defer n.mu.Unlock()

	candidate := base
	for i := 1; ; i++ {
		owner, taken := n.reserved[candidate]
		if !taken {
			n.reserved[candidate] = inputPath
			return candidate
		}
		if owner == inputPath {
			return candidate
		}
		ext := filepath.Ext(base)
		candidate = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(base, ext), i, ext)
	}
}

// derive maps an input path to its canonical output path.
func (n *Namer) derive(inputPath string) string {
	rel, err := filepath.Rel(n.inputRoot, inputPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(inputPath)
	}
	ext := filepath.Ext(rel)
	return filepath.Join(n.outputDir, strings.TrimSuffix(rel, ext)+".tif")
}
