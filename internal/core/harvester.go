package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Harvester checks and collects the declared outputs of a stage after its
// backend exits.
//
// Only declared outputs become artifacts. Anything else the backend leaves in
// its output directory is reported by Undeclared and otherwise ignored.
type Harvester struct {
	// WorkDir is the directory declared output paths are relative to.
	WorkDir string
}

// NewHarvester creates a Harvester rooted at workDir.
func NewHarvester(workDir string) *Harvester {
	return &Harvester{WorkDir: workDir}
}

// Harvested is a declared output that exists on disk.
type Harvested struct {
	Output  Output
	AbsPath string
}

// MissingOutputError lists declared outputs the backend did not produce.
type MissingOutputError struct {
	Stage string
	Kinds []string
}

func (e *MissingOutputError) Error() string {
	return fmt.Sprintf("stage %q did not produce declared outputs: %s", e.Stage, strings.Join(e.Kinds, ", "))
}

// Resolve returns the absolute path of p relative to the work directory.
func (h *Harvester) Resolve(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(h.WorkDir, filepath.FromSlash(p))
}

// Clean removes every declared output so a failed run can never leave a
// previous run's file looking like fresh output.
func (h *Harvester) Clean(s Stage) error {
	for _, o := range s.Outputs {
		full := h.Resolve(o.Path)
		if err := os.RemoveAll(full); err != nil {
			return fmt.Errorf("removing %q: %w", o.Path, err)
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("creating parent of %q: %w", o.Path, err)
		}
	}
	if s.Tool.OutputDir != "" {
		if err := os.MkdirAll(h.Resolve(s.Tool.OutputDir), 0o755); err != nil {
			return fmt.Errorf("creating output dir %q: %w", s.Tool.OutputDir, err)
		}
	}
	return nil
}

// Harvest returns the declared outputs in kind order. It fails with a
// *MissingOutputError if any declared output does not exist.
func (h *Harvester) Harvest(s Stage) ([]Harvested, error) {
	outs := make([]Output, len(s.Outputs))
	copy(outs, s.Outputs)
	sort.Slice(outs, func(i, j int) bool { return outs[i].Kind < outs[j].Kind })

	var missing []string
	harvested := make([]Harvested, 0, len(outs))
	for _, o := range outs {
		full := h.Resolve(o.Path)
		if _, err := os.Stat(full); err != nil {
			if os.IsNotExist(err) {
				missing = append(missing, o.Kind)
				continue
			}
			return nil, fmt.Errorf("stat output %q: %w", o.Path, err)
		}
		harvested = append(harvested, Harvested{Output: o, AbsPath: full})
	}
	if len(missing) > 0 {
		return nil, &MissingOutputError{Stage: s.Name, Kinds: missing}
	}
	return harvested, nil
}

// Undeclared lists files under the stage's output directory that no declared
// output covers, relative to the work directory and sorted.
func (h *Harvester) Undeclared(s Stage) ([]string, error) {
	if s.Tool.OutputDir == "" {
		return nil, nil
	}
	dir := h.Resolve(s.Tool.OutputDir)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}

	declared := make([]string, 0, len(s.Outputs)+1)
	for _, o := range s.Outputs {
		declared = append(declared, h.Resolve(o.Path))
	}
	if s.Tool.ConstraintsOut != "" {
		declared = append(declared, h.Resolve(s.Tool.ConstraintsOut))
	}

	files, err := collectFiles(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range files {
		if covered(f, declared) {
			continue
		}
		rel, err := filepath.Rel(h.WorkDir, f)
		if err != nil {
			rel = f
		}
		out = append(out, filepath.ToSlash(rel))
	}
	return out, nil
}

func covered(path string, declared []string) bool {
	for _, d := range declared {
		if path == d || strings.HasPrefix(path, d+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// collectFiles returns all regular files below dir, sorted.
func collectFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
