package core

import (
	"errors"
	"fmt"
	"os"

	"rtlflow/internal/artifact"
)

// ErrNotRestorable means a workspace output no longer matches its record and
// the object store cannot bring it back.
var ErrNotRestorable = errors.New("output cannot be restored")

// Restorer keeps the workspace copy of recorded outputs in line with the
// artifact index. A deleted or edited output of an up-to-date stage is
// restored from the object store instead of rerunning the stage.
type Restorer struct {
	WorkDir string
	Objects *artifact.Objects

	// DryRun reports what Ensure would restore without touching the
	// workspace.
	DryRun bool
}

// NewRestorer creates a Restorer.
func NewRestorer(workDir string, objects *artifact.Objects) *Restorer {
	return &Restorer{WorkDir: workDir, Objects: objects}
}

// Ensure checks that output o of its stage matches rec on disk. It returns
// restored=true when the file had to be rewritten from the object store, and
// an error wrapping ErrNotRestorable when it did not match and could not be
// restored.
func (r *Restorer) Ensure(o Output, rec artifact.Record) (restored bool, err error) {
	target := NewHarvester(r.WorkDir).Resolve(o.Path)
	normalizer := NormalizerFor(o)

	have, err := HashPath(target, normalizer)
	switch {
	case err == nil && have == rec.Hash:
		return false, nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return false, fmt.Errorf("hashing %q: %w", o.Path, err)
	}

	if r.Objects == nil || !r.Objects.Has(rec.Object) {
		return false, fmt.Errorf("%s (%s): %w", o.Kind, o.Path, ErrNotRestorable)
	}
	if r.DryRun {
		return true, nil
	}
	if err := r.Objects.Restore(rec.Object, target); err != nil {
		return false, fmt.Errorf("restoring %q: %w", o.Path, err)
	}

	have, err = HashPath(target, normalizer)
	if err != nil {
		return false, fmt.Errorf("hashing restored %q: %w", o.Path, err)
	}
	if have != rec.Hash {
		return false, fmt.Errorf("%s (%s): restored content hash %s does not match record %s: %w", o.Kind, o.Path, have, rec.Hash, ErrNotRestorable)
	}
	return true, nil
}
