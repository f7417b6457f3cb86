package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ErrNoRuns is returned by Latest when no run has been recorded.
var ErrNoRuns = errors.New("no recorded runs")

const (
	manifestFile = "manifest.json"
	failureFile  = "failure.json"
	logsDir      = "logs"
)

// Store keeps one directory per run below <stateDir>/runs:
//
//	<run-id>/manifest.json
//	<run-id>/failure.json
//	<run-id>/logs/<stage>.log
//
// Every file is replaced through a synced temp file and a rename, so a crash
// leaves either the old or the new content.
type Store struct {
	root string
}

// NewStore returns a store rooted at the flow's state directory.
func NewStore(stateDir string) (*Store, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, errors.New("state directory is required")
	}
	return &Store{root: filepath.Join(stateDir, "runs")}, nil
}

func (s *Store) path(runID string, elem ...string) string {
	return filepath.Join(append([]string{s.root, runID}, elem...)...)
}

// LogPath returns where the raw console log of a stage is kept.
func (s *Store) LogPath(runID, stage string) string {
	return s.path(runID, logsDir, stage+".log")
}

// ListRunIDs returns the IDs of runs that have a manifest, sorted. Run IDs
// are time-ordered, so the last one is the most recent run.
func (s *Store) ListRunIDs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && exists(s.path(e.Name(), manifestFile)) {
			ids = append(ids, e.Name())
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// Save writes m, replacing any earlier version of the same run.
func (s *Store) Save(m *Manifest) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	if err := s.putJSON(m.RunID, manifestFile, m); err != nil {
		return fmt.Errorf("saving manifest of run %s: %w", m.RunID, err)
	}
	return nil
}

// Load reads the manifest of a run.
func (s *Store) Load(runID string) (*Manifest, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, errors.New("run ID is required")
	}
	m := new(Manifest)
	if err := getJSON(s.path(runID, manifestFile), m); err != nil {
		return nil, fmt.Errorf("loading manifest of run %s: %w", runID, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest of run %s: %w", runID, err)
	}
	return m, nil
}

// Latest loads the manifest of the most recent run.
func (s *Store) Latest() (*Manifest, error) {
	ids, err := s.ListRunIDs()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNoRuns
	}
	return s.Load(ids[len(ids)-1])
}

// SaveLog writes the raw console log of a stage.
func (s *Store) SaveLog(runID, stage string, log []byte) error {
	if err := replaceFile(s.LogPath(runID, stage), log); err != nil {
		return fmt.Errorf("saving log of %q: %w", stage, err)
	}
	return nil
}

// ReadLog returns the raw console log of a stage.
func (s *Store) ReadLog(runID, stage string) ([]byte, error) {
	return os.ReadFile(s.LogPath(runID, stage))
}

// SaveFailure writes the failure record of a run.
func (s *Store) SaveFailure(runID string, failure Failure) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("run ID is required")
	}
	if err := failure.Validate(); err != nil {
		return fmt.Errorf("invalid failure: %w", err)
	}
	if err := s.putJSON(runID, failureFile, failure); err != nil {
		return fmt.Errorf("saving failure of run %s: %w", runID, err)
	}
	return nil
}

// LoadFailure reads the failure record of a run.
func (s *Store) LoadFailure(runID string) (Failure, error) {
	var failure Failure
	if err := getJSON(s.path(runID, failureFile), &failure); err != nil {
		return Failure{}, err
	}
	if err := failure.Validate(); err != nil {
		return Failure{}, fmt.Errorf("failure of run %s: %w", runID, err)
	}
	return failure, nil
}

// RecordFailure classifies err and writes it as the run's failure record.
func (s *Store) RecordFailure(runID string, err error) error {
	f, ferr := FailureFromError(err)
	if ferr != nil {
		return ferr
	}
	return s.SaveFailure(runID, f)
}

func (s *Store) putJSON(runID, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return replaceFile(s.path(runID, name), append(data, '\n'))
}

// getJSON decodes exactly one JSON value with no unknown fields.
func getJSON(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after JSON document")
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// replaceFile creates any missing parents, then swaps data in under path.
// The directory is synced after the rename so the new entry survives a crash.
func replaceFile(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".pending-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()
	if _, err = f.Write(data); err != nil {
		return err
	}
	if err = f.Chmod(0o644); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Rename(f.Name(), path); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
