// Package manifest holds the durable record of a flow run.
//
// A Manifest is created when a run starts, updated after every stage
// outcome, and finalized when the run ends. It is written to disk after each
// update so a crash leaves a usable partial record. The manifest of the most
// recent run is what the next run plans against.
package manifest

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"rtlflow/internal/dag"
)

// RunStatus is the overall status of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "Running"
	RunSucceeded RunStatus = "Succeeded"
	RunFailed    RunStatus = "Failed"
	RunCancelled RunStatus = "Cancelled"
)

// Manifest is the record of one run.
type Manifest struct {
	RunID         string    `json:"run_id"`
	PreviousRunID string    `json:"previous_run_id,omitempty"`
	GraphHash     string    `json:"graph_hash"`
	Status        RunStatus `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at,omitzero"`

	// ConstraintVersion is the head of the constraint ledger when the run
	// was last saved.
	ConstraintVersion int `json:"constraint_version"`

	Stages map[string]*Entry `json:"stages"`
}

// Entry is the record of one stage within a run.
type Entry struct {
	Status     dag.Status `json:"status"`
	StartedAt  time.Time  `json:"started_at,omitzero"`
	FinishedAt time.Time  `json:"finished_at,omitzero"`

	// Consumed and Produced map artifact kind to content hash.
	Consumed map[string]string `json:"consumed"`
	Produced map[string]string `json:"produced"`

	ExitCode    *int   `json:"exit_code,omitempty"`
	Error       string `json:"error,omitempty"`
	FailureCode string `json:"failure_code,omitempty"`

	// Log is the backend's console output, verbatim.
	Log string `json:"log,omitempty"`

	DefinitionHash    string `json:"definition_hash"`
	ConstraintHash    string `json:"constraint_hash,omitempty"`
	ConstraintVersion int    `json:"constraint_version"`

	// Reused is set when the stage was clean and its entry was carried over
	// from ReusedFrom without running the backend.
	Reused     bool   `json:"reused,omitempty"`
	ReusedFrom string `json:"reused_from,omitempty"`

	// Reason says why the stage was dirty.
	Reason string `json:"reason,omitempty"`

	Attempts int      `json:"attempts,omitempty"`
	Ignored  []string `json:"ignored_outputs,omitempty"`
}

// NewRunID returns a time-ordered run identifier (UUIDv7), so sorting run
// IDs sorts runs by start time.
func NewRunID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// New returns an empty manifest for a run that starts now.
func New(runID, graphHash string, now time.Time) *Manifest {
	return &Manifest{
		RunID:     runID,
		GraphHash: graphHash,
		Status:    RunRunning,
		StartedAt: now.UTC(),
		Stages:    make(map[string]*Entry),
	}
}

// Entry returns the entry of a stage, if the run has one.
func (m *Manifest) Entry(stage string) (*Entry, bool) {
	if m == nil {
		return nil, false
	}
	e, ok := m.Stages[stage]
	return e, ok
}

// Set records the entry of a stage, replacing any previous one.
func (m *Manifest) Set(stage string, e *Entry) {
	if e.Consumed == nil {
		e.Consumed = map[string]string{}
	}
	if e.Produced == nil {
		e.Produced = map[string]string{}
	}
	m.Stages[stage] = e
}

// Names returns the stage names with an entry, sorted.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Stages))
	for name := range m.Stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Counts returns the number of entries per status.
func (m *Manifest) Counts() map[dag.Status]int {
	out := make(map[dag.Status]int)
	for _, e := range m.Stages {
		out[e.Status]++
	}
	return out
}

// Finish sets the final status of the run.
func (m *Manifest) Finish(status RunStatus, now time.Time) {
	m.Status = status
	m.FinishedAt = now.UTC()
}

// Validate checks the fields every manifest on disk must carry.
func (m *Manifest) Validate() error {
	var errs []error
	if strings.TrimSpace(m.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if strings.TrimSpace(m.GraphHash) == "" {
		errs = append(errs, errors.New("graph_hash is required"))
	}
	if m.StartedAt.IsZero() {
		errs = append(errs, errors.New("started_at is required"))
	}
	switch m.Status {
	case RunRunning, RunSucceeded, RunFailed, RunCancelled:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", m.Status))
	}
	if m.Stages == nil {
		errs = append(errs, errors.New("stages must be an object (not null)"))
	}
	for _, name := range m.Names() {
		e := m.Stages[name]
		if e == nil {
			errs = append(errs, fmt.Errorf("stage %q: entry is null", name))
			continue
		}
		if e.Status == "" {
			errs = append(errs, fmt.Errorf("stage %q: status is required", name))
		}
	}
	return errors.Join(errs...)
}
