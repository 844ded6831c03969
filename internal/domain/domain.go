package domain

import (
	"fmt"
	"sort"
)

// Stage is one step of the simulation pipeline.
type Stage string

const (
	StageParticleConversion Stage = "particleconversion"
	StageDrift              Stage = "drift"
	StageAvalanche          Stage = "avalanche"
)

// Stages returns the pipeline stages in execution order.
func Stages() []Stage {
	return []Stage{StageParticleConversion, StageDrift, StageAvalanche}
}

// ParseStage validates a user-supplied stage name.
func ParseStage(s string) (Stage, error) {
	for _, st := range Stages() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q (expected particleconversion, drift or avalanche)", s)
}

// Initial is the single-letter prefix used in scheduler job names.
func (s Stage) Initial() string {
	return string(s[0])
}

// StageFromInitial resolves a job-name prefix back to a stage.
func StageFromInitial(initial string) (Stage, bool) {
	for _, st := range Stages() {
		if st.Initial() == initial {
			return st, true
		}
	}
	return "", false
}

// Run is one reproducible configuration and data lineage through the
// pipeline. StageStatus maps stage name to the RFC3339 timestamp of the
// last submission, or the empty string if the stage was never submitted.
type Run struct {
	ID          int               `json:"id"`
	Name        string            `json:"name"`
	Message     string            `json:"message"`
	Commit      string            `json:"commit"`
	RunPath     string            `json:"run_path"`
	OutputPath  string            `json:"output_path"`
	CreatedAt   string            `json:"created_at" format:"date-time"`
	StageStatus map[string]string `json:"stage_status"`
}

// DefaultStageStatus returns the all-never map for every known stage.
// Loaded records are merged over this so that adding a stage never
// breaks older registry rows.
func DefaultStageStatus() map[string]string {
	m := make(map[string]string, len(Stages()))
	for _, st := range Stages() {
		m[string(st)] = ""
	}
	return m
}

// Registry is the full in-memory run mapping, loaded wholesale at the
// start of a command and saved wholesale after mutation.
type Registry map[int]Run

// IDs returns the run ids in ascending order.
func (r Registry) IDs() []int {
	ids := make([]int, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// MaxID returns the highest registered id, or 0 for an empty registry.
func (r Registry) MaxID() int {
	max := 0
	for id := range r {
		if id > max {
			max = id
		}
	}
	return max
}

// SubmissionRecord describes one scheduler submission.
type SubmissionRecord struct {
	RunID       int    `json:"run_id"`
	Stage       Stage  `json:"stage"`
	JobName     string `json:"job_name"`
	JobID       string `json:"job_id,omitempty"`
	SubmittedAt string `json:"submitted_at" format:"date-time"`
}

// RunningJob is a scheduler job mapped back to (run, stage) from its
// short job name.
type RunningJob struct {
	RunID int   `json:"run_id"`
	Stage Stage `json:"stage"`
}

// ProbeCategory classifies a per-shard or per-probe status value.
type ProbeCategory string

const (
	ProbeComplete      ProbeCategory = "complete"
	ProbeInProgress    ProbeCategory = "in_progress"
	ProbeNotApplicable ProbeCategory = "not_applicable"
)

// ProbeResult is one structured status cell; rendering (color, width)
// is left to the presentation layer.
type ProbeResult struct {
	Name     string        `json:"name"`
	Value    string        `json:"value"`
	Category ProbeCategory `json:"category"`
}
