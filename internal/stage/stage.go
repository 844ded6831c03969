// Package stage encodes the pipeline's file naming conventions and the
// per-stage scheduler resource policy.
package stage

import (
	_ "embed"
	"fmt"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"simrun/internal/domain"
)

const ext = "root"

//go:embed defaults.yaml
var defaultsYAML []byte

// Resources are the scheduler parameters of one submission.
type Resources struct {
	Cores     int    `yaml:"cores" json:"cores"`
	Partition string `yaml:"partition" json:"partition"`
	Time      string `yaml:"time" json:"time"`
	MemPerCPU string `yaml:"mem_per_cpu" json:"mem_per_cpu"`
}

// DefaultResources returns the resource policy for a stage:
// particleconversion runs single-core on the short partition, drift
// with moderate parallelism, avalanche long-running and wide.
func DefaultResources(s domain.Stage) (Resources, error) {
	table := map[string]Resources{}
	if err := yaml.Unmarshal(defaultsYAML, &table); err != nil {
		return Resources{}, fmt.Errorf("stage defaults: %w", err)
	}
	res, ok := table[string(s)]
	if !ok {
		return Resources{}, fmt.Errorf("no default resources for stage %s", s)
	}
	return res, nil
}

// Merge overlays non-zero caller overrides on the defaults.
func (r Resources) Merge(override Resources) Resources {
	if override.Cores > 0 {
		r.Cores = override.Cores
	}
	if override.Partition != "" {
		r.Partition = override.Partition
	}
	if override.Time != "" {
		r.Time = override.Time
	}
	if override.MemPerCPU != "" {
		r.MemPerCPU = override.MemPerCPU
	}
	return r
}

// OutputFile is the single merged output of a stage inside outputPath.
func OutputFile(outputPath string, s domain.Stage) string {
	return filepath.Join(outputPath, fmt.Sprintf("%s.%s", s, ext))
}

// ShardFile is the per-shard file of a stage.
func ShardFile(outputPath string, s domain.Stage, shard int) string {
	return filepath.Join(outputPath, fmt.Sprintf("%d_%s.%s", shard, s, ext))
}

// ShardGlob matches every shard file of a stage.
func ShardGlob(outputPath string, s domain.Stage) string {
	return filepath.Join(outputPath, fmt.Sprintf("*_%s.%s", s, ext))
}

// Shards lists the existing shard files of a stage, in glob order.
func Shards(outputPath string, s domain.Stage) ([]string, error) {
	return filepath.Glob(ShardGlob(outputPath, s))
}

// InputStage is the stage whose output feeds s, or false for the first
// stage.
func InputStage(s domain.Stage) (domain.Stage, bool) {
	stages := domain.Stages()
	for i, st := range stages {
		if st == s && i > 0 {
			return stages[i-1], true
		}
	}
	return "", false
}

// DriverScript is the per-run submission script of a stage, copied into
// runPath at build time.
func DriverScript(runPath string, s domain.Stage) string {
	return filepath.Join(runPath, fmt.Sprintf("%s.sh", s))
}

// ProbeScript is the optional per-stage progress probe next to the
// driver script; stages without one report no probe values.
func ProbeScript(runPath string, s domain.Stage) string {
	return filepath.Join(runPath, fmt.Sprintf("%s_progress.sh", s))
}

// LogFile is the scheduler log destination of a stage.
func LogFile(outputPath string, s domain.Stage) string {
	return filepath.Join(outputPath, fmt.Sprintf("%s.log", s))
}

// JobName derives the scheduler short name: stage initial plus the
// zero-padded run id. The fixed width makes the reverse lookup in
// ParseJobName unambiguous.
func JobName(s domain.Stage, runID int) (string, error) {
	if runID <= 0 || runID > 9999 {
		return "", fmt.Errorf("run id %d outside the 4-digit job-name range", runID)
	}
	return fmt.Sprintf("%s%04d", s.Initial(), runID), nil
}

// ParseJobName maps a scheduler short name back to (run, stage).
func ParseJobName(name string) (domain.RunningJob, bool) {
	if len(name) != 5 {
		return domain.RunningJob{}, false
	}
	st, ok := domain.StageFromInitial(name[:1])
	if !ok {
		return domain.RunningJob{}, false
	}
	id := 0
	for _, c := range name[1:] {
		if c < '0' || c > '9' {
			return domain.RunningJob{}, false
		}
		id = id*10 + int(c-'0')
	}
	if id == 0 {
		return domain.RunningJob{}, false
	}
	return domain.RunningJob{RunID: id, Stage: st}, true
}
