package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Settings is the explicit startup configuration of the run manager.
// All paths come from flags or SIMRUN_* environment variables; a
// missing required path is a startup error, not a scattered exit.
type Settings struct {
	// SourceDir is the shared simulation source tree that builds the
	// stage executables.
	SourceDir string
	// RunsRoot holds the per-run build/snapshot directories and the
	// registry database.
	RunsRoot string
	// DataRoot holds the per-run generated data directories.
	DataRoot string
	// ParamFile is the shared simulation parameter document consumed
	// by both the manager and the simulation binaries.
	ParamFile string
	// Account is the scheduler accounting identity for submissions.
	Account string
	// User is the cluster username used for scheduler queries.
	User string
}

// Validate checks that every required location exists.
func (s Settings) Validate() error {
	if s.SourceDir == "" {
		return fmt.Errorf("simulation source directory not set (--source-dir or SIMRUN_SOURCE_DIR)")
	}
	if s.RunsRoot == "" {
		return fmt.Errorf("runs directory not set (--runs-dir or SIMRUN_RUNS_DIR)")
	}
	if s.DataRoot == "" {
		return fmt.Errorf("data directory not set (--data-dir or SIMRUN_DATA_DIR)")
	}
	if s.ParamFile == "" {
		return fmt.Errorf("parameter file not set (--param-file or SIMRUN_PARAM_FILE)")
	}
	for _, dir := range []string{s.SourceDir, s.RunsRoot, s.DataRoot} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("required directory %s: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("required directory %s is not a directory", dir)
		}
	}
	if _, err := os.Stat(s.ParamFile); err != nil {
		return fmt.Errorf("parameter file %s: %w", s.ParamFile, err)
	}
	return nil
}

// RunPath is the build/snapshot directory of a run, derived from its id.
func (s Settings) RunPath(id int) string {
	return filepath.Join(s.RunsRoot, strconv.Itoa(id))
}

// OutputPath is the generated-data directory of a run.
func (s Settings) OutputPath(id int) string {
	return filepath.Join(s.DataRoot, strconv.Itoa(id))
}

// SnapshotPath is the immutable per-run copy of the parameter document.
func (s Settings) SnapshotPath(id int) string {
	return filepath.Join(s.RunPath(id), filepath.Base(s.ParamFile))
}
