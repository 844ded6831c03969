package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"simrun/internal/domain"
	"simrun/internal/events"
	"simrun/internal/params"
	"simrun/internal/stage"
)

// CreateOptions are parameters for creating a run.
type CreateOptions struct {
	Name    string
	Message string
	// ID requests an explicit run id; 0 allocates the next free one.
	ID int
	// MeshPath overrides the geometry/mesh directory copied from the
	// source tree.
	MeshPath string
	// GapSizeUM overrides the amplification gap, in micrometers; 0
	// leaves the shared document untouched.
	GapSizeUM float64
	// ConversionFile reuses an existing particleconversion output
	// instead of producing one, so the first stage can be skipped.
	ConversionFile string
}

// Create allocates a run, snapshots the configuration, builds the
// stage executables and persists the new record. A build failure
// leaves the registry without the run.
func (e Engine) Create(ctx context.Context, opts CreateOptions) (domain.Run, error) {
	if opts.Message == "" {
		return domain.Run{}, fmt.Errorf("a run message is required (-m)")
	}
	reg, err := e.Repo.LoadAll(ctx)
	if err != nil {
		return domain.Run{}, err
	}
	id := opts.ID
	if id > 0 {
		if _, taken := reg[id]; taken {
			return domain.Run{}, fmt.Errorf("run id %d already exists", id)
		}
	} else {
		if id, err = e.Repo.NextID(ctx, reg); err != nil {
			return domain.Run{}, err
		}
	}
	runPath := e.Settings.RunPath(id)
	outputPath := e.Settings.OutputPath(id)
	for _, dir := range []string{runPath, outputPath} {
		if _, err := os.Stat(dir); err == nil {
			return domain.Run{}, fmt.Errorf("directory %s already exists but run %d is not registered; registry may be corrupt", dir, id)
		}
	}
	commit, err := e.Tools.GitRevision(ctx, e.Settings.SourceDir)
	if err != nil {
		return domain.Run{}, err
	}

	var overrides []paramOverride
	if opts.GapSizeUM > 0 {
		overrides = append(overrides, paramOverride{
			Section: "amplification",
			Key:     "gap",
			Value:   params.MicrometersToCentimeters(opts.GapSizeUM),
		})
	}
	if err := e.buildInto(ctx, runPath, outputPath, overrides, opts.MeshPath); err != nil {
		// Roll the half-made directories back so the create can be
		// retried after remediation.
		os.RemoveAll(runPath)
		os.RemoveAll(outputPath)
		return domain.Run{}, err
	}

	if opts.ConversionFile != "" {
		dst := stage.OutputFile(outputPath, domain.StageParticleConversion)
		if err := copyFile(opts.ConversionFile, dst); err != nil {
			os.RemoveAll(runPath)
			os.RemoveAll(outputPath)
			return domain.Run{}, fmt.Errorf("copy particleconversion input: %w", err)
		}
	}

	run := domain.Run{
		ID:          id,
		Name:        opts.Name,
		Message:     opts.Message,
		Commit:      commit,
		RunPath:     runPath,
		OutputPath:  outputPath,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
		StageStatus: domain.DefaultStageStatus(),
	}
	reg[id] = run
	if err := e.Repo.SaveAll(ctx, reg); err != nil {
		return domain.Run{}, fmt.Errorf("persist registry: %w", err)
	}
	e.event(ctx, "run.create", id, events.EventPayload{"name": run.Name, "commit": commit})

	// Stale intermediates would poison the next build, so a failed
	// clean is still an error; the record and artifacts are already
	// durable at this point.
	if err := e.Tools.Clean(ctx, e.Settings.SourceDir); err != nil {
		return run, fmt.Errorf("run %d created, but source tree clean failed: %w", id, err)
	}
	return run, nil
}

// Recreate rebuilds existing runs and refreshes their snapshots from
// the current shared document.
func (e Engine) Recreate(ctx context.Context, ids []int) error {
	reg, err := e.Repo.LoadAll(ctx)
	if err != nil {
		return err
	}
	runs, err := lookupRuns(reg, ids)
	if err != nil {
		return err
	}
	for _, run := range runs {
		for _, dir := range []string{run.RunPath, run.OutputPath} {
			if _, err := os.Stat(dir); err != nil {
				return fmt.Errorf("run %d: %w", run.ID, err)
			}
		}
		if err := e.buildInto(ctx, run.RunPath, run.OutputPath, nil, ""); err != nil {
			return fmt.Errorf("run %d: %w", run.ID, err)
		}
		e.event(ctx, "run.recreate", run.ID, nil)
		if err := e.Tools.Clean(ctx, e.Settings.SourceDir); err != nil {
			return fmt.Errorf("run %d rebuilt, but source tree clean failed: %w", run.ID, err)
		}
		e.infof("run %d rebuilt", run.ID)
	}
	return nil
}

type paramOverride struct {
	Section, Key, Value string
}

// buildInto drives one build cycle: back up the shared parameter
// document, apply overrides, build, copy artifacts and the snapshot
// into runPath, then restore the shared document.
func (e Engine) buildInto(ctx context.Context, runPath, outputPath string, overrides []paramOverride, meshPath string) error {
	backup, err := params.BackupFile(e.Settings.ParamFile)
	if err != nil {
		return err
	}
	if len(overrides) > 0 {
		doc, err := params.Load(e.Settings.ParamFile)
		if err != nil {
			return err
		}
		for _, o := range overrides {
			// A malformed override aborts before the build with the
			// shared document untouched.
			if err := doc.Override(o.Section, o.Key, o.Value); err != nil {
				return err
			}
		}
		if err := doc.Write(); err != nil {
			return err
		}
	}
	restore := func() error { return backup.Restore() }

	for _, dir := range []string{runPath, outputPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			restore()
			return err
		}
	}
	logPath := filepath.Join(runPath, "build.log")
	if err := e.Tools.Build(ctx, e.Settings.SourceDir, logPath); err != nil {
		restore()
		return err
	}
	if err := e.copyArtifacts(runPath, meshPath); err != nil {
		restore()
		return err
	}
	// The snapshot is the overridden shared document; copy it before
	// the backup goes back so the run keeps what it was built with.
	if err := copyFile(e.Settings.ParamFile, filepath.Join(runPath, filepath.Base(e.Settings.ParamFile))); err != nil {
		restore()
		return fmt.Errorf("copy parameter snapshot: %w", err)
	}
	if err := restore(); err != nil {
		return err
	}
	return nil
}

// copyArtifacts moves the built stage executables, their macro and
// driver files, and the mesh directory into the run's private tree.
func (e Engine) copyArtifacts(runPath, meshPath string) error {
	for _, st := range domain.Stages() {
		stageDir := filepath.Join(e.Settings.SourceDir, string(st))
		exe := filepath.Join(stageDir, string(st))
		if err := copyFile(exe, filepath.Join(runPath, string(st))); err != nil {
			return fmt.Errorf("copy %s executable: %w", st, err)
		}
		for _, pattern := range []string{"*.mac", "*.sh"} {
			if err := copyGlob(filepath.Join(stageDir, pattern), runPath); err != nil {
				return fmt.Errorf("copy %s %s files: %w", st, pattern, err)
			}
		}
	}
	if meshPath == "" {
		meshPath = filepath.Join(e.Settings.SourceDir, "mesh")
	}
	meshDst := filepath.Join(runPath, "mesh")
	if err := os.RemoveAll(meshDst); err != nil {
		return err
	}
	if err := copyDir(meshPath, meshDst); err != nil {
		return fmt.Errorf("copy mesh directory: %w", err)
	}
	return nil
}

func lookupRuns(reg domain.Registry, ids []int) ([]domain.Run, error) {
	runs := make([]domain.Run, 0, len(ids))
	for _, id := range ids {
		run, ok := reg[id]
		if !ok {
			return nil, fmt.Errorf("unknown run id %d", id)
		}
		runs = append(runs, run)
	}
	return runs, nil
}
