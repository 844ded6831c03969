package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"simrun/internal/domain"
	"simrun/internal/events"
	"simrun/internal/stage"
	"simrun/internal/tools"
)

// SubmitOptions are parameters for one batch stage submission.
type SubmitOptions struct {
	Stage domain.Stage
	// Resources overlays the stage's default policy; zero fields keep
	// the defaults.
	Resources stage.Resources
	// Account overrides the settings-level accounting identity.
	Account string
	// Resplit deletes existing drift input shards before splitting
	// again. Destructive: confirmed per run unless Force is set.
	Resplit bool
	Force   bool
}

// Submit issues one scheduler job per run for the selected stage. The
// registry is persisted after every successful submission, so a later
// rejection in the same batch leaves the prior ones durably recorded.
func (e Engine) Submit(ctx context.Context, ids []int, opts SubmitOptions) ([]domain.SubmissionRecord, error) {
	reg, err := e.Repo.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	runs, err := lookupRuns(reg, ids)
	if err != nil {
		return nil, err
	}
	defaults, err := stage.DefaultResources(opts.Stage)
	if err != nil {
		return nil, err
	}
	res := defaults.Merge(opts.Resources)
	account := opts.Account
	if account == "" {
		account = e.Settings.Account
	}

	var records []domain.SubmissionRecord
	for _, run := range runs {
		ok, err := e.prepareStage(ctx, run, opts, res.Cores)
		if err != nil {
			return records, fmt.Errorf("run %d: %w", run.ID, err)
		}
		if !ok {
			e.infof("run %d: skipped", run.ID)
			continue
		}
		jobName, err := stage.JobName(opts.Stage, run.ID)
		if err != nil {
			return records, err
		}
		req := tools.SubmitRequest{
			Account:   account,
			Partition: res.Partition,
			Cores:     res.Cores,
			MemPerCPU: res.MemPerCPU,
			Time:      res.Time,
			JobName:   jobName,
			LogPath:   stage.LogFile(run.OutputPath, opts.Stage),
			Script:    stage.DriverScript(run.RunPath, opts.Stage),
			Args:      []string{run.OutputPath, run.RunPath},
		}
		jobID, err := e.Tools.Submit(ctx, req)
		if err != nil {
			return records, fmt.Errorf("run %d: %w", run.ID, err)
		}
		ts := e.now().UTC().Format(time.RFC3339)
		run.StageStatus[string(opts.Stage)] = ts
		reg[run.ID] = run
		if err := e.Repo.SaveAll(ctx, reg); err != nil {
			return records, fmt.Errorf("persist registry after submitting %s: %w", jobName, err)
		}
		e.event(ctx, "run.submit", run.ID, events.EventPayload{
			"stage": string(opts.Stage), "job_name": jobName, "job_id": jobID,
		})
		records = append(records, domain.SubmissionRecord{
			RunID:       run.ID,
			Stage:       opts.Stage,
			JobName:     jobName,
			JobID:       jobID,
			SubmittedAt: ts,
		})
		e.infof("run %d: submitted %s as job %s", run.ID, jobName, jobID)
	}
	return records, nil
}

// prepareStage enforces the stage's input preconditions. It returns
// false when the user declined a destructive resplit for this run.
func (e Engine) prepareStage(ctx context.Context, run domain.Run, opts SubmitOptions, shardCount int) (bool, error) {
	exe := stage.DriverScript(run.RunPath, opts.Stage)
	if _, err := os.Stat(exe); err != nil {
		return false, fmt.Errorf("driver script %s missing; was the run built?", exe)
	}
	switch opts.Stage {
	case domain.StageParticleConversion:
		return true, nil
	case domain.StageDrift:
		shards, err := stage.Shards(run.OutputPath, domain.StageParticleConversion)
		if err != nil {
			return false, err
		}
		if opts.Resplit && len(shards) > 0 {
			prompt := fmt.Sprintf("delete %d existing particleconversion shards of run %d and re-split?", len(shards), run.ID)
			if !opts.Force && !e.confirm(prompt) {
				return false, nil
			}
			for _, f := range shards {
				if err := os.Remove(f); err != nil {
					return false, err
				}
			}
			shards = nil
		}
		if len(shards) == 0 {
			input := stage.OutputFile(run.OutputPath, domain.StageParticleConversion)
			if _, err := os.Stat(input); err != nil {
				return false, fmt.Errorf("drift needs %s; run particleconversion first", input)
			}
			if err := e.Tools.Split(ctx, run.OutputPath, shardCount); err != nil {
				return false, err
			}
		}
		return true, nil
	case domain.StageAvalanche:
		shards, err := stage.Shards(run.OutputPath, domain.StageDrift)
		if err != nil {
			return false, err
		}
		if len(shards) == 0 {
			return false, fmt.Errorf("avalanche needs drift shard outputs in %s; run drift first", run.OutputPath)
		}
		return true, nil
	}
	return false, fmt.Errorf("unknown stage %s", opts.Stage)
}

// JoinOutputs merges per-shard outputs into one file per stage. Stages
// without shard files are informational no-ops.
func (e Engine) JoinOutputs(ctx context.Context, ids []int) error {
	reg, err := e.Repo.LoadAll(ctx)
	if err != nil {
		return err
	}
	runs, err := lookupRuns(reg, ids)
	if err != nil {
		return err
	}
	for _, run := range runs {
		for _, st := range []domain.Stage{domain.StageDrift, domain.StageAvalanche} {
			shards, err := stage.Shards(run.OutputPath, st)
			if err != nil {
				return err
			}
			if len(shards) == 0 {
				e.infof("run %d: no %s shards, skipping", run.ID, st)
				continue
			}
			out := stage.OutputFile(run.OutputPath, st)
			if err := e.Tools.Join(ctx, out, shards); err != nil {
				return fmt.Errorf("run %d: %w", run.ID, err)
			}
			e.event(ctx, "run.join", run.ID, events.EventPayload{"stage": string(st), "shards": len(shards)})
			e.infof("run %d: merged %d %s shards into %s", run.ID, len(shards), st, out)
		}
	}
	return nil
}

// Remove deletes runs: both directory trees first, then the registry
// row. A failed deletion keeps the record so the remove can be
// retried; declining the confirmation skips to the next run.
func (e Engine) Remove(ctx context.Context, ids []int, force bool) error {
	reg, err := e.Repo.LoadAll(ctx)
	if err != nil {
		return err
	}
	runs, err := lookupRuns(reg, ids)
	if err != nil {
		return err
	}
	for _, run := range runs {
		prompt := fmt.Sprintf("remove run %d (%q) and all of its data?", run.ID, run.Name)
		if !force && !e.confirm(prompt) {
			e.infof("run %d: kept", run.ID)
			continue
		}
		if err := os.RemoveAll(run.OutputPath); err != nil {
			return fmt.Errorf("run %d: %w", run.ID, err)
		}
		if err := os.RemoveAll(run.RunPath); err != nil {
			return fmt.Errorf("run %d: %w", run.ID, err)
		}
		delete(reg, run.ID)
		if err := e.Repo.SaveAll(ctx, reg); err != nil {
			return fmt.Errorf("persist registry after removing run %d: %w", run.ID, err)
		}
		e.event(ctx, "run.remove", run.ID, nil)
		e.infof("run %d: removed", run.ID)
	}
	return nil
}
