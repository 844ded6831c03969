package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"simrun/internal/domain"
	"simrun/internal/stage"
)

// Running queries the scheduler for the user's jobs and maps the
// matching short names back to (run, stage). An empty result is not an
// error.
func (e Engine) Running(ctx context.Context) ([]domain.RunningJob, error) {
	names, err := e.Tools.RunningJobs(ctx, e.Settings.User)
	if err != nil {
		return nil, err
	}
	var jobs []domain.RunningJob
	for _, name := range names {
		if job, ok := stage.ParseJobName(name); ok {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].RunID != jobs[j].RunID {
			return jobs[i].RunID < jobs[j].RunID
		}
		return jobs[i].Stage < jobs[j].Stage
	})
	return jobs, nil
}

// DetailedStatus reports per-shard progress of one stage of one run,
// augmented with values from the stage's progress probe when present.
// Rendering is left to the caller.
func (e Engine) DetailedStatus(ctx context.Context, runID int, st domain.Stage) ([]domain.ProbeResult, error) {
	run, err := e.Repo.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("run %d: %w", runID, err)
	}
	submitted := run.StageStatus[string(st)] != ""

	var results []domain.ProbeResult
	if st == domain.StageParticleConversion {
		out := stage.OutputFile(run.OutputPath, st)
		results = append(results, domain.ProbeResult{
			Name:     "output",
			Value:    filepath.Base(out),
			Category: fileCategory(out, submitted),
		})
	} else {
		input, _ := stage.InputStage(st)
		inShards, err := stage.Shards(run.OutputPath, input)
		if err != nil {
			return nil, err
		}
		for _, idx := range shardIndices(inShards) {
			out := stage.ShardFile(run.OutputPath, st, idx)
			results = append(results, domain.ProbeResult{
				Name:     fmt.Sprintf("shard %d", idx),
				Value:    filepath.Base(out),
				Category: fileCategory(out, submitted),
			})
		}
	}

	lines, err := e.Tools.Probe(ctx, stage.ProbeScript(run.RunPath, st), run.OutputPath)
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		name, value := line, ""
		if i := strings.Index(line, "="); i >= 0 {
			name, value = line[:i], line[i+1:]
		}
		results = append(results, domain.ProbeResult{
			Name:     name,
			Value:    value,
			Category: domain.ProbeInProgress,
		})
	}
	return results, nil
}

func fileCategory(path string, submitted bool) domain.ProbeCategory {
	if _, err := os.Stat(path); err == nil {
		return domain.ProbeComplete
	}
	if submitted {
		return domain.ProbeInProgress
	}
	return domain.ProbeNotApplicable
}

// shardIndices extracts the numeric prefixes of shard files, sorted.
func shardIndices(files []string) []int {
	var idx []int
	for _, f := range files {
		base := filepath.Base(f)
		i := strings.Index(base, "_")
		if i <= 0 {
			continue
		}
		n, err := strconv.Atoi(base[:i])
		if err != nil {
			continue
		}
		idx = append(idx, n)
	}
	sort.Ints(idx)
	return idx
}
