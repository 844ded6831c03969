// Package tools abstracts every external command the run manager
// drives (build, clean, split, merge, scheduler submit/query) behind
// one capability interface, so the orchestration logic is testable
// without real cluster tooling.
package tools

import "context"

// SubmitRequest carries everything a scheduler submission encodes.
type SubmitRequest struct {
	Account   string
	Partition string
	Cores     int
	MemPerCPU string
	Time      string
	JobName   string
	LogPath   string
	// Script is the per-run driver script, invoked with Args appended
	// as positional arguments.
	Script string
	Args   []string
}

// Tools is the external-tool capability surface, one method per
// operation. Every call blocks until the invoked tool exits; a
// non-zero exit is returned as an error.
type Tools interface {
	// Build compiles the stage executables in sourceDir, with combined
	// output written to logPath.
	Build(ctx context.Context, sourceDir, logPath string) error
	// Clean removes intermediate build artifacts from sourceDir.
	Clean(ctx context.Context, sourceDir string) error
	// GitRevision reports the current source-control revision of dir.
	GitRevision(ctx context.Context, dir string) (string, error)
	// Split partitions the particleconversion output in dir into
	// shards for parallel execution.
	Split(ctx context.Context, dir string, shards int) error
	// Join merges shard files into outFile.
	Join(ctx context.Context, outFile string, shardFiles []string) error
	// Submit issues one scheduler submission and returns the assigned
	// job identifier.
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	// RunningJobs returns the short names of the user's running and
	// queued jobs.
	RunningJobs(ctx context.Context, user string) ([]string, error)
	// Probe runs a stage progress probe script, returning its output
	// lines, or (nil, nil) when no probe exists.
	Probe(ctx context.Context, script string, args ...string) ([]string, error)
}
