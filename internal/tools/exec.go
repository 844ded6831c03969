package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Exec is the production Tools implementation. Command names are
// fields so deployments with differently named wrappers can adjust
// them; the zero value uses the cluster defaults.
type Exec struct {
	BuildCommand  []string // default: make
	CleanCommand  []string // default: make clean
	SplitCommand  string   // default: rootsplit
	JoinCommand   string   // default: hadd
	SubmitCommand string   // default: sbatch
	QueryCommand  string   // default: squeue
}

func (e Exec) buildCommand() []string {
	if len(e.BuildCommand) > 0 {
		return e.BuildCommand
	}
	return []string{"make"}
}

func (e Exec) cleanCommand() []string {
	if len(e.CleanCommand) > 0 {
		return e.CleanCommand
	}
	return []string{"make", "clean"}
}

func (e Exec) Build(ctx context.Context, sourceDir, logPath string) error {
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("create build log: %w", err)
	}
	defer logFile.Close()
	argv := e.buildCommand()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = sourceDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("build failed (exit %d), see %s", exitCode(err), logPath)
	}
	return nil
}

func (e Exec) Clean(ctx context.Context, sourceDir string) error {
	argv := e.cleanCommand()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = sourceDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("clean failed (exit %d): %s", exitCode(err), firstLine(out))
	}
	return nil
}

func (e Exec) GitRevision(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse in %s: %w", dir, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (e Exec) Split(ctx context.Context, dir string, shards int) error {
	name := e.SplitCommand
	if name == "" {
		name = "rootsplit"
	}
	cmd := exec.CommandContext(ctx, name, dir, "-n", strconv.Itoa(shards))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("split in %s failed (exit %d): %s", dir, exitCode(err), firstLine(out))
	}
	return nil
}

func (e Exec) Join(ctx context.Context, outFile string, shardFiles []string) error {
	name := e.JoinCommand
	if name == "" {
		name = "hadd"
	}
	args := append([]string{"-f", outFile}, shardFiles...)
	cmd := exec.CommandContext(ctx, name, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("merge into %s failed (exit %d): %s", outFile, exitCode(err), firstLine(out))
	}
	return nil
}

func (e Exec) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	name := e.SubmitCommand
	if name == "" {
		name = "sbatch"
	}
	args := []string{
		"--account=" + req.Account,
		"--partition=" + req.Partition,
		"--ntasks=" + strconv.Itoa(req.Cores),
		"--mem-per-cpu=" + req.MemPerCPU,
		"--time=" + req.Time,
		"--job-name=" + req.JobName,
		"--output=" + req.LogPath,
		"--mail-type=FAIL",
		req.Script,
	}
	args = append(args, req.Args...)
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("submission of %s rejected (exit %d): %s", req.JobName, exitCode(err), firstLine(stderr.Bytes()))
	}
	// sbatch prints "Submitted batch job <id>".
	fields := strings.Fields(stdout.String())
	if len(fields) == 0 {
		return "", fmt.Errorf("submission of %s returned no job id", req.JobName)
	}
	return fields[len(fields)-1], nil
}

func (e Exec) RunningJobs(ctx context.Context, user string) ([]string, error) {
	name := e.QueryCommand
	if name == "" {
		name = "squeue"
	}
	cmd := exec.CommandContext(ctx, name, "-h", "-u", user, "-o", "%j")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("scheduler query failed (exit %d)", exitCode(err))
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func (e Exec) Probe(ctx context.Context, script string, args ...string) ([]string, error) {
	if _, err := os.Stat(script); err != nil {
		return nil, nil
	}
	cmd := exec.CommandContext(ctx, script, args...)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("probe %s failed (exit %d)", script, exitCode(err))
	}
	var lines []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return 1
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "no output"
	}
	return s
}
