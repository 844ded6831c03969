package stage_test

import (
	"testing"

	"simrun/internal/domain"
	"simrun/internal/stage"
)

func TestJobNameRoundTrip(t *testing.T) {
	for _, st := range domain.Stages() {
		name, err := stage.JobName(st, 12)
		if err != nil {
			t.Fatalf("JobName(%s, 12): %v", st, err)
		}
		if len(name) != 5 {
			t.Fatalf("JobName(%s, 12) = %q, want 5 chars", st, name)
		}
		job, ok := stage.ParseJobName(name)
		if !ok || job.RunID != 12 || job.Stage != st {
			t.Fatalf("ParseJobName(%q) = %+v, %v", name, job, ok)
		}
	}
}

func TestJobNameRange(t *testing.T) {
	if _, err := stage.JobName(domain.StageDrift, 10000); err == nil {
		t.Fatal("expected error for 5-digit run id")
	}
	if _, err := stage.JobName(domain.StageDrift, 0); err == nil {
		t.Fatal("expected error for run id 0")
	}
}

func TestParseJobNameRejectsForeignNames(t *testing.T) {
	for _, name := range []string{"", "d001", "d00001", "x0001", "d00a1", "d0000", "bash5"} {
		if _, ok := stage.ParseJobName(name); ok {
			t.Fatalf("ParseJobName(%q): expected no match", name)
		}
	}
}

func TestDefaultResources(t *testing.T) {
	conv, err := stage.DefaultResources(domain.StageParticleConversion)
	if err != nil {
		t.Fatal(err)
	}
	if conv.Cores != 1 || conv.Partition != "short" {
		t.Fatalf("particleconversion defaults = %+v, want single-core short", conv)
	}
	av, err := stage.DefaultResources(domain.StageAvalanche)
	if err != nil {
		t.Fatal(err)
	}
	if av.Partition != "long" || av.Cores <= conv.Cores {
		t.Fatalf("avalanche defaults = %+v, want long partition and high parallelism", av)
	}
}

func TestResourcesMerge(t *testing.T) {
	base, err := stage.DefaultResources(domain.StageDrift)
	if err != nil {
		t.Fatal(err)
	}
	merged := base.Merge(stage.Resources{Cores: 16, Time: "01:00:00"})
	if merged.Cores != 16 || merged.Time != "01:00:00" {
		t.Fatalf("merge did not apply overrides: %+v", merged)
	}
	if merged.Partition != base.Partition || merged.MemPerCPU != base.MemPerCPU {
		t.Fatalf("merge clobbered defaults: %+v", merged)
	}
}

func TestInputStage(t *testing.T) {
	if _, ok := stage.InputStage(domain.StageParticleConversion); ok {
		t.Fatal("particleconversion has no input stage")
	}
	in, ok := stage.InputStage(domain.StageDrift)
	if !ok || in != domain.StageParticleConversion {
		t.Fatalf("drift input = %v", in)
	}
	in, ok = stage.InputStage(domain.StageAvalanche)
	if !ok || in != domain.StageDrift {
		t.Fatalf("avalanche input = %v", in)
	}
}
