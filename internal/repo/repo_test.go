package repo_test

import (
	"context"
	"testing"

	"simrun/internal/db"
	"simrun/internal/domain"
	"simrun/internal/migrate"
	"simrun/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{RunsRoot: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	return repo.Repo{DB: conn}
}

func testRun(id int, name string) domain.Run {
	return domain.Run{
		ID:          id,
		Name:        name,
		Message:     "msg " + name,
		Commit:      "abcdef0123456789",
		RunPath:     "/runs/" + name,
		OutputPath:  "/data/" + name,
		CreatedAt:   "2026-08-31 10:00:00",
		StageStatus: domain.DefaultStageStatus(),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	reg := domain.Registry{}
	one := testRun(1, "baseline")
	one.StageStatus[string(domain.StageDrift)] = "2026-08-31 11:00:00"
	reg[1] = one
	reg[2] = testRun(2, "smallgap")

	if err := r.SaveAll(ctx, reg); err != nil {
		t.Fatal(err)
	}
	loaded, err := r.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d runs, want 2", len(loaded))
	}
	got := loaded[1]
	if got.Name != "baseline" || got.Message != "msg baseline" || got.Commit != one.Commit {
		t.Fatalf("run 1 = %+v", got)
	}
	if got.StageStatus[string(domain.StageDrift)] != "2026-08-31 11:00:00" {
		t.Fatalf("drift status = %q", got.StageStatus[string(domain.StageDrift)])
	}
	if got.StageStatus[string(domain.StageAvalanche)] != "" {
		t.Fatalf("avalanche status = %q, want never", got.StageStatus[string(domain.StageAvalanche)])
	}
}

func TestSaveAllReplacesRemovedRuns(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	reg := domain.Registry{1: testRun(1, "a"), 2: testRun(2, "b")}
	if err := r.SaveAll(ctx, reg); err != nil {
		t.Fatal(err)
	}
	delete(reg, 2)
	if err := r.SaveAll(ctx, reg); err != nil {
		t.Fatal(err)
	}
	loaded, err := r.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded %d runs, want 1", len(loaded))
	}
	if _, err := r.Get(ctx, 2); err != repo.ErrNotFound {
		t.Fatalf("Get(2) = %v, want ErrNotFound", err)
	}
}

func TestNextIDNeverReuses(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	reg := domain.Registry{}
	id, err := r.NextID(ctx, reg)
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 {
		t.Fatalf("first id = %d, want 1", id)
	}

	reg[1] = testRun(1, "a")
	reg[2] = testRun(2, "b")
	if err := r.SaveAll(ctx, reg); err != nil {
		t.Fatal(err)
	}

	// removing the highest run must not free its id
	delete(reg, 2)
	if err := r.SaveAll(ctx, reg); err != nil {
		t.Fatal(err)
	}
	id, err = r.NextID(ctx, reg)
	if err != nil {
		t.Fatal(err)
	}
	if id != 3 {
		t.Fatalf("id after removing run 2 = %d, want 3", id)
	}
}

func TestLoadAllDefaultsMissingStageStatus(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	// a row written before the avalanche stage existed
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO runs(id,name,message,commit_rev,run_path,output_path,created_at,stage_status) VALUES (7,'old','m','c','/r','/o','2026-01-01 00:00:00','{"particleconversion":"2026-01-02 00:00:00"}')`)
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO runs(id,name,message,commit_rev,run_path,output_path,created_at,stage_status) VALUES (8,'older','m','c','/r','/o','2026-01-01 00:00:00',NULL)`)
	if err != nil {
		t.Fatal(err)
	}

	loaded, err := r.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	old := loaded[7]
	if old.StageStatus[string(domain.StageParticleConversion)] != "2026-01-02 00:00:00" {
		t.Fatalf("run 7 particleconversion = %q", old.StageStatus[string(domain.StageParticleConversion)])
	}
	if old.StageStatus[string(domain.StageAvalanche)] != "" {
		t.Fatalf("run 7 avalanche = %q, want never", old.StageStatus[string(domain.StageAvalanche)])
	}
	for _, st := range domain.Stages() {
		if loaded[8].StageStatus[string(st)] != "" {
			t.Fatalf("run 8 %s = %q, want never", st, loaded[8].StageStatus[string(st)])
		}
	}
}
