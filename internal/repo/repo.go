package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"simrun/internal/domain"
)

// Repo is the durable run registry. The whole mapping is loaded at the
// start of a command and rewritten wholesale after mutation; two
// concurrent manager invocations race on the load-mutate-save window
// and the last save wins. Callers must not run two managers against
// the same registry location.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// LoadAll reads the full registry into memory.
func (r Repo) LoadAll(ctx context.Context) (domain.Registry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,message,commit_rev,run_path,output_path,created_at,stage_status FROM runs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	reg := domain.Registry{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		reg[run.ID] = run
	}
	return reg, rows.Err()
}

// SaveAll rewrites the whole runs table in one transaction. A failed
// save is unrecoverable for the current operation and must abort it.
func (r Repo) SaveAll(ctx context.Context, reg domain.Registry) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs`); err != nil {
		return fmt.Errorf("clear runs: %w", err)
	}
	for _, id := range reg.IDs() {
		run := reg[id]
		status, err := json.Marshal(run.StageStatus)
		if err != nil {
			return fmt.Errorf("marshal stage status for run %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO runs(id,name,message,commit_rev,run_path,output_path,created_at,stage_status) VALUES (?,?,?,?,?,?,?,?)`,
			run.ID, run.Name, run.Message, run.Commit, run.RunPath, run.OutputPath, run.CreatedAt, string(status)); err != nil {
			return fmt.Errorf("insert run %d: %w", id, err)
		}
	}
	if max := reg.MaxID(); max > 0 {
		if err := bumpHighWater(ctx, tx, max); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// NextID allocates the next run id: max(existing)+1, or 1 on an empty
// registry. Ids are never reused: a high-water mark persists across
// removals, so deleting the highest run does not hand out its id again.
func (r Repo) NextID(ctx context.Context, reg domain.Registry) (int, error) {
	var stored string
	high := 0
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM registry_meta WHERE key='max_run_id'`).Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	if err == nil {
		if high, err = strconv.Atoi(stored); err != nil {
			return 0, fmt.Errorf("registry_meta max_run_id: %w", err)
		}
	}
	if max := reg.MaxID(); max > high {
		high = max
	}
	return high + 1, nil
}

func bumpHighWater(ctx context.Context, tx *sql.Tx, max int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO registry_meta(key,value) VALUES ('max_run_id',?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value WHERE CAST(excluded.value AS INTEGER) > CAST(registry_meta.value AS INTEGER)`,
		strconv.Itoa(max))
	return err
}

// Get returns a single run without loading the rest of the registry.
func (r Repo) Get(ctx context.Context, id int) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,message,commit_rev,run_path,output_path,created_at,stage_status FROM runs WHERE id=?`, id)
	return scanRun(row)
}

type scannable interface {
	Scan(dest ...any) error
}

// scanRun merges the stored record over a defaulted one: a row written
// before a stage existed loads with that stage set to "never".
func scanRun(row scannable) (domain.Run, error) {
	var run domain.Run
	var status sql.NullString
	err := row.Scan(&run.ID, &run.Name, &run.Message, &run.Commit, &run.RunPath, &run.OutputPath, &run.CreatedAt, &status)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.StageStatus = domain.DefaultStageStatus()
	if status.Valid && status.String != "" {
		loaded := map[string]string{}
		if err := json.Unmarshal([]byte(status.String), &loaded); err != nil {
			return run, fmt.Errorf("stage status for run %d: %w", run.ID, err)
		}
		for stage, ts := range loaded {
			run.StageStatus[stage] = ts
		}
	}
	return run, nil
}
