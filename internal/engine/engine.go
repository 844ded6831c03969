// Package engine is the run manager: it sequences build, submit,
// split, join and remove operations over the run registry, treating
// every external tool as an opaque command behind the tools interface.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"

	"simrun/internal/config"
	"simrun/internal/events"
	"simrun/internal/repo"
	"simrun/internal/tools"
)

type Engine struct {
	Settings config.Settings
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Tools    tools.Tools
	// Confirm answers destructive-operation prompts; tests inject a
	// deterministic answer. A nil Confirm declines.
	Confirm func(prompt string) bool
	Now     func() time.Time
	// Out receives informational progress messages.
	Out io.Writer
}

func New(db *sql.DB, settings config.Settings, t tools.Tools) Engine {
	return Engine{
		Settings: settings,
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Tools:    t,
		Now:      time.Now,
		Out:      os.Stdout,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) confirm(prompt string) bool {
	if e.Confirm == nil {
		return false
	}
	return e.Confirm(prompt)
}

func (e Engine) infof(format string, args ...any) {
	if e.Out != nil {
		fmt.Fprintf(e.Out, format+"\n", args...)
	}
}

func (e Engine) event(ctx context.Context, evtType string, runID int, payload events.EventPayload) {
	// Audit only; a failed event append never fails the operation.
	_ = e.Events.Append(ctx, evtType, runID, payload)
}
