package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "registry.db"

type Config struct {
	RunsRoot string
}

func dbPath(runsRoot string) string {
	if runsRoot == "" {
		runsRoot = "."
	}
	return filepath.Join(runsRoot, ".simrun", defaultDBName)
}

// Exists reports whether a registry database is already present.
func Exists(cfg Config) bool {
	_, err := os.Stat(dbPath(cfg.RunsRoot))
	return err == nil
}

// EnsureDir creates the registry directory if missing.
func EnsureDir(cfg Config) (string, error) {
	path := filepath.Join(cfg.RunsRoot, ".simrun")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the registry database with foreign keys on, creating an
// empty one if none exists.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureDir(cfg); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", dbPath(cfg.RunsRoot))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the registry database path.
func Path(runsRoot string) string {
	return dbPath(runsRoot)
}
