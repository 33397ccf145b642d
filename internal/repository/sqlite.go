package repository

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kestrelsec/kestrel/internal/domain"
	_ "modernc.org/sqlite"
)

// openSQLite opens the embedded store. modernc.org/sqlite is pure Go, so
// the community build needs no cgo toolchain. WAL mode keeps evaluation
// reads from blocking behind action writes, and the busy timeout covers
// the synchronous recompute racing the limiter on the same identity.
func openSQLite(cfg domain.RepositoryConfig) (*sql.DB, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "./kestrel.db"
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	return db, nil
}
