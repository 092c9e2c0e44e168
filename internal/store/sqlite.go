package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// DefaultDBFile is used when the data path points to a directory
const DefaultDBFile = "maas-api.db"

// OpenSQLite opens (and creates if needed) the SQLite database at path.
// SQLite serializes writers, so the pool is capped to one connection and the
// database must only be used by a single replica.
func OpenSQLite(ctx context.Context, path string, log *zap.Logger) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("data path is required for the %s storage mode", ModeDisk)
	}

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, DefaultDBFile)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s, err := newSQLStore(ctx, db, ModeDisk, false, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s.log.Info("Opened SQLite metadata store", zap.String("path", path))
	return s, nil
}
