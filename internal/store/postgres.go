package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// Pool defaults for the external backend
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 5 * time.Minute
)

// PoolOptions sizes the PostgreSQL connection pool
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (p PoolOptions) withDefaults() PoolOptions {
	if p.MaxOpenConns <= 0 {
		p.MaxOpenConns = DefaultMaxOpenConns
	}
	if p.MaxIdleConns <= 0 {
		p.MaxIdleConns = DefaultMaxIdleConns
	}
	if p.ConnMaxLifetime <= 0 {
		p.ConnMaxLifetime = DefaultConnMaxLifetime
	}
	return p
}

// OpenPostgres connects to PostgreSQL through the pgx database/sql driver.
// databaseURL is a postgres:// or postgresql:// URL.
func OpenPostgres(ctx context.Context, databaseURL string, pool PoolOptions, log *zap.Logger) (*SQLStore, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if !strings.HasPrefix(databaseURL, "postgres://") && !strings.HasPrefix(databaseURL, "postgresql://") {
		return nil, fmt.Errorf("unrecognized database URL: expected postgres:// or postgresql://")
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pool = pool.withDefaults()
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	s, err := newSQLStore(ctx, db, ModeExternal, true, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s.log.Info("Connected to PostgreSQL metadata store",
		zap.Int("maxOpenConns", pool.MaxOpenConns),
		zap.Int("maxIdleConns", pool.MaxIdleConns),
		zap.Duration("connMaxLifetime", pool.ConnMaxLifetime),
	)
	return s, nil
}
