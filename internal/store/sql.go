package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/efortin/maas-api/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS api_keys (
	namespace       TEXT   NOT NULL,
	username        TEXT   NOT NULL,
	id              TEXT   NOT NULL,
	name            TEXT   NOT NULL DEFAULT '',
	description     TEXT   NOT NULL DEFAULT '',
	creation_date   BIGINT NOT NULL,
	expiration_date BIGINT NOT NULL,
	status          TEXT   NOT NULL DEFAULT 'active',
	PRIMARY KEY (namespace, username, id)
)`

const ownerIndex = `CREATE INDEX IF NOT EXISTS idx_api_keys_owner_created ON api_keys (namespace, username, creation_date)`

const (
	upsertQuery = `
INSERT INTO api_keys (namespace, username, id, name, description, creation_date, expiration_date, status)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (namespace, username, id) DO UPDATE SET
	name = excluded.name,
	description = excluded.description,
	creation_date = excluded.creation_date,
	expiration_date = CASE WHEN api_keys.status = 'revoked' THEN api_keys.expiration_date ELSE excluded.expiration_date END,
	status = CASE WHEN api_keys.status = 'revoked' THEN api_keys.status ELSE excluded.status END`

	listQuery = `
SELECT id, name, description, creation_date, expiration_date, status
FROM api_keys
WHERE namespace = ? AND username = ?
ORDER BY creation_date DESC, id ASC`

	getQuery = `
SELECT id, name, description, creation_date, expiration_date, status
FROM api_keys
WHERE namespace = ? AND username = ? AND id = ?`

	// A single statement, so concurrent readers observe all or none.
	revokeQuery = `
UPDATE api_keys SET expiration_date = ?, status = 'revoked'
WHERE namespace = ? AND username = ? AND expiration_date > ? AND status <> 'revoked'`
)

// SQLStore implements Store on top of database/sql. The same statements run
// on SQLite and PostgreSQL; only placeholders differ.
type SQLStore struct {
	db      *sql.DB
	backend string
	dollar  bool
	log     *zap.Logger
	now     func() time.Time

	closeOnce sync.Once
	closeErr  error
}

var _ Store = (*SQLStore)(nil)

func newSQLStore(ctx context.Context, db *sql.DB, backend string, dollar bool, log *zap.Logger) (*SQLStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &SQLStore{
		db:      db,
		backend: backend,
		dollar:  dollar,
		log:     log.Named("store").With(zap.String("backend", backend)),
		now:     time.Now,
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, ownerIndex); err != nil {
		return fmt.Errorf("failed to create owner index: %w", err)
	}
	return nil
}

func (s *SQLStore) AddTokenMetadata(ctx context.Context, namespace, username string, key IssuedKey) (err error) {
	defer func() { metrics.ObserveStore(s.backend, "add", err) }()

	key, err = normalize(key, s.now())
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.rebind(upsertQuery),
		namespace, username, key.ID, key.Name, key.Description,
		key.IssuedAt.UnixMilli(), key.ExpiresAt.UnixMilli(), StatusActive,
	)
	if err != nil {
		return fmt.Errorf("failed to insert token metadata: %w", err)
	}
	return nil
}

func (s *SQLStore) GetTokensForUser(ctx context.Context, namespace, username string) (out []Metadata, err error) {
	defer func() { metrics.ObserveStore(s.backend, "list", err) }()

	rows, err := s.db.QueryContext(ctx, s.rebind(listQuery), namespace, username)
	if err != nil {
		return nil, fmt.Errorf("failed to list token metadata: %w", err)
	}
	defer rows.Close()

	now := s.now()
	out = []Metadata{}
	for rows.Next() {
		m, err := scanMetadata(rows, now)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list token metadata: %w", err)
	}
	return out, nil
}

func (s *SQLStore) GetToken(ctx context.Context, namespace, username, id string) (_ *Metadata, err error) {
	defer func() { metrics.ObserveStore(s.backend, "get", err) }()

	row := s.db.QueryRowContext(ctx, s.rebind(getQuery), namespace, username, id)
	m, err := scanMetadata(row, s.now())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLStore) MarkTokensAsExpiredForUser(ctx context.Context, namespace, username string) (err error) {
	defer func() { metrics.ObserveStore(s.backend, "revoke", err) }()

	now := s.now().UnixMilli()
	result, err := s.db.ExecContext(ctx, s.rebind(revokeQuery), now, namespace, username, now)
	if err != nil {
		return fmt.Errorf("failed to mark tokens as expired: %w", err)
	}

	rows, _ := result.RowsAffected()
	s.log.Info("Marked tokens as revoked",
		zap.String("namespace", namespace),
		zap.String("username", username),
		zap.Int64("count", rows),
	)
	return nil
}

// DB returns the underlying connection pool
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMetadata(row scanner, now time.Time) (Metadata, error) {
	var (
		m                  Metadata
		created, expiresAt int64
		status             string
	)
	if err := row.Scan(&m.ID, &m.Name, &m.Description, &created, &expiresAt, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("failed to scan token metadata: %w", err)
	}
	m.CreationDate = time.UnixMilli(created).UTC()
	m.ExpirationDate = time.UnixMilli(expiresAt).UTC()
	m.Status = computeStatus(m.ExpirationDate, status, now)
	return m, nil
}

// rebind turns ? placeholders into $n for PostgreSQL
func (s *SQLStore) rebind(query string) string {
	if !s.dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
