// Package store persists audit metadata about issued credentials.
//
// Three interchangeable backends implement Store: an in-memory map for
// development, a SQLite file for single-replica deployments and PostgreSQL
// for everything else. Rows are never deleted; revocation only stamps them.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Storage modes accepted by New
const (
	ModeMemory   = "in-memory"
	ModeDisk     = "disk"
	ModeExternal = "external"
)

// Key statuses. Active and expired are derived from the expiration date when
// a row is read; revoked is persisted by MarkTokensAsExpiredForUser.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusRevoked = "revoked"
)

var (
	// ErrTokenNotFound is returned when no metadata exists for the key
	ErrTokenNotFound = errors.New("token not found")

	// ErrInvalidKey is returned when metadata is missing its identifier
	ErrInvalidKey = errors.New("invalid key metadata: id is required")
)

// IssuedKey is what the caller knows about a freshly minted credential
type IssuedKey struct {
	ID          string
	Name        string
	Description string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Metadata describes a stored key as returned to API clients
type Metadata struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	CreationDate   time.Time `json:"creationDate"`
	ExpirationDate time.Time `json:"expirationDate"`
	Status         string    `json:"status"`
}

// Store is implemented by every metadata backend.
// All methods are safe for concurrent use.
type Store interface {
	// AddTokenMetadata records a key. Writing an existing id overwrites it.
	AddTokenMetadata(ctx context.Context, namespace, username string, key IssuedKey) error

	// GetTokensForUser lists a user's keys, newest first.
	GetTokensForUser(ctx context.Context, namespace, username string) ([]Metadata, error)

	// GetToken returns a single key or ErrTokenNotFound.
	GetToken(ctx context.Context, namespace, username, id string) (*Metadata, error)

	// MarkTokensAsExpiredForUser revokes every unexpired key of the user in
	// one atomic step: readers see either none or all of them revoked.
	MarkTokensAsExpiredForUser(ctx context.Context, namespace, username string) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend. Calling it more than once is a no-op.
	Close() error
}

func computeStatus(expiration time.Time, stored string, now time.Time) string {
	if stored == StatusRevoked {
		return StatusRevoked
	}
	if now.Before(expiration) {
		return StatusActive
	}
	return StatusExpired
}

func normalize(key IssuedKey, now time.Time) (IssuedKey, error) {
	key.ID = strings.TrimSpace(key.ID)
	key.Name = strings.TrimSpace(key.Name)
	key.Description = strings.TrimSpace(key.Description)
	if key.ID == "" {
		return key, ErrInvalidKey
	}
	if key.IssuedAt.IsZero() {
		key.IssuedAt = now
	}
	// millisecond precision is what every backend keeps
	key.IssuedAt = key.IssuedAt.UTC().Truncate(time.Millisecond)
	key.ExpiresAt = key.ExpiresAt.UTC().Truncate(time.Millisecond)
	return key, nil
}
