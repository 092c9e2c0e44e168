package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/efortin/maas-api/internal/metrics"
)

type memoryRecord struct {
	key    IssuedKey
	status string
}

// MemoryStore keeps metadata in process memory. Data is lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]memoryRecord
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[string]memoryRecord),
		now:     time.Now,
	}
}

func ownerKey(namespace, username string) string {
	return namespace + "/" + username
}

func (s *MemoryStore) AddTokenMetadata(_ context.Context, namespace, username string, key IssuedKey) (err error) {
	defer func() { metrics.ObserveStore(ModeMemory, "add", err) }()

	key, err = normalize(key, s.now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	owner := ownerKey(namespace, username)
	if s.records[owner] == nil {
		s.records[owner] = make(map[string]memoryRecord)
	}
	record := memoryRecord{key: key, status: StatusActive}
	// Revocation is sticky across rewrites of the same id.
	if prev, ok := s.records[owner][key.ID]; ok && prev.status == StatusRevoked {
		record.status = StatusRevoked
		record.key.ExpiresAt = prev.key.ExpiresAt
	}
	s.records[owner][key.ID] = record
	return nil
}

func (s *MemoryStore) GetTokensForUser(_ context.Context, namespace, username string) ([]Metadata, error) {
	s.mu.RLock()
	snapshot := make([]memoryRecord, 0, len(s.records[ownerKey(namespace, username)]))
	for _, r := range s.records[ownerKey(namespace, username)] {
		snapshot = append(snapshot, r)
	}
	s.mu.RUnlock()

	now := s.now()
	out := make([]Metadata, 0, len(snapshot))
	for _, r := range snapshot {
		out = append(out, r.metadata(now))
	}
	slices.SortFunc(out, newestFirst)

	metrics.ObserveStore(ModeMemory, "list", nil)
	return out, nil
}

func (s *MemoryStore) GetToken(_ context.Context, namespace, username, id string) (*Metadata, error) {
	s.mu.RLock()
	r, ok := s.records[ownerKey(namespace, username)][id]
	s.mu.RUnlock()

	if !ok {
		metrics.ObserveStore(ModeMemory, "get", ErrTokenNotFound)
		return nil, ErrTokenNotFound
	}

	m := r.metadata(s.now())
	metrics.ObserveStore(ModeMemory, "get", nil)
	return &m, nil
}

func (s *MemoryStore) MarkTokensAsExpiredForUser(_ context.Context, namespace, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC().Truncate(time.Millisecond)
	userRecords := s.records[ownerKey(namespace, username)]
	for id, r := range userRecords {
		if r.status == StatusRevoked || !now.Before(r.key.ExpiresAt) {
			continue
		}
		r.key.ExpiresAt = now
		r.status = StatusRevoked
		userRecords[id] = r
	}

	metrics.ObserveStore(ModeMemory, "revoke", nil)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (r memoryRecord) metadata(now time.Time) Metadata {
	return Metadata{
		ID:             r.key.ID,
		Name:           r.key.Name,
		Description:    r.key.Description,
		CreationDate:   r.key.IssuedAt,
		ExpirationDate: r.key.ExpiresAt,
		Status:         computeStatus(r.key.ExpiresAt, r.status, now),
	}
}

func newestFirst(a, b Metadata) int {
	if c := b.CreationDate.Compare(a.CreationDate); c != 0 {
		return c
	}
	if a.ID < b.ID {
		return -1
	}
	if a.ID > b.ID {
		return 1
	}
	return 0
}
