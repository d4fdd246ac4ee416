package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store and Guard in process memory. It serves tests
// and single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	leases  map[string]lease
	lease   time.Duration
	nowFunc func() time.Time
}

// NewMemoryStore returns an empty MemoryStore. leaseTTL bounds how long an
// in-progress command blocks a redelivery.
func NewMemoryStore(leaseTTL time.Duration, opts ...Option) *MemoryStore {
	return &MemoryStore{
		records: map[string]Record{},
		leases:  map[string]lease{},
		lease:   leaseTTL,
		nowFunc: applyOptions(opts).nowFunc,
	}
}

type lease struct {
	owner string
	until time.Time
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Guard = (*MemoryStore)(nil)
)

func (m *MemoryStore) Begin(ctx context.Context, key, kind string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFunc()
	if cur, ok := m.records[key]; ok {
		retake := cur.Status == StatusFailed ||
			(cur.Status == StatusInProgress && cur.LeaseUntil < now.UnixMilli())
		if !retake {
			return cur, false, nil
		}
	}
	rec := Record{
		Key:        key,
		Status:     StatusInProgress,
		Kind:       kind,
		CreatedAt:  now,
		UpdatedAt:  now,
		LeaseUntil: now.Add(m.lease).UnixMilli(),
	}
	m.records[key] = rec
	return rec, true, nil
}

func (m *MemoryStore) MarkDone(ctx context.Context, key, reference, response string) error {
	return m.update(key, func(r *Record) {
		r.Status = StatusDone
		r.Reference = reference
		r.Response = response
	})
}

func (m *MemoryStore) MarkFailed(ctx context.Context, key, note string) error {
	return m.update(key, func(r *Record) {
		r.Status = StatusFailed
		r.Note = note
	})
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) update(key string, fn func(*Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return ErrUnknownKey
	}
	fn(&rec)
	rec.UpdatedAt = m.nowFunc()
	m.records[key] = rec
	return nil
}

func (m *MemoryStore) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFunc()
	if cur, ok := m.leases[key]; ok && now.Before(cur.until) {
		return "", false, nil
	}
	token := uuid.NewString()
	m.leases[key] = lease{owner: token, until: now.Add(ttl)}
	return token, true, nil
}

func (m *MemoryStore) Release(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[key]; ok && cur.owner == token {
		delete(m.leases, key)
	}
	return nil
}
