package storage

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bher20/countryrates/internal/countries"
)

// generation is an immutable snapshot. It is never modified after being
// published; Delete publishes a trimmed copy instead.
type generation struct {
	refreshedAt *time.Time
	records     []countries.EnrichedCountry
	index       map[string]int
}

func newGeneration(records []countries.EnrichedCountry, refreshedAt *time.Time) *generation {
	g := &generation{
		refreshedAt: refreshedAt,
		records:     records,
		index:       make(map[string]int, len(records)),
	}
	for i, r := range records {
		g.index[countries.NameKey(r.Name)] = i
	}
	return g
}

// MemoryStorage is an in-memory Storage implementation, useful for tests and
// simple single-process deployments. Readers load the current generation
// without locking; writers are serialized by mu.
type MemoryStorage struct {
	mu      sync.Mutex
	current atomic.Pointer[generation]
	jobs    map[string]ScheduledJob
}

// NewMemory returns an empty MemoryStorage.
func NewMemory() *MemoryStorage {
	m := &MemoryStorage{jobs: make(map[string]ScheduledJob)}
	m.current.Store(newGeneration(nil, nil))
	return m
}

func (m *MemoryStorage) Close() error { return nil }

func (m *MemoryStorage) Ping(ctx context.Context) error { return nil }

func (m *MemoryStorage) Replace(ctx context.Context, records []countries.EnrichedCountry, refreshedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return unreachable("replace", err)
	}
	at := refreshedAt
	next := newGeneration(stamp(records, at), &at)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := validateGeneration(records, refreshedAt, m.current.Load().refreshedAt); err != nil {
		return err
	}
	m.current.Store(next)
	return nil
}

func (m *MemoryStorage) Get(ctx context.Context, name string, policy countries.CasePolicy) (*countries.EnrichedCountry, error) {
	g := m.current.Load()
	i, ok := g.index[countries.NameKey(name)]
	if !ok {
		return nil, ErrNotFound
	}
	c := g.records[i]
	if !countries.MatchName(c.Name, name, policy) {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *MemoryStorage) Scan(ctx context.Context) ([]countries.EnrichedCountry, error) {
	g := m.current.Load()
	out := make([]countries.EnrichedCountry, len(g.records))
	copy(out, g.records)
	return out, nil
}

func (m *MemoryStorage) Delete(ctx context.Context, name string) error {
	key := countries.NameKey(name)

	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.current.Load()
	i, ok := g.index[key]
	if !ok {
		return ErrNotFound
	}
	trimmed := make([]countries.EnrichedCountry, 0, len(g.records)-1)
	trimmed = append(trimmed, g.records[:i]...)
	trimmed = append(trimmed, g.records[i+1:]...)
	m.current.Store(newGeneration(trimmed, g.refreshedAt))
	return nil
}

func (m *MemoryStorage) Metadata(ctx context.Context) (countries.RefreshMetadata, error) {
	g := m.current.Load()
	md := countries.RefreshMetadata{TotalCountries: len(g.records)}
	if g.refreshedAt != nil {
		t := *g.refreshedAt
		md.LastRefreshedAt = &t
	}
	return md, nil
}

// AcquireAdvisoryLock always succeeds: a single process owns the memory store.
func (m *MemoryStorage) AcquireAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	return true, nil
}

func (m *MemoryStorage) ReleaseAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	return true, nil
}

func (m *MemoryStorage) UpdateScheduledJob(ctx context.Context, name string, started time.Time, dur time.Duration, success bool, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[strings.TrimSpace(name)] = newScheduledJob(name, started, dur, success, errMsg)
	return nil
}

// ScheduledJob returns the bookkeeping row for a job, if any.
func (m *MemoryStorage) ScheduledJob(name string) (ScheduledJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[name]
	return j, ok
}
