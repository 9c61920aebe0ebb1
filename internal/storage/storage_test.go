package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"

	"github.com/bher20/countryrates/internal/countries"
)

func ptr[T any](v T) *T { return &v }

func country(name, region string, pop int64, rate *float64) countries.EnrichedCountry {
	c := countries.EnrichedCountry{
		Name:       name,
		Region:     ptr(region),
		Population: pop,
		FlagURL:    ptr("https://flags.example/" + name + ".svg"),
	}
	if rate != nil {
		c.CurrencyCode = ptr("XXX")
		c.ExchangeRate = rate
		c.EstimatedGDP = ptr(float64(pop) * *rate * 1500)
	}
	return c
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type StorageSuite struct {
	suite.Suite
	open  func(t *testing.T) Storage
	store Storage
	ctx   context.Context
}

func (s *StorageSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.open(s.T())
}

func (s *StorageSuite) TearDownTest() {
	s.store.Close()
}

func (s *StorageSuite) replace(at time.Time, records ...countries.EnrichedCountry) {
	s.Require().NoError(s.store.Replace(s.ctx, records, at))
}

func (s *StorageSuite) TestEmptyStore() {
	md, err := s.store.Metadata(s.ctx)
	s.Require().NoError(err)
	s.Nil(md.LastRefreshedAt)
	s.Zero(md.TotalCountries)

	all, err := s.store.Scan(s.ctx)
	s.Require().NoError(err)
	s.Empty(all)

	_, err = s.store.Get(s.ctx, "Ghana", countries.CaseInsensitive)
	s.Require().ErrorIs(err, ErrNotFound)

	s.Require().ErrorIs(s.store.Delete(s.ctx, "Ghana"), ErrNotFound)
}

func (s *StorageSuite) TestReplaceRoundTrip() {
	in := []countries.EnrichedCountry{
		country("Nigeria", "Africa", 206139589, ptr(1600.23)),
		country("Ghana", "Africa", 31072940, ptr(15.2)),
		country("Atlantis", "Ocean", 0, nil),
	}
	in[2].Capital = nil
	in[1].Capital = ptr("Accra")
	s.replace(t0, in...)

	all, err := s.store.Scan(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(all, 3)
	for i, c := range all {
		s.Equal(in[i].Name, c.Name, "storage order is insertion order")
		s.Equal(in[i].Population, c.Population)
		s.Equal(in[i].Capital, c.Capital)
		s.Equal(in[i].ExchangeRate, c.ExchangeRate)
		s.Equal(in[i].EstimatedGDP, c.EstimatedGDP)
		s.True(t0.Equal(c.LastRefreshedAt), "every record carries the refresh time")
	}
	s.Nil(all[2].EstimatedGDP)
	s.Nil(all[2].CurrencyCode)

	md, err := s.store.Metadata(s.ctx)
	s.Require().NoError(err)
	s.Equal(3, md.TotalCountries)
	s.Require().NotNil(md.LastRefreshedAt)
	s.True(t0.Equal(*md.LastRefreshedAt))
}

func (s *StorageSuite) TestReplaceDiscardsPreviousGeneration() {
	s.replace(t0, country("Ghana", "Africa", 1, nil), country("Togo", "Africa", 2, nil))
	s.replace(t0.Add(time.Hour), country("Peru", "Americas", 3, ptr(3.7)))

	all, err := s.store.Scan(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(all, 1)
	s.Equal("Peru", all[0].Name)

	_, err = s.store.Get(s.ctx, "Ghana", countries.CaseInsensitive)
	s.Require().ErrorIs(err, ErrNotFound)
}

func (s *StorageSuite) TestReplaceWithEmptySet() {
	s.replace(t0, country("Ghana", "Africa", 1, nil))
	s.replace(t0.Add(time.Minute))

	md, err := s.store.Metadata(s.ctx)
	s.Require().NoError(err)
	s.Zero(md.TotalCountries)
	s.Require().NotNil(md.LastRefreshedAt)
	s.True(t0.Add(time.Minute).Equal(*md.LastRefreshedAt))
}

func (s *StorageSuite) TestGetCasePolicy() {
	s.replace(t0, country("Ghana", "Africa", 1, nil))

	got, err := s.store.Get(s.ctx, "gHaNa", countries.CaseInsensitive)
	s.Require().NoError(err)
	s.Equal("Ghana", got.Name)

	_, err = s.store.Get(s.ctx, "ghana", countries.CaseSensitive)
	s.Require().ErrorIs(err, ErrNotFound)

	got, err = s.store.Get(s.ctx, "Ghana", countries.CaseSensitive)
	s.Require().NoError(err)
	s.Equal("Ghana", got.Name)
}

func (s *StorageSuite) TestDelete() {
	s.replace(t0, country("Ghana", "Africa", 1, nil), country("Togo", "Africa", 2, nil), country("Benin", "Africa", 3, nil))

	s.Require().NoError(s.store.Delete(s.ctx, "TOGO"))
	s.Require().ErrorIs(s.store.Delete(s.ctx, "Togo"), ErrNotFound)

	all, err := s.store.Scan(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(all, 2)
	s.Equal("Ghana", all[0].Name)
	s.Equal("Benin", all[1].Name)

	md, err := s.store.Metadata(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, md.TotalCountries)
	s.Require().NotNil(md.LastRefreshedAt)
	s.True(t0.Equal(*md.LastRefreshedAt), "delete keeps the refresh time")

	// The next refresh brings the country back.
	s.replace(t0.Add(time.Hour), country("Togo", "Africa", 2, nil))
	_, err = s.store.Get(s.ctx, "togo", countries.CaseInsensitive)
	s.Require().NoError(err)
}

func (s *StorageSuite) TestDuplicateNamesRejected() {
	s.replace(t0, country("Ghana", "Africa", 1, nil))

	err := s.store.Replace(s.ctx, []countries.EnrichedCountry{
		country("Togo", "Africa", 1, nil),
		country("TOGO", "Africa", 2, nil),
	}, t0.Add(time.Hour))
	s.Require().Error(err)
	s.True(IsKind(err, ConstraintViolation), "got %v", err)

	all, err := s.store.Scan(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(all, 1)
	s.Equal("Ghana", all[0].Name, "failed replace leaves the previous generation")
}

func (s *StorageSuite) TestMetadataIsMonotonic() {
	s.replace(t0, country("Ghana", "Africa", 1, nil))

	err := s.store.Replace(s.ctx, []countries.EnrichedCountry{country("Togo", "Africa", 1, nil)}, t0.Add(-time.Second))
	s.Require().Error(err)
	s.True(IsKind(err, ConstraintViolation), "got %v", err)

	md, err := s.store.Metadata(s.ctx)
	s.Require().NoError(err)
	s.True(t0.Equal(*md.LastRefreshedAt))

	// Equal timestamps are not a regression.
	s.replace(t0, country("Togo", "Africa", 1, nil))
}

func (s *StorageSuite) TestReplaceDoesNotAliasInput() {
	in := []countries.EnrichedCountry{country("Ghana", "Africa", 1, nil)}
	s.replace(t0, in...)
	in[0].Name = "Mutated"

	all, err := s.store.Scan(s.ctx)
	s.Require().NoError(err)
	s.Equal("Ghana", all[0].Name)
}

// Readers running alongside a writer must only ever observe one whole
// generation.
func (s *StorageSuite) TestConcurrentReadersSeeWholeGenerations() {
	gen := func(region string, n int) []countries.EnrichedCountry {
		out := make([]countries.EnrichedCountry, n)
		for i := range out {
			out[i] = country(fmt.Sprintf("%s-%03d", region, i), region, int64(i), ptr(1.5))
		}
		return out
	}
	sizes := map[string]int{"A": 40, "B": 25}
	gens := map[string][]countries.EnrichedCountry{"A": gen("A", 40), "B": gen("B", 25)}
	s.Require().NoError(s.store.Replace(s.ctx, gens["A"], t0))

	var (
		stop   atomic.Bool
		wg     sync.WaitGroup
		failed atomic.Value
	)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				all, err := s.store.Scan(s.ctx)
				if err != nil {
					failed.Store(err)
					return
				}
				if len(all) == 0 {
					failed.Store(errors.New("empty scan between generations"))
					return
				}
				region := *all[0].Region
				stamp := all[0].LastRefreshedAt
				if len(all) != sizes[region] {
					failed.Store(fmt.Errorf("generation %s has %d records, want %d", region, len(all), sizes[region]))
					return
				}
				for _, c := range all {
					if *c.Region != region || !c.LastRefreshedAt.Equal(stamp) {
						failed.Store(fmt.Errorf("mixed generations: %s/%s", region, *c.Region))
						return
					}
				}
			}
		}()
	}

	for i := 1; i <= 20; i++ {
		key := "A"
		if i%2 == 1 {
			key = "B"
		}
		s.Require().NoError(s.store.Replace(s.ctx, gens[key], t0.Add(time.Duration(i)*time.Second)))
	}
	stop.Store(true)
	wg.Wait()

	if err, ok := failed.Load().(error); ok {
		s.Fail(err.Error())
	}
}

func (s *StorageSuite) TestScheduledJobBookkeeping() {
	rec, ok := s.store.(JobRecorder)
	if !ok {
		s.T().Skip("backend keeps no job bookkeeping")
	}
	s.Require().NoError(rec.UpdateScheduledJob(s.ctx, "refresh", t0, 1500*time.Millisecond, true, ""))
	s.Require().NoError(rec.UpdateScheduledJob(s.ctx, "refresh", t0.Add(time.Hour), time.Second, false, "boom"))
}

func TestMemoryStorage(t *testing.T) {
	suite.Run(t, &StorageSuite{open: func(t *testing.T) Storage { return NewMemory() }})
}

func TestMemoryScheduledJob(t *testing.T) {
	m := NewMemory()
	_ = m.UpdateScheduledJob(context.Background(), "refresh", t0, 2*time.Second, false, "timeout")
	j, ok := m.ScheduledJob("refresh")
	if !ok {
		t.Fatal("expected job row")
	}
	if j.LastDurationMs != 2000 || j.LastSuccess != 0 || j.LastError != "timeout" {
		t.Fatalf("unexpected job row: %+v", j)
	}
}

func TestGormSQLiteStorage(t *testing.T) {
	suite.Run(t, &StorageSuite{open: func(t *testing.T) Storage {
		st, err := NewGormStorage("sqlite", filepath.Join(t.TempDir(), "countries.db"))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		if err := st.Migrate(context.Background()); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		return st
	}})
}

func TestGormSQLiteReadsDoNotWaitForReplace(t *testing.T) {
	ctx := context.Background()
	st, err := NewGormStorage("sqlite", filepath.Join(t.TempDir(), "wal.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	old := []countries.EnrichedCountry{
		country("Nigeria", "Africa", 10, ptr(2.0)),
		country("Ghana", "Africa", 5, nil),
	}
	if err := st.Replace(ctx, old, t0); err != nil {
		t.Fatalf("replace: %v", err)
	}

	// Hold a write transaction open half way through a generation swap.
	tx := st.db.Begin()
	if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Country{}).Error; err != nil {
		t.Fatalf("delete in tx: %v", err)
	}
	defer tx.Rollback()

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	all, err := st.Scan(readCtx)
	if err != nil {
		t.Fatalf("scan during open replace: %v", err)
	}
	if len(all) != len(old) {
		t.Fatalf("scan saw %d countries, want the committed %d", len(all), len(old))
	}
	md, err := st.Metadata(readCtx)
	if err != nil {
		t.Fatalf("metadata during open replace: %v", err)
	}
	if md.TotalCountries != len(old) || md.LastRefreshedAt == nil || !md.LastRefreshedAt.Equal(t0) {
		t.Fatalf("unexpected metadata: %+v", md)
	}
	if _, err := st.Get(readCtx, "ghana", countries.CaseInsensitive); err != nil {
		t.Fatalf("get during open replace: %v", err)
	}
}

func TestSQLiteDSN(t *testing.T) {
	if got := sqliteDSN("a.db"); got != "a.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)" {
		t.Fatalf("sqliteDSN: %s", got)
	}
	if got := sqliteDSN(":memory:"); got != ":memory:?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)" {
		t.Fatalf("sqliteDSN memory: %s", got)
	}
	if got := sqliteReadDSN("a.db?cache=private"); got != "a.db?cache=private&_pragma=busy_timeout(5000)&_pragma=query_only(1)" {
		t.Fatalf("sqliteReadDSN: %s", got)
	}
}

func TestRedisStorage(t *testing.T) {
	url := os.Getenv("COUNTRYRATES_TEST_REDIS_URL")
	if url == "" {
		t.Skip("COUNTRYRATES_TEST_REDIS_URL not set")
	}
	suite.Run(t, &StorageSuite{open: func(t *testing.T) Storage {
		opts, err := redis.ParseURL(url)
		if err != nil {
			t.Fatalf("parse url: %v", err)
		}
		client := redis.NewClient(opts)
		if err := client.FlushDB(context.Background()).Err(); err != nil {
			t.Fatalf("flush: %v", err)
		}
		return NewRedisStorage(client)
	}})
}

func TestRedisReleaseWithoutLeaseIsNoop(t *testing.T) {
	// Nothing listens here; releasing a lock we never took must not dial.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()
	st := NewRedisStorage(client)

	released, err := st.ReleaseAdvisoryLock(context.Background(), 42)
	if err != nil || released {
		t.Fatalf("release without lease: released=%v err=%v", released, err)
	}
}

func TestRedisLockReleaseKeepsForeignLease(t *testing.T) {
	url := os.Getenv("COUNTRYRATES_TEST_REDIS_URL")
	if url == "" {
		t.Skip("COUNTRYRATES_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	first, second := NewRedisStorage(client), NewRedisStorage(client)

	ok, err := first.AcquireAdvisoryLock(ctx, 7)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if ok, _ := second.AcquireAdvisoryLock(ctx, 7); ok {
		t.Fatal("second acquire should fail while the lease is held")
	}

	// The first lease expires and the second holder takes over.
	if err := client.Del(ctx, lockKey(7)).Err(); err != nil {
		t.Fatalf("expire lease: %v", err)
	}
	if ok, err := second.AcquireAdvisoryLock(ctx, 7); err != nil || !ok {
		t.Fatalf("second acquire after expiry: ok=%v err=%v", ok, err)
	}

	released, err := first.ReleaseAdvisoryLock(ctx, 7)
	if err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if released {
		t.Fatal("stale holder must not release the new lease")
	}
	if n, _ := client.Exists(ctx, lockKey(7)).Result(); n != 1 {
		t.Fatal("new holder's lease was deleted")
	}

	released, err = second.ReleaseAdvisoryLock(ctx, 7)
	if err != nil || !released {
		t.Fatalf("owner release: released=%v err=%v", released, err)
	}
}

func TestPostgresPoolStorage(t *testing.T) {
	dsn := os.Getenv("COUNTRYRATES_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("COUNTRYRATES_TEST_PG_DSN not set")
	}
	suite.Run(t, &StorageSuite{open: func(t *testing.T) Storage {
		ctx := context.Background()
		st, err := OpenPostgresPool(ctx, dsn)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := st.Migrate(ctx); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		if _, err := st.pool.Exec(ctx, `TRUNCATE countries, refresh_metadata RESTART IDENTITY`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return st
	}})
}

func TestOpenFactory(t *testing.T) {
	ctx := context.Background()

	st, err := Open(ctx, Config{})
	if err != nil {
		t.Fatalf("open default: %v", err)
	}
	if _, ok := st.(*MemoryStorage); !ok {
		t.Fatalf("default driver should be memory, got %T", st)
	}

	st, err = Open(ctx, Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "f.db"), Migrate: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := st.Replace(ctx, []countries.EnrichedCountry{country("Ghana", "Africa", 1, nil)}, t0); err != nil {
		t.Fatalf("replace: %v", err)
	}

	if _, err := Open(ctx, Config{Driver: "cassandra"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
