package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bher20/countryrates/internal/countries"
)

const (
	redisKeyPrefix = "countryrates:"
	// retiredGenerationTTL keeps a replaced generation readable for callers
	// that loaded the pointer just before the swap.
	retiredGenerationTTL = 2 * time.Minute
	redisSwapAttempts    = 3
	redisLockTTL         = 10 * time.Minute
)

// RedisStorage keeps each generation under its own key set and publishes it
// by moving the countryrates:current pointer inside a MULTI/EXEC.
//
//	countryrates:current            -> generation id
//	countryrates:gen:<id>:order     list of name keys, insertion order
//	countryrates:gen:<id>:data      hash name key -> JSON country
//	countryrates:gen:<id>:meta      refresh timestamp (RFC3339Nano)
type RedisStorage struct {
	client *redis.Client

	mu     sync.Mutex
	leases map[int64]string // lock key -> token of the lease this process holds
}

type genKeys struct {
	order, data, meta string
}

func keysFor(id string) genKeys {
	p := redisKeyPrefix + "gen:" + id + ":"
	return genKeys{order: p + "order", data: p + "data", meta: p + "meta"}
}

const currentKey = redisKeyPrefix + "current"

// OpenRedis connects to the server at url (redis://...) and verifies it
// answers a PING.
func OpenRedis(ctx context.Context, url string) (*RedisStorage, error) {
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, unreachable("open", fmt.Errorf("parse redis URL: %w", err))
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, unreachable("open", fmt.Errorf("redis ping failed: %w", err))
	}
	return &RedisStorage{client: client, leases: make(map[int64]string)}, nil
}

// NewRedisStorage wraps an existing client. The caller owns its lifecycle
// unless Close is called.
func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client, leases: make(map[int64]string)}
}

func (s *RedisStorage) Close() error { return s.client.Close() }

func (s *RedisStorage) Ping(ctx context.Context) error {
	return unreachable("ping", s.client.Ping(ctx).Err())
}

func (s *RedisStorage) Replace(ctx context.Context, records []countries.EnrichedCountry, refreshedAt time.Time) error {
	if err := validateGeneration(records, refreshedAt, nil); err != nil {
		return err
	}

	order := make([]any, 0, len(records))
	fields := make([]any, 0, 2*len(records))
	for _, r := range stamp(records, refreshedAt.UTC()) {
		b, err := json.Marshal(r)
		if err != nil {
			return unreachable("replace", err)
		}
		key := countries.NameKey(r.Name)
		order = append(order, key)
		fields = append(fields, key, b)
	}

	id := uuid.NewString()
	next := keysFor(id)
	// The new generation is invisible until the pointer moves to it.
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(order) > 0 {
			pipe.RPush(ctx, next.order, order...)
			pipe.HSet(ctx, next.data, fields...)
		}
		pipe.Set(ctx, next.meta, refreshedAt.UTC().Format(time.RFC3339Nano), 0)
		return nil
	})
	if err != nil {
		return unreachable("replace", err)
	}

	for attempt := 0; attempt < redisSwapAttempts; attempt++ {
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			prevID, err := tx.Get(ctx, currentKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			var prev *genKeys
			if prevID != "" {
				k := keysFor(prevID)
				prev = &k
				last, err := readMeta(ctx, tx, k)
				if err != nil {
					return err
				}
				if err := validateGeneration(nil, refreshedAt, last); err != nil {
					return err
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, currentKey, id, 0)
				if prev != nil {
					pipe.Expire(ctx, prev.order, retiredGenerationTTL)
					pipe.Expire(ctx, prev.data, retiredGenerationTTL)
					pipe.Expire(ctx, prev.meta, retiredGenerationTTL)
				}
				return nil
			})
			return err
		}, currentKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		s.client.Del(context.WithoutCancel(ctx), next.order, next.data, next.meta)
		var se *Error
		if errors.As(err, &se) {
			return err
		}
		return unreachable("replace", err)
	}
	return nil
}

func readMeta(ctx context.Context, c redis.Cmdable, k genKeys) (*time.Time, error) {
	raw, err := c.Get(ctx, k.meta).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("generation meta %q: %w", raw, err)
	}
	return &t, nil
}

// live returns the keys of the current generation, or nil before the first
// Replace.
func (s *RedisStorage) live(ctx context.Context) (*genKeys, error) {
	id, err := s.client.Get(ctx, currentKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	k := keysFor(id)
	return &k, nil
}

func (s *RedisStorage) Get(ctx context.Context, name string, policy countries.CasePolicy) (*countries.EnrichedCountry, error) {
	k, err := s.live(ctx)
	if err != nil {
		return nil, unreachable("get", err)
	}
	if k == nil {
		return nil, ErrNotFound
	}
	raw, err := s.client.HGet(ctx, k.data, countries.NameKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unreachable("get", err)
	}
	var c countries.EnrichedCountry
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, unreachable("get", err)
	}
	if !countries.MatchName(c.Name, name, policy) {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *RedisStorage) Scan(ctx context.Context) ([]countries.EnrichedCountry, error) {
	k, err := s.live(ctx)
	if err != nil {
		return nil, unreachable("scan", err)
	}
	if k == nil {
		return nil, nil
	}

	var orderCmd *redis.StringSliceCmd
	var dataCmd *redis.MapStringStringCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		orderCmd = pipe.LRange(ctx, k.order, 0, -1)
		dataCmd = pipe.HGetAll(ctx, k.data)
		return nil
	})
	if err != nil {
		return nil, unreachable("scan", err)
	}

	data := dataCmd.Val()
	out := make([]countries.EnrichedCountry, 0, len(data))
	for _, key := range orderCmd.Val() {
		raw, ok := data[key]
		if !ok {
			continue
		}
		var c countries.EnrichedCountry
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, unreachable("scan", err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *RedisStorage) Delete(ctx context.Context, name string) error {
	key := countries.NameKey(name)
	var removed int64
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		id, err := tx.Get(ctx, currentKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		k := keysFor(id)
		var del *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			del = pipe.HDel(ctx, k.data, key)
			pipe.LRem(ctx, k.order, 1, key)
			return nil
		})
		if err != nil {
			return err
		}
		removed = del.Val()
		return nil
	}, currentKey)
	if err != nil {
		return unreachable("delete", err)
	}
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStorage) Metadata(ctx context.Context) (countries.RefreshMetadata, error) {
	var md countries.RefreshMetadata
	k, err := s.live(ctx)
	if err != nil {
		return md, unreachable("metadata", err)
	}
	if k == nil {
		return md, nil
	}

	var metaCmd *redis.StringCmd
	var lenCmd *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		metaCmd = pipe.Get(ctx, k.meta)
		lenCmd = pipe.LLen(ctx, k.order)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return md, unreachable("metadata", err)
	}
	md.TotalCountries = int(lenCmd.Val())
	if raw := metaCmd.Val(); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return md, unreachable("metadata", err)
		}
		t = t.UTC()
		md.LastRefreshedAt = &t
	}
	return md, nil
}

func lockKey(key int64) string {
	return redisKeyPrefix + "lock:" + strconv.FormatInt(key, 10)
}

// releaseLease deletes the lock only while it still carries our token, so a
// holder whose lease expired cannot drop the next holder's lease.
var releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireAdvisoryLock takes a lease on key with SET NX and a random token.
// The lease expires on its own if the holder dies without releasing it.
func (s *RedisStorage) AcquireAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, lockKey(key), token, redisLockTTL).Result()
	if err != nil {
		return false, unreachable("advisory lock", err)
	}
	if ok {
		s.mu.Lock()
		s.leases[key] = token
		s.mu.Unlock()
	}
	return ok, nil
}

// ReleaseAdvisoryLock drops the lease taken by AcquireAdvisoryLock. It
// reports false when this process holds no lease on key or the lease has
// since expired and been taken by someone else.
func (s *RedisStorage) ReleaseAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	s.mu.Lock()
	token, ok := s.leases[key]
	delete(s.leases, key)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	n, err := releaseLease.Run(ctx, s.client, []string{lockKey(key)}, token).Int64()
	if err != nil {
		return false, unreachable("advisory unlock", err)
	}
	return n > 0, nil
}

func (s *RedisStorage) UpdateScheduledJob(ctx context.Context, name string, started time.Time, dur time.Duration, success bool, errMsg string) error {
	j := newScheduledJob(name, started, dur, success, errMsg)
	err := s.client.HSet(ctx, redisKeyPrefix+"job:"+j.Name,
		"last_run_at", j.LastRunAt.Format(time.RFC3339Nano),
		"last_duration_ms", j.LastDurationMs,
		"last_success", j.LastSuccess,
		"last_error", j.LastError,
	).Err()
	return unreachable("update scheduled job", err)
}
