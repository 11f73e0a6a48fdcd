package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// RedisStore shares documents and leases between tab sessions that do not
// share a filesystem. Lease staleness is enforced by key expiry.
type RedisStore struct {
	client *redis.Client
	clock  clockwork.Clock
	prefix string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

var acquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if (not cur) or cur == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
return 0
`)

// saveScript writes ARGV[2] only while the stored document still carries
// version ARGV[1].
var saveScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local version = 0
if cur then
  local ok, doc = pcall(cjson.decode, cur)
  if ok and type(doc) == 'table' and tonumber(doc['Version']) then
    version = tonumber(doc['Version'])
  end
end
if version ~= tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func NewRedisStore(ctx context.Context, c RedisConfig, clock clockwork.Clock) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	prefix := c.Prefix
	if prefix == "" {
		prefix = "readstate"
	}

	return &RedisStore{client: rdb, clock: clock, prefix: prefix}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) docKey(key string) string   { return r.prefix + ":doc:" + key }
func (r *RedisStore) leaseKey(name string) string { return r.prefix + ":lease:" + name }

func (r *RedisStore) Load(ctx context.Context, key string) (*Document, error) {
	raw, err := r.client.Get(ctx, r.docKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document %q: %w", key, err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %q: %w", key, err)
	}
	return &doc, nil
}

func (r *RedisStore) Save(ctx context.Context, doc *Document) error {
	next := *doc
	next.Version = doc.Version + 1
	next.UpdatedAt = r.clock.Now()
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode document %q: %w", doc.Key, err)
	}

	n, err := saveScript.Run(ctx, r.client, []string{r.docKey(doc.Key)}, doc.Version, raw).Int()
	if err != nil {
		return fmt.Errorf("failed to save document %q: %w", doc.Key, err)
	}
	if n == 0 {
		return ErrConflict
	}
	doc.Version, doc.UpdatedAt = next.Version, next.UpdatedAt
	return nil
}

func (r *RedisStore) Version(ctx context.Context, key string) (int64, error) {
	doc, err := r.Load(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.Version, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.docKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete document %q: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, r.client, []string{r.leaseKey(name)}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return n == 1, nil
}

func (r *RedisStore) Release(ctx context.Context, name, holder string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.leaseKey(name)}, holder).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (r *RedisStore) Holder(ctx context.Context, name string) (string, error) {
	holder, err := r.client.Get(ctx, r.leaseKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get lease: %w", err)
	}
	return holder, nil
}
