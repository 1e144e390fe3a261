package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"orgatlas.dev/version"
)

// RedisStore keeps cache entries in a Redis-compatible server, one envelope
// per key with a server-side TTL. Intended for shared extraction hosts where
// several runs against the same org want a common cache.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *logrus.Logger

	hits       atomic.Int64
	misses     atomic.Int64
	writes     atomic.Int64
	evictions  atomic.Int64
	bytesSaved atomic.Int64
}

// NewRedisStore connects to addr and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, addr, password, prefix string, ttl time.Duration, log *logrus.Logger) (*RedisStore, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "orgatlas"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis cache at %s: %w", addr, err)
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, log: log}, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) redisKey(key Key) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, key.DataType, key.Fingerprint())
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key Key) ([]byte, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.misses.Add(1)
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.misses.Add(1)
		_ = s.client.Del(ctx, s.redisKey(key)).Err()
		return nil, ErrMiss
	}
	// Redis expires entries server-side; the schema check still applies.
	if env.SchemaVersion != version.SchemaVersion {
		s.misses.Add(1)
		return nil, ErrMiss
	}

	payload := env.Payload
	if env.Compressed {
		payload, err = gunzip(payload)
		if err != nil {
			s.misses.Add(1)
			return nil, ErrMiss
		}
	}

	s.hits.Add(1)
	s.bytesSaved.Add(int64(len(payload)))
	return payload, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, key Key, payload []byte) error {
	stored := payload
	compressed := false
	if len(payload) >= compressThreshold {
		gz, err := gzipBytes(payload)
		if err != nil {
			return fmt.Errorf("compress cache entry: %w", err)
		}
		if len(gz) < len(payload) {
			stored = gz
			compressed = true
		}
	}

	raw, err := encodeEnvelope(key, stored, compressed, time.Now())
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := s.client.Set(ctx, s.redisKey(key), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	s.writes.Add(1)
	return nil
}

// Clear implements Store. olderThan is ignored because Redis already ages
// entries out by TTL; a clear removes everything matching the scope.
func (s *RedisStore) Clear(ctx context.Context, dataType string, olderThan time.Duration) (int, error) {
	pattern := s.prefix + ":*"
	if dataType != "" {
		pattern = fmt.Sprintf("%s:%s:*", s.prefix, dataType)
	}

	removed := 0
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return removed, fmt.Errorf("redis del: %w", err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("redis scan: %w", err)
	}
	s.evictions.Add(int64(removed))
	return removed, nil
}

// Stats implements Store.
func (s *RedisStore) Stats() Stats {
	return Stats{
		Hits:       s.hits.Load(),
		Misses:     s.misses.Load(),
		Writes:     s.writes.Load(),
		Evictions:  s.evictions.Load(),
		BytesSaved: s.bytesSaved.Load(),
	}
}
