package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AnandSundar/go-cohortrates"
)

// DefaultRedisPrefix namespaces result keys
const DefaultRedisPrefix = "cohortrates:result:"

// RedisStore is a Redis-backed implementation of cohortrates.ArtifactStore.
// Records are stored as JSON under prefix+fingerprint.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new Redis store. A zero ttl keeps records until deleted.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: DefaultRedisPrefix,
		ttl:    ttl,
	}
}

// WithPrefix returns a copy of the store using a different key prefix
func (s *RedisStore) WithPrefix(prefix string) *RedisStore {
	cp := *s
	cp.prefix = prefix
	return &cp
}

// Get retrieves a record from Redis
func (s *RedisStore) Get(ctx context.Context, fingerprint string) (*cohortrates.Record, error) {
	data, err := s.client.Get(ctx, s.prefix+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, cohortrates.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec cohortrates.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", fingerprint, err)
	}

	return &rec, nil
}

// Put stores a record in Redis
func (s *RedisStore) Put(ctx context.Context, rec *cohortrates.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.client.Set(ctx, s.prefix+rec.Fingerprint, data, s.ttl).Err()
}

// Delete removes every record in scope. A fingerprint-only scope is a single
// DEL; anything else scans the prefix and matches labels.
func (s *RedisStore) Delete(ctx context.Context, scope cohortrates.Scope) (int, error) {
	if scope.Fingerprint != "" && scope.Experiment == "" && scope.Cohort == "" && scope.Event == "" {
		n, err := s.client.Del(ctx, s.prefix+scope.Fingerprint).Result()
		return int(n), err
	}

	var doomed []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		rec, err := s.Get(ctx, key[len(s.prefix):])
		if errors.Is(err, cohortrates.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if scope.Matches(rec.Fingerprint, rec.Labels) {
			doomed = append(doomed, key)
		}
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	n, err := s.client.Del(ctx, doomed...).Result()
	return int(n), err
}
