package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"deployd/internal/domain"
)

const defaultRedisPrefix = "deployd"

// RedisStore implements Store with one JSON value per deployment plus an
// index set of ids.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore connects to the server at url (redis://...). prefix namespaces
// every key.
func NewRedisStore(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStoreFromClient(client, prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(id string) string { return s.prefix + ":deployment:" + id }
func (s *RedisStore) index() string        { return s.prefix + ":deployments" }

func (s *RedisStore) Save(ctx context.Context, rec domain.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.key(rec.ID), payload, 0)
		p.SAdd(ctx, s.index(), rec.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save deployment %s: %w", rec.ID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.key(id))
		p.SRem(ctx, s.index(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete deployment %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) LoadAll(ctx context.Context) ([]domain.Record, error) {
	ids, err := s.client.SMembers(ctx, s.index()).Result()
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load deployments: %w", err)
	}
	out := make([]domain.Record, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue // index entry without a value
		}
		var rec domain.Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal deployment: %w", err)
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
