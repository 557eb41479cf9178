package kb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const (
	defaultRedisPrefix = "blindscan:kb:"
	maxTxRetries       = 8
)

// RedisStore shares the knowledge base between scanner processes. Each
// namespace is a hash whose fields are finding keys and whose values are
// JSON lists. AppendUnique relies on HSETNX.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to rawURL and pings the server.
func NewRedisStore(ctx context.Context, rawURL, prefix string) (*RedisStore, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStoreFromClient(client, prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) hash(namespace string) string {
	return s.prefix + namespace
}

// Query implements Store.
func (s *RedisStore) Query(ctx context.Context, namespace, key string) ([]Finding, error) {
	data, err := s.client.HGet(ctx, s.hash(namespace), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Finding
	return out, decodeList(data, &out)
}

// All implements Store.
func (s *RedisStore) All(ctx context.Context, namespace string) ([]Finding, error) {
	values, err := s.client.HVals(ctx, s.hash(namespace)).Result()
	if err != nil {
		return nil, err
	}
	var out []Finding
	for _, v := range values {
		var list []Finding
		if err := decodeList([]byte(v), &list); err != nil {
			return nil, err
		}
		out = append(out, list...)
	}
	return out, nil
}

// AppendUnique implements Store.
func (s *RedisStore) AppendUnique(ctx context.Context, namespace string, f Finding) (bool, error) {
	data, err := json.Marshal([]Finding{f})
	if err != nil {
		return false, fmt.Errorf("failed to marshal finding: %w", err)
	}
	return s.client.HSetNX(ctx, s.hash(namespace), f.Key, data).Result()
}

// Append implements Store. The read-modify-write runs in a WATCH
// transaction and is retried when another writer touches the hash.
func (s *RedisStore) Append(ctx context.Context, namespace string, f Finding) error {
	hash := s.hash(namespace)
	txf := func(tx *redis.Tx) error {
		var list []Finding
		data, err := tx.HGet(ctx, hash, f.Key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := decodeList(data, &list); err != nil {
				return err
			}
		}

		encoded, err := json.Marshal(append(list, f))
		if err != nil {
			return fmt.Errorf("failed to marshal finding: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hash, f.Key, encoded)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, hash)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("append to %s: too many concurrent writers", hash)
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
