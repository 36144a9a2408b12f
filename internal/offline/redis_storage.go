package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps each bucket as a Redis hash so several terminals in a
// shop can share cached pages. Bucket names are tracked in a set.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

func NewRedisStorage(addr, password string, db int, prefix string) *RedisStorage {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStorageWith(rdb, prefix)
}

func NewRedisStorageWith(client *redis.Client, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = "offpos"
	}
	return &RedisStorage{client: client, prefix: prefix}
}

func (s *RedisStorage) setKey() string { return s.prefix + ":buckets" }

func (s *RedisStorage) hashKey(name string) string { return s.prefix + ":bucket:" + name }

func (s *RedisStorage) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *RedisStorage) Close() error { return s.client.Close() }

func (s *RedisStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := s.client.SAdd(ctx, s.setKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("redis sadd: %w", err)
	}
	return &redisBucket{s: s, name: name}, nil
}

func (s *RedisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisStorage) Delete(ctx context.Context, name string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.hashKey(name))
		p.SRem(ctx, s.setKey(), name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete bucket %s: %w", name, err)
	}
	return nil
}

type redisBucket struct {
	s    *RedisStorage
	name string
}

func (b *redisBucket) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := b.s.client.HGet(ctx, b.s.hashKey(b.name), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis hget: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode entry: %w", err)
	}
	return e, true, nil
}

func (b *redisBucket) Put(ctx context.Context, key string, e Entry) error {
	raw, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	_, err = b.s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, b.s.setKey(), b.name)
		p.HSet(ctx, b.s.hashKey(b.name), key, raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}
