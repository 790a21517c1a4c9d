package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration for the redis cache backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisBackend connects to Redis and verifies the connection before returning.
// Each entry is one hash (meta + body) written inside MULTI/EXEC, so readers never
// observe a half-written entry.
func NewRedisBackend(cfg RedisConfig) (Backend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisBackendWithClient(client, cfg.Prefix), nil
}

// NewRedisBackendWithClient wraps an existing client; useful for tests or when
// sharing a client across components.
func NewRedisBackendWithClient(client *redis.Client, prefix string) Backend {
	if prefix == "" {
		prefix = "offline-cache:"
	}
	return &redisBackend{client: client, prefix: prefix}
}

type redisBackend struct {
	client *redis.Client
	prefix string
}

func (b *redisBackend) Open(name string) (Store, error) {
	if err := validateStoreName(name); err != nil {
		return nil, err
	}
	return &redisStore{backend: b, name: name}, nil
}

// deleteStoreScript 在一次原子执行中删除索引内的全部条目、索引本身与 stores 成员，
// 并发的 Put 要么整体落在删除之前，要么整体落在之后，不会留下索引之外的条目。
var deleteStoreScript = redis.NewScript(`
local hashes = redis.call('SMEMBERS', KEYS[1])
for _, hash in ipairs(hashes) do
	redis.call('DEL', ARGV[1] .. hash)
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
return #hashes
`)

func (b *redisBackend) Delete(ctx context.Context, name string) error {
	if err := validateStoreName(name); err != nil {
		return err
	}
	store := &redisStore{backend: b, name: name}
	keys := []string{store.indexKey(), b.storesKey()}
	return deleteStoreScript.Run(ctx, b.client, keys, store.entryPrefix(), name).Err()
}

func (b *redisBackend) Names(ctx context.Context) ([]string, error) {
	names, err := b.client.SMembers(ctx, b.storesKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (b *redisBackend) Close() error {
	return b.client.Close()
}

func (b *redisBackend) storesKey() string {
	return b.prefix + "stores"
}

type redisStore struct {
	backend *redisBackend
	name    string
}

func (s *redisStore) Name() string {
	return s.name
}

func (s *redisStore) Get(ctx context.Context, key Key) (*ReadResult, error) {
	values, err := s.backend.client.HMGet(ctx, s.entryKey(key), "meta", "body").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rawMeta, ok := values[0].(string)
	if !ok {
		return nil, ErrNotFound
	}
	body, _ := values[1].(string)

	var meta entryMeta
	if err := json.Unmarshal([]byte(rawMeta), &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptEntry, err)
	}
	entry, err := meta.entry(s.name, int64(len(body)))
	if err != nil {
		return nil, err
	}
	if entry.Key != key {
		return nil, ErrNotFound
	}
	return &ReadResult{
		Entry:  entry,
		Reader: nopSeekCloser{bytes.NewReader([]byte(body))},
	}, nil
}

func (s *redisStore) Put(ctx context.Context, key Key, body io.Reader, opts PutOptions) (*Entry, error) {
	buf := &bytes.Buffer{}
	written, err := copyWithContext(ctx, buf, body)
	if err != nil {
		return nil, err
	}

	meta := newEntryMeta(key, opts)
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	hash := keyHash(key)
	_, err = s.backend.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.entryKeyForHash(hash), "meta", rawMeta, "body", buf.Bytes())
		pipe.SAdd(ctx, s.indexKey(), hash)
		pipe.SAdd(ctx, s.backend.storesKey(), s.name)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Entry{
		Store:     s.name,
		Key:       key,
		Status:    meta.Status,
		Header:    meta.Header,
		SizeBytes: written,
		StoredAt:  meta.StoredAt,
	}, nil
}

func (s *redisStore) Remove(ctx context.Context, key Key) error {
	hash := keyHash(key)
	_, err := s.backend.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.entryKeyForHash(hash))
		pipe.SRem(ctx, s.indexKey(), hash)
		return nil
	})
	return err
}

func (s *redisStore) List(ctx context.Context) ([]Entry, error) {
	hashes, err := s.backend.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	metaCmds := make([]*redis.StringCmd, len(hashes))
	sizeCmds := make([]*redis.IntCmd, len(hashes))
	_, err = s.backend.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, hash := range hashes {
			metaCmds[i] = pipe.HGet(ctx, s.entryKeyForHash(hash), "meta")
			sizeCmds[i] = pipe.HStrLen(ctx, s.entryKeyForHash(hash), "body")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	entries := make([]Entry, 0, len(hashes))
	for i := range hashes {
		rawMeta, err := metaCmds[i].Result()
		if err != nil {
			continue
		}
		var meta entryMeta
		if err := json.Unmarshal([]byte(rawMeta), &meta); err != nil {
			continue
		}
		entry, err := meta.entry(s.name, sizeCmds[i].Val())
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key.String() < entries[j].Key.String()
	})
	return entries, nil
}

func (s *redisStore) entryKey(key Key) string {
	return s.entryKeyForHash(keyHash(key))
}

func (s *redisStore) entryKeyForHash(hash string) string {
	return s.entryPrefix() + hash
}

func (s *redisStore) entryPrefix() string {
	return s.backend.prefix + "store:" + s.name + ":entry:"
}

func (s *redisStore) indexKey() string {
	return s.backend.prefix + "store:" + s.name + ":keys"
}

type nopSeekCloser struct {
	*bytes.Reader
}

func (nopSeekCloser) Close() error {
	return nil
}
