package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Provider backed by a Redis server, for deployments where
// several gateway replicas share one cache.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedis(addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &Redis{client: client, timeout: 30 * time.Second}, nil
}

func (r *Redis) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

func (r *Redis) Get(key string) ([]byte, bool, error) {
	ctx, cancel := r.opCtx()
	defer cancel()
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	_, bytes := decodeValue(val)
	return bytes, true, nil
}

func (r *Redis) Put(key string, bytes []byte) error {
	ctx, cancel := r.opCtx()
	defer cancel()
	// zero expiration: entries live until deleted
	return r.client.Set(ctx, key, encodeValue(time.Now(), bytes), 0).Err()
}

func (r *Redis) Delete(key string) error {
	ctx, cancel := r.opCtx()
	defer cancel()
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) All(prefix string) ([]Entry, error) {
	var keys []string
	if err := r.Keys(prefix, func(key string) { keys = append(keys, key) }); err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		ctx, cancel := r.opCtx()
		val, err := r.client.Get(ctx, key).Bytes()
		cancel()
		if errors.Is(err, redis.Nil) {
			// deleted between scan and get
			continue
		}
		if err != nil {
			return entries, err
		}
		stored, bytes := decodeValue(val)
		entries = append(entries, Entry{Key: key, StoredAt: stored, Bytes: bytes})
	}
	return entries, nil
}

func (r *Redis) Keys(prefix string, fn func(string)) error {
	ctx, cancel := r.opCtx()
	defer cancel()
	iter := r.client.Scan(ctx, 0, globEscape(prefix)+"*", 512).Iterator()
	for iter.Next(ctx) {
		fn(iter.Val())
	}
	return iter.Err()
}

func (r *Redis) Has(key string) bool {
	ctx, cancel := r.opCtx()
	defer cancel()
	n, err := r.client.Exists(ctx, key).Result()
	return err == nil && n > 0
}

func (r *Redis) Close() error { return r.client.Close() }

// globEscape quotes SCAN MATCH metacharacters. Cached URLs routinely
// contain ? and sometimes [ ].
func globEscape(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
