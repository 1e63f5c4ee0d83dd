// Package redislease shares credential cooldowns between instances through
// Redis keys that expire with the cooldown.
package redislease

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultKeyPrefix = "genmeter:credential:cooldown:"

// ErrNilClient indicates a missing Redis client.
var ErrNilClient = errors.New("redislease: client is nil")

// Client is the subset of redis.Cmdable used by Store.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// Store implements credentials.CooldownStore on Redis.
type Store struct {
	client Client
	prefix string
}

// New builds a Store. An empty prefix selects the default key namespace.
func New(client Client, prefix string) (*Store, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Store{client: client, prefix: prefix}, nil
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr string, prefix string) (*Store, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	store, err := New(client, prefix)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return store, client, nil
}

// Block starts a cooldown for fingerprint. An existing lease is left alone so
// the first failure decides when the credential returns.
func (store *Store) Block(ctx context.Context, fingerprint string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return store.client.SetNX(ctx, store.key(fingerprint), 1, ttl).Err()
}

// Blocked reports whether a cooldown lease exists for fingerprint.
func (store *Store) Blocked(ctx context.Context, fingerprint string) (bool, error) {
	count, err := store.client.Exists(ctx, store.key(fingerprint)).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (store *Store) key(fingerprint string) string {
	return store.prefix + fingerprint
}
