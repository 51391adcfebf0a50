package contextstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores documents as plain string values. A document write is a
// single SET, which Redis applies atomically.
type RedisBackend struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

var _ Backend = (*RedisBackend)(nil)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all keys (default: "conductor:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisBackendFromClient(client, cfg.Prefix), nil
}

// NewRedisBackendFromClient wraps an existing client, e.g. one pointed at miniredis.
func NewRedisBackendFromClient(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "conductor:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) documentKey(key Key) string {
	return b.prefix + "ctx:" + key.Owner + ":" + key.Type
}

func (b *RedisBackend) sharedKey(id string) string {
	return b.prefix + "shared:" + id
}

func (b *RedisBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStoreClosed
	}
	return nil
}

func (b *RedisBackend) Write(ctx context.Context, key Key, data []byte) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := b.client.Set(ctx, b.documentKey(key), data, 0).Err(); err != nil {
		return fmt.Errorf("set context: %w", err)
	}
	return nil
}

func (b *RedisBackend) Read(ctx context.Context, key Key) ([]byte, bool, error) {
	if err := b.checkOpen(); err != nil {
		return nil, false, err
	}
	return b.get(ctx, b.documentKey(key))
}

// WriteShared stores the envelope with Redis-native expiry when ttl > 0.
func (b *RedisBackend) WriteShared(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := b.client.Set(ctx, b.sharedKey(id), data, ttl).Err(); err != nil {
		return fmt.Errorf("set envelope: %w", err)
	}
	return nil
}

func (b *RedisBackend) ReadShared(ctx context.Context, id string) ([]byte, bool, error) {
	if err := b.checkOpen(); err != nil {
		return nil, false, err
	}
	return b.get(ctx, b.sharedKey(id))
}

func (b *RedisBackend) get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return data, true, nil
}

// Ping checks connectivity.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the client.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
