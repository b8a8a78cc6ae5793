// Package statecache provides the redis hand-off layer between workflow steps.
//
// The cache is a pure acceleration layer: durable storage is always consulted
// first for stages whose output is eventually persisted, so a lost or expired
// entry never affects correctness, only cost.
package statecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/klauspost/compress/gzip"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("statecache: miss")

// gzipMagic is the two-byte gzip header used to tell compressed payloads
// from legacy plain-string values.
var gzipMagic = []byte{0x1f, 0x8b}

// Cache is a namespaced key/value hand-off store backed by redis.
type Cache struct {
	pool      *redis.Pool
	namespace string
}

// New creates a Cache. The namespace prefixes every key so concurrent runs
// for different teams or users never collide.
func New(pool *redis.Pool, namespace string) *Cache {
	return &Cache{pool: pool, namespace: namespace}
}

// NewPool creates a redigo pool with sane defaults for the worker.
func NewPool(addr string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     8,
		MaxActive:   32,
		IdleTimeout: 5 * time.Minute,
		Wait:        true,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// Store writes payload under key with the given TTL. The payload is gzip
// compressed before the write.
func (c *Cache) Store(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	compressed, err := compress(payload)
	if err != nil {
		return fmt.Errorf("compress cache payload: %w", err)
	}

	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis conn: %w", err)
	}
	defer conn.Close()

	_, err = conn.Do("SET", c.qualify(key), compressed, "PX", ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Get reads the payload stored under key, transparently decompressing it.
// A value without the gzip header is returned as-is (values written before
// compression was introduced). Returns ErrMiss when the key is absent.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis conn: %w", err)
	}
	defer conn.Close()

	payload, err := redis.Bytes(conn.Do("GET", c.qualify(key)))
	if err == redis.ErrNil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	if !bytes.HasPrefix(payload, gzipMagic) {
		return payload, nil
	}
	return decompress(payload)
}

// Delete removes a key. Used by workflows that clean up hand-off state on
// success instead of waiting for the TTL.
func (c *Cache) Delete(ctx context.Context, key string) error {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Do("DEL", c.qualify(key)); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (c *Cache) qualify(key string) string {
	return c.namespace + ":" + key
}

func compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(payload []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}
