package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCacheTTL(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if _, err := c.Get(ctx, "missing"); !errors.Is(err, redis.Nil) {
		t.Fatalf("miss must return redis.Nil, got %v", err)
	}
	if err := c.Set(ctx, "k", "v", 20*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, err := c.Get(ctx, "k"); err != nil || got != "v" {
		t.Fatalf("get: %q err=%v", got, err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expired key must miss, got %v", err)
	}
}

func TestMemoryCacheDel(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	_ = c.Set(ctx, "k", "v", time.Minute)
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, redis.Nil) {
		t.Fatalf("deleted key must miss, got %v", err)
	}
}

func TestRedisCache(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	c := &RedisCache{Client: client}
	ctx := context.Background()

	if err := c.Set(ctx, "quote:XAU", `{"price":"1"}`, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.Get(ctx, "quote:XAU")
	if err != nil || got != `{"price":"1"}` {
		t.Fatalf("get: %q err=%v", got, err)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := c.Get(ctx, "quote:XAU"); !errors.Is(err, redis.Nil) {
		t.Fatalf("ttl expiry must miss, got %v", err)
	}

	_ = c.Set(ctx, "k", "v", time.Minute)
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, redis.Nil) {
		t.Fatalf("deleted key must miss, got %v", err)
	}
}

func TestNewCacheFallsBackWithoutRedis(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c := NewCache(ctx, nil)
	if _, ok := c.(*MemoryCache); !ok {
		t.Fatalf("nil client must fall back to memory cache, got %T", c)
	}
}

func TestNewCacheUsesReachableRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	c := NewCache(context.Background(), client)
	if _, ok := c.(*RedisCache); !ok {
		t.Fatalf("reachable redis must be used, got %T", c)
	}
}
