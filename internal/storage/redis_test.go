package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

// newTestRedis connects to the server named by WEAPON_WATCH_TEST_REDIS.
func newTestRedis(t *testing.T) *RedisStorage {
	t.Helper()
	addr := os.Getenv("WEAPON_WATCH_TEST_REDIS")
	if addr == "" {
		t.Skip("WEAPON_WATCH_TEST_REDIS not set")
	}

	key := fmt.Sprintf("weapon-watch:test:%d", time.Now().UnixNano())
	r := NewRedisStorage(RedisOptions{Addr: addr, Key: key}, nil)
	if err := r.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() {
		r.client.Del(context.Background(), key)
		r.Close()
	})
	return r
}

func TestRedisSaveLoad(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	if err := r.Save(ctx, sampleDetections(4)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := r.Save(ctx, sampleDetections(2)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := r.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 records after replace, got %d", len(got))
	}
	if got[0].ID != "det-0" || got[1].ID != "det-1" {
		t.Errorf("Unexpected order: %s, %s", got[0].ID, got[1].ID)
	}
}

func TestRedisSkipsCorruptEntries(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	if err := r.Save(ctx, sampleDetections(1)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	r.client.RPush(ctx, r.opts.Key, "{broken")

	got, err := r.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Expected 1 readable record, got %d", len(got))
	}
}

func TestRedisUnreachableDegrades(t *testing.T) {
	r := NewRedisStorage(RedisOptions{Addr: "127.0.0.1:1"}, nil)
	if err := r.Init(); err == nil {
		t.Error("Expected Init to fail for unreachable server")
	}
	if r.Enabled() {
		t.Error("Expected storage to be disabled")
	}

	ctx := context.Background()
	if err := r.Save(ctx, sampleDetections(1)); err != nil {
		t.Errorf("Save should be a no-op, got %v", err)
	}
	if got, err := r.Load(ctx); err != nil || len(got) != 0 {
		t.Errorf("Load should return nothing, got %d records, err %v", len(got), err)
	}
}
