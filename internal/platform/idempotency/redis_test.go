package idempotency

import (
	"context"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) (*RedisStore, *redis.Client) {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client)
	store.prefix = "idempotency-test:" + t.Name() + ":"
	return store, client
}

func TestRedisStoreLifecycle(t *testing.T) {
	store, client := newRedisStore(t)
	ctx := context.Background()
	key := "checkout|user-1"
	client.Del(ctx, store.redisKey(key))

	res, err := store.Reserve(ctx, key, "fp", fixedTime, time.Minute)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expected new reservation, got %+v err=%v", res, err)
	}
	if res, _ := store.Reserve(ctx, key, "fp", fixedTime, time.Minute); res.State != ReservationStatePending {
		t.Fatalf("expected pending, got %+v", res)
	}
	if _, err := store.Reserve(ctx, key, "other", fixedTime, time.Minute); err != ErrFingerprintMismatch {
		t.Fatalf("expected fingerprint mismatch, got %v", err)
	}

	resp := Response{Status: http.StatusCreated, Headers: http.Header{"Content-Type": {"application/json"}}, Body: []byte(`{"id":"ord_1"}`)}
	if err := store.SaveResponse(ctx, key, "fp", resp, fixedTime, time.Minute); err != nil {
		t.Fatalf("SaveResponse: %v", err)
	}
	res, err = store.Reserve(ctx, key, "fp", fixedTime, time.Minute)
	if err != nil || res.State != ReservationStateCompleted || string(res.Record.ResponseBody) != `{"id":"ord_1"}` {
		t.Fatalf("expected completed record, got %+v err=%v", res, err)
	}

	if err := store.Release(ctx, key, "fp"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if res, _ := store.Reserve(ctx, key, "fp", fixedTime, time.Minute); res.State != ReservationStateCompleted {
		t.Fatalf("expected release to keep a completed record, got %+v", res)
	}
	client.Del(ctx, store.redisKey(key))
}

func TestRedisStoreReleaseFreesPendingKey(t *testing.T) {
	store, client := newRedisStore(t)
	ctx := context.Background()
	key := "retry|user-1"
	client.Del(ctx, store.redisKey(key))
	defer client.Del(ctx, store.redisKey(key))

	if _, err := store.Reserve(ctx, key, "fp", fixedTime, time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := store.Release(ctx, key, "fp"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if res, _ := store.Reserve(ctx, key, "fp", fixedTime, time.Minute); res.State != ReservationStateNew {
		t.Fatalf("expected key free after release, got %+v", res)
	}
}

func TestRedisStoreConcurrentReserve(t *testing.T) {
	store, client := newRedisStore(t)
	ctx := context.Background()
	key := "race|user-1"
	client.Del(ctx, store.redisKey(key))
	defer client.Del(ctx, store.redisKey(key))

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Reserve(ctx, key, "fp", fixedTime, time.Minute)
			if err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			if res.State == ReservationStateNew {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners.Load())
	}
}
