package api

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestResponseCacheLoadsOnce(t *testing.T) {
	t.Parallel()
	c := NewResponseCache(time.Minute)
	defer c.Close()
	ctx := context.Background()

	var calls atomic.Int32
	loader := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("layers"), nil
	}
	for i := 0; i < 3; i++ {
		data, err := c.Get(ctx, "s1/0/5y-2y", loader)
		if err != nil || string(data) != "layers" {
			t.Fatalf("Get=%q, %v", data, err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("loader ran %d times", calls.Load())
	}

	// Callers get copies.
	data, _ := c.Get(ctx, "s1/0/5y-2y", loader)
	data[0] = 'X'
	if again, _ := c.Get(ctx, "s1/0/5y-2y", loader); string(again) != "layers" {
		t.Fatalf("cache mutated: %q", again)
	}
}

func TestResponseCacheSkipsErrorsAndDropsPrefix(t *testing.T) {
	t.Parallel()
	c := NewResponseCache(time.Minute)
	defer c.Close()
	ctx := context.Background()

	boom := errors.New("boom")
	if _, err := c.Get(ctx, "k", func(context.Context) ([]byte, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	var calls atomic.Int32
	loader := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("ok"), nil
	}
	c.Get(ctx, "k", loader)
	c.Get(ctx, "s1/0/a", loader)
	c.Get(ctx, "s2/0/a", loader)
	if calls.Load() != 3 {
		t.Fatalf("failed load was cached: %d calls", calls.Load())
	}

	c.DropPrefix(ctx, "s1/")
	c.Get(ctx, "s1/0/a", loader)
	c.Get(ctx, "s2/0/a", loader)
	if calls.Load() != 4 {
		t.Fatalf("after DropPrefix %d calls, want 4", calls.Load())
	}
}

func TestResponseCacheExpires(t *testing.T) {
	t.Parallel()
	var offset atomic.Int64
	base := time.Now()

	c := &ResponseCache{
		ttl:      time.Minute,
		requests: make(chan cacheRequest),
		quit:     make(chan struct{}),
		now:      func() time.Time { return base.Add(time.Duration(offset.Load())) },
	}
	go c.loop()
	defer c.Close()
	ctx := context.Background()

	var calls atomic.Int32
	loader := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("v"), nil
	}
	c.Get(ctx, "k", loader)
	offset.Store(int64(2 * time.Minute))
	c.Get(ctx, "k", loader)
	if calls.Load() != 2 {
		t.Fatalf("expired entry served: %d calls", calls.Load())
	}
}

func TestNilCacheCallsLoader(t *testing.T) {
	t.Parallel()
	c := NewResponseCache(0)
	if c != nil {
		t.Fatal("ttl 0 should disable the cache")
	}
	data, err := c.Get(context.Background(), "k", func(context.Context) ([]byte, error) { return []byte("x"), nil })
	if err != nil || string(data) != "x" {
		t.Fatalf("Get=%q, %v", data, err)
	}
	c.DropPrefix(context.Background(), "k")
	c.Close()
}
