package api

import (
	"context"
	"errors"
	"strings"
	"time"
)

var errCacheStopped = errors.New("cache stopped")

type cacheOp int

const (
	cacheGet cacheOp = iota
	cachePut
	cacheDropPrefix
)

// cacheRequest is the single message type the owning goroutine handles.
type cacheRequest struct {
	op    cacheOp
	key   string
	data  []byte
	reply chan []byte
}

type cacheEntry struct {
	data    []byte
	expires time.Time
}

// ResponseCache keeps rendered compare responses so switching back to a
// pair already shown does not extract again. Keys carry the session id and
// generation, so a reload never serves stale layers. The map lives in one
// goroutine; loaders run in the caller so a slow extraction never blocks
// other lookups.
type ResponseCache struct {
	ttl      time.Duration
	requests chan cacheRequest
	quit     chan struct{}
	now      func() time.Time
}

// NewResponseCache starts the cache goroutine. ttl <= 0 disables caching
// and returns nil; a nil cache calls the loader every time.
func NewResponseCache(ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		return nil
	}
	cache := &ResponseCache{
		ttl:      ttl,
		requests: make(chan cacheRequest),
		quit:     make(chan struct{}),
		now:      time.Now,
	}
	go cache.loop()
	return cache
}

// Close stops the cache goroutine. Safe to call twice.
func (c *ResponseCache) Close() {
	if c == nil {
		return
	}
	select {
	case <-c.quit:
		return
	default:
	}
	close(c.quit)
}

// Get returns the cached bytes for key or runs loader and stores its
// result. Failed loads are not cached. The returned slice is a copy.
func (c *ResponseCache) Get(ctx context.Context, key string, loader func(context.Context) ([]byte, error)) ([]byte, error) {
	if c == nil {
		return loader(ctx)
	}
	data, err := c.send(ctx, cacheRequest{op: cacheGet, key: key, reply: make(chan []byte, 1)})
	if err != nil {
		return nil, err
	}
	if data != nil {
		return data, nil
	}

	data, err = loader(ctx)
	if err != nil || data == nil {
		return data, err
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	_, _ = c.send(ctx, cacheRequest{op: cachePut, key: key, data: stored})
	return data, nil
}

// DropPrefix forgets every key starting with prefix, e.g. a closed session.
func (c *ResponseCache) DropPrefix(ctx context.Context, prefix string) {
	if c == nil {
		return
	}
	_, _ = c.send(ctx, cacheRequest{op: cacheDropPrefix, key: prefix})
}

func (c *ResponseCache) send(ctx context.Context, req cacheRequest) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.quit:
		return nil, errCacheStopped
	case c.requests <- req:
	}
	if req.reply == nil {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.quit:
		return nil, errCacheStopped
	case data := <-req.reply:
		return data, nil
	}
}

// loop owns the map; stale entries are trimmed when they are looked up.
func (c *ResponseCache) loop() {
	store := make(map[string]cacheEntry)
	for {
		select {
		case <-c.quit:
			return
		case req := <-c.requests:
			switch req.op {
			case cacheGet:
				entry, ok := store[req.key]
				if !ok || !c.now().Before(entry.expires) {
					delete(store, req.key)
					req.reply <- nil
					continue
				}
				out := make([]byte, len(entry.data))
				copy(out, entry.data)
				req.reply <- out
			case cachePut:
				store[req.key] = cacheEntry{data: req.data, expires: c.now().Add(c.ttl)}
			case cacheDropPrefix:
				for k := range store {
					if strings.HasPrefix(k, req.key) {
						delete(store, k)
					}
				}
			}
		}
	}
}
