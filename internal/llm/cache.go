package llm

import "fmt"

// ClientCache lazily builds and reuses judge clients keyed by configuration
// tuple. Each worker owns one cache for its own lifetime; caches are never
// shared across goroutines, so no locking is needed.
type ClientCache struct {
	build   func(Options) (Judge, error)
	clients map[string]Judge
}

// NewClientCache returns an empty per-worker cache backed by New.
func NewClientCache() *ClientCache {
	return NewClientCacheWith(New)
}

// NewClientCacheWith returns a cache with a custom client constructor. Tests
// use it to substitute fake judges.
func NewClientCacheWith(build func(Options) (Judge, error)) *ClientCache {
	return &ClientCache{build: build, clients: make(map[string]Judge)}
}

// Get returns the cached client for opts, building it on first use.
func (c *ClientCache) Get(opts Options) (Judge, error) {
	key := fmt.Sprintf("%s|%s|%s|%s", opts.Provider, opts.Model, opts.APIKey, opts.Thinking)
	if client, ok := c.clients[key]; ok {
		return client, nil
	}
	client, err := c.build(opts)
	if err != nil {
		return nil, err
	}
	c.clients[key] = client
	return client, nil
}

// Size reports how many distinct clients the cache holds.
func (c *ClientCache) Size() int {
	return len(c.clients)
}
