package pidcache

import (
	"context"
	"sync"
)

// memoryCache is the default, in-process backend. It is lost on restart,
// which the specification explicitly allows (§5) since the reconciler
// always completes within the request's own handler invocation and never
// relies on the cache surviving a process boundary.
type memoryCache struct {
	mu   sync.RWMutex
	data map[string]map[string][]int
}

// NewMemory returns an in-process Cache.
func NewMemory() Cache {
	return &memoryCache{data: make(map[string]map[string][]int)}
}

func (c *memoryCache) Set(_ context.Context, requestID, host string, pids []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data[requestID] == nil {
		c.data[requestID] = make(map[string][]int)
	}
	c.data[requestID][host] = pids
	return nil
}

func (c *memoryCache) Get(_ context.Context, requestID, host string) ([]int, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hosts, ok := c.data[requestID]
	if !ok {
		return nil, false, nil
	}
	pids, ok := hosts[host]
	return pids, ok, nil
}

func (c *memoryCache) Drop(_ context.Context, requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, requestID)
	return nil
}
