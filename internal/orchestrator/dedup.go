package orchestrator

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const dedupCacheSizePerMachine = 1000

// eventDedupCache drops redelivered status events. The channel guarantees
// at-least-once, so the same envelope request ID can arrive more than once
// per machine.
type eventDedupCache struct {
	cacheSize int
	mu        sync.Mutex
	caches    map[string]*lru.Cache[string, struct{}]
}

func newEventDedupCache(cacheSize int) (*eventDedupCache, error) {
	if cacheSize <= 0 {
		return nil, fmt.Errorf("cache size must be positive")
	}

	return &eventDedupCache{
		cacheSize: cacheSize,
		caches:    make(map[string]*lru.Cache[string, struct{}]),
	}, nil
}

// seen records the event and reports whether it was already recorded. Events
// with a missing machine or request ID are never treated as duplicates.
func (d *eventDedupCache) seen(machineID, requestID string) bool {
	if machineID == "" || requestID == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cache, exists := d.caches[machineID]
	if !exists {
		var err error
		cache, err = lru.New[string, struct{}](d.cacheSize)
		if err != nil {
			return false
		}
		d.caches[machineID] = cache
	}

	if cache.Contains(requestID) {
		return true
	}

	cache.Add(requestID, struct{}{})
	return false
}
