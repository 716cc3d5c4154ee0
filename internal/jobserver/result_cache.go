package jobserver

import (
	"container/list"
	"sync"
	"time"

	"github.com/eventpulse/ig-events-worker/api/types"
)

const (
	defaultCacheMaxSize = 1000
	defaultCacheMaxAge  = 600 * time.Second
)

type cacheEntry struct {
	key       string
	result    types.JobResult
	timestamp time.Time
	element   *list.Element
}

// ResultCache holds finished job results until the caller polls them or they
// age out. Eviction is LRU by write order with a periodic age sweep.
type ResultCache struct {
	lock    sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // oldest at Front, newest at Back
	maxSize int
	maxAge  time.Duration
}

func NewResultCache(maxSize int, maxAge time.Duration) *ResultCache {
	if maxSize <= 0 {
		maxSize = defaultCacheMaxSize
	}
	if maxAge <= 0 {
		maxAge = defaultCacheMaxAge
	}
	rc := &ResultCache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		maxSize: maxSize,
		maxAge:  maxAge,
	}
	go rc.periodicCleanup()
	return rc
}

func (rc *ResultCache) Set(key string, result types.JobResult) {
	rc.lock.Lock()
	defer rc.lock.Unlock()

	if entry, exists := rc.entries[key]; exists {
		entry.result = result
		entry.timestamp = time.Now()
		rc.order.MoveToBack(entry.element)
		return
	}

	entry := &cacheEntry{
		key:       key,
		result:    result,
		timestamp: time.Now(),
	}
	entry.element = rc.order.PushBack(entry)
	rc.entries[key] = entry

	for len(rc.entries) > rc.maxSize {
		oldest := rc.order.Front()
		if oldest == nil {
			break
		}
		oldestEntry := oldest.Value.(*cacheEntry)
		delete(rc.entries, oldestEntry.key)
		rc.order.Remove(oldest)
	}
}

func (rc *ResultCache) Get(key string) (types.JobResult, bool) {
	rc.lock.Lock()
	defer rc.lock.Unlock()

	entry, exists := rc.entries[key]
	if !exists {
		return types.JobResult{}, false
	}
	if time.Since(entry.timestamp) > rc.maxAge {
		rc.order.Remove(entry.element)
		delete(rc.entries, key)
		return types.JobResult{}, false
	}
	return entry.result, true
}

func (rc *ResultCache) periodicCleanup() {
	ticker := time.NewTicker(rc.maxAge / 2)
	defer ticker.Stop()
	for range ticker.C {
		rc.cleanupExpired()
	}
}

func (rc *ResultCache) cleanupExpired() {
	rc.lock.Lock()
	defer rc.lock.Unlock()

	now := time.Now()
	for e := rc.order.Front(); e != nil; {
		next := e.Next()
		entry := e.Value.(*cacheEntry)
		if now.Sub(entry.timestamp) > rc.maxAge {
			delete(rc.entries, entry.key)
			rc.order.Remove(e)
		}
		e = next
	}
}
