package synthesis

import (
	"container/list"
	"log"

	"github.com/shirou/gopsutil/v4/mem"
)

// memProbeInterval is how many insertions pass between checks of the
// process-wide memory probe.
const memProbeInterval = 256

// FilterCache memoizes combination -> record-id-set intersections during a
// synthesis run. It is bounded two ways: an LRU entry cap, and a memory
// probe that halts further insertion once system memory use crosses the
// configured percentage. Reads keep working after insertion stops.
//
// Each worker owns its own cache; there is no locking.
type FilterCache struct {
	maxEntries     int
	memoryLimitPct float64

	entries map[string]*list.Element
	order   *list.List // front = most recently used

	insertsSinceProbe int
	insertDisabled    bool

	hits   int64
	misses int64
}

type cacheEntry struct {
	key string
	ids []int32
}

// NewFilterCache creates a cache bounded by maxEntries and the memory
// limit percentage.
func NewFilterCache(maxEntries int, memoryLimitPct float64) *FilterCache {
	return &FilterCache{
		maxEntries:     maxEntries,
		memoryLimitPct: memoryLimitPct,
		entries:        make(map[string]*list.Element),
		order:          list.New(),
	}
}

// Get returns the cached record-id set for a canonical combination key.
func (c *FilterCache) Get(key string) ([]int32, bool) {
	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).ids, true
}

// Put stores a record-id set, evicting the least recently used entry when
// the cap is reached. Insertion becomes a no-op once the memory probe
// trips; the check runs every memProbeInterval insertions.
func (c *FilterCache) Put(key string, ids []int32) {
	if c.insertDisabled {
		return
	}
	c.insertsSinceProbe++
	if c.insertsSinceProbe >= memProbeInterval {
		c.insertsSinceProbe = 0
		if vm, err := mem.VirtualMemory(); err == nil && vm.UsedPercent > c.memoryLimitPct {
			c.insertDisabled = true
			log.Printf("[FilterCache] memory use %.1f%% exceeds limit %.1f%%, cache insertion disabled (%d entries retained)",
				vm.UsedPercent, c.memoryLimitPct, len(c.entries))
			return
		}
	}

	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).ids = ids
		c.order.MoveToFront(el)
		return
	}
	for c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, ids: ids})
}

// Len returns the current entry count.
func (c *FilterCache) Len() int {
	return len(c.entries)
}

// Utilization returns hits, misses, and the hit rate of the cache so far.
func (c *FilterCache) Utilization() (hits, misses int64, rate float64) {
	total := c.hits + c.misses
	if total == 0 {
		return c.hits, c.misses, 0
	}
	return c.hits, c.misses, float64(c.hits) / float64(total)
}
