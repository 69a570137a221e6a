package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Generator produces a fresh entry on a miss. The context it receives is
// detached from any single request so one client disconnect does not cancel
// the work other waiters depend on.
type Generator func(ctx context.Context) (*Entry, error)

// KeyFunc computes the handler-specific cache key; ok=false bypasses the cache.
type KeyFunc func() (key string, ok bool)

// Options 控制缓存容量与清扫行为。
type Options struct {
	// MaxEntrySize 限制单条正文字节数，超出时结果照常返回但不写入缓存。
	MaxEntrySize int
	// MaxEntries 限制条目数，清扫时按最近使用时间淘汰最旧条目。0 表示不限制。
	MaxEntries int
	Logger     *logrus.Logger
	Now        func() time.Time
}

// Stats 是缓存计数快照。
type Stats struct {
	Entries     int
	Bytes       int64
	InFlight    int
	Hits        uint64
	Misses      uint64
	Generations uint64
	Evictions   uint64
}

// Observer 接收缓存事件，metrics 包据此导出指标。
type Observer interface {
	CacheHit()
	CacheMiss()
	CacheGenerated(shared bool)
	CacheEvicted(n int)
}

// Cache 是进程内响应缓存，整站复用一份实例。
type Cache struct {
	opts     Options
	group    singleflight.Group
	observer Observer

	mu       sync.RWMutex
	entries  map[Key]*Entry
	inflight map[Key]int
	stats    Stats
}

// New 创建响应缓存。
func New(opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Cache{
		opts:     opts,
		entries:  make(map[Key]*Entry),
		inflight: make(map[Key]int),
	}
}

// SetObserver 注入事件观察者，需在开始服务前调用。
func (c *Cache) SetObserver(o Observer) {
	c.observer = o
}

// GetOrCreate returns the live entry for (localURL, key) or generates it.
// When ttl <= 0 or keyFn reports no key the cache is bypassed entirely: the
// generator runs and nothing is stored. The boolean result reports a hit.
func (c *Cache) GetOrCreate(ctx context.Context, localURL string, keyFn KeyFunc, generate Generator, ttl time.Duration) (*Entry, bool, error) {
	if generate == nil {
		return nil, false, ErrNoGenerator
	}
	var (
		cacheKey string
		ok       bool
	)
	if ttl > 0 && keyFn != nil {
		cacheKey, ok = keyFn()
	}
	if !ok {
		entry, err := generate(ctx)
		return entry, false, err
	}

	key := Key{LocalURL: localURL, CacheKey: cacheKey}
	if entry := c.lookup(key); entry != nil {
		return entry, true, nil
	}
	c.recordMiss()

	ch := c.group.DoChan(key.flight(), func() (any, error) {
		return c.populate(context.WithoutCancel(ctx), key, generate, ttl)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		if c.observer != nil {
			c.observer.CacheGenerated(res.Shared)
		}
		return res.Val.(*Entry), false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Get returns a live entry without generating one.
func (c *Cache) Get(localURL, cacheKey string) (*Entry, bool) {
	entry := c.lookup(Key{LocalURL: localURL, CacheKey: cacheKey})
	return entry, entry != nil
}

func (c *Cache) lookup(key Key) *Entry {
	entry := c.live(key)
	if entry == nil {
		return nil
	}
	c.mu.Lock()
	c.stats.Hits++
	c.mu.Unlock()
	if c.observer != nil {
		c.observer.CacheHit()
	}
	return entry
}

// live 返回未过期条目并刷新最近使用时间，不计入命中统计。
func (c *Cache) live(key Key) *Entry {
	now := c.opts.Now()
	c.mu.RLock()
	entry := c.entries[key]
	c.mu.RUnlock()
	if entry == nil || entry.Expired(now) {
		return nil
	}
	entry.touch(now)
	return entry
}

func (c *Cache) recordMiss() {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
	if c.observer != nil {
		c.observer.CacheMiss()
	}
}

func (c *Cache) populate(ctx context.Context, key Key, generate Generator, ttl time.Duration) (*Entry, error) {
	// 另一个 flight 可能刚好在本次 DoChan 之前完成写入；调用方已计为未命中。
	if entry := c.live(key); entry != nil {
		return entry, nil
	}

	c.mu.Lock()
	c.inflight[key]++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.inflight[key]--; c.inflight[key] <= 0 {
			delete(c.inflight, key)
		}
		c.mu.Unlock()
	}()

	entry, err := runGenerator(ctx, generate)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("cache generator for %s returned no entry", key)
	}

	now := c.opts.Now()
	entry.Key = key
	entry.Created = now
	entry.Expires = now.Add(ttl)
	entry.touch(now)

	if c.opts.MaxEntrySize > 0 && entry.Size() > c.opts.MaxEntrySize {
		c.opts.Logger.WithFields(logrus.Fields{
			"action": "cache_skip_oversized",
			"key":    key.String(),
			"size":   entry.Size(),
		}).Debug("cache entry exceeds max size")
		return entry, nil
	}

	c.mu.Lock()
	if prev := c.entries[key]; prev != nil {
		c.stats.Bytes -= int64(prev.Size())
	} else {
		c.stats.Entries++
	}
	c.entries[key] = entry
	c.stats.Bytes += int64(entry.Size())
	c.stats.Generations++
	c.mu.Unlock()
	return entry, nil
}

// runGenerator converts a generator panic into an error so the flight
// completes and every waiter is released.
func runGenerator(ctx context.Context, generate Generator) (entry *Entry, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cache generator panic: %v", r)
		}
	}()
	return generate(ctx)
}

// Purge removes every entry stored under localURL, returning how many were dropped.
func (c *Cache) Purge(localURL string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, entry := range c.entries {
		if key.LocalURL != localURL {
			continue
		}
		c.removeLocked(key, entry)
		removed++
	}
	return removed
}

// Sweep removes expired entries, then trims the oldest-used entries while the
// store exceeds MaxEntries. Keys with a generation in flight are skipped.
func (c *Cache) Sweep() int {
	now := c.opts.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	var live []*Entry
	for key, entry := range c.entries {
		if _, busy := c.inflight[key]; busy {
			continue
		}
		if entry.Expired(now) {
			c.removeLocked(key, entry)
			removed++
			continue
		}
		live = append(live, entry)
	}

	if c.opts.MaxEntries > 0 && len(c.entries) > c.opts.MaxEntries {
		sort.Slice(live, func(i, j int) bool {
			return live[i].lastUsed.Load() < live[j].lastUsed.Load()
		})
		for _, entry := range live {
			if len(c.entries) <= c.opts.MaxEntries {
				break
			}
			c.removeLocked(entry.Key, entry)
			removed++
		}
	}

	c.stats.Evictions += uint64(removed)
	if removed > 0 && c.observer != nil {
		c.observer.CacheEvicted(removed)
	}
	return removed
}

func (c *Cache) removeLocked(key Key, entry *Entry) {
	delete(c.entries, key)
	c.stats.Entries--
	c.stats.Bytes -= int64(entry.Size())
}

// Run 周期性执行 Sweep，直到 ctx 结束；清扫在独立 goroutine 中运行，不阻塞请求路径。
// also 中的函数在每次清扫后调用（例如静态文件 stat 缓存的过期清理）。
func (c *Cache) Run(ctx context.Context, interval time.Duration, also ...func() int) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.Sweep(); removed > 0 {
				c.opts.Logger.WithFields(logrus.Fields{
					"action":  "cache_sweep",
					"removed": removed,
				}).Debug("cache sweep finished")
			}
			for _, fn := range also {
				fn()
			}
		}
	}
}

// Stats 返回当前计数快照。
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats
	s.InFlight = len(c.inflight)
	return s
}
