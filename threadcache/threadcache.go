// Package threadcache implements the Thread Cache: an array of per-class
// free lists with no locking needed while a single owner touches it, keyed
// per goroutine by an extracted goroutine id since Go has no thread-local
// storage to key on directly. A background idle-reaper drains and evicts
// caches nobody has touched in a while, standing in for the thread-exit
// drain a native implementation would get for free.
package threadcache

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/deepcache/ccalloc/central"
	"github.com/deepcache/ccalloc/internal/goid"
	"github.com/deepcache/ccalloc/internal/obslog"
	"github.com/deepcache/ccalloc/metrics"
	"github.com/deepcache/ccalloc/sizeclass"
	"github.com/deepcache/ccalloc/span"
)

// atomicTime stores a time.Time behind an int64 unix-nano so the idle
// reaper can read a cache's last-touched timestamp without taking its
// entry lock.
type atomicTime struct {
	nano int64
}

func (a *atomicTime) store(t time.Time) { atomic.StoreInt64(&a.nano, t.UnixNano()) }
func (a *atomicTime) load() time.Time   { return time.Unix(0, atomic.LoadInt64(&a.nano)) }

// freelist is one size class's singly-linked stack of free objects, plus
// the slow-start watermark controlling how large a batch this class fetches
// from or releases to Central Cache.
type freelist struct {
	head      uintptr
	length    int
	maxLength int
}

// Cache is one goroutine's set of per-class free lists. Not safe for
// concurrent use by itself — Registry serializes access to each Cache with
// a per-entry mutex so the idle reaper can drain one safely.
type Cache struct {
	lists [sizeclass.NumClasses]freelist
}

func (c *Cache) allocate(class int, central *central.Cache, m *metrics.Registry) uintptr {
	l := &c.lists[class]
	if l.head != 0 {
		ptr := l.head
		l.head = span.NextFree(ptr)
		l.length--
		return ptr
	}
	return c.fetchOne(class, l, central, m)
}

// fetchOne handles a free-list miss: grow the slow-start watermark if it
// was the limiting factor, fetch a batch from Central Cache, keep the
// first object and stash the rest on the list.
func (c *Cache) fetchOne(class int, l *freelist, central *central.Cache, m *metrics.Registry) uintptr {
	size := sizeclass.ClassSize(class)
	bc := sizeclass.BatchCount(size)
	if l.maxLength == 0 {
		l.maxLength = 1
	}

	want := bc
	if l.maxLength < want {
		want = l.maxLength
	}
	if l.maxLength == want && l.maxLength < bc {
		l.maxLength += 2
		if l.maxLength > bc {
			l.maxLength = bc
		}
		if m != nil {
			m.SlowStartMisses.WithLabelValues(strconv.Itoa(class)).Inc()
		}
	}

	first, _, got := central.FetchRange(class, want)
	if got == 1 {
		return first
	}

	l.head = span.NextFree(first)
	l.length = got - 1
	return first
}

func (c *Cache) deallocate(ptr uintptr, class int, central *central.Cache) {
	l := &c.lists[class]
	span.SetNextFree(ptr, l.head)
	l.head = ptr
	l.length++

	if l.maxLength == 0 {
		l.maxLength = 1
	}
	if l.length >= l.maxLength {
		c.listTooLong(class, l, central)
	}
}

// listTooLong pops exactly maxLength elements and releases them to Central
// Cache as one batch. maxLength itself is not shrunk here.
func (c *Cache) listTooLong(class int, l *freelist, central *central.Cache) {
	n := l.maxLength
	first := l.head
	cur := first
	for i := 1; i < n; i++ {
		cur = span.NextFree(cur)
	}
	rest := span.NextFree(cur)
	span.SetNextFree(cur, 0)

	l.head = rest
	l.length -= n
	central.ReleaseRange(sizeclass.ClassSize(class), first)
}

// drainAll releases every non-empty list in full to Central Cache, used by
// both the idle reaper and ReleaseCurrent.
func (c *Cache) drainAll(central *central.Cache) {
	for class := 0; class < sizeclass.NumClasses; class++ {
		l := &c.lists[class]
		if l.head == 0 {
			continue
		}
		central.ReleaseRange(sizeclass.ClassSize(class), l.head)
		l.head = 0
		l.length = 0
	}
}

// entry is one goroutine's registry slot: its cache, a mutex so the idle
// reaper can safely drain a cache its owner is not currently touching, and
// a last-touched timestamp the reaper compares against its idle window.
type entry struct {
	mu       sync.Mutex
	cache    Cache
	lastUsed atomicTime
}

// Registry owns every live thread cache, keyed by goroutine id, and the
// idle reaper that evicts caches their owning goroutine has stopped using.
type Registry struct {
	mu      sync.Mutex
	caches  map[int64]*entry
	central *central.Cache
	metrics *metrics.Registry

	idleAfter time.Duration
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewRegistry creates a Registry and starts its idle reaper. idleAfter is
// how long a cache may sit untouched before the reaper drains and evicts
// it; m may be nil to disable metrics.
func NewRegistry(central *central.Cache, m *metrics.Registry, idleAfter time.Duration) *Registry {
	r := &Registry{
		caches:    make(map[int64]*entry),
		central:   central,
		metrics:   m,
		idleAfter: idleAfter,
		stop:      make(chan struct{}),
	}
	go r.reapLoop()
	return r
}

// Close stops the idle reaper. It does not drain any remaining caches;
// callers that want a clean shutdown should do that themselves via
// ReleaseCurrent on each live goroutine first.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Allocate returns one object of the size class for size bytes, from the
// calling goroutine's own cache.
func (r *Registry) Allocate(size int) uintptr {
	class := sizeclass.Index(size)
	e := r.entryFor(goid.Current())
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastUsed.store(time.Now())
	return e.cache.allocate(class, r.central, r.metrics)
}

// Deallocate returns ptr, an object of the given size, to the calling
// goroutine's own cache.
func (r *Registry) Deallocate(ptr uintptr, size int) {
	class := sizeclass.Index(size)
	e := r.entryFor(goid.Current())
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastUsed.store(time.Now())
	e.cache.deallocate(ptr, class, r.central)
}

// ReleaseCurrent deterministically drains and evicts the calling
// goroutine's cache. Intended for a goroutine that knows it is about to
// exit and does not want to wait for the idle reaper.
func (r *Registry) ReleaseCurrent() {
	id := goid.Current()
	r.mu.Lock()
	e, ok := r.caches[id]
	if ok {
		delete(r.caches, id)
		if r.metrics != nil {
			r.metrics.ThreadCaches.Dec()
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.cache.drainAll(r.central)
	e.mu.Unlock()
}

func (r *Registry) entryFor(id int64) *entry {
	r.mu.Lock()
	e, ok := r.caches[id]
	if !ok {
		e = &entry{}
		r.caches[id] = e
		if r.metrics != nil {
			r.metrics.ThreadCaches.Inc()
		}
	}
	r.mu.Unlock()
	return e
}

func (r *Registry) reapLoop() {
	ticker := time.NewTicker(r.idleAfter)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.reapOnce()
		}
	}
}

func (r *Registry) reapOnce() {
	cutoff := time.Now().Add(-r.idleAfter)

	r.mu.Lock()
	candidates := make(map[int64]*entry, len(r.caches))
	for id, e := range r.caches {
		if e.lastUsed.load().Before(cutoff) {
			candidates[id] = e
		}
	}
	r.mu.Unlock()

	for id, e := range candidates {
		if !e.mu.TryLock() {
			continue // owner is mid-call; catch it next sweep
		}
		// Re-check under the lock: the owner may have touched it between
		// the snapshot above and acquiring e.mu.
		if !e.lastUsed.load().Before(cutoff) {
			e.mu.Unlock()
			continue
		}
		e.cache.drainAll(r.central)
		e.mu.Unlock()

		r.mu.Lock()
		if cur, ok := r.caches[id]; ok && cur == e {
			delete(r.caches, id)
			if r.metrics != nil {
				r.metrics.ThreadCaches.Dec()
			}
		}
		r.mu.Unlock()

		obslog.L().Debug("threadcache: idle-reaped cache", zap.Int64("goroutine_id", id))
	}
}
