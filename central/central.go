// Package central implements the Central Cache: one mutex-guarded bucket of
// spans per size class, feeding batches of objects to thread caches and
// routing released objects back to their owning span via the Page Heap's
// Page→Span Map. It is the shared tier between many thread caches and the
// single Page Heap: it obtains and returns whole spans from the Page Heap,
// and otherwise only asks it which span owns a released object.
package central

import (
	"strconv"
	"sync"

	"github.com/deepcache/ccalloc/internal/fatal"
	"github.com/deepcache/ccalloc/metrics"
	"github.com/deepcache/ccalloc/pageheap"
	"github.com/deepcache/ccalloc/sizeclass"
	"github.com/deepcache/ccalloc/span"
)

// bucket splits its spans into partial (has at least one free object) and
// full (none). getOneSpan only ever needs to look at partial's first
// element, so a fetch never has to scan past exhausted spans to find
// capacity, however many of those have accumulated under long-lived
// objects.
type bucket struct {
	mu      sync.Mutex
	partial span.List
	full    span.List
}

// Cache is the process-wide Central Cache singleton. The zero value is not
// ready to use; call New.
type Cache struct {
	buckets [sizeclass.NumClasses]bucket
	heap    *pageheap.PageHeap
	metrics *metrics.Registry // nil disables metric recording
}

// New returns a Cache backed by heap. m may be nil to disable metrics.
func New(heap *pageheap.PageHeap, m *metrics.Registry) *Cache {
	c := &Cache{heap: heap, metrics: m}
	for i := range c.buckets {
		c.buckets[i].partial.Init()
		c.buckets[i].full.Init()
	}
	return c
}

// FetchRange acquires up to want objects of the given class. Returns the
// head and tail of a singly-linked chain (linked through the intrusive
// free-list word span.NextFree reads) and how many objects it holds; got is
// never 0 on a call that doesn't panic.
func (c *Cache) FetchRange(class, want int) (first, last uintptr, got int) {
	if want <= 0 {
		fatal.Contractf("central: FetchRange called with non-positive want %d", want)
	}
	bkt := &c.buckets[class]
	bkt.mu.Lock()
	defer bkt.mu.Unlock()

	s := c.getOneSpan(class, bkt)

	first = s.FreeList
	last = first
	got = 1
	for got < want {
		next := span.NextFree(last)
		if next == 0 {
			break
		}
		last = next
		got++
	}
	remainder := span.NextFree(last)
	span.SetNextFree(last, 0)
	s.FreeList = remainder
	s.UseCount += got

	if remainder == 0 {
		span.Remove(s)
		bkt.full.PushBack(s)
	}

	if c.metrics != nil {
		c.metrics.CentralFetches.WithLabelValues(strconv.Itoa(class)).Add(float64(got))
	}
	return first, last, got
}

// getOneSpan returns a span of this class with a non-empty free list. Must
// be called with bkt.mu held; temporarily drops and reacquires it while
// obtaining and carving a fresh span from the page heap, since that work
// neither needs nor should hold up other goroutines fetching from this
// bucket.
func (c *Cache) getOneSpan(class int, bkt *bucket) *span.Span {
	if s := bkt.partial.First(); s != nil {
		return s
	}

	size := sizeclass.ClassSize(class)
	pages := sizeclass.PagesPerSpan(size)

	bkt.mu.Unlock()
	c.heap.Lock()
	s := c.heap.NewSpanLocked(pages)
	s.InUse = true
	s.ObjectSize = size
	c.heap.Unlock()
	carveFreeList(s, size)
	bkt.mu.Lock()

	bkt.partial.PushBack(s)
	if c.metrics != nil {
		c.metrics.CentralCarves.WithLabelValues(strconv.Itoa(class)).Inc()
	}
	return s
}

// carveFreeList slices a freshly obtained span's pages into a
// NUL-terminated intrusive free list of size-byte objects. Done outside any
// lock: the span is not yet visible to any other goroutine, and carving can
// take hundreds of iterations for small classes.
func carveFreeList(s *span.Span, size int) {
	base := s.Base(sizeclass.PageShift)
	total := s.PageCount << sizeclass.PageShift
	count := total / size
	if count == 0 {
		fatal.Contractf("central: span of %d pages too small to carve one object of size %d", s.PageCount, size)
	}

	for i := count - 1; i >= 0; i-- {
		addr := base + uintptr(i*size)
		span.SetNextFree(addr, s.FreeList)
		s.FreeList = addr
	}
}

// ReleaseRange accepts a batch chain (NUL-terminated via span.NextFree)
// returned from a thread cache.
func (c *Cache) ReleaseRange(size int, first uintptr) {
	class := sizeclass.Index(size)
	bkt := &c.buckets[class]
	bkt.mu.Lock()
	defer bkt.mu.Unlock()

	for obj := first; obj != 0; {
		next := span.NextFree(obj)

		s := c.heap.MapObjectToSpan(obj)
		if s == nil {
			fatal.Contractf("central: release of untracked pointer %#x", obj)
		}

		wasFull := s.FreeList == 0
		span.SetNextFree(obj, s.FreeList)
		s.FreeList = obj
		s.UseCount--
		if s.UseCount < 0 {
			fatal.Contractf("central: span use_count underflow for object %#x", obj)
		}

		if s.UseCount == 0 {
			span.Remove(s)
			bkt.mu.Unlock()
			c.heap.ReleaseSpan(s)
			bkt.mu.Lock()
		} else if wasFull {
			span.Remove(s)
			bkt.partial.PushBack(s)
		}

		if c.metrics != nil {
			c.metrics.CentralReleases.WithLabelValues(strconv.Itoa(class)).Inc()
		}
		obj = next
	}
}
