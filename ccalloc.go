// Package ccalloc is a thread-caching, size-classed concurrent memory
// allocator. Its top-level Alloc/Free surface routes a request to the
// small-object path (Thread Cache → Central Cache → Page Heap) or, for
// anything bigger than sizeclass.SmallMax, straight to the Page Heap as a
// standalone span.
//
// Every other package in this module (sizeclass, pagemap, pageheap,
// central, threadcache) is a pure collaborator with no knowledge of this
// dispatch; this file is the only place that decision is made.
package ccalloc

import (
	"time"

	"github.com/deepcache/ccalloc/central"
	"github.com/deepcache/ccalloc/internal/fatal"
	"github.com/deepcache/ccalloc/metrics"
	"github.com/deepcache/ccalloc/pageheap"
	"github.com/deepcache/ccalloc/sizeclass"
	"github.com/deepcache/ccalloc/threadcache"
)

// DefaultIdleReapInterval is how long a thread cache may sit untouched
// before the idle reaper drains and evicts it, absent an explicit Config.
const DefaultIdleReapInterval = 30 * time.Second

// Config holds the ambient, non-core knobs a deployment wants to change
// without touching the core's compile-time constants (sizeclass.PageShift,
// sizeclass.NumClasses, ...).
type Config struct {
	// IdleReapInterval is how often the background reaper sweeps for
	// thread caches that have gone quiet, and how long a cache may be
	// idle before it is swept. Zero uses DefaultIdleReapInterval.
	IdleReapInterval time.Duration

	// Metrics, if non-nil, receives every counter/gauge this allocator
	// publishes (see package metrics). Nil disables metric recording
	// entirely rather than paying for a no-op collector.
	Metrics *metrics.Registry
}

// Allocator is one independent instance of the three-tier allocator
// hierarchy. Most processes want exactly one, but nothing here is global
// state, so tests can create as many as they like.
type Allocator struct {
	heap    *pageheap.PageHeap
	central *central.Cache
	threads *threadcache.Registry
	metrics *metrics.Registry
}

// New creates a ready-to-use Allocator and starts its idle reaper.
func New(cfg Config) *Allocator {
	idle := cfg.IdleReapInterval
	if idle <= 0 {
		idle = DefaultIdleReapInterval
	}

	heap := pageheap.New(cfg.Metrics)
	c := central.New(heap, cfg.Metrics)
	threads := threadcache.NewRegistry(c, cfg.Metrics, idle)

	return &Allocator{
		heap:    heap,
		central: c,
		threads: threads,
		metrics: cfg.Metrics,
	}
}

// Close stops the background idle reaper. It does not drain in-flight
// thread caches; callers that want every byte returned to Central Cache
// first should call ReleaseCurrent from each goroutine that used this
// allocator.
func (a *Allocator) Close() {
	a.threads.Close()
}

// Alloc returns a pointer to n bytes of memory. n must be greater than
// zero.
func (a *Allocator) Alloc(n int) uintptr {
	if n <= 0 {
		fatal.Contractf("ccalloc: Alloc called with non-positive size %d", n)
	}

	if n <= sizeclass.SmallMax {
		return a.threads.Allocate(n)
	}

	pages := (n + sizeclass.PageSize - 1) >> sizeclass.PageShift
	a.heap.Lock()
	s := a.heap.NewSpanLocked(pages)
	s.InUse = true
	s.ObjectSize = n
	a.heap.Unlock()
	return s.Base(sizeclass.PageShift)
}

// Free returns a pointer previously obtained from Alloc. The Page Heap lock
// is taken to look the span up so the lookup can never race a concurrent
// split or coalesce. A large object's span is released to the Page Heap
// while that lock is still held; for a small object the lock is dropped
// before ptr is handed to the calling goroutine's thread cache.
func (a *Allocator) Free(ptr uintptr) {
	a.heap.Lock()
	s := a.heap.LookupLocked(ptr >> sizeclass.PageShift)
	if s == nil {
		a.heap.Unlock()
		fatal.Contractf("ccalloc: Free called with untracked pointer %#x", ptr)
	}
	objectSize := s.ObjectSize

	if objectSize > sizeclass.SmallMax {
		a.heap.ReleaseSpanLocked(s)
		a.heap.Unlock()
		return
	}
	a.heap.Unlock()

	a.threads.Deallocate(ptr, objectSize)
}

// ReleaseCurrent drains the calling goroutine's thread cache immediately,
// instead of waiting for the idle reaper.
func (a *Allocator) ReleaseCurrent() {
	a.threads.ReleaseCurrent()
}
