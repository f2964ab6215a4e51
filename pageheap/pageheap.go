// Package pageheap is the Page Heap: the page-granularity allocator backing
// Central Cache spans, bucketed by page count, coalescing free neighbors on
// release. It owns the single global Page Heap mutex, and the Page→Span Map (pagemap.Tree) lives under that same lock, since a
// lookup must never observe a span mid-split or mid-coalesce.
package pageheap

import (
	"strconv"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/deepcache/ccalloc/internal/fatal"
	"github.com/deepcache/ccalloc/internal/obslog"
	"github.com/deepcache/ccalloc/metrics"
	"github.com/deepcache/ccalloc/objectpool"
	"github.com/deepcache/ccalloc/osmem"
	"github.com/deepcache/ccalloc/pagemap"
	"github.com/deepcache/ccalloc/sizeclass"
	"github.com/deepcache/ccalloc/span"
)

// PageHeap is the process-wide page allocator. The zero value is not ready
// to use; call New.
type PageHeap struct {
	mu sync.Mutex

	buckets [sizeclass.MaxPages + 1]span.List
	spans   objectpool.Pool[span.Span]
	pages   pagemap.Tree
	metrics *metrics.Registry // nil disables metric recording

	reservedBytes uint64 // cumulative bytes ever reserved from the OS
}

// New returns a PageHeap with all buckets initialized and ready to use. m
// may be nil to disable metrics.
func New(m *metrics.Registry) *PageHeap {
	h := &PageHeap{metrics: m}
	for i := range h.buckets {
		h.buckets[i].Init()
	}
	return h
}

// Lock and Unlock expose the Page Heap mutex directly so a caller can hold
// it across a lookup and a subsequent decision — the lookup, the in_use
// flag it reads, and any coalescing edits all need to be observed as one
// atomic step by any other goroutine.
func (h *PageHeap) Lock()   { h.mu.Lock() }
func (h *PageHeap) Unlock() { h.mu.Unlock() }

// NewSpan obtains a span of exactly k pages: an exact-size bucket hit, a
// split from a larger bucket, or a fresh reservation from the OS, in that
// order of preference. Locks internally; callers that already hold the
// Page Heap lock (via Lock) must call NewSpanLocked instead.
func (h *PageHeap) NewSpan(k int) *span.Span {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.newSpanLocked(k)
}

// NewSpanLocked is NewSpan for a caller that already holds the Page Heap
// lock.
func (h *PageHeap) NewSpanLocked(k int) *span.Span {
	return h.newSpanLocked(k)
}

func (h *PageHeap) newSpanLocked(k int) *span.Span {
	if k <= 0 {
		fatal.Contractf("pageheap: NewSpan called with non-positive page count %d", k)
	}

	if k > sizeclass.MaxPages {
		s := h.reserveFromOS(k)
		h.pages.Insert(s.PageID, s)
		return s
	}

	if !h.buckets[k].Empty() {
		s := h.buckets[k].PopFront()
		h.setBucketGauge(k)
		h.installAll(s)
		return s
	}

	for m := k + 1; m <= sizeclass.MaxPages; m++ {
		if h.buckets[m].Empty() {
			continue
		}
		orig := h.buckets[m].PopFront()
		h.setBucketGauge(m)
		h.removeEnds(orig)

		carved := h.spans.Get()
		carved.PageID = orig.PageID
		carved.PageCount = k

		orig.PageID += uintptr(k)
		orig.PageCount = m - k

		h.buckets[orig.PageCount].PushBack(orig)
		h.setBucketGauge(orig.PageCount)
		h.installEnds(orig)
		h.installAll(carved)
		return carved
	}

	slab := h.reserveFromOS(sizeclass.MaxPages)
	h.buckets[sizeclass.MaxPages].PushBack(slab)
	h.setBucketGauge(sizeclass.MaxPages)
	h.installEnds(slab)
	return h.newSpanLocked(k)
}

// ReleaseSpan returns span s, coalescing with free page-adjacent neighbors.
// Locks internally; see NewSpan for the Locked variant.
func (h *PageHeap) ReleaseSpan(s *span.Span) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.releaseSpanLocked(s)
}

// ReleaseSpanLocked is ReleaseSpan for a caller that already holds the lock.
func (h *PageHeap) ReleaseSpanLocked(s *span.Span) {
	h.releaseSpanLocked(s)
}

func (h *PageHeap) releaseSpanLocked(s *span.Span) {
	if s.PageCount > sizeclass.MaxPages {
		h.pages.Remove(s.PageID)
		base := unsafe.Pointer(s.Base(sizeclass.PageShift))
		osmem.Release(base, s.PageCount<<sizeclass.PageShift)
		h.spans.Put(s)
		return
	}

	// Merge with the previous page-adjacent span, if it is free and the
	// combined run still fits in a bucket. Two free spans are left adjacent
	// only when together they exceed MaxPages, and any larger run would too,
	// so one merge per side per release is enough.
	if s.PageID > 0 {
		if prev := h.pages.Lookup(s.PageID - 1); prev != nil && !prev.InUse && s.PageCount+prev.PageCount <= sizeclass.MaxPages {
			span.Remove(prev)
			h.setBucketGauge(prev.PageCount)
			h.removeEnds(prev)
			s.PageID = prev.PageID
			s.PageCount += prev.PageCount
			h.spans.Put(prev)
		}
	}
	if next := h.pages.Lookup(s.PageID + uintptr(s.PageCount)); next != nil && !next.InUse && s.PageCount+next.PageCount <= sizeclass.MaxPages {
		span.Remove(next)
		h.setBucketGauge(next.PageCount)
		h.removeEnds(next)
		s.PageCount += next.PageCount
		h.spans.Put(next)
	}

	s.InUse = false
	s.ObjectSize = 0
	s.FreeList = 0
	s.UseCount = 0
	h.buckets[s.PageCount].PushBack(s)
	h.setBucketGauge(s.PageCount)
	h.installEnds(s)

	obslog.L().Debug("pageheap: released span",
		zap.Uintptr("page_id", s.PageID), zap.Int("pages", s.PageCount))
}

// MapObjectToSpan resolves the span that owns the page containing ptr.
// Locks internally; see Lock/Unlock for holding the lock across this call
// and a following decision (the top-level free(ptr) path).
func (h *PageHeap) MapObjectToSpan(ptr uintptr) *span.Span {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pages.Lookup(ptr >> sizeclass.PageShift)
}

// LookupLocked is MapObjectToSpan's page-id variant for a caller that
// already holds the lock.
func (h *PageHeap) LookupLocked(pageID uintptr) *span.Span {
	return h.pages.Lookup(pageID)
}

// ReservedBytes reports cumulative bytes ever reserved from the OS.
func (h *PageHeap) ReservedBytes() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reservedBytes
}

// BucketLen reports how many spans currently sit in the free-list bucket
// for page count k.
func (h *PageHeap) BucketLen(k int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	h.buckets[k].Each(func(*span.Span) { n++ })
	return n
}

// setBucketGauge refreshes the published span count for bucket k. Called
// right after any push or pop against h.buckets[k] while still holding h.mu.
func (h *PageHeap) setBucketGauge(k int) {
	if h.metrics == nil {
		return
	}
	n := 0
	h.buckets[k].Each(func(*span.Span) { n++ })
	h.metrics.BucketSpans.WithLabelValues(strconv.Itoa(k)).Set(float64(n))
}

func (h *PageHeap) reserveFromOS(pages int) *span.Span {
	n := pages << sizeclass.PageShift
	base, err := osmem.Reserve(n)
	if err != nil {
		fatal.OSExhaustionf("pageheap: failed to reserve %d pages from the OS: %v", pages, err)
	}
	h.reservedBytes += uint64(n)
	if h.metrics != nil {
		h.metrics.ReservedBytes.Set(float64(h.reservedBytes))
	}

	s := h.spans.Get()
	s.PageID = uintptr(base) >> sizeclass.PageShift
	s.PageCount = pages
	return s
}

// installAll maps every page of s to s: used while s is fully owned, either
// mid-carve or handed out to a caller that needs every page resolvable.
func (h *PageHeap) installAll(s *span.Span) {
	for i := 0; i < s.PageCount; i++ {
		h.pages.Insert(s.PageID+uintptr(i), s)
	}
}

// installEnds maps only the first and last page of s to s: enough for
// neighbor coalescing to find s while it sits free in a bucket, without the
// cost of mapping every page of spans that might never be touched again.
func (h *PageHeap) installEnds(s *span.Span) {
	h.pages.Insert(s.PageID, s)
	if s.PageCount > 1 {
		h.pages.Insert(s.PageID+uintptr(s.PageCount-1), s)
	}
}

// removeEnds drops the head/tail mappings installed by installEnds, ahead
// of absorbing s into a coalesced neighbor or handing it back fully tracked.
func (h *PageHeap) removeEnds(s *span.Span) {
	h.pages.Remove(s.PageID)
	if s.PageCount > 1 {
		h.pages.Remove(s.PageID + uintptr(s.PageCount-1))
	}
}
