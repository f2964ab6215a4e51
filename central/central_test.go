package central

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepcache/ccalloc/pageheap"
	"github.com/deepcache/ccalloc/sizeclass"
	"github.com/deepcache/ccalloc/span"
)

func TestFetchRangeCarvesFreshSpan(t *testing.T) {
	heap := pageheap.New(nil)
	c := New(heap, nil)

	class := sizeclass.Index(32)
	first, last, got := c.FetchRange(class, 4)
	require.NotZero(t, first)
	require.NotZero(t, last)
	assert.Equal(t, 4, got)

	// Walk the chain and confirm each link resolves to a distinct address.
	seen := map[uintptr]bool{}
	cur := first
	for i := 0; i < got; i++ {
		require.False(t, seen[cur])
		seen[cur] = true
		if i < got-1 {
			cur = span.NextFree(cur)
		}
	}
	assert.Equal(t, last, cur)
	assert.Equal(t, uintptr(0), span.NextFree(last))
}

func TestFetchRangeShortBatch(t *testing.T) {
	heap := pageheap.New(nil)
	c := New(heap, nil)

	// Class for a large small-object size: pages_per_span still carves
	// multiple objects, but asking for far more than exist in one span
	// should come back short rather than block or panic.
	class := sizeclass.Index(sizeclass.SmallMax)
	size := sizeclass.ClassSize(class)
	capacity := sizeclass.PagesPerSpan(size) << sizeclass.PageShift / size

	first, _, got := c.FetchRange(class, capacity+1000)
	require.NotZero(t, first)
	assert.LessOrEqual(t, got, capacity)
	assert.Greater(t, got, 0)
}

func TestReleaseRangeReturnsSpanWhenDrained(t *testing.T) {
	heap := pageheap.New(nil)
	c := New(heap, nil)

	class := sizeclass.Index(16)
	size := sizeclass.ClassSize(class)
	pages := sizeclass.PagesPerSpan(size)
	capacity := (pages << sizeclass.PageShift) / size

	first, last, got := c.FetchRange(class, capacity)
	require.Equal(t, capacity, got)

	// The span backing this batch is fully checked out (use_count ==
	// capacity). Releasing the whole chain back should drain use_count to
	// zero and hand the span back to the page heap.
	c.ReleaseRange(size, first)
	_ = last

	// A span back in the page heap keeps its head page mapped (for
	// coalescing), so the lookup still finds it, now marked free.
	s := heap.MapObjectToSpan(first)
	require.NotNil(t, s)
	assert.False(t, s.InUse, "span should have been released to the page heap")
}

func TestReleaseRangePartialKeepsSpanInCentral(t *testing.T) {
	heap := pageheap.New(nil)
	c := New(heap, nil)

	class := sizeclass.Index(16)
	size := sizeclass.ClassSize(class)

	first, _, got := c.FetchRange(class, 4)
	require.Equal(t, 4, got)

	// Release only one object of the four: the span stays partially in
	// use, so a second fetch should be able to reuse it rather than
	// carving a fresh one.
	span.SetNextFree(first, 0)
	c.ReleaseRange(size, first)

	_, _, got2 := c.FetchRange(class, 1)
	assert.Equal(t, 1, got2)
}
