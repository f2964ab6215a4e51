package pageheap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepcache/ccalloc/sizeclass"
)

func TestNewSpanBasic(t *testing.T) {
	h := New(nil)
	s := h.NewSpan(4)
	s.InUse = true
	require.NotNil(t, s)
	assert.Equal(t, 4, s.PageCount)

	got := h.MapObjectToSpan(s.PageID << sizeclass.PageShift)
	assert.Same(t, s, got)
}

func TestNewSpanCarvesFromLargerBucket(t *testing.T) {
	h := New(nil)
	big := h.NewSpan(8)
	h.ReleaseSpan(big)

	small := h.NewSpan(3)
	require.NotNil(t, small)
	assert.Equal(t, 3, small.PageCount)

	// big coalesced with the rest of its slab on release, so the 3-page
	// split leaves a 125-page remainder that still serves a 5-page request.
	rest := h.NewSpan(5)
	require.NotNil(t, rest)
	assert.Equal(t, 5, rest.PageCount)
}

func TestReleaseCoalescesAdjacentSpans(t *testing.T) {
	h := New(nil)
	a := h.NewSpan(4)
	a.InUse = true
	b := h.NewSpan(4)
	b.InUse = true
	c := h.NewSpan(4)
	c.InUse = true
	// d stays in use so the free rest of the slab after it cannot join the
	// merge: only a, b and c coalesce.
	d := h.NewSpan(4)
	d.InUse = true

	// a, b, c are contiguous because they were carved from one slab in
	// sequence with nothing released in between.
	require.Equal(t, a.PageID+4, b.PageID)
	require.Equal(t, b.PageID+4, c.PageID)
	lastPage := c.PageID + 3

	h.ReleaseSpan(b)
	h.ReleaseSpan(a)
	h.ReleaseSpan(c)

	merged := h.MapObjectToSpan(a.PageID << sizeclass.PageShift)
	require.NotNil(t, merged)
	assert.Equal(t, 12, merged.PageCount)
	assert.Equal(t, a.PageID, merged.PageID)

	tail := h.MapObjectToSpan(lastPage << sizeclass.PageShift)
	assert.Same(t, merged, tail)

	assert.Nil(t, h.LookupLocked(a.PageID-1))
}

func TestLargeSpanBypassesBuckets(t *testing.T) {
	h := New(nil)
	s := h.NewSpan(sizeclass.MaxPages + 5)
	require.Equal(t, sizeclass.MaxPages+5, s.PageCount)

	got := h.MapObjectToSpan(s.PageID << sizeclass.PageShift)
	assert.Same(t, s, got)

	h.ReleaseSpan(s)
	assert.Nil(t, h.MapObjectToSpan(s.PageID<<sizeclass.PageShift))
}

func TestReservedBytesAccumulates(t *testing.T) {
	h := New(nil)
	before := h.ReservedBytes()
	h.NewSpan(sizeclass.MaxPages)
	after := h.ReservedBytes()
	assert.Greater(t, after, before)
}

func TestBucketLenTracksReleases(t *testing.T) {
	h := New(nil)
	// A full-slab request exactly matches step 4's OS reservation with no
	// remainder, so release has no free neighbor to coalesce with.
	s := h.NewSpan(sizeclass.MaxPages)
	s.InUse = true
	assert.Equal(t, 0, h.BucketLen(sizeclass.MaxPages))
	h.ReleaseSpan(s)
	assert.Equal(t, 1, h.BucketLen(sizeclass.MaxPages))
}
