package pagemap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepcache/ccalloc/span"
)

func TestTreeInsertLookup(t *testing.T) {
	var tr Tree
	s1 := &span.Span{PageID: 10}
	s2 := &span.Span{PageID: 20}

	tr.Insert(10, s1)
	tr.Insert(20, s2)

	assert.Same(t, s1, tr.Lookup(10))
	assert.Same(t, s2, tr.Lookup(20))
	assert.Nil(t, tr.Lookup(30))
}

func TestTreeLookupEmpty(t *testing.T) {
	var tr Tree
	assert.Nil(t, tr.Lookup(0))
	assert.Nil(t, tr.Lookup(123456))
}

func TestTreeOverwrite(t *testing.T) {
	var tr Tree
	s1 := &span.Span{PageID: 5}
	s2 := &span.Span{PageID: 5}

	tr.Insert(5, s1)
	tr.Insert(5, s2)

	assert.Same(t, s2, tr.Lookup(5))
}

func TestTreeRemove(t *testing.T) {
	var tr Tree
	s := &span.Span{PageID: 7}
	tr.Insert(7, s)

	require.Same(t, s, tr.Lookup(7))
	removed := tr.Remove(7)
	assert.Same(t, s, removed)
	assert.Nil(t, tr.Lookup(7))

	assert.Nil(t, tr.Remove(7))
}

func TestTreeGrowsAcrossLevels(t *testing.T) {
	var tr Tree
	// Small key first, establishing a shallow tree, then a key that forces
	// grow() to add levels above the existing root.
	small := &span.Span{PageID: 1}
	big := &span.Span{PageID: 1 << 30}

	tr.Insert(1, small)
	tr.Insert(1<<30, big)

	assert.Same(t, small, tr.Lookup(1))
	assert.Same(t, big, tr.Lookup(1<<30))
}

func TestTreeManyKeysRoundTrip(t *testing.T) {
	var tr Tree
	spans := make(map[uintptr]*span.Span)
	for i := uintptr(0); i < 5000; i++ {
		pid := i * 7
		s := &span.Span{PageID: pid}
		spans[pid] = s
		tr.Insert(pid, s)
	}
	for pid, s := range spans {
		assert.Same(t, s, tr.Lookup(pid))
	}
	for pid, s := range spans {
		assert.Same(t, s, tr.Remove(pid))
		assert.Nil(t, tr.Lookup(pid))
	}
}

func TestTreePruneDoesNotTouchSiblings(t *testing.T) {
	var tr Tree
	// Two keys sharing every level but the bottom chunk stay siblings under
	// the same parent node; removing one must not disturb the other.
	a := &span.Span{PageID: 64}
	b := &span.Span{PageID: 65}
	tr.Insert(64, a)
	tr.Insert(65, b)

	tr.Remove(64)
	assert.Nil(t, tr.Lookup(64))
	assert.Same(t, b, tr.Lookup(65))
}
