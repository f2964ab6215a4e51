// Package pagemap implements the page-id to span map: a radix tree keyed by
// page id, a fixed number of bits consumed per level, with depth growing on
// demand to cover the largest key seen so far. It has no internal lock —
// every mutation is expected to happen under a lock the caller already
// holds (the page heap's own mutex serializes every path that reaches this
// tree), so bitmap-guarded descent and backward-pruning removal don't need
// to account for concurrent structural changes.
package pagemap

import (
	"math/bits"
	"unsafe"

	"github.com/deepcache/ccalloc/objectpool"
	"github.com/deepcache/ccalloc/span"
)

const (
	// branchShift (R) is the number of key bits consumed per level.
	branchShift = 6
	branchSize  = 1 << branchShift
	branchMask  = branchSize - 1
)

// node is one level of the trie. At interior levels children holds *node;
// at the bottom level children holds *span.Span. occupied tracks which
// slots are set so lookups and removal can short-circuit without a nil
// pointer dereference and so remove() knows when a node becomes empty.
//
// children is typed unsafe.Pointer rather than uintptr precisely so the
// garbage collector keeps tracing through it: these nodes and the spans
// they point to live on the Go heap (via objectpool), unlike the
// small-object free list in span.Span, which lives in raw OS memory and so
// has no GC-visible referent to protect.
type node struct {
	occupied uint64
	children [branchSize]unsafe.Pointer
}

// Tree is the page id -> *span.Span map. The zero value is ready to use.
type Tree struct {
	root  *node
	depth int // number of branchShift-bit levels currently addressable; 0 means empty
	pool  objectpool.Pool[node]
}

func depthFor(key uintptr) int {
	if key == 0 {
		return 1
	}
	bitsNeeded := bits.Len64(uint64(key))
	d := (bitsNeeded + branchShift - 1) / branchShift
	if d < 1 {
		d = 1
	}
	return d
}

func chunk(key uintptr, level, depth int) int {
	// level counts down from depth (top) to 1 (bottom).
	shift := uint(level-1) * branchShift
	return int((key >> shift) & branchMask)
}

func ptrToNode(p unsafe.Pointer) *node      { return (*node)(p) }
func ptrToSpan(p unsafe.Pointer) *span.Span { return (*span.Span)(p) }
func nodeToPtr(n *node) unsafe.Pointer      { return unsafe.Pointer(n) }
func spanToPtr(s *span.Span) unsafe.Pointer { return unsafe.Pointer(s) }

// Insert records page_id -> s, creating intermediate nodes along the path
// and overwriting any existing leaf. Always succeeds (the only failure mode,
// running out of memory while objectpool grows, is a Go runtime fatal error).
func (t *Tree) Insert(pageID uintptr, s *span.Span) {
	need := depthFor(pageID)
	if t.root == nil {
		t.root = t.pool.Get()
		t.depth = need
	} else if need > t.depth {
		t.grow(need)
	}

	cur := t.root
	for level := t.depth; level > 1; level-- {
		idx := chunk(pageID, level, t.depth)
		if cur.occupied&(1<<uint(idx)) == 0 {
			child := t.pool.Get()
			cur.children[idx] = nodeToPtr(child)
			cur.occupied |= 1 << uint(idx)
		}
		cur = ptrToNode(cur.children[idx])
	}
	idx := chunk(pageID, 1, t.depth)
	cur.children[idx] = spanToPtr(s)
	cur.occupied |= 1 << uint(idx)
}

// grow extends the tree to `need` levels by inserting new top levels above
// the current root. This is only reachable when every key inserted so far
// is strictly smaller than 1<<(depth*branchShift), so the old root always
// belongs at index 0 of each new top node.
func (t *Tree) grow(need int) {
	for t.depth < need {
		top := t.pool.Get()
		top.children[0] = nodeToPtr(t.root)
		top.occupied = 1
		t.root = top
		t.depth++
	}
}

// Lookup returns the span recorded for pageID, or nil if the path is
// untracked. Bitmap-guarded, so a miss costs one descent with no pointer
// chasing past the first absent slot.
func (t *Tree) Lookup(pageID uintptr) *span.Span {
	if t.root == nil || depthFor(pageID) > t.depth {
		return nil
	}
	cur := t.root
	for level := t.depth; level > 1; level-- {
		idx := chunk(pageID, level, t.depth)
		if cur.occupied&(1<<uint(idx)) == 0 {
			return nil
		}
		cur = ptrToNode(cur.children[idx])
	}
	idx := chunk(pageID, 1, t.depth)
	if cur.occupied&(1<<uint(idx)) == 0 {
		return nil
	}
	return ptrToSpan(cur.children[idx])
}

// Remove clears the leaf for pageID and prunes any interior node left with
// no occupied children, walking the descent path backward. The root is
// never pruned. Returns the span that was mapped there, or nil if pageID
// was not tracked.
func (t *Tree) Remove(pageID uintptr) *span.Span {
	if t.root == nil || depthFor(pageID) > t.depth {
		return nil
	}

	type step struct {
		n   *node
		idx int
	}
	path := make([]step, 0, t.depth)

	cur := t.root
	for level := t.depth; level > 1; level-- {
		idx := chunk(pageID, level, t.depth)
		if cur.occupied&(1<<uint(idx)) == 0 {
			return nil
		}
		path = append(path, step{n: cur, idx: idx})
		cur = ptrToNode(cur.children[idx])
	}
	leafIdx := chunk(pageID, 1, t.depth)
	if cur.occupied&(1<<uint(leafIdx)) == 0 {
		return nil
	}
	out := ptrToSpan(cur.children[leafIdx])
	cur.occupied &^= 1 << uint(leafIdx)
	cur.children[leafIdx] = nil

	// Walk backward, pruning now-empty interior nodes. `cur` here is the
	// node directly above the leaf; path holds every ancestor above that.
	child := cur
	for i := len(path) - 1; i >= 0; i-- {
		if child.occupied != 0 {
			break
		}
		parent, idx := path[i].n, path[i].idx
		t.pool.Put(child)
		parent.occupied &^= 1 << uint(idx)
		parent.children[idx] = nil
		child = parent
	}
	// Never prune the root itself, even if it becomes empty.
	return out
}
