// Package sizeclass implements the pure, stateless size-class math shared by
// every tier of the allocator: which aligned size a request rounds up to,
// which class index owns it, how many objects cross the thread/central
// boundary in one batch, and how many pages a span for that class should
// carve.
//
// The table is built from a handful of alignment bands rather than written
// out by hand, so the 208-entry table can be regenerated if the tunables
// below ever change.
package sizeclass

import "github.com/deepcache/ccalloc/internal/fatal"

const (
	// PageShift is the base-2 log of the page size (8 KiB pages).
	PageShift = 13
	// PageSize is 1<<PageShift bytes.
	PageSize = 1 << PageShift

	// SmallMax is the largest request size serviced by the small-object
	// path (thread cache + central cache). Anything bigger bypasses both
	// and is handled directly by the page heap.
	SmallMax = 256 * 1024

	// NumClasses is the number of small-object size classes, class 0
	// (8-byte objects, sizes 1..8) included.
	NumClasses = 208

	// MaxPages is the largest page count the page heap buckets directly;
	// spans bigger than this are allocated straight from the OS and never
	// sit in a bucket.
	MaxPages = 128

	minBatch = 2
	maxBatch = 512
)

type band struct {
	limit  int    // inclusive upper bound of the band, in bytes
	prev   int    // inclusive upper bound of the previous band (0 for the first)
	align  int    // alignment within this band
	shift  uint   // log2(align), used by the index formula
	base   int    // cumulative class count before this band
	nclass int    // number of classes contributed by this band
}

var bands = []band{
	{limit: 128, prev: 0, align: 8, shift: 3, base: 0, nclass: 16},
	{limit: 1024, prev: 128, align: 16, shift: 4, base: 16, nclass: 56},
	{limit: 8 * 1024, prev: 1024, align: 128, shift: 7, base: 72, nclass: 56},
	{limit: 64 * 1024, prev: 8 * 1024, align: 1024, shift: 10, base: 128, nclass: 56},
	{limit: 256 * 1024, prev: 64 * 1024, align: 8 * 1024, shift: 13, base: 184, nclass: 24},
}

// classSize[i] is the aligned byte size object class i carves.
var classSize [NumClasses]int

func init() {
	for _, b := range bands {
		for c := 0; c < b.nclass; c++ {
			size := b.prev + (c+1)*b.align
			classSize[b.base+c] = size
		}
	}
}

// RoundUp rounds size up to the aligned size of its band. Callers must
// ensure 0 < size <= SmallMax.
func RoundUp(size int) int {
	if size <= 0 || size > SmallMax {
		fatal.Contractf("sizeclass: RoundUp called with out-of-range size %d", size)
	}
	for _, b := range bands {
		if size <= b.limit {
			return roundUp(size, b.align)
		}
	}
	fatal.Contractf("sizeclass: RoundUp fell through bands for size %d", size)
	return 0
}

func roundUp(size, align int) int {
	return (size + align - 1) &^ (align - 1)
}

// Index returns the class index in [0, NumClasses) that owns size. It is
// the sole source of truth for "which class" a size belongs to — nothing
// else in this package keeps a second, possibly-divergent lookup.
func Index(size int) int {
	if size <= 0 || size > SmallMax {
		fatal.Contractf("sizeclass: Index called with out-of-range size %d", size)
	}
	for _, b := range bands {
		if size <= b.limit {
			within := size - b.prev
			return b.base + int((uint(within)+(1<<b.shift)-1)>>b.shift) - 1
		}
	}
	fatal.Contractf("sizeclass: Index fell through bands for size %d", size)
	return 0
}

// ClassSize returns the aligned byte size objects of class carve. Valid for
// class in [0, NumClasses).
func ClassSize(class int) int {
	if class < 0 || class >= NumClasses {
		fatal.Contractf("sizeclass: ClassSize called with out-of-range class %d", class)
	}
	return classSize[class]
}

// BatchCount returns how many objects of this size cross the thread
// cache <-> central cache boundary in one transfer: clamp(SmallMax/size, 2,
// 512).
func BatchCount(size int) int {
	n := SmallMax / size
	if n < minBatch {
		n = minBatch
	}
	if n > maxBatch {
		n = maxBatch
	}
	return n
}

// PagesPerSpan returns how many pages the central cache asks the page heap
// for when it needs to carve fresh objects of this size: enough pages to
// hold one batch, rounded up to at least one page.
func PagesPerSpan(size int) int {
	n := BatchCount(size)
	pages := (n*size + PageSize - 1) >> PageShift
	if pages < 1 {
		pages = 1
	}
	return pages
}
