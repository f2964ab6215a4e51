// Package span defines the Span — a contiguous run of pages with metadata
// kept outside the pages it describes — and the doubly-linked list it lives
// on while it belongs to a Central Cache bucket or a Page Heap bucket.
package span

import "unsafe"

// Span is a contiguous run of pages. Exactly one of three owners holds it at
// any time: the Page Heap (free, sitting on a page-count bucket), the
// Central Cache (carving small objects of ObjectSize), or a caller (a large
// object span, handed out directly by the Page Heap).
type Span struct {
	PageID    uintptr // first page id: base address >> PageShift
	PageCount int     // number of pages, >= 1

	// FreeList is the head of the intrusive singly-linked free list of
	// small objects carved from this span's pages. It is a raw address,
	// not a typed Go pointer: the memory it points into is an OS mapping
	// this allocator owns directly, never Go-heap memory, so there is
	// nothing for the garbage collector to trace through it. Zero means
	// empty (or this is a large-object span, which never has one).
	FreeList uintptr

	UseCount   int  // objects currently handed out from this span
	InUse      bool // true while owned by Central Cache or a caller
	ObjectSize int  // size-class byte size; for a large-object span, the requested byte size

	// Prev/Next: sibling links for membership on exactly one list at a
	// time (a Central Cache bucket or a Page Heap bucket).
	Prev, Next *Span
}

// NextFree reads the intrusive next-pointer stored in the first word of a
// free object at addr.
func NextFree(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

// SetNextFree writes the intrusive next-pointer stored in the first word of
// a free object at addr.
func SetNextFree(addr uintptr, next uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = next
}

// Base returns the byte address of the span's first page.
func (s *Span) Base(pageShift uint) uintptr {
	return s.PageID << pageShift
}

// List is a doubly-linked, circular list of spans with a sentinel head
// node. The zero value is not ready to use; call Init first.
type List struct {
	head Span // sentinel; head.Next is the first element, head.Prev the last
}

// Init makes an empty list ready to use.
func (l *List) Init() {
	l.head.Next = &l.head
	l.head.Prev = &l.head
}

// Empty reports whether the list has no elements.
func (l *List) Empty() bool {
	return l.head.Next == &l.head
}

// First returns the first element, or nil if the list is empty.
func (l *List) First() *Span {
	if l.Empty() {
		return nil
	}
	return l.head.Next
}

// insertBefore splices s into the list immediately before pos.
func insertBefore(pos, s *Span) {
	prev := pos.Prev
	s.Next = pos
	s.Prev = prev
	prev.Next = s
	pos.Prev = s
}

// PushFront inserts s as the new first element.
func (l *List) PushFront(s *Span) {
	insertBefore(l.head.Next, s)
}

// PushBack inserts s as the new last element.
func (l *List) PushBack(s *Span) {
	insertBefore(&l.head, s)
}

// Remove unlinks s from whatever list it is on. s must currently be linked
// (Prev and Next set by a previous Push/insert call).
func Remove(s *Span) {
	s.Prev.Next = s.Next
	s.Next.Prev = s.Prev
	s.Prev = nil
	s.Next = nil
}

// PopFront removes and returns the first element, or nil if the list is
// empty.
func (l *List) PopFront() *Span {
	s := l.First()
	if s == nil {
		return nil
	}
	Remove(s)
	return s
}

// Linked reports whether s is currently on some list.
func Linked(s *Span) bool {
	return s.Next != nil
}

// Each calls fn for every span on the list, in order. fn must not mutate the
// list's linkage.
func (l *List) Each(fn func(*Span)) {
	for s := l.head.Next; s != &l.head; s = s.Next {
		fn(s)
	}
}
