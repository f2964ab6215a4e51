package span

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListPushPop(t *testing.T) {
	var l List
	l.Init()
	assert.True(t, l.Empty())

	a := &Span{PageID: 1}
	b := &Span{PageID: 2}
	c := &Span{PageID: 3}

	l.PushBack(a)
	l.PushBack(b)
	l.PushFront(c)

	require.False(t, l.Empty())
	assert.Same(t, c, l.First())

	var order []uintptr
	l.Each(func(s *Span) { order = append(order, s.PageID) })
	assert.Equal(t, []uintptr{3, 1, 2}, order)

	got := l.PopFront()
	assert.Same(t, c, got)
	assert.False(t, Linked(c))
	assert.Same(t, a, l.First())
}

func TestListRemoveMiddle(t *testing.T) {
	var l List
	l.Init()
	a := &Span{PageID: 1}
	b := &Span{PageID: 2}
	c := &Span{PageID: 3}
	l.PushBack(a)
	l.PushBack(b)
	l.PushBack(c)

	Remove(b)
	assert.False(t, Linked(b))

	var order []uintptr
	l.Each(func(s *Span) { order = append(order, s.PageID) })
	assert.Equal(t, []uintptr{1, 3}, order)
}

func TestListEmptyAfterDraining(t *testing.T) {
	var l List
	l.Init()
	l.PushBack(&Span{PageID: 1})
	l.PopFront()
	assert.True(t, l.Empty())
	assert.Nil(t, l.First())
	assert.Nil(t, l.PopFront())
}

func TestSpanBase(t *testing.T) {
	s := &Span{PageID: 4}
	assert.Equal(t, uintptr(4<<13), s.Base(13))
}

func TestFreeListLinking(t *testing.T) {
	// Three raw 8-byte slots, linked via the intrusive free-list words, the
	// same way a span carves a fresh page of small objects.
	buf := make([]uintptr, 3)
	a := uintptr(unsafe.Pointer(&buf[0]))
	b := uintptr(unsafe.Pointer(&buf[1]))
	c := uintptr(unsafe.Pointer(&buf[2]))

	SetNextFree(a, b)
	SetNextFree(b, c)
	SetNextFree(c, 0)

	assert.Equal(t, b, NextFree(a))
	assert.Equal(t, c, NextFree(b))
	assert.Equal(t, uintptr(0), NextFree(c))
}
