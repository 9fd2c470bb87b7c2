package heapview_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/stephen-fox/heapkit/internal/heaptest"
	"gitlab.com/stephen-fox/heapkit/libc/glibckit"
	"gitlab.com/stephen-fox/heapkit/memory"
)

const (
	heapBase  = 0x555555559000
	libcBase  = 0x7ffff7e19000
	arenaAddr = libcBase + 0xc80
)

// Chunk addresses of newFixture's heap.
const (
	tcachedChunk  = heapBase + 0x290
	fastChunk     = heapBase + 0x2b0
	unsortedChunk = heapBase + 0x340
	topChunk      = heapBase + 0x3f0
)

func newFixture(t *testing.T) *glibckit.Heap {
	t.Helper()

	l, err := glibckit.LayoutFor(memory.X86_64(), "2.35")
	require.NoError(t, err)

	b := heaptest.New(l)
	libc := b.Segment("/usr/lib/x86_64-linux-gnu/libc.so.6", libcBase, 0x2000)
	heap := b.Segment("[heap]", heapBase, 0x21000)

	tcache := heap.Chunk(0x291) + 0x10
	heap.Chunk(0x21)
	heap.Chunk(0x71)
	heap.Chunk(0x21)
	heap.Chunk(0x91)
	guard := heap.Chunk(0x20)
	heap.PrevSize(guard, 0x90)
	top := heap.Cursor()
	heap.Chunk((heap.End() - top) | glibckit.PrevInUse)

	heap.Tcache(tcache, 0, 1, tcachedChunk+0x10)
	heap.TcacheLink(tcachedChunk+0x10, 0)
	heap.FastLink(fastChunk, 0)

	sentinel := l.BinSentinel(arenaAddr, 1)
	libc.InitArena(arenaAddr, top)
	libc.Fastbin(arenaAddr, 5, fastChunk)
	libc.BinLinks(arenaAddr, 1, unsortedChunk, unsortedChunk)
	heap.Links(unsortedChunk, sentinel, sentinel)

	img, err := b.Image()
	require.NoError(t, err)

	h, err := glibckit.NewHeap(img, glibckit.Config{Layout: l})
	require.NoError(t, err)

	return h
}
