package glibckit_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/stephen-fox/heapkit/internal/heaptest"
	"gitlab.com/stephen-fox/heapkit/libc/glibckit"
	"gitlab.com/stephen-fox/heapkit/memory"
)

const heapBase = 0x555555559000

func TestWalkFastbin_Chain(t *testing.T) {
	l := layout64(t, "2.27")
	b := heaptest.New(l)
	heap := b.Segment("[heap]", heapBase, 0x1000)

	a := heap.Chunk(0x31)
	c := heap.Chunk(0x31)
	heap.FastLink(a, c)
	heap.FastLink(c, 0)

	bin := glibckit.WalkFastbin(b.Decoder(), 1, a, 4)

	assert.Equal(t, []uint64{a, c}, bin.OrderedAddresses())
	assert.False(t, bin.IsCorrupted())
	assert.NoError(t, bin.Err)
	assert.Empty(t, bin.SizeMismatch)
	assert.Equal(t, "fastbins[0x30]", bin.Name())
	assert.Equal(t, glibckit.KindFast, bin.Kind())
}

func TestWalkFastbin_Cycle(t *testing.T) {
	l := layout64(t, "2.27")
	b := heaptest.New(l)
	heap := b.Segment("[heap]", heapBase, 0x1000)

	a := heap.Chunk(0x21)
	c := heap.Chunk(0x21)
	heap.FastLink(a, c)
	heap.FastLink(c, a)

	bin := glibckit.WalkFastbin(b.Decoder(), 0, a, 4)

	assert.Equal(t, []uint64{a, c, a, c}, bin.Chain)
	assert.True(t, bin.IsCorrupted())
	assert.True(t, errors.Is(bin.Err, glibckit.ErrInconsistent))
}

func TestWalkFastbin_StepCapNeverExceeded(t *testing.T) {
	l := layout64(t, "2.27")
	b := heaptest.New(l)
	heap := b.Segment("[heap]", heapBase, 0x1000)

	a := heap.Chunk(0x21)
	heap.FastLink(a, a)
	d := b.Decoder()

	for _, stepCap := range []int{1, 2, 7, 100} {
		bin := glibckit.WalkFastbin(d, 0, a, stepCap)
		assert.Len(t, bin.Chain, stepCap)
		assert.True(t, bin.IsCorrupted())
	}
}

func TestWalkFastbin_SafeLinking(t *testing.T) {
	l := layout64(t, "2.35")
	b := heaptest.New(l)
	heap := b.Segment("[heap]", heapBase, 0x1000)

	a := heap.Chunk(0x21)
	c := heap.Chunk(0x21)
	heap.FastLink(a, c)
	heap.FastLink(c, 0)

	bin := glibckit.WalkFastbin(b.Decoder(), 0, a, 0)
	assert.Equal(t, []uint64{a, c}, bin.Chain)
	assert.False(t, bin.IsCorrupted())

	// Reading the links without revealing them produces garbage
	// that is caught by the alignment check.
	l.SafeLinking = false
	bin = glibckit.WalkFastbin(glibckit.NewDecoder(b.Decoder().Reader(), l), 0, a, 0)
	assert.True(t, bin.IsCorrupted())
}

func TestWalkFastbin_SizeMismatch(t *testing.T) {
	l := layout64(t, "2.27")
	b := heaptest.New(l)
	heap := b.Segment("[heap]", heapBase, 0x1000)

	a := heap.Chunk(0x21)
	c := heap.Chunk(0x41)
	heap.FastLink(a, c)

	bin := glibckit.WalkFastbin(b.Decoder(), 0, a, 0)
	assert.Equal(t, []uint64{a, c}, bin.Chain)
	assert.False(t, bin.IsCorrupted())
	assert.Equal(t, []uint64{c}, bin.SizeMismatch)
}

func TestWalkFastbin_Unreadable(t *testing.T) {
	l := layout64(t, "2.27")
	b := heaptest.New(l)
	heap := b.Segment("[heap]", heapBase, 0x1000)

	a := heap.Chunk(0x21)
	heap.FastLink(a, 0x13370000)

	bin := glibckit.WalkFastbin(b.Decoder(), 0, a, 0)
	assert.Equal(t, []uint64{a, 0x13370000}, bin.Chain)
	assert.True(t, bin.IsCorrupted())
	assert.True(t, errors.Is(bin.Err, memory.ErrUnreadable))
}

func TestWalkTcache(t *testing.T) {
	l := layout64(t, "2.35")
	b := heaptest.New(l)
	heap := b.Segment("[heap]", heapBase, 0x1000)

	ptr := l.PtrSize()
	a := heap.Chunk(0x31) + 2*ptr
	c := heap.Chunk(0x31) + 2*ptr
	heap.TcacheLink(a, c)
	heap.TcacheLink(c, 0)

	bin := glibckit.WalkTcache(b.Decoder(), 1, a, 2, 0)

	assert.Equal(t, []uint64{a, c}, bin.Chain)
	assert.False(t, bin.IsCorrupted())
	assert.False(t, bin.Truncated)
	assert.Equal(t, "tcachebins[0x30]", bin.Name())
	assert.Equal(t, 2, bin.Count)
}

func TestWalkTcache_DisplayLimit(t *testing.T) {
	l := layout64(t, "2.35")
	b := heaptest.New(l)
	heap := b.Segment("[heap]", heapBase, 0x1000)

	ptr := l.PtrSize()
	var entries []uint64
	for i := 0; i < 10; i++ {
		entries = append(entries, heap.Chunk(0x21)+2*ptr)
	}
	for i := 0; i < len(entries)-1; i++ {
		heap.TcacheLink(entries[i], entries[i+1])
	}

	d := b.Decoder()

	// The count claims one entry, so at most two are shown.
	bin := glibckit.WalkTcache(d, 0, entries[0], 1, 0)
	assert.Equal(t, entries[:2], bin.Chain)
	assert.True(t, bin.Truncated)
	assert.False(t, bin.IsCorrupted())

	// Counts above the fill count are capped.
	bin = glibckit.WalkTcache(d, 0, entries[0], 100, 0)
	assert.Len(t, bin.Chain, glibckit.TcacheFillCount+1)
	assert.True(t, bin.Truncated)

	// A step cap below the display limit is corruption.
	bin = glibckit.WalkTcache(d, 0, entries[0], 7, 3)
	assert.Len(t, bin.Chain, 3)
	assert.True(t, bin.IsCorrupted())
	assert.False(t, bin.Truncated)
}

func TestWalkTcache_Empty(t *testing.T) {
	l := layout64(t, "2.35")
	b := heaptest.New(l)
	b.Segment("[heap]", heapBase, 0x1000)

	bin := glibckit.WalkTcache(b.Decoder(), 0, 0, 0, 0)
	assert.True(t, bin.IsEmpty())
	assert.Empty(t, bin.Chain)
}

type doublyFixture struct {
	decoder  glibckit.Decoder
	heap     *heaptest.Segment
	sentinel uint64
	chunks   []uint64
}

func newDoublyFixture(t *testing.T, n int) doublyFixture {
	l := layout64(t, "2.35")
	b := heaptest.New(l)
	libc := b.Segment("libc.so.6", 0x7ffff7e19000, 0x2000)
	heap := b.Segment("[heap]", heapBase, 0x1000)

	arena := libc.Base() + 0xc80
	libc.InitArena(arena, 0)
	sentinel := l.BinSentinel(arena, 1)

	var chunks []uint64
	for i := 0; i < n; i++ {
		chunks = append(chunks, heap.Chunk(0x91))
	}

	nodes := append(append([]uint64{sentinel}, chunks...), sentinel)
	for i := 1; i < len(nodes)-1; i++ {
		heap.Links(nodes[i], nodes[i+1], nodes[i-1])
	}
	libc.Links(sentinel, chunks[0], chunks[n-1])

	return doublyFixture{
		decoder:  b.Decoder(),
		heap:     heap,
		sentinel: sentinel,
		chunks:   chunks,
	}
}

func TestWalkDoubly_Consistent(t *testing.T) {
	f := newDoublyFixture(t, 3)

	bin := glibckit.WalkDoubly(f.decoder, glibckit.KindUnsorted, 1, f.sentinel, 0)

	assert.Equal(t, f.chunks, bin.OrderedAddresses())
	assert.False(t, bin.IsCorrupted())
	assert.NoError(t, bin.Err)
	assert.Equal(t, "unsortedbin", bin.Name())
	assert.Equal(t, f.chunks[0], bin.Fd)
	assert.Equal(t, f.chunks[2], bin.Bk)
	assert.Empty(t, bin.BkChain)
}

func TestWalkDoubly_TamperedBackLink(t *testing.T) {
	f := newDoublyFixture(t, 4)

	// chunks[2]->bk should be chunks[1].
	f.heap.Links(f.chunks[2], f.chunks[3], 0x4141414141414140)

	bin := glibckit.WalkDoubly(f.decoder, glibckit.KindSmall, 8, f.sentinel, 0)

	assert.Equal(t, f.chunks[:3], bin.Chain)
	assert.True(t, bin.IsCorrupted())
	assert.Equal(t, f.chunks[2], bin.CorruptAt)
	assert.True(t, errors.Is(bin.Err, glibckit.ErrInconsistent))
	assert.Equal(t, "smallbins[0x80]", bin.Name())
	assert.NotEmpty(t, bin.BkChain)
}

func TestWalkDoubly_TamperedSentinel(t *testing.T) {
	f := newDoublyFixture(t, 2)

	mem := f.decoder.Reader().(*memory.Image)
	ptr := f.decoder.Layout().PtrSize()
	require.NoError(t, mem.Write(f.sentinel+3*ptr, memory.X86_64().Bytes(f.chunks[0])))

	bin := glibckit.WalkDoubly(f.decoder, glibckit.KindUnsorted, 1, f.sentinel, 0)

	assert.Equal(t, f.chunks, bin.Chain)
	assert.True(t, bin.IsCorrupted())
	assert.Equal(t, f.sentinel, bin.CorruptAt)
}

func TestWalkDoubly_Empty(t *testing.T) {
	l := layout64(t, "2.35")
	b := heaptest.New(l)
	libc := b.Segment("libc.so.6", 0x7ffff7e19000, 0x2000)
	arena := libc.Base() + 0xc80
	libc.InitArena(arena, 0)

	bin := glibckit.WalkDoubly(b.Decoder(), glibckit.KindLarge, 64, l.BinSentinel(arena, 64), 0)

	assert.True(t, bin.IsEmpty())
	assert.False(t, bin.IsCorrupted())
	assert.Equal(t, "largebins[0x400]", bin.Name())
}

func TestWalkDoubly_UnreadableNode(t *testing.T) {
	f := newDoublyFixture(t, 2)
	f.heap.Links(f.chunks[0], 0x13370000, f.sentinel)

	bin := glibckit.WalkDoubly(f.decoder, glibckit.KindUnsorted, 1, f.sentinel, 0)

	assert.Equal(t, f.chunks[:1], bin.Chain)
	assert.True(t, bin.IsCorrupted())
	assert.True(t, errors.Is(bin.Err, memory.ErrUnreadable))
}

func TestWalkDoubly_StepCap(t *testing.T) {
	f := newDoublyFixture(t, 5)

	bin := glibckit.WalkDoubly(f.decoder, glibckit.KindUnsorted, 1, f.sentinel, 3)

	assert.Len(t, bin.Chain, 3)
	assert.True(t, bin.IsCorrupted())
}
