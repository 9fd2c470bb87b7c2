// Package heaptest builds synthetic glibc heaps for tests.
package heaptest

import (
	"fmt"

	"gitlab.com/stephen-fox/heapkit/libc/glibckit"
	"gitlab.com/stephen-fox/heapkit/memory"
)

// New returns a Builder for the specified layout.
func New(layout glibckit.Layout) *Builder {
	return &Builder{
		layout: layout,
	}
}

// Builder lays out memory segments that together form a fake target.
// Writes that fall outside of a segment panic, since they are
// always a bug in the test.
type Builder struct {
	layout   glibckit.Layout
	segments []*Segment
}

// Layout returns the Builder's layout.
func (o *Builder) Layout() glibckit.Layout {
	return o.layout
}

// Segment adds a zero-filled segment of size bytes at base.
//
// Use the name "[heap]" for the heap so that it can be located
// without an explicit address, and a name containing "libc" for
// the segment holding main_arena.
func (o *Builder) Segment(name string, base uint64, size int) *Segment {
	s := &Segment{
		layout: o.layout,
		name:   name,
		base:   base,
		cursor: base,
		data:   make([]byte, size),
	}

	o.segments = append(o.segments, s)

	return s
}

// Image returns the segments as a memory.Image.
func (o *Builder) Image() (*memory.Image, error) {
	img := memory.NewImage(o.layout.Platform)

	for _, s := range o.segments {
		err := img.AddSegment(s.base, s.data, s.name)
		if err != nil {
			return nil, err
		}
	}

	return img, nil
}

// Decoder returns a glibckit.Decoder over Image. It panics if the
// image cannot be created.
func (o *Builder) Decoder() glibckit.Decoder {
	img, err := o.Image()
	if err != nil {
		panic(err)
	}

	return glibckit.NewDecoder(img, o.layout)
}

// Segment is one contiguous range of fake memory.
type Segment struct {
	layout glibckit.Layout
	name   string
	base   uint64
	cursor uint64
	data   []byte
}

// Base returns the segment's start address.
func (o *Segment) Base() uint64 {
	return o.base
}

// End returns the address just past the segment.
func (o *Segment) End() uint64 {
	return o.base + uint64(len(o.data))
}

// Cursor returns where the next Chunk will be placed.
func (o *Segment) Cursor() uint64 {
	return o.cursor
}

// Skip advances the cursor by n bytes.
func (o *Segment) Skip(n uint64) *Segment {
	o.cursor += n
	return o
}

// Chunk writes a chunk header of size (flags included) at the
// cursor, advances the cursor past the chunk, and returns the
// chunk's address.
func (o *Segment) Chunk(size uint64) uint64 {
	addr := o.cursor
	ptr := o.layout.PtrSize()

	o.Pointer(addr, 0)
	o.Pointer(addr+ptr, size)

	o.cursor += size &^ 0x7
	return addr
}

// PrevSize sets the prev_size field of the chunk at chunk.
func (o *Segment) PrevSize(chunk uint64, prevSize uint64) *Segment {
	return o.Pointer(chunk, prevSize)
}

// Links sets the fd and bk fields of the chunk at chunk.
func (o *Segment) Links(chunk uint64, fd uint64, bk uint64) *Segment {
	ptr := o.layout.PtrSize()
	o.Pointer(chunk+2*ptr, fd)
	return o.Pointer(chunk+3*ptr, bk)
}

// FastLink sets the fd field of the fastbin chunk at chunk,
// protecting it if the layout uses safe linking.
func (o *Segment) FastLink(chunk uint64, next uint64) *Segment {
	pos := chunk + o.layout.FdOffset()
	if o.layout.SafeLinking {
		next = glibckit.RevealPtr(pos, next)
	}
	return o.Pointer(pos, next)
}

// TcacheLink sets the next field of the tcache entry at entry,
// protecting it if the layout uses safe linking.
func (o *Segment) TcacheLink(entry uint64, next uint64) *Segment {
	if o.layout.SafeLinking {
		next = glibckit.RevealPtr(entry, next)
	}
	return o.Pointer(entry, next)
}

// Tcache sets the count and head entry of tcache bin index of
// the tcache_perthread_struct at tcache.
func (o *Segment) Tcache(tcache uint64, index int, count int, head uint64) *Segment {
	countSize := o.layout.TcacheCountSize()
	countAddr := tcache + uint64(index)*countSize

	if countSize == 2 {
		o.Uint16(countAddr, uint16(count))
	} else {
		o.Bytes(countAddr, []byte{byte(count)})
	}

	entry := tcache + o.layout.TcacheEntriesOffset() + uint64(index)*o.layout.PtrSize()
	return o.Pointer(entry, head)
}

// InitArena writes an empty malloc_state at arena: every bin links
// to its own sentinel and next points back to arena.
func (o *Segment) InitArena(arena uint64, top uint64) *Segment {
	for i := 1; i < glibckit.NumBins; i++ {
		s := o.layout.BinSentinel(arena, i)
		o.Links(s, s, s)
	}

	o.Pointer(arena+o.layout.ArenaTopOffset(), top)
	return o.Pointer(arena+o.layout.ArenaNextOffset(), arena)
}

// ArenaNext sets the next field of the malloc_state at arena.
func (o *Segment) ArenaNext(arena uint64, next uint64) *Segment {
	return o.Pointer(arena+o.layout.ArenaNextOffset(), next)
}

// Fastbin sets fastbinsY[index] of the malloc_state at arena.
func (o *Segment) Fastbin(arena uint64, index int, head uint64) *Segment {
	off := o.layout.ArenaFastbinsOffset() + uint64(index)*o.layout.PtrSize()
	return o.Pointer(arena+off, head)
}

// BinLinks sets the fd and bk of the sentinel of bin index of the
// malloc_state at arena.
func (o *Segment) BinLinks(arena uint64, index int, fd uint64, bk uint64) *Segment {
	return o.Links(o.layout.BinSentinel(arena, index), fd, bk)
}

// Pointer writes a pointer-sized value at addr.
func (o *Segment) Pointer(addr uint64, v uint64) *Segment {
	return o.Bytes(addr, o.layout.Platform.Bytes(v))
}

// Uint32 writes a 32-bit value at addr.
func (o *Segment) Uint32(addr uint64, v uint32) *Segment {
	b := make([]byte, 4)
	o.layout.Platform.ByteOrder.PutUint32(b, v)
	return o.Bytes(addr, b)
}

// Uint16 writes a 16-bit value at addr.
func (o *Segment) Uint16(addr uint64, v uint16) *Segment {
	b := make([]byte, 2)
	o.layout.Platform.ByteOrder.PutUint16(b, v)
	return o.Bytes(addr, b)
}

// Bytes copies b to addr.
func (o *Segment) Bytes(addr uint64, b []byte) *Segment {
	if addr < o.base || addr+uint64(len(b)) > o.End() {
		panic(fmt.Sprintf("write of %d bytes at 0x%x is outside of segment %q (0x%x-0x%x)",
			len(b), addr, o.name, o.base, o.End()))
	}

	copy(o.data[addr-o.base:], b)
	return o
}
