package glibckit

import (
	"github.com/cockroachdb/errors"
	"gitlab.com/stephen-fox/heapkit/memory"
)

// Arena is a decoded struct malloc_state.
type Arena struct {
	Address uint64

	Mutex          uint32
	Flags          uint32
	HaveFastChunks bool

	Fastbins      [NumFastbins]uint64
	Top           uint64
	LastRemainder uint64

	// Bins holds the raw bins array: fd and bk of every bin
	// sentinel, starting with the unsorted bin.
	Bins   [2*NumBins - 2]uint64
	Binmap [4]uint32

	Next            uint64
	NextFree        uint64
	AttachedThreads uint64
	SystemMem       uint64
	MaxSystemMem    uint64
}

// NonContiguous returns true if the NONCONTIGUOUS_BIT flag is set.
func (o Arena) NonContiguous() bool {
	return o.Flags&0x2 != 0
}

// BinInUse returns true if bin index is marked in the binmap. The
// allocator only updates the map lazily, so a set bit does not
// guarantee the bin has entries.
func (o Arena) BinInUse(index int) bool {
	return o.Binmap[index/32]&(1<<(uint(index)%32)) != 0
}

// DecodeArena reads the malloc_state at address.
func DecodeArena(r memory.Reader, layout Layout, address uint64) (Arena, error) {
	raw, err := r.ReadAt(address, int(layout.ArenaSize()))
	if err != nil {
		return Arena{}, errors.Wrapf(err, "failed to read arena at 0x%x", address)
	}

	p := layout.Platform
	ptr := layout.PtrSize()
	ptrAt := func(offset uint64) uint64 {
		return p.Uint(raw[offset:])
	}

	a := Arena{
		Address: address,
		Mutex:   p.ByteOrder.Uint32(raw[0:]),
		Flags:   p.ByteOrder.Uint32(raw[4:]),
	}

	if layout.Version.AtLeast(2, 27) {
		a.HaveFastChunks = p.ByteOrder.Uint32(raw[8:]) != 0
	}

	off := layout.ArenaFastbinsOffset()
	for i := range a.Fastbins {
		a.Fastbins[i] = ptrAt(off)
		off += ptr
	}

	a.Top = ptrAt(off)
	a.LastRemainder = ptrAt(off + ptr)

	off = layout.ArenaBinsOffset()
	for i := range a.Bins {
		a.Bins[i] = ptrAt(off)
		off += ptr
	}

	for i := range a.Binmap {
		a.Binmap[i] = p.ByteOrder.Uint32(raw[off:])
		off += 4
	}

	a.Next = ptrAt(off)
	a.NextFree = ptrAt(off + ptr)
	a.AttachedThreads = ptrAt(off + 2*ptr)
	a.SystemMem = ptrAt(off + 3*ptr)
	a.MaxSystemMem = ptrAt(off + 4*ptr)

	return a, nil
}

// Arenas returns every arena on the circular list that starts at
// mainArena, main arena first. The walk stops at stepCap arenas.
func Arenas(r memory.Reader, layout Layout, mainArena uint64, stepCap int) ([]Arena, error) {
	stepCap = stepCapOrDefault(stepCap)

	var arenas []Arena
	addr := mainArena
	for {
		a, err := DecodeArena(r, layout, addr)
		if err != nil {
			return arenas, err
		}

		arenas = append(arenas, a)

		if a.Next == mainArena || a.Next == 0 {
			return arenas, nil
		}

		if len(arenas) >= stepCap {
			return arenas, inconsistent("arena list did not return to 0x%x within %d arenas",
				mainArena, stepCap)
		}

		addr = a.Next
	}
}

// Tcache is a decoded tcache_perthread_struct.
type Tcache struct {
	Address uint64
	Counts  [TcacheMaxBins]int

	// Entries are user data addresses, not chunk addresses.
	Entries [TcacheMaxBins]uint64
}

// DecodeTcache reads the tcache_perthread_struct at address. This
// is the struct itself, not the chunk that holds it.
func DecodeTcache(r memory.Reader, layout Layout, address uint64) (Tcache, error) {
	raw, err := r.ReadAt(address, int(layout.TcacheStructSize()))
	if err != nil {
		return Tcache{}, errors.Wrapf(err, "failed to read tcache at 0x%x", address)
	}

	t := Tcache{
		Address: address,
	}

	countSize := layout.TcacheCountSize()
	for i := range t.Counts {
		if countSize == 2 {
			t.Counts[i] = int(layout.Platform.ByteOrder.Uint16(raw[uint64(i)*2:]))
		} else {
			t.Counts[i] = int(raw[i])
		}
	}

	off := layout.TcacheEntriesOffset()
	for i := range t.Entries {
		t.Entries[i] = layout.Platform.Uint(raw[off:])
		off += layout.PtrSize()
	}

	return t, nil
}

// DefaultTcacheAddress returns where the main thread's tcache
// normally lives: in the user data of the first chunk of the heap.
func DefaultTcacheAddress(layout Layout, region Region) uint64 {
	return region.FirstChunk() + 2*layout.PtrSize()
}

// Region is a contiguous range of memory an arena carves chunks
// from, such as the [heap] mapping.
type Region struct {
	Start uint64
	End   uint64

	// Pad is the number of bytes between Start and the first chunk.
	Pad uint64

	Name string
}

// FirstChunk returns the address of the region's first chunk.
func (o Region) FirstChunk() uint64 {
	return o.Start + o.Pad
}

// Size returns the number of bytes in the region.
func (o Region) Size() uint64 {
	return o.End - o.Start
}

// Contains returns true if address is part of the region.
func (o Region) Contains(address uint64) bool {
	return address >= o.Start && address < o.End
}

// LocateHeapRegion finds the region holding the heap.
//
// If optAddress is non-zero, the region runs from optAddress to the
// end of the mapping that contains it. Otherwise the "[heap]"
// mapping is used. An error marked with ErrNotFound is returned if
// no such mapping exists.
func LocateHeapRegion(r memory.Reader, layout Layout, optAddress uint64) (Region, error) {
	m, found, err := memory.FindMapping(r, func(m memory.Mapping) bool {
		if optAddress != 0 {
			return m.Contains(optAddress)
		}
		return m.Name == "[heap]"
	})
	if err != nil {
		return Region{}, err
	}

	if !found {
		if optAddress != 0 {
			return Region{}, notFound("no mapping contains 0x%x", optAddress)
		}
		return Region{}, notFound("failed to find the [heap] mapping")
	}

	region := Region{
		Start: m.Start,
		End:   m.End,
		Name:  m.Name,
	}

	if optAddress != 0 {
		region.Start = optAddress
	}

	region.Pad = alignmentPad(r, layout, region.Start)

	return region, nil
}

// alignmentPad returns the size of the zero-filled pad that precedes
// the first chunk when the region start is not chunk aligned.
func alignmentPad(r memory.Reader, layout Layout, start uint64) uint64 {
	size, err := memory.ReadPointer(r, start+layout.PtrSize())
	if err == nil && size == 0 {
		return 2 * layout.PtrSize()
	}
	return 0
}

// TopChunk returns the address of the top chunk of region.
//
// If arena is non-nil, its top pointer is used. Otherwise every
// chunk from the start of the region is walked and the last one
// that was decoded is assumed to be the top chunk. The fallback
// stops at the first zero size or unreadable header, and fails
// with ErrInconsistent at a misaligned size.
func TopChunk(d Decoder, region Region, arena *Arena) (uint64, error) {
	if arena != nil {
		return arena.Top, nil
	}

	var last uint64
	var found bool

	chunks := NewEnumerator(d, region.FirstChunk(), region.End)
	for chunks.Next() {
		last = chunks.Chunk().Address
		found = true
	}

	if errors.Is(chunks.Err(), ErrInconsistent) {
		return 0, errors.Wrapf(chunks.Err(), "failed to walk to top chunk of 0x%x", region.Start)
	}

	if !found {
		err := chunks.Err()
		if err == nil {
			err = errors.New("region has no chunks")
		}
		return 0, errors.Mark(
			errors.Wrapf(err, "failed to find top chunk of 0x%x", region.Start),
			ErrNotFound)
	}

	return last, nil
}

// HeapInfo is a decoded heap_info: the header of each heap owned by
// a non-main arena.
type HeapInfo struct {
	Address      uint64
	ArenaPtr     uint64
	Prev         uint64
	Size         uint64
	MprotectSize uint64
}

// HeapInfoFor returns the heap_info of the non-main arena heap that
// contains chunk. Heaps are always aligned to HEAP_MAX_SIZE.
func HeapInfoFor(r memory.Reader, layout Layout, chunk uint64) (HeapInfo, error) {
	addr := chunk &^ (layout.HeapMaxSize() - 1)

	ptrs, err := memory.ReadPointers(r, addr, 4)
	if err != nil {
		return HeapInfo{}, errors.Wrapf(err, "failed to read heap_info at 0x%x", addr)
	}

	return HeapInfo{
		Address:      addr,
		ArenaPtr:     ptrs[0],
		Prev:         ptrs[1],
		Size:         ptrs[2],
		MprotectSize: ptrs[3],
	}, nil
}
