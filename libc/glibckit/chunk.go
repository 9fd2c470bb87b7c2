package glibckit

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"gitlab.com/stephen-fox/heapkit/memory"
)

const (
	// PrevInUse is the PREV_INUSE size flag.
	PrevInUse uint64 = 0x1

	// IsMmapped is the IS_MMAPPED size flag.
	IsMmapped uint64 = 0x2

	// NonMainArena is the NON_MAIN_ARENA size flag.
	NonMainArena uint64 = 0x4
)

// Chunk is a decoded malloc_chunk header.
//
// Chunk values are never cached. Each one reflects the target's
// memory at the time it was decoded.
type Chunk struct {
	// Address is the address of the header (mchunk_prev_size),
	// not of the user data.
	Address uint64

	PrevSize uint64

	// Size is the raw mchunk_size value, flags included.
	Size uint64

	// Fd and Bk are only meaningful for free chunks. They are
	// not revealed when safe linking is in use.
	Fd uint64
	Bk uint64

	// HasLinks is false when Fd and Bk could not be read.
	HasLinks bool

	// Fake marks chunks that were synthesized from arbitrary
	// memory rather than found through allocator metadata.
	Fake bool
}

// RealSize returns Size without the flag bits.
func (o Chunk) RealSize() uint64 {
	return o.Size &^ sizeFlagsMask
}

// PrevInUse returns true if the PREV_INUSE flag is set.
func (o Chunk) PrevInUse() bool {
	return o.Size&PrevInUse != 0
}

// IsMmapped returns true if the IS_MMAPPED flag is set.
func (o Chunk) IsMmapped() bool {
	return o.Size&IsMmapped != 0
}

// NonMainArena returns true if the NON_MAIN_ARENA flag is set.
func (o Chunk) NonMainArena() bool {
	return o.Size&NonMainArena != 0
}

// UserData returns the address malloc would have returned for
// the chunk (chunk2mem).
func (o Chunk) UserData(layout Layout) uint64 {
	return o.Address + 2*layout.PtrSize()
}

// Next returns the address of the chunk that follows o in memory.
func (o Chunk) Next() uint64 {
	return o.Address + o.RealSize()
}

// SizeAligned returns true if RealSize is a multiple of the
// allocator's alignment. Chunks failing this are corrupted or
// are not chunks at all.
func (o Chunk) SizeAligned(layout Layout) bool {
	return layout.Aligned(o.RealSize())
}

// FlagNames returns the names printed after a chunk's address.
// In-use chunks of a fast size are reported as FASTBIN instead
// of PREV_INUSE.
func (o Chunk) FlagNames(layout Layout) []string {
	var names []string

	if o.Fake {
		names = append(names, "FAKE")
	}

	if o.PrevInUse() {
		if layout.IsFastSize(o.RealSize()) {
			names = append(names, "FASTBIN")
		} else {
			names = append(names, "PREV_INUSE")
		}
	}

	if o.IsMmapped() {
		names = append(names, "IS_MMAPED")
	}

	if o.NonMainArena() {
		names = append(names, "NON_MAIN_ARENA")
	}

	return names
}

func (o Chunk) String() string {
	return fmt.Sprintf("chunk 0x%x (size: 0x%x, flags: 0x%x)",
		o.Address, o.RealSize(), o.Size&sizeFlagsMask)
}

// ChunkFromFields builds a Chunk from named struct fields, such as
// those produced by a debugger's view of struct malloc_chunk. glibc
// renamed prev_size and size to mchunk_prev_size and mchunk_size
// in 2.26. Both spellings are accepted.
func ChunkFromFields(address uint64, fields map[string]uint64) (Chunk, error) {
	size, ok := lookupField(fields, "mchunk_size", "size")
	if !ok {
		return Chunk{}, errors.Newf("chunk 0x%x has no size field", address)
	}

	prevSize, _ := lookupField(fields, "mchunk_prev_size", "prev_size")
	fd, hasFd := fields["fd"]
	bk, hasBk := fields["bk"]

	return Chunk{
		Address:  address,
		PrevSize: prevSize,
		Size:     size,
		Fd:       fd,
		Bk:       bk,
		HasLinks: hasFd && hasBk,
	}, nil
}

func lookupField(fields map[string]uint64, names ...string) (uint64, bool) {
	for _, name := range names {
		for k, v := range fields {
			if strings.EqualFold(k, name) {
				return v, true
			}
		}
	}
	return 0, false
}

// NewDecoder returns a Decoder for r.
func NewDecoder(r memory.Reader, layout Layout) Decoder {
	return Decoder{
		reader: r,
		layout: layout,
	}
}

// Decoder reads Chunks from target memory.
type Decoder struct {
	reader memory.Reader
	layout Layout
}

// Reader returns the Decoder's memory source.
func (o Decoder) Reader() memory.Reader {
	return o.reader
}

// Layout returns the Decoder's allocator layout.
func (o Decoder) Layout() Layout {
	return o.layout
}

// Decode reads the chunk header at address. The fd and bk fields
// are read too, but failing to read them is not an error. Check
// Chunk.HasLinks instead.
func (o Decoder) Decode(address uint64) (Chunk, error) {
	ptr := o.layout.PtrSize()

	header, err := o.reader.ReadAt(address, int(2*ptr))
	if err != nil {
		return Chunk{}, err
	}

	c := Chunk{
		Address:  address,
		PrevSize: o.layout.Platform.Uint(header),
		Size:     o.layout.Platform.Uint(header[ptr:]),
	}

	links, err := o.reader.ReadAt(address+2*ptr, int(2*ptr))
	if err == nil {
		c.Fd = o.layout.Platform.Uint(links)
		c.Bk = o.layout.Platform.Uint(links[ptr:])
		c.HasLinks = true
	}

	return c, nil
}

// ReadPointer reads one pointer at address.
func (o Decoder) ReadPointer(address uint64) (uint64, error) {
	return memory.ReadPointer(o.reader, address)
}
