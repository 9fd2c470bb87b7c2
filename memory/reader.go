package memory

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Reader abstracts a source of target memory. It is the only source
// of ground truth for anything that inspects the target.
type Reader interface {
	// ReadAt returns exactly length bytes starting at address.
	// A failed or short read returns an error marked with
	// ErrUnreadable.
	ReadAt(address uint64, length int) ([]byte, error)

	// Platform returns the target's pointer layout.
	Platform() Platform
}

// PartialReader is implemented by Readers that can return fewer bytes
// than requested when the tail of a range is unmapped. It is only used
// for bounded scan windows.
type PartialReader interface {
	// ReadPartial returns up to length bytes starting at address.
	// It fails only when not a single byte can be read.
	ReadPartial(address uint64, length int) ([]byte, error)
}

// Mapper is implemented by Readers that know the target's virtual
// memory mappings.
type Mapper interface {
	Mappings() ([]Mapping, error)
}

// Mapping is a contiguous range of the target's virtual memory.
type Mapping struct {
	Start uint64
	End   uint64
	Perms string
	Name  string
}

// Size returns the number of bytes in the mapping.
func (o Mapping) Size() uint64 {
	return o.End - o.Start
}

// Contains returns true if address falls within the mapping.
func (o Mapping) Contains(address uint64) bool {
	return address >= o.Start && address < o.End
}

// Readable returns true if the mapping's permissions allow reading.
// Mappings without permission information are assumed readable.
func (o Mapping) Readable() bool {
	return o.Perms == "" || strings.HasPrefix(o.Perms, "r")
}

// ReadPointer reads one pointer-sized value at address.
func ReadPointer(r Reader, address uint64) (uint64, error) {
	p := r.Platform()

	b, err := r.ReadAt(address, p.PointerSize)
	if err != nil {
		return 0, err
	}

	return p.Uint(b), nil
}

// ReadPointers reads count consecutive pointer-sized values
// starting at address.
func ReadPointers(r Reader, address uint64, count int) ([]uint64, error) {
	p := r.Platform()

	b, err := r.ReadAt(address, count*p.PointerSize)
	if err != nil {
		return nil, err
	}

	out := make([]uint64, count)
	for i := range out {
		out[i] = p.Uint(b[i*p.PointerSize:])
	}

	return out, nil
}

// ReadPartial reads up to length bytes at address. If r does not
// implement PartialReader, it falls back to an exact read.
func ReadPartial(r Reader, address uint64, length int) ([]byte, error) {
	pr, ok := r.(PartialReader)
	if ok {
		return pr.ReadPartial(address, length)
	}

	return r.ReadAt(address, length)
}

// FindMapping returns the first mapping for which fn returns true.
func FindMapping(r Reader, fn func(Mapping) bool) (Mapping, bool, error) {
	mapper, ok := r.(Mapper)
	if !ok {
		return Mapping{}, false, nil
	}

	mappings, err := mapper.Mappings()
	if err != nil {
		return Mapping{}, false, errors.Wrap(err, "failed to get memory mappings")
	}

	for _, m := range mappings {
		if fn(m) {
			return m, true, nil
		}
	}

	return Mapping{}, false, nil
}
